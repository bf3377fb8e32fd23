package watch

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPaths(t *testing.T) {
	repo := t.TempDir()
	for _, dir := range []string{".git/refs/heads", ".git/refs/tags"} {
		if err := os.MkdirAll(filepath.Join(repo, filepath.FromSlash(dir)), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	plain := t.TempDir()
	gitDir := filepath.Join(repo, ".git")

	tests := []struct {
		name     string
		roots    []string
		withTree bool
		want     []string
	}{
		{
			name:  "git dir and refs",
			roots: []string{repo},
			want:  []string{gitDir, filepath.Join(gitDir, "refs", "heads"), filepath.Join(gitDir, "refs", "tags")},
		},
		{
			name:     "with working tree",
			roots:    []string{repo, repo},
			withTree: true,
			want:     []string{repo, gitDir, filepath.Join(gitDir, "refs", "heads"), filepath.Join(gitDir, "refs", "tags")},
		},
		{
			name:  "no git dir",
			roots: []string{plain, ""},
			want:  []string{plain},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := slices.Collect(Paths(tt.roots, tt.withTree))
			want := slices.Sorted(slices.Values(tt.want))
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Paths mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestShouldIgnoreWatchPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/r/.git/index.lock", true},
		{"/r/.git/HEAD.LOCK", true},
		{"/r/.git/gc.ipc", true},
		{"/r/.git/objects/ab/cdef", true},
		{"/r/.git/HEAD", false},
		{"/r/.git/refs/heads/main", false},
		{"/r/main.go", false},
	}
	for _, tt := range tests {
		if got := shouldIgnoreWatchPath(filepath.FromSlash(tt.path)); got != tt.want {
			t.Errorf("shouldIgnoreWatchPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestStartTriggersReload(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 8)
	w, err := Start(slices.Values([]string{dir}), 10*time.Millisecond, func() { fired <- struct{}{} })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	for i := range 3 {
		name := filepath.Join(dir, "file"+string(rune('a'+i)))
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
}

func TestStartMissingPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	if _, err := Start(slices.Values([]string{missing}), time.Millisecond, func() {}); err == nil {
		t.Fatal("watching a missing path should fail")
	}
}

func TestCloseTwice(t *testing.T) {
	w, err := Start(slices.Values([]string{t.TempDir()}), time.Millisecond, func() {})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
