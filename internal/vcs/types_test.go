package vcs

import (
	"context"
	"errors"
	"iter"
	"slices"
	"testing"
)

func TestRevnoFormatting(t *testing.T) {
	tests := []struct {
		revno  Revno
		want   string
		prefix string
	}{
		{Revno{3}, "3", ""},
		{Revno{2, 1, 3}, "2.1.3", "2.1"},
		{nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.revno.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
			if got := tt.revno.BranchPrefix().String(); got != tt.prefix {
				t.Fatalf("BranchPrefix() = %q, want %q", got, tt.prefix)
			}
		})
	}
}

func TestParseRevno(t *testing.T) {
	got, ok := ParseRevno("1.2.3")
	if !ok || !got.Equal(Revno{1, 2, 3}) {
		t.Fatalf("ParseRevno = %v, %v", got, ok)
	}
	for _, bad := range []string{"", "1..2", "a", "-1"} {
		if _, ok := ParseRevno(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestRevnoCompare(t *testing.T) {
	if (Revno{1}).Compare(Revno{1, 1, 1}) >= 0 {
		t.Fatal("shorter prefix should sort first")
	}
	if (Revno{2, 1}).Compare(Revno{1, 3}) <= 0 {
		t.Fatal("expected 2.1 > 1.3")
	}
}

func TestShortName(t *testing.T) {
	tests := map[string]string{
		"Jane Doe <jane@example.com>": "Jane Doe",
		"<jane@example.com>":          "jane",
		"jane":                        "jane",
		"":                            "",
		"Broken <name":                "Broken",
	}
	for in, want := range tests {
		if got := ShortName(in); got != want {
			t.Fatalf("ShortName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRevisionHelpers(t *testing.T) {
	rev := &Revision{
		Committer: "C <c@x>",
		Message:   "\n  first line\nsecond",
		Properties: map[string]string{
			"authors": "A <a@x>\nB <b@x>",
			"bugs":    "https://bugs/1 fixed\nhttps://bugs/2 fixed",
		},
	}
	if got := rev.Summary(); got != "first line" {
		t.Fatalf("Summary() = %q", got)
	}
	if got := rev.AuthorList(); len(got) != 2 || got[1] != "B <b@x>" {
		t.Fatalf("AuthorList() = %v", got)
	}
	if got := rev.Bugs(); len(got) != 2 || got[0] != "https://bugs/1" {
		t.Fatalf("Bugs() = %v", got)
	}
	if got := (&Revision{Committer: "C <c@x>"}).AuthorList(); len(got) != 1 || got[0] != "C <c@x>" {
		t.Fatalf("committer fallback = %v", got)
	}
}

func TestWorkingTreeID(t *testing.T) {
	a := WorkingTreeID("/src/a")
	if !a.IsWorkingTree() {
		t.Fatalf("%q should be a working tree id", a)
	}
	if a == WorkingTreeID("/src/b") {
		t.Fatal("different trees must get different ids")
	}
	if a != WorkingTreeID("/src/a") {
		t.Fatal("id should be stable for a base dir")
	}
}

type lockRepo struct {
	location string
	lockErr  error
	locked   *[]string
}

func (r lockRepo) Location() string { return r.location }
func (r lockRepo) IsLocal() bool    { return true }
func (r lockRepo) LockRead() (func() error, error) {
	if r.lockErr != nil {
		return nil, r.lockErr
	}
	*r.locked = append(*r.locked, "+"+r.location)
	return func() error {
		*r.locked = append(*r.locked, "-"+r.location)
		return nil
	}, nil
}
func (lockRepo) Ancestry(context.Context, []RevisionID) iter.Seq2[Ancestor, error] { return nil }
func (lockRepo) Revisions(context.Context, []RevisionID) (map[RevisionID]*Revision, error) {
	return nil, nil
}
func (lockRepo) Tags(context.Context) (map[RevisionID][]string, error) { return nil, nil }

func TestWithReadLockReleasesOnError(t *testing.T) {
	var events []string
	repos := []Repository{
		lockRepo{location: "a", locked: &events},
		lockRepo{location: "b", locked: &events},
	}
	boom := errors.New("boom")
	err := WithReadLock(repos, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	want := []string{"+a", "+b", "-b", "-a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestWithReadLockLockFailure(t *testing.T) {
	var events []string
	denied := errors.New("denied")
	repos := []Repository{
		lockRepo{location: "a", locked: &events},
		lockRepo{location: "b", lockErr: denied, locked: &events},
	}
	called := false
	err := WithReadLock(repos, func() error { called = true; return nil })
	if !errors.Is(err, denied) {
		t.Fatalf("expected denied, got %v", err)
	}
	if called {
		t.Fatal("fn must not run without all locks")
	}
	if len(events) != 2 || events[1] != "-a" {
		t.Fatalf("first lock should be released, events = %v", events)
	}
}

func TestLockAllReleasesOnce(t *testing.T) {
	var events []string
	repos := []Repository{
		lockRepo{location: "a", locked: &events},
		lockRepo{location: "b", locked: &events},
	}
	release, err := LockAll(repos)
	if err != nil {
		t.Fatalf("LockAll: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	want := []string{"+a", "+b", "-b", "-a"}
	if !slices.Equal(events, want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
}
