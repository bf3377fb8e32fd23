package msgview

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/palette"
	"github.com/thiagokokada/qlog-go/internal/revcache"
	"github.com/thiagokokada/qlog-go/internal/vcs"
	"github.com/thiagokokada/qlog-go/internal/vcs/vcstest"
)

func unifiedDiff(t *testing.T, want, got string) string {
	t.Helper()
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	return diff
}

func loadGraph(t *testing.T) (*loggraph.Graph, *vcstest.Repo) {
	t.Helper()
	repo := vcstest.NewRepo("merge")
	repo.Commit("M1")
	repo.Commit("M2", "M1")
	repo.Commit("S1", "M1")
	repo.Commit("S2", "S1")
	m3 := repo.Commit("M3", "M2", "S2")
	m3.Message = "Merge feature\n\nSee https://example.com/bug/1."
	repo.Tag("M3", "v1.0")
	g, err := loggraph.Load(context.Background(), loggraph.Request{
		Branches:        []*vcs.BranchInfo{{Label: "trunk", Branch: vcstest.NewBranch(repo, "M3")}},
		UseBranchRevnos: true,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g, repo
}

func TestShowLoadsParentsAndChildren(t *testing.T) {
	g, repo := loadGraph(t)
	loop := eventloop.New()
	v := New(context.Background(), loop, revcache.New())
	updates := 0
	v.OnUpdate = func([]Message) { updates++ }
	v.Show(g, []vcs.RevisionID{"M3", "S1"})
	if !v.Busy() {
		t.Fatal("view should be busy until bodies arrive")
	}
	loop.RunUntilIdle()

	if v.Busy() {
		t.Fatal("view still busy after the load finished")
	}
	if updates == 0 {
		t.Fatal("OnUpdate never called")
	}
	msgs := v.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m3, s1 := msgs[0], msgs[1]
	wantParents := []string{"2: commit M2", "1.1.2: commit S2"}
	var gotParents []string
	for _, l := range m3.Parents {
		gotParents = append(gotParents, l.label())
	}
	if diff := cmp.Diff(wantParents, gotParents); diff != "" {
		t.Fatalf("parents mismatch (-want +got):\n%s", diff)
	}
	if len(m3.Children) != 0 {
		t.Fatalf("tip has children %v", m3.Children)
	}
	if diff := cmp.Diff([]string{"v1.0"}, m3.Tags); diff != "" {
		t.Fatalf("tags mismatch (-want +got):\n%s", diff)
	}
	if len(s1.Children) != 1 || s1.Children[0].ID != "S2" {
		t.Fatalf("S1 children = %v", s1.Children)
	}
	if m3.Revision == nil || m3.Revision.ID != "M3" {
		t.Fatal("M3 body not loaded")
	}
	if repo.LockBalance() != 0 {
		t.Fatalf("read lock leaked: %d", repo.LockBalance())
	}
}

func TestShowSupersedesPreviousSelection(t *testing.T) {
	g, _ := loadGraph(t)
	loop := eventloop.New()
	v := New(context.Background(), loop, revcache.New())
	var last []Message
	v.OnUpdate = func(msgs []Message) { last = msgs }
	v.Show(g, []vcs.RevisionID{"M1"})
	v.Show(g, []vcs.RevisionID{"M2"})
	loop.RunUntilIdle()
	if len(last) != 1 || last[0].ID != "M2" {
		t.Fatalf("last update = %v", last)
	}
	v.Show(g, nil)
	if len(last) != 0 {
		t.Fatal("empty selection should clear the view")
	}
}

func TestMissingLinkBody(t *testing.T) {
	g, repo := loadGraph(t)
	repo.HideBody("M2")
	loop := eventloop.New()
	v := New(context.Background(), loop, revcache.New())
	v.Show(g, []vcs.RevisionID{"M3"})
	loop.RunUntilIdle()
	if got := v.Messages()[0].Parents[0].label(); got != "revid: M2" {
		t.Fatalf("label = %q", got)
	}
}

func TestText(t *testing.T) {
	old := now
	t.Cleanup(func() { now = old })
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	now = func() time.Time { return ts.Add(2 * time.Hour) }

	m := Message{
		ID:    "rev-3",
		Revno: "3",
		Parents: []Link{
			{ID: "rev-2", Revno: "2", Summary: strings.Repeat("x", 70)},
			{ID: "rev-1.1.1"},
		},
		Tags: []string{"v1", "stable"},
		Revision: &vcs.Revision{
			ID:        "rev-3",
			Committer: "Jane Roe <jane@example.com>",
			Timestamp: ts,
			Message:   "Fix parser\n\n  indented detail\n",
			Properties: map[string]string{
				"branch-nick": "trunk",
				"bugs":        "https://bugs.example.com/1 fixed",
			},
		},
	}
	want := strings.Join([]string{
		"Revision:  3 revid:rev-3",
		"Parents:   2: " + strings.Repeat("x", 59) + "…",
		"           revid: rev-1.1.1",
		"Date:      " + ts.Format(dateLayout) + " (2 hours ago)",
		"Committer: Jane Roe <jane@example.com>",
		"Branch:    trunk",
		"Tags:      v1, stable",
		"Bugs:      https://bugs.example.com/1",
		"",
		"    Fix parser",
		"",
		"      indented detail",
		"",
	}, "\n")
	if got := m.Text(); got != want {
		t.Fatalf("text mismatch:\n%s", unifiedDiff(t, want, got))
	}
}

func TestWorkingTreeText(t *testing.T) {
	m := Message{ID: vcs.WorkingTreeID("/w"), Revno: "3 ?", WorkingTree: true}
	if !strings.HasSuffix(m.Text(), "    "+vcs.WorkingTreeTitle+"\n") {
		t.Fatalf("working tree text:\n%s", m.Text())
	}
}

func TestHTML(t *testing.T) {
	p := palette.For(palette.ThemeLight)
	m := Message{
		ID:      "r<2>",
		Revno:   "2",
		Color:   1,
		Parents: []Link{{ID: "r1", Revno: "1", Summary: "Add <b>", Color: 0}},
		Revision: &vcs.Revision{
			ID:        "r<2>",
			Committer: "Jane <jane@example.com>",
			Message:   "See https://example.com/a?b=1&c=2.\n  mail bob@example.org",
		},
	}
	got := m.HTML(p)
	for _, want := range []string{
		`<span style="color:` + p.Hex(1) + `">&#9679;</span> 2 revid:r&lt;2&gt;`,
		`<a href="qlog-revid:r1" title="Add &lt;b&gt;">1: Add &lt;b&gt;</a>`,
		`<span style="color:` + p.Hex(0) + `">&#9679;</span> <a href="qlog-revid:r1"`,
		`<a href="mailto:jane@example.com">jane@example.com</a>`,
		`<a href="https://example.com/a?b=1&amp;c=2">https://example.com/a?b=1&amp;c=2</a>.<br>&nbsp;&nbsp;mail `,
		`<a href="mailto:bob@example.org">bob@example.org</a>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("HTML lacks %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<b>") {
		t.Fatal("summary not escaped")
	}
	table := `<table style="background:` + palette.Hex(p.Background) + `; color:` + palette.Hex(p.Text) + `;">`
	if !strings.HasPrefix(got, table) {
		t.Fatalf("HTML should start with %q:\n%s", table, got)
	}
	all := HTMLAll([]Message{m, m}, p)
	if !strings.HasPrefix(all, "<style>a { color: "+palette.Hex(p.Link)+"; }</style>") {
		t.Fatalf("HTMLAll lacks the link style:\n%s", all)
	}
	if strings.Count(all, "<table") != 2 {
		t.Fatal("HTMLAll should render every message")
	}
}

func TestClick(t *testing.T) {
	v := New(context.Background(), eventloop.New(), revcache.New())
	var selected vcs.RevisionID
	v.SelectRevision = func(id vcs.RevisionID) bool {
		selected = id
		return id != "gone"
	}
	var opened string
	v.OpenURL = func(url string) error {
		opened = url
		return nil
	}
	if err := v.Click(RevisionScheme + "abc"); err != nil {
		t.Fatalf("Click: %v", err)
	}
	if selected != "abc" {
		t.Fatalf("selected %q", selected)
	}
	if err := v.Click(RevisionScheme + "gone"); err == nil {
		t.Fatal("clicking a revision outside the log should fail")
	}
	if err := v.Click("https://example.com"); err != nil || opened != "https://example.com" {
		t.Fatalf("Click url: %v, opened %q", err, opened)
	}
	v.OpenURL = nil
	if err := v.Click("https://example.com"); !errors.Is(err, ErrNoBrowser) {
		t.Fatalf("expected ErrNoBrowser, got %v", err)
	}
}

func TestOpenBrowser(t *testing.T) {
	old := startCommand
	t.Cleanup(func() { startCommand = old })
	var args []string
	startCommand = func(name string, a ...string) error {
		args = append([]string{name}, a...)
		return nil
	}
	if err := OpenBrowser("https://example.com"); err != nil {
		t.Fatal(err)
	}
	if args[len(args)-1] != "https://example.com" {
		t.Fatalf("launched %v", args)
	}
	startCommand = func(string, ...string) error { return errors.New("not found") }
	if err := OpenBrowser("x"); err == nil {
		t.Fatal("launch failure not reported")
	}
}
