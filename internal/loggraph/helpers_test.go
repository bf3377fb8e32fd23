package loggraph

import (
	"context"
	"fmt"
	"testing"

	"github.com/thiagokokada/qlog-go/internal/vcs"
	"github.com/thiagokokada/qlog-go/internal/vcs/vcstest"
)

type funcFilter func(n *Node) bool

func (f funcFilter) Visible(n *Node) bool { return f(n) }

func acceptIDs(ids ...vcs.RevisionID) funcFilter {
	set := map[vcs.RevisionID]bool{}
	for _, id := range ids {
		set[id] = true
	}
	return func(n *Node) bool { return set[n.ID] }
}

// mergeRepo builds M1<-M2<-M3 with S1<-S2 branched from M1 and merged
// into M3.
func mergeRepo() *vcstest.Repo {
	repo := vcstest.NewRepo("merge")
	repo.Commit("M1")
	repo.Commit("M2", "M1")
	repo.Commit("S1", "M1")
	repo.Commit("S2", "S1")
	repo.Commit("M3", "M2", "S2")
	return repo
}

func loadGraph(t *testing.T, repo *vcstest.Repo, tip vcs.RevisionID, opts ...func(*Request)) *Graph {
	t.Helper()
	req := Request{Branches: []*vcs.BranchInfo{{Branch: vcstest.NewBranch(repo, tip)}}}
	for _, opt := range opts {
		opt(&req)
	}
	g, err := Load(context.Background(), req)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g
}

func rowIDs(g *Graph, l *Layout) []vcs.RevisionID {
	out := make([]vcs.RevisionID, 0, len(l.Rows))
	for _, row := range l.Rows {
		out = append(out, g.Nodes[row.Node].ID)
	}
	return out
}

func columnOf(t *testing.T, g *Graph, l *Layout, id vcs.RevisionID) int {
	t.Helper()
	n, ok := g.Lookup(id)
	if !ok {
		t.Fatalf("unknown revision %s", id)
	}
	row := l.RowOf(n.Index)
	if row < 0 {
		t.Fatalf("revision %s not shown", id)
	}
	return l.Rows[row].Column
}

func findEdge(g *Graph, l *Layout, child, parent vcs.RevisionID) (Edge, bool) {
	c, _ := g.Lookup(child)
	p, _ := g.Lookup(parent)
	if c == nil || p == nil {
		return Edge{}, false
	}
	for _, e := range l.Edges {
		if e.Child == c.Index && e.Parent == p.Index {
			return e, true
		}
	}
	return Edge{}, false
}

func hasSegment(l *Layout, row, from, to int) bool {
	if row < 0 || row >= len(l.Rows) {
		return false
	}
	for _, s := range l.Rows[row].Lines {
		if s.From == from && s.To == to {
			return true
		}
	}
	return false
}

// connects checks that the per row segments draw the edge.
func connects(l *Layout, e Edge) error {
	d := e.ParentRow - e.ChildRow
	if d <= 0 {
		return fmt.Errorf("edge %d->%d goes upwards", e.ChildRow, e.ParentRow)
	}
	if d == 1 {
		if !hasSegment(l, e.ChildRow, e.ChildCol, e.ParentCol) {
			return fmt.Errorf("missing direct segment on row %d", e.ChildRow)
		}
		return nil
	}
	if !hasSegment(l, e.ChildRow, e.ChildCol, e.Via) {
		return fmt.Errorf("missing start segment on row %d", e.ChildRow)
	}
	if !hasSegment(l, e.ParentRow-1, e.ViaEnd, e.ParentCol) {
		return fmt.Errorf("missing end segment on row %d", e.ParentRow-1)
	}
	if e.Broken {
		if !hasSegment(l, e.ChildRow+1, e.Via, NoColumn) || !hasSegment(l, e.ParentRow-2, NoColumn, e.ViaEnd) {
			return fmt.Errorf("missing broken stubs for %d->%d", e.ChildRow, e.ParentRow)
		}
		return nil
	}
	for row := e.ChildRow + 1; row < e.ParentRow-1; row++ {
		if !hasSegment(l, row, e.Via, e.Via) {
			return fmt.Errorf("missing vertical segment on row %d", row)
		}
	}
	return nil
}

// checkLayout verifies the properties every layout must hold.
func checkLayout(t *testing.T, g *Graph, st *State, l *Layout) {
	t.Helper()
	seen := map[int]bool{}
	for row, r := range l.Rows {
		if seen[r.Node] {
			t.Fatalf("node %d shown twice", r.Node)
		}
		seen[r.Node] = true
		if row > 0 && l.Rows[row-1].Node >= r.Node {
			t.Fatalf("rows not in graph order at %d", row)
		}
		n := g.Nodes[r.Node]
		if n.MergeDepth == 0 && r.Column != 0 {
			t.Fatalf("mainline revision %s in column %d", n.ID, r.Column)
		}
		if r.Color != ColorFor(n.Revno.BranchPrefix()) {
			t.Fatalf("revision %s has colour %d", n.ID, r.Color)
		}
	}
	for _, e := range l.Edges {
		if err := connects(l, e); err != nil {
			t.Fatalf("edge %s->%s: %v", g.Nodes[e.Child].ID, g.Nodes[e.Parent].ID, err)
		}
		if e.Color != g.Nodes[e.Parent].Color {
			t.Fatalf("edge colour should follow the parent")
		}
	}
	for _, r := range l.Rows {
		for _, p := range g.Nodes[r.Node].Parents {
			if l.RowOf(p) < 0 {
				continue
			}
			if _, ok := findEdge(g, l, g.Nodes[r.Node].ID, g.Nodes[p].ID); !ok {
				t.Fatalf("no edge between shown %s and its parent %s", g.Nodes[r.Node].ID, g.Nodes[p].ID)
			}
		}
	}
}
