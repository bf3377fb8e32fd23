// Package loggraph builds the revision graph shown by the log and lays it
// out as columns of coloured branch lines.
package loggraph

import (
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// PaletteSize is the number of distinct branch line colours.
const PaletteSize = 7

type Mode int

const (
	ModeAncestry Mode = iota
	ModePendingMerges
	ModeWithWorkingTree
)

func (m Mode) String() string {
	switch m {
	case ModePendingMerges:
		return "pending"
	case ModeWithWorkingTree:
		return "worktree"
	default:
		return "ancestry"
	}
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeAncestry, ModePendingMerges, ModeWithWorkingTree} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeAncestry, false
}

type Request struct {
	Branches []*vcs.BranchInfo
	Primary  int
	Mode     Mode
	NoGraph  bool
	// UseBranchRevnos takes revision numbers from the primary branch when
	// the log shows a single branch without synthesized heads.
	UseBranchRevnos bool
}

// Node is one revision of the loaded graph. Nodes are immutable after the
// load returns.
type Node struct {
	Index      int
	ID         vcs.RevisionID
	Revno      vcs.Revno
	MergeDepth int
	EndOfMerge bool
	// Parents holds node indices of present parents, left parent first.
	Parents  []int
	Children []int
	Line     int
	Color    int
	// Merges lists nodes this revision brings in by merging.
	Merges []int
	// MergedBy is the node that merges this revision, or -1.
	MergedBy int
	// Tree is set on working tree pseudo revisions.
	Tree *vcs.BranchInfo
}

// RevnoText formats the revision number. Working tree revisions get a
// trailing " ?" since they are not committed.
func (n *Node) RevnoText() string {
	if n.Tree != nil {
		return n.Revno.String() + " ?"
	}
	return n.Revno.String()
}

func (n *Node) IsWorkingTree() bool { return n.Tree != nil }

// BranchLine groups the nodes sharing a revno prefix.
type BranchLine struct {
	Index  int
	Prefix vcs.Revno
	Nodes  []int
	Color  int
	// Merges and MergedBy hold line indices.
	Merges   []int
	MergedBy []int
	// Head marks lines holding a branch head.
	Head bool
}

func (l *BranchLine) ID() string { return l.Prefix.String() }

func (l *BranchLine) IsMainline() bool { return len(l.Prefix) == 0 }

// Head is a revision the log started from.
type Head struct {
	Node   int
	Labels []string
	// Unique holds, in index order, nodes reachable from this head only.
	Unique []int
}

type Graph struct {
	Mode    Mode
	NoGraph bool
	Nodes   []*Node
	Lines   []*BranchLine
	// Placement lists line indices in column placement order.
	Placement []int
	Heads     []Head
	Tags      map[vcs.RevisionID][]string
	Ghosts    map[vcs.RevisionID]bool
	Branches  []*vcs.BranchInfo

	byID   map[vcs.RevisionID]int
	byLine map[string]int
	repoOf map[vcs.RevisionID]vcs.Repository
}

func (g *Graph) Lookup(id vcs.RevisionID) (*Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return g.Nodes[i], true
}

// LookupRevno finds a node by its formatted revision number.
func (g *Graph) LookupRevno(revno string) (*Node, bool) {
	r, ok := vcs.ParseRevno(revno)
	if !ok {
		return nil, false
	}
	li, ok := g.byLine[r.BranchPrefix().String()]
	if !ok {
		return nil, false
	}
	for _, ni := range g.Lines[li].Nodes {
		if g.Nodes[ni].Revno.Equal(r) {
			return g.Nodes[ni], true
		}
	}
	return nil, false
}

// LineOf returns the branch line holding node i.
func (g *Graph) LineOf(i int) *BranchLine {
	return g.Lines[g.Nodes[i].Line]
}

// LineByID finds a line by its dotted prefix; "" is the mainline.
func (g *Graph) LineByID(id string) (*BranchLine, bool) {
	li, ok := g.byLine[id]
	if !ok {
		return nil, false
	}
	return g.Lines[li], true
}

// RepositoryFor returns the repository the revision was found in.
func (g *Graph) RepositoryFor(id vcs.RevisionID) vcs.Repository {
	return g.repoOf[id]
}

// IDs returns the revision ids of nodes.
func (g *Graph) IDs(nodes []int) []vcs.RevisionID {
	out := make([]vcs.RevisionID, 0, len(nodes))
	for _, i := range nodes {
		out = append(out, g.Nodes[i].ID)
	}
	return out
}

// ColorFor maps a branch line prefix to its palette index.
func ColorFor(prefix vcs.Revno) int {
	return prefix.Sum() % PaletteSize
}
