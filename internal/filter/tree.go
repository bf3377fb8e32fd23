package filter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
)

// WorkingTreeChangeFilter hides working tree revisions whose tree has no
// uncommitted changes, restricted to fileIDs when given. Other revisions
// pass.
type WorkingTreeChangeFilter struct {
	g       *loggraph.Graph
	fileIDs []string

	changed  map[int]bool
	failed   bool
	gen      uint64
	onChange ChangeFunc
	onError  func(error)
}

func NewWorkingTreeChangeFilter(g *loggraph.Graph, fileIDs []string) *WorkingTreeChangeFilter {
	return &WorkingTreeChangeFilter{g: g, fileIDs: fileIDs, changed: map[int]bool{}}
}

func (f *WorkingTreeChangeFilter) OnChange(fn ChangeFunc) { f.onChange = fn }

func (f *WorkingTreeChangeFilter) OnError(fn func(error)) { f.onError = fn }

func (f *WorkingTreeChangeFilter) Visible(n *loggraph.Node) bool {
	if f.failed || !n.IsWorkingTree() {
		return true
	}
	return f.changed[n.Index]
}

// Start checks each working tree in its own loop step.
func (f *WorkingTreeChangeFilter) Start(ctx context.Context, loop *eventloop.Loop) {
	f.gen++
	gen := f.gen
	clear(f.changed)
	f.failed = false
	var trees []int
	for _, n := range f.g.Nodes {
		if n.IsWorkingTree() {
			trees = append(trees, n.Index)
		}
	}
	if len(trees) == 0 {
		loop.Post(func() {
			if gen == f.gen {
				f.notify(nil, true)
			}
		})
		return
	}
	var step func()
	step = func() {
		if gen != f.gen || ctx.Err() != nil {
			return
		}
		i := trees[0]
		trees = trees[1:]
		n := f.g.Nodes[i]
		changed, err := n.Tree.Tree.HasChanges(ctx, f.fileIDs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.fail(fmt.Errorf("%s: check working tree changes: %w", n.Tree.Tree.BaseDir(), err))
			return
		}
		f.changed[i] = changed
		f.notify([]int{i}, len(trees) == 0)
		if len(trees) > 0 {
			loop.Post(step)
		}
	}
	loop.Post(step)
}

func (f *WorkingTreeChangeFilter) Stop() { f.gen++ }

func (f *WorkingTreeChangeFilter) fail(err error) {
	slog.Error("working tree filter disabled", slog.Any("error", err))
	f.failed = true
	f.gen++
	if f.onError != nil {
		f.onError(err)
	}
	var trees []int
	for _, n := range f.g.Nodes {
		if n.IsWorkingTree() {
			trees = append(trees, n.Index)
		}
	}
	f.notify(trees, true)
}

func (f *WorkingTreeChangeFilter) notify(nodes []int, last bool) {
	if f.onChange != nil {
		f.onChange(nodes, last)
	}
}
