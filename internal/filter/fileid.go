package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

const (
	fileChunk      = 500
	directoryChunk = 200
)

// ErrNoChangeInspector is returned when a repository cannot report the
// files a revision touched.
var ErrNoChangeInspector = errors.New("repository cannot inspect changes")

// FileIDFilter shows revisions touching any of a set of file ids. Results
// are computed in chunks on the loop; undecided revisions stay hidden.
// Working tree revisions are left to WorkingTreeChangeFilter.
type FileIDFilter struct {
	g       *loggraph.Graph
	fileIDs []string
	chunk   int

	touched  map[int]bool
	failed   bool
	gen      uint64
	onChange ChangeFunc
	onError  func(error)
}

func NewFileIDFilter(g *loggraph.Graph, fileIDs []string) *FileIDFilter {
	chunk := fileChunk
	for _, id := range fileIDs {
		if isDirectoryPattern(id) {
			chunk = directoryChunk
			break
		}
	}
	return &FileIDFilter{g: g, fileIDs: fileIDs, chunk: chunk, touched: map[int]bool{}}
}

// isDirectoryPattern reports whether id may match many paths, which makes
// each revision more expensive to inspect.
func isDirectoryPattern(id string) bool {
	return id == "" || strings.HasSuffix(id, "/") || strings.ContainsAny(id, "*?[{")
}

func (f *FileIDFilter) FileIDs() []string { return f.fileIDs }

func (f *FileIDFilter) OnChange(fn ChangeFunc) { f.onChange = fn }

// OnError is called once when the filter gives up. The filter then shows
// every revision.
func (f *FileIDFilter) OnError(fn func(error)) { f.onError = fn }

func (f *FileIDFilter) Failed() bool { return f.failed }

func (f *FileIDFilter) Visible(n *loggraph.Node) bool {
	if f.failed || n.IsWorkingTree() {
		return true
	}
	return f.touched[n.Index]
}

// Decided reports whether node i has been inspected.
func (f *FileIDFilter) Decided(i int) bool {
	_, ok := f.touched[i]
	return ok
}

type fileChunkWork struct {
	repo  vcs.Repository
	nodes []int
}

// Start inspects every revision in chunks, one chunk per loop step.
func (f *FileIDFilter) Start(ctx context.Context, loop *eventloop.Loop) {
	f.gen++
	gen := f.gen
	clear(f.touched)
	f.failed = false

	var work []fileChunkWork
	byRepo := map[vcs.Repository]int{}
	for _, n := range f.g.Nodes {
		if n.IsWorkingTree() {
			continue
		}
		repo := f.g.RepositoryFor(n.ID)
		if repo == nil {
			f.touched[n.Index] = false
			continue
		}
		wi, ok := byRepo[repo]
		if !ok || len(work[wi].nodes) >= f.chunk {
			work = append(work, fileChunkWork{repo: repo})
			wi = len(work) - 1
			byRepo[repo] = wi
		}
		work[wi].nodes = append(work[wi].nodes, n.Index)
	}
	slog.Debug("file filter started",
		slog.Any("file_ids", f.fileIDs),
		slog.Int("chunks", len(work)),
	)

	var step func()
	step = func() {
		if gen != f.gen || ctx.Err() != nil {
			return
		}
		if len(work) == 0 {
			f.notify(nil, true)
			return
		}
		w := work[0]
		work = work[1:]
		if err := f.inspect(ctx, w); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.fail(err)
			return
		}
		f.notify(w.nodes, len(work) == 0)
		if len(work) > 0 {
			loop.Post(step)
		}
	}
	loop.Post(step)
}

func (f *FileIDFilter) inspect(ctx context.Context, w fileChunkWork) error {
	inspector, ok := w.repo.(vcs.ChangeInspector)
	if !ok {
		return fmt.Errorf("%s: %w", w.repo.Location(), ErrNoChangeInspector)
	}
	ids := f.g.IDs(w.nodes)
	unlock, err := w.repo.LockRead()
	if err != nil {
		return fmt.Errorf("lock %s: %w", w.repo.Location(), err)
	}
	hits, err := inspector.Touching(ctx, ids, f.fileIDs)
	if uerr := unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("unlock %s: %w", w.repo.Location(), uerr)
	}
	if err != nil {
		return fmt.Errorf("inspect changes: %w", err)
	}
	for _, i := range w.nodes {
		f.touched[i] = false
	}
	for _, id := range hits {
		if n, ok := f.g.Lookup(id); ok {
			f.touched[n.Index] = true
		}
	}
	return nil
}

// Stop abandons a running computation.
func (f *FileIDFilter) Stop() { f.gen++ }

func (f *FileIDFilter) fail(err error) {
	slog.Error("file filter disabled", slog.Any("error", err))
	f.failed = true
	f.gen++
	if f.onError != nil {
		f.onError(err)
	}
	all := make([]int, len(f.g.Nodes))
	for i := range all {
		all[i] = i
	}
	f.notify(all, true)
}

func (f *FileIDFilter) notify(nodes []int, last bool) {
	if f.onChange != nil {
		f.onChange(nodes, last)
	}
}
