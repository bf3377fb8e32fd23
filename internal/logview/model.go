// Package logview presents a loaded revision graph as rows of text cells.
// It drives graph loads, layouts, filters and on-demand body loading on
// the event loop and reports progress through a Notifier.
package logview

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/thiagokokada/qlog-go/internal/config"
	"github.com/thiagokokada/qlog-go/internal/debounce"
	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/filter"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/revcache"
	"github.com/thiagokokada/qlog-go/internal/selection"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// DefaultWindow is the number of rows loaded before the view reports its
// visible window.
const DefaultWindow = 50

// Notifier receives view updates. Calls happen on the event loop.
type Notifier interface {
	revcache.Throbber
	NotifyRowsChanged(rows []int)
	NotifyLayoutChanged()
	NotifyError(err *Error)
}

type Request struct {
	Branches []*vcs.BranchInfo
	Primary  int
	// FileIDs restricts the log to revisions touching these files.
	FileIDs       []string
	Mode          loggraph.Mode
	NoGraph       bool
	InitialFilter *filter.Search
}

type runningFilter interface {
	loggraph.Filter
	OnChange(fn filter.ChangeFunc)
	OnError(fn func(error))
	Start(ctx context.Context, loop *eventloop.Loop)
	Stop()
}

// Model is the log view. Except for the selection readers, its methods
// must be called on the event loop.
type Model struct {
	ctx    context.Context
	loop   *eventloop.Loop
	cache  *revcache.Cache
	notify Notifier
	cfg    config.Config
	req    Request

	graph  *loggraph.Graph
	state  *loggraph.State
	engine *loggraph.Engine
	layout *loggraph.Layout
	sched  *filter.Scheduler

	running    []runningFilter
	filterBusy map[runningFilter]bool
	search     *filter.PropertySearchFilter

	loadErr       *Error
	missing       map[vcs.RevisionID]bool
	graphGen      uint64
	graphPending  bool
	layoutPending bool

	first, last   int
	windowGen     uint64
	windowPending bool
	remoteDelay   *debounce.Debouncer

	sel           selection.State
	pendingSelect vcs.RevisionID
	onSelect      func(ids []vcs.RevisionID)
}

// Open starts loading the log described by req on loop.
func Open(ctx context.Context, loop *eventloop.Loop, cache *revcache.Cache, req Request, n Notifier, cfg config.Config) *Model {
	m := &Model{
		ctx:        ctx,
		loop:       loop,
		cache:      cache,
		notify:     n,
		cfg:        cfg,
		req:        req,
		filterBusy: map[runningFilter]bool{},
		missing:    map[vcs.RevisionID]bool{},
		last:       DefaultWindow - 1,
	}
	m.Reload()
	return m
}

// Reload loads the graph again, keeping expand state, search and
// selection.
func (m *Model) Reload() {
	m.graphGen++
	gen := m.graphGen
	m.graphPending = true
	m.loop.Post(func() { m.load(gen) })
}

func (m *Model) load(gen uint64) {
	if gen != m.graphGen {
		return
	}
	started := time.Now()
	slog.Debug("graph load started", slog.Int("branches", len(m.req.Branches)), slog.String("mode", m.req.Mode.String()))
	loggraph.LoadAsync(m.ctx, m.loop, loggraph.Request{
		Branches:        m.req.Branches,
		Primary:         m.req.Primary,
		Mode:            m.req.Mode,
		NoGraph:         m.req.NoGraph,
		UseBranchRevnos: true,
	}, func() bool { return gen != m.graphGen }, func(g *loggraph.Graph, err error) {
		m.loaded(g, err, started)
	})
}

func (m *Model) loaded(g *loggraph.Graph, err error, started time.Time) {
	m.graphPending = false
	if err != nil {
		if m.ctx.Err() != nil {
			m.report(&Error{Kind: Interrupted, Err: err})
			return
		}
		m.fail(err)
		return
	}
	slog.Debug("graph loaded",
		slog.Int("revisions", len(g.Nodes)),
		slog.Int("lines", len(g.Lines)),
		slog.Duration("elapsed", time.Since(started)),
	)
	m.install(g)
}

func (m *Model) install(g *loggraph.Graph) {
	prev := map[string]loggraph.LineState{}
	if m.state != nil {
		for i, line := range m.graph.Lines {
			if st := m.state.LineState(i); st != loggraph.LineDefault {
				prev[line.ID()] = st
			}
		}
	}
	m.stopFilters()
	m.graph = g
	m.loadErr = nil
	clear(m.missing)
	m.state = loggraph.NewState(g, m.cfg.CollapseMerges)
	for id, st := range prev {
		if line, ok := g.LineByID(id); ok {
			m.state.SetLineState(line.Index, st)
		}
	}
	m.engine = loggraph.NewEngine(g, m.cfg.BrokenLineLength)
	m.sched = filter.NewScheduler(m.loop, m.engine.LastDuration, m.filterChanged)
	if len(m.req.FileIDs) > 0 {
		m.startFilter(filter.NewFileIDFilter(g, m.req.FileIDs))
	}
	if m.req.Mode == loggraph.ModeWithWorkingTree {
		m.startFilter(filter.NewWorkingTreeChangeFilter(g, m.req.FileIDs))
	}
	if s := m.req.InitialFilter; s != nil && s.Pattern != "" {
		if err := m.startSearch(*s); err != nil {
			m.report(&Error{Kind: FilterFailed, Err: err})
		}
	}
	m.relayout()
}

func (m *Model) startFilter(f runningFilter) {
	m.state.AddFilter(f)
	m.running = append(m.running, f)
	m.filterBusy[f] = true
	f.OnChange(func(nodes []int, last bool) {
		if last {
			delete(m.filterBusy, f)
		}
		m.sched.Notify(nodes, last)
	})
	f.OnError(func(err error) {
		m.report(&Error{Kind: FilterFailed, Err: err})
	})
	f.Start(m.ctx, m.loop)
}

func (m *Model) startSearch(s filter.Search) error {
	f, err := filter.NewPropertySearchFilter(m.graph, m.cache, s, filter.SearchOptions{
		LocalBatch:  m.cfg.Batch.SearchLocal,
		RemoteBatch: m.cfg.Batch.SearchRemote,
	})
	if err != nil {
		return err
	}
	m.search = f
	m.startFilter(f)
	return nil
}

func (m *Model) stopFilters() {
	for _, f := range m.running {
		f.Stop()
	}
	m.running = nil
	m.search = nil
	clear(m.filterBusy)
	if m.sched != nil {
		m.sched.Stop()
	}
}

// SetSearch replaces the property search. A nil or empty search removes
// it.
func (m *Model) SetSearch(s *filter.Search) error {
	if s != nil && s.Pattern == "" {
		s = nil
	}
	if m.state == nil {
		m.req.InitialFilter = s
		return nil
	}
	if old := m.search; old != nil {
		old.Stop()
		m.state.RemoveFilter(old)
		m.running = slices.DeleteFunc(m.running, func(f runningFilter) bool { return f == runningFilter(old) })
		delete(m.filterBusy, old)
		m.search = nil
	}
	m.req.InitialFilter = s
	if s != nil {
		if err := m.startSearch(*s); err != nil {
			m.req.InitialFilter = nil
			return err
		}
	}
	m.relayout()
	return nil
}

// Search returns the active property search, or nil.
func (m *Model) Search() *filter.Search {
	if m.req.InitialFilter == nil {
		return nil
	}
	s := *m.req.InitialFilter
	return &s
}

func (m *Model) filterChanged(nodes []int, last bool) {
	if m.state == nil {
		return
	}
	m.state.FilterChanged(nodes)
	m.relayout()
}

func (m *Model) relayout() {
	if m.engine == nil {
		return
	}
	m.layoutPending = true
	m.engine.ComputeAsync(m.loop, m.state, m.layoutDone)
}

func (m *Model) layoutDone(l *loggraph.Layout) {
	m.layoutPending = false
	m.layout = l
	m.loadErr = nil
	slog.Debug("layout computed",
		slog.Int("rows", len(l.Rows)),
		slog.Int("columns", l.Columns),
		slog.Duration("elapsed", m.engine.LastDuration()),
	)
	m.notify.NotifyLayoutChanged()
	if id := m.pendingSelect; id != "" {
		m.pendingSelect = ""
		if row := m.RowOfID(id); row >= 0 {
			m.Select(row)
		}
	}
	m.loadWindow()
}

// SetVisibleWindow loads the bodies of rows first..last, superseding the
// previous window.
func (m *Model) SetVisibleWindow(first, last int) {
	if last < first {
		first, last = last, first
	}
	m.first, m.last = max(first, 0), last
	m.loadWindow()
}

func (m *Model) windowIDs() []vcs.RevisionID {
	if m.layout == nil {
		return nil
	}
	last := min(m.last, len(m.layout.Rows)-1)
	var ids []vcs.RevisionID
	for row := m.first; row <= last; row++ {
		n := m.graph.Nodes[m.layout.Rows[row].Node]
		if !n.IsWorkingTree() {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (m *Model) loadWindow() {
	if m.layout == nil {
		return
	}
	m.windowGen++
	gen := m.windowGen
	ids := m.windowIDs()
	if len(ids) == 0 {
		m.windowPending = false
		return
	}
	m.windowPending = true
	if m.cfg.RemoteDelay > 0 && m.remoteMissing(ids) {
		d := debounce.Ensure(&m.remoteDelay, m.cfg.RemoteDelay, func() {
			m.loop.Post(func() { m.startWindowLoad(m.windowGen) })
		})
		d.Trigger()
		return
	}
	m.startWindowLoad(gen)
}

func (m *Model) remoteMissing(ids []vcs.RevisionID) bool {
	for _, id := range ids {
		if _, ok := m.cache.Get(id); ok {
			continue
		}
		if repo := m.graph.RepositoryFor(id); repo != nil && !repo.IsLocal() {
			return true
		}
	}
	return false
}

func (m *Model) startWindowLoad(gen uint64) {
	if gen != m.windowGen || m.layout == nil {
		return
	}
	ids := m.windowIDs()
	slog.Debug("window load", slog.Int("first", m.first), slog.Int("last", m.last), slog.Int("revisions", len(ids)))
	m.cache.Load(m.ctx, m.loop, ids, m.graph.RepositoryFor, revcache.LoadOptions{
		LocalBatch:  m.cfg.Batch.Local,
		RemoteBatch: m.cfg.Batch.Remote,
		FirstUpdate: m.cfg.FirstUpdate,
		PassCached:  true,
		OnBatchStart: func(vcs.Repository, []vcs.RevisionID) bool {
			return gen != m.windowGen
		},
		OnLoaded: func(loaded map[vcs.RevisionID]*vcs.Revision, last bool) {
			m.bodiesLoaded(loaded, last, gen)
		},
		OnError: func(err error) {
			if gen == m.windowGen {
				m.fail(err)
			}
		},
		Throbber: m.notify,
	})
}

func (m *Model) bodiesLoaded(loaded map[vcs.RevisionID]*vcs.Revision, last bool, gen uint64) {
	if gen != m.windowGen || m.layout == nil {
		return
	}
	var rows []int
	for id, rev := range loaded {
		if rev.Missing && !m.missing[id] {
			m.missing[id] = true
			m.report(&Error{Kind: RevisionMissing, Revision: id, Err: vcs.ErrRevisionNotFound})
		}
		n, ok := m.graph.Lookup(id)
		if !ok {
			continue
		}
		if row := m.layout.RowOf(n.Index); row >= 0 {
			rows = append(rows, row)
		}
	}
	slices.Sort(rows)
	if len(rows) > 0 {
		m.notify.NotifyRowsChanged(rows)
	}
	if last {
		m.windowPending = false
	}
}

func (m *Model) fail(err error) {
	m.loadErr = &Error{Kind: LoadFailed, Err: err}
	m.stopFilters()
	m.layout = nil
	m.windowGen++
	m.windowPending = false
	m.layoutPending = false
	m.report(m.loadErr)
	m.notify.NotifyLayoutChanged()
}

func (m *Model) report(e *Error) {
	if e.Kind == Interrupted {
		slog.Debug("log request interrupted", slog.Any("error", e.Err))
		return
	}
	slog.Error("log view error", slog.String("kind", e.Kind.String()), slog.Any("error", e))
	m.notify.NotifyError(e)
}

// Busy reports whether loads, layouts or filters are still running.
func (m *Model) Busy() bool {
	return m.graphPending || m.layoutPending || m.windowPending ||
		len(m.filterBusy) > 0 ||
		(m.remoteDelay != nil && m.remoteDelay.Pending())
}

// Close abandons all pending work.
func (m *Model) Close() {
	m.graphGen++
	m.windowGen++
	m.stopFilters()
	if m.remoteDelay != nil {
		m.remoteDelay.Stop()
	}
	m.graphPending, m.layoutPending, m.windowPending = false, false, false
}

func (m *Model) Graph() *loggraph.Graph   { return m.graph }
func (m *Model) Layout() *loggraph.Layout { return m.layout }
func (m *Model) State() *loggraph.State   { return m.state }

// Err returns the load failure shown in place of the log, if any.
func (m *Model) Err() error {
	if m.loadErr == nil {
		return nil
	}
	return m.loadErr
}

// Toggle expands or collapses the lines merged by the revision at row.
func (m *Model) Toggle(row int) bool {
	n, ok := m.Node(row)
	if !ok || !m.state.Toggle(n.Index) {
		return false
	}
	m.relayout()
	return true
}

func (m *Model) ExpandAll() {
	if m.state == nil {
		return
	}
	m.state.ExpandAll()
	m.relayout()
}

func (m *Model) CollapseAll() {
	if m.state == nil {
		return
	}
	m.state.CollapseAll()
	m.relayout()
}
