package loggraph

import (
	"log/slog"
	"slices"
	"time"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
)

const (
	// NoColumn is the open end of a broken line stub.
	NoColumn = -1
	// DefaultBrokenLineLength is the row distance beyond which edges are
	// drawn broken.
	DefaultBrokenLineLength = 32
	// largeLayout is the number of lines above which asynchronous layouts
	// yield after every placed line.
	largeLayout = 1000
)

// Segment is drawn from column From on its row to column To on the next
// row. Broken line stubs have NoColumn on their open end.
type Segment struct {
	From, To int
	Color    int
	Direct   bool
}

// Edge connects a child row to a parent row.
type Edge struct {
	Child, Parent       int
	ChildRow, ParentRow int
	ChildCol, ParentCol int
	// Via is the column of the vertical run, or of the upper stub for
	// broken edges. ViaEnd is the column of the lower stub.
	Via, ViaEnd int
	Broken      bool
	Direct      bool
	Color       int
}

type Row struct {
	Node   int
	Column int
	Color  int
	// Indent is the merge depth, used when no graph is drawn.
	Indent int
	Lines  []Segment
	Twisty TwistyState
	Labels []string
	Tags   []string
}

type Layout struct {
	Rows    []Row
	Edges   []Edge
	Columns int
	rowOf   []int
}

// RowOf returns the row showing node i, or -1.
func (l *Layout) RowOf(i int) int {
	if l == nil || i < 0 || i >= len(l.rowOf) {
		return -1
	}
	return l.rowOf[i]
}

type target struct {
	node   int
	direct bool
	left   bool
}

// Engine computes layouts for one graph. Branch line columns are planned
// once against the unfiltered graph, later layouts reuse them while they
// stay free.
type Engine struct {
	g                *Graph
	brokenLineLength int
	plan             map[int]int
	gen              uint64
	lastDuration     time.Duration
}

// NewEngine returns an engine; brokenLineLength 0 disables broken lines.
func NewEngine(g *Graph, brokenLineLength int) *Engine {
	return &Engine{g: g, brokenLineLength: brokenLineLength}
}

// LastDuration returns how long the previous layout took.
func (e *Engine) LastDuration() time.Duration { return e.lastDuration }

// Compute lays out the nodes visible in st.
func (e *Engine) Compute(st *State) *Layout {
	e.gen++
	r := e.start(st)
	for r.next < len(r.order) {
		r.placeNext()
	}
	return e.finish(r)
}

// ComputeAsync lays out st on loop and passes the result to done. Large
// graphs yield after every placed line. A later call abandons earlier
// ones.
func (e *Engine) ComputeAsync(loop *eventloop.Loop, st *State, done func(*Layout)) {
	e.gen++
	gen := e.gen
	loop.Post(func() {
		if gen != e.gen {
			return
		}
		r := e.start(st)
		if len(r.order) <= largeLayout {
			for r.next < len(r.order) {
				r.placeNext()
			}
			done(e.finish(r))
			return
		}
		var step func()
		step = func() {
			if gen != e.gen {
				slog.Debug("layout abandoned")
				return
			}
			if r.next < len(r.order) {
				r.placeNext()
				loop.Post(step)
				return
			}
			done(e.finish(r))
		}
		loop.Post(step)
	})
}

func (e *Engine) ensurePlan() {
	if e.plan != nil || e.g.NoGraph {
		return
	}
	full := NewState(e.g, false)
	full.ExpandAll()
	r := newRun(e, full, nil)
	for r.next < len(r.order) {
		r.placeNext()
	}
	e.plan = r.lineCol
}

func (e *Engine) start(st *State) *run {
	e.ensurePlan()
	return newRun(e, st, e.plan)
}

func (e *Engine) finish(r *run) *Layout {
	l := r.finish()
	e.lastDuration = time.Since(r.started)
	slog.Debug("layout computed",
		slog.Int("rows", len(l.Rows)),
		slog.Int("columns", l.Columns),
		slog.Int("edges", len(l.Edges)),
		slog.Duration("elapsed", e.lastDuration),
	)
	return l
}

type run struct {
	g       *Graph
	st      *State
	broken  int
	plan    map[int]int
	started time.Time

	rows    []int
	rowOf   []int
	targets [][]target
	order   []int
	next    int
	grid    grid
	lineCol map[int]int
}

func newRun(e *Engine, st *State, plan map[int]int) *run {
	g := e.g
	r := &run{
		g:       g,
		st:      st,
		broken:  e.brokenLineLength,
		plan:    plan,
		started: time.Now(),
		rowOf:   make([]int, len(g.Nodes)),
		lineCol: map[int]int{},
	}
	for i := range g.Nodes {
		r.rowOf[i] = -1
		if st.Visible(i) {
			r.rowOf[i] = len(r.rows)
			r.rows = append(r.rows, i)
		}
	}
	if g.NoGraph {
		return r
	}
	r.resolveTargets()
	if main, ok := g.LineByID(""); ok {
		if rows := r.lineRows(main.Index); len(rows) > 0 {
			r.grid.mark(0, rows[0], rows[len(rows)-1], main.Index)
			r.lineCol[main.Index] = 0
		}
	}
	for _, li := range g.Placement {
		if !g.Lines[li].IsMainline() {
			r.order = append(r.order, li)
		}
	}
	return r
}

// resolveTargets finds, for every shown node, the shown revisions its
// edges lead to. Filtered parents are replaced by their nearest shown
// left-hand ancestor; parents on collapsed lines get no edge.
func (r *run) resolveTargets() {
	g, st := r.g, r.st
	memo := make(map[int]int)
	resolve := func(p int) int {
		var chain []int
		q := p
		res := -1
		for {
			if v, ok := memo[q]; ok {
				res = v
				break
			}
			if !st.LineVisible(g.Nodes[q].Line) {
				break
			}
			if r.rowOf[q] >= 0 {
				res = q
				break
			}
			chain = append(chain, q)
			if len(g.Nodes[q].Parents) == 0 {
				break
			}
			q = g.Nodes[q].Parents[0]
		}
		for _, c := range chain {
			memo[c] = res
		}
		return res
	}
	r.targets = make([][]target, len(g.Nodes))
	for _, ni := range r.rows {
		var ts []target
		for pos, p := range g.Nodes[ni].Parents {
			t := resolve(p)
			if t < 0 {
				continue
			}
			direct := t == p
			if j := slices.IndexFunc(ts, func(x target) bool { return x.node == t }); j >= 0 {
				ts[j].direct = ts[j].direct || direct
				continue
			}
			ts = append(ts, target{node: t, direct: direct, left: pos == 0})
		}
		r.targets[ni] = ts
	}
}

func (r *run) lineRows(li int) []int {
	var rows []int
	for _, ni := range r.g.Lines[li].Nodes {
		if row := r.rowOf[ni]; row >= 0 {
			rows = append(rows, row)
		}
	}
	return rows
}

func (r *run) isBroken(distance int) bool {
	return r.broken > 0 && distance > r.broken
}

// connection returns the rows between the last shown revision of a line
// and its left parent on another line. Long runs only keep the rows next
// to their ends.
func (r *run) connection(li int, rows []int) []rowRange {
	last := rows[len(rows)-1]
	for _, t := range r.targets[r.rows[last]] {
		if !t.left {
			continue
		}
		pr := r.rowOf[t.node]
		if r.g.Nodes[t.node].Line == li || pr <= last+1 {
			return nil
		}
		if r.isBroken(pr - last) {
			return []rowRange{{last + 1, last + 1}, {pr - 1, pr - 1}}
		}
		return []rowRange{{last + 1, pr - 1}}
	}
	return nil
}

// placeNext assigns a column to the next line. While planning, a line
// claims its revisions and its connection to the parent line. Later
// layouts claim only the revisions on the planned column, which stays
// free since filtering keeps the order of rows; connections are added
// once every line is placed.
func (r *run) placeNext() {
	li := r.order[r.next]
	r.next++
	rows := r.lineRows(li)
	if len(rows) == 0 {
		return
	}
	own := rowRange{rows[0], rows[len(rows)-1]}
	if r.plan == nil {
		ranges := append([]rowRange{own}, r.connection(li, rows)...)
		col := r.grid.lineColumn(r.startColumn(rows), 1, ranges)
		for _, rr := range ranges {
			r.grid.mark(col, rr.start, rr.end, li)
		}
		r.lineCol[li] = col
		return
	}
	ranges := []rowRange{own}
	col, ok := r.plan[li]
	if !ok || col < 1 || !r.grid.freeAll(col, ranges, noOwner) {
		col = r.grid.lineColumn(r.startColumn(rows), 1, ranges)
	}
	r.grid.mark(col, own.start, own.end, li)
	r.lineCol[li] = col
}

func (r *run) startColumn(rows []int) int {
	for _, t := range r.targets[r.rows[rows[len(rows)-1]]] {
		if t.left {
			return r.lineCol[r.g.Nodes[t.node].Line]
		}
	}
	return 0
}

func (r *run) markConnections() {
	if r.plan == nil {
		return
	}
	for _, li := range r.order {
		col, ok := r.lineCol[li]
		if !ok {
			continue
		}
		rows := r.lineRows(li)
		conn := r.connection(li, rows)
		if len(conn) > 0 && r.grid.freeAll(col, conn, noOwner) {
			for _, rr := range conn {
				r.grid.mark(col, rr.start, rr.end, li)
			}
		}
	}
}

func (r *run) columnOf(ni int) int {
	return r.lineCol[r.g.Nodes[ni].Line]
}

func (r *run) finish() *Layout {
	g, st := r.g, r.st
	l := &Layout{rowOf: r.rowOf, Rows: make([]Row, len(r.rows))}
	labels := map[int][]string{}
	for _, h := range g.Heads {
		for _, ni := range h.Unique {
			if r.rowOf[ni] >= 0 {
				labels[ni] = append(labels[ni], h.Labels...)
				break
			}
		}
	}
	for row, ni := range r.rows {
		n := g.Nodes[ni]
		l.Rows[row] = Row{
			Node:   ni,
			Color:  n.Color,
			Indent: n.MergeDepth,
			Twisty: st.Twisty(ni),
			Labels: labels[ni],
			Tags:   g.Tags[n.ID],
		}
	}
	if g.NoGraph {
		if len(l.Rows) > 0 {
			l.Columns = 1
		}
		return l
	}
	r.markConnections()
	maxCol := -1
	for row := range l.Rows {
		l.Rows[row].Column = r.columnOf(l.Rows[row].Node)
		maxCol = max(maxCol, l.Rows[row].Column)
	}
	for _, ni := range r.rows {
		for _, t := range r.targets[ni] {
			e := r.route(l, ni, t)
			l.Edges = append(l.Edges, e)
			maxCol = max(maxCol, e.Via, e.ViaEnd)
		}
	}
	l.Columns = maxCol + 1
	return l
}

func (r *run) route(l *Layout, child int, t target) Edge {
	g := r.g
	cn, pn := g.Nodes[child], g.Nodes[t.node]
	e := Edge{
		Child:     child,
		Parent:    t.node,
		ChildRow:  r.rowOf[child],
		ParentRow: r.rowOf[t.node],
		ChildCol:  r.columnOf(child),
		ParentCol: r.columnOf(t.node),
		Via:       NoColumn,
		ViaEnd:    NoColumn,
		Direct:    t.direct,
		Color:     pn.Color,
	}
	seg := func(row, from, to int) {
		l.Rows[row].Lines = append(l.Rows[row].Lines, Segment{From: from, To: to, Color: e.Color, Direct: e.Direct})
	}
	distance := e.ParentRow - e.ChildRow
	if distance == 1 {
		seg(e.ChildRow, e.ChildCol, e.ParentCol)
		return e
	}
	sameLine := cn.Line == pn.Line
	allow := noOwner
	owner := edgeOwner
	if sameLine || t.left {
		allow = cn.Line
		owner = cn.Line
	}
	mainline := g.Lines[cn.Line].IsMainline() && g.Lines[pn.Line].IsMainline()
	if r.isBroken(distance) && !mainline {
		e.Broken = true
		upper, lower := e.ChildRow+1, e.ParentRow-1
		if sameLine {
			e.Via, e.ViaEnd = e.ChildCol, e.ParentCol
		} else {
			e.Via = r.grid.edgeColumn(e.ChildCol, e.ParentCol, upper, upper, allow)
			r.grid.mark(e.Via, upper, upper, owner)
			e.ViaEnd = r.grid.edgeColumn(e.ChildCol, e.ParentCol, lower, lower, allow)
			r.grid.mark(e.ViaEnd, lower, lower, owner)
		}
		seg(e.ChildRow, e.ChildCol, e.Via)
		seg(upper, e.Via, NoColumn)
		seg(lower-1, NoColumn, e.ViaEnd)
		seg(lower, e.ViaEnd, e.ParentCol)
		return e
	}
	start, end := e.ChildRow+1, e.ParentRow-1
	if sameLine && r.grid.free(e.ChildCol, start, end, allow) {
		e.Via = e.ChildCol
	} else {
		e.Via = r.grid.edgeColumn(e.ChildCol, e.ParentCol, start, end, allow)
	}
	r.grid.mark(e.Via, start, end, owner)
	e.ViaEnd = e.Via
	seg(e.ChildRow, e.ChildCol, e.Via)
	for row := start; row < end; row++ {
		seg(row, e.Via, e.Via)
	}
	seg(end, e.Via, e.ParentCol)
	return e
}
