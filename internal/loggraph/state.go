package loggraph

import "slices"

// Filter decides whether a node passes. Filters that have not decided yet
// hide the node.
type Filter interface {
	Visible(n *Node) bool
}

type LineState uint8

const (
	LineDefault LineState = iota
	LineExpanded
	LineCollapsed
)

type TwistyState uint8

const (
	TwistyNone TwistyState = iota
	// TwistyExpanded marks a row whose merged lines are all shown.
	TwistyExpanded
	// TwistyCollapsed marks a row with hidden ancestors.
	TwistyCollapsed
)

const (
	unknown int8 = iota
	hidden
	shown
)

// State combines the active filters with the per line expand state.
// It is owned by the view and mutated only from the event loop.
type State struct {
	g              *Graph
	filters        []Filter
	lines          []LineState
	hiddenTrees    map[int]bool
	collapseMerges bool

	filterCache []int8
	lineCache   []int8
}

// NewState returns a state with no filters. With collapseMerges only the
// lines holding a head start expanded.
func NewState(g *Graph, collapseMerges bool) *State {
	return &State{
		g:              g,
		lines:          make([]LineState, len(g.Lines)),
		hiddenTrees:    map[int]bool{},
		collapseMerges: collapseMerges,
		filterCache:    make([]int8, len(g.Nodes)),
		lineCache:      make([]int8, len(g.Lines)),
	}
}

func (s *State) Graph() *Graph { return s.g }

func (s *State) AddFilter(f Filter) {
	s.filters = append(s.filters, f)
	s.invalidateAll()
}

func (s *State) RemoveFilter(f Filter) bool {
	i := slices.Index(s.filters, f)
	if i < 0 {
		return false
	}
	s.filters = slices.Delete(s.filters, i, i+1)
	s.invalidateAll()
	return true
}

func (s *State) Filters() []Filter { return slices.Clone(s.filters) }

// FilterChanged drops cached results for nodes and for every revision
// merging them, since those may be shown on behalf of a merged revision.
func (s *State) FilterChanged(nodes []int) {
	for _, i := range nodes {
		for i >= 0 && i < len(s.filterCache) {
			s.filterCache[i] = unknown
			i = s.g.Nodes[i].MergedBy
		}
	}
}

func (s *State) invalidateAll() {
	clear(s.filterCache)
	clear(s.lineCache)
}

// Visible reports whether node i is shown.
func (s *State) Visible(i int) bool {
	if s.hiddenTrees[i] {
		return false
	}
	return s.LineVisible(s.g.Nodes[i].Line) && s.PassesFilters(i)
}

// PassesFilters reports whether every filter accepts node i, or some
// revision it merges passes and is on a shown line.
func (s *State) PassesFilters(i int) bool {
	switch s.filterCache[i] {
	case shown:
		return true
	case hidden:
		return false
	}
	n := s.g.Nodes[i]
	ok := true
	for _, f := range s.filters {
		if !f.Visible(n) {
			ok = false
			break
		}
	}
	if !ok {
		for _, m := range n.Merges {
			if s.LineVisible(s.g.Nodes[m].Line) && s.PassesFilters(m) {
				ok = true
				break
			}
		}
	}
	s.filterCache[i] = hidden
	if ok {
		s.filterCache[i] = shown
	}
	return ok
}

// LineVisible reports whether line li is shown: its own state allows it
// and, unless it holds a head, some line merging it is shown.
func (s *State) LineVisible(li int) bool {
	switch s.lineCache[li] {
	case shown:
		return true
	case hidden:
		return false
	}
	line := s.g.Lines[li]
	// Mark first so that merge cycles between lines terminate.
	s.lineCache[li] = hidden
	ok := s.ownVisible(line)
	if ok && !line.Head && !line.IsMainline() && len(line.MergedBy) > 0 {
		ok = false
		for _, by := range line.MergedBy {
			if s.LineVisible(by) {
				ok = true
				break
			}
		}
	}
	if ok {
		s.lineCache[li] = shown
	}
	return ok
}

func (s *State) ownVisible(line *BranchLine) bool {
	switch s.lines[line.Index] {
	case LineExpanded:
		return true
	case LineCollapsed:
		return false
	}
	return !s.collapseMerges || line.Head || line.IsMainline()
}

func (s *State) LineState(li int) LineState { return s.lines[li] }

func (s *State) SetLineState(li int, st LineState) {
	s.lines[li] = st
	s.invalidateAll()
}

// TwistyLines returns the lines node i merges that have a revision
// passing the filters.
func (s *State) TwistyLines(i int) []int {
	n := s.g.Nodes[i]
	var out []int
	for _, m := range n.Merges {
		li := s.g.Nodes[m].Line
		if li == n.Line || slices.Contains(out, li) {
			continue
		}
		if s.g.Lines[li].IsMainline() {
			continue
		}
		if s.mergedRevisionPasses(m) {
			out = append(out, li)
		}
	}
	return out
}

func (s *State) mergedRevisionPasses(m int) bool {
	n := s.g.Nodes[m]
	for _, f := range s.filters {
		if !f.Visible(n) {
			return false
		}
	}
	return true
}

func (s *State) Twisty(i int) TwistyState {
	lines := s.TwistyLines(i)
	if len(lines) == 0 {
		return TwistyNone
	}
	for _, li := range lines {
		if !s.LineVisible(li) {
			return TwistyCollapsed
		}
	}
	return TwistyExpanded
}

// Toggle expands the lines merged by node i when any is hidden and
// collapses them otherwise. Collapsing a working tree row hides the row as
// well. It reports whether anything changed.
func (s *State) Toggle(i int) bool {
	lines := s.TwistyLines(i)
	if len(lines) == 0 {
		return false
	}
	expand := s.Twisty(i) == TwistyCollapsed
	for _, li := range lines {
		if expand {
			s.lines[li] = LineExpanded
		} else {
			s.lines[li] = LineCollapsed
		}
	}
	if !expand && s.g.Nodes[i].IsWorkingTree() {
		s.hiddenTrees[i] = true
	}
	s.invalidateAll()
	return true
}

// ExpandAll shows every line and every working tree row.
func (s *State) ExpandAll() {
	for i := range s.lines {
		s.lines[i] = LineExpanded
	}
	clear(s.hiddenTrees)
	s.invalidateAll()
}

// CollapseAll hides every line that holds no head.
func (s *State) CollapseAll() {
	for i, line := range s.g.Lines {
		if line.Head || line.IsMainline() {
			s.lines[i] = LineExpanded
		} else {
			s.lines[i] = LineCollapsed
		}
	}
	s.invalidateAll()
}

// Reveal expands the lines needed to show node i. It returns false when
// the node stays hidden by a filter.
func (s *State) Reveal(i int) bool {
	delete(s.hiddenTrees, i)
	for n := s.g.Nodes[i]; n != nil; {
		if !s.ownVisible(s.g.Lines[n.Line]) {
			s.lines[n.Line] = LineExpanded
		}
		if n.MergedBy < 0 {
			break
		}
		n = s.g.Nodes[n.MergedBy]
	}
	s.invalidateAll()
	return s.Visible(i)
}
