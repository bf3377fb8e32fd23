package loggraph

import "sort"

const (
	noOwner   = -1
	edgeOwner = -2
)

// span marks rows start..end (inclusive) of a column as used by owner, a
// line index or edgeOwner.
type span struct {
	start, end int
	owner      int
}

// column keeps its spans sorted and disjoint.
type column []span

func (c column) free(start, end, allow int) bool {
	i := sort.Search(len(c), func(i int) bool { return c[i].end >= start })
	for ; i < len(c) && c[i].start <= end; i++ {
		if allow == noOwner || c[i].owner != allow {
			return false
		}
	}
	return true
}

func (c *column) add(start, end, owner int) {
	s := *c
	lo := sort.Search(len(s), func(i int) bool { return s[i].end >= start })
	hi := lo
	for hi < len(s) && s[hi].start <= end {
		hi++
	}
	if lo < hi {
		start = min(start, s[lo].start)
		end = max(end, s[hi-1].end)
	}
	merged := span{start: start, end: end, owner: owner}
	s = append(s[:lo], append([]span{merged}, s[hi:]...)...)
	*c = s
}

type grid struct {
	cols []column
}

func (g *grid) free(col, start, end, allow int) bool {
	if start > end || col >= len(g.cols) {
		return true
	}
	return g.cols[col].free(start, end, allow)
}

func (g *grid) mark(col, start, end, owner int) {
	if start > end {
		return
	}
	for col >= len(g.cols) {
		g.cols = append(g.cols, nil)
	}
	g.cols[col].add(start, end, owner)
}

type rowRange struct{ start, end int }

func (g *grid) freeAll(col int, ranges []rowRange, allow int) bool {
	for _, r := range ranges {
		if !g.free(col, r.start, r.end, allow) {
			return false
		}
	}
	return true
}

// lineColumn finds a column for a branch line: start first, then to the
// right, then to the left down to minCol, then a new column.
func (g *grid) lineColumn(start, minCol int, ranges []rowRange) int {
	start = max(start, minCol)
	for c := start; c < len(g.cols); c++ {
		if g.freeAll(c, ranges, noOwner) {
			return c
		}
	}
	for c := min(start, len(g.cols)) - 1; c >= minCol; c-- {
		if g.freeAll(c, ranges, noOwner) {
			return c
		}
	}
	return max(len(g.cols), minCol)
}

// edgeColumn finds a column for a vertical run between columns a and b:
// the columns between them first, then alternately outwards.
func (g *grid) edgeColumn(a, b, start, end, allow int) int {
	hi, lo := max(a, b), min(a, b)
	for c := hi; c >= lo; c-- {
		if g.free(c, start, end, allow) {
			return c
		}
	}
	for k := 1; ; k++ {
		if c := hi + k; g.free(c, start, end, allow) {
			return c
		}
		if c := lo - k; c >= 0 && g.free(c, start, end, allow) {
			return c
		}
	}
}
