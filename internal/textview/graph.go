package textview

import (
	"strings"

	"github.com/thiagokokada/qlog-go/internal/loggraph"
)

const (
	glyphNode        = 'o'
	glyphWorkingTree = '@'
	glyphMissing     = 'x'
	noColor          = -1
)

type cell struct {
	ch    byte
	color int
}

type canvas []cell

func newCanvas(width int) canvas {
	c := make(canvas, width)
	for i := range c {
		c[i] = cell{ch: ' ', color: noColor}
	}
	return c
}

// set draws ch at x unless a stronger glyph is already there.
func (c canvas) set(x int, ch byte, color int) {
	if x < 0 || x >= len(c) {
		return
	}
	if rank(c[x].ch) > rank(ch) {
		return
	}
	c[x] = cell{ch: ch, color: color}
}

func rank(ch byte) int {
	switch ch {
	case ' ':
		return 0
	case '-':
		return 1
	case '\\', '/':
		return 2
	case '~', ':':
		return 3
	case '|':
		return 4
	}
	return 5
}

func vertical(s loggraph.Segment) byte {
	if s.Direct {
		return '|'
	}
	return ':'
}

// nodeLine draws row: the node glyph plus every line passing through it.
func nodeLine(l *loggraph.Layout, row int, glyph byte) canvas {
	c := newCanvas(2 * l.Columns)
	if row > 0 {
		for _, s := range l.Rows[row-1].Lines {
			if s.To != loggraph.NoColumn {
				c.set(2*s.To, vertical(s), s.Color)
			}
		}
	}
	r := l.Rows[row]
	for _, s := range r.Lines {
		if s.From != loggraph.NoColumn {
			c.set(2*s.From, vertical(s), s.Color)
		}
	}
	c.set(2*r.Column, glyph, r.Color)
	return c
}

// connectorLine draws the segments between row and the next row. It
// returns nil when the row has no segments.
func connectorLine(l *loggraph.Layout, row int) canvas {
	r := l.Rows[row]
	if len(r.Lines) == 0 {
		return nil
	}
	c := newCanvas(2 * l.Columns)
	for _, s := range r.Lines {
		switch {
		case s.To == loggraph.NoColumn:
			c.set(2*s.From, '~', s.Color)
		case s.From == loggraph.NoColumn:
			c.set(2*s.To, '~', s.Color)
		case s.From == s.To:
			c.set(2*s.From, vertical(s), s.Color)
		case s.From < s.To:
			for x := 2*s.From + 1; x < 2*s.To-1; x++ {
				c.set(x, '-', s.Color)
			}
			c.set(2*s.To-1, '\\', s.Color)
		default:
			c.set(2*s.To+1, '/', s.Color)
			for x := 2*s.To + 2; x < 2*s.From; x++ {
				c.set(x, '-', s.Color)
			}
		}
	}
	return c
}

// render draws the canvas, colouring glyphs through s.
func (c canvas) render(s *styler) string {
	var b strings.Builder
	for _, cl := range c {
		b.WriteString(s.glyph(cl.color, cl.ch))
	}
	return b.String()
}
