// Package textview renders a log view as text with an ASCII graph.
package textview

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/palette"
)

// Source is the part of logview.Model the renderer reads.
type Source interface {
	RowCount() int
	Row(row int) (loggraph.Row, bool)
	Style(row int) logview.Style
	Text(row int, col logview.Column) string
	Layout() *loggraph.Layout
	Graph() *loggraph.Graph
}

type Options struct {
	// Limit caps the number of rows; zero renders all of them.
	Limit int
	// Palette colours the graph with 24-bit ANSI escapes when set.
	Palette *palette.Palette
}

// columnGap separates table columns.
const columnGap = 2

type line struct {
	graph string
	// cells is nil for connector lines.
	cells []string
	// unknown rows are dimmed when colouring.
	unknown bool
}

// Render writes the rows of src to w.
func Render(w io.Writer, src Source, opts Options) error {
	n := src.RowCount()
	if opts.Limit > 0 {
		n = min(n, opts.Limit)
	}
	if n == 1 && src.Style(0) == logview.StyleError {
		_, err := fmt.Fprintf(w, "error: %s\n", src.Text(0, logview.ColumnSummary))
		return err
	}
	st := newStyler(w, opts.Palette)
	l := src.Layout()
	var lines []line
	for row := range n {
		r, ok := src.Row(row)
		if !ok {
			continue
		}
		style := src.Style(row)
		lines = append(lines, line{
			graph: nodeLine(l, row, glyph(style)).render(st),
			cells: []string{
				src.Text(row, logview.ColumnRevno),
				summaryCell(src, r, row, style),
				src.Text(row, logview.ColumnDate),
				src.Text(row, logview.ColumnAuthor),
			},
			unknown: style == logview.StyleUnknown,
		})
		if row == n-1 {
			break
		}
		if c := connectorLine(l, row); c != nil {
			lines = append(lines, line{graph: c.render(st)})
		}
	}
	widths := columnWidths(lines)
	for _, ln := range lines {
		text := ln.table(widths)
		if ln.unknown {
			text = st.dim(text)
		}
		if ln.graph != "" {
			text = ln.graph + " " + text
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(text, " ")); err != nil {
			return err
		}
	}
	return nil
}

// columnWidths returns the display width of every column but the last.
func columnWidths(lines []line) []int {
	var widths []int
	for _, ln := range lines {
		for i, cell := range ln.cells[:max(len(ln.cells)-1, 0)] {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	return widths
}

// table pads the cells of ln to widths, measured in terminal cells.
func (ln line) table(widths []int) string {
	var b strings.Builder
	for i, cell := range ln.cells {
		if i < len(widths) {
			cell = runewidth.FillRight(cell, widths[i]+columnGap)
		}
		b.WriteString(cell)
	}
	return strings.TrimRight(b.String(), " ")
}

// styler colours graph glyphs and dimmed rows. A nil styler leaves text
// plain.
type styler struct {
	r       *lipgloss.Renderer
	p       *palette.Palette
	graph   map[int]lipgloss.Style
	unknown lipgloss.Style
}

func newStyler(w io.Writer, p *palette.Palette) *styler {
	if p == nil {
		return nil
	}
	// Whether to colour at all was decided by the caller.
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(termenv.TrueColor)
	return &styler{
		r:       r,
		p:       p,
		graph:   map[int]lipgloss.Style{},
		unknown: r.NewStyle().Foreground(lipgloss.Color(palette.Hex(p.Unknown))),
	}
}

func (s *styler) glyph(color int, ch byte) string {
	if s == nil || color == noColor || ch == ' ' {
		return string(ch)
	}
	st, ok := s.graph[color]
	if !ok {
		st = s.r.NewStyle().Foreground(lipgloss.Color(s.p.Hex(color)))
		s.graph[color] = st
	}
	return st.Render(string(ch))
}

func (s *styler) dim(text string) string {
	if s == nil || text == "" {
		return text
	}
	return s.unknown.Render(text)
}

// Graph returns the uncoloured graph cell of row without connector lines.
func Graph(src Source, row int) string {
	l := src.Layout()
	if l == nil || row < 0 || row >= len(l.Rows) {
		return ""
	}
	return strings.TrimRight(nodeLine(l, row, glyph(src.Style(row))).render(nil), " ")
}

// Summary returns the summary cell of row with its twisty and labels.
func Summary(src Source, row int) string {
	r, ok := src.Row(row)
	if !ok {
		return ""
	}
	return summaryCell(src, r, row, src.Style(row))
}

func glyph(style logview.Style) byte {
	switch style {
	case logview.StyleWorkingTree:
		return glyphWorkingTree
	case logview.StyleUnknown:
		return glyphMissing
	}
	return glyphNode
}

func summaryCell(src Source, r loggraph.Row, row int, style logview.Style) string {
	var b strings.Builder
	if g := src.Graph(); g != nil && g.NoGraph {
		b.WriteString(strings.Repeat("  ", r.Indent))
	}
	switch r.Twisty {
	case loggraph.TwistyCollapsed:
		b.WriteString("[+] ")
	case loggraph.TwistyExpanded:
		b.WriteString("[-] ")
	}
	switch style {
	case logview.StylePending:
		b.WriteString("...")
	case logview.StyleUnknown:
		b.WriteString("(revision not available)")
	default:
		b.WriteString(strings.ReplaceAll(src.Text(row, logview.ColumnSummary), "\t", " "))
	}
	b.WriteString(formatLabelSuffix(slices.Concat(r.Labels, r.Tags)))
	return b.String()
}

func formatLabelSuffix(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	return fmt.Sprintf(" [%s]", strings.Join(labels, ", "))
}
