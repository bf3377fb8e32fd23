package textview

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/palette"
)

type fakeRow struct {
	cells [logview.ColumnCount]string
	style logview.Style
}

type fakeSource struct {
	layout *loggraph.Layout
	graph  *loggraph.Graph
	rows   []fakeRow
}

func (f *fakeSource) RowCount() int { return len(f.rows) }

func (f *fakeSource) Row(row int) (loggraph.Row, bool) {
	if f.layout == nil || row >= len(f.layout.Rows) {
		return loggraph.Row{}, false
	}
	return f.layout.Rows[row], true
}

func (f *fakeSource) Style(row int) logview.Style { return f.rows[row].style }

func (f *fakeSource) Text(row int, col logview.Column) string { return f.rows[row].cells[col] }

func (f *fakeSource) Layout() *loggraph.Layout { return f.layout }
func (f *fakeSource) Graph() *loggraph.Graph   { return f.graph }

func seg(from, to int) loggraph.Segment {
	return loggraph.Segment{From: from, To: to, Direct: true}
}

// mergeSource is a merge of a two revision branch: M3 merges S2, S1 whose
// body is missing, on top of M2 and M1.
func mergeSource() *fakeSource {
	return &fakeSource{
		graph: &loggraph.Graph{},
		layout: &loggraph.Layout{
			Columns: 2,
			Rows: []loggraph.Row{
				{Column: 0, Lines: []loggraph.Segment{seg(0, 0), seg(0, 1)}, Twisty: loggraph.TwistyExpanded, Labels: []string{"trunk"}},
				{Column: 1, Lines: []loggraph.Segment{seg(0, 0), seg(1, 1)}},
				{Column: 1, Lines: []loggraph.Segment{seg(0, 0), seg(1, 1)}},
				{Column: 0, Lines: []loggraph.Segment{seg(1, 0), seg(0, 0)}},
				{Column: 0, Tags: []string{"v1"}},
			},
		},
		rows: []fakeRow{
			{cells: [logview.ColumnCount]string{"3", "Merge feature", "2024-01-01 12:04", "Test"}},
			{cells: [logview.ColumnCount]string{"1.1.2", "Second", "2024-01-01 12:03", "Test"}},
			{cells: [logview.ColumnCount]string{"1.1.1"}, style: logview.StyleUnknown},
			{cells: [logview.ColumnCount]string{"2", "Mainline", "2024-01-01 12:01", "Jane Roe"}},
			{cells: [logview.ColumnCount]string{"1", "Root", "2024-01-01 12:00", "Test"}},
		},
	}
}

func assertRender(t *testing.T, src Source, opts Options, want string) {
	t.Helper()
	var buf bytes.Buffer
	if err := Render(&buf, src, opts); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := buf.String(); got != want {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(want),
			B:        difflib.SplitLines(got),
			FromFile: "want",
			ToFile:   "got",
			Context:  3,
		})
		t.Fatalf("render mismatch:\n%s", diff)
	}
}

func TestRenderMerge(t *testing.T) {
	want := strings.Join([]string{
		"o    3      [-] Merge feature [trunk]  2024-01-01 12:04  Test",
		`|\`,
		"| o  1.1.2  Second                     2024-01-01 12:03  Test",
		"| |",
		"| x  1.1.1  (revision not available)",
		"| |",
		"o |  2      Mainline                   2024-01-01 12:01  Jane Roe",
		"|/",
		"o    1      Root [v1]                  2024-01-01 12:00  Test",
		"",
	}, "\n")
	assertRender(t, mergeSource(), Options{}, want)
}

func TestRenderLimit(t *testing.T) {
	want := strings.Join([]string{
		"o    3      [-] Merge feature [trunk]  2024-01-01 12:04  Test",
		`|\`,
		"| o  1.1.2  Second                     2024-01-01 12:03  Test",
		"",
	}, "\n")
	assertRender(t, mergeSource(), Options{Limit: 2}, want)
}

func TestRenderColour(t *testing.T) {
	p := palette.For(palette.ThemeDark)
	var plain, coloured bytes.Buffer
	if err := Render(&plain, mergeSource(), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := Render(&coloured, mergeSource(), Options{Palette: &p}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(coloured.String(), "\x1b[38;2;") {
		t.Fatal("no colour escapes")
	}
	u := p.Unknown
	dimmed := fmt.Sprintf("\x1b[38;2;%d;%d;%dm1.1.1  (revision not available)", u.Red(), u.Green(), u.Blue())
	if !strings.Contains(coloured.String(), dimmed) {
		t.Fatal("unavailable revision not dimmed")
	}
	stripped := regexp.MustCompile("\x1b\\[[0-9;]*m").ReplaceAllString(coloured.String(), "")
	if stripped != plain.String() {
		t.Fatalf("colour changes the text:\n%s\n%s", stripped, plain.String())
	}
}

func TestRenderPlainHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, mergeSource(), Options{}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("plain output contains escapes:\n%q", buf.String())
	}
}

func TestRenderAlignsWideText(t *testing.T) {
	src := &fakeSource{
		graph: &loggraph.Graph{},
		layout: &loggraph.Layout{
			Columns: 1,
			Rows:    []loggraph.Row{{}, {}},
		},
		rows: []fakeRow{
			{cells: [logview.ColumnCount]string{"3", "修正バグ", "2024-01-01 12:02", "山田"}},
			{cells: [logview.ColumnCount]string{"2", "fixbug", "2024-01-01 12:01", "Test"}},
		},
	}
	want := strings.Join([]string{
		"o  3  修正バグ  2024-01-01 12:02  山田",
		"o  2  fixbug    2024-01-01 12:01  Test",
		"",
	}, "\n")
	assertRender(t, src, Options{}, want)

	var buf bytes.Buffer
	if err := Render(&buf, src, Options{}); err != nil {
		t.Fatal(err)
	}
	var cols []int
	for line := range strings.SplitSeq(strings.TrimSuffix(buf.String(), "\n"), "\n") {
		before, _, _ := strings.Cut(line, "2024-")
		cols = append(cols, runewidth.StringWidth(before))
	}
	for i, c := range cols {
		if c != cols[0] {
			t.Fatalf("date column of line %d at cell %d, line 0 at %d", i, c, cols[0])
		}
	}
}

func TestRenderErrorRow(t *testing.T) {
	src := &fakeSource{rows: []fakeRow{{
		cells: [logview.ColumnCount]string{logview.ColumnSummary: "load failed: boom"},
		style: logview.StyleError,
	}}}
	assertRender(t, src, Options{}, "error: load failed: boom\n")
}

func TestRenderNoGraph(t *testing.T) {
	src := &fakeSource{
		graph: &loggraph.Graph{NoGraph: true},
		layout: &loggraph.Layout{
			Columns: 1,
			Rows: []loggraph.Row{
				{Twisty: loggraph.TwistyExpanded},
				{Indent: 1},
				{},
			},
		},
		rows: []fakeRow{
			{cells: [logview.ColumnCount]string{"2", "Merge"}},
			{cells: [logview.ColumnCount]string{"1.1.1", "Side"}},
			{cells: [logview.ColumnCount]string{"1", "Root"}},
		},
	}
	want := strings.Join([]string{
		"o  2      [-] Merge",
		"o  1.1.1    Side",
		"o  1      Root",
		"",
	}, "\n")
	assertRender(t, src, Options{}, want)
}

func TestConnectorLine(t *testing.T) {
	for _, tt := range []struct {
		name  string
		lines []loggraph.Segment
		want  string
	}{
		{name: "none", want: ""},
		{name: "straight", lines: []loggraph.Segment{seg(1, 1)}, want: "  |   "},
		{name: "indirect", lines: []loggraph.Segment{{From: 0, To: 0}}, want: ":     "},
		{name: "wide right", lines: []loggraph.Segment{seg(0, 2)}, want: " --\\  "},
		{name: "wide left", lines: []loggraph.Segment{seg(2, 0)}, want: " /--  "},
		{name: "stub down", lines: []loggraph.Segment{seg(1, loggraph.NoColumn)}, want: "  ~   "},
		{name: "stub up", lines: []loggraph.Segment{seg(loggraph.NoColumn, 2)}, want: "    ~ "},
		{name: "vertical wins", lines: []loggraph.Segment{seg(0, 2), seg(1, 1)}, want: " -|\\  "},
	} {
		t.Run(tt.name, func(t *testing.T) {
			l := &loggraph.Layout{Columns: 3, Rows: []loggraph.Row{{Lines: tt.lines}}}
			c := connectorLine(l, 0)
			got := ""
			if c != nil {
				got = c.render(nil)
			}
			if got != tt.want {
				t.Fatalf("connector = %q, want %q", got, tt.want)
			}
		})
	}
}
