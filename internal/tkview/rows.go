// Package tkview shows the log in a Tk treeview. Row bookkeeping lives
// here and builds everywhere; the window itself needs the tk build tag.
package tkview

import (
	"errors"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/thiagokokada/qlog-go/internal/logview"
	"github.com/thiagokokada/qlog-go/internal/textview"
)

var ErrUnavailable = errors.New("built without Tk support, rebuild with -tags tk")

// Treeview tags per row style.
const (
	TagPending     = "pending"
	TagUnknown     = "unknown"
	TagWorkingTree = "workingTree"
	TagError       = "error"
)

type column struct {
	name  string
	title string
	width int
}

var columns = []column{
	{"graph", "Graph", 120},
	{"revno", "Rev", 80},
	{"summary", "Summary", 420},
	{"date", "Date", 150},
	{"author", "Author", 180},
}

// Item is one treeview row.
type Item struct {
	ID     string
	Values []string
	Tag    string
}

// Rows implements logview.Notifier by recording what the window has to
// redraw until it calls Flush.
type Rows struct {
	src     textview.Source
	dirty   map[int]bool
	reset   bool
	lastErr string
	loading int
}

func NewRows() *Rows {
	return &Rows{dirty: map[int]bool{}, reset: true}
}

// Attach sets the model rows are read from.
func (r *Rows) Attach(src textview.Source) {
	r.src = src
	r.reset = true
}

func (r *Rows) NotifyRowsChanged(rows []int) {
	for _, row := range rows {
		r.dirty[row] = true
	}
}

func (r *Rows) NotifyLayoutChanged() {
	r.reset = true
	clear(r.dirty)
}

func (r *Rows) NotifyError(err *logview.Error) { r.lastErr = err.Error() }
func (r *Rows) ShowThrobber()                  { r.loading++ }

func (r *Rows) HideThrobber() {
	if r.loading > 0 {
		r.loading--
	}
}

// Flush returns what changed since the previous call: either the whole
// table or the listed rows.
func (r *Rows) Flush() (reset bool, rows []int) {
	reset, r.reset = r.reset, false
	if !reset && r.src != nil {
		n := r.src.RowCount()
		for _, row := range slices.Sorted(maps.Keys(r.dirty)) {
			if row < n {
				rows = append(rows, row)
			}
		}
	}
	clear(r.dirty)
	return reset, rows
}

// Items returns every row.
func (r *Rows) Items() []Item {
	if r.src == nil {
		return nil
	}
	n := r.src.RowCount()
	items := make([]Item, 0, n)
	for row := range n {
		items = append(items, r.Item(row))
	}
	return items
}

func (r *Rows) Item(row int) Item {
	style := r.src.Style(row)
	return Item{
		ID: strconv.Itoa(row),
		Values: []string{
			textview.Graph(r.src, row),
			r.src.Text(row, logview.ColumnRevno),
			textview.Summary(r.src, row),
			r.src.Text(row, logview.ColumnDate),
			r.src.Text(row, logview.ColumnAuthor),
		},
		Tag: tagFor(style),
	}
}

func tagFor(style logview.Style) string {
	switch style {
	case logview.StylePending:
		return TagPending
	case logview.StyleUnknown:
		return TagUnknown
	case logview.StyleWorkingTree:
		return TagWorkingTree
	case logview.StyleError:
		return TagError
	}
	return ""
}

// Status is the status bar text.
func (r *Rows) Status() string {
	switch {
	case r.lastErr != "":
		return r.lastErr
	case r.loading > 0:
		return "Loading revisions..."
	case r.src == nil:
		return ""
	}
	n := r.src.RowCount()
	if n == 1 {
		return "1 revision"
	}
	return humanize.Comma(int64(n)) + " revisions"
}

// RowOf parses a treeview item id back into a row.
func RowOf(id string) (int, bool) {
	row, err := strconv.Atoi(id)
	if err != nil || row < 0 {
		return 0, false
	}
	return row, true
}

// VisibleRows turns the output of a treeview yview command into the
// range of rows on screen.
func VisibleRows(yview string, rowCount int) (first, last int, ok bool) {
	fields := strings.Fields(strings.TrimSpace(yview))
	if len(fields) < 2 || rowCount <= 0 {
		return 0, 0, false
	}
	start, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	first = min(max(int(start*float64(rowCount)), 0), rowCount-1)
	last = min(max(int(end*float64(rowCount))-1, first), rowCount-1)
	return first, last, true
}
