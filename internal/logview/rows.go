package logview

import (
	"github.com/thiagokokada/qlog-go/internal/loggraph"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// DateFormat renders revision timestamps in local time.
const DateFormat = "2006-01-02 15:04"

type Column int

const (
	ColumnRevno Column = iota
	ColumnSummary
	ColumnDate
	ColumnAuthor
	ColumnCount
)

type Style int

const (
	StyleNormal Style = iota
	// StylePending marks rows whose body has not arrived yet.
	StylePending
	// StyleUnknown marks rows whose body could not be loaded.
	StyleUnknown
	StyleWorkingTree
	// StyleError marks the row standing in for a failed load.
	StyleError
)

// RowCount returns the number of rows, counting the error row of a
// failed load.
func (m *Model) RowCount() int {
	if m.loadErr != nil {
		return 1
	}
	if m.layout == nil {
		return 0
	}
	return len(m.layout.Rows)
}

// Row returns the graph part of row.
func (m *Model) Row(row int) (loggraph.Row, bool) {
	if m.loadErr != nil || m.layout == nil || row < 0 || row >= len(m.layout.Rows) {
		return loggraph.Row{}, false
	}
	return m.layout.Rows[row], true
}

func (m *Model) Node(row int) (*loggraph.Node, bool) {
	r, ok := m.Row(row)
	if !ok {
		return nil, false
	}
	return m.graph.Nodes[r.Node], true
}

// Revision returns the loaded body shown at row.
func (m *Model) Revision(row int) (*vcs.Revision, bool) {
	n, ok := m.Node(row)
	if !ok || n.IsWorkingTree() {
		return nil, false
	}
	return m.cache.Get(n.ID)
}

func (m *Model) IDAt(row int) (vcs.RevisionID, bool) {
	n, ok := m.Node(row)
	if !ok {
		return "", false
	}
	return n.ID, true
}

// RowOfID returns the row showing id, or -1.
func (m *Model) RowOfID(id vcs.RevisionID) int {
	if m.graph == nil || m.loadErr != nil {
		return -1
	}
	n, ok := m.graph.Lookup(id)
	if !ok {
		return -1
	}
	return m.layout.RowOf(n.Index)
}

func (m *Model) Style(row int) Style {
	if m.loadErr != nil {
		return StyleError
	}
	n, ok := m.Node(row)
	switch {
	case !ok:
		return StyleNormal
	case n.IsWorkingTree():
		return StyleWorkingTree
	case m.missing[n.ID]:
		return StyleUnknown
	}
	if _, ok := m.cache.Get(n.ID); !ok {
		return StylePending
	}
	return StyleNormal
}

// Text returns the cell text at row and col. Rows without a loaded body
// have blank text cells.
func (m *Model) Text(row int, col Column) string {
	if m.loadErr != nil {
		if row == 0 && col == ColumnSummary {
			return m.loadErr.Err.Error()
		}
		return ""
	}
	n, ok := m.Node(row)
	if !ok {
		return ""
	}
	if col == ColumnRevno {
		return n.RevnoText()
	}
	if n.IsWorkingTree() {
		if col == ColumnSummary {
			return vcs.WorkingTreeTitle
		}
		return ""
	}
	rev, ok := m.cache.Get(n.ID)
	if !ok || rev.Missing {
		return ""
	}
	switch col {
	case ColumnSummary:
		return rev.Summary()
	case ColumnDate:
		return rev.Timestamp.Local().Format(DateFormat)
	case ColumnAuthor:
		if authors := rev.AuthorList(); len(authors) > 0 {
			return vcs.ShortName(authors[0])
		}
	}
	return ""
}

// Select selects rows, the first being the primary selection.
func (m *Model) Select(rows ...int) {
	ids := make([]vcs.RevisionID, 0, len(rows))
	valid := make([]int, 0, len(rows))
	for _, row := range rows {
		if id, ok := m.IDAt(row); ok {
			ids = append(ids, id)
			valid = append(valid, row)
		}
	}
	m.sel.Set(ids, valid)
	if m.onSelect != nil {
		m.onSelect(m.sel.IDs())
	}
}

// OnSelectionChanged registers fn to receive the selected ids.
func (m *Model) OnSelectionChanged(fn func(ids []vcs.RevisionID)) { m.onSelect = fn }

// Selected returns the selected revisions, primary first. Safe from any
// goroutine.
func (m *Model) Selected() []vcs.RevisionID { return m.sel.IDs() }

func (m *Model) SelectedRows() []int {
	if m.layout == nil {
		return nil
	}
	return m.sel.Rows(m)
}

// SelectRevision shows and selects id, expanding the lines hiding it. It
// returns false when the revision is unknown or filtered out.
func (m *Model) SelectRevision(id vcs.RevisionID) bool {
	if m.graph == nil || m.loadErr != nil {
		return false
	}
	n, ok := m.graph.Lookup(id)
	if !ok {
		return false
	}
	if row := m.layout.RowOf(n.Index); row >= 0 {
		m.Select(row)
		return true
	}
	if !m.state.Reveal(n.Index) {
		return false
	}
	m.pendingSelect = id
	m.relayout()
	return true
}

// SelectRevno is SelectRevision by dotted revision number.
func (m *Model) SelectRevno(revno string) bool {
	if m.graph == nil {
		return false
	}
	n, ok := m.graph.LookupRevno(revno)
	if !ok {
		return false
	}
	return m.SelectRevision(n.ID)
}
