// Package selection keeps the selected revisions of a log view. It is
// read from any goroutine and written from the event loop.
package selection

import (
	"slices"
	"sync/atomic"

	"github.com/thiagokokada/qlog-go/internal/vcs"
)

type snapshot struct {
	ids []vcs.RevisionID
	// rows are the rows the ids were selected at; layouts may move them.
	rows []int
}

type State struct {
	snapshot atomic.Pointer[snapshot]
}

// Rows resolves revision ids to rows of the current layout.
type Rows interface {
	IDAt(row int) (vcs.RevisionID, bool)
	RowOfID(id vcs.RevisionID) int
}

func (s *State) snapshotValue() snapshot {
	if snap := s.snapshot.Load(); snap != nil {
		return *snap
	}
	return snapshot{}
}

func (s *State) Clear() {
	s.snapshot.Store(nil)
}

// Set selects ids, the first being the primary selection. rows holds the
// row of each id, or -1 when unknown.
func (s *State) Set(ids []vcs.RevisionID, rows []int) bool {
	if len(ids) == 0 {
		s.Clear()
		return false
	}
	snap := snapshot{ids: slices.Clone(ids), rows: make([]int, len(ids))}
	for i := range snap.rows {
		snap.rows[i] = -1
		if i < len(rows) {
			snap.rows[i] = rows[i]
		}
	}
	s.snapshot.Store(&snap)
	return true
}

func (s *State) IDs() []vcs.RevisionID {
	return slices.Clone(s.snapshotValue().ids)
}

// Primary returns the revision driving the message view, or "".
func (s *State) Primary() vcs.RevisionID {
	snap := s.snapshotValue()
	if len(snap.ids) == 0 {
		return ""
	}
	return snap.ids[0]
}

// Rows returns the current rows of the selection in selection order,
// skipping revisions that are no longer shown.
func (s *State) Rows(rows Rows) []int {
	snap := s.snapshotValue()
	var out []int
	for i, id := range snap.ids {
		if hint := snap.rows[i]; hint >= 0 {
			if got, ok := rows.IDAt(hint); ok && got == id {
				out = append(out, hint)
				continue
			}
		}
		if row := rows.RowOfID(id); row >= 0 {
			out = append(out, row)
		}
	}
	return out
}

// PrimaryRow returns the row of the primary selection, or -1.
func (s *State) PrimaryRow(rows Rows) int {
	snap := s.snapshotValue()
	if len(snap.ids) == 0 {
		return -1
	}
	if hint := snap.rows[0]; hint >= 0 {
		if got, ok := rows.IDAt(hint); ok && got == snap.ids[0] {
			return hint
		}
	}
	return rows.RowOfID(snap.ids[0])
}
