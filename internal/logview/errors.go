package logview

import (
	"fmt"

	"github.com/thiagokokada/qlog-go/internal/vcs"
)

type ErrorKind int

const (
	// LoadFailed clears the log and shows a single error row.
	LoadFailed ErrorKind = iota
	// RevisionMissing degrades one row; the rest of the log is unaffected.
	RevisionMissing
	// FilterFailed disables one filter.
	FilterFailed
	// Interrupted marks work superseded by a newer request. It is never
	// shown.
	Interrupted
)

func (k ErrorKind) String() string {
	switch k {
	case LoadFailed:
		return "load failed"
	case RevisionMissing:
		return "revision missing"
	case FilterFailed:
		return "filter failed"
	case Interrupted:
		return "interrupted"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

type Error struct {
	Kind ErrorKind
	// Revision is set for RevisionMissing.
	Revision vcs.RevisionID
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Revision != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Revision, e.Err)
	case e.Revision != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Revision)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }
