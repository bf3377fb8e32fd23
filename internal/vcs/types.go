package vcs

import (
	"net/mail"
	"strconv"
	"strings"
	"time"
)

// RevisionID names a revision. Equality is by value; ordering is undefined.
type RevisionID string

const (
	// NullRevision is the parent of a root revision in some backends. It is
	// never part of a loaded graph.
	NullRevision RevisionID = "null:"
	// WorkingTreePrefix starts every reserved working tree revision id.
	WorkingTreePrefix = "current:"
	// WorkingTreeTitle describes a working tree pseudo revision.
	WorkingTreeTitle = "Uncommitted Working Tree Changes"
)

// IsWorkingTree reports whether id names a working tree pseudo revision.
func (id RevisionID) IsWorkingTree() bool {
	return strings.HasPrefix(string(id), WorkingTreePrefix)
}

func (id RevisionID) Short() string {
	if len(id) > 12 && !id.IsWorkingTree() {
		return string(id[:12])
	}
	return string(id)
}

// Revno is a dotted revision number, e.g. (1) or (2,1,3).
type Revno []int

func (r Revno) String() string {
	var b strings.Builder
	for i, n := range r {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// BranchPrefix returns the revno without its last component.
func (r Revno) BranchPrefix() Revno {
	if len(r) == 0 {
		return nil
	}
	return r[:len(r)-1]
}

func (r Revno) Equal(o Revno) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i] != o[i] {
			return false
		}
	}
	return true
}

// Compare orders revnos component by component; a shorter prefix sorts
// first.
func (r Revno) Compare(o Revno) int {
	for i := 0; i < len(r) && i < len(o); i++ {
		if r[i] != o[i] {
			if r[i] < o[i] {
				return -1
			}
			return 1
		}
	}
	return len(r) - len(o)
}

func (r Revno) Sum() int {
	total := 0
	for _, n := range r {
		total += n
	}
	return total
}

// ParseRevno parses a dotted revision number.
func ParseRevno(s string) (Revno, bool) {
	if s == "" {
		return nil, false
	}
	parts := strings.Split(s, ".")
	out := make(Revno, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

// Revision is the immutable body of a revision.
type Revision struct {
	ID         RevisionID
	Committer  string
	Authors    []string
	Timestamp  time.Time
	Message    string
	Properties map[string]string
	ParentIDs  []RevisionID
	// Missing marks a placeholder for a body that could not be loaded.
	Missing bool
}

// Placeholder returns the body used for revisions that cannot be fetched.
func Placeholder(id RevisionID) *Revision {
	return &Revision{ID: id, Missing: true}
}

// Summary returns the first non-empty line of the message.
func (r *Revision) Summary() string {
	if r == nil {
		return ""
	}
	for line := range strings.SplitSeq(r.Message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// AuthorList returns the authors property, the author list or the
// committer, whichever is present first.
func (r *Revision) AuthorList() []string {
	if r == nil {
		return nil
	}
	if raw := r.Properties["authors"]; raw != "" {
		return strings.Split(raw, "\n")
	}
	if raw := r.Properties["author"]; raw != "" {
		return []string{raw}
	}
	if len(r.Authors) > 0 {
		return r.Authors
	}
	if r.Committer != "" {
		return []string{r.Committer}
	}
	return nil
}

// BranchNick returns the branch-nick property.
func (r *Revision) BranchNick() string {
	if r == nil {
		return ""
	}
	return r.Properties["branch-nick"]
}

// Bugs returns the bug urls recorded in the bugs property. Each line is
// "<url> <status>".
func (r *Revision) Bugs() []string {
	if r == nil || r.Properties["bugs"] == "" {
		return nil
	}
	var out []string
	for line := range strings.SplitSeq(r.Properties["bugs"], "\n") {
		fields := strings.Fields(line)
		if len(fields) > 0 {
			out = append(out, fields[0])
		}
	}
	return out
}

// ShortName extracts the display name from "Name <email>". Without a
// name the local part of the address is used.
func ShortName(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(author); err == nil {
		if addr.Name != "" {
			return addr.Name
		}
		local, _, _ := strings.Cut(addr.Address, "@")
		return local
	}
	if i := strings.Index(author, "<"); i > 0 {
		return strings.TrimSpace(author[:i])
	}
	return author
}
