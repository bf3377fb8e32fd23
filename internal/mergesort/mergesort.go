// Package mergesort flattens a revision DAG into display order and
// assigns dotted revision numbers.
//
// The order is a reverse post-order walk that visits the left-hand parent
// first and merged parents right to left, so merged revisions appear
// directly below the revision that merged them.
package mergesort

import (
	"fmt"

	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// Entry is one revision in merge-sorted order.
type Entry struct {
	Seq        int
	ID         vcs.RevisionID
	MergeDepth int
	Revno      vcs.Revno
	EndOfMerge bool
}

// CycleError reports a revision that is its own ancestor.
type CycleError struct {
	ID vcs.RevisionID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("ancestry cycle at %s", e.ID)
}

type revnoState struct {
	revno vcs.Revno
	// firstChild stays true until some child claims this node as its
	// left-hand parent.
	firstChild bool
}

type frame struct {
	id          vcs.RevisionID
	depth       int
	leftPushed  bool
	pending     []vcs.RevisionID
	firstChild  bool
}

type scheduled struct {
	id    vcs.RevisionID
	depth int
	revno vcs.Revno
}

// Sort merge-sorts the ancestry of tip. graph maps every present revision
// to its ordered parents; parents missing from graph are treated as ghosts.
func Sort(graph map[vcs.RevisionID][]vcs.RevisionID, tip vcs.RevisionID) ([]Entry, error) {
	if _, ok := graph[tip]; !ok {
		return nil, nil
	}
	remaining := make(map[vcs.RevisionID]bool, len(graph))
	revnos := make(map[vcs.RevisionID]*revnoState, len(graph))
	for id := range graph {
		remaining[id] = true
		revnos[id] = &revnoState{firstChild: true}
	}
	completed := make(map[vcs.RevisionID]bool, len(graph))
	branchCount := map[int]int{}
	var stack []*frame
	var out []scheduled

	push := func(id vcs.RevisionID, depth int) {
		parents := graph[id]
		f := &frame{id: id, depth: depth, pending: append([]vcs.RevisionID(nil), parents...)}
		if len(parents) > 0 {
			if info, ok := revnos[parents[0]]; ok {
				f.firstChild = info.firstChild
				info.firstChild = false
			}
		}
		delete(remaining, id)
		stack = append(stack, f)
	}
	pop := func() {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		var parentRevno vcs.Revno
		if parents := graph[f.id]; len(parents) > 0 {
			if info, ok := revnos[parents[0]]; ok {
				parentRevno = info.revno
			}
		}
		var revno vcs.Revno
		switch {
		case parentRevno != nil && !f.firstChild:
			base := parentRevno[0]
			branchCount[base]++
			revno = vcs.Revno{base, branchCount[base], 1}
		case parentRevno != nil:
			revno = append(vcs.Revno(nil), parentRevno...)
			revno[len(revno)-1]++
		default:
			roots, seen := branchCount[0]
			if !seen {
				roots = -1
			}
			roots++
			branchCount[0] = roots
			if roots > 0 {
				revno = vcs.Revno{0, roots, 1}
			} else {
				revno = vcs.Revno{1}
			}
		}
		revnos[f.id].revno = revno
		completed[f.id] = true
		out = append(out, scheduled{id: f.id, depth: f.depth, revno: revno})
	}

	push(tip, 0)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if len(top.pending) == 0 {
			pop()
			continue
		}
		for len(top.pending) > 0 {
			var next vcs.RevisionID
			left := false
			if !top.leftPushed {
				next = top.pending[0]
				top.pending = top.pending[1:]
				top.leftPushed = true
				left = true
			} else {
				next = top.pending[len(top.pending)-1]
				top.pending = top.pending[:len(top.pending)-1]
			}
			if completed[next] {
				continue
			}
			if !remaining[next] {
				if _, present := graph[next]; present {
					return nil, &CycleError{ID: next}
				}
				continue
			}
			depth := top.depth
			if !left {
				depth++
			}
			push(next, depth)
			break
		}
	}

	result := make([]Entry, 0, len(out))
	for i := len(out) - 1; i >= 0; i-- {
		node := out[i]
		end := false
		switch {
		case i == 0:
			end = true
		case out[i-1].depth < node.depth:
			end = true
		case out[i-1].depth == node.depth && !isParent(graph[node.id], out[i-1].id):
			end = true
		}
		result = append(result, Entry{
			Seq:        len(result),
			ID:         node.id,
			MergeDepth: node.depth,
			Revno:      node.revno,
			EndOfMerge: end,
		})
	}
	return result, nil
}

func isParent(parents []vcs.RevisionID, id vcs.RevisionID) bool {
	for _, p := range parents {
		if p == id {
			return true
		}
	}
	return false
}

// RevisionNumbers returns the revno of every revision reachable from tip.
func RevisionNumbers(graph map[vcs.RevisionID][]vcs.RevisionID, tip vcs.RevisionID) (map[vcs.RevisionID]vcs.Revno, error) {
	entries, err := Sort(graph, tip)
	if err != nil {
		return nil, err
	}
	out := make(map[vcs.RevisionID]vcs.Revno, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Revno
	}
	return out, nil
}
