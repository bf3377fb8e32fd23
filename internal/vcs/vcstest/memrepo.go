// Package vcstest provides an in-memory repository for tests.
package vcstest

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/thiagokokada/qlog-go/internal/mergesort"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Repo is an in-memory vcs.Repository. Revisions are added with Commit.
type Repo struct {
	mu       sync.Mutex
	location string
	remote   bool

	order   []vcs.RevisionID
	revs    map[vcs.RevisionID]*vcs.Revision
	files   map[vcs.RevisionID][]string
	tags    map[vcs.RevisionID][]string
	missing map[vcs.RevisionID]bool

	// FetchErr, when set, fails every Revisions call.
	FetchErr error
	// AncestryErr, when set, fails ancestry walks.
	AncestryErr error
	// TouchErr, when set, fails Touching calls.
	TouchErr error

	fetches  [][]vcs.RevisionID
	locks    int
	unlocks  int
	touching int
}

func NewRepo(location string) *Repo {
	return &Repo{
		location: location,
		revs:     map[vcs.RevisionID]*vcs.Revision{},
		files:    map[vcs.RevisionID][]string{},
		tags:     map[vcs.RevisionID][]string{},
		missing:  map[vcs.RevisionID]bool{},
	}
}

// SetRemote marks the repository as expensive to read.
func (r *Repo) SetRemote(remote bool) *Repo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote = remote
	return r
}

// Commit adds a revision with a default message "commit <id>". Parents
// absent from the repository are ghosts.
func (r *Repo) Commit(id vcs.RevisionID, parents ...vcs.RevisionID) *vcs.Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev := &vcs.Revision{
		ID:         id,
		Committer:  "Test User <test@example.com>",
		Timestamp:  epoch.Add(time.Duration(len(r.order)) * time.Minute),
		Message:    fmt.Sprintf("commit %s", id),
		Properties: map[string]string{},
		ParentIDs:  parents,
	}
	r.revs[id] = rev
	r.order = append(r.order, id)
	return rev
}

// Linear commits ids in order, each on top of the previous one.
func (r *Repo) Linear(ids ...vcs.RevisionID) {
	var parent vcs.RevisionID
	for _, id := range ids {
		if parent == "" {
			r.Commit(id)
		} else {
			r.Commit(id, parent)
		}
		parent = id
	}
}

// Touch records the files changed by a revision.
func (r *Repo) Touch(id vcs.RevisionID, files ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[id] = append(r.files[id], files...)
}

func (r *Repo) Tag(id vcs.RevisionID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags[id] = append(r.tags[id], name)
}

// HideBody makes the body of id unavailable while keeping it in the
// ancestry.
func (r *Repo) HideBody(id vcs.RevisionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.missing[id] = true
}

// Fetches returns the id batches passed to Revisions so far.
func (r *Repo) Fetches() [][]vcs.RevisionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.fetches)
}

// FetchedCount returns how many revision bodies were requested.
func (r *Repo) FetchedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.fetches {
		n += len(b)
	}
	return n
}

// LockBalance returns locks taken minus locks released.
func (r *Repo) LockBalance() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks - r.unlocks
}

func (r *Repo) TouchingCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.touching
}

func (r *Repo) Location() string { return r.location }

func (r *Repo) IsLocal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.remote
}

func (r *Repo) LockRead() (func() error, error) {
	r.mu.Lock()
	r.locks++
	r.mu.Unlock()
	return func() error {
		r.mu.Lock()
		r.unlocks++
		r.mu.Unlock()
		return nil
	}, nil
}

func (r *Repo) Ancestry(ctx context.Context, starts []vcs.RevisionID) iter.Seq2[vcs.Ancestor, error] {
	return func(yield func(vcs.Ancestor, error) bool) {
		if r.AncestryErr != nil {
			yield(vcs.Ancestor{}, r.AncestryErr)
			return
		}
		seen := map[vcs.RevisionID]bool{}
		queue := slices.Clone(starts)
		for len(queue) > 0 {
			if err := ctx.Err(); err != nil {
				yield(vcs.Ancestor{}, err)
				return
			}
			id := queue[0]
			queue = queue[1:]
			if seen[id] {
				continue
			}
			seen[id] = true
			r.mu.Lock()
			rev, ok := r.revs[id]
			r.mu.Unlock()
			if !ok {
				if !yield(vcs.Ancestor{ID: id, Ghost: true}, nil) {
					return
				}
				continue
			}
			if !yield(vcs.Ancestor{ID: id, Parents: slices.Clone(rev.ParentIDs)}, nil) {
				return
			}
			queue = append(queue, rev.ParentIDs...)
		}
	}
}

func (r *Repo) Revisions(ctx context.Context, ids []vcs.RevisionID) (map[vcs.RevisionID]*vcs.Revision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches = append(r.fetches, slices.Clone(ids))
	if r.FetchErr != nil {
		return nil, r.FetchErr
	}
	out := make(map[vcs.RevisionID]*vcs.Revision, len(ids))
	for _, id := range ids {
		if rev, ok := r.revs[id]; ok && !r.missing[id] {
			out[id] = rev
		}
	}
	return out, nil
}

func (r *Repo) Tags(context.Context) (map[vcs.RevisionID][]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[vcs.RevisionID][]string, len(r.tags))
	for id, names := range r.tags {
		out[id] = slices.Clone(names)
	}
	return out, nil
}

func (r *Repo) Touching(ctx context.Context, ids []vcs.RevisionID, fileIDs []string) ([]vcs.RevisionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touching++
	if r.TouchErr != nil {
		return nil, r.TouchErr
	}
	var out []vcs.RevisionID
	for _, id := range ids {
		if touches(r.files[id], fileIDs) {
			out = append(out, id)
		}
	}
	return out, nil
}

func touches(files, fileIDs []string) bool {
	return slices.ContainsFunc(files, func(f string) bool { return vcs.MatchFile(f, fileIDs) })
}

func (r *Repo) parentMap() map[vcs.RevisionID][]vcs.RevisionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	graph := make(map[vcs.RevisionID][]vcs.RevisionID, len(r.revs))
	for id, rev := range r.revs {
		graph[id] = rev.ParentIDs
	}
	return graph
}

// Branch is a vcs.Branch over a Repo.
type Branch struct {
	Repo    *Repo
	TipID   vcs.RevisionID
	NickVal string
	TipErr  error
}

func NewBranch(repo *Repo, tip vcs.RevisionID) *Branch {
	return &Branch{Repo: repo, TipID: tip, NickVal: repo.location}
}

func (b *Branch) Repository() vcs.Repository { return b.Repo }
func (b *Branch) Nick() string               { return b.NickVal }

func (b *Branch) Tip(ctx context.Context) (vcs.Revno, vcs.RevisionID, error) {
	if b.TipErr != nil {
		return nil, "", b.TipErr
	}
	revnos, err := b.RevisionNumbers(ctx)
	if err != nil {
		return nil, "", err
	}
	return revnos[b.TipID], b.TipID, nil
}

func (b *Branch) RevisionNumbers(context.Context) (map[vcs.RevisionID]vcs.Revno, error) {
	return mergesort.RevisionNumbers(b.Repo.parentMap(), b.TipID)
}

// Tree is a vcs.WorkingTree with fixed parents.
type Tree struct {
	Dir       string
	Parents   []vcs.RevisionID
	Changed   []string
	ParentErr error
	ChangeErr error
}

func (t *Tree) BaseDir() string { return t.Dir }

func (t *Tree) ParentIDs(context.Context) ([]vcs.RevisionID, error) {
	if t.ParentErr != nil {
		return nil, t.ParentErr
	}
	return slices.Clone(t.Parents), nil
}

func (t *Tree) HasChanges(_ context.Context, fileIDs []string) (bool, error) {
	if t.ChangeErr != nil {
		return false, t.ChangeErr
	}
	if len(fileIDs) == 0 {
		return len(t.Changed) > 0, nil
	}
	return touches(t.Changed, fileIDs), nil
}

// Index is a vcs.SearchIndex returning fixed results per query.
type Index struct {
	Results map[string][]vcs.RevisionID
	Err     error
}

func (i *Index) Search(_ context.Context, query string) ([]vcs.RevisionID, error) {
	if i.Err != nil {
		return nil, i.Err
	}
	return slices.Clone(i.Results[query]), nil
}
