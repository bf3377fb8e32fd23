package vcs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"lukechampine.com/blake3"
)

var (
	// ErrNoSuchRevision marks an ancestor referenced but absent from the
	// repository. Loaders record it as a ghost.
	ErrNoSuchRevision = errors.New("no such revision")
	// ErrRevisionNotFound marks a body that cannot be fetched.
	ErrRevisionNotFound = errors.New("revision not found")
	// ErrTransport marks a failure talking to the repository storage.
	ErrTransport = errors.New("transport error")
)

// Ancestor is one step of an ancestry walk. Ghost entries have no parents.
type Ancestor struct {
	ID      RevisionID
	Parents []RevisionID
	Ghost   bool
}

// Repository is the read-only view of a revision store.
type Repository interface {
	// Location identifies the repository; two handles with the same
	// location share storage.
	Location() string
	// IsLocal reports whether reads are cheap.
	IsLocal() bool
	// LockRead acquires a read lock. The returned func releases it.
	LockRead() (func() error, error)
	// Ancestry walks the ancestry of starts, yielding every reachable
	// revision once.
	Ancestry(ctx context.Context, starts []RevisionID) iter.Seq2[Ancestor, error]
	// Revisions fetches bodies. Ids absent from the result were not found.
	Revisions(ctx context.Context, ids []RevisionID) (map[RevisionID]*Revision, error)
	// Tags maps revisions to their tag names.
	Tags(ctx context.Context) (map[RevisionID][]string, error)
}

// ChangeInspector is implemented by repositories that can tell which
// revisions changed a set of files.
type ChangeInspector interface {
	// Touching returns the subset of ids whose changes against their left
	// parent touch any of the given file ids.
	Touching(ctx context.Context, ids []RevisionID, fileIDs []string) ([]RevisionID, error)
}

// Branch is a named line of development inside a repository.
type Branch interface {
	Repository() Repository
	Nick() string
	// Tip returns the revision number and id of the branch head.
	Tip(ctx context.Context) (Revno, RevisionID, error)
	// RevisionNumbers maps every revision reachable from the tip to its
	// dotted revision number.
	RevisionNumbers(ctx context.Context) (map[RevisionID]Revno, error)
}

// WorkingTree is a checkout of a branch.
type WorkingTree interface {
	BaseDir() string
	// ParentIDs returns the basis revision followed by pending merges.
	ParentIDs(ctx context.Context) ([]RevisionID, error)
	// HasChanges reports uncommitted changes, restricted to fileIDs when
	// given.
	HasChanges(ctx context.Context, fileIDs []string) (bool, error)
}

// SearchIndex answers free text queries with matching revisions.
type SearchIndex interface {
	Search(ctx context.Context, query string) ([]RevisionID, error)
}

// BranchInfo is one branch handed to the log.
type BranchInfo struct {
	Label  string
	Branch Branch
	Tree   WorkingTree
	Index  SearchIndex
}

func (b *BranchInfo) Repository() Repository {
	if b == nil || b.Branch == nil {
		return nil
	}
	return b.Branch.Repository()
}

// WorkingTreeID returns the reserved revision id for the tree at basedir.
func WorkingTreeID(basedir string) RevisionID {
	sum := blake3.Sum256([]byte(basedir))
	return RevisionID(WorkingTreePrefix + hex.EncodeToString(sum[:8]))
}

// LockAll acquires read locks on every repository. The returned func
// releases them in reverse order. On failure no lock is left held.
func LockAll(repos []Repository) (release func() error, err error) {
	var releases []func() error
	release = func() error {
		var errs []error
		for i := len(releases) - 1; i >= 0; i-- {
			if rerr := releases[i](); rerr != nil {
				errs = append(errs, rerr)
			}
		}
		releases = nil
		return errors.Join(errs...)
	}
	for _, repo := range repos {
		r, lerr := repo.LockRead()
		if lerr != nil {
			err = fmt.Errorf("lock %s: %w", repo.Location(), lerr)
			if rerr := release(); rerr != nil {
				slog.Error("release read lock", slog.Any("error", rerr))
				err = errors.Join(err, rerr)
			}
			return nil, err
		}
		releases = append(releases, r)
	}
	return release, nil
}

// WithReadLock runs fn while holding read locks on every repository.
// Locks are released on all exit paths.
func WithReadLock(repos []Repository, fn func() error) (err error) {
	release, err := LockAll(repos)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			slog.Error("release read lock", slog.Any("error", rerr))
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}

// UniqueRepositories returns the repositories of branches, deduplicated by
// location, local ones first.
func UniqueRepositories(branches []*BranchInfo) []Repository {
	seen := map[string]bool{}
	var local, remote []Repository
	for _, b := range branches {
		repo := b.Repository()
		if repo == nil || seen[repo.Location()] {
			continue
		}
		seen[repo.Location()] = true
		if repo.IsLocal() {
			local = append(local, repo)
		} else {
			remote = append(remote, repo)
		}
	}
	return append(local, remote...)
}
