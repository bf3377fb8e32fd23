// Package gitrepo adapts a git repository, read through go-git, to the
// vcs interfaces.
package gitrepo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// Repo is a vcs.Repository and vcs.ChangeInspector over a git repository.
type Repo struct {
	repo     *gitlib.Repository
	location string
	mu       sync.RWMutex
}

// Open opens the repository containing path.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	repo, err := gitlib.PlainOpenWithOptions(abs, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	location := abs
	if wt, err := repo.Worktree(); err == nil {
		location = wt.Filesystem.Root()
	}
	slog.Debug("git repository opened", slog.String("location", location))
	return &Repo{repo: repo, location: location}, nil
}

func (r *Repo) Location() string { return r.location }

func (r *Repo) IsLocal() bool { return true }

func (r *Repo) LockRead() (func() error, error) {
	r.mu.RLock()
	var once sync.Once
	return func() error {
		once.Do(r.mu.RUnlock)
		return nil
	}, nil
}

func parseID(id vcs.RevisionID) (plumbing.Hash, bool) {
	if len(id) != 40 {
		return plumbing.ZeroHash, false
	}
	if _, err := hex.DecodeString(string(id)); err != nil {
		return plumbing.ZeroHash, false
	}
	return plumbing.NewHash(string(id)), true
}

func (r *Repo) commit(id vcs.RevisionID) (*object.Commit, error) {
	hash, ok := parseID(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, vcs.ErrNoSuchRevision)
	}
	c, err := r.repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%s: %w", id, vcs.ErrNoSuchRevision)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w: %w", id, vcs.ErrTransport, err)
	}
	return c, nil
}

// Ancestry walks breadth first from starts. Commits missing from the
// object store are yielded as ghosts.
func (r *Repo) Ancestry(ctx context.Context, starts []vcs.RevisionID) iter.Seq2[vcs.Ancestor, error] {
	return func(yield func(vcs.Ancestor, error) bool) {
		seen := map[vcs.RevisionID]bool{}
		queue := append([]vcs.RevisionID(nil), starts...)
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
			c, err := r.commit(id)
			if errors.Is(err, vcs.ErrNoSuchRevision) {
				if !yield(vcs.Ancestor{ID: id, Ghost: true}, nil) {
					return
				}
				continue
			}
			if err != nil {
				yield(vcs.Ancestor{}, err)
				return
			}
			parents := parentIDs(c)
			if !yield(vcs.Ancestor{ID: id, Parents: parents}, nil) {
				return
			}
			queue = append(queue, parents...)
		}
	}
}

func (r *Repo) Revisions(ctx context.Context, ids []vcs.RevisionID) (map[vcs.RevisionID]*vcs.Revision, error) {
	out := make(map[vcs.RevisionID]*vcs.Revision, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := r.commit(id)
		if errors.Is(err, vcs.ErrNoSuchRevision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = toRevision(c)
	}
	return out, nil
}

func (r *Repo) Tags(ctx context.Context) (map[vcs.RevisionID][]string, error) {
	refs, err := r.repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer refs.Close()
	out := map[vcs.RevisionID][]string{}
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, ok := r.peelTagCommitHash(ref.Hash())
		if !ok {
			slog.Debug("tag does not point at a commit", slog.String("tag", ref.Name().Short()))
			return nil
		}
		id := vcs.RevisionID(hash.String())
		out[id] = append(out[id], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	return out, nil
}

func (r *Repo) peelTagCommitHash(hash plumbing.Hash) (plumbing.Hash, bool) {
	if hash == plumbing.ZeroHash {
		return plumbing.ZeroHash, false
	}
	// Lightweight tags point directly at a commit; annotated tags point at a tag object.
	if _, err := r.repo.CommitObject(hash); err == nil {
		return hash, true
	}
	cur := hash
	for range 8 {
		tag, err := r.repo.TagObject(cur)
		if err != nil {
			return plumbing.ZeroHash, false
		}
		switch tag.TargetType {
		case plumbing.CommitObject:
			return tag.Target, true
		case plumbing.TagObject:
			cur = tag.Target
		default:
			return plumbing.ZeroHash, false
		}
	}
	return plumbing.ZeroHash, false
}

// Touching diffs every revision against its left parent.
func (r *Repo) Touching(ctx context.Context, ids []vcs.RevisionID, fileIDs []string) ([]vcs.RevisionID, error) {
	var out []vcs.RevisionID
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := r.commit(id)
		if errors.Is(err, vcs.ErrNoSuchRevision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		touched, err := touches(c, fileIDs)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", id, err)
		}
		if touched {
			out = append(out, id)
		}
	}
	return out, nil
}

func touches(c *object.Commit, fileIDs []string) (bool, error) {
	currentTree, err := c.Tree()
	if err != nil {
		return false, err
	}
	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return false, err
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return false, err
		}
	}
	changes, err := object.DiffTree(parentTree, currentTree)
	if err != nil {
		return false, err
	}
	for _, ch := range changes {
		if vcs.MatchFile(ch.From.Name, fileIDs) || vcs.MatchFile(ch.To.Name, fileIDs) {
			return true, nil
		}
	}
	return false, nil
}

func parentIDs(c *object.Commit) []vcs.RevisionID {
	out := make([]vcs.RevisionID, len(c.ParentHashes))
	for i, h := range c.ParentHashes {
		out[i] = vcs.RevisionID(h.String())
	}
	return out
}

func signature(s object.Signature) string {
	if s.Email == "" {
		return s.Name
	}
	return fmt.Sprintf("%s <%s>", s.Name, s.Email)
}

// toRevision maps a commit to a revision body. A distinct author becomes
// the author property; Co-authored-by trailers turn it into an authors
// list and Fixes/Closes trailers with a URL become bugs.
func toRevision(c *object.Commit) *vcs.Revision {
	rev := &vcs.Revision{
		ID:         vcs.RevisionID(c.Hash.String()),
		Committer:  signature(c.Committer),
		Timestamp:  c.Committer.When,
		Message:    c.Message,
		Properties: map[string]string{},
		ParentIDs:  parentIDs(c),
	}
	author := signature(c.Author)
	var coauthors, bugs []string
	for line := range strings.SplitSeq(c.Message, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "co-authored-by":
			if value != "" {
				coauthors = append(coauthors, value)
			}
		case "fixes", "closes", "bug":
			if strings.Contains(value, "://") {
				bugs = append(bugs, strings.Fields(value)[0]+" fixed")
			}
		}
	}
	switch {
	case len(coauthors) > 0:
		rev.Properties["authors"] = strings.Join(append([]string{author}, coauthors...), "\n")
	case author != rev.Committer:
		rev.Properties["author"] = author
	}
	if len(bugs) > 0 {
		rev.Properties["bugs"] = strings.Join(bugs, "\n")
	}
	return rev
}
