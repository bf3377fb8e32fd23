package gitrepo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/thiagokokada/qlog-go/internal/mergesort"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// Branch follows a branch ref, or HEAD when name is empty. The tip is
// resolved on every load so reloads pick up new commits.
type Branch struct {
	repo *Repo
	ref  plumbing.ReferenceName
	nick string

	mu     sync.Mutex
	tip    vcs.RevisionID
	revnos map[vcs.RevisionID]vcs.Revno
}

// Branch returns the named local branch, or the checked out one when name
// is empty.
func (r *Repo) Branch(name string) (*Branch, error) {
	if name == "" {
		head, err := r.repo.Reference(plumbing.HEAD, false)
		if err != nil {
			return nil, fmt.Errorf("read HEAD: %w", err)
		}
		nick := "HEAD"
		if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
			nick = head.Target().Short()
		}
		return &Branch{repo: r, ref: plumbing.HEAD, nick: nick}, nil
	}
	ref := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(ref, true); err != nil {
		return nil, fmt.Errorf("branch %s: %w", name, err)
	}
	return &Branch{repo: r, ref: ref, nick: name}, nil
}

func (b *Branch) Repository() vcs.Repository { return b.repo }
func (b *Branch) Nick() string               { return b.nick }

func (b *Branch) tipID() (vcs.RevisionID, error) {
	ref, err := b.repo.repo.Reference(b.ref, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Unborn branch.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", b.ref, err)
	}
	return vcs.RevisionID(ref.Hash().String()), nil
}

func (b *Branch) Tip(ctx context.Context) (vcs.Revno, vcs.RevisionID, error) {
	tip, err := b.tipID()
	if err != nil || tip == "" {
		return nil, "", err
	}
	revnos, err := b.numbers(ctx, tip)
	if err != nil {
		return nil, "", err
	}
	return revnos[tip], tip, nil
}

func (b *Branch) RevisionNumbers(ctx context.Context) (map[vcs.RevisionID]vcs.Revno, error) {
	tip, err := b.tipID()
	if err != nil || tip == "" {
		return nil, err
	}
	return b.numbers(ctx, tip)
}

// numbers merge sorts the ancestry of tip, reusing the previous result
// while the tip is unchanged.
func (b *Branch) numbers(ctx context.Context, tip vcs.RevisionID) (map[vcs.RevisionID]vcs.Revno, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tip == tip && b.revnos != nil {
		return b.revnos, nil
	}
	graph := map[vcs.RevisionID][]vcs.RevisionID{}
	for a, err := range b.repo.Ancestry(ctx, []vcs.RevisionID{tip}) {
		if err != nil {
			return nil, err
		}
		if !a.Ghost {
			graph[a.ID] = a.Parents
		}
	}
	revnos, err := mergesort.RevisionNumbers(graph, tip)
	if err != nil {
		return nil, fmt.Errorf("number revisions of %s: %w", b.nick, err)
	}
	b.tip, b.revnos = tip, revnos
	return revnos, nil
}

// Tree is the checkout of a non-bare repository.
type Tree struct {
	repo *Repo
	wt   *gitlib.Worktree
}

func (r *Repo) WorkingTree() (*Tree, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open working tree: %w", err)
	}
	return &Tree{repo: r, wt: wt}, nil
}

func (t *Tree) BaseDir() string { return t.wt.Filesystem.Root() }

// ParentIDs returns HEAD followed by the commits of an unfinished merge.
func (t *Tree) ParentIDs(context.Context) ([]vcs.RevisionID, error) {
	var out []vcs.RevisionID
	head, err := t.repo.repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	out = append(out, vcs.RevisionID(head.Hash().String()))
	merges, err := t.mergeHeads()
	if err != nil {
		return nil, err
	}
	return append(out, merges...), nil
}

func (t *Tree) mergeHeads() ([]vcs.RevisionID, error) {
	st, ok := t.repo.repo.Storer.(*filesystem.Storage)
	if !ok {
		return nil, nil
	}
	f, err := st.Filesystem().Open("MERGE_HEAD")
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open MERGE_HEAD: %w", err)
	}
	defer f.Close()
	var out []vcs.RevisionID
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, vcs.RevisionID(line))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read MERGE_HEAD: %w", err)
	}
	return out, nil
}

// HasChanges reports staged or unstaged changes to tracked files, limited
// to fileIDs when given. Untracked files do not count.
func (t *Tree) HasChanges(ctx context.Context, fileIDs []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	status, err := t.wt.Status()
	if err != nil {
		return false, fmt.Errorf("working tree status: %w", err)
	}
	for path, st := range status {
		if st.Worktree == gitlib.Untracked && st.Staging == gitlib.Untracked {
			continue
		}
		if st.Worktree == gitlib.Unmodified && st.Staging == gitlib.Unmodified {
			continue
		}
		if len(fileIDs) == 0 || vcs.MatchFile(path, fileIDs) {
			return true, nil
		}
	}
	return false, nil
}
