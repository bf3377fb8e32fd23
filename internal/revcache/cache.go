// Package revcache holds revision bodies shared by every view and loads
// missing ones in batches on the event loop.
package revcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thiagokokada/qlog-go/internal/vcs"
)

const (
	DefaultLocalBatch  = 30
	DefaultRemoteBatch = 5
	DefaultFirstUpdate = 500 * time.Millisecond
)

var now = time.Now

// Cache maps revision ids to loaded bodies. Entries are never replaced.
type Cache struct {
	mu       sync.Mutex
	revs     map[vcs.RevisionID]*vcs.Revision
	inflight map[vcs.RevisionID]chan struct{}
}

func New() *Cache {
	return &Cache{
		revs:     map[vcs.RevisionID]*vcs.Revision{},
		inflight: map[vcs.RevisionID]chan struct{}{},
	}
}

func (c *Cache) Get(id vcs.RevisionID) (*vcs.Revision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rev, ok := c.revs[id]
	return rev, ok
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.revs)
}

// Flush drops every cached body.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.revs)
}

// Fetch returns the bodies of ids, fetching the missing ones from repo in a
// single call. An id already being fetched by another caller is waited
// for instead of fetched twice. Ids the repository does not know are
// absent from the result.
func (c *Cache) Fetch(ctx context.Context, repo vcs.Repository, ids []vcs.RevisionID) (map[vcs.RevisionID]*vcs.Revision, error) {
	out := make(map[vcs.RevisionID]*vcs.Revision, len(ids))
	var mine []vcs.RevisionID
	var waits []chan struct{}
	var waitIDs []vcs.RevisionID
	c.mu.Lock()
	for _, id := range ids {
		if rev, ok := c.revs[id]; ok {
			out[id] = rev
			continue
		}
		if ch, ok := c.inflight[id]; ok {
			waits = append(waits, ch)
			waitIDs = append(waitIDs, id)
			continue
		}
		c.inflight[id] = make(chan struct{})
		mine = append(mine, id)
	}
	c.mu.Unlock()

	var fetchErr error
	if len(mine) > 0 {
		var loaded map[vcs.RevisionID]*vcs.Revision
		fetchErr = vcs.WithReadLock([]vcs.Repository{repo}, func() error {
			var err error
			loaded, err = repo.Revisions(ctx, mine)
			return err
		})
		c.mu.Lock()
		for _, id := range mine {
			if rev, ok := loaded[id]; ok && fetchErr == nil {
				c.revs[id] = rev
				out[id] = rev
			}
			close(c.inflight[id])
			delete(c.inflight, id)
		}
		c.mu.Unlock()
	}
	for i, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return out, ctx.Err()
		}
		if rev, ok := c.Get(waitIDs[i]); ok {
			out[waitIDs[i]] = rev
		}
	}
	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
			return out, fetchErr
		}
		if !errors.Is(fetchErr, vcs.ErrTransport) {
			fetchErr = fmt.Errorf("%w: %w", vcs.ErrTransport, fetchErr)
		}
		return out, fmt.Errorf("fetch %d revisions from %s: %w", len(mine), repo.Location(), fetchErr)
	}
	return out, nil
}
