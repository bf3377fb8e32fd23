package revcache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/vcs"
)

// Throbber is shown while a load runs longer than the first update delay.
type Throbber interface {
	ShowThrobber()
	HideThrobber()
}

// RepoLookup returns the repository holding id, or nil when unknown.
type RepoLookup func(id vcs.RevisionID) vcs.Repository

type LoadOptions struct {
	LocalBatch  int
	RemoteBatch int
	// FirstUpdate is the delay before loaded bodies are reported and the
	// throbber shown. Zero means DefaultFirstUpdate; EveryBatch reports
	// after every batch.
	FirstUpdate time.Duration
	// OnBatchStart runs before every batch, and once with a nil repository
	// before a load that fetches nothing. Returning true cancels the rest
	// of the load.
	OnBatchStart func(repo vcs.Repository, ids []vcs.RevisionID) bool
	// Cancelled is checked before every step and callback.
	Cancelled func() bool
	// OnLoaded receives the bodies loaded since the previous call. Missing
	// revisions are reported as placeholders.
	OnLoaded func(loaded map[vcs.RevisionID]*vcs.Revision, last bool)
	// OnError receives fetch failures; the load stops afterwards.
	OnError func(err error)
	// PassCached includes already cached bodies in the first callback.
	PassCached bool
	Throbber   Throbber
}

// EveryBatch as LoadOptions.FirstUpdate reports bodies after every batch.
const EveryBatch time.Duration = -1

func (o *LoadOptions) withDefaults() {
	if o.FirstUpdate == 0 {
		o.FirstUpdate = DefaultFirstUpdate
	}
	if o.LocalBatch <= 0 {
		o.LocalBatch = DefaultLocalBatch
	}
	if o.RemoteBatch <= 0 {
		o.RemoteBatch = DefaultRemoteBatch
	}
}

type batch struct {
	repo vcs.Repository
	ids  []vcs.RevisionID
}

type loadState struct {
	cache   *Cache
	ctx     context.Context
	loop    *eventloop.Loop
	opts    LoadOptions
	batches []batch

	acc          map[vcs.RevisionID]*vcs.Revision
	started      time.Time
	lastUpdate   time.Time
	updated      bool
	done         bool
	throbberShow bool
	stopThrobber func()
}

// throbberDelay is how long a load may run without reporting before the
// throbber is shown.
func (st *loadState) throbberDelay() time.Duration {
	if st.opts.FirstUpdate < 0 {
		return DefaultFirstUpdate
	}
	return st.opts.FirstUpdate
}

// Load reports the bodies of ids through opts.OnLoaded, fetching missing
// ones in batches sized by repository locality. Every batch runs as its
// own step on loop.
func (c *Cache) Load(ctx context.Context, loop *eventloop.Loop, ids []vcs.RevisionID, lookup RepoLookup, opts LoadOptions) {
	opts.withDefaults()
	st := &loadState{
		cache:   c,
		ctx:     ctx,
		loop:    loop,
		opts:    opts,
		acc:     map[vcs.RevisionID]*vcs.Revision{},
		started: now(),
	}
	st.lastUpdate = st.started

	groups := map[vcs.Repository][]vcs.RevisionID{}
	var order []vcs.Repository
	seen := map[vcs.RevisionID]bool{}
	for _, id := range ids {
		if seen[id] || id == "" || id.IsWorkingTree() || id == vcs.NullRevision {
			continue
		}
		seen[id] = true
		if rev, ok := c.Get(id); ok {
			if opts.PassCached {
				st.acc[id] = rev
			}
			continue
		}
		repo := lookup(id)
		if repo == nil {
			st.acc[id] = vcs.Placeholder(id)
			continue
		}
		if _, ok := groups[repo]; !ok {
			order = append(order, repo)
		}
		groups[repo] = append(groups[repo], id)
	}
	for _, repo := range order {
		size := opts.LocalBatch
		if !repo.IsLocal() {
			size = opts.RemoteBatch
		}
		missing := groups[repo]
		for start := 0; start < len(missing); start += size {
			end := min(start+size, len(missing))
			st.batches = append(st.batches, batch{repo: repo, ids: missing[start:end]})
		}
	}
	slog.Debug("revision load scheduled",
		slog.Int("requested", len(ids)),
		slog.Int("batches", len(st.batches)),
	)
	if opts.Throbber != nil {
		st.stopThrobber = loop.AfterFunc(st.throbberDelay(), st.showThrobber)
	}
	loop.Post(st.step)
}

func (st *loadState) showThrobber() {
	if st.done || st.updated || st.throbberShow {
		return
	}
	st.throbberShow = true
	st.opts.Throbber.ShowThrobber()
}

func (st *loadState) cancelled() bool {
	if st.ctx.Err() != nil {
		return true
	}
	return st.opts.Cancelled != nil && st.opts.Cancelled()
}

func (st *loadState) step() {
	if st.cancelled() {
		st.finish()
		return
	}
	if len(st.batches) == 0 {
		if !st.superseded(nil, nil) {
			st.deliver(true)
		}
		st.finish()
		return
	}
	b := st.batches[0]
	st.batches = st.batches[1:]
	if st.superseded(b.repo, b.ids) {
		st.finish()
		return
	}
	if st.opts.Throbber != nil && now().Sub(st.started) > st.throbberDelay() {
		st.showThrobber()
	}
	loaded, err := st.cache.Fetch(st.ctx, b.repo, b.ids)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("revision batch fetch", slog.String("repository", b.repo.Location()), slog.Any("error", err))
			if st.opts.OnError != nil && !st.cancelled() {
				st.opts.OnError(err)
			}
		}
		st.finish()
		return
	}
	for _, id := range b.ids {
		if rev, ok := loaded[id]; ok {
			st.acc[id] = rev
		} else {
			slog.Debug("revision body missing", slog.String("revision", string(id)))
			st.acc[id] = vcs.Placeholder(id)
		}
	}
	if len(st.batches) == 0 {
		st.deliver(true)
		st.finish()
		return
	}
	if st.opts.FirstUpdate < 0 || now().Sub(st.lastUpdate) >= st.opts.FirstUpdate {
		st.deliver(false)
	}
	st.loop.Post(st.step)
}

func (st *loadState) superseded(repo vcs.Repository, ids []vcs.RevisionID) bool {
	if st.opts.OnBatchStart == nil || !st.opts.OnBatchStart(repo, ids) {
		return false
	}
	slog.Debug("revision load cancelled", slog.Int("pending_batches", len(st.batches)))
	return true
}

func (st *loadState) deliver(last bool) {
	if st.cancelled() {
		return
	}
	loaded := st.acc
	st.acc = map[vcs.RevisionID]*vcs.Revision{}
	st.updated = true
	st.lastUpdate = now()
	if st.opts.OnLoaded != nil {
		st.opts.OnLoaded(loaded, last)
	}
}

func (st *loadState) finish() {
	st.done = true
	if st.stopThrobber != nil {
		st.stopThrobber()
	}
	if st.throbberShow {
		st.throbberShow = false
		st.opts.Throbber.HideThrobber()
	}
}
