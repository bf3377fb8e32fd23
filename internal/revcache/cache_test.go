package revcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/thiagokokada/qlog-go/internal/eventloop"
	"github.com/thiagokokada/qlog-go/internal/vcs"
	"github.com/thiagokokada/qlog-go/internal/vcs/vcstest"
)

func fakeClock(t *testing.T) *time.Time {
	t.Helper()
	orig := now
	t.Cleanup(func() { now = orig })
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return current }
	return &current
}

func linearRepo(n int) (*vcstest.Repo, []vcs.RevisionID) {
	repo := vcstest.NewRepo("mem")
	ids := make([]vcs.RevisionID, n)
	for i := range ids {
		ids[i] = vcs.RevisionID(fmt.Sprintf("r%03d", i))
	}
	repo.Linear(ids...)
	return repo, ids
}

type loadResult struct {
	calls  []map[vcs.RevisionID]*vcs.Revision
	lasts  []bool
	errors []error
}

func (r *loadResult) options() LoadOptions {
	return LoadOptions{
		OnLoaded: func(loaded map[vcs.RevisionID]*vcs.Revision, last bool) {
			r.calls = append(r.calls, loaded)
			r.lasts = append(r.lasts, last)
		},
		OnError: func(err error) { r.errors = append(r.errors, err) },
	}
}

func (r *loadResult) all() map[vcs.RevisionID]*vcs.Revision {
	out := map[vcs.RevisionID]*vcs.Revision{}
	for _, call := range r.calls {
		for id, rev := range call {
			out[id] = rev
		}
	}
	return out
}

func TestLoadBatchesByLocality(t *testing.T) {
	fakeClock(t)
	tests := []struct {
		name   string
		remote bool
		want   []int
	}{
		{"local", false, []int{30, 30, 10}},
		{"remote", true, []int{5, 5, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := 0
			for _, w := range tt.want {
				n += w
			}
			repo, ids := linearRepo(n)
			repo.SetRemote(tt.remote)
			loop := eventloop.New()
			cache := New()
			var res loadResult
			cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, res.options())
			loop.RunUntilIdle()
			fetches := repo.Fetches()
			if len(fetches) != len(tt.want) {
				t.Fatalf("expected %d batches, got %d", len(tt.want), len(fetches))
			}
			for i, b := range fetches {
				if len(b) != tt.want[i] {
					t.Fatalf("batch %d has %d ids, want %d", i, len(b), tt.want[i])
				}
			}
			if len(res.all()) != n {
				t.Fatalf("expected %d bodies, got %d", n, len(res.all()))
			}
			if !res.lasts[len(res.lasts)-1] {
				t.Fatal("final callback should be flagged last")
			}
			if repo.LockBalance() != 0 {
				t.Fatalf("read locks leaked: %d", repo.LockBalance())
			}
		})
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(10)
	loop := eventloop.New()
	cache := New()
	lookup := func(vcs.RevisionID) vcs.Repository { return repo }

	var first loadResult
	cache.Load(context.Background(), loop, ids, lookup, first.options())
	loop.RunUntilIdle()
	fetched := repo.FetchedCount()

	second := loadResult{}
	opts := second.options()
	opts.PassCached = true
	cache.Load(context.Background(), loop, ids, lookup, opts)
	loop.RunUntilIdle()

	if repo.FetchedCount() != fetched {
		t.Fatalf("second load fetched %d more bodies", repo.FetchedCount()-fetched)
	}
	a, b := first.all(), second.all()
	if len(a) != len(b) {
		t.Fatalf("results differ in size: %d vs %d", len(a), len(b))
	}
	for id, rev := range a {
		if b[id] != rev {
			t.Fatalf("body for %s differs between loads", id)
		}
	}
	if len(second.calls) != 1 || !second.lasts[0] {
		t.Fatalf("expected a single final callback, got %v", second.lasts)
	}
}

func TestLoadReportsIncrementallyAfterThreshold(t *testing.T) {
	clock := fakeClock(t)
	repo, ids := linearRepo(90)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	opts := res.options()
	opts.OnBatchStart = func(vcs.Repository, []vcs.RevisionID) bool {
		*clock = clock.Add(300 * time.Millisecond)
		return false
	}
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	// 300ms per batch: the second batch crosses the 500ms threshold, the
	// third completes the load.
	if len(res.calls) != 2 {
		t.Fatalf("expected 2 callbacks, got %d", len(res.calls))
	}
	if len(res.calls[0]) != 60 || res.lasts[0] {
		t.Fatalf("first callback: %d bodies last=%v", len(res.calls[0]), res.lasts[0])
	}
	if len(res.calls[1]) != 30 || !res.lasts[1] {
		t.Fatalf("second callback: %d bodies last=%v", len(res.calls[1]), res.lasts[1])
	}
}

func TestLoadEveryBatch(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(90)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	opts := res.options()
	opts.FirstUpdate = EveryBatch
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	if diff := cmp.Diff([]bool{false, false, true}, res.lasts); diff != "" {
		t.Fatalf("callbacks mismatch (-want +got):\n%s", diff)
	}
	for i, call := range res.calls {
		if len(call) != 30 {
			t.Fatalf("callback %d has %d bodies, want 30", i, len(call))
		}
	}
}

type throbber struct{ shown, hidden int }

func (t *throbber) ShowThrobber() { t.shown++ }
func (t *throbber) HideThrobber() { t.hidden++ }

func TestLoadShowsThrobberForSlowLoads(t *testing.T) {
	clock := fakeClock(t)
	repo, ids := linearRepo(15)
	repo.SetRemote(true)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	th := &throbber{}
	opts := res.options()
	opts.Throbber = th
	opts.FirstUpdate = 10 * time.Second
	opts.OnBatchStart = func(vcs.Repository, []vcs.RevisionID) bool {
		*clock = clock.Add(6 * time.Second)
		return false
	}
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	if th.shown != 1 || th.hidden != 1 {
		t.Fatalf("throbber shown=%d hidden=%d", th.shown, th.hidden)
	}
}

func TestLoadThrobberShownDuringFirstBatch(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(60)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	th := &throbber{}
	opts := res.options()
	opts.Throbber = th
	opts.FirstUpdate = 5 * time.Millisecond
	batches := 0
	opts.OnBatchStart = func(vcs.Repository, []vcs.RevisionID) bool {
		batches++
		if batches == 1 {
			// Hold the first batch until the first update deadline has
			// posted its step.
			deadline := time.Now().Add(5 * time.Second)
			for loop.Pending() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
		}
		return false
	}
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	if th.shown != 1 || th.hidden != 1 {
		t.Fatalf("throbber shown=%d hidden=%d", th.shown, th.hidden)
	}
}

func TestLoadThrobberNotShownForFastLoads(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(10)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	th := &throbber{}
	opts := res.options()
	opts.Throbber = th
	opts.FirstUpdate = time.Millisecond
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	time.Sleep(20 * time.Millisecond)
	loop.RunUntilIdle()
	if th.shown != 0 || th.hidden != 0 {
		t.Fatalf("throbber shown=%d hidden=%d", th.shown, th.hidden)
	}
}

func TestLoadSupersededBeforeRunning(t *testing.T) {
	fakeClock(t)
	tests := []struct {
		name   string
		cached int
		total  int
	}{
		{"all cached", 3, 3},
		{"partly cached", 3, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, ids := linearRepo(tt.total)
			loop := eventloop.New()
			cache := New()
			if _, err := cache.Fetch(context.Background(), repo, ids[:tt.cached]); err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			gen := 1
			var res loadResult
			opts := res.options()
			opts.PassCached = true
			mine := gen
			opts.OnBatchStart = func(vcs.Repository, []vcs.RevisionID) bool { return mine != gen }
			cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
			gen++
			loop.RunUntilIdle()
			if len(res.calls) != 0 {
				t.Fatalf("superseded load delivered %d callbacks", len(res.calls))
			}
		})
	}
}

func TestLoadCancelledByBatchStart(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(90)
	loop := eventloop.New()
	cache := New()
	var res loadResult
	opts := res.options()
	batches := 0
	opts.OnBatchStart = func(vcs.Repository, []vcs.RevisionID) bool {
		batches++
		return batches > 1
	}
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, opts)
	loop.RunUntilIdle()
	if len(repo.Fetches()) != 1 {
		t.Fatalf("expected one fetched batch, got %d", len(repo.Fetches()))
	}
	if len(res.calls) != 0 {
		t.Fatalf("cancelled load must not report unobserved results, got %d calls", len(res.calls))
	}
	if cache.Len() != 30 {
		t.Fatalf("fetched batch should still be cached, got %d", cache.Len())
	}
}

func TestLoadMissingBodiesArePlaceholders(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(3)
	repo.HideBody(ids[1])
	loop := eventloop.New()
	cache := New()
	var res loadResult
	cache.Load(context.Background(), loop, append(ids, "unknown"), func(id vcs.RevisionID) vcs.Repository {
		if id == "unknown" {
			return nil
		}
		return repo
	}, res.options())
	loop.RunUntilIdle()
	got := res.all()
	if !got[ids[1]].Missing || !got["unknown"].Missing {
		t.Fatalf("expected placeholders, got %+v", got)
	}
	if got[ids[0]].Missing {
		t.Fatal("present body reported missing")
	}
	if _, ok := cache.Get(ids[1]); ok {
		t.Fatal("placeholders must not be cached")
	}
}

func TestLoadFetchErrorIsTransport(t *testing.T) {
	fakeClock(t)
	repo, ids := linearRepo(3)
	repo.FetchErr = errors.New("connection reset")
	loop := eventloop.New()
	cache := New()
	var res loadResult
	cache.Load(context.Background(), loop, ids, func(vcs.RevisionID) vcs.Repository { return repo }, res.options())
	loop.RunUntilIdle()
	if len(res.errors) != 1 || !errors.Is(res.errors[0], vcs.ErrTransport) {
		t.Fatalf("expected a transport error, got %v", res.errors)
	}
	if len(res.calls) != 0 {
		t.Fatalf("no bodies expected, got %d calls", len(res.calls))
	}
}

type blockingRepo struct {
	*vcstest.Repo
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRepo) Revisions(ctx context.Context, ids []vcs.RevisionID) (map[vcs.RevisionID]*vcs.Revision, error) {
	r.entered <- struct{}{}
	<-r.release
	return r.Repo.Revisions(ctx, ids)
}

func TestFetchSharesInflightRequests(t *testing.T) {
	mem, ids := linearRepo(2)
	repo := &blockingRepo{Repo: mem, entered: make(chan struct{}, 2), release: make(chan struct{})}
	cache := New()

	var wg sync.WaitGroup
	results := make([]map[vcs.RevisionID]*vcs.Revision, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = cache.Fetch(context.Background(), repo, ids)
	}()
	<-repo.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = cache.Fetch(context.Background(), repo, ids)
	}()
	// Give the second caller a chance to register as a waiter.
	time.Sleep(20 * time.Millisecond)
	close(repo.release)
	wg.Wait()

	if got := mem.FetchedCount(); got != 2 {
		t.Fatalf("expected a single fetch of 2 ids, got %d", got)
	}
	for i, res := range results {
		if len(res) != 2 {
			t.Fatalf("caller %d got %d bodies", i, len(res))
		}
	}
}
