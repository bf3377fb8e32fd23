// Package filter holds the log filters and the scheduler that rate limits
// their change notifications.
package filter

import (
	"log/slog"
	"slices"
	"time"

	"github.com/thiagokokada/qlog-go/internal/eventloop"
)

// WorkRatio is how many times the last layout duration the scheduler
// waits before forwarding another incremental update.
const WorkRatio = 10

var now = time.Now

// ChangeFunc receives the nodes whose visibility may have changed. last is
// set on the final notification of a filter run.
type ChangeFunc func(nodes []int, last bool)

// Scheduler absorbs incremental filter updates and forwards them so that
// layouts take at most a tenth of the time. Every method must be called
// on the loop.
type Scheduler struct {
	loop     *eventloop.Loop
	duration func() time.Duration
	apply    ChangeFunc

	pending   []int
	holdUntil time.Time
	cancel    func()
}

// NewScheduler forwards batched updates to apply. duration reports the
// cost of the previous layout.
func NewScheduler(loop *eventloop.Loop, duration func() time.Duration, apply ChangeFunc) *Scheduler {
	return &Scheduler{loop: loop, duration: duration, apply: apply}
}

// Notify queues nodes. A last notification always flushes.
func (s *Scheduler) Notify(nodes []int, last bool) {
	s.pending = append(s.pending, nodes...)
	if last || !now().Before(s.holdUntil) {
		s.flush(last)
		return
	}
	if s.cancel == nil {
		wait := s.holdUntil.Sub(now())
		slog.Debug("filter update deferred", slog.Duration("wait", wait), slog.Int("pending", len(s.pending)))
		s.cancel = s.loop.AfterFunc(wait, func() { s.flush(false) })
	}
}

// Stop drops queued updates.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.pending = nil
}

func (s *Scheduler) flush(last bool) {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	nodes := s.pending
	s.pending = nil
	if len(nodes) == 0 && !last {
		return
	}
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)
	s.apply(nodes, last)
	var d time.Duration
	if s.duration != nil {
		d = s.duration()
	}
	s.holdUntil = now().Add(WorkRatio * d)
}
