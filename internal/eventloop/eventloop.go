// Package eventloop runs posted continuations one at a time on a single
// goroutine. Long running work splits itself into steps that post the
// next step, so user interaction interleaves between them.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

var afterFunc = time.AfterFunc

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	timers  map[*time.Timer]struct{}
	stopped bool
}

func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: map[*time.Timer]struct{}{},
	}
}

// Post queues fn. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc posts fn once d has elapsed. The returned func cancels it.
func (l *Loop) AfterFunc(d time.Duration, fn func()) (cancel func()) {
	var timer *time.Timer
	l.mu.Lock()
	timer = afterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, timer)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[timer] = struct{}{}
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		timer.Stop()
		delete(l.timers, timer)
	}
}

// Pending returns the number of queued steps.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Step runs the oldest queued step. It reports false when the queue was
// empty.
func (l *Loop) Step() bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.mu.Unlock()
	run(fn)
	return true
}

// RunUntilIdle runs steps, including ones posted meanwhile, until the
// queue is empty. Timers still pending are not waited for.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for l.Step() {
		n++
	}
	return n
}

// RunFor runs steps until the queue is empty or budget has elapsed. At
// least one step runs when any is queued.
func (l *Loop) RunFor(budget time.Duration) int {
	deadline := time.Now().Add(budget)
	n := 0
	for l.Step() {
		n++
		if !time.Now().Before(deadline) {
			break
		}
	}
	return n
}

// Wait blocks until a step is queued or ctx is done. Callers driving the
// loop by hand use it between RunUntilIdle calls.
func (l *Loop) Wait(ctx context.Context) error {
	for l.Pending() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
	return nil
}

// Run processes steps until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		for l.Step() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for timer := range l.timers {
		timer.Stop()
	}
	clear(l.timers)
	l.queue = nil
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop step panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
