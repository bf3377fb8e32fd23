package debounce

import (
	"sync/atomic"
	"testing"
	"time"
)

// fakeTimers captures scheduled callbacks so tests decide when they fire.
func fakeTimers(t *testing.T) *[]func() {
	t.Helper()
	orig := afterFunc
	t.Cleanup(func() { afterFunc = orig })
	var scheduled []func()
	afterFunc = func(_ time.Duration, f func()) *time.Timer {
		scheduled = append(scheduled, f)
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		return timer
	}
	return &scheduled
}

func TestLatestTriggerWins(t *testing.T) {
	scheduled := fakeTimers(t)
	var calls atomic.Int32
	d := New(time.Second, func() { calls.Add(1) })

	d.Trigger()
	d.Trigger()
	d.Trigger()
	if len(*scheduled) != 3 {
		t.Fatalf("expected 3 scheduled callbacks, got %d", len(*scheduled))
	}
	for _, fire := range *scheduled {
		fire()
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one call, got %d", got)
	}
	if d.Pending() {
		t.Fatal("nothing should be pending after firing")
	}
}

func TestPendingAndStop(t *testing.T) {
	scheduled := fakeTimers(t)
	var calls atomic.Int32
	d := New(time.Second, func() { calls.Add(1) })
	if d.Pending() {
		t.Fatal("new debouncer should be idle")
	}
	d.Trigger()
	if !d.Pending() {
		t.Fatal("trigger should be pending")
	}
	d.Stop()
	if d.Pending() {
		t.Fatal("stop should drop the pending trigger")
	}
	(*scheduled)[0]()
	if got := calls.Load(); got != 0 {
		t.Fatalf("stopped trigger fired %d times", got)
	}

	d.Trigger()
	(*scheduled)[1]()
	if got := calls.Load(); got != 1 {
		t.Fatalf("trigger after stop should fire once, got %d", got)
	}
}

func TestEnsure(t *testing.T) {
	scheduled := fakeTimers(t)
	var calls atomic.Int32
	var d *Debouncer
	first := Ensure(&d, time.Second, func() { calls.Add(1) })
	if first == nil || first != d {
		t.Fatal("Ensure should store the created debouncer")
	}
	second := Ensure(&d, time.Minute, func() { calls.Add(10) })
	if second != first {
		t.Fatal("Ensure should reuse the existing debouncer")
	}
	second.Trigger()
	(*scheduled)[0]()
	if got := calls.Load(); got != 1 {
		t.Fatalf("the first fn should run, got total %d", got)
	}
}

func TestRealTimerFiresOnce(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 2)
	d := New(10*time.Millisecond, func() {
		calls.Add(1)
		done <- struct{}{}
	})
	d.Trigger()
	d.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debouncer did not fire")
	}
	time.Sleep(30 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one call, got %d", got)
	}
}
