package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"streambot/pkg/logx"
)

func startRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPastDueFiresImmediately(t *testing.T) {
	r := startRegistry(t)
	var fired atomic.Int32
	r.Schedule(ScopeStream, 1, KindRemoval, time.Now().Add(-time.Hour), func(ctx context.Context) {
		fired.Add(1)
	})
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestCancelAndReplace(t *testing.T) {
	r := startRegistry(t)
	var old, replacement atomic.Int32

	r.Schedule(ScopeStream, 7, KindSignupOpen, time.Now().Add(20*time.Millisecond), func(ctx context.Context) {
		old.Add(1)
	})
	r.Schedule(ScopeStream, 7, KindSignupOpen, time.Now().Add(40*time.Millisecond), func(ctx context.Context) {
		replacement.Add(1)
	})

	waitFor(t, time.Second, func() bool { return replacement.Load() == 1 })
	if old.Load() != 0 {
		t.Fatalf("replaced timer fired %d times", old.Load())
	}
}

func TestCancelRemovesAllKinds(t *testing.T) {
	r := startRegistry(t)
	var fired atomic.Int32
	cb := func(ctx context.Context) { fired.Add(1) }

	r.Schedule(ScopeStream, 3, KindRemoval, time.Now().Add(30*time.Millisecond), cb)
	r.Schedule(ScopeStream, 3, KindSignupOpen, time.Now().Add(30*time.Millisecond), cb)
	if got := r.PendingFor(ScopeStream, 3); got != 2 {
		t.Fatalf("pending = %d, want 2", got)
	}

	r.Cancel(ScopeStream, 3)
	if got := r.PendingFor(ScopeStream, 3); got != 0 {
		t.Fatalf("pending after cancel = %d, want 0", got)
	}
	// Idempotent: cancelling again with none armed is fine.
	r.Cancel(ScopeStream, 3)

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled timers fired %d times", fired.Load())
	}
}

func TestScopesDoNotCollide(t *testing.T) {
	r := startRegistry(t)
	var eventFired atomic.Int32
	r.Schedule(ScopeEvent, 5, KindRemoval, time.Now().Add(30*time.Millisecond), func(ctx context.Context) {
		eventFired.Add(1)
	})
	// Cancelling stream 5 must not touch event 5.
	r.Cancel(ScopeStream, 5)
	waitFor(t, time.Second, func() bool { return eventFired.Load() == 1 })
}
