// Package timers provides the one-shot timer registry driving entity
// lifecycles (stream removal, signup opening, event expiry), plus a cron
// runner for recurring maintenance.
//
// Every entity save re-derives its timers: cancel, then re-schedule from
// current field values, so an edit can never leave a stale timer behind.
// A callback already in flight when its timer is cancelled is not
// interrupted (fire-and-forget).
package timers

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"streambot/pkg/logx"
)

// Scope namespaces entity IDs so event and stream IDs cannot collide.
type Scope string

const (
	ScopeEvent  Scope = "event"
	ScopeStream Scope = "stream"
)

// Kind distinguishes the timers an entity may hold at once.
type Kind string

const (
	KindRemoval    Kind = "removal"
	KindSignupOpen Kind = "signup_open"
)

type timerKey struct {
	scope Scope
	id    int64
	kind  Kind
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Entry describes one armed timer for status reporting.
type Entry struct {
	Scope Scope     `json:"scope"`
	ID    int64     `json:"id"`
	Kind  Kind      `json:"kind"`
	At    time.Time `json:"at"`
}

// Registry arms one-shot callbacks at absolute timestamps, keyed by
// (scope, entity ID, kind). Fired callbacks run on a single worker
// goroutine so domain mutations triggered by timers never run in
// parallel with each other.
type Registry struct {
	log logx.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
	at     map[timerKey]time.Time
	ver    map[timerKey]uint64

	c *cron.Cron

	queue chan job
	done  chan struct{}
	wg    sync.WaitGroup
}

func New(log logx.Logger) *Registry {
	return &Registry{
		log:    log,
		timers: map[timerKey]*time.Timer{},
		at:     map[timerKey]time.Time{},
		ver:    map[timerKey]uint64{},
		c:      cron.New(),
		queue:  make(chan job, 64),
		done:   make(chan struct{}),
	}
}

// Start launches the dispatch worker and the cron runner.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case j := <-r.queue:
				r.run(ctx, j)
			}
		}
	}()
	r.c.Start()
	r.log.Debug("timer registry started")
}

func (r *Registry) run(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in timer callback",
				logx.String("timer", j.name),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	start := time.Now()
	j.fn(ctx)
	r.log.Debug("timer fired", logx.String("timer", j.name), logx.Duration("took", time.Since(start)))
}

// Stop cancels all armed timers and stops the worker. In-flight callbacks
// are not interrupted.
func (r *Registry) Stop() {
	select {
	case <-r.done:
		return
	default:
	}

	r.mu.Lock()
	for k, t := range r.timers {
		_ = t.Stop()
		delete(r.timers, k)
		delete(r.at, k)
	}
	r.mu.Unlock()

	<-r.c.Stop().Done()
	close(r.done)
	r.wg.Wait()
}

// Schedule arms (or replaces) the timer for (scope, id, kind). A past-due
// timestamp fires immediately rather than being dropped.
func (r *Registry) Schedule(scope Scope, id int64, kind Kind, at time.Time, fn func(ctx context.Context)) {
	k := timerKey{scope: scope, id: id, kind: kind}
	name := string(scope) + ":" + string(kind)

	r.mu.Lock()
	if t, ok := r.timers[k]; ok {
		_ = t.Stop()
		delete(r.timers, k)
	}
	// Version guard: a callback from a replaced or cancelled timer must
	// be ignored even if it was already past its Stop.
	ver := r.ver[k] + 1
	r.ver[k] = ver
	r.at[k] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.ver[k] != ver {
			r.mu.Unlock()
			return
		}
		delete(r.timers, k)
		delete(r.at, k)
		r.mu.Unlock()

		select {
		case r.queue <- job{name: name, fn: fn}:
		case <-r.done:
		}
	})
	r.timers[k] = timer
	r.mu.Unlock()

	r.log.Debug("timer armed", logx.String("timer", name), logx.Int64("entity", id), logx.Time("at", at))
}

// Cancel removes every timer kind armed for the entity. Safe to call when
// none exist.
func (r *Registry) Cancel(scope Scope, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.timers {
		if k.scope == scope && k.id == id {
			_ = t.Stop()
			r.ver[k]++
			delete(r.timers, k)
			delete(r.at, k)
		}
	}
}

// Pending reports whether a timer is armed for (scope, id, kind).
func (r *Registry) Pending(scope Scope, id int64, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[timerKey{scope: scope, id: id, kind: kind}]
	return ok
}

// PendingFor counts armed timers for the entity across all kinds.
func (r *Registry) PendingFor(scope Scope, id int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.timers {
		if k.scope == scope && k.id == id {
			n++
		}
	}
	return n
}

// AddCron registers a recurring maintenance job (robfig/cron spec or
// descriptor like "@hourly").
func (r *Registry) AddCron(name, spec string, fn func(ctx context.Context)) error {
	_, err := r.c.AddFunc(spec, func() {
		select {
		case r.queue <- job{name: "cron:" + name, fn: fn}:
		case <-r.done:
		}
	})
	if err != nil {
		return err
	}
	r.log.Debug("cron registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Snapshot lists armed one-shot timers, for the status endpoint.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.timers))
	for k := range r.timers {
		out = append(out, Entry{Scope: k.scope, ID: k.id, Kind: k.kind, At: r.at[k]})
	}
	return out
}
