// Package eventbus carries in-process signals between loosely coupled
// parts of the bot. Delivery is best-effort: Publish never blocks, and a
// subscriber that falls behind loses events instead of stalling the
// publisher.
package eventbus

import (
	"sync"
	"time"
)

// Event types emitted by the bot.
const (
	TypeStoreWriteFailed = "store.write_failed"
	TypeSignupResolved   = "signup.resolved"
	TypeStreamRemoved    = "stream.removed"
	TypeEventRemoved     = "event.removed"
)

// Event pairs a type tag with its payload. Data carries one of the typed
// payloads below for the domain events; the store publishes its own
// failure type to avoid an import cycle.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SignupResolved is the payload of TypeSignupResolved.
type SignupResolved struct {
	StreamID int64
	MemberID int64
	Status   string
}

// StreamRemoved is the payload of TypeStreamRemoved.
type StreamRemoved struct {
	EventID  int64
	StreamID int64
}

// EventRemoved is the payload of TypeEventRemoved.
type EventRemoved struct {
	EventID int64
	Title   string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines;
// Publish runs on the caller.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock, send outside it.
	f.mu.RLock()
	targets := make([]chan Event, 0, len(f.subs))
	for _, ch := range f.subs {
		targets = append(targets, ch)
	}
	f.mu.RUnlock()

	for _, ch := range targets {
		deliver(ch, e)
	}
}

// deliver sends without blocking. An unsubscribe may close the channel
// between the snapshot and the send; the recover swallows that race.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	f.mu.Lock()
	f.next++
	id := f.next
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
