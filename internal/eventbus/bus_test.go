package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutTypedPayload(t *testing.T) {
	bus := New()
	a, unsubA := bus.Subscribe(1)
	defer unsubA()
	b, unsubB := bus.Subscribe(1)
	defer unsubB()

	bus.Publish(Event{
		Type: TypeStreamRemoved,
		Data: StreamRemoved{EventID: 3, StreamID: 9},
	})

	for _, ch := range []<-chan Event{a, b} {
		select {
		case e := <-ch:
			sr, ok := e.Data.(StreamRemoved)
			if !ok || sr.EventID != 3 || sr.StreamID != 9 {
				t.Fatalf("unexpected payload: %+v", e.Data)
			}
			if e.Time.IsZero() {
				t.Fatal("Publish must stamp the time")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: TypeEventRemoved, Data: EventRemoved{EventID: 1}})
	bus.Publish(Event{Type: TypeEventRemoved, Data: EventRemoved{EventID: 2}})

	e := <-ch
	er := e.Data.(EventRemoved)
	if er.EventID != 1 {
		t.Fatalf("kept event = %d, want the first", er.EventID)
	}
	select {
	case e := <-ch:
		t.Fatalf("second event should have been dropped, got %+v", e)
	default:
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	bus := New()
	ch, unsub := bus.Subscribe(1)
	unsub()
	unsub() // idempotent
	bus.Publish(Event{Type: TypeSignupResolved, Data: SignupResolved{MemberID: 7}})
	if _, ok := <-ch; ok {
		t.Fatal("closed subscription must not receive")
	}
}
