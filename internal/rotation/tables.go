package rotation

import (
	"sort"

	"streambot/internal/eventbus"
	"streambot/internal/platform"
	"streambot/internal/store"
	"streambot/pkg/logx"
)

// Tables bundles the four persisted collections. Child rows are reached
// through explicit queries, never hydrated implicitly at construction.
type Tables struct {
	Events   *store.Table[Event, *Event]
	Streams  *store.Table[Stream, *Stream]
	Sessions *store.Table[Session, *Session]
	Signups  *store.Table[Signup, *Signup]
}

// OpenTables loads all collections from dir.
func OpenTables(dir string, log logx.Logger, bus eventbus.Bus) (*Tables, error) {
	events, err := store.Open[Event, *Event](dir, log, bus)
	if err != nil {
		return nil, err
	}
	streams, err := store.Open[Stream, *Stream](dir, log, bus)
	if err != nil {
		events.Close()
		return nil, err
	}
	sessions, err := store.Open[Session, *Session](dir, log, bus)
	if err != nil {
		events.Close()
		streams.Close()
		return nil, err
	}
	signups, err := store.Open[Signup, *Signup](dir, log, bus)
	if err != nil {
		events.Close()
		streams.Close()
		sessions.Close()
		return nil, err
	}
	return &Tables{Events: events, Streams: streams, Sessions: sessions, Signups: signups}, nil
}

func (t *Tables) Close() {
	t.Signups.Close()
	t.Sessions.Close()
	t.Streams.Close()
	t.Events.Close()
}

func (t *Tables) Stats() []store.Stats {
	return []store.Stats{
		t.Events.Stats(),
		t.Streams.Stats(),
		t.Sessions.Stats(),
		t.Signups.Stats(),
	}
}

// StreamsByEvent returns all streams owned by the event.
func (t *Tables) StreamsByEvent(eventID int64) []Stream {
	return t.Streams.Select(func(s *Stream) bool { return s.EventID == eventID })
}

// SessionsByStream returns the stream's sessions in date order.
func (t *Tables) SessionsByStream(streamID int64) []Session {
	out := t.Sessions.Select(func(s *Session) bool { return s.StreamID == streamID })
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// SignupsByStream returns all signups for the stream.
func (t *Tables) SignupsByStream(streamID int64) []Signup {
	return t.Signups.Select(func(s *Signup) bool { return s.StreamID == streamID })
}

// SignupsByEventExcept returns signups of the event's other streams,
// used for the one-confirmed-slot-per-event rule.
func (t *Tables) SignupsByEventExcept(eventID, exceptStreamID int64) []Signup {
	var out []Signup
	for _, st := range t.StreamsByEvent(eventID) {
		if st.ID == exceptStreamID {
			continue
		}
		out = append(out, t.SignupsByStream(st.ID)...)
	}
	return out
}

// StreamBySignupMessage resolves the stream a signup reaction refers to.
func (t *Tables) StreamBySignupMessage(ref platform.MessageRef) (Stream, bool) {
	return t.Streams.Find(func(s *Stream) bool {
		return !s.SignupMessage.IsZero() && s.SignupMessage == ref
	})
}

// StreamByChannel resolves a stream from its assigned platform channel.
func (t *Tables) StreamByChannel(ch platform.ChannelRef) (Stream, bool) {
	return t.Streams.Find(func(s *Stream) bool {
		return !s.Channel.IsZero() && s.Channel == ch
	})
}

// UpcomingStreamByHost finds the host's stream that has (started=true) or
// has not (started=false) been opened for signups. At most one of each
// exists per host; the orchestrator enforces that before creation.
func (t *Tables) UpcomingStreamByHost(hostID int64, started bool) (Stream, bool) {
	return t.Streams.Find(func(s *Stream) bool {
		return s.HostID == hostID && s.Started() == started
	})
}
