// Package rotation implements the scheduling domain: recurring events,
// their streams, fixed-capacity sessions and the signup allocation rules.
package rotation

import (
	"time"

	"streambot/internal/platform"
)

const (
	// SessionCapacity is the number of confirmed signups a session holds.
	SessionCapacity = 8

	// SessionSpacing separates consecutive sessions of one stream.
	SessionSpacing = 2 * time.Hour

	// DefaultEventSpan is applied when an event has no explicit end date.
	DefaultEventSpan = 7 * 24 * time.Hour

	// StreamRetention keeps a stream around after its start before the
	// removal timer fires.
	StreamRetention = 24 * time.Hour

	// SignupLeadTime is how far ahead of "now" signups open when a host
	// starts them.
	SignupLeadTime = 15 * time.Minute

	// PromotionGrace and PromotionLockout bound the automatic-alternate
	// window: it closes at min(signup start + grace, first session -
	// lockout).
	PromotionGrace   = time.Hour
	PromotionLockout = 15 * time.Minute
)

// Status is a signup's standing against capacity.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusAlternate Status = "alternate"
)

// Event is a recurring theme spanning a date range, owning streams.
type Event struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

func (*Event) TableKey() string       { return "events" }
func (e *Event) RecordID() int64      { return e.ID }
func (e *Event) SetRecordID(id int64) { e.ID = id }

// Stream is a single scheduled broadcast under an event.
//
// Channel, CalendarEvent and SignupMessage are externally assigned and
// stay zero until the corresponding platform resource exists.
type Stream struct {
	ID              int64               `json:"id"`
	EventID         int64               `json:"eventId"`
	HostID          int64               `json:"hostId"`
	Date            time.Time           `json:"date"`
	Channel         platform.ChannelRef `json:"channel,omitzero"`
	CalendarEvent   platform.EventRef   `json:"calendarEvent,omitzero"`
	SignupMessage   platform.MessageRef `json:"signupMessage,omitzero"`
	SignupStartDate time.Time           `json:"signupStartDate,omitzero"`
	SignupsStarted  bool                `json:"signupsStarted"`
}

func (*Stream) TableKey() string       { return "streams" }
func (s *Stream) RecordID() int64      { return s.ID }
func (s *Stream) SetRecordID(id int64) { s.ID = id }

// Started reports whether the host has opened this stream (platform
// channel assigned).
func (s *Stream) Started() bool { return !s.Channel.IsZero() }

// RemovalDue is when the stream's removal timer fires.
func (s *Stream) RemovalDue() time.Time { return s.Date.Add(StreamRetention) }

// Session is a fixed-capacity time slot within a stream. Immutable once
// created except for date cascades when the stream moves.
type Session struct {
	ID       int64     `json:"id"`
	StreamID int64     `json:"streamId"`
	Date     time.Time `json:"date"`
	Players  []int64   `json:"players,omitempty"` // placeholder, unused
}

func (*Session) TableKey() string       { return "sessions" }
func (s *Session) RecordID() int64      { return s.ID }
func (s *Session) SetRecordID(id int64) { s.ID = id }

// Signup is one member's request to participate in a stream.
// PreferredSessionID zero means "any session"; AnySession keeps that as
// an explicit flag for the on-disk record.
type Signup struct {
	ID                 int64     `json:"id"`
	StreamID           int64     `json:"streamId"`
	MemberID           int64     `json:"memberId"`
	Date               time.Time `json:"date"`
	PreferredSessionID int64     `json:"preferredSessionId,omitempty"`
	AnySession         bool      `json:"anySession"`
	Status             Status    `json:"status"`
}

func (*Signup) TableKey() string       { return "signups" }
func (s *Signup) RecordID() int64      { return s.ID }
func (s *Signup) SetRecordID(id int64) { s.ID = id }

// PromotionCutoff is the deadline after which automatic-alternate status
// no longer applies to new signups for the stream. Sessions must be the
// stream's sessions in date order.
func PromotionCutoff(stream Stream, sessions []Session) time.Time {
	byStart := stream.SignupStartDate.Add(PromotionGrace)
	if len(sessions) == 0 {
		return byStart
	}
	bySession := sessions[0].Date.Add(-PromotionLockout)
	if bySession.Before(byStart) {
		return bySession
	}
	return byStart
}
