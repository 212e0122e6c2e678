// Package platform defines the chat-platform collaborator interface the
// scheduling core depends on. The core never talks to a concrete chat API;
// it renders notices and lists through these interfaces and treats every
// call as best-effort unless documented otherwise.
package platform

import (
	"context"
	"time"
)

// ChannelRef identifies a platform channel (or topic) the core can post to.
// Zero value means "no channel assigned yet".
type ChannelRef struct {
	ChatID   int64
	ThreadID int64
}

func (c ChannelRef) IsZero() bool { return c.ChatID == 0 && c.ThreadID == 0 }

// MessageRef identifies a message the core may later edit, pin or delete.
type MessageRef struct {
	Channel   ChannelRef
	MessageID int64
}

func (m MessageRef) IsZero() bool { return m.MessageID == 0 }

// EventRef identifies an externally managed calendar entry.
type EventRef struct {
	ID int64
}

func (e EventRef) IsZero() bool { return e.ID == 0 }

// Member is a resolved platform user.
type Member struct {
	ID       int64
	Username string
}

// Notice is a rendered user-facing message. Severity drives the visual
// treatment (the original used embed colors; text transports use prefixes).
type Notice struct {
	Title    string
	Body     string
	Severity Severity
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityError
)

// ListItem is one entry of a rendered listing (schedule posts, rosters).
type ListItem struct {
	Name   string
	Value  string
	Inline bool
}

// CalendarEntry describes a scheduled broadcast for the platform calendar.
type CalendarEntry struct {
	Title    string
	Start    time.Time
	End      time.Time
	Location string
}

// Client is the full collaborator surface. Implementations live in
// internal/transport; tests use a fake.
type Client interface {
	// Notify delivers a notice to a channel. Failures are best-effort:
	// implementations log and return the error, callers may ignore it.
	Notify(ctx context.Context, ch ChannelRef, n Notice) error

	// NotifyMember delivers a notice to a user directly, if resolvable.
	NotifyMember(ctx context.Context, memberID int64, n Notice) error

	CreateChannel(ctx context.Context, name string) (ChannelRef, error)
	DeleteChannel(ctx context.Context, ch ChannelRef) error

	CreateCalendarEvent(ctx context.Context, e CalendarEntry) (EventRef, error)
	UpdateCalendarEvent(ctx context.Context, ref EventRef, e CalendarEntry) error
	DeleteCalendarEvent(ctx context.Context, ref EventRef) error

	ResolveMember(ctx context.Context, memberID int64) (Member, bool, error)

	// RenderList posts (or replaces) a titled listing in a channel and
	// returns the resulting message. Used for the rotation schedule and
	// the pinned status post.
	RenderList(ctx context.Context, ch ChannelRef, title string, items []ListItem, opt RenderOptions) (MessageRef, error)
}

// RenderOptions controls how RenderList places the message.
type RenderOptions struct {
	// Pin pins the rendered message after posting.
	Pin bool
	// Replace edits this message in place instead of posting a new one.
	Replace MessageRef
	// Mention is prepended verbatim (role/user mention syntax is
	// transport-specific; the core treats it as opaque).
	Mention string
}
