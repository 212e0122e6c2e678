package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streambot/internal/errs"
	"streambot/internal/platform"
	"streambot/internal/rotation"
)

func (r *Router) registerAll() {
	r.register(Command{
		Name:        "help",
		Description: "show this help",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, r.helpText())
			return nil
		},
	})
	r.register(Command{
		Name:        "addevent",
		Description: "create an event",
		Usage:       "/addevent \"Title\" <start> [end]",
		HostOnly:    true,
		Handle:      r.handleAddEvent,
	})
	r.register(Command{
		Name:        "editevent",
		Description: "rename an event or move its dates",
		Usage:       "/editevent <id> title \"New Title\" | dates <start> [end]",
		HostOnly:    true,
		Handle:      r.handleEditEvent,
	})
	r.register(Command{
		Name:        "removeevent",
		Description: "remove an event and all of its streams",
		Usage:       "/removeevent <id>",
		HostOnly:    true,
		Handle:      r.handleRemoveEvent,
	})
	r.register(Command{
		Name:        "events",
		Description: "list events",
		Usage:       "/events",
		Handle:      r.handleEvents,
	})
	r.register(Command{
		Name:        "addstream",
		Description: "schedule a stream you will host",
		Usage:       "/addstream <eventID> <date>",
		HostOnly:    true,
		Handle:      r.handleAddStream,
	})
	r.register(Command{
		Name:        "editstream",
		Description: "move a stream to a new date",
		Usage:       "/editstream <streamID> <date>",
		HostOnly:    true,
		Handle:      r.handleEditStream,
	})
	r.register(Command{
		Name:        "removestream",
		Description: "remove a stream",
		Usage:       "/removestream <streamID>",
		HostOnly:    true,
		Handle:      r.handleRemoveStream,
	})
	r.register(Command{
		Name:        "streams",
		Description: "list an event's streams",
		Usage:       "/streams <eventID>",
		Handle:      r.handleStreams,
	})
	r.register(Command{
		Name:        "startsignups",
		Description: "open your upcoming stream for signups",
		Usage:       "/startsignups",
		HostOnly:    true,
		Handle:      r.handleStartSignups,
	})
	r.register(Command{
		Name:        "signup",
		Description: "sign up for a stream session",
		Usage:       "/signup [session|any]",
		Handle:      r.handleSignup,
	})
	r.register(Command{
		Name:        "withdraw",
		Description: "withdraw your signup",
		Usage:       "/withdraw",
		Handle:      r.handleWithdraw,
	})
}

func (r *Router) handleAddEvent(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Fail(ctx, "Usage: /addevent \"Title\" <start> [end]")
	}
	title := req.Args[0]
	start, err := ParseDate(req.Args[1], time.Now())
	if err != nil {
		return req.Fail(ctx, err.Error())
	}
	var end time.Time
	if len(req.Args) > 2 {
		end, err = ParseDate(req.Args[2], time.Now())
		if err != nil {
			return req.Fail(ctx, err.Error())
		}
		if !end.After(start) {
			return req.Fail(ctx, "The end date must be after the start date.")
		}
	}

	ev, err := r.svc.CreateEvent(ctx, title, start, end)
	if err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Event %d %q created, running %s to %s.",
		ev.ID, ev.Title, rotation.FormatDate(ev.StartDate), rotation.FormatDate(ev.EndDate)))
	return nil
}

func (r *Router) handleEditEvent(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return req.Fail(ctx, "Usage: /editevent <id> title \"New Title\" | dates <start> [end]")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The event ID must be a number.")
	}

	var title string
	var start, end time.Time
	switch strings.ToLower(req.Args[1]) {
	case "title":
		title = req.Args[2]
	case "dates":
		start, err = ParseDate(req.Args[2], time.Now())
		if err != nil {
			return req.Fail(ctx, err.Error())
		}
		if len(req.Args) > 3 {
			end, err = ParseDate(req.Args[3], time.Now())
			if err != nil {
				return req.Fail(ctx, err.Error())
			}
		}
	default:
		return req.Fail(ctx, "Expected \"title\" or \"dates\".")
	}

	ev, err := r.svc.EditEvent(ctx, id, title, start, end)
	if errors.Is(err, errs.ErrEventNotFound) {
		return req.Fail(ctx, "No event with that ID.")
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Event %d updated: %q, %s to %s.",
		ev.ID, ev.Title, rotation.FormatDate(ev.StartDate), rotation.FormatDate(ev.EndDate)))
	return nil
}

func (r *Router) handleRemoveEvent(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return req.Fail(ctx, "Usage: /removeevent <id>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The event ID must be a number.")
	}
	err = r.svc.RemoveEvent(ctx, id)
	if errors.Is(err, errs.ErrEventNotFound) {
		return req.Fail(ctx, "No event with that ID.")
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Event %d and its streams removed.", id))
	return nil
}

func (r *Router) handleEvents(ctx context.Context, req *Request) error {
	events := r.svc.Events()
	if len(events) == 0 {
		req.Reply(ctx, "No events scheduled.")
		return nil
	}
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "%d: %s (%s to %s)\n",
			ev.ID, ev.Title, rotation.FormatDate(ev.StartDate), rotation.FormatDate(ev.EndDate))
	}
	req.Reply(ctx, b.String())
	return nil
}

func (r *Router) handleAddStream(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Fail(ctx, "Usage: /addstream <eventID> <date>")
	}
	eventID, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The event ID must be a number.")
	}
	date, err := ParseDate(strings.Join(req.Args[1:], " "), time.Now())
	if err != nil {
		return req.Fail(ctx, err.Error())
	}

	st, err := r.svc.CreateStream(ctx, eventID, req.Msg.FromID, date)
	switch {
	case errors.Is(err, errs.ErrEventNotFound):
		return req.Fail(ctx, "No event with that ID.")
	case errors.Is(err, errs.ErrHostBusy):
		return req.Fail(ctx, "You already have an upcoming stream. Remove it first or wait until it runs.")
	case err != nil:
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Stream %d scheduled for %s. Use /startsignups when you are ready.",
		st.ID, rotation.FormatDateTime(st.Date)))
	return nil
}

func (r *Router) handleEditStream(ctx context.Context, req *Request) error {
	if len(req.Args) < 2 {
		return req.Fail(ctx, "Usage: /editstream <streamID> <date>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The stream ID must be a number.")
	}
	date, err := ParseDate(strings.Join(req.Args[1:], " "), time.Now())
	if err != nil {
		return req.Fail(ctx, err.Error())
	}

	st, err := r.svc.EditStreamDate(ctx, id, date)
	if errors.Is(err, errs.ErrStreamNotFound) {
		return req.Fail(ctx, "No stream with that ID.")
	}
	if err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Stream %d moved to %s.", st.ID, rotation.FormatDateTime(st.Date)))
	return nil
}

func (r *Router) handleRemoveStream(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return req.Fail(ctx, "Usage: /removestream <streamID>")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The stream ID must be a number.")
	}
	if err := r.svc.RemoveStream(ctx, id); err != nil {
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Stream %d removed.", id))
	return nil
}

func (r *Router) handleStreams(ctx context.Context, req *Request) error {
	if len(req.Args) < 1 {
		return req.Fail(ctx, "Usage: /streams <eventID>")
	}
	eventID, err := parseID(req.Args[0])
	if err != nil {
		return req.Fail(ctx, "The event ID must be a number.")
	}
	if _, ok := r.svc.Event(eventID); !ok {
		return req.Fail(ctx, "No event with that ID.")
	}
	streams := r.svc.Streams(eventID)
	if len(streams) == 0 {
		req.Reply(ctx, "No streams scheduled for this event yet.")
		return nil
	}
	var b strings.Builder
	for _, st := range streams {
		fmt.Fprintf(&b, "%d: %s", st.ID, rotation.FormatDateTime(st.Date))
		if st.SignupsStarted {
			b.WriteString(" (signups open)")
		}
		b.WriteByte('\n')
	}
	req.Reply(ctx, b.String())
	return nil
}

func (r *Router) handleStartSignups(ctx context.Context, req *Request) error {
	st, err := r.svc.StartSignups(ctx, req.Msg.FromID)
	switch {
	case errors.Is(err, errs.ErrStreamNotFound):
		return req.Fail(ctx, "You have no upcoming stream to open. Schedule one with /addstream first.")
	case err != nil:
		return err
	}
	req.Reply(ctx, fmt.Sprintf("Signups open at %s.", st.SignupStartDate.Format("15:04 MST")))
	return nil
}

func (r *Router) handleSignup(ctx context.Context, req *Request) error {
	idx := rotation.AnySession
	if len(req.Args) > 0 && !strings.EqualFold(req.Args[0], "any") {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return req.Fail(ctx, "Pick a session number (1, 2, ...) or \"any\".")
		}
		idx = n - 1
	}

	st, ok := r.resolveStream(req.Msg)
	if !ok {
		return req.Fail(ctx, "Use /signup inside a stream's channel or as a reply to its signup message.")
	}

	alloc, err := r.svc.RequestSignup(ctx, st.ID, rotation.SignupRequest{MemberID: req.Msg.FromID, SessionIndex: idx})
	if err != nil {
		return err
	}
	switch alloc.Decision {
	case rotation.DecisionRejected:
		// The member was already told why; record the reason.
		return errs.Warn(alloc.Reject.Error())
	case rotation.DecisionUnchanged:
		req.Reply(ctx, "You are already signed up for that session.")
	default:
		if alloc.Signup.Status == rotation.StatusAlternate {
			req.Reply(ctx, "You are on the alternate list.")
		} else {
			req.Reply(ctx, "You are confirmed. See the pinned post for the roster.")
		}
	}
	return nil
}

func (r *Router) handleWithdraw(ctx context.Context, req *Request) error {
	st, ok := r.resolveStream(req.Msg)
	if !ok {
		return req.Fail(ctx, "Use /withdraw inside a stream's channel or as a reply to its signup message.")
	}
	if err := r.svc.Withdraw(ctx, st.ID, req.Msg.FromID); err != nil {
		return err
	}
	req.Reply(ctx, "Your signup was withdrawn.")
	return nil
}

// resolveStream finds the stream a signup command refers to: a reply to
// the signup message wins, otherwise the channel the command was typed
// in must be a stream's channel.
func (r *Router) resolveStream(msg platform.IncomingMessage) (rotation.Stream, bool) {
	if !msg.ReplyTo.IsZero() {
		if st, ok := r.svc.StreamBySignupMessage(msg.ReplyTo); ok {
			return st, true
		}
	}
	return r.svc.StreamByChannel(msg.Channel)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}
