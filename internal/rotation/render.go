package rotation

import (
	"fmt"
	"strings"
	"time"

	"streambot/internal/platform"
)

// openSlot marks an unfilled confirmed slot in a roster.
const openSlot = "<open>"

const (
	dateFormat     = "Mon, Jan 2"
	dateTimeFormat = "Mon, Jan 2 15:04 MST"
	timeFormat     = "15:04 MST"
)

// FormatDate renders a day-granularity date for listings.
func FormatDate(t time.Time) string { return t.Format(dateFormat) }

// FormatDateTime renders a full timestamp for listings.
func FormatDateTime(t time.Time) string { return t.Format(dateTimeFormat) }

// MemberNames maps member IDs to display names. Unresolvable members fall
// back to a numeric handle so rosters never go blank.
type MemberNames map[int64]string

func (m MemberNames) name(id int64) string {
	if n, ok := m[id]; ok && n != "" {
		return n
	}
	return fmt.Sprintf("member %d", id)
}

// ScheduleItems builds the rotation-schedule listing: one item per event
// with its streams in date order underneath.
func ScheduleItems(events []Event, streamsByEvent map[int64][]Stream, names MemberNames) []platform.ListItem {
	items := make([]platform.ListItem, 0, len(events))
	for _, ev := range events {
		var b strings.Builder
		streams := streamsByEvent[ev.ID]
		if len(streams) == 0 {
			b.WriteString("no streams scheduled yet")
		}
		for i, st := range streams {
			if i > 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "%s hosted by %s", FormatDateTime(st.Date), names.name(st.HostID))
			if st.SignupsStarted {
				b.WriteString(" (signups open)")
			}
		}
		items = append(items, platform.ListItem{
			Name:  fmt.Sprintf("%s (%s to %s)", ev.Title, FormatDate(ev.StartDate), FormatDate(ev.EndDate)),
			Value: b.String(),
		})
	}
	if len(items) == 0 {
		items = append(items, platform.ListItem{Name: "Schedule", Value: "nothing scheduled"})
	}
	return items
}

// StatusItems builds the pinned status post for a stream: one roster per
// session padded to capacity with open slots, an any-session roster, and
// the alternate queue.
func StatusItems(sessions []Session, signups []Signup, names MemberNames) []platform.ListItem {
	items := make([]platform.ListItem, 0, len(sessions)+2)

	for i, sess := range sessions {
		var lines []string
		for _, s := range signups {
			if s.Status == StatusConfirmed && s.PreferredSessionID == sess.ID {
				lines = append(lines, names.name(s.MemberID))
			}
		}
		for len(lines) < SessionCapacity {
			lines = append(lines, openSlot)
		}
		items = append(items, platform.ListItem{
			Name:   fmt.Sprintf("Session %d (%s)", i+1, sess.Date.Format(timeFormat)),
			Value:  strings.Join(lines, "\n"),
			Inline: true,
		})
	}

	var anyLines []string
	for _, s := range signups {
		if s.Status == StatusConfirmed && s.AnySession {
			anyLines = append(anyLines, names.name(s.MemberID))
		}
	}
	if len(anyLines) > 0 {
		items = append(items, platform.ListItem{
			Name:  "Any session",
			Value: strings.Join(anyLines, "\n"),
		})
	}

	var altLines []string
	for _, s := range signups {
		if s.Status != StatusAlternate {
			continue
		}
		line := names.name(s.MemberID)
		if s.AnySession {
			line += " (any session)"
		} else if idx := sessionIndex(sessions, s.PreferredSessionID); idx >= 0 {
			line += fmt.Sprintf(" (session %d)", idx+1)
		}
		altLines = append(altLines, line)
	}
	if len(altLines) > 0 {
		items = append(items, platform.ListItem{
			Name:  "Alternates",
			Value: strings.Join(altLines, "\n"),
		})
	}

	return items
}

// SignupItems builds the signup announcement posted when signups open:
// the session times members react to, numbered for the signup command.
func SignupItems(stream Stream, sessions []Session) []platform.ListItem {
	items := make([]platform.ListItem, 0, len(sessions)+1)
	items = append(items, platform.ListItem{
		Name:  "Stream",
		Value: FormatDateTime(stream.Date),
	})
	for i, sess := range sessions {
		items = append(items, platform.ListItem{
			Name:   fmt.Sprintf("Session %d", i+1),
			Value:  sess.Date.Format(timeFormat),
			Inline: true,
		})
	}
	return items
}

// CalendarEntryFor describes the stream to the platform calendar.
func CalendarEntryFor(ev Event, stream Stream, sessions []Session) platform.CalendarEntry {
	end := stream.Date.Add(SessionSpacing)
	if len(sessions) > 0 {
		end = sessions[len(sessions)-1].Date.Add(SessionSpacing)
	}
	return platform.CalendarEntry{
		Title: ev.Title,
		Start: stream.Date,
		End:   end,
	}
}

func sessionIndex(sessions []Session, id int64) int {
	for i, s := range sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}
