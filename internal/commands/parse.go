package commands

import (
	"fmt"
	"strings"
	"time"
)

// tokenize splits command text into tokens while supporting quotes.
// Example: /addevent "Community Cup" 2026-03-07 20:00
func tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// dateLayout pairs a time layout with whether it carries a year. Layouts
// without one default to the current year, bumped forward when the
// result would already be in the past.
type dateLayout struct {
	layout  string
	hasYear bool
}

var dateLayouts = []dateLayout{
	{"2006-01-02 15:04", true},
	{"2006-01-02", true},
	{"Jan 2 2006 15:04", true},
	{"Jan 2 2006", true},
	{"Jan 2 15:04", false},
	{"Jan 2", false},
	{"2 Jan 15:04", false},
	{"2 Jan", false},
}

// ParseDate reads a schedule date the way people type them: the year is
// optional and omitted years mean "the next time this date occurs".
func ParseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, dl := range dateLayouts {
		t, err := time.ParseInLocation(dl.layout, s, now.Location())
		if err != nil {
			continue
		}
		if !dl.hasYear {
			t = t.AddDate(now.Year(), 0, 0)
			if t.Before(now) {
				t = t.AddDate(1, 0, 0)
			}
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q (try \"2026-03-07 20:00\" or \"Mar 7 20:00\")", s)
}
