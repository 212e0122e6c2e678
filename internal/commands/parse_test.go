package commands

import (
	"reflect"
	"testing"
	"time"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"/events", []string{"/events"}},
		{`/addevent "Community Cup" 2026-03-07`, []string{"/addevent", "Community Cup", "2026-03-07"}},
		{`/addevent 'single quoted' x`, []string{"/addevent", "single quoted", "x"}},
		{"  spaced   out  ", []string{"spaced", "out"}},
		{`esc\ aped`, []string{"esc aped"}},
	}
	for _, tc := range cases {
		if got := tokenize(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("tokenize(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestParseDateExplicitYear(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	got, err := ParseDate("2026-03-07 20:00", now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 7, 20, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestParseDateDefaultsYearForward(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	// A date later this year stays in the current year.
	got, err := ParseDate("Dec 24 20:00", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != 2026 {
		t.Fatalf("future date should keep the current year, got %v", got)
	}

	// A date already past rolls into next year.
	got, err = ParseDate("Mar 7 20:00", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Year() != 2027 {
		t.Fatalf("past date should roll forward, got %v", got)
	}
}

func TestParseDateRejectsGarbage(t *testing.T) {
	now := time.Now()
	for _, in := range []string{"", "tomorrow-ish", "99-99-99"} {
		if _, err := ParseDate(in, now); err == nil {
			t.Errorf("ParseDate(%q) should fail", in)
		}
	}
}
