package rotation

import (
	"errors"
	"testing"
	"time"

	"streambot/internal/errs"
)

var allocBase = time.Date(2026, 3, 7, 20, 0, 0, 0, time.UTC)

func openStream() (Stream, []Session) {
	st := Stream{
		ID:              1,
		EventID:         10,
		Date:            allocBase,
		SignupStartDate: allocBase.Add(-2 * time.Hour),
		SignupsStarted:  true,
	}
	sessions := []Session{
		{ID: 101, StreamID: 1, Date: allocBase},
		{ID: 102, StreamID: 1, Date: allocBase.Add(SessionSpacing)},
	}
	return st, sessions
}

func confirmedFor(sessionID int64, members ...int64) []Signup {
	out := make([]Signup, 0, len(members))
	for _, m := range members {
		out = append(out, Signup{
			StreamID:           1,
			MemberID:           m,
			PreferredSessionID: sessionID,
			AnySession:         sessionID == 0,
			Status:             StatusConfirmed,
		})
	}
	return out
}

func ids(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestAllocateRejectsBeforeSignupsOpen(t *testing.T) {
	st, sessions := openStream()
	st.SignupsStarted = false

	got := Allocate(st, sessions, nil, nil, SignupRequest{MemberID: 1, SessionIndex: 0, Now: allocBase})
	if got.Decision != DecisionRejected || !errors.Is(got.Reject, errs.ErrSignupsClosed) {
		t.Fatalf("expected signups-closed rejection, got %+v", got)
	}
}

func TestAllocateRejectsUnknownSession(t *testing.T) {
	st, sessions := openStream()
	got := Allocate(st, sessions, nil, nil, SignupRequest{MemberID: 1, SessionIndex: 5, Now: allocBase})
	if got.Decision != DecisionRejected || !errors.Is(got.Reject, errs.ErrSessionNotFound) {
		t.Fatalf("expected session-not-found rejection, got %+v", got)
	}
}

func TestAllocateNinthMemberBecomesAlternate(t *testing.T) {
	st, sessions := openStream()
	now := allocBase.Add(-90 * time.Minute) // inside the signup window

	var signups []Signup
	for _, m := range ids(1, 9) {
		got := Allocate(st, sessions, signups, nil, SignupRequest{MemberID: m, SessionIndex: 0, Now: now})
		if got.Decision != DecisionCreated {
			t.Fatalf("member %d: expected created, got %+v", m, got)
		}
		signups = append(signups, got.Signup)
	}

	confirmed, alternates := 0, 0
	for _, s := range signups {
		switch s.Status {
		case StatusConfirmed:
			confirmed++
		case StatusAlternate:
			alternates++
		}
	}
	if confirmed != SessionCapacity || alternates != 1 {
		t.Fatalf("confirmed=%d alternates=%d, want %d/1", confirmed, alternates, SessionCapacity)
	}
	if signups[8].Status != StatusAlternate {
		t.Fatalf("last member should be the alternate, got %s", signups[8].Status)
	}
}

func TestAllocateIdempotentResignal(t *testing.T) {
	st, sessions := openStream()
	existing := confirmedFor(101, 1)

	got := Allocate(st, sessions, existing, nil, SignupRequest{MemberID: 1, SessionIndex: 0, Now: allocBase})
	if got.Decision != DecisionUnchanged {
		t.Fatalf("re-signaling the same session must be a no-op, got %+v", got)
	}
}

func TestAllocateAnySessionRespectsStreamCapacity(t *testing.T) {
	st, sessions := openStream()
	full := append(confirmedFor(101, ids(1, 8)...), confirmedFor(102, ids(11, 18)...)...)

	got := Allocate(st, sessions, full, nil, SignupRequest{MemberID: 99, SessionIndex: AnySession, Now: allocBase})
	if got.Decision != DecisionCreated || got.Signup.Status != StatusAlternate {
		t.Fatalf("any-session signup into a full stream must be an alternate, got %+v", got)
	}
	if !got.Signup.AnySession || got.Signup.PreferredSessionID != 0 {
		t.Fatalf("any-session flags wrong: %+v", got.Signup)
	}
}

func TestAllocateAutoAlternateAcrossEventStreams(t *testing.T) {
	st, sessions := openStream()
	otherStream := confirmedFor(101, 1) // confirmed slot elsewhere in the event

	inWindow := allocBase.Add(-90 * time.Minute)
	got := Allocate(st, sessions, nil, otherStream, SignupRequest{MemberID: 1, SessionIndex: 0, Now: inWindow})
	if got.Decision != DecisionCreated || got.Signup.Status != StatusAlternate || !got.AutoAlternate {
		t.Fatalf("expected auto-alternate inside the window, got %+v", got)
	}

	afterCutoff := PromotionCutoff(st, sessions)
	got = Allocate(st, sessions, nil, otherStream, SignupRequest{MemberID: 1, SessionIndex: 0, Now: afterCutoff})
	if got.Decision != DecisionCreated || got.Signup.Status != StatusConfirmed || got.AutoAlternate {
		t.Fatalf("after the cutoff the slot must confirm, got %+v", got)
	}
}

func TestReassignIntoFullSessionRejected(t *testing.T) {
	st, sessions := openStream()
	signups := append(confirmedFor(102, ids(11, 18)...), confirmedFor(101, 1)...)

	got := Allocate(st, sessions, signups, nil, SignupRequest{MemberID: 1, SessionIndex: 1, Now: allocBase})
	if got.Decision != DecisionRejected || !errors.Is(got.Reject, errs.ErrSessionFull) {
		t.Fatalf("moving into a full session must reject, got %+v", got)
	}
}

func TestAlternateLateralMoveStaysAlternate(t *testing.T) {
	st, sessions := openStream()
	full := append(confirmedFor(101, ids(1, 8)...), confirmedFor(102, ids(11, 18)...)...)
	alt := Signup{StreamID: 1, MemberID: 99, PreferredSessionID: 101, Status: StatusAlternate}
	signups := append(full, alt)

	got := Allocate(st, sessions, signups, nil, SignupRequest{MemberID: 99, SessionIndex: AnySession, Now: allocBase})
	if got.Decision != DecisionUpdated {
		t.Fatalf("expected an update, got %+v", got)
	}
	if got.Signup.Status != StatusAlternate || !got.Signup.AnySession {
		t.Fatalf("lateral move in a full stream must stay alternate, got %+v", got.Signup)
	}
}

func TestPromotionCutoffTakesEarlierBound(t *testing.T) {
	st, sessions := openStream()

	// Grace bound: signups opened well before the first session.
	st.SignupStartDate = allocBase.Add(-6 * time.Hour)
	if got, want := PromotionCutoff(st, sessions), st.SignupStartDate.Add(PromotionGrace); !got.Equal(want) {
		t.Fatalf("grace bound: got %v want %v", got, want)
	}

	// Lockout bound: signups opened close to the first session.
	st.SignupStartDate = allocBase.Add(-30 * time.Minute)
	if got, want := PromotionCutoff(st, sessions), sessions[0].Date.Add(-PromotionLockout); !got.Equal(want) {
		t.Fatalf("lockout bound: got %v want %v", got, want)
	}
}
