package rotation

import (
	"time"

	"streambot/internal/errs"
)

// AnySession is the session index meaning "no preference".
const AnySession = -1

// SignupRequest is one member's attempt to (re)sign up for a stream.
type SignupRequest struct {
	MemberID     int64
	SessionIndex int // 0-based session index, or AnySession
	Now          time.Time
}

// Decision classifies an allocation outcome.
type Decision int

const (
	// DecisionUnchanged: the member already holds exactly this signup.
	DecisionUnchanged Decision = iota
	// DecisionCreated: a new signup record must be added.
	DecisionCreated
	// DecisionUpdated: the existing signup record must be updated.
	DecisionUpdated
	// DecisionRejected: nothing changes; Reject names the reason.
	DecisionRejected
)

// Allocation is the result of resolving a signup request against the
// stream's current state.
type Allocation struct {
	Decision Decision
	Reject   error // errs sentinel when Decision == DecisionRejected
	Signup   Signup
	// AutoAlternate records whether the one-confirmed-slot-per-event
	// rule applied at decision time.
	AutoAlternate bool
}

// Allocate resolves a signup request. It is pure: callers pass the
// stream's sessions (date order), its current signups and the signups of
// the event's other streams, and persist the returned record themselves.
// Capacity counts confirmed signups only; alternates never occupy a slot.
func Allocate(stream Stream, sessions []Session, signups []Signup, sameEventOthers []Signup, req SignupRequest) Allocation {
	if !stream.SignupsStarted || len(sessions) == 0 {
		return rejected(errs.ErrSignupsClosed)
	}
	if req.SessionIndex != AnySession && (req.SessionIndex < 0 || req.SessionIndex >= len(sessions)) {
		return rejected(errs.ErrSessionNotFound)
	}

	var sessionID int64
	if req.SessionIndex != AnySession {
		sessionID = sessions[req.SessionIndex].ID
	}

	existing, hasExisting := findByMember(signups, req.MemberID)

	// Re-signaling the same target is a no-op; rapid react/un-react must
	// not thrash the record.
	if hasExisting && existing.PreferredSessionID == sessionID {
		return Allocation{Decision: DecisionUnchanged, Signup: existing}
	}

	// A confirmed slot in another stream of the same event demotes this
	// request to alternate, until the promotion window closes.
	autoAlternate := holdsConfirmed(sameEventOthers, req.MemberID)
	if !req.Now.Before(PromotionCutoff(stream, sessions)) {
		autoAlternate = false
	}

	if hasExisting {
		return reassign(existing, sessions, signups, sessionID, autoAlternate)
	}

	status := StatusConfirmed
	if sessionID != 0 {
		if autoAlternate || confirmedInSession(signups, sessionID) >= SessionCapacity {
			status = StatusAlternate
		}
	} else {
		if autoAlternate || confirmedTotal(signups) >= SessionCapacity*len(sessions) {
			status = StatusAlternate
		}
	}

	return Allocation{
		Decision:      DecisionCreated,
		AutoAlternate: autoAlternate,
		Signup: Signup{
			StreamID:           stream.ID,
			MemberID:           req.MemberID,
			Date:               req.Now,
			PreferredSessionID: sessionID,
			AnySession:         sessionID == 0,
			Status:             status,
		},
	}
}

// reassign handles a member who already holds a signup for this stream.
func reassign(existing Signup, sessions []Session, signups []Signup, sessionID int64, autoAlternate bool) Allocation {
	next := existing

	switch {
	case autoAlternate && existing.Status == StatusAlternate:
		// Still inside the promotion window: session changes are allowed
		// but the signup stays an alternate.
		next.PreferredSessionID = sessionID
		next.AnySession = sessionID == 0
		return Allocation{Decision: DecisionUpdated, AutoAlternate: true, Signup: next}

	case sessionID != 0:
		if confirmedInSession(signups, sessionID) >= SessionCapacity {
			// The member must withdraw and re-sign to queue as an
			// alternate for a full session.
			return rejected(errs.ErrSessionFull)
		}
		next.PreferredSessionID = sessionID
		next.AnySession = false
		next.Status = StatusConfirmed
		return Allocation{Decision: DecisionUpdated, Signup: next}

	default: // moving to "any session"
		hasRoom := confirmedTotal(signups) < SessionCapacity*len(sessions)
		if !hasRoom && existing.Status != StatusAlternate {
			return rejected(errs.ErrStreamFull)
		}
		next.PreferredSessionID = 0
		next.AnySession = true
		if hasRoom {
			next.Status = StatusConfirmed
		}
		// A lateral move by an alternate into a full stream stays
		// alternate.
		return Allocation{Decision: DecisionUpdated, Signup: next}
	}
}

func rejected(err error) Allocation {
	return Allocation{Decision: DecisionRejected, Reject: err}
}

func findByMember(signups []Signup, memberID int64) (Signup, bool) {
	for _, s := range signups {
		if s.MemberID == memberID {
			return s, true
		}
	}
	return Signup{}, false
}

func holdsConfirmed(signups []Signup, memberID int64) bool {
	for _, s := range signups {
		if s.MemberID == memberID && s.Status == StatusConfirmed {
			return true
		}
	}
	return false
}

func confirmedInSession(signups []Signup, sessionID int64) int {
	n := 0
	for _, s := range signups {
		if s.Status == StatusConfirmed && s.PreferredSessionID == sessionID {
			n++
		}
	}
	return n
}

func confirmedTotal(signups []Signup) int {
	n := 0
	for _, s := range signups {
		if s.Status == StatusConfirmed {
			n++
		}
	}
	return n
}
