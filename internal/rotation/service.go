package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"streambot/internal/errs"
	"streambot/internal/eventbus"
	"streambot/internal/notify"
	"streambot/internal/platform"
	"streambot/internal/timers"
	"streambot/pkg/logx"
)

// Config carries the orchestrator's channel wiring and policy knobs.
type Config struct {
	// Schedule is the channel holding the rotation schedule post and
	// signup-opening announcements.
	Schedule platform.ChannelRef
	// Hosts lists members allowed to own streams.
	Hosts []int64
	// Mention is prepended to the signup announcement (opaque to the core).
	Mention string
	// SessionsPerStream is how many sessions each new stream gets.
	SessionsPerStream int
}

// Service is the orchestrator. One mutex serializes every domain
// mutation, whether it arrives from a command, a timer or a sweep, so
// allocation decisions always see a settled view of the tables.
//
// Lock order is s.mu before any registry call; timer callbacks run on
// the registry worker and re-enter through the public methods.
type Service struct {
	log    logx.Logger
	cfg    Config
	tables *Tables
	reg    *timers.Registry
	client platform.Client
	notes  *notify.Service
	bus    eventbus.Bus

	// now is swappable in tests.
	now func() time.Time

	mu          sync.Mutex
	scheduleMsg platform.MessageRef
	statusMsgs  map[int64]platform.MessageRef

	// OnSignupRemoved runs after a withdrawal is persisted, while the
	// service lock is still held. Reserved for alternate promotion.
	OnSignupRemoved func(ctx context.Context, stream Stream, removed Signup)
}

func NewService(cfg Config, tables *Tables, reg *timers.Registry, client platform.Client, notes *notify.Service, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.SessionsPerStream <= 0 {
		cfg.SessionsPerStream = 2
	}
	return &Service{
		log:        log,
		cfg:        cfg,
		tables:     tables,
		reg:        reg,
		client:     client,
		notes:      notes,
		bus:        bus,
		now:        time.Now,
		statusMsgs: map[int64]platform.MessageRef{},
	}
}

// IsHost reports whether the member may own streams.
func (s *Service) IsHost(memberID int64) bool {
	for _, id := range s.cfg.Hosts {
		if id == memberID {
			return true
		}
	}
	return false
}

// ---- events ----

func (s *Service) CreateEvent(ctx context.Context, title string, start, end time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end.IsZero() {
		end = start.Add(DefaultEventSpan)
	}
	ev := Event{Title: title, StartDate: start, EndDate: end}
	s.tables.Events.Add(&ev)
	if err := s.tables.Events.Save(ctx); err != nil {
		return Event{}, err
	}
	s.armEventTimer(ev)
	s.renderSchedule(ctx)
	s.log.Info("event created", logx.Int64("event", ev.ID), logx.String("title", title))
	return ev, nil
}

func (s *Service) EditEvent(ctx context.Context, id int64, title string, start, end time.Time) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.tables.Events.Get(id)
	if !ok {
		return Event{}, errs.ErrEventNotFound
	}
	if title != "" {
		ev.Title = title
	}
	if !start.IsZero() {
		ev.StartDate = start
	}
	if !end.IsZero() {
		ev.EndDate = end
	}
	s.tables.Events.Update(&ev)
	if err := s.tables.Events.Save(ctx); err != nil {
		return Event{}, err
	}
	// Expiry follows the (possibly new) end date.
	s.armEventTimer(ev)
	s.renderSchedule(ctx)
	return ev, nil
}

// RemoveEvent tears down the event and everything under it: every
// stream's timers, platform resources and signups, then the rows in
// child-first order so a crash can only strand children, never orphan a
// parent reference.
func (s *Service) RemoveEvent(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.tables.Events.Get(id)
	if !ok {
		return errs.ErrEventNotFound
	}

	for _, st := range s.tables.StreamsByEvent(id) {
		s.teardownStream(ctx, st)
	}
	s.reg.Cancel(timers.ScopeEvent, id)
	s.tables.Events.Remove(id)

	err := s.saveAll(ctx)
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeEventRemoved,
		Data: eventbus.EventRemoved{EventID: ev.ID, Title: ev.Title},
	})
	s.renderSchedule(ctx)
	s.log.Info("event removed", logx.Int64("event", id), logx.String("title", ev.Title))
	return err
}

// Events returns all events in creation order.
func (s *Service) Events() []Event { return s.tables.Events.All() }

// Event looks up a single event.
func (s *Service) Event(id int64) (Event, bool) { return s.tables.Events.Get(id) }

// StreamByChannel resolves the stream a channel belongs to, used to
// target signup commands typed inside a stream's topic.
func (s *Service) StreamByChannel(ch platform.ChannelRef) (Stream, bool) {
	return s.tables.StreamByChannel(ch)
}

// StreamBySignupMessage resolves the stream a signup message belongs to.
func (s *Service) StreamBySignupMessage(ref platform.MessageRef) (Stream, bool) {
	return s.tables.StreamBySignupMessage(ref)
}

// ---- streams ----

func (s *Service) CreateStream(ctx context.Context, eventID, hostID int64, date time.Time) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.tables.Events.Get(eventID)
	if !ok {
		return Stream{}, errs.ErrEventNotFound
	}
	if !s.IsHost(hostID) {
		return Stream{}, errs.ErrNotHost
	}
	// One not-yet-started upcoming stream per host. A stream whose signup
	// channel already exists counts as started, so a host running this
	// week's stream can still schedule the next one. Finished streams
	// awaiting their removal timer do not count either.
	busy, _ := s.tables.Streams.Find(func(st *Stream) bool {
		return st.HostID == hostID && !st.Started() && st.Date.After(s.now())
	})
	if busy.ID != 0 {
		return Stream{}, errs.ErrHostBusy
	}

	st := Stream{EventID: eventID, HostID: hostID, Date: date}
	s.tables.Streams.Add(&st)
	sessions := make([]Session, 0, s.cfg.SessionsPerStream)
	for i := 0; i < s.cfg.SessionsPerStream; i++ {
		sess := Session{StreamID: st.ID, Date: date.Add(time.Duration(i) * SessionSpacing)}
		s.tables.Sessions.Add(&sess)
		sessions = append(sessions, sess)
	}

	if ref, err := s.client.CreateCalendarEvent(ctx, CalendarEntryFor(ev, st, sessions)); err != nil {
		s.log.Warn("calendar create failed", logx.Int64("stream", st.ID), logx.Err(err))
	} else {
		st.CalendarEvent = ref
		s.tables.Streams.Update(&st)
	}

	if err := s.tables.Sessions.Save(ctx); err != nil {
		return Stream{}, err
	}
	if err := s.tables.Streams.Save(ctx); err != nil {
		return Stream{}, err
	}

	s.armStreamTimers(st)
	s.renderSchedule(ctx)
	s.log.Info("stream created",
		logx.Int64("stream", st.ID),
		logx.Int64("event", eventID),
		logx.Int64("host", hostID),
		logx.Time("date", date))
	return st, nil
}

// EditStreamDate moves the stream and shifts its sessions by the same
// delta, preserving their offsets. Timers and the calendar entry are
// re-derived from the new date.
func (s *Service) EditStreamDate(ctx context.Context, streamID int64, date time.Time) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tables.Streams.Get(streamID)
	if !ok {
		return Stream{}, errs.ErrStreamNotFound
	}
	delta := date.Sub(st.Date)
	st.Date = date

	sessions := s.tables.SessionsByStream(streamID)
	for i := range sessions {
		sessions[i].Date = sessions[i].Date.Add(delta)
		s.tables.Sessions.Update(&sessions[i])
	}
	s.tables.Streams.Update(&st)

	if err := s.tables.Sessions.Save(ctx); err != nil {
		return Stream{}, err
	}
	if err := s.tables.Streams.Save(ctx); err != nil {
		return Stream{}, err
	}

	s.armStreamTimers(st)
	if !st.CalendarEvent.IsZero() {
		if ev, ok := s.tables.Events.Get(st.EventID); ok {
			if err := s.client.UpdateCalendarEvent(ctx, st.CalendarEvent, CalendarEntryFor(ev, st, sessions)); err != nil {
				s.log.Warn("calendar update failed", logx.Int64("stream", st.ID), logx.Err(err))
			}
		}
	}
	s.renderSchedule(ctx)
	s.refreshStatus(ctx, st)
	return st, nil
}

// RemoveStream tears the stream down and persists the cascade. Removing
// a stream that is already gone is not an error.
func (s *Service) RemoveStream(ctx context.Context, streamID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tables.Streams.Get(streamID)
	if !ok {
		return nil
	}
	s.teardownStream(ctx, st)
	err := s.saveAll(ctx)
	s.renderSchedule(ctx)
	return err
}

// Streams returns the event's streams in date order.
func (s *Service) Streams(eventID int64) []Stream {
	out := s.tables.StreamsByEvent(eventID)
	sortStreamsByDate(out)
	return out
}

// teardownStream removes the stream's rows, timers and platform
// resources and tells confirmed members. Callers hold s.mu and persist
// afterwards via saveAll.
func (s *Service) teardownStream(ctx context.Context, st Stream) {
	s.reg.Cancel(timers.ScopeStream, st.ID)

	for _, su := range s.tables.SignupsByStream(st.ID) {
		if su.Status == StatusConfirmed {
			s.notes.Member(su.MemberID, platform.Notice{
				Title:    "Stream cancelled",
				Body:     fmt.Sprintf("The stream on %s was removed from the schedule.", FormatDateTime(st.Date)),
				Severity: platform.SeverityWarn,
			})
		}
		s.tables.Signups.Remove(su.ID)
	}
	for _, sess := range s.tables.SessionsByStream(st.ID) {
		s.tables.Sessions.Remove(sess.ID)
	}
	s.tables.Streams.Remove(st.ID)
	delete(s.statusMsgs, st.ID)

	if !st.Channel.IsZero() {
		if err := s.client.DeleteChannel(ctx, st.Channel); err != nil {
			s.log.Warn("channel delete failed", logx.Int64("stream", st.ID), logx.Err(err))
		}
	}
	if !st.CalendarEvent.IsZero() {
		if err := s.client.DeleteCalendarEvent(ctx, st.CalendarEvent); err != nil {
			s.log.Warn("calendar delete failed", logx.Int64("stream", st.ID), logx.Err(err))
		}
	}

	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeStreamRemoved,
		Data: eventbus.StreamRemoved{EventID: st.EventID, StreamID: st.ID},
	})
	s.log.Info("stream removed", logx.Int64("stream", st.ID), logx.Int64("event", st.EventID))
}

// ---- signups ----

// StartSignups opens the host's upcoming stream: a dedicated channel is
// created now and signups open after the lead time, announced in the
// schedule channel.
func (s *Service) StartSignups(ctx context.Context, hostID int64) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.IsHost(hostID) {
		return Stream{}, errs.ErrNotHost
	}
	st, ok := s.tables.UpcomingStreamByHost(hostID, false)
	if !ok {
		return Stream{}, errs.ErrStreamNotFound
	}

	ev, _ := s.tables.Events.Get(st.EventID)
	ch, err := s.client.CreateChannel(ctx, fmt.Sprintf("%s %s", ev.Title, FormatDate(st.Date)))
	if err != nil {
		return Stream{}, fmt.Errorf("create channel: %w", err)
	}
	st.Channel = ch
	st.SignupStartDate = s.now().Add(SignupLeadTime)
	s.tables.Streams.Update(&st)
	if err := s.tables.Streams.Save(ctx); err != nil {
		return Stream{}, err
	}

	s.armStreamTimers(st)
	s.notes.Channel(s.cfg.Schedule, platform.Notice{
		Title: "Signups opening",
		Body: fmt.Sprintf("Signups for the %s stream on %s open at %s.",
			ev.Title, FormatDateTime(st.Date), st.SignupStartDate.Format(timeFormat)),
	})
	s.log.Info("signups scheduled", logx.Int64("stream", st.ID), logx.Time("open", st.SignupStartDate))
	return st, nil
}

// OpenSignups posts the signup message and flips the stream open. Fired
// by the signup-open timer; calling it twice is harmless.
func (s *Service) OpenSignups(ctx context.Context, streamID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tables.Streams.Get(streamID)
	if !ok {
		return errs.ErrStreamNotFound
	}
	if st.SignupsStarted {
		return nil
	}

	sessions := s.tables.SessionsByStream(streamID)
	ref, err := s.client.RenderList(ctx, st.Channel, "Sign up", SignupItems(st, sessions), platform.RenderOptions{Mention: s.cfg.Mention})
	if err != nil {
		return fmt.Errorf("post signup message: %w", err)
	}
	st.SignupMessage = ref
	st.SignupsStarted = true
	s.tables.Streams.Update(&st)
	if err := s.tables.Streams.Save(ctx); err != nil {
		return err
	}

	s.refreshStatus(ctx, st)
	s.renderSchedule(ctx)
	s.log.Info("signups open", logx.Int64("stream", streamID))
	return nil
}

// RequestSignup resolves a member's signup for a stream and persists the
// outcome. The member is told the result directly; rejections come back
// in Allocation.Reject rather than as an error.
func (s *Service) RequestSignup(ctx context.Context, streamID int64, req SignupRequest) (Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tables.Streams.Get(streamID)
	if !ok {
		return Allocation{}, errs.ErrStreamNotFound
	}
	if req.Now.IsZero() {
		req.Now = s.now()
	}

	sessions := s.tables.SessionsByStream(streamID)
	signups := s.tables.SignupsByStream(streamID)
	others := s.tables.SignupsByEventExcept(st.EventID, streamID)

	alloc := Allocate(st, sessions, signups, others, req)
	switch alloc.Decision {
	case DecisionCreated:
		s.tables.Signups.Add(&alloc.Signup)
	case DecisionUpdated:
		s.tables.Signups.Update(&alloc.Signup)
	case DecisionUnchanged:
		return alloc, nil
	case DecisionRejected:
		s.notes.Member(req.MemberID, rejectionNotice(alloc.Reject))
		return alloc, nil
	}
	if err := s.tables.Signups.Save(ctx); err != nil {
		return Allocation{}, err
	}

	s.notes.Member(req.MemberID, resultNotice(alloc, sessions))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSignupResolved,
		Data: eventbus.SignupResolved{
			StreamID: alloc.Signup.StreamID,
			MemberID: alloc.Signup.MemberID,
			Status:   string(alloc.Signup.Status),
		},
	})
	s.refreshStatus(ctx, st)
	return alloc, nil
}

// RequestSignupByMessage maps a reaction on the signup message to a
// signup request. Reactions on unrelated messages are ignored.
func (s *Service) RequestSignupByMessage(ctx context.Context, ref platform.MessageRef, req SignupRequest) (Allocation, bool, error) {
	s.mu.Lock()
	st, ok := s.tables.StreamBySignupMessage(ref)
	s.mu.Unlock()
	if !ok {
		return Allocation{}, false, nil
	}
	alloc, err := s.RequestSignup(ctx, st.ID, req)
	return alloc, true, err
}

// Withdraw removes the member's signup from the stream, if any.
func (s *Service) Withdraw(ctx context.Context, streamID, memberID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.tables.Streams.Get(streamID)
	if !ok {
		return errs.ErrStreamNotFound
	}
	su, ok := s.tables.Signups.Find(func(x *Signup) bool {
		return x.StreamID == streamID && x.MemberID == memberID
	})
	if !ok {
		return nil
	}
	s.tables.Signups.Remove(su.ID)
	if err := s.tables.Signups.Save(ctx); err != nil {
		return err
	}
	if s.OnSignupRemoved != nil {
		s.OnSignupRemoved(ctx, st, su)
	}
	s.refreshStatus(ctx, st)
	s.log.Info("signup withdrawn", logx.Int64("stream", streamID), logx.Int64("member", memberID))
	return nil
}

// ---- timers and maintenance ----

// RestoreTimers re-arms every lifecycle timer from the persisted rows.
// Run once at startup; past-due timers fire immediately in arrival order
// on the registry worker.
func (s *Service) RestoreTimers(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.tables.Events.All()
	streams := s.tables.Streams.All()
	for _, ev := range events {
		s.armEventTimer(ev)
	}
	for _, st := range streams {
		s.armStreamTimers(st)
	}
	s.log.Info("timers restored",
		logx.Int("events", len(events)),
		logx.Int("streams", len(streams)))
}

// HousekeepingSweep removes anything whose lifetime elapsed while no
// timer was armed for it. Timers normally get there first; the sweep is
// the catch-up path after downtime.
func (s *Service) HousekeepingSweep(ctx context.Context) {
	now := s.now()

	var expiredStreams []int64
	var expiredEvents []int64
	s.mu.Lock()
	for _, st := range s.tables.Streams.All() {
		if now.After(st.RemovalDue()) {
			expiredStreams = append(expiredStreams, st.ID)
		}
	}
	for _, ev := range s.tables.Events.All() {
		if now.After(ev.EndDate) {
			expiredEvents = append(expiredEvents, ev.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range expiredStreams {
		if err := s.RemoveStream(ctx, id); err != nil {
			s.log.Error("sweep: stream removal failed", logx.Int64("stream", id), logx.Err(err))
		}
	}
	for _, id := range expiredEvents {
		err := s.RemoveEvent(ctx, id)
		if err != nil && !errors.Is(err, errs.ErrEventNotFound) {
			s.log.Error("sweep: event removal failed", logx.Int64("event", id), logx.Err(err))
		}
	}
}

// RenderSchedule republishes the rotation schedule post.
func (s *Service) RenderSchedule(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderSchedule(ctx)
}

func (s *Service) armEventTimer(ev Event) {
	id := ev.ID
	s.reg.Schedule(timers.ScopeEvent, id, timers.KindRemoval, ev.EndDate, func(ctx context.Context) {
		err := s.RemoveEvent(ctx, id)
		if err != nil && !errors.Is(err, errs.ErrEventNotFound) {
			s.log.Error("event expiry failed", logx.Int64("event", id), logx.Err(err))
		}
	})
}

func (s *Service) armStreamTimers(st Stream) {
	id := st.ID
	s.reg.Schedule(timers.ScopeStream, id, timers.KindRemoval, st.RemovalDue(), func(ctx context.Context) {
		if err := s.RemoveStream(ctx, id); err != nil {
			s.log.Error("stream removal failed", logx.Int64("stream", id), logx.Err(err))
		}
	})
	if !st.SignupStartDate.IsZero() && !st.SignupsStarted {
		s.reg.Schedule(timers.ScopeStream, id, timers.KindSignupOpen, st.SignupStartDate, func(ctx context.Context) {
			if err := s.OpenSignups(ctx, id); err != nil {
				s.log.Error("signup opening failed", logx.Int64("stream", id), logx.Err(err))
			}
		})
	}
}

// saveAll persists the tables child-first.
func (s *Service) saveAll(ctx context.Context) error {
	if err := s.tables.Signups.Save(ctx); err != nil {
		return err
	}
	if err := s.tables.Sessions.Save(ctx); err != nil {
		return err
	}
	if err := s.tables.Streams.Save(ctx); err != nil {
		return err
	}
	return s.tables.Events.Save(ctx)
}

// ---- rendering ----

func (s *Service) renderSchedule(ctx context.Context) {
	if s.cfg.Schedule.IsZero() {
		return
	}
	events := s.tables.Events.All()
	byEvent := map[int64][]Stream{}
	ids := map[int64]struct{}{}
	for _, ev := range events {
		streams := s.tables.StreamsByEvent(ev.ID)
		sortStreamsByDate(streams)
		byEvent[ev.ID] = streams
		for _, st := range streams {
			ids[st.HostID] = struct{}{}
		}
	}
	names := s.resolveNames(ctx, ids)

	ref, err := s.client.RenderList(ctx, s.cfg.Schedule, "Rotation schedule",
		ScheduleItems(events, byEvent, names),
		platform.RenderOptions{Replace: s.scheduleMsg})
	if err != nil {
		s.log.Warn("schedule render failed", logx.Err(err))
		return
	}
	s.scheduleMsg = ref
}

// refreshStatus rewrites the stream's pinned roster post. No-op before
// signups open.
func (s *Service) refreshStatus(ctx context.Context, st Stream) {
	if !st.SignupsStarted || st.Channel.IsZero() {
		return
	}
	sessions := s.tables.SessionsByStream(st.ID)
	signups := s.tables.SignupsByStream(st.ID)
	ids := map[int64]struct{}{}
	for _, su := range signups {
		ids[su.MemberID] = struct{}{}
	}
	names := s.resolveNames(ctx, ids)

	opt := platform.RenderOptions{Pin: true}
	if ref, ok := s.statusMsgs[st.ID]; ok {
		opt = platform.RenderOptions{Replace: ref}
	}
	ref, err := s.client.RenderList(ctx, st.Channel, "Signup status", StatusItems(sessions, signups, names), opt)
	if err != nil {
		s.log.Warn("status render failed", logx.Int64("stream", st.ID), logx.Err(err))
		return
	}
	s.statusMsgs[st.ID] = ref
}

func (s *Service) resolveNames(ctx context.Context, ids map[int64]struct{}) MemberNames {
	names := make(MemberNames, len(ids))
	for id := range ids {
		m, ok, err := s.client.ResolveMember(ctx, id)
		if err != nil || !ok {
			continue
		}
		names[id] = m.Username
	}
	return names
}

func rejectionNotice(reject error) platform.Notice {
	n := platform.Notice{Title: "Signup rejected", Severity: platform.SeverityWarn}
	switch {
	case errors.Is(reject, errs.ErrSessionFull):
		n.Body = "That session is full. Withdraw first to queue as an alternate."
	case errors.Is(reject, errs.ErrStreamFull):
		n.Body = "Every session is full."
	case errors.Is(reject, errs.ErrSignupsClosed):
		n.Body = "Signups for this stream have not opened yet."
	case errors.Is(reject, errs.ErrSessionNotFound):
		n.Body = "That session does not exist."
	default:
		n.Body = "Your signup could not be placed."
	}
	return n
}

func resultNotice(alloc Allocation, sessions []Session) platform.Notice {
	target := "any session"
	if alloc.Signup.PreferredSessionID != 0 {
		if idx := sessionIndex(sessions, alloc.Signup.PreferredSessionID); idx >= 0 {
			target = fmt.Sprintf("session %d", idx+1)
		}
	}
	if alloc.Signup.Status == StatusAlternate {
		body := fmt.Sprintf("You are on the alternate list for %s.", target)
		if alloc.AutoAlternate {
			body += " You already hold a confirmed slot in this event; alternates are promoted when the window closes."
		}
		return platform.Notice{Title: "Signed up as alternate", Body: body}
	}
	return platform.Notice{Title: "Signup confirmed", Body: fmt.Sprintf("You are confirmed for %s.", target)}
}

func sortStreamsByDate(streams []Stream) {
	sort.Slice(streams, func(i, j int) bool { return streams[i].Date.Before(streams[j].Date) })
}
