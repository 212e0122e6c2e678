package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"streambot/internal/errs"
	"streambot/internal/eventbus"
	"streambot/internal/notify"
	"streambot/internal/platform"
	"streambot/internal/timers"
	"streambot/pkg/logx"
)

// fakeClient records platform calls and hands out monotonic refs.
type fakeClient struct {
	mu       sync.Mutex
	nextID   int64
	channels map[platform.ChannelRef]bool
	calendar map[platform.EventRef]bool
	renders  int
	notices  []platform.Notice
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		nextID:   1000,
		channels: map[platform.ChannelRef]bool{},
		calendar: map[platform.EventRef]bool{},
	}
}

func (f *fakeClient) next() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeClient) Notify(ctx context.Context, ch platform.ChannelRef, n platform.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeClient) NotifyMember(ctx context.Context, memberID int64, n platform.Notice) error {
	return f.Notify(ctx, platform.ChannelRef{}, n)
}

func (f *fakeClient) CreateChannel(ctx context.Context, name string) (platform.ChannelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := platform.ChannelRef{ChatID: 1, ThreadID: f.next()}
	f.channels[ch] = true
	return ch, nil
}

func (f *fakeClient) DeleteChannel(ctx context.Context, ch platform.ChannelRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, ch)
	return nil
}

func (f *fakeClient) CreateCalendarEvent(ctx context.Context, e platform.CalendarEntry) (platform.EventRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := platform.EventRef{ID: f.next()}
	f.calendar[ref] = true
	return ref, nil
}

func (f *fakeClient) UpdateCalendarEvent(ctx context.Context, ref platform.EventRef, e platform.CalendarEntry) error {
	return nil
}

func (f *fakeClient) DeleteCalendarEvent(ctx context.Context, ref platform.EventRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.calendar, ref)
	return nil
}

func (f *fakeClient) ResolveMember(ctx context.Context, memberID int64) (platform.Member, bool, error) {
	return platform.Member{ID: memberID, Username: "user"}, true, nil
}

func (f *fakeClient) RenderList(ctx context.Context, ch platform.ChannelRef, title string, items []platform.ListItem, opt platform.RenderOptions) (platform.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders++
	if !opt.Replace.IsZero() {
		return opt.Replace, nil
	}
	return platform.MessageRef{Channel: ch, MessageID: f.next()}, nil
}

func (f *fakeClient) openChannels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeClient) calendarEntries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calendar)
}

type fixture struct {
	svc    *Service
	tables *Tables
	reg    *timers.Registry
	client *fakeClient
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logx.Nop()
	bus := eventbus.New()

	tables, err := OpenTables(t.TempDir(), log, bus)
	if err != nil {
		t.Fatalf("open tables: %v", err)
	}
	t.Cleanup(tables.Close)

	reg := timers.New(log)
	t.Cleanup(reg.Stop)

	client := newFakeClient()
	notes := notify.New(notify.Config{RatePerSec: 100}, client, log)
	// Worker stays unstarted: notices queue but are never delivered,
	// which keeps the tests synchronous.

	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	svc := NewService(Config{
		Schedule:          platform.ChannelRef{ChatID: 1, ThreadID: 7},
		Hosts:             []int64{500, 501},
		SessionsPerStream: 2,
	}, tables, reg, client, notes, bus, log)
	svc.now = func() time.Time { return now }

	return &fixture{svc: svc, tables: tables, reg: reg, client: client, now: now}
}

func (fx *fixture) mustEvent(t *testing.T) Event {
	t.Helper()
	ev, err := fx.svc.CreateEvent(context.Background(), "Community Cup", fx.now, fx.now.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	return ev
}

func (fx *fixture) mustStream(t *testing.T, eventID, hostID int64, date time.Time) Stream {
	t.Helper()
	st, err := fx.svc.CreateStream(context.Background(), eventID, hostID, date)
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}
	return st
}

// openForSignups walks a stream through StartSignups and OpenSignups
// without waiting for the real timer.
func (fx *fixture) openForSignups(t *testing.T, hostID int64) Stream {
	t.Helper()
	ctx := context.Background()
	st, err := fx.svc.StartSignups(ctx, hostID)
	if err != nil {
		t.Fatalf("start signups: %v", err)
	}
	if err := fx.svc.OpenSignups(ctx, st.ID); err != nil {
		t.Fatalf("open signups: %v", err)
	}
	st, _ = fx.tables.Streams.Get(st.ID)
	return st
}

func TestCreateStreamSpacesSessions(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	date := fx.now.Add(48 * time.Hour)
	st := fx.mustStream(t, ev.ID, 500, date)

	sessions := fx.tables.SessionsByStream(st.ID)
	if len(sessions) != 2 {
		t.Fatalf("want 2 sessions, got %d", len(sessions))
	}
	if !sessions[0].Date.Equal(date) || !sessions[1].Date.Equal(date.Add(SessionSpacing)) {
		t.Fatalf("session dates wrong: %v / %v", sessions[0].Date, sessions[1].Date)
	}
	if st.CalendarEvent.IsZero() {
		t.Fatal("stream should carry a calendar ref")
	}
	if !fx.reg.Pending(timers.ScopeStream, st.ID, timers.KindRemoval) {
		t.Fatal("removal timer not armed")
	}
}

func TestCreateStreamEnforcesOnePerHost(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))

	_, err := fx.svc.CreateStream(context.Background(), ev.ID, 500, fx.now.Add(72*time.Hour))
	if err != errs.ErrHostBusy {
		t.Fatalf("want ErrHostBusy, got %v", err)
	}

	if _, err := fx.svc.CreateStream(context.Background(), ev.ID, 999, fx.now.Add(72*time.Hour)); err != errs.ErrNotHost {
		t.Fatalf("want ErrNotHost, got %v", err)
	}
}

func TestCreateStreamAllowedOnceCurrentOneStarted(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))

	// Opening the signup channel marks the stream as started. The host
	// may then line up a second stream, but only one unstarted at a time.
	fx.openForSignups(t, 500)

	next, err := fx.svc.CreateStream(context.Background(), ev.ID, 500, fx.now.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("create after start: %v", err)
	}
	if next.Started() {
		t.Fatal("new stream must begin unstarted")
	}

	_, err = fx.svc.CreateStream(context.Background(), ev.ID, 500, fx.now.Add(14*24*time.Hour))
	if err != errs.ErrHostBusy {
		t.Fatalf("want ErrHostBusy for second unstarted stream, got %v", err)
	}
}

func TestStartSignupsSetsLeadTime(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))

	st, err := fx.svc.StartSignups(context.Background(), 500)
	if err != nil {
		t.Fatalf("start signups: %v", err)
	}
	if want := fx.now.Add(SignupLeadTime); !st.SignupStartDate.Equal(want) {
		t.Fatalf("signup start %v, want %v", st.SignupStartDate, want)
	}
	if st.Channel.IsZero() {
		t.Fatal("no channel assigned")
	}
	if !fx.reg.Pending(timers.ScopeStream, st.ID, timers.KindSignupOpen) {
		t.Fatal("signup-open timer not armed")
	}
	if st.SignupsStarted {
		t.Fatal("signups must not be open before the timer fires")
	}
}

func TestSignupFlowNineMembers(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))
	st := fx.openForSignups(t, 500)

	ctx := context.Background()
	for m := int64(1); m <= 9; m++ {
		alloc, err := fx.svc.RequestSignup(ctx, st.ID, SignupRequest{MemberID: m, SessionIndex: 0})
		if err != nil {
			t.Fatalf("member %d: %v", m, err)
		}
		if alloc.Decision != DecisionCreated {
			t.Fatalf("member %d: decision %v", m, alloc.Decision)
		}
	}

	signups := fx.tables.SignupsByStream(st.ID)
	confirmed := 0
	for _, s := range signups {
		if s.Status == StatusConfirmed {
			confirmed++
		}
	}
	if confirmed != SessionCapacity || len(signups) != 9 {
		t.Fatalf("confirmed=%d total=%d, want %d/9", confirmed, len(signups), SessionCapacity)
	}
}

func TestSignupAcrossStreamsOfOneEvent(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	ctx := context.Background()

	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))
	stA := fx.openForSignups(t, 500)
	fx.mustStream(t, ev.ID, 501, fx.now.Add(96*time.Hour))
	stB := fx.openForSignups(t, 501)

	if _, err := fx.svc.RequestSignup(ctx, stA.ID, SignupRequest{MemberID: 1, SessionIndex: 0}); err != nil {
		t.Fatal(err)
	}

	// A confirmed slot elsewhere in the event demotes the second signup
	// while the promotion window is open.
	alloc, err := fx.svc.RequestSignup(ctx, stB.ID, SignupRequest{MemberID: 1, SessionIndex: 0})
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Signup.Status != StatusAlternate || !alloc.AutoAlternate {
		t.Fatalf("expected auto-alternate, got %+v", alloc)
	}

	// An uncommitted member confirms normally.
	alloc, err = fx.svc.RequestSignup(ctx, stB.ID, SignupRequest{MemberID: 2, SessionIndex: 0})
	if err != nil {
		t.Fatal(err)
	}
	if alloc.Signup.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v", alloc)
	}
}

func TestSignupByMessageIgnoresUnrelated(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))
	st := fx.openForSignups(t, 500)

	ctx := context.Background()
	_, matched, err := fx.svc.RequestSignupByMessage(ctx, platform.MessageRef{MessageID: 424242}, SignupRequest{MemberID: 1, SessionIndex: 0})
	if err != nil || matched {
		t.Fatalf("unrelated message must be ignored: matched=%v err=%v", matched, err)
	}

	_, matched, err = fx.svc.RequestSignupByMessage(ctx, st.SignupMessage, SignupRequest{MemberID: 1, SessionIndex: 0})
	if err != nil || !matched {
		t.Fatalf("signup message must match: matched=%v err=%v", matched, err)
	}
	if len(fx.tables.SignupsByStream(st.ID)) != 1 {
		t.Fatal("signup not recorded")
	}
}

func TestWithdrawRunsHook(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))
	st := fx.openForSignups(t, 500)

	ctx := context.Background()
	if _, err := fx.svc.RequestSignup(ctx, st.ID, SignupRequest{MemberID: 1, SessionIndex: 0}); err != nil {
		t.Fatal(err)
	}

	var hooked Signup
	fx.svc.OnSignupRemoved = func(ctx context.Context, stream Stream, removed Signup) { hooked = removed }

	if err := fx.svc.Withdraw(ctx, st.ID, 1); err != nil {
		t.Fatal(err)
	}
	if hooked.MemberID != 1 {
		t.Fatalf("hook did not see the removed signup: %+v", hooked)
	}
	if len(fx.tables.SignupsByStream(st.ID)) != 0 {
		t.Fatal("signup still present")
	}
	// Withdrawing again is a no-op.
	if err := fx.svc.Withdraw(ctx, st.ID, 1); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveEventCascades(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	ctx := context.Background()

	st1 := fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))
	st1 = fx.openForSignups(t, 500)
	st2 := fx.mustStream(t, ev.ID, 501, fx.now.Add(96*time.Hour))

	for m := int64(1); m <= 3; m++ {
		if _, err := fx.svc.RequestSignup(ctx, st1.ID, SignupRequest{MemberID: m, SessionIndex: 0}); err != nil {
			t.Fatal(err)
		}
	}

	if err := fx.svc.RemoveEvent(ctx, ev.ID); err != nil {
		t.Fatalf("remove event: %v", err)
	}

	if n := fx.tables.Events.Len(); n != 0 {
		t.Fatalf("%d events left", n)
	}
	if n := fx.tables.Streams.Len(); n != 0 {
		t.Fatalf("%d streams left", n)
	}
	if n := fx.tables.Sessions.Len(); n != 0 {
		t.Fatalf("%d sessions left", n)
	}
	if n := fx.tables.Signups.Len(); n != 0 {
		t.Fatalf("%d signups left", n)
	}
	for _, id := range []int64{st1.ID, st2.ID} {
		if n := fx.reg.PendingFor(timers.ScopeStream, id); n != 0 {
			t.Fatalf("stream %d still has %d timers", id, n)
		}
	}
	if n := fx.reg.PendingFor(timers.ScopeEvent, ev.ID); n != 0 {
		t.Fatalf("event still has %d timers", n)
	}
	if fx.client.openChannels() != 0 {
		t.Fatal("channel survived the cascade")
	}
	if fx.client.calendarEntries() != 0 {
		t.Fatal("calendar entry survived the cascade")
	}
}

func TestRemoveStreamIdempotent(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	st := fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))

	ctx := context.Background()
	if err := fx.svc.RemoveStream(ctx, st.ID); err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.RemoveStream(ctx, st.ID); err != nil {
		t.Fatal(err)
	}
}

func TestEditStreamDateShiftsSessions(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	date := fx.now.Add(48 * time.Hour)
	st := fx.mustStream(t, ev.ID, 500, date)

	newDate := date.Add(24 * time.Hour)
	if _, err := fx.svc.EditStreamDate(context.Background(), st.ID, newDate); err != nil {
		t.Fatal(err)
	}

	sessions := fx.tables.SessionsByStream(st.ID)
	if !sessions[0].Date.Equal(newDate) || !sessions[1].Date.Equal(newDate.Add(SessionSpacing)) {
		t.Fatalf("sessions did not follow the stream: %v / %v", sessions[0].Date, sessions[1].Date)
	}
}

func TestHousekeepingSweepRemovesExpired(t *testing.T) {
	fx := newFixture(t)
	ev := fx.mustEvent(t)
	st := fx.mustStream(t, ev.ID, 500, fx.now.Add(48*time.Hour))

	// Jump past the stream's retention but inside the event span.
	later := fx.now.Add(48*time.Hour + StreamRetention + time.Minute)
	fx.svc.now = func() time.Time { return later }

	fx.svc.HousekeepingSweep(context.Background())

	if _, ok := fx.tables.Streams.Get(st.ID); ok {
		t.Fatal("expired stream survived the sweep")
	}
	if _, ok := fx.tables.Events.Get(ev.ID); !ok {
		t.Fatal("event removed before its end date")
	}
}
