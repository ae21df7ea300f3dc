package reminder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juank159/agendity-backend-sub000/internal/billing"
	"github.com/juank159/agendity-backend-sub000/internal/model"
	"github.com/juank159/agendity-backend-sub000/internal/notify"
	"github.com/juank159/agendity-backend-sub000/internal/outbox"
)

type fakeStore struct {
	mu          sync.Mutex
	appts       map[string]model.Appointment
	window      []model.Appointment
	windowStart time.Time
	windowEnd   time.Time
	sentCount   int
}

func (s *fakeStore) FindPendingInWindow(_ context.Context, start, end time.Time) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windowStart, s.windowEnd = start, end
	return s.window, nil
}

func (s *fakeStore) FindByID(_ context.Context, ownerID, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appts[id]
	if !ok || appt.OwnerID != ownerID {
		return model.Appointment{}, pgx.ErrNoRows
	}
	return appt, nil
}

func (s *fakeStore) CountRemindersSent(_ context.Context, _ string, _, _ time.Time) (int, error) {
	return s.sentCount, nil
}

type fakeClaim struct {
	claimed   bool
	confirmed bool
	released  bool
	event     outbox.Event
}

func (c *fakeClaim) Claimed() bool { return c.claimed }

func (c *fakeClaim) Confirm(_ context.Context, evt outbox.Event) error {
	c.confirmed = true
	c.event = evt
	return nil
}

func (c *fakeClaim) Release(_ context.Context) error {
	c.released = true
	return nil
}

type fakeClaims struct {
	mu          sync.Mutex
	alreadySent map[string]bool
	opened      []*fakeClaim
}

func (f *fakeClaims) open(_ context.Context, id string, _ time.Time) (Claim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	claim := &fakeClaim{claimed: !f.alreadySent[id]}
	f.opened = append(f.opened, claim)
	return claim, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (s *fakeSender) Send(_ context.Context, msg notify.Message) (notify.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return notify.Result{Success: false, Err: "provider rejected", Provider: "test"}, nil
	}
	s.sent = append(s.sent, msg)
	return notify.Result{Success: true, Message: "sent", Provider: "test"}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []outbox.Event
}

func (s *fakeSink) InsertOne(_ context.Context, evt outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

type schedulerFixture struct {
	scheduler *Scheduler
	store     *fakeStore
	claims    *fakeClaims
	sender    *fakeSender
	sink      *fakeSink
	factory   *fakeTimerFactory
	now       time.Time
}

func newFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{appts: map[string]model.Appointment{}}
	claims := &fakeClaims{alreadySent: map[string]bool{}}
	sender := &fakeSender{}
	sink := &fakeSink{}
	factory := &fakeTimerFactory{}
	nowFn := func() time.Time { return now }

	scheduler := NewScheduler(SchedulerConfig{
		Store:        store,
		OpenClaim:    claims.open,
		Registry:     NewRegistry(testLogger(), factory.New, nowFn),
		Sender:       sender,
		Entitlements: billing.NewStaticProvider(billing.Limits{Tier: "free", MaxMonthlyReminders: 30, SMSEnabled: true}),
		Events:       sink,
		Logger:       testLogger(),
		Location:     time.UTC,
		SweepHour:    8,
		Now:          nowFn,
	})
	return &schedulerFixture{
		scheduler: scheduler,
		store:     store,
		claims:    claims,
		sender:    sender,
		sink:      sink,
		factory:   factory,
		now:       now,
	}
}

func (f *schedulerFixture) addAppointment(id string, date time.Time) model.Appointment {
	appt := model.Appointment{
		ID:       id,
		OwnerID:  "owner-1",
		Date:     date,
		Status:   model.StatusPending,
		Client:   model.Client{ID: "c1", Name: "Maria Lopez", Phone: "+573001112233", Email: "maria@example.com"},
		Services: []model.Service{{ID: "s1", Name: "Haircut"}},
	}
	f.store.appts[id] = appt
	return appt
}

func TestCreatedAppointmentSchedulesTimerThenSends(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(10*time.Minute))

	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	if f.factory.armed() != 1 {
		t.Fatalf("armed %d timers, want 1", f.factory.armed())
	}
	if f.factory.delays[0] != 5*time.Minute {
		t.Fatalf("timer delay = %v, want 5m", f.factory.delays[0])
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("sender invoked before the timer fired")
	}

	f.factory.fire(0)

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.sender.sent))
	}
	msg := f.sender.sent[0]
	if msg.Channel != notify.ChannelSMS || msg.Recipient != "+573001112233" {
		t.Fatalf("message went to %s/%s, want sms to the client phone", msg.Channel, msg.Recipient)
	}
	if !strings.Contains(msg.Body, "Haircut") {
		t.Fatalf("message body %q does not mention the service", msg.Body)
	}
	if len(f.claims.opened) != 1 || !f.claims.opened[0].confirmed {
		t.Fatalf("claim was not confirmed after a successful send")
	}
	if f.claims.opened[0].event.EventType != outbox.EventReminderSent {
		t.Fatalf("confirmed event type = %q, want %q", f.claims.opened[0].event.EventType, outbox.EventReminderSent)
	}
}

func TestImminentAppointmentSendsWithoutTimer(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(3*time.Minute))

	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	if f.factory.armed() != 0 {
		t.Fatalf("armed %d timers, want 0 for an imminent appointment", f.factory.armed())
	}
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1 immediate send", len(f.sender.sent))
	}
	if !f.claims.opened[0].confirmed {
		t.Fatalf("claim was not confirmed")
	}
}

func TestPastAppointmentIsInert(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(-time.Hour))

	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	if f.factory.armed() != 0 || len(f.sender.sent) != 0 || len(f.claims.opened) != 0 {
		t.Fatalf("past appointment produced activity: timers=%d sends=%d claims=%d",
			f.factory.armed(), len(f.sender.sent), len(f.claims.opened))
	}
}

func TestAppointmentWithoutContactIsInert(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(10*time.Minute))
	appt.Client.Phone = ""
	appt.Client.Email = ""
	f.store.appts["a1"] = appt

	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	if f.factory.armed() != 0 || len(f.sender.sent) != 0 {
		t.Fatalf("contactless appointment produced activity")
	}
}

func TestDuplicateCreatedEventArmsOneTimer(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(10*time.Minute))

	f.scheduler.HandleAppointmentCreated(context.Background(), appt)
	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	if f.factory.armed() != 1 {
		t.Fatalf("armed %d timers for a duplicate event, want 1", f.factory.armed())
	}

	f.factory.fire(0)
	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d messages, want exactly 1", len(f.sender.sent))
	}
}

func TestAlreadySentReminderIsSuppressed(t *testing.T) {
	f := newFixture(t)
	f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.claims.alreadySent["a1"] = true

	res, err := f.scheduler.SendManualReminder(context.Background(), "owner-1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("duplicate send reported success")
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("sender invoked despite the claim being lost")
	}
	if !f.claims.opened[0].released {
		t.Fatalf("lost claim was not released")
	}
}

func TestManualReminderNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.scheduler.SendManualReminder(context.Background(), "owner-1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	// Owner scoping behaves like absence.
	f.addAppointment("a1", f.now.Add(10*time.Minute))
	_, err = f.scheduler.SendManualReminder(context.Background(), "owner-2", "a1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner err = %v, want ErrNotFound", err)
	}
}

func TestSendFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.sender.fail = true

	_, err := f.scheduler.SendManualReminder(context.Background(), "owner-1", "a1")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	claim := f.claims.opened[0]
	if claim.confirmed || !claim.released {
		t.Fatalf("failed send left claim confirmed=%v released=%v", claim.confirmed, claim.released)
	}
	if len(f.sink.events) != 1 || f.sink.events[0].EventType != outbox.EventReminderFailed {
		t.Fatalf("failure event was not recorded")
	}
}

func TestQuotaExhaustedBlocksSend(t *testing.T) {
	f := newFixture(t)
	f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.store.sentCount = 30 // at the free-tier cap

	res, err := f.scheduler.SendManualReminder(context.Background(), "owner-1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatalf("send reported success over quota")
	}
	if len(f.claims.opened) != 0 {
		t.Fatalf("claim opened despite exhausted quota")
	}
	if len(f.sender.sent) != 0 {
		t.Fatalf("sender invoked despite exhausted quota")
	}
}

func TestCancelledAppointmentSkippedAtFireTime(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	// Cancelled between scheduling and firing; the re-read catches it.
	appt.Status = model.StatusCancelled
	f.store.appts["a1"] = appt

	f.factory.fire(0)
	if len(f.sender.sent) != 0 || len(f.claims.opened) != 0 {
		t.Fatalf("cancelled appointment was still dispatched")
	}
}

func TestCancelEventDropsPendingTimer(t *testing.T) {
	f := newFixture(t)
	appt := f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.scheduler.HandleAppointmentCreated(context.Background(), appt)

	f.scheduler.HandleAppointmentCancelled(context.Background(), "a1")
	if f.scheduler.registry.Len() != 0 {
		t.Fatalf("timer survived the cancellation event")
	}
	if !f.factory.timers[0].stopped {
		t.Fatalf("underlying timer was not stopped")
	}
}

func TestSMSDisabledFallsBackToEmail(t *testing.T) {
	f := newFixture(t)
	f.addAppointment("a1", f.now.Add(10*time.Minute))
	f.scheduler.entitlements = billing.NewStaticProvider(billing.Limits{Tier: "starter", MaxMonthlyReminders: 100, SMSEnabled: false})

	res, err := f.scheduler.SendManualReminder(context.Background(), "owner-1", "a1")
	if err != nil || !res.Success {
		t.Fatalf("send failed: res=%+v err=%v", res, err)
	}
	if msg := f.sender.sent[0]; msg.Channel != notify.ChannelEmail || msg.Recipient != "maria@example.com" {
		t.Fatalf("message went to %s/%s, want email fallback", msg.Channel, msg.Recipient)
	}
}

func TestSweepWindowCoversThroughEndOfTomorrow(t *testing.T) {
	f := newFixture(t)

	f.scheduler.RunDailySweep(context.Background())

	if !f.store.windowStart.Equal(f.now) {
		t.Fatalf("window start = %v, want %v", f.store.windowStart, f.now)
	}
	wantEnd := time.Date(2026, 3, 11, 23, 59, 59, int(999*time.Millisecond), time.UTC)
	if !f.store.windowEnd.Equal(wantEnd) {
		t.Fatalf("window end = %v, want %v", f.store.windowEnd, wantEnd)
	}
}

func TestSweepIsolatesBrokenRows(t *testing.T) {
	f := newFixture(t)
	contactless := model.Appointment{
		ID: "bad", OwnerID: "owner-1", Date: f.now.Add(2 * time.Hour), Status: model.StatusPending,
	}
	good := f.addAppointment("a1", f.now.Add(3*time.Hour))
	f.store.window = []model.Appointment{contactless, good}

	f.scheduler.RunDailySweep(context.Background())

	if f.factory.armed() != 1 {
		t.Fatalf("armed %d timers, want 1: the contactless row must not block the rest", f.factory.armed())
	}
}

func TestEndOfTomorrowRespectsLocation(t *testing.T) {
	bogota := time.FixedZone("America/Bogota", -5*3600)
	// 02:30 UTC on March 11 is still March 10 in Bogota.
	now := time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC)

	got := endOfTomorrow(now, bogota)
	want := time.Date(2026, 3, 11, 23, 59, 59, int(999*time.Millisecond), bogota)
	if !got.Equal(want) {
		t.Fatalf("endOfTomorrow = %v, want %v", got, want)
	}
}
