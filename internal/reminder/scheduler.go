package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juank159/agendity-backend-sub000/internal/billing"
	"github.com/juank159/agendity-backend-sub000/internal/model"
	"github.com/juank159/agendity-backend-sub000/internal/notify"
	"github.com/juank159/agendity-backend-sub000/internal/outbox"
	"github.com/juank159/agendity-backend-sub000/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("agendity/reminder")

// ErrNotFound is returned by SendManualReminder when the appointment does
// not exist or belongs to another owner.
var ErrNotFound = errors.New("appointment not found")

// ErrSendFailed is returned when the notification provider refused the
// message; the durable reminder mark has been released.
var ErrSendFailed = errors.New("reminder send failed")

// Store is the persistence surface the scheduler reads from.
type Store interface {
	FindPendingInWindow(ctx context.Context, start, end time.Time) ([]model.Appointment, error)
	FindByID(ctx context.Context, ownerID, id string) (model.Appointment, error)
	CountRemindersSent(ctx context.Context, ownerID string, since, until time.Time) (int, error)
}

// Claim is an open conditional hold on an appointment's reminder flag.
// *storage.ReminderClaim satisfies it.
type Claim interface {
	Claimed() bool
	Confirm(ctx context.Context, evt outbox.Event) error
	Release(ctx context.Context) error
}

// ClaimOpener starts the claim transaction for one appointment.
type ClaimOpener func(ctx context.Context, id string, at time.Time) (Claim, error)

// EventSink records domain events outside a claim transaction.
// *outbox.Repository satisfies it.
type EventSink interface {
	InsertOne(ctx context.Context, evt outbox.Event) error
}

// SweepLock is best-effort single-flight for the daily sweep across
// instances. *storage.AdvisoryLock satisfies it; nil disables locking.
type SweepLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Scheduler owns the reminder lifecycle: it reacts to booking events,
// sweeps the upcoming window daily, and sends through the notify mux with
// the conditional reminder_sent flip as the only send gate.
type Scheduler struct {
	store        Store
	openClaim    ClaimOpener
	registry     *Registry
	sender       notify.Sender
	entitlements billing.Provider
	events       EventSink
	lock         SweepLock
	logger       *slog.Logger
	loc          *time.Location
	sweepHour    int
	now          func() time.Time
}

type SchedulerConfig struct {
	Store        Store
	OpenClaim    ClaimOpener
	Registry     *Registry
	Sender       notify.Sender
	Entitlements billing.Provider
	Events       EventSink
	Lock         SweepLock
	Logger       *slog.Logger
	Location     *time.Location
	SweepHour    int
	Now          func() time.Time
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:        cfg.Store,
		openClaim:    cfg.OpenClaim,
		registry:     cfg.Registry,
		sender:       cfg.Sender,
		entitlements: cfg.Entitlements,
		events:       cfg.Events,
		lock:         cfg.Lock,
		logger:       cfg.Logger,
		loc:          loc,
		sweepHour:    cfg.SweepHour,
		now:          now,
	}
}

// HandleAppointmentCreated reacts to a new booking. Errors are logged, not
// returned: the event has been consumed either way and the daily sweep
// retries anything that slipped through.
func (s *Scheduler) HandleAppointmentCreated(ctx context.Context, appt model.Appointment) {
	s.scheduleOrSend(ctx, appt)
}

// HandleAppointmentCancelled drops any pending timer for the appointment.
// The durable claim still protects against a timer that already fired.
func (s *Scheduler) HandleAppointmentCancelled(ctx context.Context, id string) {
	if s.registry.Cancel(timerKey(id)) {
		s.logger.Info("reminder timer cancelled", "appointment_id", id)
	}
}

func (s *Scheduler) scheduleOrSend(ctx context.Context, appt model.Appointment) {
	if appt.Client.Phone == "" && appt.Client.Email == "" {
		s.logger.Warn("client has no contact channel, reminder skipped", "appointment_id", appt.ID)
		return
	}

	switch Classify(appt.Date, s.now()) {
	case RegimeSkip:
		s.logger.Debug("appointment already past, reminder skipped", "appointment_id", appt.ID)

	case RegimeSendNow:
		if _, err := s.dispatch(ctx, appt.OwnerID, appt.ID); err != nil {
			s.logger.Warn("immediate reminder failed", "appointment_id", appt.ID, "err", err)
		}

	case RegimeSchedule:
		ownerID, id := appt.OwnerID, appt.ID
		s.registry.Schedule(timerKey(id), FireTime(appt.Date), func() {
			fireCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := s.dispatch(fireCtx, ownerID, id); err != nil {
				s.logger.Warn("scheduled reminder failed", "appointment_id", id, "err", err)
			}
		})
	}
}

// SendManualReminder sends a reminder for one appointment on demand,
// scoped to the owner. Unlike the automatic paths it surfaces errors.
func (s *Scheduler) SendManualReminder(ctx context.Context, ownerID, id string) (notify.Result, error) {
	return s.dispatch(ctx, ownerID, id)
}

// dispatch is the single send path. It re-reads the appointment at fire
// time, applies the quota gate, takes the durable claim, and only then
// talks to the provider. The claim transaction commits after the provider
// accepts; a provider failure rolls the claim back so a later attempt can
// retry.
func (s *Scheduler) dispatch(ctx context.Context, ownerID, id string) (notify.Result, error) {
	ctx, span := tracer.Start(ctx, "reminder.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("appointment.id", id))

	appt, err := s.store.FindByID(ctx, ownerID, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return notify.Result{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
		}
		return notify.Result{}, err
	}

	if appt.Status == model.StatusCancelled {
		s.logger.Info("appointment cancelled, reminder skipped", "appointment_id", id)
		return notify.Result{Success: false, Message: "appointment cancelled"}, nil
	}

	limits := s.limitsFor(ctx, ownerID)
	channel, recipient := pickChannel(appt.Client, limits)
	if channel == "" {
		s.logger.Warn("client has no usable contact channel, reminder skipped", "appointment_id", id)
		return notify.Result{Success: false, Message: "client has no usable contact channel"}, nil
	}

	if exhausted, n := s.quotaExhausted(ctx, ownerID, limits); exhausted {
		s.logger.Warn("monthly reminder quota exhausted",
			"owner_id", ownerID, "tier", limits.Tier, "sent_this_month", n)
		return notify.Result{Success: false, Message: "monthly reminder quota exhausted"}, nil
	}

	sentAt := s.now().UTC()
	claim, err := s.openClaim(ctx, id, sentAt)
	if err != nil {
		return notify.Result{}, err
	}
	if !claim.Claimed() {
		_ = claim.Release(ctx)
		s.logger.Debug("reminder already sent, duplicate suppressed", "appointment_id", id)
		return notify.Result{Success: false, Message: "reminder already sent"}, nil
	}

	res, err := s.sender.Send(ctx, notify.Message{
		OwnerID:   ownerID,
		Channel:   channel,
		Recipient: recipient,
		Subject:   "Appointment reminder",
		Body:      ComposeMessage(appt, s.loc),
	})
	if err != nil || !res.Success {
		_ = claim.Release(ctx)
		reason := res.Err
		if err != nil {
			reason = err.Error()
		}
		if reason == "" {
			reason = res.Message
		}
		s.logger.Warn("reminder send failed, claim released",
			"appointment_id", id, "channel", channel, "reason", reason)
		s.recordFailure(ctx, appt, channel, reason)
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", ErrSendFailed, reason)
	}

	evt, err := sentEvent(appt, channel, recipient, res.Provider, sentAt)
	if err != nil {
		_ = claim.Release(ctx)
		return res, err
	}
	if err := claim.Confirm(ctx, evt); err != nil {
		// The provider accepted but the mark did not land; the sweep may
		// resend once. Loud log so operators see it.
		s.logger.Error("reminder sent but durable mark failed", "appointment_id", id, "err", err)
		return res, err
	}

	s.logger.Info("reminder sent",
		"appointment_id", id, "owner_id", ownerID, "channel", channel, "provider", res.Provider)
	return res, nil
}

// RunDailySweep scans [now, end of tomorrow] in the business timezone and
// schedules or sends every pending, unreminded appointment. One broken row
// never aborts the rest of the sweep.
func (s *Scheduler) RunDailySweep(ctx context.Context) {
	if s.lock != nil {
		locked, err := s.lock.TryLock(ctx)
		if err != nil {
			s.logger.Error("sweep lock unavailable", "err", err)
			return
		}
		if !locked {
			s.logger.Info("sweep skipped, another instance holds the lock")
			return
		}
		defer func() {
			if err := s.lock.Unlock(ctx); err != nil {
				s.logger.Warn("sweep lock release failed", "err", err)
			}
		}()
	}

	ctx, span := tracer.Start(ctx, "reminder.sweep")
	defer span.End()

	start := s.now()
	end := endOfTomorrow(start, s.loc)
	appts, err := s.store.FindPendingInWindow(ctx, start, end)
	if err != nil {
		s.logger.Error("sweep query failed", "err", err)
		return
	}
	span.SetAttributes(attribute.Int("appointments.matched", len(appts)))

	for _, appt := range appts {
		s.scheduleOrSend(ctx, appt)
	}
	s.logger.Info("reminder sweep complete", "matched", len(appts), "window_end", end)
}

// CheckAndScheduleReminders is the manually triggered sweep.
func (s *Scheduler) CheckAndScheduleReminders(ctx context.Context) {
	s.RunDailySweep(ctx)
}

// Run sweeps once immediately (recovering timers lost to a restart), then
// once per day at the configured local hour, until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.RunDailySweep(ctx)
	for {
		wait := time.Until(nextRunAt(s.now().In(s.loc), s.sweepHour))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunDailySweep(ctx)
		}
	}
}

func (s *Scheduler) limitsFor(ctx context.Context, ownerID string) billing.Limits {
	limits, err := s.entitlements.LimitsFor(ctx, ownerID)
	if err != nil {
		// Fail open: a billing outage must not silence reminders.
		s.logger.Warn("entitlements lookup failed, sending without quota gate", "owner_id", ownerID, "err", err)
		return billing.Limits{SMSEnabled: true}
	}
	return limits
}

func (s *Scheduler) quotaExhausted(ctx context.Context, ownerID string, limits billing.Limits) (bool, int) {
	if limits.MaxMonthlyReminders <= 0 {
		return false, 0
	}
	now := s.now().In(s.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
	n, err := s.store.CountRemindersSent(ctx, ownerID, monthStart.UTC(), now.UTC())
	if err != nil {
		s.logger.Warn("reminder count lookup failed, sending without quota gate", "owner_id", ownerID, "err", err)
		return false, 0
	}
	return n >= limits.MaxMonthlyReminders, n
}

func (s *Scheduler) recordFailure(ctx context.Context, appt model.Appointment, channel, reason string) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"owner_id":       appt.OwnerID,
		"channel":        channel,
		"reason":         reason,
		"failed_at":      s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := s.events.InsertOne(ctx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     outbox.EventReminderFailed,
		Payload:       payload,
	}); err != nil {
		s.logger.Warn("failed to record reminder failure event", "appointment_id", appt.ID, "err", err)
	}
}

func sentEvent(appt model.Appointment, channel, recipient, provider string, sentAt time.Time) (outbox.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"owner_id":       appt.OwnerID,
		"channel":        channel,
		"recipient":      recipient,
		"provider":       provider,
		"sent_at":        sentAt.Format(time.RFC3339),
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     outbox.EventReminderSent,
		Payload:       payload,
	}, nil
}

// pickChannel prefers SMS when the plan allows it, falling back to email.
func pickChannel(c model.Client, limits billing.Limits) (channel, recipient string) {
	if c.Phone != "" && limits.SMSEnabled {
		return notify.ChannelSMS, c.Phone
	}
	if c.Email != "" {
		return notify.ChannelEmail, c.Email
	}
	return "", ""
}

// endOfTomorrow is 23:59:59.999 tomorrow in loc.
func endOfTomorrow(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, int(999*time.Millisecond), loc).AddDate(0, 0, 1)
}

func nextRunAt(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func timerKey(id string) string {
	return "reminder:" + id
}
