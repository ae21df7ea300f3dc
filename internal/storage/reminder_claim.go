package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juank159/agendity-backend-sub000/internal/outbox"
)

// ReminderClaim is an open transaction holding (or having failed to take)
// the reminder_sent flag for one appointment. Confirm commits the claim,
// optionally with an outbox event in the same transaction; Release rolls
// back, leaving the flag untouched.
type ReminderClaim struct {
	tx      pgx.Tx
	claimed bool
	events  *outbox.Repository
}

// OpenReminderClaim begins a transaction and attempts the conditional
// reminder_sent flip for id. The caller must Confirm or Release.
func (r *AppointmentRepository) OpenReminderClaim(ctx context.Context, events *outbox.Repository, id string, at time.Time) (*ReminderClaim, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	claimed, err := r.ClaimReminder(ctx, tx, id, at)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return &ReminderClaim{tx: tx, claimed: claimed, events: events}, nil
}

func (c *ReminderClaim) Claimed() bool {
	return c.claimed
}

// Confirm commits the claim. A non-empty event is inserted into the outbox
// in the same transaction, so the mark and its event land atomically.
func (c *ReminderClaim) Confirm(ctx context.Context, evt outbox.Event) error {
	if evt.EventType != "" {
		if err := c.events.Insert(ctx, c.tx, evt); err != nil {
			_ = c.tx.Rollback(ctx)
			return err
		}
	}
	return c.tx.Commit(ctx)
}

// Release rolls the transaction back, returning the reminder flag to its
// previous state.
func (c *ReminderClaim) Release(ctx context.Context) error {
	return c.tx.Rollback(ctx)
}
