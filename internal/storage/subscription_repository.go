package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juank159/agendity-backend-sub000/libs/db"
)

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

type Subscription struct {
	OwnerID              string
	Tier                 string
	Status               string
	Provider             string
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

type SubscriptionRepository struct {
	pool *db.Pool
}

func NewSubscriptionRepository(pool *db.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func (r *SubscriptionRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *SubscriptionRepository) GetByOwner(ctx context.Context, ownerID string) (Subscription, bool, error) {
	var s Subscription
	err := r.pool.QueryRow(ctx, `
		SELECT owner_id, tier, status, COALESCE(provider, ''),
			COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
			current_period_start, current_period_end
		FROM subscriptions
		WHERE owner_id = $1
	`, ownerID).Scan(
		&s.OwnerID,
		&s.Tier,
		&s.Status,
		&s.Provider,
		&s.StripeCustomerID,
		&s.StripeSubscriptionID,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, false, nil
	}
	if err != nil {
		return Subscription{}, false, err
	}
	return s, true, nil
}

func (r *SubscriptionRepository) Upsert(ctx context.Context, tx pgx.Tx, s Subscription) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO subscriptions
			(owner_id, tier, status, provider, stripe_customer_id, stripe_subscription_id, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id) DO UPDATE SET
			tier = EXCLUDED.tier,
			status = EXCLUDED.status,
			provider = EXCLUDED.provider,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = now()
	`, s.OwnerID, s.Tier, s.Status, s.Provider, s.StripeCustomerID, s.StripeSubscriptionID, s.CurrentPeriodStart, s.CurrentPeriodEnd)
	return err
}

// InsertProviderEvent records a billing provider event id for idempotency.
// A replayed event surfaces as ErrDuplicateProviderEvent.
func (r *SubscriptionRepository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO billing_provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateProviderEvent
		}
	}
	return err
}
