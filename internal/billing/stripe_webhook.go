package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juank159/agendity-backend-sub000/internal/outbox"
	"github.com/juank159/agendity-backend-sub000/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// WebhookHandler applies Stripe subscription events to the subscriptions
// table. Signature verification is the auth; expose the path publicly.
type WebhookHandler struct {
	repo          *storage.SubscriptionRepository
	outboxRepo    *outbox.Repository
	logger        *slog.Logger
	secret        string
	signTolerance time.Duration
}

func NewWebhookHandler(repo *storage.SubscriptionRepository, outboxRepo *outbox.Repository, logger *slog.Logger, secret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookHandler{
		repo:          repo,
		outboxRepo:    outboxRepo,
		logger:        logger,
		secret:        strings.TrimSpace(secret),
		signTolerance: tolerance,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.secret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.secret, h.signTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	evtType := string(evt.Type)
	h.logger.Info("stripe event received", "provider_event_id", evt.ID, "event_type", evtType)

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotency: ignore replayed Stripe events.
	if err := h.repo.InsertProviderEvent(ctx, tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(ctx)
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	switch evtType {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		ownerID := strings.TrimSpace(session.Metadata["owner_id"])
		tier := strings.TrimSpace(strings.ToLower(session.Metadata["tier"]))
		if ownerID == "" || tier == "" {
			h.logger.Warn("stripe: missing metadata on checkout session (owner_id/tier)")
			break
		}
		customerID := ""
		if session.Customer != nil {
			customerID = session.Customer.ID
		}
		subscriptionID := ""
		if session.Subscription != nil {
			subscriptionID = session.Subscription.ID
		}
		if err := h.applySubscription(ctx, tx, storage.Subscription{
			OwnerID:              ownerID,
			Tier:                 tier,
			Status:               "active",
			Provider:             "stripe",
			StripeCustomerID:     customerID,
			StripeSubscriptionID: subscriptionID,
		}); err != nil {
			http.Error(w, "failed to apply activation", http.StatusInternalServerError)
			return
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			break
		}
		ownerID := strings.TrimSpace(sub.Metadata["owner_id"])
		if ownerID == "" {
			h.logger.Warn("stripe: missing owner_id metadata on subscription")
			break
		}
		if err := h.applySubscription(ctx, tx, storage.Subscription{
			OwnerID:              ownerID,
			Tier:                 "free",
			Status:               "canceled",
			Provider:             "stripe",
			StripeSubscriptionID: sub.ID,
		}); err != nil {
			http.Error(w, "failed to apply cancellation", http.StatusInternalServerError)
			return
		}

	default:
		h.logger.Info("stripe event ignored", "event_type", evtType)
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *WebhookHandler) applySubscription(ctx context.Context, tx pgx.Tx, sub storage.Subscription) error {
	if err := h.repo.Upsert(ctx, tx, sub); err != nil {
		return err
	}

	limits := LimitsForTier(sub.Tier)
	payload, err := json.Marshal(map[string]any{
		"owner_id":              sub.OwnerID,
		"tier":                  limits.Tier,
		"status":                sub.Status,
		"max_monthly_reminders": limits.MaxMonthlyReminders,
		"changed_at":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "subscription",
		AggregateID:   sub.OwnerID,
		EventType:     "billing.subscription.changed.v1",
		Payload:       payload,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
