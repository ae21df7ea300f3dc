package billing

import (
	"context"

	"github.com/juank159/agendity-backend-sub000/internal/storage"
)

// Provider resolves the effective limits for an owner.
type Provider interface {
	LimitsFor(ctx context.Context, ownerID string) (Limits, error)
}

type repoProvider struct {
	repo *storage.SubscriptionRepository
}

func NewProvider(repo *storage.SubscriptionRepository) Provider {
	return &repoProvider{repo: repo}
}

func (p *repoProvider) LimitsFor(ctx context.Context, ownerID string) (Limits, error) {
	sub, ok, err := p.repo.GetByOwner(ctx, ownerID)
	if err != nil {
		return Limits{}, err
	}
	if !ok || sub.Status != "active" {
		// Owners without an active subscription fall back to free-tier limits.
		return LimitsForTier("free"), nil
	}
	return LimitsForTier(sub.Tier), nil
}

type staticProvider struct {
	limits Limits
}

// NewStaticProvider returns fixed limits; used in tests and when billing is disabled.
func NewStaticProvider(limits Limits) Provider {
	return &staticProvider{limits: limits}
}

func (p *staticProvider) LimitsFor(_ context.Context, _ string) (Limits, error) {
	return p.limits, nil
}
