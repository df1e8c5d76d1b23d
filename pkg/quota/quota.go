package quota

import (
	"context"

	"github.com/outpost-run/outpost/pkg/config"
	"github.com/outpost-run/outpost/pkg/errdefs"
	"github.com/outpost-run/outpost/pkg/metrics"
	"github.com/outpost-run/outpost/pkg/store"
)

// retryAfterSeconds is the hint returned with quota rejections. Dispatches
// are minutes-long; retrying sooner than this is pointless.
const retryAfterSeconds = 30

// TierResolver maps a user to a tier name. The default resolver assigns
// every user the configured default tier; deployments with a real account
// system plug their own in.
type TierResolver func(userID string) string

// Checker enforces per-tenant concurrency caps.
type Checker struct {
	store       store.Store
	tiers       map[string]config.TierConfig
	defaultTier string
	resolve     TierResolver
}

// New creates a quota checker. resolver may be nil.
func New(st store.Store, cfg config.Config, resolver TierResolver) *Checker {
	if resolver == nil {
		tier := cfg.DefaultTier
		resolver = func(string) string { return tier }
	}
	return &Checker{
		store:       st,
		tiers:       cfg.Tiers,
		defaultTier: cfg.DefaultTier,
		resolve:     resolver,
	}
}

// Limit returns the concurrency cap for a user.
func (c *Checker) Limit(userID string) int {
	tier, ok := c.tiers[c.resolve(userID)]
	if !ok {
		tier = c.tiers[c.defaultTier]
	}
	return tier.MaxConcurrentJobs
}

// Check fails with QuotaExceeded when the user's active dispatch count has
// reached the tier cap. The count includes PENDING and RUNNING only.
func (c *Checker) Check(ctx context.Context, userID string) error {
	limit := c.Limit(userID)
	if limit <= 0 {
		return nil
	}

	active, err := c.store.CountActiveByUser(ctx, userID)
	if err != nil {
		return errdefs.Unavailable(err, "failed to count active dispatches for %s", userID)
	}
	if active >= limit {
		metrics.QuotaRejectedTotal.Inc()
		return errdefs.QuotaExceeded(retryAfterSeconds,
			"concurrent dispatch limit reached (%d/%d)", active, limit)
	}
	return nil
}
