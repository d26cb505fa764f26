package db

import (
	"context"
	"log/slog"
	"time"

	"breathofnow/internal/billing"
	"breathofnow/internal/types"
)

// SubscriptionRepository applies billing-driven tier changes to profiles.
//
// Stripe delivers webhooks out of order, so every change carries the event
// timestamp and is applied only when newer than last_subscription_event_at.
// A downgrade to a bounded tier keeps the first maxApps selected apps, which
// preserves the primary app.
type SubscriptionRepository struct {
	db     DBTX
	plans  billing.PlanRegistry
	logger *slog.Logger
}

// NewSubscriptionRepository creates a SubscriptionRepository.
func NewSubscriptionRepository(db DBTX, plans billing.PlanRegistry, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, plans: plans, logger: logger}
}

// $4 is the slot limit of the new tier, -1 for unlimited.
const upsertTierSQL = `INSERT INTO profiles (id, subscription_tier, selected_apps, version, last_subscription_event_at, updated_at)
VALUES ($1, $2, '{}', 1, $3, NOW())
ON CONFLICT (id) DO UPDATE
   SET subscription_tier = EXCLUDED.subscription_tier,
       selected_apps = CASE
           WHEN $4::int < 0 THEN profiles.selected_apps
           ELSE COALESCE(profiles.selected_apps[1:$4::int], '{}')
       END,
       last_subscription_event_at = EXCLUDED.last_subscription_event_at,
       version = profiles.version + 1,
       updated_at = NOW()
 WHERE profiles.last_subscription_event_at IS NULL
    OR profiles.last_subscription_event_at < EXCLUDED.last_subscription_event_at`

// UpdateTier sets the subscription tier of userID as of eventTimestamp.
// It returns false when the event is not newer than the last applied one;
// that case is an idempotent no-op, not an error.
func (r *SubscriptionRepository) UpdateTier(ctx context.Context, userID string, tier types.SubscriptionTier, eventTimestamp time.Time) (bool, error) {
	limit := billing.MaxApps(r.plans, tier)

	tag, err := r.db.Exec(ctx, upsertTierSQL, userID, string(tier), eventTimestamp.UTC(), int(limit))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription tier", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale subscription event ignored",
			slog.String("user_id", userID),
			slog.String("tier", string(tier)),
			slog.Time("event_timestamp", eventTimestamp),
		)
		return false, nil
	}

	r.logger.InfoContext(ctx, "subscription tier updated",
		slog.String("user_id", userID),
		slog.String("tier", string(tier)),
		slog.Int("max_apps", int(limit)),
	)
	return true, nil
}
