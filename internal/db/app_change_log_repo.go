package db

import (
	"context"
	"time"

	"breathofnow/internal/types"
)

// AppChangeLogRepository stores the entitlement audit trail written by the
// audit worker.
type AppChangeLogRepository struct {
	db DBTX
}

// NewAppChangeLogRepository creates an AppChangeLogRepository.
func NewAppChangeLogRepository(db DBTX) *AppChangeLogRepository {
	return &AppChangeLogRepository{db: db}
}

const insertAppChangeSQL = `INSERT INTO app_change_log (event_id, user_id, action, app_id, tier, selected_apps, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING`

// Insert records entry. SQS delivers at least once, so a duplicate event id
// is ignored and reported as (false, nil).
func (r *AppChangeLogRepository) Insert(ctx context.Context, entry types.AppChangeLogEntry) (bool, error) {
	apps := entry.SelectedApps
	if apps == nil {
		apps = []string{}
	}
	tag, err := r.db.Exec(ctx, insertAppChangeSQL,
		entry.EventID,
		entry.UserID,
		string(entry.Action),
		entry.AppID,
		string(entry.Tier),
		apps,
		entry.OccurredAt.UTC(),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert app change", err)
	}
	return tag.RowsAffected() > 0, nil
}

const listAppChangesSQL = `SELECT event_id, action, app_id, tier, selected_apps, occurred_at
  FROM app_change_log
 WHERE user_id = $1
 ORDER BY occurred_at DESC, event_id
 LIMIT $2`

// MaxHistoryLimit caps ListByUser.
const MaxHistoryLimit = 100

// ListByUser returns the most recent changes of userID, newest first.
func (r *AppChangeLogRepository) ListByUser(ctx context.Context, userID string, limit int) ([]types.AppChangeLogEntry, error) {
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := r.db.Query(ctx, listAppChangesSQL, userID, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list app changes", err)
	}
	defer rows.Close()

	entries := make([]types.AppChangeLogEntry, 0)
	for rows.Next() {
		var (
			e          types.AppChangeLogEntry
			action     string
			tier       string
			occurredAt time.Time
		)
		if err := rows.Scan(&e.EventID, &action, &e.AppID, &tier, &e.SelectedApps, &occurredAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan app change", err)
		}
		e.UserID = userID
		e.Action = types.EntitlementAction(action)
		e.Tier = types.SubscriptionTier(tier)
		e.OccurredAt = occurredAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating app changes", err)
	}
	return entries, nil
}
