package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"breathofnow/internal/types"
)

// ProfileRepository persists subscription profiles in the profiles table.
//
// Writes are guarded by the version column: SaveProfile only applies when
// the stored version equals the version the caller read, and bumps it.
type ProfileRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewProfileRepository creates a ProfileRepository.
func NewProfileRepository(db DBTX, logger *slog.Logger) *ProfileRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProfileRepository{db: db, logger: logger}
}

const selectProfileSQL = `SELECT subscription_tier, selected_apps, last_app_change, version,
       last_subscription_event_at, updated_at
  FROM profiles
 WHERE id = $1`

// GetProfile loads the profile of userID.
//
// A user without a row gets a fresh free profile with Version 0. An
// unrecognized tier is logged and read as free. Empty or duplicate app ids
// fail with ErrCodeInternalProfileCorrupt.
func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*types.Profile, error) {
	var (
		rawTier   string
		apps      []string
		lastApp   *time.Time
		version   int64
		lastEvent *time.Time
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx, selectProfileSQL, userID).
		Scan(&rawTier, &apps, &lastApp, &version, &lastEvent, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &types.Profile{
			UserID:       userID,
			Tier:         types.TierFree,
			SelectedApps: []string{},
		}, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load profile", err)
	}

	tier, ok := types.ParseSubscriptionTier(rawTier)
	if !ok {
		r.logger.WarnContext(ctx, "unknown subscription tier, treating as free",
			slog.String("user_id", userID),
			slog.String("tier", rawTier),
		)
	}
	if err := validateSelectedApps(apps); err != nil {
		r.logger.ErrorContext(ctx, "corrupt profile row",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, types.NewAppError(types.ErrCodeInternalProfileCorrupt, "stored profile is invalid", err)
	}
	if apps == nil {
		apps = []string{}
	}

	return &types.Profile{
		UserID:                  userID,
		Tier:                    tier,
		SelectedApps:            apps,
		LastAppChange:           utcPtr(lastApp),
		Version:                 version,
		LastSubscriptionEventAt: utcPtr(lastEvent),
		UpdatedAt:               updatedAt.UTC(),
	}, nil
}

const insertProfileSQL = `INSERT INTO profiles (id, subscription_tier, selected_apps, last_app_change, version, updated_at)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (id) DO NOTHING`

const updateProfileAppsSQL = `UPDATE profiles
   SET selected_apps = $3,
       last_app_change = $4,
       updated_at = $5,
       version = version + 1
 WHERE id = $1
   AND version = $2`

// SaveProfile writes the app selection of p if the stored version still
// equals expectedVersion. Version 0 means "no row yet" and inserts one.
// A lost race returns (false, nil). The tier is owned by the billing
// webhook and is never written here except on first insert.
func (r *ProfileRepository) SaveProfile(ctx context.Context, p *types.Profile, expectedVersion int64) (bool, error) {
	apps := p.SelectedApps
	if apps == nil {
		apps = []string{}
	}
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var (
		sql  string
		args []any
	)
	if expectedVersion == 0 {
		sql = insertProfileSQL
		args = []any{p.UserID, string(p.Tier), apps, p.LastAppChange, updatedAt}
	} else {
		sql = updateProfileAppsSQL
		args = []any{p.UserID, expectedVersion, apps, p.LastAppChange, updatedAt}
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to save profile", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	p.Version = expectedVersion + 1
	return true, nil
}

func validateSelectedApps(apps []string) error {
	seen := make(map[string]struct{}, len(apps))
	for i, id := range apps {
		if id == "" {
			return fmt.Errorf("selected_apps[%d] is empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("selected_apps contains %q twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
