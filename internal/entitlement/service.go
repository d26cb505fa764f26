package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"breathofnow/internal/types"
)

// DefaultMaxAttempts bounds the read-decide-write loop under contention.
const DefaultMaxAttempts = 3

// ProfileStore persists profiles with compare-and-swap semantics.
type ProfileStore interface {
	// GetProfile loads the profile of userID. A user without a row gets a
	// fresh free profile with Version 0.
	GetProfile(ctx context.Context, userID string) (*types.Profile, error)

	// SaveProfile writes p only if the stored version still equals
	// expectedVersion (0 inserts a new row). It returns false without error
	// when another writer got there first.
	SaveProfile(ctx context.Context, p *types.Profile, expectedVersion int64) (bool, error)
}

// Recorder receives entitlement outcome metrics.
type Recorder interface {
	RecordEntitlementRejection(ctx context.Context, code types.ErrorCode)
	RecordEntitlementConflict(ctx context.Context)
}

// MutationResult is returned to the caller after an accepted mutation.
type MutationResult struct {
	Success      bool     `json:"success"`
	SelectedApps []string `json:"selected_apps"`
}

// Service loads a profile, applies a Manager operation and persists the
// result atomically with respect to concurrent writers of the same profile.
type Service struct {
	store       ProfileStore
	manager     *Manager
	publisher   types.EventPublisher
	recorder    Recorder
	clock       types.Clock
	logger      *slog.Logger
	maxAttempts int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublisher emits EntitlementChanged after each accepted mutation.
func WithPublisher(p types.EventPublisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides the time source.
func WithClock(c types.Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// NewService creates a Service.
func NewService(store ProfileStore, manager *Manager, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:       store,
		manager:     manager,
		clock:       types.RealClock{},
		logger:      logger,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the entitlement view of userID.
func (s *Service) Get(ctx context.Context, userID string) (types.EntitlementView, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return types.EntitlementView{}, err
	}
	return s.manager.Status(p, s.clock.Now()), nil
}

// HasAccess reports whether userID may use appID.
func (s *Service) HasAccess(ctx context.Context, userID, appID string) (bool, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return false, err
	}
	return s.manager.HasAccess(p, appID), nil
}

// Mutate applies action to userID's profile. Rejections are returned as
// *types.AppError and leave the stored profile untouched. A lost
// compare-and-swap re-reads and re-validates; after maxAttempts losses the
// call fails with conflict_concurrent_modification.
func (s *Service) Mutate(ctx context.Context, userID string, action types.EntitlementAction, appID string) (MutationResult, error) {
	if !action.Valid() {
		return MutationResult{}, s.reject(ctx, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAction,
			"action must be one of select, deselect, make_primary", nil,
			map[string]any{"action": string(action)}))
	}
	if appID == "" {
		return MutationResult{}, s.reject(ctx, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
			"app_id is required", nil, map[string]any{"field": "app_id"}))
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		current, err := s.store.GetProfile(ctx, userID)
		if err != nil {
			return MutationResult{}, err
		}

		now := s.clock.Now()
		next, err := s.manager.Apply(current, action, appID, now)
		if err != nil {
			return MutationResult{}, s.reject(ctx, err)
		}
		next.UpdatedAt = now

		saved, err := s.store.SaveProfile(ctx, next, current.Version)
		if err != nil {
			return MutationResult{}, err
		}
		if !saved {
			s.logger.WarnContext(ctx, "entitlement write lost compare-and-swap",
				"user_id", userID,
				"attempt", attempt,
				"expected_version", current.Version,
			)
			if s.recorder != nil {
				s.recorder.RecordEntitlementConflict(ctx)
			}
			continue
		}

		s.logger.InfoContext(ctx, "entitlement updated",
			"user_id", userID,
			"action", string(action),
			"app_id", appID,
			"selected_apps", next.SelectedApps,
		)
		s.publish(ctx, userID, action, appID, next)

		return MutationResult{Success: true, SelectedApps: append([]string{}, next.SelectedApps...)}, nil
	}

	return MutationResult{}, types.NewAppError(types.ErrCodeConflictConcurrent,
		"profile was modified concurrently; please retry",
		fmt.Errorf("gave up after %d attempts", s.maxAttempts))
}

func (s *Service) reject(ctx context.Context, err error) error {
	var appErr *types.AppError
	if s.recorder != nil && errors.As(err, &appErr) {
		s.recorder.RecordEntitlementRejection(ctx, appErr.Code)
	}
	return err
}

// publish is best effort: the profile row is the source of truth and the
// event only feeds the audit log.
func (s *Service) publish(ctx context.Context, userID string, action types.EntitlementAction, appID string, p *types.Profile) {
	if s.publisher == nil {
		return
	}
	evt := types.EntitlementChanged{
		EventID:      uuid.NewString(),
		UserID:       userID,
		Action:       action,
		AppID:        appID,
		Tier:         effectiveTier(p.Tier),
		SelectedApps: append([]string{}, p.SelectedApps...),
		OccurredAt:   p.UpdatedAt,
		RequestID:    types.GetRequestID(ctx),
	}
	if err := s.publisher.PublishEntitlementChanged(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish entitlement change",
			"user_id", userID,
			"event_id", evt.EventID,
			"error", err,
		)
	}
}
