// Package entitlement enforces which micro-apps a subscription tier may have
// selected at any time, including the free-tier swap cooldown.
//
// Manager is a pure decision function over a Profile: every operation returns
// either a new Profile or a *types.AppError rejection and never mutates its
// input. Service wraps it with persistence and compare-and-swap retries.
package entitlement

import (
	"slices"
	"time"

	"breathofnow/internal/billing"
	"breathofnow/internal/types"
)

// CooldownDays is the minimum number of whole 24h periods between free-tier
// primary-app changes.
const CooldownDays = 30

const day = 24 * time.Hour

// Manager applies the app-slot rules. It holds no per-user state.
type Manager struct {
	plans billing.PlanRegistry
}

// NewManager creates a Manager over the given tier table.
func NewManager(plans billing.PlanRegistry) *Manager {
	return &Manager{plans: plans}
}

// effectiveTier maps unknown tiers to free.
func effectiveTier(t types.SubscriptionTier) types.SubscriptionTier {
	tier, _ := types.ParseSubscriptionTier(string(t))
	return tier
}

// MaxApps returns the slot allowance of tier; unknown tiers get the free allowance.
func (m *Manager) MaxApps(tier types.SubscriptionTier) types.MaxApps {
	return billing.MaxApps(m.plans, effectiveTier(tier))
}

// Select adds appID to the selection.
func (m *Manager) Select(p *types.Profile, appID string, now time.Time) (*types.Profile, error) {
	tier := effectiveTier(p.Tier)
	limit := m.MaxApps(tier)

	if limit.Unlimited() {
		return nil, types.NewAppError(types.ErrCodePermissionTierHasAllApps,
			"your plan already includes every app", nil)
	}
	if slices.Contains(p.SelectedApps, appID) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadySelected,
			"app is already selected", nil, map[string]any{"app_id": appID})
	}
	if len(p.SelectedApps) >= int(limit) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeLimitNoSlots,
			"no app slots available; deselect an app or upgrade your plan", nil,
			map[string]any{"max_apps": int(limit)})
	}

	next := p.Clone()
	if tier == types.TierFree && len(p.SelectedApps) == 0 {
		// The first free-tier pick starts the swap cooldown.
		stamp := now.UTC()
		next.LastAppChange = &stamp
	}
	next.SelectedApps = append(next.SelectedApps, appID)
	return next, nil
}

// Deselect removes appID from the selection. Free tier must swap with
// MakePrimary instead.
func (m *Manager) Deselect(p *types.Profile, appID string) (*types.Profile, error) {
	if effectiveTier(p.Tier) == types.TierFree {
		return nil, types.NewAppError(types.ErrCodePermissionTierCannotDeselect,
			"free plan apps can only be swapped, not deselected", nil)
	}
	i := slices.Index(p.SelectedApps, appID)
	if i < 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictNotSelected,
			"app is not selected", nil, map[string]any{"app_id": appID})
	}

	next := p.Clone()
	next.SelectedApps = slices.Delete(next.SelectedApps, i, i+1)
	return next, nil
}

// MakePrimary replaces the single free-tier app with appID, subject to the
// cooldown.
func (m *Manager) MakePrimary(p *types.Profile, appID string, now time.Time) (*types.Profile, error) {
	if effectiveTier(p.Tier) != types.TierFree {
		return nil, types.NewAppError(types.ErrCodePermissionWrongTier,
			"only the free plan has a primary app", nil)
	}
	if slices.Contains(p.SelectedApps, appID) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictAlreadyPrimary,
			"app is already your primary app", nil, map[string]any{"app_id": appID})
	}
	if remaining, active := cooldown(p, now); active {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeLimitCooldown,
			"you can change your primary app once every 30 days", nil,
			map[string]any{"days_remaining": remaining})
	}

	next := p.Clone()
	stamp := now.UTC()
	next.SelectedApps = []string{appID}
	next.LastAppChange = &stamp
	return next, nil
}

// HasAccess reports whether the profile may use appID.
func (m *Manager) HasAccess(p *types.Profile, appID string) bool {
	if m.MaxApps(p.Tier).Unlimited() {
		return true
	}
	return slices.Contains(p.SelectedApps, appID)
}

// Apply dispatches action to the matching operation.
func (m *Manager) Apply(p *types.Profile, action types.EntitlementAction, appID string, now time.Time) (*types.Profile, error) {
	switch action {
	case types.ActionSelect:
		return m.Select(p, appID, now)
	case types.ActionDeselect:
		return m.Deselect(p, appID)
	case types.ActionMakePrimary:
		return m.MakePrimary(p, appID, now)
	default:
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAction,
			"action must be one of select, deselect, make_primary", nil,
			map[string]any{"action": string(action)})
	}
}

// Status is the read-only entitlement view, evaluating the cooldown as
// MakePrimary would at now.
func (m *Manager) Status(p *types.Profile, now time.Time) types.EntitlementView {
	view := types.EntitlementView{
		Tier:          effectiveTier(p.Tier),
		SelectedApps:  append([]string{}, p.SelectedApps...),
		MaxApps:       m.MaxApps(p.Tier),
		LastAppChange: p.LastAppChange,
		CanChange:     true,
	}
	if view.Tier != types.TierFree {
		return view
	}
	if remaining, active := cooldown(p, now); active {
		view.CanChange = false
		view.DaysUntilChange = remaining
	}
	return view
}

// cooldown returns the whole days left before a swap is allowed. It only
// applies once an app is selected and a change has been stamped. Elapsed time
// is floored to 24h periods; clock skew that puts the stamp in the future
// counts as zero elapsed days.
func cooldown(p *types.Profile, now time.Time) (int, bool) {
	if p.LastAppChange == nil || len(p.SelectedApps) == 0 {
		return 0, false
	}
	elapsed := now.Sub(*p.LastAppChange)
	if elapsed < 0 {
		elapsed = 0
	}
	daysSince := int(elapsed / day)
	if daysSince >= CooldownDays {
		return 0, false
	}
	return CooldownDays - daysSince, true
}
