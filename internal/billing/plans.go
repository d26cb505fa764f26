// Package billing provides plan entitlements and billing domain logic.
package billing

import "breathofnow/internal/types"

// PlanFeatures describes what a subscription tier unlocks.
type PlanFeatures struct {
	// MaxApps is the number of micro-apps that may be selected at once.
	// types.UnlimitedApps grants every app without consulting the selection.
	MaxApps types.MaxApps
}

// PlanRegistry defines the authoritative features for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetFeatures returns the features for the given tier.
	// For unknown tiers, returns the Free features to fail safely.
	GetFeatures(tier types.SubscriptionTier) PlanFeatures
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
type staticPlanRegistry struct {
	features map[types.SubscriptionTier]PlanFeatures
}

// planDefaults is the canonical tier table:
//
//	| Tier     | Apps |
//	|----------|------|
//	| Free     | 1    |
//	| Starter  | 2    |
//	| Plus     | 3    |
//	| Pro      | all  |
//	| Founding | all  |
var planDefaults = map[types.SubscriptionTier]PlanFeatures{
	types.TierFree:     {MaxApps: 1},
	types.TierStarter:  {MaxApps: 2},
	types.TierPlus:     {MaxApps: 3},
	types.TierPro:      {MaxApps: types.UnlimitedApps},
	types.TierFounding: {MaxApps: types.UnlimitedApps},
}

var freeFeatures = planDefaults[types.TierFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded tier
// table. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	m := make(map[types.SubscriptionTier]PlanFeatures, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{features: m}
}

// GetFeatures returns the features of tier, or the Free features if the tier
// is unknown.
func (r *staticPlanRegistry) GetFeatures(tier types.SubscriptionTier) PlanFeatures {
	if f, ok := r.features[tier]; ok {
		return f
	}
	return freeFeatures
}

// MaxApps is a convenience for GetFeatures(tier).MaxApps.
func MaxApps(r PlanRegistry, tier types.SubscriptionTier) types.MaxApps {
	return r.GetFeatures(tier).MaxApps
}
