package types

import "strings"

// SubscriptionTier identifies the subscription level persisted on a profile.
// The five-tier model is canonical; "free" is the least-privilege default.
type SubscriptionTier string

const (
	TierFree     SubscriptionTier = "free"
	TierStarter  SubscriptionTier = "starter"
	TierPlus     SubscriptionTier = "plus"
	TierPro      SubscriptionTier = "pro"
	TierFounding SubscriptionTier = "founding"
)

// AllTiers lists every known tier from least to most privileged.
var AllTiers = []SubscriptionTier{TierFree, TierStarter, TierPlus, TierPro, TierFounding}

// ParseSubscriptionTier normalizes s and reports whether it names a known tier.
// Unknown values return TierFree and false.
func ParseSubscriptionTier(s string) (SubscriptionTier, bool) {
	t := SubscriptionTier(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTiers {
		if t == known {
			return t, true
		}
	}
	return TierFree, false
}

// IsPaid reports whether the tier is purchased through billing.
func (t SubscriptionTier) IsPaid() bool {
	return t != TierFree
}

// BillingInterval is a price point of a plan.
type BillingInterval string

const (
	IntervalMonthly  BillingInterval = "monthly"
	IntervalYearly   BillingInterval = "yearly"
	IntervalLifetime BillingInterval = "lifetime"
)

// IsRecurring reports whether the interval produces a subscription rather
// than a one-off payment.
func (i BillingInterval) IsRecurring() bool {
	return i == IntervalMonthly || i == IntervalYearly
}

// EntitlementAction is a mutation requested against the app-slot state.
type EntitlementAction string

const (
	ActionSelect      EntitlementAction = "select"
	ActionDeselect    EntitlementAction = "deselect"
	ActionMakePrimary EntitlementAction = "make_primary"
)

// Valid reports whether the action is one of the supported mutations.
func (a EntitlementAction) Valid() bool {
	switch a {
	case ActionSelect, ActionDeselect, ActionMakePrimary:
		return true
	}
	return false
}
