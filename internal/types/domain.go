package types

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Profile is the persisted subscription state of a user. Only the fields the
// entitlement and billing flows touch are modelled; the rest of the user
// record belongs to the identity provider.
type Profile struct {
	UserID       string           `json:"user_id" db:"id"`
	Tier         SubscriptionTier `json:"subscription_tier" db:"subscription_tier"`
	SelectedApps []string         `json:"selected_apps" db:"selected_apps"`

	// LastAppChange is stamped by free-tier primary-app changes and drives
	// the swap cooldown. Nil when no change has been recorded yet.
	LastAppChange *time.Time `json:"last_app_change" db:"last_app_change"`

	// Version is the compare-and-swap token. Zero means the row does not
	// exist yet.
	Version int64 `json:"-" db:"version"`

	LastSubscriptionEventAt *time.Time `json:"-" db:"last_subscription_event_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can compute a candidate state without
// aliasing the loaded one.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.SelectedApps = slices.Clone(p.SelectedApps)
	if p.LastAppChange != nil {
		t := *p.LastAppChange
		out.LastAppChange = &t
	}
	if p.LastSubscriptionEventAt != nil {
		t := *p.LastSubscriptionEventAt
		out.LastSubscriptionEventAt = &t
	}
	return &out
}

// UnlimitedApps is the MaxApps sentinel for tiers that grant every app.
const UnlimitedApps MaxApps = -1

// MaxApps is the number of concurrently selected apps a tier allows.
// It serializes as a number, or as "all" when unlimited.
type MaxApps int

// Unlimited reports whether the value grants every app.
func (m MaxApps) Unlimited() bool {
	return m < 0
}

// MarshalJSON renders unlimited as "all".
func (m MaxApps) MarshalJSON() ([]byte, error) {
	if m.Unlimited() {
		return []byte(`"all"`), nil
	}
	return json.Marshal(int(m))
}

// UnmarshalJSON accepts either a number or the string "all".
func (m *MaxApps) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "all" {
			return fmt.Errorf("invalid max_apps %q", s)
		}
		*m = UnlimitedApps
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid max_apps: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("invalid max_apps %d", n)
	}
	*m = MaxApps(n)
	return nil
}

// EntitlementView is the read model returned by GET /v1/entitlements.
type EntitlementView struct {
	Tier            SubscriptionTier `json:"tier"`
	SelectedApps    []string         `json:"selected_apps"`
	MaxApps         MaxApps          `json:"max_apps"`
	LastAppChange   *time.Time       `json:"last_app_change"`
	CanChange       bool             `json:"can_change"`
	DaysUntilChange int              `json:"days_until_change"`
}

// AppChangeLogEntry is one row of the entitlement audit trail.
type AppChangeLogEntry struct {
	EventID      string            `json:"event_id" db:"event_id"`
	UserID       string            `json:"-" db:"user_id"`
	Action       EntitlementAction `json:"action" db:"action"`
	AppID        string            `json:"app_id" db:"app_id"`
	Tier         SubscriptionTier  `json:"tier" db:"tier"`
	SelectedApps []string          `json:"selected_apps" db:"selected_apps"`
	OccurredAt   time.Time         `json:"occurred_at" db:"occurred_at"`
}
