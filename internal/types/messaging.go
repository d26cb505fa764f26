package types

import "time"

// EntitlementChanged is the SQS payload emitted after an accepted app-slot
// mutation has been persisted. Consumed by the audit worker.
type EntitlementChanged struct {
	EventID      string            `json:"event_id"`
	UserID       string            `json:"user_id"`
	Action       EntitlementAction `json:"action"`
	AppID        string            `json:"app_id"`
	Tier         SubscriptionTier  `json:"tier"`
	SelectedApps []string          `json:"selected_apps"`
	OccurredAt   time.Time         `json:"occurred_at"`

	// Observability
	RequestID string `json:"request_id,omitempty"`
}

// ToLogEntry converts the event into its audit row.
func (e EntitlementChanged) ToLogEntry() AppChangeLogEntry {
	return AppChangeLogEntry{
		EventID:      e.EventID,
		UserID:       e.UserID,
		Action:       e.Action,
		AppID:        e.AppID,
		Tier:         e.Tier,
		SelectedApps: append([]string(nil), e.SelectedApps...),
		OccurredAt:   e.OccurredAt,
	}
}
