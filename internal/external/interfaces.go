package external

import (
	"context"
	"net/netip"

	"breathofnow/internal/types"
)

// ---------------------------------------------------------------------------
// Billing (Stripe)
// ---------------------------------------------------------------------------

// BillingService abstracts the payment provider.
type BillingService interface {
	// CreateCheckoutSession returns the hosted checkout URL for req.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// CheckoutRequest is a purchase at an already-resolved regional price.
type CheckoutRequest struct {
	UserID        string
	Email         string
	Plan          types.SubscriptionTier
	Interval      types.BillingInterval
	AmountCents   int64
	Currency      string
	PricingTierID string
	SuccessURL    string
	CancelURL     string
}

func (r CheckoutRequest) validate() error {
	switch {
	case r.UserID == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a user id", nil)
	case !r.Plan.IsPaid():
		return types.NewAppError(types.ErrCodeValidationInvalidPlan, "plan is not purchasable", nil)
	case r.AmountCents <= 0:
		return types.NewAppError(types.ErrCodeValidationInvalidPrice, "checkout amount must be positive", nil)
	case r.Currency == "":
		return types.NewAppError(types.ErrCodeValidationMissingField, "checkout requires a currency", nil)
	}
	return nil
}

// CheckoutSession identifies a created Stripe Checkout session.
type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"checkout_url"`
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event types handled by the webhook.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// Metadata keys written on checkout sessions and subscriptions.
const (
	MetaUserID      = "user_id"
	MetaPlan        = "plan"
	MetaInterval    = "interval"
	MetaPricingTier = "pricing_tier"
)

// ---------------------------------------------------------------------------
// Geolocation
// ---------------------------------------------------------------------------

// CountryLocator resolves a client IP to an ISO 3166-1 alpha-2 code. An
// unknown location is ("", nil), not an error.
type CountryLocator interface {
	LookupCountry(ctx context.Context, ip netip.Addr) (string, error)
}
