package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"

	"breathofnow/internal/core"
	"breathofnow/internal/external"
	"breathofnow/internal/types"
)

// maxWebhookBodySize bounds a Stripe webhook payload.
const maxWebhookBodySize = 64 * 1024

// TierUpdater applies subscription tier changes. It is the subset of
// *db.SubscriptionRepository the webhook uses.
type TierUpdater interface {
	// UpdateTier returns false when eventTimestamp is not newer than the last
	// applied subscription event for the user.
	UpdateTier(ctx context.Context, userID string, tier types.SubscriptionTier, eventTimestamp time.Time) (bool, error)
}

// WebhookRecorder counts webhook outcomes.
type WebhookRecorder interface {
	RecordWebhookEvent(ctx context.Context, eventType, result string)
}

// Webhook outcomes reported to the recorder.
const (
	WebhookProcessed        = "processed"
	WebhookIgnored          = "ignored"
	WebhookStale            = "stale"
	WebhookRejected         = "rejected"
	WebhookError            = "error"
	WebhookInvalidSignature = "invalid_signature"
)

// errIgnoredEvent marks an event that is valid but carries no tier change.
var errIgnoredEvent = errors.New("event ignored")

// StripeWebhookHandler keeps subscription tiers in sync with Stripe.
// It is not behind bearer auth; the Stripe-Signature header authenticates it.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	tiers    TierUpdater
	recorder WebhookRecorder
	secret   types.SecretString
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. recorder may be nil.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	tiers TierUpdater,
	recorder WebhookRecorder,
	secret types.SecretString,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		tiers:    tiers,
		recorder: recorder,
		secret:   secret,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and applies one Stripe event.
//
// Transient failures answer 500 so Stripe redelivers; replays are harmless
// because UpdateTier drops events older than the last one applied. Events
// that can never succeed (no user, unknown plan) are acknowledged with 200.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationFailed, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.record(ctx, "", WebhookInvalidSignature)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		h.record(ctx, "", WebhookInvalidSignature)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	event, err := external.ParseStripeEvent(payload)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to parse webhook event", "error", err)
		h.record(ctx, "", WebhookRejected)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err))
		return
	}

	eventType := string(event.Type)
	logger := h.logger.With("event_id", event.ID, "event_type", eventType)

	result, err := h.routeEvent(ctx, logger, event)
	h.record(ctx, eventType, result)

	if result == WebhookError {
		logger.ErrorContext(ctx, "webhook event processing failed", "error", err)
		core.Error(w, r, err)
		return
	}
	if err != nil && !errors.Is(err, errIgnoredEvent) {
		logger.WarnContext(ctx, "webhook event rejected", "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) record(ctx context.Context, eventType, result string) {
	if h.recorder != nil {
		h.recorder.RecordWebhookEvent(ctx, eventType, result)
	}
}

// routeEvent returns the outcome label and, for anything but processed, the
// reason.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, logger *slog.Logger, event stripe.Event) (string, error) {
	var (
		userID string
		tier   types.SubscriptionTier
		err    error
	)

	switch string(event.Type) {
	case external.EventStripeCheckoutCompleted:
		userID, tier, err = checkoutTier(event.Data.Raw)
	case external.EventStripeSubUpdated:
		userID, tier, err = subscriptionTier(event.Data.Raw)
	case external.EventStripeSubDeleted:
		userID, _, err = subscriptionTier(event.Data.Raw)
		tier = types.TierFree
		if errors.Is(err, errIgnoredEvent) {
			err = nil
		}
	default:
		logger.DebugContext(ctx, "ignoring unhandled webhook event type")
		return WebhookIgnored, errIgnoredEvent
	}

	switch {
	case errors.Is(err, errIgnoredEvent):
		logger.InfoContext(ctx, "webhook event carries no tier change", "reason", err)
		return WebhookIgnored, err
	case err != nil:
		return WebhookRejected, err
	}

	applied, err := h.tiers.UpdateTier(ctx, userID, tier, time.Unix(event.Created, 0).UTC())
	if err != nil {
		return WebhookError, err
	}
	if !applied {
		return WebhookStale, nil
	}
	logger.InfoContext(ctx, "subscription tier applied", "user_id", userID, "tier", string(tier))
	return WebhookProcessed, nil
}

// checkoutTier extracts the buyer and plan from a completed checkout.
// Sessions not yet paid (delayed payment methods) are ignored; the later
// subscription event carries the tier.
func checkoutTier(raw json.RawMessage) (string, types.SubscriptionTier, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return "", "", fmt.Errorf("decode checkout session: %w", err)
	}
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		return "", "", fmt.Errorf("%w: checkout session %s unpaid", errIgnoredEvent, session.ID)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata[external.MetaUserID]
	}
	if userID == "" {
		return "", "", fmt.Errorf("checkout session %s has no user id", session.ID)
	}
	tier, err := paidTier(session.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("checkout session %s: %w", session.ID, err)
	}
	return userID, tier, nil
}

// subscriptionTier maps a subscription's status onto the tier the user
// should hold. past_due keeps the plan while Stripe retries the charge.
func subscriptionTier(raw json.RawMessage) (string, types.SubscriptionTier, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return "", "", fmt.Errorf("decode subscription: %w", err)
	}
	userID := sub.Metadata[external.MetaUserID]
	if userID == "" {
		return "", "", fmt.Errorf("subscription %s has no user id", sub.ID)
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		tier, err := paidTier(sub.Metadata)
		if err != nil {
			return "", "", fmt.Errorf("subscription %s: %w", sub.ID, err)
		}
		return userID, tier, nil
	case stripe.SubscriptionStatusCanceled,
		stripe.SubscriptionStatusUnpaid,
		stripe.SubscriptionStatusIncompleteExpired,
		stripe.SubscriptionStatusPaused:
		return userID, types.TierFree, nil
	default:
		return userID, "", fmt.Errorf("%w: subscription %s status %q", errIgnoredEvent, sub.ID, sub.Status)
	}
}

func paidTier(meta map[string]string) (types.SubscriptionTier, error) {
	raw := meta[external.MetaPlan]
	tier, ok := types.ParseSubscriptionTier(raw)
	if !ok || !tier.IsPaid() {
		return "", fmt.Errorf("metadata plan %q is not a paid plan", raw)
	}
	return tier, nil
}
