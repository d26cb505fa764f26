package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"breathofnow/internal/external"
	"breathofnow/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

type mockWebhookVerifier struct {
	err error
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	return m.err
}

type updateTierCall struct {
	UserID         string
	Tier           types.SubscriptionTier
	EventTimestamp time.Time
}

type mockTierUpdater struct {
	calls   []updateTierCall
	applied bool
	err     error
}

func (m *mockTierUpdater) UpdateTier(ctx context.Context, userID string, tier types.SubscriptionTier, ts time.Time) (bool, error) {
	m.calls = append(m.calls, updateTierCall{UserID: userID, Tier: tier, EventTimestamp: ts})
	return m.applied, m.err
}

type webhookRecord struct {
	EventType string
	Result    string
}

type mockWebhookRecorder struct {
	records []webhookRecord
}

func (m *mockWebhookRecorder) RecordWebhookEvent(ctx context.Context, eventType, result string) {
	m.records = append(m.records, webhookRecord{EventType: eventType, Result: result})
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

const testWebhookSecret = "whsec_test_secret"

func buildStripeEvent(eventType, eventID string, created int64, dataObject any) []byte {
	objBytes, _ := json.Marshal(dataObject)
	event := map[string]any{
		"id":      eventID,
		"object":  "event",
		"type":    eventType,
		"created": created,
		"data": map[string]any{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

func checkoutEvent(userID, plan, paymentStatus string, created int64) []byte {
	return buildStripeEvent(external.EventStripeCheckoutCompleted, "evt_checkout_1", created, map[string]any{
		"id":                  "cs_test_1",
		"object":              "checkout.session",
		"client_reference_id": userID,
		"payment_status":      paymentStatus,
		"metadata":            map[string]string{"user_id": userID, "plan": plan},
	})
}

func subscriptionEvent(eventType, userID, plan, status string, created int64) []byte {
	return buildStripeEvent(eventType, "evt_sub_1", created, map[string]any{
		"id":       "sub_test_1",
		"object":   "subscription",
		"status":   status,
		"metadata": map[string]string{"user_id": userID, "plan": plan},
	})
}

type webhookFixture struct {
	handler  *StripeWebhookHandler
	verifier *mockWebhookVerifier
	tiers    *mockTierUpdater
	recorder *mockWebhookRecorder
}

func newWebhookFixture() *webhookFixture {
	f := &webhookFixture{
		verifier: &mockWebhookVerifier{},
		tiers:    &mockTierUpdater{applied: true},
		recorder: &mockWebhookRecorder{},
	}
	f.handler = NewStripeWebhookHandler(f.verifier, f.tiers, f.recorder, testWebhookSecret, nil)
	return f
}

func doWebhookRequest(handler *StripeWebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

func (f *webhookFixture) lastResult(t *testing.T) string {
	t.Helper()
	if len(f.recorder.records) == 0 {
		t.Fatal("no webhook outcome recorded")
	}
	return f.recorder.records[len(f.recorder.records)-1].Result
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_Handle_MissingSignature(t *testing.T) {
	f := newWebhookFixture()

	rr := doWebhookRequest(f.handler, checkoutEvent("u1", "pro", "paid", 1700000000), "")

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 0 {
		t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
	}
	if got := f.lastResult(t); got != WebhookInvalidSignature {
		t.Errorf("expected result %q, got %q", WebhookInvalidSignature, got)
	}
}

func TestStripeWebhookHandler_Handle_InvalidSignature(t *testing.T) {
	f := newWebhookFixture()
	f.verifier.err = errors.New("signature mismatch")

	rr := doWebhookRequest(f.handler, checkoutEvent("u1", "pro", "paid", 1700000000), "t=1,v1=bad")

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 0 {
		t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
	}
}

func TestStripeWebhookHandler_Handle_RealSignature(t *testing.T) {
	tiers := &mockTierUpdater{applied: true}
	h := NewStripeWebhookHandler(external.StripeVerifier{}, tiers, nil, testWebhookSecret, nil)

	payload := checkoutEvent("u1", "plus", "paid", time.Now().Unix())
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	rr := doWebhookRequest(h, signed.Payload, signed.Header)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(tiers.calls) != 1 || tiers.calls[0].Tier != types.TierPlus {
		t.Errorf("expected one plus update, got %+v", tiers.calls)
	}

	rr = doWebhookRequest(h, payload, "t=1,v1=deadbeef")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("tampered signature: expected 401, got %d", rr.Code)
	}
}

func TestStripeWebhookHandler_Handle_MalformedJSON(t *testing.T) {
	f := newWebhookFixture()

	rr := doWebhookRequest(f.handler, []byte("{not json"), "t=1,v1=x")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if got := f.lastResult(t); got != WebhookRejected {
		t.Errorf("expected result %q, got %q", WebhookRejected, got)
	}
}

// ---------------------------------------------------------------------------
// Tests: Event Routing
// ---------------------------------------------------------------------------

func TestStripeWebhookHandler_Handle_CheckoutCompleted(t *testing.T) {
	f := newWebhookFixture()
	created := int64(1700000000)

	rr := doWebhookRequest(f.handler, checkoutEvent("user-42", "pro", "paid", created), "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 1 {
		t.Fatalf("expected 1 tier update, got %d", len(f.tiers.calls))
	}
	call := f.tiers.calls[0]
	if call.UserID != "user-42" {
		t.Errorf("expected user-42, got %q", call.UserID)
	}
	if call.Tier != types.TierPro {
		t.Errorf("expected pro, got %q", call.Tier)
	}
	if !call.EventTimestamp.Equal(time.Unix(created, 0)) {
		t.Errorf("expected event timestamp %v, got %v", time.Unix(created, 0), call.EventTimestamp)
	}
	if got := f.lastResult(t); got != WebhookProcessed {
		t.Errorf("expected result %q, got %q", WebhookProcessed, got)
	}
}

func TestStripeWebhookHandler_Handle_CheckoutUsesMetadataUser(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent(external.EventStripeCheckoutCompleted, "evt_2", 1700000000, map[string]any{
		"id":             "cs_test_2",
		"payment_status": "paid",
		"metadata":       map[string]string{"user_id": "meta-user", "plan": "starter"},
	})

	rr := doWebhookRequest(f.handler, body, "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 1 || f.tiers.calls[0].UserID != "meta-user" {
		t.Errorf("expected update for meta-user, got %+v", f.tiers.calls)
	}
}

func TestStripeWebhookHandler_Handle_CheckoutUnpaidIgnored(t *testing.T) {
	f := newWebhookFixture()

	rr := doWebhookRequest(f.handler, checkoutEvent("u1", "pro", "unpaid", 1700000000), "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 0 {
		t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
	}
	if got := f.lastResult(t); got != WebhookIgnored {
		t.Errorf("expected result %q, got %q", WebhookIgnored, got)
	}
}

func TestStripeWebhookHandler_Handle_CheckoutRejected(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"no user", checkoutEvent("", "pro", "paid", 1700000000)},
		{"free plan", checkoutEvent("u1", "free", "paid", 1700000000)},
		{"unknown plan", checkoutEvent("u1", "platinum", "paid", 1700000000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWebhookFixture()

			rr := doWebhookRequest(f.handler, tt.body, "t=1,v1=x")

			if rr.Code != http.StatusOK {
				t.Errorf("expected 200 so Stripe stops retrying, got %d", rr.Code)
			}
			if len(f.tiers.calls) != 0 {
				t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
			}
			if got := f.lastResult(t); got != WebhookRejected {
				t.Errorf("expected result %q, got %q", WebhookRejected, got)
			}
		})
	}
}

func TestStripeWebhookHandler_Handle_SubscriptionUpdated(t *testing.T) {
	tests := []struct {
		status   string
		wantTier types.SubscriptionTier
		wantCall bool
	}{
		{"active", types.TierPlus, true},
		{"trialing", types.TierPlus, true},
		{"past_due", types.TierPlus, true},
		{"canceled", types.TierFree, true},
		{"unpaid", types.TierFree, true},
		{"incomplete_expired", types.TierFree, true},
		{"paused", types.TierFree, true},
		{"incomplete", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			f := newWebhookFixture()
			body := subscriptionEvent(external.EventStripeSubUpdated, "u1", "plus", tt.status, 1700000000)

			rr := doWebhookRequest(f.handler, body, "t=1,v1=x")

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if !tt.wantCall {
				if len(f.tiers.calls) != 0 {
					t.Errorf("expected no tier update, got %+v", f.tiers.calls)
				}
				return
			}
			if len(f.tiers.calls) != 1 {
				t.Fatalf("expected 1 tier update, got %d", len(f.tiers.calls))
			}
			if f.tiers.calls[0].Tier != tt.wantTier {
				t.Errorf("expected tier %q, got %q", tt.wantTier, f.tiers.calls[0].Tier)
			}
		})
	}
}

func TestStripeWebhookHandler_Handle_SubscriptionDeleted(t *testing.T) {
	f := newWebhookFixture()
	body := subscriptionEvent(external.EventStripeSubDeleted, "u1", "pro", "canceled", 1700000000)

	rr := doWebhookRequest(f.handler, body, "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 1 || f.tiers.calls[0].Tier != types.TierFree {
		t.Errorf("expected downgrade to free, got %+v", f.tiers.calls)
	}
}

func TestStripeWebhookHandler_Handle_StaleEvent(t *testing.T) {
	f := newWebhookFixture()
	f.tiers.applied = false

	rr := doWebhookRequest(f.handler, checkoutEvent("u1", "pro", "paid", 1600000000), "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if got := f.lastResult(t); got != WebhookStale {
		t.Errorf("expected result %q, got %q", WebhookStale, got)
	}
}

func TestStripeWebhookHandler_Handle_DatabaseErrorRetried(t *testing.T) {
	f := newWebhookFixture()
	f.tiers.err = types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription tier", errors.New("conn reset"))

	rr := doWebhookRequest(f.handler, checkoutEvent("u1", "pro", "paid", 1700000000), "t=1,v1=x")

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 so Stripe retries, got %d", rr.Code)
	}
	if got := f.lastResult(t); got != WebhookError {
		t.Errorf("expected result %q, got %q", WebhookError, got)
	}
}

func TestStripeWebhookHandler_Handle_UnhandledEventType(t *testing.T) {
	f := newWebhookFixture()
	body := buildStripeEvent("invoice.created", "evt_inv_1", 1700000000, map[string]any{"id": "in_1"})

	rr := doWebhookRequest(f.handler, body, "t=1,v1=x")

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 0 {
		t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
	}
	if f.recorder.records[0] != (webhookRecord{EventType: "invoice.created", Result: WebhookIgnored}) {
		t.Errorf("unexpected record %+v", f.recorder.records[0])
	}
}

func TestStripeWebhookHandler_Handle_BodyTooLarge(t *testing.T) {
	f := newWebhookFixture()
	body := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)

	rr := doWebhookRequest(f.handler, body, "t=1,v1=x")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
	if len(f.tiers.calls) != 0 {
		t.Errorf("expected no tier updates, got %d", len(f.tiers.calls))
	}
}
