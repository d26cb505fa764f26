package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"breathofnow/internal/types"
)

func newTestStripeClient(serverURL string) *StripeClient {
	base := newTestClient(fastPolicy(0), WithFailureCode(types.ErrCodeUpstreamStripe))
	return NewStripeClient(base, StripeClientConfig{
		SecretKey: types.SecretString("sk_test_secret"),
		BaseURL:   serverURL,
	})
}

func checkoutRequest(interval types.BillingInterval) CheckoutRequest {
	return CheckoutRequest{
		UserID:        "user-1",
		Email:         "ana@example.com",
		Plan:          types.TierPro,
		Interval:      interval,
		AmountCents:   250,
		Currency:      "EUR",
		PricingTierID: "tier-5",
		SuccessURL:    "https://breathofnow.test/account?checkout=success",
		CancelURL:     "https://breathofnow.test/pricing",
	}
}

// captureStripe records the decoded form of the single request it serves.
func captureStripe(t *testing.T, form *url.Values, headers *http.Header) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		*form = r.PostForm
		*headers = r.Header.Clone()
		w.Write([]byte(`{"id":"cs_test_1","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	}))
}

func TestCreateCheckoutSession_Subscription(t *testing.T) {
	var form url.Values
	var headers http.Header
	server := captureStripe(t, &form, &headers)
	defer server.Close()

	session, err := newTestStripeClient(server.URL).CreateCheckoutSession(context.Background(), checkoutRequest(types.IntervalMonthly))
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", session.URL)

	assert.Equal(t, "Bearer sk_test_secret", headers.Get("Authorization"))
	assert.Equal(t, stripe.APIVersion, headers.Get("Stripe-Version"))

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "user-1", form.Get("client_reference_id"))
	assert.Equal(t, "ana@example.com", form.Get("customer_email"))
	assert.Equal(t, "eur", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "250", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "month", form.Get("line_items[0][price_data][recurring][interval]"))
	assert.Equal(t, "Breath of Now Pro", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "pro", form.Get("metadata[plan]"))
	assert.Equal(t, "tier-5", form.Get("metadata[pricing_tier]"))
	assert.Equal(t, "user-1", form.Get("subscription_data[metadata][user_id]"))
	assert.Equal(t, "monthly", form.Get("subscription_data[metadata][interval]"))
}

func TestCreateCheckoutSession_YearlyAndLifetime(t *testing.T) {
	var form url.Values
	var headers http.Header
	server := captureStripe(t, &form, &headers)
	defer server.Close()
	client := newTestStripeClient(server.URL)

	_, err := client.CreateCheckoutSession(context.Background(), checkoutRequest(types.IntervalYearly))
	require.NoError(t, err)
	assert.Equal(t, "year", form.Get("line_items[0][price_data][recurring][interval]"))

	req := checkoutRequest(types.IntervalLifetime)
	req.Plan = types.TierFounding
	_, err = client.CreateCheckoutSession(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "payment", form.Get("mode"))
	assert.Empty(t, form.Get("line_items[0][price_data][recurring][interval]"))
	assert.Empty(t, form.Get("subscription_data[metadata][user_id]"))
	assert.Equal(t, "founding", form.Get("metadata[plan]"))
}

func TestCreateCheckoutSession_InvalidRequest(t *testing.T) {
	client := newTestStripeClient("http://unused.invalid")

	tests := []struct {
		name   string
		mutate func(*CheckoutRequest)
		code   types.ErrorCode
	}{
		{"no user", func(r *CheckoutRequest) { r.UserID = "" }, types.ErrCodeValidationMissingField},
		{"free plan", func(r *CheckoutRequest) { r.Plan = types.TierFree }, types.ErrCodeValidationInvalidPlan},
		{"zero amount", func(r *CheckoutRequest) { r.AmountCents = 0 }, types.ErrCodeValidationInvalidPrice},
		{"no currency", func(r *CheckoutRequest) { r.Currency = "" }, types.ErrCodeValidationMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := checkoutRequest(types.IntervalMonthly)
			tt.mutate(&req)
			_, err := client.CreateCheckoutSession(context.Background(), req)
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}
}

func TestCreateCheckoutSession_StripeErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   types.ErrorCode
	}{
		{"invalid request", http.StatusBadRequest, `{"error":{"type":"invalid_request_error","code":"parameter_invalid_integer","message":"Invalid integer"}}`, types.ErrCodeUpstreamStripe},
		{"non json", http.StatusBadRequest, `<html>`, types.ErrCodeUpstreamStripe},
		{"server error", http.StatusInternalServerError, `{}`, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, `{}`, types.ErrCodeUpstreamRateLimited},
		{"bad success body", http.StatusOK, `{"id":`, types.ErrCodeUpstreamStripe},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestStripeClient(server.URL).CreateCheckoutSession(context.Background(), checkoutRequest(types.IntervalMonthly))
			assert.Equal(t, tt.code, types.CodeOf(err))
		})
	}
}

func TestStripeVerifier(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed"}`)
	secret := "whsec_test"

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	v := StripeVerifier{}
	require.NoError(t, v.Verify(payload, signed.Header, secret))
	assert.Error(t, v.Verify(payload, signed.Header, "whsec_other"))
	assert.Error(t, v.Verify([]byte(`{"tampered":true}`), signed.Header, secret))

	old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now().Add(-time.Hour),
	})
	assert.Error(t, StripeVerifier{Tolerance: time.Minute}.Verify(payload, old.Header, secret))
}

func TestParseStripeEvent(t *testing.T) {
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_1",
		"object":  "event",
		"type":    "customer.subscription.deleted",
		"created": 1767225600,
		"data": map[string]any{
			"object": map[string]any{"id": "sub_1", "object": "subscription", "metadata": map[string]string{"user_id": "user-1"}},
		},
	})
	require.NoError(t, err)

	evt, err := ParseStripeEvent(payload)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", evt.ID)
	assert.Equal(t, stripe.EventType(EventStripeSubDeleted), evt.Type)

	var sub stripe.Subscription
	require.NoError(t, json.Unmarshal(evt.Data.Raw, &sub))
	assert.Equal(t, "user-1", sub.Metadata["user_id"])

	_, err = ParseStripeEvent([]byte(`{"id":"evt_2","type":"x"}`))
	assert.Error(t, err)
	_, err = ParseStripeEvent([]byte(`not json`))
	assert.Error(t, err)
}
