package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"breathofnow/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API directly through BaseClient.
// Prices are not pre-created in Stripe: each checkout carries inline
// price_data at the buyer's regional price.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

var _ BillingService = (*StripeClient)(nil)

// NewStripeClient creates a StripeClient on top of base. Build base with
// WithFailureCode(types.ErrCodeUpstreamStripe).
func NewStripeClient(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCheckoutSession opens a hosted Checkout page. Recurring intervals
// create a subscription; lifetime is a one-off payment. The user id travels
// as client_reference_id and in metadata on both the session and the
// subscription so every later webhook can be attributed.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if err := req.validate(); err != nil {
		return CheckoutSession{}, err
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", checkoutForm(req))
	if err != nil {
		return CheckoutSession{}, s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckoutSession{}, s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return CheckoutSession{}, types.NewAppError(types.ErrCodeUpstreamStripe,
			"failed to decode Stripe checkout session response", err)
	}

	s.logger.InfoContext(ctx, "checkout session created",
		"session_id", session.ID,
		"user_id", req.UserID,
		"plan", string(req.Plan),
		"interval", string(req.Interval),
		"unit_amount", req.AmountCents,
	)
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func checkoutForm(req CheckoutRequest) url.Values {
	form := url.Values{}
	form.Set("client_reference_id", req.UserID)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	if req.Email != "" {
		form.Set("customer_email", req.Email)
	}

	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", productName(req.Plan))

	meta := map[string]string{
		MetaUserID:      req.UserID,
		MetaPlan:        string(req.Plan),
		MetaInterval:    string(req.Interval),
		MetaPricingTier: req.PricingTierID,
	}
	for k, v := range meta {
		form.Set("metadata["+k+"]", v)
	}

	switch req.Interval {
	case types.IntervalMonthly, types.IntervalYearly:
		form.Set("mode", string(stripe.CheckoutSessionModeSubscription))
		form.Set("line_items[0][price_data][recurring][interval]", recurringInterval(req.Interval))
		for k, v := range meta {
			form.Set("subscription_data[metadata]["+k+"]", v)
		}
	default:
		form.Set("mode", string(stripe.CheckoutSessionModePayment))
	}
	return form
}

func recurringInterval(i types.BillingInterval) string {
	if i == types.IntervalYearly {
		return string(stripe.PriceRecurringIntervalYear)
	}
	return string(stripe.PriceRecurringIntervalMonth)
}

func productName(plan types.SubscriptionTier) string {
	name := string(plan)
	if name != "" {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return "Breath of Now " + name
}

func (s *StripeClient) doPost(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// handleErrorResponse maps a non-200 Stripe response. Stripe 4xx on checkout
// creation is a bug on our side, not the user's, so it surfaces as upstream.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with unreadable body", operation, resp.StatusCode), err)
	}

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned %d with non-JSON body", operation, resp.StatusCode), err)
	}

	s.logger.Error("stripe request rejected",
		"operation", operation,
		"status", resp.StatusCode,
		"type", se.Error.Type,
		"code", se.Error.Code,
		"param", se.Error.Param,
	)
	return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, resp.StatusCode, se.Error.Message), nil,
		map[string]any{"stripe_code": se.Error.Code})
}

func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", operation), err)
}

// StripeVerifier checks Stripe-Signature headers with stripe-go's webhook
// package.
type StripeVerifier struct {
	// Tolerance bounds the signed timestamp age; zero uses the library default.
	Tolerance time.Duration
}

var _ WebhookVerifier = StripeVerifier{}

// Verify validates payload against header and the signing secret.
func (v StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if v.Tolerance > 0 {
		return webhook.ValidatePayloadWithTolerance(payload, header, secret, v.Tolerance)
	}
	return webhook.ValidatePayload(payload, header, secret)
}

// ParseStripeEvent decodes a verified webhook payload. The data object is
// left raw in Data.Raw for the caller to decode into the type it expects.
func ParseStripeEvent(payload []byte) (stripe.Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return stripe.Event{}, err
	}
	if evt.Data == nil {
		return stripe.Event{}, fmt.Errorf("event %s has no data object", evt.ID)
	}
	return evt, nil
}
