package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"breathofnow/internal/core"
	"breathofnow/internal/external"
	"breathofnow/internal/pricing"
	"breathofnow/internal/types"
)

// CheckoutConfig holds the redirect targets of the hosted checkout page.
type CheckoutConfig struct {
	// SiteURL is the PWA origin without a trailing slash.
	SiteURL     string
	SuccessPath string
	CancelPath  string
}

// CheckoutHandler opens Stripe Checkout at the caller's regional fair price.
type CheckoutHandler struct {
	billing    external.BillingService
	resolver   PriceResolver
	countries  countryResolver
	validator  *core.Validator
	successURL string
	cancelURL  string
	logger     *slog.Logger
}

// NewCheckoutHandler creates a CheckoutHandler. locator may be nil.
func NewCheckoutHandler(
	billing external.BillingService,
	resolver PriceResolver,
	locator external.CountryLocator,
	v *core.Validator,
	cfg CheckoutConfig,
	logger *slog.Logger,
) *CheckoutHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	site := strings.TrimSuffix(cfg.SiteURL, "/")
	return &CheckoutHandler{
		billing:    billing,
		resolver:   resolver,
		countries:  countryResolver{locator: locator},
		validator:  v,
		successURL: site + cfg.SuccessPath,
		cancelURL:  site + cfg.CancelPath,
		logger:     logger,
	}
}

// RegisterRoutes mounts the checkout endpoint.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.With(core.RequireUser).Post("/billing/checkout-session", h.CreateSession)
}

type checkoutRequest struct {
	Plan     string `json:"plan" validate:"required,paid_plan"`
	Interval string `json:"interval" validate:"required,billing_interval"`
}

type checkoutResponse struct {
	external.CheckoutSession
	Quote pricing.FairPriceResult `json:"quote"`
}

// CreateSession prices the requested plan for the caller's country and
// returns the Stripe Checkout URL. The country comes from ?country=, the CDN
// header or GeoIP exactly as on GET /v1/pricing, so the customer pays what
// the price list showed.
//
//	POST /v1/billing/checkout-session {"plan":"pro","interval":"yearly"}
func (h *CheckoutHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())

	var req checkoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	plan, interval, err := parsePlanInterval(req.Plan, req.Interval)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	country, _, err := h.countries.resolve(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	quote, ok := h.resolver.Quote(plan, interval, country)
	if !ok {
		core.Error(w, r, planNotSold(plan, interval))
		return
	}

	session, err := h.billing.CreateCheckoutSession(r.Context(), external.CheckoutRequest{
		UserID:        actor.ID,
		Email:         actor.Email,
		Plan:          plan,
		Interval:      interval,
		AmountCents:   pricing.Cents(quote.FairPrice.Decimal),
		Currency:      pricing.Currency,
		PricingTierID: quote.Tier.ID,
		SuccessURL:    h.successURL,
		CancelURL:     h.cancelURL,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.Data(w, r, http.StatusCreated, checkoutResponse{CheckoutSession: session, Quote: quote})
}
