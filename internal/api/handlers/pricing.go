// Package handlers contains the HTTP handler implementations for the
// Breath of Now API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"breathofnow/internal/core"
	"breathofnow/internal/external"
	"breathofnow/internal/pricing"
	"breathofnow/internal/types"
)

// PriceResolver is the subset of *pricing.Resolver the handlers use.
type PriceResolver interface {
	ComputeAllPrices(countryCode string) pricing.PriceSheet
	Quote(plan types.SubscriptionTier, interval types.BillingInterval, countryCode string) (pricing.FairPriceResult, bool)
}

// PricingRecorder counts resolved tiers.
type PricingRecorder interface {
	RecordPricingResolved(ctx context.Context, tierID string)
}

// Country sources reported alongside prices.
const (
	CountrySourceQuery   = "query"
	CountrySourceHeader  = "header"
	CountrySourceGeoIP   = "geoip"
	CountrySourceDefault = "default"
)

// countryResolver decides which country a request is priced for: an explicit
// ?country= wins, then the CDN header, then a GeoIP lookup of the client IP.
// No match leaves the country empty, which the resolver maps to the default
// tier.
type countryResolver struct {
	locator external.CountryLocator
}

func (c countryResolver) resolve(r *http.Request) (country, source string, err error) {
	if q := r.URL.Query().Get("country"); q != "" {
		code := pricing.NormalizeCountry(q)
		if !isAlpha2(code) {
			return "", "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidCountry,
				"country must be an ISO 3166-1 alpha-2 code", nil, map[string]any{"country": q})
		}
		return code, CountrySourceQuery, nil
	}

	if cc, ok := types.GetClientCountry(r.Context()); ok {
		return cc, CountrySourceHeader, nil
	}

	if c.locator != nil {
		cc, err := c.locator.LookupCountry(r.Context(), core.ClientIP(r))
		if err != nil {
			// Pricing must never fail because geolocation is down.
			types.LoggerFromContext(r.Context()).WarnContext(r.Context(), "geo lookup failed, using default tier", "error", err)
		} else if cc != "" {
			return cc, CountrySourceGeoIP, nil
		}
	}
	return "", CountrySourceDefault, nil
}

func isAlpha2(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

// PricingHandler serves the public regional price list.
type PricingHandler struct {
	resolver  PriceResolver
	countries countryResolver
	recorder  PricingRecorder
	logger    *slog.Logger
}

// NewPricingHandler creates a PricingHandler. locator and recorder may be nil.
func NewPricingHandler(resolver PriceResolver, locator external.CountryLocator, recorder PricingRecorder, logger *slog.Logger) *PricingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PricingHandler{
		resolver:  resolver,
		countries: countryResolver{locator: locator},
		recorder:  recorder,
		logger:    logger,
	}
}

// RegisterRoutes mounts the pricing endpoints. Both are public.
func (h *PricingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/pricing", h.GetPrices)
	r.Get("/pricing/quote", h.GetQuote)
}

type pricingResponse struct {
	pricing.PriceSheet
	CountrySource string `json:"country_source"`
}

// GetPrices returns every plan's fair price for the caller's country.
//
//	GET /v1/pricing?country=IN
func (h *PricingHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	country, source, err := h.countries.resolve(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	sheet := h.resolver.ComputeAllPrices(country)
	if h.recorder != nil {
		h.recorder.RecordPricingResolved(r.Context(), sheet.Tier.ID)
	}
	w.Header().Set("Vary", "CF-IPCountry, CloudFront-Viewer-Country, X-Vercel-IP-Country, X-Forwarded-For")
	core.Data(w, r, http.StatusOK, pricingResponse{PriceSheet: sheet, CountrySource: source})
}

type quoteResponse struct {
	Plan     types.SubscriptionTier `json:"plan"`
	Interval types.BillingInterval  `json:"interval"`
	Country  string                 `json:"country"`
	Currency string                 `json:"currency"`
	pricing.FairPriceResult
	CountrySource string `json:"country_source"`
}

// GetQuote returns the fair price of one plan and interval.
//
//	GET /v1/pricing/quote?plan=pro&interval=yearly&country=BR
func (h *PricingHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	plan, interval, err := parsePlanInterval(r.URL.Query().Get("plan"), r.URL.Query().Get("interval"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	country, source, err := h.countries.resolve(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	quote, ok := h.resolver.Quote(plan, interval, country)
	if !ok {
		core.Error(w, r, planNotSold(plan, interval))
		return
	}
	if h.recorder != nil {
		h.recorder.RecordPricingResolved(r.Context(), quote.Tier.ID)
	}
	core.Data(w, r, http.StatusOK, quoteResponse{
		Plan:            plan,
		Interval:        interval,
		Country:         country,
		Currency:        pricing.Currency,
		FairPriceResult: quote,
		CountrySource:   source,
	})
}

func parsePlanInterval(planParam, intervalParam string) (types.SubscriptionTier, types.BillingInterval, error) {
	plan, ok := types.ParseSubscriptionTier(planParam)
	if !ok || !plan.IsPaid() {
		return "", "", types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"plan must be a purchasable plan", nil, map[string]any{"plan": planParam})
	}
	interval := types.BillingInterval(intervalParam)
	switch interval {
	case types.IntervalMonthly, types.IntervalYearly, types.IntervalLifetime:
	default:
		return "", "", types.NewAppErrorWithDetails(types.ErrCodeValidationFailed,
			"interval must be one of monthly, yearly, lifetime", nil, map[string]any{"interval": intervalParam})
	}
	return plan, interval, nil
}

func planNotSold(plan types.SubscriptionTier, interval types.BillingInterval) error {
	return types.NewAppErrorWithDetails(types.ErrCodeNotFoundPlan,
		"plan is not sold at this interval", nil,
		map[string]any{"plan": string(plan), "interval": string(interval)})
}
