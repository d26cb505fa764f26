package pricing

import (
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"breathofnow/internal/types"
)

var hundred = decimal.NewFromInt(100)

// PricePoint is one adjusted price.
type PricePoint struct {
	OriginalPrice   Amount `json:"original_price"`
	FairPrice       Amount `json:"fair_price"`
	DiscountPercent int    `json:"discount_percent"`
}

// FairPriceResult is a single adjusted price together with the tier that
// produced it.
type FairPriceResult struct {
	PricePoint
	Tier PricingTier `json:"tier"`
}

// PlanPrices holds exactly the price points a plan defines.
type PlanPrices struct {
	Monthly  *PricePoint `json:"monthly,omitempty"`
	Yearly   *PricePoint `json:"yearly,omitempty"`
	Lifetime *PricePoint `json:"lifetime,omitempty"`
}

// PriceSheet is the full regional price list for one country.
type PriceSheet struct {
	Country  string                                `json:"country"`
	Currency string                                `json:"currency"`
	Tier     PricingTier                           `json:"tier"`
	Prices   map[types.SubscriptionTier]PlanPrices `json:"prices"`
}

// Resolver maps countries to tiers and tiers to prices. It is immutable after
// construction.
type Resolver struct {
	tiers    []PricingTier
	fallback PricingTier
	base     map[types.SubscriptionTier]PricePoints
	plans    []types.SubscriptionTier
}

// NewResolver returns a Resolver over the built-in tier and base price tables.
func NewResolver() *Resolver {
	r, err := newResolver(tierTable, DefaultTierID, basePrices, planOrder)
	if err != nil {
		// The static tables are validated in init.
		panic(err)
	}
	return r
}

func newResolver(
	tiers []PricingTier,
	defaultID string,
	base map[types.SubscriptionTier]PricePoints,
	plans []types.SubscriptionTier,
) (*Resolver, error) {
	if err := validateTiers(tiers, defaultID); err != nil {
		return nil, err
	}
	if err := validateBasePrices(base); err != nil {
		return nil, err
	}
	r := &Resolver{
		tiers: make([]PricingTier, len(tiers)),
		base:  make(map[types.SubscriptionTier]PricePoints, len(base)),
		plans: append([]types.SubscriptionTier(nil), plans...),
	}
	for i, t := range tiers {
		r.tiers[i] = cloneTier(t)
	}
	for k, v := range base {
		r.base[k] = v
	}
	r.fallback, _ = findTier(r.tiers, defaultID)
	return r, nil
}

// ResolveTier returns the first tier listing the normalized country code, or
// the default tier when none does. It never fails.
func (r *Resolver) ResolveTier(countryCode string) PricingTier {
	code := NormalizeCountry(countryCode)
	if code != "" {
		for _, t := range r.tiers {
			if t.Contains(code) {
				return t
			}
		}
	}
	return r.fallback
}

// ComputeFairPrice adjusts basePrice by the tier factor of countryCode.
// Negative, NaN and infinite prices are rejected with validation_invalid_price.
func (r *Resolver) ComputeFairPrice(basePrice float64, countryCode string) (FairPriceResult, error) {
	if math.IsNaN(basePrice) || math.IsInf(basePrice, 0) || basePrice < 0 {
		return FairPriceResult{}, invalidPrice(strconv.FormatFloat(basePrice, 'g', -1, 64))
	}
	return r.FairPrice(decimal.NewFromFloat(basePrice), countryCode)
}

// FairPrice is ComputeFairPrice for callers that already hold a decimal.
func (r *Resolver) FairPrice(basePrice decimal.Decimal, countryCode string) (FairPriceResult, error) {
	if basePrice.IsNegative() {
		return FairPriceResult{}, invalidPrice(basePrice.String())
	}
	tier := r.ResolveTier(countryCode)
	return FairPriceResult{PricePoint: adjust(basePrice, tier), Tier: tier}, nil
}

// adjust rounds half-up: fair prices to cents, the discount to whole percent.
// Inputs are non-negative so Round's half-away-from-zero is half-up here.
func adjust(base decimal.Decimal, tier PricingTier) PricePoint {
	fair := base.Mul(tier.Factor).Round(2)
	discount := decimal.NewFromInt(1).Sub(tier.Factor).Mul(hundred).Round(0)
	return PricePoint{
		OriginalPrice:   Amount{base},
		FairPrice:       Amount{fair},
		DiscountPercent: int(discount.IntPart()),
	}
}

// ComputeAllPrices builds the price sheet of every plan for countryCode.
func (r *Resolver) ComputeAllPrices(countryCode string) PriceSheet {
	tier := r.ResolveTier(countryCode)
	sheet := PriceSheet{
		Country:  NormalizeCountry(countryCode),
		Currency: Currency,
		Tier:     tier,
		Prices:   make(map[types.SubscriptionTier]PlanPrices, len(r.plans)),
	}
	for _, plan := range r.plans {
		points, ok := r.base[plan]
		if !ok {
			continue
		}
		var pp PlanPrices
		if d, ok := points.Get(types.IntervalMonthly); ok {
			p := adjust(d, tier)
			pp.Monthly = &p
		}
		if d, ok := points.Get(types.IntervalYearly); ok {
			p := adjust(d, tier)
			pp.Yearly = &p
		}
		if d, ok := points.Get(types.IntervalLifetime); ok {
			p := adjust(d, tier)
			pp.Lifetime = &p
		}
		sheet.Prices[plan] = pp
	}
	return sheet
}

// Quote returns the fair price of plan at interval for countryCode.
// The second return is false if the plan is not sold at that interval.
func (r *Resolver) Quote(plan types.SubscriptionTier, interval types.BillingInterval, countryCode string) (FairPriceResult, bool) {
	points, ok := r.base[plan]
	if !ok {
		return FairPriceResult{}, false
	}
	d, ok := points.Get(interval)
	if !ok {
		return FairPriceResult{}, false
	}
	tier := r.ResolveTier(countryCode)
	return FairPriceResult{PricePoint: adjust(d, tier), Tier: tier}, true
}

// Tiers returns a copy of the ordered tier table.
func (r *Resolver) Tiers() []PricingTier {
	out := make([]PricingTier, len(r.tiers))
	for i, t := range r.tiers {
		out[i] = cloneTier(t)
	}
	return out
}

// DefaultTier returns the fallback tier.
func (r *Resolver) DefaultTier() PricingTier {
	return cloneTier(r.fallback)
}

// DuplicateCountries reports countries listed in more than one tier.
func (r *Resolver) DuplicateCountries() map[string][]string {
	return DuplicateCountries(r.tiers)
}
