package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"breathofnow/internal/types"
)

// Currency is the reference currency of the base price table.
const Currency = "EUR"

// Amount is a currency amount that serializes as a JSON number with two
// decimal places (e.g. 2.50).
type Amount struct {
	decimal.Decimal
}

// MarshalJSON renders the amount as a fixed two-decimal JSON number.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.StringFixed(2)), nil
}

// PricePoints are the EUR prices a plan is sold at. Nil means the plan is
// not offered at that interval.
type PricePoints struct {
	Monthly  *decimal.Decimal
	Yearly   *decimal.Decimal
	Lifetime *decimal.Decimal
}

// Get returns the price for interval.
func (p PricePoints) Get(interval types.BillingInterval) (decimal.Decimal, bool) {
	var d *decimal.Decimal
	switch interval {
	case types.IntervalMonthly:
		d = p.Monthly
	case types.IntervalYearly:
		d = p.Yearly
	case types.IntervalLifetime:
		d = p.Lifetime
	}
	if d == nil {
		return decimal.Zero, false
	}
	return *d, true
}

func eur(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// planOrder fixes the iteration order of the price sheet.
var planOrder = []types.SubscriptionTier{
	types.TierStarter,
	types.TierPlus,
	types.TierPro,
	types.TierFounding,
}

var basePrices = map[types.SubscriptionTier]PricePoints{
	types.TierStarter:  {Monthly: eur("2.99"), Yearly: eur("29.99")},
	types.TierPlus:     {Monthly: eur("4.99"), Yearly: eur("49.99")},
	types.TierPro:      {Monthly: eur("9.99"), Yearly: eur("99.99")},
	types.TierFounding: {Lifetime: eur("149.00")},
}

func init() {
	if err := validateBasePrices(basePrices); err != nil {
		panic(err)
	}
	if err := validateTiers(tierTable, DefaultTierID); err != nil {
		panic(err)
	}
}

// validateBasePrices enforces that every plan is either recurring (monthly
// and/or yearly) or lifetime-only, and that all prices are positive.
func validateBasePrices(table map[types.SubscriptionTier]PricePoints) error {
	for plan, p := range table {
		recurring := p.Monthly != nil || p.Yearly != nil
		switch {
		case recurring && p.Lifetime != nil:
			return fmt.Errorf("plan %q mixes recurring and lifetime prices", plan)
		case !recurring && p.Lifetime == nil:
			return fmt.Errorf("plan %q has no prices", plan)
		}
		for _, d := range []*decimal.Decimal{p.Monthly, p.Yearly, p.Lifetime} {
			if d != nil && !d.IsPositive() {
				return fmt.Errorf("plan %q has non-positive price %s", plan, d)
			}
		}
	}
	return nil
}

func validateTiers(tiers []PricingTier, defaultID string) error {
	if len(tiers) == 0 {
		return fmt.Errorf("no pricing tiers configured")
	}
	one := decimal.NewFromInt(1)
	for _, t := range tiers {
		if !t.Factor.IsPositive() || t.Factor.GreaterThan(one) {
			return fmt.Errorf("tier %q factor %s outside (0, 1]", t.ID, t.Factor)
		}
	}
	if _, ok := findTier(tiers, defaultID); !ok {
		return fmt.Errorf("default tier %q not in table", defaultID)
	}
	return nil
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPrice, "price must be a decimal number", err,
			map[string]any{"price": s},
		)
	}
	if d.IsNegative() {
		return decimal.Zero, invalidPrice(s)
	}
	return d, nil
}

// Cents converts an amount to minor units, rounding half away from zero.
func Cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func invalidPrice(v any) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationInvalidPrice, "price must not be negative", nil,
		map[string]any{"price": v},
	)
}
