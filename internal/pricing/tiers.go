// Package pricing resolves a caller's regional pricing tier and computes
// purchasing-power adjusted ("fair") prices from the EUR base price table.
//
// Everything in this package is a pure function of static tables loaded at
// process start; it performs no I/O and is safe for concurrent use.
package pricing

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// PricingTier groups countries that share a price factor. Values returned by
// a Resolver share the Countries slice with its table and must not be modified.
type PricingTier struct {
	ID        string
	Name      string
	Factor    decimal.Decimal
	Countries []string
}

// MarshalJSON renders the factor as a JSON number.
func (t PricingTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     string  `json:"id"`
		Name   string  `json:"name"`
		Factor float64 `json:"factor"`
	}{t.ID, t.Name, t.Factor.InexactFloat64()})
}

// Contains reports whether the normalized country code belongs to the tier.
func (t PricingTier) Contains(code string) bool {
	for _, c := range t.Countries {
		if c == code {
			return true
		}
	}
	return false
}

// DefaultTierID is returned for unknown or missing country codes.
const DefaultTierID = "tier-3"

// tierTable is ordered; lookup is first match. A country listed in two tiers
// resolves to the earlier one and is reported by DuplicateCountries.
var tierTable = []PricingTier{
	{
		ID:     "tier-1",
		Name:   "High Income",
		Factor: decimal.RequireFromString("1.00"),
		Countries: []string{
			"US", "CA", "GB", "IE", "DE", "FR", "NL", "BE", "LU", "AT", "CH", "LI",
			"DK", "SE", "NO", "FI", "IS", "IT", "ES", "AU", "NZ", "JP", "SG", "HK",
			"KR", "IL", "AE", "QA", "KW", "MC", "AD", "SM",
		},
	},
	{
		ID:     "tier-2",
		Name:   "Upper Middle Income",
		Factor: decimal.RequireFromString("0.80"),
		Countries: []string{
			"PT", "GR", "CY", "MT", "SI", "CZ", "EE", "LT", "LV", "SK", "PL", "HR",
			"HU", "SA", "BH", "OM", "TW", "CL", "UY", "PA",
		},
	},
	{
		ID:     "tier-3",
		Name:   "Middle Income",
		Factor: decimal.RequireFromString("0.60"),
		Countries: []string{
			"RO", "BG", "RS", "ME", "MK", "AL", "BA", "TR", "MX", "BR", "AR", "CR",
			"MY", "TH", "CN", "RU", "KZ", "ZA", "CO", "PE", "DO", "EC", "JM", "BY",
			"AZ", "GE", "AM",
		},
	},
	{
		ID:     "tier-4",
		Name:   "Lower Middle Income",
		Factor: decimal.RequireFromString("0.40"),
		Countries: []string{
			"ID", "PH", "VN", "EG", "MA", "TN", "DZ", "UA", "MD", "BO", "PY", "SV",
			"GT", "HN", "NI", "LK", "JO", "LB", "IR", "IQ", "UZ", "KG", "MN", "NG",
			"GH", "KE", "CI", "SN", "CM",
		},
	},
	{
		ID:     "tier-5",
		Name:   "Low Income",
		Factor: decimal.RequireFromString("0.25"),
		Countries: []string{
			"IN", "PK", "BD", "NP", "MM", "KH", "LA", "AF", "ET", "UG", "TZ", "RW",
			"MZ", "MW", "ZM", "ZW", "MG", "ML", "BF", "NE", "TD", "SD", "SS", "SO",
			"CD", "CF", "HT", "YE", "SY", "SL", "LR", "GN", "TG", "BJ", "BI", "ER",
		},
	},
}

// NormalizeCountry upper-cases and trims a country code.
func NormalizeCountry(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func findTier(tiers []PricingTier, id string) (PricingTier, bool) {
	for _, t := range tiers {
		if t.ID == id {
			return t, true
		}
	}
	return PricingTier{}, false
}

// DuplicateCountries returns every country code that appears in more than one
// tier, mapped to the tier IDs that list it in table order.
func DuplicateCountries(tiers []PricingTier) map[string][]string {
	seen := make(map[string][]string)
	for _, t := range tiers {
		for _, c := range t.Countries {
			seen[c] = append(seen[c], t.ID)
		}
	}
	dups := make(map[string][]string)
	for c, ids := range seen {
		if len(ids) > 1 {
			dups[c] = ids
		}
	}
	return dups
}

func cloneTier(t PricingTier) PricingTier {
	t.Countries = append([]string(nil), t.Countries...)
	return t
}
