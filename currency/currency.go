/*
Package currency provides exchange rates for dashboard display.

PURPOSE:
  The engine itself is single-currency per tenant; conversion only exists
  so dashboards can show expense totals in a viewer's preferred currency.
  Rates come from a static table refreshed through a Source, with a
  one-hour cache in front so a live source is not hit per request.

KEY DESIGN:
  - Source is an interface so tests and local development use the static
    table while production can plug in a live feed.
  - All arithmetic uses shopspring/decimal; converted amounts are rounded
    to 2 decimal places.

NON-GOAL:
  Conversion never participates in approval routing or threshold checks.
*/
package currency

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// cacheTTL is how long fetched rates stay valid.
const cacheTTL = time.Hour

// Rates maps a target currency code to its rate from some base currency.
type Rates map[string]decimal.Decimal

// Source supplies exchange rates for a base currency.
type Source interface {
	Fetch(base string) (Rates, error)
}

// Currency describes a supported currency.
type Currency struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
}

// =============================================================================
// STATIC SOURCE
// =============================================================================

// StaticSource serves a fixed rate table. Used for local development and
// tests; rates are approximate.
type StaticSource struct{}

func rate(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var staticRates = map[string]Rates{
	"USD": {
		"USD": rate(1), "EUR": rate(0.85), "GBP": rate(0.73), "JPY": rate(150),
		"INR": rate(83), "AUD": rate(1.35), "CAD": rate(1.25), "CHF": rate(0.92),
		"CNY": rate(7.1), "SEK": rate(10.5), "NZD": rate(1.4), "SGD": rate(1.32),
		"HKD": rate(7.8),
	},
	"EUR": {
		"USD": rate(1.18), "EUR": rate(1), "GBP": rate(0.86), "JPY": rate(176),
		"INR": rate(98), "AUD": rate(1.59), "CAD": rate(1.47), "CHF": rate(1.08),
		"CNY": rate(8.35), "SEK": rate(12.35), "NZD": rate(1.65), "SGD": rate(1.55),
		"HKD": rate(9.18),
	},
	"INR": {
		"USD": rate(0.012), "EUR": rate(0.0102), "GBP": rate(0.0088), "JPY": rate(1.8),
		"INR": rate(1), "AUD": rate(0.0162), "CAD": rate(0.015), "CHF": rate(0.011),
		"CNY": rate(0.085), "SEK": rate(0.126), "NZD": rate(0.017), "SGD": rate(0.016),
		"HKD": rate(0.094),
	},
}

// Fetch returns the static table for the base, falling back to USD when
// the base has no dedicated table.
func (StaticSource) Fetch(base string) (Rates, error) {
	if r, ok := staticRates[base]; ok {
		return r, nil
	}
	return staticRates["USD"], nil
}

// =============================================================================
// CONVERTER
// =============================================================================

// Converter caches rates per base currency with a TTL.
type Converter struct {
	source Source
	now    func() time.Time

	mu      sync.Mutex
	cache   map[string]Rates
	fetched map[string]time.Time
}

// NewConverter creates a converter backed by the given source. A nil
// source uses the static table.
func NewConverter(source Source) *Converter {
	if source == nil {
		source = StaticSource{}
	}
	return &Converter{
		source:  source,
		now:     time.Now,
		cache:   make(map[string]Rates),
		fetched: make(map[string]time.Time),
	}
}

// Rates returns exchange rates for the base currency, serving from cache
// while the TTL holds.
func (c *Converter) Rates(base string) (Rates, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rates, ok := c.cache[base]; ok && c.now().Sub(c.fetched[base]) < cacheTTL {
		return rates, nil
	}

	rates, err := c.source.Fetch(base)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange rates for %s: %w", base, err)
	}
	c.cache[base] = rates
	c.fetched[base] = c.now()
	return rates, nil
}

// Convert converts amount from one currency to another, rounded to 2
// decimal places.
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	rates, err := c.Rates(from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	r, ok := rates[to]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("exchange rate not found for %s", to)
	}
	return amount.Mul(r).Round(2), nil
}

// =============================================================================
// FORMATTING AND METADATA
// =============================================================================

var supported = []Currency{
	{Code: "USD", Name: "US Dollar", Symbol: "$"},
	{Code: "EUR", Name: "Euro", Symbol: "€"},
	{Code: "GBP", Name: "British Pound", Symbol: "£"},
	{Code: "JPY", Name: "Japanese Yen", Symbol: "¥"},
	{Code: "INR", Name: "Indian Rupee", Symbol: "₹"},
	{Code: "AUD", Name: "Australian Dollar", Symbol: "A$"},
	{Code: "CAD", Name: "Canadian Dollar", Symbol: "C$"},
	{Code: "CHF", Name: "Swiss Franc", Symbol: "CHF"},
	{Code: "CNY", Name: "Chinese Yuan", Symbol: "¥"},
	{Code: "SEK", Name: "Swedish Krona", Symbol: "kr"},
	{Code: "NZD", Name: "New Zealand Dollar", Symbol: "NZ$"},
	{Code: "SGD", Name: "Singapore Dollar", Symbol: "S$"},
	{Code: "HKD", Name: "Hong Kong Dollar", Symbol: "HK$"},
}

// Supported returns the list of supported currencies.
func Supported() []Currency {
	out := make([]Currency, len(supported))
	copy(out, supported)
	return out
}

// IsValid reports whether the code is a supported currency.
func IsValid(code string) bool {
	for _, c := range supported {
		if c.Code == code {
			return true
		}
	}
	return false
}

// Symbol returns the display symbol for a currency code, or the code
// itself when unknown.
func Symbol(code string) string {
	for _, c := range supported {
		if c.Code == code {
			return c.Symbol
		}
	}
	return code
}

// Format renders an amount with its currency symbol.
func Format(amount decimal.Decimal, code string) string {
	return Symbol(code) + amount.StringFixed(2)
}
