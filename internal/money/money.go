package money

import (
	"fmt"
	"strings"
)

// Price is a fiat amount held in minor units (cents) to avoid floating point
// drift. Stripe reports amounts the same way, so webhook totals map directly.
type Price struct {
	Cents    int64
	Currency string // lowercase ISO 4217 code, e.g. "usd"
}

// FromMinorUnits builds a Price from a gateway minor-unit amount.
func FromMinorUnits(cents int64, currency string) Price {
	return Price{Cents: cents, Currency: strings.ToLower(currency)}
}

// String renders the amount with two decimal places, e.g. "49.00".
func (p Price) String() string {
	sign := ""
	cents := p.Cents
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Display renders the amount with its currency code, e.g. "49.00 USD".
func (p Price) Display() string {
	if p.Currency == "" {
		return p.String()
	}
	return p.String() + " " + strings.ToUpper(p.Currency)
}

// MarshalJSON encodes the amount as a decimal string so clients never see
// raw cent counts.
func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", p.String())), nil
}
