// internal/commission/calculator.go
package commission

import (
	"github.com/shopspring/decimal"

	"marketplace-payments/internal/models"
)

// OrderRate is the platform fee charged on marketplace orders (4.99%).
var OrderRate = decimal.RequireFromString("0.0499")

// Calculator maps a payment kind and amount to the platform fee.
type Calculator struct {
	rate        decimal.Decimal
	minorDigits int32
}

// NewCalculator uses the given number of minor-unit digits for rounding
// (2 for USD).
func NewCalculator(minorDigits int32) *Calculator {
	return &Calculator{rate: OrderRate, minorDigits: minorDigits}
}

// Compute returns the unrounded commission. Only orders carry a fee.
func (c *Calculator) Compute(kind models.Kind, amount decimal.Decimal) decimal.Decimal {
	switch kind {
	case models.KindOrder:
		return amount.Mul(c.rate)
	case models.KindDonation, models.KindSubscription:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

// Round applies half-even rounding to the currency minor unit. Call it only
// when the value is recorded.
func (c *Calculator) Round(v decimal.Decimal) decimal.Decimal {
	return v.RoundBank(c.minorDigits)
}

// ForRecord is Compute followed by Round.
func (c *Calculator) ForRecord(kind models.Kind, amount decimal.Decimal) decimal.Decimal {
	return c.Round(c.Compute(kind, amount))
}
