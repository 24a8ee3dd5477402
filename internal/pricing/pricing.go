// Package pricing computes cart totals. All arithmetic is decimal and exact;
// rounding is presentation-only so repeated recomputation never compounds
// error.
package pricing

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"farmapos/internal/domain"
)

var oneHundred = decimal.NewFromInt(100)

// ComputeTotals derives subtotal, discount, tax and total from the cart
// lines. Percentages are clamped to [0,100]; NaN and infinities are treated
// as 0. The discount applies to the subtotal, tax applies to the discounted
// amount, and the total never goes below zero.
func ComputeTotals(lines []domain.CartLine, discountPercent float64, taxPercent float64) domain.Totals {
	discount := percentToDecimal(discountPercent)
	tax := percentToDecimal(taxPercent)

	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal())
	}

	discountAmount := subtotal.Mul(discount).Div(oneHundred)
	taxable := subtotal.Sub(discountAmount)
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	taxAmount := taxable.Mul(tax).Div(oneHundred)
	total := taxable.Add(taxAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return domain.Totals{
		Subtotal:       subtotal,
		DiscountAmount: discountAmount,
		TaxAmount:      taxAmount,
		Total:          total,
	}
}

// ParsePercent parses an externally supplied percentage (settings are plain
// strings). Unparseable or non-finite input yields 0.
func ParsePercent(raw string) float64 {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	if trimmed == "" {
		return 0
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0
	}
	return ClampPercent(value)
}

// ClampPercent clamps to [0,100], mapping NaN and infinities to 0.
func ClampPercent(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func percentToDecimal(value float64) decimal.Decimal {
	return decimal.NewFromFloat(ClampPercent(value))
}
