package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"farmapos/internal/domain"
)

func cartLine(price string, qty int) domain.CartLine {
	return domain.CartLine{
		BatchID:   "b-" + price,
		Name:      "item",
		UnitPrice: decimal.RequireFromString(price),
		Quantity:  qty,
	}
}

func assertDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s, got %s", label, want, got)
	}
}

func TestComputeTotalsDiscountThenTax(t *testing.T) {
	lines := []domain.CartLine{
		cartLine("250.00", 2), // 500
		cartLine("100.00", 5), // 500
	}

	totals := ComputeTotals(lines, 10, 17)

	assertDecimal(t, "subtotal", totals.Subtotal, "1000")
	assertDecimal(t, "discount", totals.DiscountAmount, "100")
	// Tax applies to the discounted amount, not the subtotal.
	assertDecimal(t, "tax", totals.TaxAmount, "153")
	assertDecimal(t, "total", totals.Total, "1053")
}

func TestComputeTotalsEmptyCart(t *testing.T) {
	totals := ComputeTotals(nil, 10, 11)
	assertDecimal(t, "subtotal", totals.Subtotal, "0")
	assertDecimal(t, "total", totals.Total, "0")
}

func TestComputeTotalsExactDecimalArithmetic(t *testing.T) {
	// 0.1 + 0.2 style values must not pick up float drift.
	lines := []domain.CartLine{
		cartLine("0.10", 1),
		cartLine("0.20", 1),
	}
	totals := ComputeTotals(lines, 0, 0)
	assertDecimal(t, "subtotal", totals.Subtotal, "0.30")
	assertDecimal(t, "total", totals.Total, "0.30")
}

func TestComputeTotalsClampsPercents(t *testing.T) {
	lines := []domain.CartLine{cartLine("10.00", 1)}

	totals := ComputeTotals(lines, -5, 250)
	assertDecimal(t, "discount at clamp", totals.DiscountAmount, "0")
	assertDecimal(t, "tax at clamp", totals.TaxAmount, "10")

	totals = ComputeTotals(lines, math.NaN(), math.Inf(1))
	assertDecimal(t, "nan discount", totals.DiscountAmount, "0")
	assertDecimal(t, "inf tax", totals.TaxAmount, "0")
	assertDecimal(t, "total", totals.Total, "10.00")
}

func TestComputeTotalsFullDiscount(t *testing.T) {
	lines := []domain.CartLine{cartLine("42.00", 3)}
	totals := ComputeTotals(lines, 100, 17)
	assertDecimal(t, "discount", totals.DiscountAmount, "126.00")
	assertDecimal(t, "tax", totals.TaxAmount, "0")
	assertDecimal(t, "total", totals.Total, "0")
}

func TestParsePercent(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"15", 15},
		{" 7.5% ", 7.5},
		{"150", 100},
		{"-3", 0},
		{"", 0},
		{"abc", 0},
		{"NaN", 0},
	}
	for _, tc := range cases {
		if got := ParsePercent(tc.raw); got != tc.want {
			t.Fatalf("ParsePercent(%q): expected %v, got %v", tc.raw, tc.want, got)
		}
	}
}

func TestClampPercent(t *testing.T) {
	if got := ClampPercent(math.Inf(-1)); got != 0 {
		t.Fatalf("expected -Inf to clamp to 0, got %v", got)
	}
	if got := ClampPercent(55.5); got != 55.5 {
		t.Fatalf("in-range value must pass through, got %v", got)
	}
}
