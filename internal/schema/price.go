package schema

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ParsePrice converts a decimal string into a scaled price.
// It fails when the value carries more decimals than scale allows.
func ParsePrice(s string, scale Scale) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	scaled := d.Shift(int32(scale))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("price %q exceeds %d decimals", s, scale)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return Price(scaled.IntPart()), nil
}

// FormatPrice renders a scaled price as a decimal string.
func FormatPrice(p Price, scale Scale) string {
	return decimal.New(int64(p), -int32(scale)).StringFixed(int32(scale))
}

// ParseQuantity converts a decimal string into a whole quantity.
func ParseQuantity(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse quantity %q: %w", s, err)
	}
	if !d.IsInteger() || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(int64(MaxQuantity))) {
		return 0, fmt.Errorf("quantity %q is not a whole number in range", s)
	}
	return Quantity(d.IntPart()), nil
}
