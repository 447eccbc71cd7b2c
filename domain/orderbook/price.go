package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of ticks per unit of quote currency:
// a price of 1.01 is stored as 10100.
const PriceScale = 10_000

const priceExp = -4

// PriceToDecimal converts ticks to a decimal price.
func PriceToDecimal(ticks int64) decimal.Decimal {
	return decimal.New(ticks, priceExp)
}

// ParsePrice converts a decimal string such as "1.01" to ticks. Prices
// finer than one tick are rejected rather than rounded.
func ParsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	return DecimalToPrice(d)
}

// DecimalToPrice converts a decimal price to ticks.
func DecimalToPrice(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(-priceExp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("price %s is finer than one tick", d)
	}
	return shifted.IntPart(), nil
}
