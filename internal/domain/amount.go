package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxAmount = decimal.NewFromUint64(math.MaxUint64)

// FormatAmount renders a base-unit amount in UI units, e.g. 1500000 with 6
// decimals becomes "1.5".
func FormatAmount(amount uint64, decimals uint8) string {
	return decimal.NewFromUint64(amount).Shift(-int32(decimals)).String()
}

// ParseAmount converts a UI amount such as "1.5" into base units. Amounts
// with more fractional digits than the mint supports are rejected rather
// than rounded.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, s)
	}
	base := d.Shift(int32(decimals))
	if !base.Equal(base.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	if base.GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, s)
	}
	return base.BigInt().Uint64(), nil
}
