package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for strings that are not a non-negative
// decimal number representable at the requested precision.
var ErrInvalidAmount = errors.New("invalid amount")

// ToBaseUnits converts a human decimal string ("1.5") into fixed-point base
// units at the given precision. Signs, exponents and excess precision are
// rejected rather than rounded.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if !isPlainDecimal(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, amount, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidAmount, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// ToPositiveBaseUnits is ToBaseUnits that additionally rejects zero.
func ToPositiveBaseUnits(amount string, decimals int32) (*big.Int, error) {
	v, err := ToBaseUnits(amount, decimals)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q must be greater than zero", ErrInvalidAmount, amount)
	}
	return v, nil
}

// ToDecimalString renders base units as a decimal string without trailing
// fractional zeros. A nil value renders as "0".
func ToDecimalString(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

func isPlainDecimal(s string) bool {
	if s == "" {
		return false
	}
	digits, dots := 0, 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '.':
			dots++
		default:
			return false
		}
	}
	return digits > 0 && dots <= 1
}
