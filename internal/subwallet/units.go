package subwallet

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// maxAmountDigits is the number of decimal digits in 2^256-1.
	maxAmountDigits = 78
	maxAmountInput  = 2 * maxAmountDigits
)

// ParseDisplayAmount parses a user-entered amount such as "25.00".
func ParseDisplayAmount(raw string) (decimal.Decimal, error) {
	if len(raw) > maxAmountInput {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	if err := CheckAmount(amount); err != nil {
		return decimal.Decimal{}, err
	}
	return amount, nil
}

// ToSmallestUnit converts a display amount into the token's smallest unit.
// Amounts finer than one smallest unit or wider than uint256 are rejected.
func ToSmallestUnit(display decimal.Decimal, decimals int32) (*big.Int, error) {
	scaled := display.Shift(decimals)
	if scaled.IsZero() {
		return new(big.Int), nil
	}
	if !inRange(scaled) {
		return nil, ErrInvalidAmount
	}
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	v := scaled.BigInt()
	if v.BitLen() > 256 {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// FromSmallestUnit converts a smallest-unit integer into display units.
func FromSmallestUnit(v *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(orZero(v), -decimals)
}

// inRange reports whether d has at most maxAmountDigits integer digits and
// at most maxAmountDigits fractional places. Exponents outside that window
// would make rescaling allocate integers of arbitrary size.
func inRange(d decimal.Decimal) bool {
	exp := int(d.Exponent())
	if exp < -maxAmountDigits {
		return false
	}
	return d.NumDigits()+exp <= maxAmountDigits
}
