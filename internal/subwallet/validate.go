package subwallet

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrInvalidAmount    = errors.New("amount must be a positive number")
	ErrWalletInactive   = errors.New("sub-wallet is inactive")
	ErrLimitExceeded    = errors.New("amount exceeds remaining spending limit")
)

// Validate pre-checks a spend against the sub-wallet state. The ledger enforces
// the limit atomically at spend time; this only avoids relaying calls that are
// certain to revert. amount is in the same unit as the sub-wallet fields.
func Validate(sw SubWallet, amount decimal.Decimal, recipient string) error {
	if err := CheckRecipient(recipient); err != nil {
		return err
	}
	if err := CheckAmount(amount); err != nil {
		return err
	}
	if !sw.Active {
		return ErrWalletInactive
	}
	remaining := decimal.NewFromBigInt(sw.Remaining(), 0)
	if amount.GreaterThan(remaining) {
		return ErrLimitExceeded
	}
	return nil
}

// CheckRecipient reports whether recipient is a well-formed, non-zero address.
func CheckRecipient(recipient string) error {
	if !common.IsHexAddress(recipient) {
		return ErrInvalidRecipient
	}
	if common.HexToAddress(recipient) == (common.Address{}) {
		return ErrInvalidRecipient
	}
	return nil
}

// CheckAmount reports whether amount is strictly positive and within the
// range a uint256 amount can express.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !inRange(amount) {
		return ErrInvalidAmount
	}
	return nil
}
