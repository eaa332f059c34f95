package subwallet

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mode distinguishes allowances that renew every period from single grants.
type Mode uint8

const (
	ModeRecurring Mode = iota
	ModeOneTime
)

func (m Mode) String() string {
	switch m {
	case ModeRecurring:
		return "recurring"
	case ModeOneTime:
		return "one_time"
	default:
		return "unknown"
	}
}

// SubWallet is a guardian-granted, spending-limited allowance for one dependent.
// Amounts are in the token's smallest unit. IDs are 1-based per guardian wallet
// and never reused; an inactive sub-wallet stays on the ledger.
type SubWallet struct {
	Wallet           common.Address
	ID               uint64
	DependentAddress common.Address
	SpendingLimit    *big.Int
	SpentThisPeriod  *big.Int
	PeriodStart      int64
	PeriodDuration   int64
	Mode             Mode
	Active           bool
}

// Remaining returns SpendingLimit - SpentThisPeriod, floored at zero.
func (s SubWallet) Remaining() *big.Int {
	limit := orZero(s.SpendingLimit)
	rem := new(big.Int).Sub(limit, orZero(s.SpentThisPeriod))
	if rem.Sign() < 0 {
		return new(big.Int)
	}
	return rem
}

// PeriodEnd returns the unix time at which the current period closes, or zero
// when the sub-wallet has no period.
func (s SubWallet) PeriodEnd() int64 {
	if s.PeriodDuration <= 0 {
		return 0
	}
	return s.PeriodStart + s.PeriodDuration
}

// EffectiveAt returns the state the ledger will apply at the next spend: a
// recurring allowance whose period has elapsed starts from zero spent.
func (s SubWallet) EffectiveAt(now time.Time) SubWallet {
	end := s.PeriodEnd()
	if s.Mode != ModeRecurring || end == 0 || now.Unix() < end {
		return s
	}
	elapsed := (now.Unix() - s.PeriodStart) / s.PeriodDuration
	s.PeriodStart += elapsed * s.PeriodDuration
	s.SpentThisPeriod = new(big.Int)
	return s
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
