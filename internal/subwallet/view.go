package subwallet

import "github.com/shopspring/decimal"

// View is the JSON shape of a sub-wallet with amounts in display units.
type View struct {
	Wallet          string          `json:"wallet"`
	ID              uint64          `json:"id"`
	Dependent       string          `json:"dependent"`
	SpendingLimit   decimal.Decimal `json:"spending_limit"`
	SpentThisPeriod decimal.Decimal `json:"spent_this_period"`
	Remaining       decimal.Decimal `json:"remaining"`
	PeriodStart     int64           `json:"period_start"`
	PeriodEnd       int64           `json:"period_end,omitempty"`
	PeriodDuration  int64           `json:"period_duration"`
	Mode            string          `json:"mode"`
	Active          bool            `json:"active"`
}

// View renders s for API responses.
func (s SubWallet) View(decimals int32) View {
	return View{
		Wallet:          s.Wallet.Hex(),
		ID:              s.ID,
		Dependent:       s.DependentAddress.Hex(),
		SpendingLimit:   FromSmallestUnit(s.SpendingLimit, decimals),
		SpentThisPeriod: FromSmallestUnit(s.SpentThisPeriod, decimals),
		Remaining:       FromSmallestUnit(s.Remaining(), decimals),
		PeriodStart:     s.PeriodStart,
		PeriodEnd:       s.PeriodEnd(),
		PeriodDuration:  s.PeriodDuration,
		Mode:            s.Mode.String(),
		Active:          s.Active,
	}
}
