package state

import (
	"fmt"
	"math/big"

	fpmath "PerpLiquidator/internal/math"
)

// FundingSettlement is the result of settling one account locally.
type FundingSettlement struct {
	Account   *Account // post-settlement account; the input when nothing was owed
	Payment   *big.Int // signed quote amount credited to collateral
	Positions int      // positions whose funding marker moved
}

// Changed reports whether settlement moved any funding marker.
func (s *FundingSettlement) Changed() bool {
	return s.Positions > 0
}

// NeedsFundingSettlement reports whether any open position's funding marker
// lags its market's cumulative rate.
func NeedsFundingSettlement(acct *Account, markets *MarketTable) (bool, error) {
	for i := range acct.Positions {
		p := &acct.Positions[i]
		if p.IsFlat() {
			continue
		}
		m, ok := markets.Get(p.MarketIndex)
		if !ok {
			return false, &MarketNotFoundError{Index: p.MarketIndex}
		}
		if m.AMM.CumulativeFundingRate(p.IsLong()).Cmp(p.fundingMarker()) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// SettleFunding mirrors the program's funding settlement: per-position
// payments are summed in AMM reserve precision, converted to quote once, and
// applied to collateral with a clamp at zero. Markers advance to the
// market's cumulative rate. Settling an up-to-date account is a no-op that
// returns the same *Account.
func SettleFunding(acct *Account, markets *MarketTable) (*FundingSettlement, error) {
	needs, err := NeedsFundingSettlement(acct, markets)
	if err != nil {
		return nil, err
	}
	if !needs {
		return &FundingSettlement{Account: acct, Payment: new(big.Int)}, nil
	}

	settled := acct.Clone()
	total := new(big.Int)
	moved := 0

	for i := range settled.Positions {
		p := &settled.Positions[i]
		if p.IsFlat() {
			continue
		}
		m, _ := markets.Get(p.MarketIndex)
		rate := m.AMM.CumulativeFundingRate(p.IsLong())
		if rate.Cmp(p.fundingMarker()) == 0 {
			continue
		}

		payment, err := fpmath.ComputeFundingPayment(rate, p.fundingMarker(), p.BaseAssetAmount)
		if err != nil {
			return nil, fmt.Errorf("funding payment for market %d: %w", p.MarketIndex, err)
		}
		total.Add(total, payment)
		if err := fpmath.CheckI128(total); err != nil {
			return nil, fmt.Errorf("funding payment total: %w", err)
		}

		p.LastCumulativeFundingRate = new(big.Int).Set(rate)
		p.LastFundingRateTs = m.AMM.LastFundingRateTs
		moved++
	}

	quote, err := fpmath.FundingPaymentInQuote(total)
	if err != nil {
		return nil, err
	}
	collateral, err := fpmath.UpdatedCollateral(settled.Collateral, quote)
	if err != nil {
		return nil, fmt.Errorf("collateral after funding: %w", err)
	}
	settled.Collateral = collateral

	return &FundingSettlement{Account: settled, Payment: quote, Positions: moved}, nil
}
