package state

import (
	"fmt"
	"math/big"

	fpmath "PerpLiquidator/internal/math"
)

// ValidateMarket checks that a decoded market is usable for margin
// evaluation: maintenance > 0, partial >= maintenance, initial >= partial,
// initial <= MARGIN_PRECISION, and a non-degenerate curve.
func ValidateMarket(m *Market) error {
	if !m.Initialized {
		return fmt.Errorf("market %d is not initialized", m.Index)
	}
	if m.MarginRatioMaintenance == 0 {
		return fmt.Errorf("margin_ratio_maintenance must be > 0")
	}
	if m.MarginRatioPartial < m.MarginRatioMaintenance {
		return fmt.Errorf("margin_ratio_partial (%d) must be >= margin_ratio_maintenance (%d)",
			m.MarginRatioPartial, m.MarginRatioMaintenance)
	}
	if m.MarginRatioInitial < m.MarginRatioPartial {
		return fmt.Errorf("margin_ratio_initial (%d) must be >= margin_ratio_partial (%d)",
			m.MarginRatioInitial, m.MarginRatioPartial)
	}
	if m.MarginRatioInitial > fpmath.MarginPrecision {
		return fmt.Errorf("margin_ratio_initial must be <= %d, got %d", fpmath.MarginPrecision, m.MarginRatioInitial)
	}
	for name, v := range map[string]*big.Int{
		"base_asset_reserve":  m.AMM.BaseAssetReserve,
		"quote_asset_reserve": m.AMM.QuoteAssetReserve,
		"sqrt_k":              m.AMM.SqrtK,
		"peg_multiplier":      m.AMM.PegMultiplier,
	} {
		if v == nil || v.Sign() <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	return nil
}
