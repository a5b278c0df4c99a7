package state

import (
	"fmt"
	"math/big"

	fpmath "PerpLiquidator/internal/math"
)

// LiquidationType is the program's verdict on an account.
type LiquidationType int

const (
	LiquidationNone LiquidationType = iota
	LiquidationPartial
	LiquidationFull
)

func (lt LiquidationType) String() string {
	switch lt {
	case LiquidationNone:
		return "None"
	case LiquidationPartial:
		return "Partial"
	case LiquidationFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// OracleGuard is the local oracle policy. When the market table carries the
// program's guard rails they take precedence, and a nonzero MaxDivergenceBps
// can only tighten their divergence limit. Without rails the guard applies as
// given, and a zero MaxDivergenceBps disables it.
type OracleGuard struct {
	MaxDivergenceBps  uint64
	MaxStalenessSlots uint64
}

// spreadPrecision is the program's PRICE_SPREAD_PRECISION.
const spreadPrecision = 10_000

// oracleLimits is the guard in effect for one evaluation.
type oracleLimits struct {
	enabled          bool
	maxDivergenceBps *big.Int
	maxStaleness     uint64
	minConfDenom     *big.Int // price/conf must not fall below this
	tooVolatileRatio *big.Int
}

func (g OracleGuard) limits(rails OracleGuardRails) (oracleLimits, error) {
	if !rails.Known() {
		return oracleLimits{
			enabled:          g.MaxDivergenceBps > 0,
			maxDivergenceBps: new(big.Int).SetUint64(g.MaxDivergenceBps),
			maxStaleness:     g.MaxStalenessSlots,
		}, nil
	}
	if !rails.UseForLiquidations {
		return oracleLimits{}, nil
	}

	maxDiv, err := fpmath.MulDiv(rails.DivergenceNumerator, big.NewInt(spreadPrecision), rails.DivergenceDenominator, fpmath.RoundDown)
	if err != nil {
		return oracleLimits{}, fmt.Errorf("oracle divergence rail: %w", err)
	}
	if local := new(big.Int).SetUint64(g.MaxDivergenceBps); g.MaxDivergenceBps > 0 && local.Cmp(maxDiv) < 0 {
		maxDiv = local
	}
	l := oracleLimits{
		enabled:          true,
		maxDivergenceBps: maxDiv,
		minConfDenom:     rails.ConfidenceIntervalMaxSize,
		tooVolatileRatio: rails.TooVolatileRatio,
	}
	if rails.SlotsBeforeStale > 0 {
		l.maxStaleness = uint64(rails.SlotsBeforeStale)
	}
	return l, nil
}

// MarginStatus is the evaluation of one account against one market table.
// Collateral and value figures are mark (AMM) based; MarginRatio is the
// larger of the mark and oracle-guarded ratios.
type MarginStatus struct {
	TotalCollateral        *big.Int // QUOTE_PRECISION, clamped at zero
	UnrealizedPnL          *big.Int
	BaseAssetValue         *big.Int
	PartialRequirement     *big.Int
	MaintenanceRequirement *big.Int
	MarginRatio            *big.Int // MARGIN_PRECISION; u128::MAX with no exposure
	MaintenanceRatio       uint32   // strictest maintenance ratio over open markets
	LiquidationType        LiquidationType
	OracleAdjusted         bool // at least one position was valued at the oracle
}

// Threshold is the maintenance ratio less a safety margin, floored at zero.
func (s *MarginStatus) Threshold(safetyMarginBps uint32) uint32 {
	if safetyMarginBps >= s.MaintenanceRatio {
		return 0
	}
	return s.MaintenanceRatio - safetyMarginBps
}

// Eligible reports whether the account may be liquidated: its ratio is
// strictly below the threshold and the program's requirement check agrees.
func (s *MarginStatus) Eligible(safetyMarginBps uint32) bool {
	if s.LiquidationType == LiquidationNone {
		return false
	}
	threshold := big.NewInt(int64(s.Threshold(safetyMarginBps)))
	return s.MarginRatio.Cmp(threshold) < 0
}

type marginTotals struct {
	value       *big.Int
	pnl         *big.Int
	partial     *big.Int
	maintenance *big.Int
}

func newMarginTotals() marginTotals {
	return marginTotals{value: new(big.Int), pnl: new(big.Int), partial: new(big.Int), maintenance: new(big.Int)}
}

func (t *marginTotals) add(value, pnl *big.Int, m *Market) error {
	partial, err := fpmath.MarginRequirement(value, m.MarginRatioPartial)
	if err != nil {
		return err
	}
	maintenance, err := fpmath.MarginRequirement(value, m.MarginRatioMaintenance)
	if err != nil {
		return err
	}
	t.value.Add(t.value, value)
	t.pnl.Add(t.pnl, pnl)
	t.partial.Add(t.partial, partial)
	t.maintenance.Add(t.maintenance, maintenance)
	for _, v := range []*big.Int{t.value, t.partial, t.maintenance} {
		if err := fpmath.CheckU128(v); err != nil {
			return err
		}
	}
	return fpmath.CheckI128(t.pnl)
}

func (t *marginTotals) resolve(collateral *big.Int) (totalCollateral, ratio *big.Int, lt LiquidationType, err error) {
	totalCollateral, err = fpmath.UpdatedCollateral(collateral, t.pnl)
	if err != nil {
		return nil, nil, LiquidationNone, err
	}
	ratio, err = fpmath.MarginRatio(totalCollateral, t.value)
	if err != nil {
		return nil, nil, LiquidationNone, err
	}
	switch {
	case totalCollateral.Cmp(t.maintenance) < 0:
		lt = LiquidationFull
	case totalCollateral.Cmp(t.partial) < 0:
		lt = LiquidationPartial
	default:
		lt = LiquidationNone
	}
	return totalCollateral, ratio, lt, nil
}

// EvaluateMargin computes an account's margin status with the program's
// integer arithmetic. It is pure: the same account and table always give the
// same status.
//
// When the guard is enabled and a valid oracle diverges from the AMM mark by
// more than the guard allows, the position is also valued at the
// oracle; whichever valuation is kinder to the account feeds a second set of
// totals, and the account is only liquidatable if both sets agree.
func EvaluateMargin(acct *Account, markets *MarketTable, guard OracleGuard) (*MarginStatus, error) {
	limits, err := guard.limits(markets.State.GuardRails)
	if err != nil {
		return nil, err
	}
	mark := newMarginTotals()
	guarded := newMarginTotals()
	status := &MarginStatus{}

	for i := range acct.Positions {
		p := &acct.Positions[i]
		if p.IsFlat() {
			continue
		}

		m, ok := markets.Get(p.MarketIndex)
		if !ok {
			return nil, &MarketNotFoundError{Index: p.MarketIndex}
		}
		if m.MarginRatioMaintenance > status.MaintenanceRatio {
			status.MaintenanceRatio = m.MarginRatioMaintenance
		}

		value, err := fpmath.BaseAssetValue(p.BaseAssetAmount, m.AMM.Reserves())
		if err != nil {
			return nil, fmt.Errorf("base asset value for market %d: %w", p.MarketIndex, err)
		}
		pnl, err := fpmath.PnL(value, p.QuoteAssetAmount, p.IsLong())
		if err != nil {
			return nil, fmt.Errorf("pnl for market %d: %w", p.MarketIndex, err)
		}
		if err := mark.add(value, pnl, m); err != nil {
			return nil, fmt.Errorf("margin totals for market %d: %w", p.MarketIndex, err)
		}

		guardedValue, guardedPnL := value, pnl
		useOracle, err := oracleOverrides(m, markets.Slot, limits)
		if err != nil {
			return nil, fmt.Errorf("oracle guard for market %d: %w", p.MarketIndex, err)
		}
		if useOracle {
			oracleValue, err := fpmath.OracleBaseAssetValue(p.BaseAssetAmount, m.Oracle.Price)
			if err != nil {
				return nil, fmt.Errorf("oracle value for market %d: %w", p.MarketIndex, err)
			}
			oraclePnL, err := fpmath.PnL(oracleValue, p.QuoteAssetAmount, p.IsLong())
			if err != nil {
				return nil, fmt.Errorf("oracle pnl for market %d: %w", p.MarketIndex, err)
			}
			if oraclePnL.Cmp(pnl) > 0 {
				guardedValue, guardedPnL = oracleValue, oraclePnL
				status.OracleAdjusted = true
			}
		}
		if err := guarded.add(guardedValue, guardedPnL, m); err != nil {
			return nil, fmt.Errorf("guarded totals for market %d: %w", p.MarketIndex, err)
		}
	}

	totalCollateral, markRatio, markType, err := mark.resolve(acct.Collateral)
	if err != nil {
		return nil, err
	}
	_, guardedRatio, guardedType, err := guarded.resolve(acct.Collateral)
	if err != nil {
		return nil, err
	}

	status.TotalCollateral = totalCollateral
	status.UnrealizedPnL = mark.pnl
	status.BaseAssetValue = mark.value
	status.PartialRequirement = mark.partial
	status.MaintenanceRequirement = mark.maintenance

	status.MarginRatio = markRatio
	if guardedRatio.Cmp(markRatio) > 0 {
		status.MarginRatio = guardedRatio
	}
	status.LiquidationType = markType
	if guardedType < markType {
		status.LiquidationType = guardedType
	}

	return status, nil
}

// oracleValid mirrors the program's validity rails: a positive price that is
// fresh, tight enough and not too far from its twap.
func oracleValid(m *Market, slot uint64, l oracleLimits) bool {
	o := m.Oracle
	if !o.Valid || o.Price == nil || o.Price.Sign() <= 0 {
		return false
	}
	if l.maxStaleness > 0 && slot > o.Slot && slot-o.Slot > l.maxStaleness {
		return false
	}
	if l.minConfDenom != nil && l.minConfDenom.Sign() > 0 {
		conf := big.NewInt(1)
		if o.Confidence != nil && o.Confidence.Cmp(conf) > 0 {
			conf = o.Confidence
		}
		if new(big.Int).Quo(o.Price, conf).Cmp(l.minConfDenom) < 0 {
			return false
		}
	}
	if twap := m.AMM.LastOraclePriceTwap; l.tooVolatileRatio != nil && l.tooVolatileRatio.Sign() > 0 && twap != nil && twap.Sign() > 0 {
		hi, lo := o.Price, twap
		if hi.Cmp(lo) < 0 {
			hi, lo = lo, hi
		}
		if new(big.Int).Quo(hi, lo).Cmp(l.tooVolatileRatio) > 0 {
			return false
		}
	}
	return true
}

func oracleOverrides(m *Market, slot uint64, l oracleLimits) (bool, error) {
	if !l.enabled || !oracleValid(m, slot, l) {
		return false, nil
	}

	markPrice, err := fpmath.MarkPrice(m.AMM.Reserves())
	if err != nil {
		return false, err
	}
	divergence, err := fpmath.DivergenceBps(markPrice, m.Oracle.Price)
	if err != nil {
		return false, err
	}
	return divergence.Cmp(l.maxDivergenceBps) > 0, nil
}
