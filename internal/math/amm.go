package math

import (
	"fmt"
	"math/big"
)

// SwapDirection is the side of the AMM a swap adds to or removes from.
type SwapDirection int

const (
	SwapAdd SwapDirection = iota
	SwapRemove
)

func (d SwapDirection) String() string {
	if d == SwapAdd {
		return "Add"
	}
	return "Remove"
}

// SwapOutput simulates a constant-product swap of swapAmount against
// inputReserve. The invariant is sqrtK squared; the returned output reserve
// is truncated.
func SwapOutput(swapAmount, inputReserve *big.Int, direction SwapDirection, sqrtK *big.Int) (newOutput, newInput *big.Int, err error) {
	invariant := getInt128()
	defer putInt128(invariant)
	invariant.Mul(sqrtK, sqrtK)

	newInput = new(big.Int)
	if direction == SwapAdd {
		newInput.Add(inputReserve, swapAmount)
	} else {
		newInput.Sub(inputReserve, swapAmount)
	}
	if err := CheckU128(newInput); err != nil {
		return nil, nil, fmt.Errorf("swap input reserve: %w", err)
	}

	newOutput, err = Div(invariant, newInput, RoundDown)
	if err != nil {
		return nil, nil, fmt.Errorf("swap output reserve: %w", err)
	}
	if err := CheckU128(newOutput); err != nil {
		return nil, nil, fmt.Errorf("swap output reserve: %w", err)
	}
	return newOutput, newInput, nil
}

// ReserveToQuote converts an AMM quote reserve amount to quote precision
// through the peg multiplier.
func ReserveToQuote(reserve, pegMultiplier *big.Int) (*big.Int, error) {
	return MulDiv(reserve, pegMultiplier, big.NewInt(AmmTimesPegToQuotePrecisionRatio), RoundDown)
}

// QuoteAmountSwapped converts the change in quote reserve into a quote
// amount. Removing from the pool rounds the amount up by one unit.
func QuoteAmountSwapped(reserveBefore, reserveAfter *big.Int, direction SwapDirection, pegMultiplier *big.Int) (*big.Int, error) {
	change := new(big.Int)
	if direction == SwapAdd {
		change.Sub(reserveBefore, reserveAfter)
	} else {
		change.Sub(reserveAfter, reserveBefore)
	}
	if err := CheckU128(change); err != nil {
		return nil, fmt.Errorf("quote reserve change: %w", err)
	}

	amount, err := ReserveToQuote(change, pegMultiplier)
	if err != nil {
		return nil, err
	}
	if direction == SwapRemove {
		amount.Add(amount, big.NewInt(1))
	}
	return amount, nil
}

// AMMReserves is the subset of AMM state needed to value a position.
type AMMReserves struct {
	BaseAssetReserve  *big.Int
	QuoteAssetReserve *big.Int
	SqrtK             *big.Int
	PegMultiplier     *big.Int
}

// BaseAssetValue is the quote amount received by closing baseAssetAmount
// against the AMM. Longs close by adding base to the pool, shorts by
// removing it.
func BaseAssetValue(baseAssetAmount *big.Int, amm AMMReserves) (*big.Int, error) {
	if baseAssetAmount.Sign() == 0 {
		return new(big.Int), nil
	}

	direction := SwapAdd
	if baseAssetAmount.Sign() < 0 {
		direction = SwapRemove
	}

	swapAmount := new(big.Int).Abs(baseAssetAmount)
	newQuoteReserve, _, err := SwapOutput(swapAmount, amm.BaseAssetReserve, direction, amm.SqrtK)
	if err != nil {
		return nil, err
	}
	return QuoteAmountSwapped(amm.QuoteAssetReserve, newQuoteReserve, direction, amm.PegMultiplier)
}

// MarkPrice is quote_reserve * peg * PRICE_TO_PEG / base_reserve in
// MARK_PRICE_PRECISION.
func MarkPrice(amm AMMReserves) (*big.Int, error) {
	pegged := getInt128()
	defer putInt128(pegged)
	pegged.Mul(amm.QuoteAssetReserve, amm.PegMultiplier)
	return MulDiv(pegged, big.NewInt(PriceToPegPrecisionRatio), amm.BaseAssetReserve, RoundDown)
}

// OracleBaseAssetValue values a position at an oracle price given in
// MARK_PRICE_PRECISION.
func OracleBaseAssetValue(baseAssetAmount, oraclePrice *big.Int) (*big.Int, error) {
	abs := new(big.Int).Abs(baseAssetAmount)
	denominator := new(big.Int).Mul(big.NewInt(AmmReservePrecision), big.NewInt(MarkPriceToQuotePrecisionRatio))
	return MulDiv(abs, oraclePrice, denominator, RoundDown)
}

// PnL returns exit - entry for longs and entry - exit for shorts.
func PnL(exitValue, entryValue *big.Int, long bool) (*big.Int, error) {
	pnl := new(big.Int)
	if long {
		pnl.Sub(exitValue, entryValue)
	} else {
		pnl.Sub(entryValue, exitValue)
	}
	if err := CheckI128(pnl); err != nil {
		return nil, err
	}
	return pnl, nil
}

// DivergenceBps returns |a - b| * 10_000 / b, truncated.
func DivergenceBps(a, b *big.Int) (*big.Int, error) {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	return MulDiv(diff, big.NewInt(10_000), b, RoundDown)
}
