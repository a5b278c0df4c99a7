// internal/math/funding.go
package math

import (
	"math/big"
)

// fundingRateDenominator scales |rate delta| * |base| to AMM reserve
// precision: MARK_PRICE_PRECISION * FUNDING_PAYMENT_PRECISION.
var fundingRateDenominator = new(big.Int).Mul(big.NewInt(MarkPricePrecision), big.NewInt(FundingPaymentPrecision))

// ComputeFundingPayment returns the funding owed on a position since its
// last settlement, in AMM reserve precision, from the account's point of
// view: negative = account pays, positive = account receives.
//
// Longs pay shorts when the cumulative rate rises. The magnitude is truncated
// before the sign is applied.
func ComputeFundingPayment(
	cumulativeFundingRate *big.Int,     // market cumulative rate for the position's side
	lastCumulativeFundingRate *big.Int, // rate at the position's last settlement
	baseAssetAmount *big.Int,           // AMM_RESERVE_PRECISION, signed
) (*big.Int, error) {
	delta := new(big.Int).Sub(cumulativeFundingRate, lastCumulativeFundingRate)
	if err := CheckI128(delta); err != nil {
		return nil, err
	}
	if delta.Sign() == 0 || baseAssetAmount.Sign() == 0 {
		return new(big.Int), nil
	}

	absDelta := getInt128()
	defer putInt128(absDelta)
	absDelta.Abs(delta)
	absBase := getInt128()
	defer putInt128(absBase)
	absBase.Abs(baseAssetAmount)

	magnitude, err := MulDiv(absDelta, absBase, fundingRateDenominator, RoundDown)
	if err != nil {
		return nil, err
	}

	// longs pay on a rising rate, shorts receive
	sign := delta.Sign()
	if baseAssetAmount.Sign() > 0 {
		sign = -sign
	}
	if sign < 0 {
		magnitude.Neg(magnitude)
	}
	if err := CheckI128(magnitude); err != nil {
		return nil, err
	}
	return magnitude, nil
}

// FundingPaymentInQuote converts a summed AMM-precision funding payment to
// quote precision, truncating toward zero.
func FundingPaymentInQuote(payment *big.Int) (*big.Int, error) {
	return Div(payment, big.NewInt(AmmToQuotePrecisionRatio), RoundDown)
}
