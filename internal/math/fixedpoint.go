// internal/math/fixedpoint.go
package math

import (
	"errors"
	"math/big"
	"sync"
)

// Precisions used by the clearing house program. All amounts are integers
// scaled by one of these; nothing in the evaluation path uses floats.
const (
	MarkPricePrecision      = 10_000_000_000     // 1e10
	AmmReservePrecision     = 10_000_000_000_000 // 1e13
	QuotePrecision          = 1_000_000          // 1e6
	PegPrecision            = 1_000              // 1e3
	MarginPrecision         = 10_000             // 1e4
	FundingPaymentPrecision = 10_000             // 1e4

	AmmToQuotePrecisionRatio         = AmmReservePrecision / QuotePrecision                // 1e7
	PriceToPegPrecisionRatio         = MarkPricePrecision / PegPrecision                   // 1e7
	AmmTimesPegToQuotePrecisionRatio = AmmReservePrecision * PegPrecision / QuotePrecision // 1e10
	MarkPriceToQuotePrecisionRatio   = MarkPricePrecision / QuotePrecision                 // 1e4
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
)

var (
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// MaxU128 returns a fresh copy of u128::MAX, the program's "no exposure"
// margin ratio.
func MaxU128() *big.Int {
	return new(big.Int).Set(maxU128)
}

// IsMaxU128 reports whether v is the u128::MAX sentinel.
func IsMaxU128(v *big.Int) bool {
	return v != nil && v.Cmp(maxU128) == 0
}

// big.Int pool for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// CheckU128 fails when v is negative or does not fit in 128 unsigned bits.
func CheckU128(v *big.Int) error {
	if v.Sign() < 0 || v.Cmp(maxU128) > 0 {
		return ErrOverflow
	}
	return nil
}

// CheckI128 fails when v does not fit in a signed 128-bit integer.
func CheckI128(v *big.Int) error {
	if v.Cmp(minI128) < 0 || v.Cmp(maxI128) > 0 {
		return ErrOverflow
	}
	return nil
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // truncate toward zero, the program's default
	RoundUp                           // away from zero
	RoundHalfEven                     // banker's rounding
)

// Div returns numerator / denominator under the given rounding mode. The
// inputs are not modified.
func Div(numerator, denominator *big.Int, mode RoundingMode) (*big.Int, error) {
	if denominator.Sign() == 0 {
		return nil, ErrDivisionByZero
	}

	quotient := new(big.Int)
	remainder := getInt128()
	defer putInt128(remainder)

	// QuoRem truncates toward zero; remainder carries the numerator's sign
	quotient.QuoRem(numerator, denominator, remainder)
	if remainder.Sign() == 0 {
		return quotient, nil
	}

	// direction of the exact result
	sign := numerator.Sign() * denominator.Sign()

	switch mode {
	case RoundUp:
		quotient.Add(quotient, big.NewInt(int64(sign)))
	case RoundHalfEven:
		twiceRem := getInt128()
		defer putInt128(twiceRem)
		twiceRem.Abs(remainder)
		twiceRem.Lsh(twiceRem, 1)

		absDen := getInt128()
		defer putInt128(absDen)
		absDen.Abs(denominator)

		cmp := twiceRem.Cmp(absDen)
		if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
			quotient.Add(quotient, big.NewInt(int64(sign)))
		}
	}

	return quotient, nil
}

// MulDiv computes a * b / denominator with a single rounding step.
func MulDiv(a, b, denominator *big.Int, mode RoundingMode) (*big.Int, error) {
	product := getInt128()
	defer putInt128(product)
	product.Mul(a, b)
	return Div(product, denominator, mode)
}

// UpdatedCollateral applies a signed delta to unsigned collateral, clamping
// at zero the way the program does.
func UpdatedCollateral(collateral, delta *big.Int) (*big.Int, error) {
	result := new(big.Int).Add(collateral, delta)
	if result.Sign() < 0 {
		return result.SetInt64(0), nil
	}
	if err := CheckU128(result); err != nil {
		return nil, err
	}
	return result, nil
}

// MarginRatio returns total_collateral * MARGIN_PRECISION / base_asset_value,
// truncated. With no exposure the ratio is u128::MAX.
func MarginRatio(totalCollateral, baseAssetValue *big.Int) (*big.Int, error) {
	if baseAssetValue.Sign() == 0 {
		return MaxU128(), nil
	}
	ratio, err := MulDiv(totalCollateral, big.NewInt(MarginPrecision), baseAssetValue, RoundDown)
	if err != nil {
		return nil, err
	}
	if err := CheckU128(ratio); err != nil {
		return nil, err
	}
	return ratio, nil
}

// MarginRequirement returns value * ratio / MARGIN_PRECISION, truncated.
func MarginRequirement(baseAssetValue *big.Int, ratio uint32) (*big.Int, error) {
	return MulDiv(baseAssetValue, new(big.Int).SetUint64(uint64(ratio)), big.NewInt(MarginPrecision), RoundDown)
}
