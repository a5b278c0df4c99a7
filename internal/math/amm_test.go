package math_test

import (
	"math/big"
	"testing"

	fpmath "PerpLiquidator/internal/math"
)

// balancedPool has equal reserves of 2.4e16 and a 1.0 peg, so the mark price
// is exactly 1 quote per base.
func balancedPool(t *testing.T) fpmath.AMMReserves {
	t.Helper()
	r := mustInt(t, "24000000000000000")
	return fpmath.AMMReserves{
		BaseAssetReserve:  r,
		QuoteAssetReserve: r,
		SqrtK:             r,
		PegMultiplier:     big.NewInt(1_000),
	}
}

func TestBaseAssetValue_Long(t *testing.T) {
	amm := balancedPool(t)

	// closing 2400 base adds it to the pool: quote reserve halves, the
	// 1.2e16 change is worth exactly 1200 quote
	value, err := fpmath.BaseAssetValue(mustInt(t, "24000000000000000"), amm)
	if err != nil {
		t.Fatal(err)
	}
	if value.Cmp(big.NewInt(1_200_000_000)) != 0 {
		t.Errorf("expected 1200000000, got %s", value)
	}
}

func TestBaseAssetValue_ShortRoundsUp(t *testing.T) {
	amm := balancedPool(t)

	// closing 800 base short removes it from the pool; the quote change is
	// 1.2e16 and removal rounds up by one unit
	value, err := fpmath.BaseAssetValue(mustInt(t, "-8000000000000000"), amm)
	if err != nil {
		t.Fatal(err)
	}
	if value.Cmp(big.NewInt(1_200_000_001)) != 0 {
		t.Errorf("expected 1200000001, got %s", value)
	}
}

func TestBaseAssetValue_Flat(t *testing.T) {
	value, err := fpmath.BaseAssetValue(big.NewInt(0), balancedPool(t))
	if err != nil {
		t.Fatal(err)
	}
	if value.Sign() != 0 {
		t.Errorf("expected 0, got %s", value)
	}
}

func TestBaseAssetValue_ShortLargerThanPool(t *testing.T) {
	_, err := fpmath.BaseAssetValue(mustInt(t, "-48000000000000000"), balancedPool(t))
	if err == nil {
		t.Fatal("expected an error when removing more base than the pool holds")
	}
}

func TestMarkPrice(t *testing.T) {
	price, err := fpmath.MarkPrice(balancedPool(t))
	if err != nil {
		t.Fatal(err)
	}
	if price.Cmp(big.NewInt(fpmath.MarkPricePrecision)) != 0 {
		t.Errorf("expected 1e10, got %s", price)
	}
}

func TestOracleBaseAssetValue(t *testing.T) {
	// 2400 base at 0.5 quote
	value, err := fpmath.OracleBaseAssetValue(mustInt(t, "-24000000000000000"), big.NewInt(5_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if value.Cmp(big.NewInt(1_200_000_000)) != 0 {
		t.Errorf("expected 1200000000, got %s", value)
	}
}

func TestPnL(t *testing.T) {
	long, err := fpmath.PnL(big.NewInt(1_100), big.NewInt(1_000), true)
	if err != nil {
		t.Fatal(err)
	}
	short, err := fpmath.PnL(big.NewInt(1_100), big.NewInt(1_000), false)
	if err != nil {
		t.Fatal(err)
	}
	if long.Int64() != 100 || short.Int64() != -100 {
		t.Errorf("long=%s short=%s", long, short)
	}
}

func TestDivergenceBps(t *testing.T) {
	got, err := fpmath.DivergenceBps(big.NewInt(11_500), big.NewInt(10_000))
	if err != nil {
		t.Fatal(err)
	}
	if got.Int64() != 1_500 {
		t.Errorf("expected 1500, got %s", got)
	}
}
