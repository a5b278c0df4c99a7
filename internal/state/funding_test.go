package state_test

import (
	"math/big"
	"testing"

	"PerpLiquidator/internal/state"
)

func fundedMarket(t *testing.T, longRate, shortRate int64) state.Market {
	t.Helper()
	m := balancedMarket(t, 0, "24000000000000000")
	m.AMM.CumulativeFundingRateLong = big.NewInt(longRate)
	m.AMM.CumulativeFundingRateShort = big.NewInt(shortRate)
	m.AMM.LastFundingRateTs = 1_700_000_000
	return m
}

func TestSettleFunding_LongPays(t *testing.T) {
	markets := tableOf(100, fundedMarket(t, 1_000_000_000_000, 1_000_000_000_000))
	acct := accountWith(t, "100000000", position(t, 0, "24000000000000000", "1200000000"))

	result, err := state.SettleFunding(acct, markets)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed() {
		t.Fatal("expected settlement to move the funding marker")
	}
	if result.Payment.Int64() != -24_000_000 {
		t.Errorf("expected payment -24000000, got %s", result.Payment)
	}
	if result.Account.Collateral.Int64() != 76_000_000 {
		t.Errorf("expected collateral 76000000, got %s", result.Account.Collateral)
	}
	p := result.Account.Positions[0]
	if p.LastCumulativeFundingRate.Int64() != 1_000_000_000_000 {
		t.Errorf("marker not advanced: %s", p.LastCumulativeFundingRate)
	}
	if p.LastFundingRateTs != 1_700_000_000 {
		t.Errorf("funding ts not advanced: %d", p.LastFundingRateTs)
	}

	// the snapshot copy is untouched
	if acct.Collateral.Int64() != 100_000_000 || acct.Positions[0].LastCumulativeFundingRate.Sign() != 0 {
		t.Error("settlement mutated the input account")
	}
}

func TestSettleFunding_ShortUsesShortRate(t *testing.T) {
	markets := tableOf(100, fundedMarket(t, 0, 1_000_000_000_000))
	acct := accountWith(t, "100000000", position(t, 0, "-24000000000000000", "1200000000"))

	result, err := state.SettleFunding(acct, markets)
	if err != nil {
		t.Fatal(err)
	}
	if result.Payment.Int64() != 24_000_000 {
		t.Errorf("expected short to receive 24000000, got %s", result.Payment)
	}
	if result.Account.Collateral.Int64() != 124_000_000 {
		t.Errorf("expected collateral 124000000, got %s", result.Account.Collateral)
	}
}

func TestSettleFunding_ClampsCollateral(t *testing.T) {
	markets := tableOf(100, fundedMarket(t, 1_000_000_000_000, 0))
	acct := accountWith(t, "10000000", position(t, 0, "24000000000000000", "1200000000"))

	result, err := state.SettleFunding(acct, markets)
	if err != nil {
		t.Fatal(err)
	}
	if result.Account.Collateral.Sign() != 0 {
		t.Errorf("expected collateral clamped to 0, got %s", result.Account.Collateral)
	}
}

func TestSettleFunding_Idempotent(t *testing.T) {
	markets := tableOf(100, fundedMarket(t, 1_000_000_000_000, 1_000_000_000_000))
	acct := accountWith(t, "100000000", position(t, 0, "24000000000000000", "1200000000"))

	first, err := state.SettleFunding(acct, markets)
	if err != nil {
		t.Fatal(err)
	}
	second, err := state.SettleFunding(first.Account, markets)
	if err != nil {
		t.Fatal(err)
	}
	if second.Changed() {
		t.Error("second settlement should be a no-op")
	}
	if second.Account != first.Account {
		t.Error("no-op settlement should return the same account")
	}
	if second.Payment.Sign() != 0 {
		t.Errorf("expected zero payment, got %s", second.Payment)
	}
	if second.Account.Fingerprint() != first.Account.Fingerprint() {
		t.Error("fingerprint changed on a no-op settlement")
	}
}

func TestNeedsFundingSettlement_IgnoresFlatPositions(t *testing.T) {
	markets := tableOf(100, fundedMarket(t, 1_000_000_000_000, 1_000_000_000_000))
	acct := accountWith(t, "100000000", position(t, 0, "0", "0"))

	needs, err := state.NeedsFundingSettlement(acct, markets)
	if err != nil {
		t.Fatal(err)
	}
	if needs {
		t.Error("flat positions never need settlement")
	}
}
