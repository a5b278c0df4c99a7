package testutil

import (
	"math/big"

	fpmath "PerpLiquidator/internal/math"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Reserve is the balanced-pool reserve used by fixtures: 2.4e16 base and
// quote at a 1.0 peg, so a 2.4e16 long is worth 1200 quote (1.2e9).
var Reserve = big.NewInt(24_000_000_000_000_000)

// Key returns a deterministic public key.
func Key(n byte) solana.PublicKey {
	return solana.PublicKey{0xC0, n}
}

// BalancedMarket has equal reserves and a 1.0 peg. Maintenance 5%,
// partial 6.25%, initial 10%.
func BalancedMarket(index uint64) state.Market {
	return state.Market{
		Index:       index,
		Initialized: true,
		AMM: state.AMM{
			Oracle:                     solana.PublicKey{0x0A, byte(index)},
			BaseAssetReserve:           new(big.Int).Set(Reserve),
			QuoteAssetReserve:          new(big.Int).Set(Reserve),
			SqrtK:                      new(big.Int).Set(Reserve),
			PegMultiplier:              big.NewInt(fpmath.PegPrecision),
			CumulativeFundingRateLong:  big.NewInt(0),
			CumulativeFundingRateShort: big.NewInt(0),
		},
		MarginRatioInitial:     1_000,
		MarginRatioPartial:     625,
		MarginRatioMaintenance: 500,
	}
}

// Markets builds a table at slot.
func Markets(slot uint64, markets ...state.Market) *state.MarketTable {
	return state.NewMarketTable(slot, state.StateAccounts{
		State:                 Key(0xF0),
		Markets:               Key(0xF1),
		CollateralVault:       Key(0xF2),
		TradeHistory:          Key(0xF3),
		LiquidationHistory:    Key(0xF4),
		FundingPaymentHistory: Key(0xF5),
	}, markets)
}

// LongAccount holds one 2.4e16 long in market 0 entered at 1200 quote.
// Collateral 100e6 gives a margin ratio of 833 (healthy); 50e6 gives 416
// (below maintenance).
func LongAccount(n byte, collateral int64) *state.Account {
	return &state.Account{
		Key:          Key(n),
		Authority:    solana.PublicKey{0xA0, n},
		PositionsKey: solana.PublicKey{0xB0, n},
		Collateral:   big.NewInt(collateral),
		Positions: []state.Position{{
			MarketIndex:               0,
			BaseAssetAmount:           new(big.Int).Set(Reserve),
			QuoteAssetAmount:          big.NewInt(1_200_000_000),
			LastCumulativeFundingRate: big.NewInt(0),
		}},
	}
}

// HealthyAccount is a long with a margin ratio of 833.
func HealthyAccount(n byte) *state.Account {
	return LongAccount(n, 100_000_000)
}

// UnhealthyAccount is a long with a margin ratio of 416.
func UnhealthyAccount(n byte) *state.Account {
	return LongAccount(n, 50_000_000)
}

// NewTestSigner returns a random keypair signer key.
func NewTestSigner() solana.PrivateKey {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return key
}
