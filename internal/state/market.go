package state

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "PerpLiquidator/internal/math"

	"github.com/gagliardetto/solana-go"
)

// OracleSource identifies the price feed format behind a market's oracle.
type OracleSource uint8

const (
	OracleSourcePyth OracleSource = iota
	OracleSourceSwitchboard
)

func (s OracleSource) String() string {
	switch s {
	case OracleSourcePyth:
		return "Pyth"
	case OracleSourceSwitchboard:
		return "Switchboard"
	default:
		return "Unknown"
	}
}

// OraclePrice is an oracle reading scaled to MARK_PRICE_PRECISION.
type OraclePrice struct {
	Price      *big.Int
	Confidence *big.Int
	Slot       uint64 // publish slot
	Valid      bool   // trading status and positive price
}

// AMM is the market's virtual AMM state.
type AMM struct {
	Oracle                     solana.PublicKey
	OracleSource               OracleSource
	BaseAssetReserve           *big.Int
	QuoteAssetReserve          *big.Int
	SqrtK                      *big.Int
	PegMultiplier              *big.Int
	CumulativeFundingRateLong  *big.Int
	CumulativeFundingRateShort *big.Int
	LastFundingRateTs          int64
	FundingPeriod              int64
	LastOraclePriceTwap        *big.Int
	LastMarkPriceTwap          *big.Int
}

// Reserves returns the curve parameters used to value positions.
func (a *AMM) Reserves() fpmath.AMMReserves {
	return fpmath.AMMReserves{
		BaseAssetReserve:  a.BaseAssetReserve,
		QuoteAssetReserve: a.QuoteAssetReserve,
		SqrtK:             a.SqrtK,
		PegMultiplier:     a.PegMultiplier,
	}
}

// CumulativeFundingRate returns the cumulative rate that applies to a side.
func (a *AMM) CumulativeFundingRate(long bool) *big.Int {
	rate := a.CumulativeFundingRateShort
	if long {
		rate = a.CumulativeFundingRateLong
	}
	if rate == nil {
		return new(big.Int)
	}
	return rate
}

// Market is one perpetual market. Margin ratios are in MARGIN_PRECISION.
type Market struct {
	Index                  uint64
	Initialized            bool
	AMM                    AMM
	MarginRatioInitial     uint32
	MarginRatioPartial     uint32
	MarginRatioMaintenance uint32
	Oracle                 OraclePrice
}

// OracleGuardRails are the program's own limits on oracle use, read from the
// state account. A nil DivergenceDenominator means they were not read.
type OracleGuardRails struct {
	DivergenceNumerator       *big.Int
	DivergenceDenominator     *big.Int
	SlotsBeforeStale          int64
	ConfidenceIntervalMaxSize *big.Int
	TooVolatileRatio          *big.Int
	UseForLiquidations        bool
}

// Known reports whether the rails were decoded from chain state.
func (r OracleGuardRails) Known() bool {
	return r.DivergenceDenominator != nil && r.DivergenceDenominator.Sign() > 0
}

// StateAccounts are the program-wide addresses every liquidation references,
// plus the oracle guard rails the program applies when liquidating.
type StateAccounts struct {
	State                    solana.PublicKey
	Markets                  solana.PublicKey
	CollateralVault          solana.PublicKey
	CollateralVaultAuthority solana.PublicKey
	InsuranceVault           solana.PublicKey
	InsuranceVaultAuthority  solana.PublicKey
	TradeHistory             solana.PublicKey
	LiquidationHistory       solana.PublicKey
	FundingPaymentHistory    solana.PublicKey
	GuardRails               OracleGuardRails
}

// MarketTable is an index-keyed, read-only view of all initialized markets.
type MarketTable struct {
	Slot    uint64
	State   StateAccounts
	markets map[uint64]*Market
}

// NewMarketTable builds a table from initialized markets; uninitialized
// slots are skipped.
func NewMarketTable(slot uint64, accounts StateAccounts, markets []Market) *MarketTable {
	t := &MarketTable{
		Slot:    slot,
		State:   accounts,
		markets: make(map[uint64]*Market, len(markets)),
	}
	for i := range markets {
		if !markets[i].Initialized {
			continue
		}
		m := markets[i]
		t.markets[m.Index] = &m
	}
	return t
}

// Get looks a market up by index.
func (t *MarketTable) Get(index uint64) (*Market, bool) {
	m, ok := t.markets[index]
	return m, ok
}

// Len returns the number of initialized markets.
func (t *MarketTable) Len() int {
	return len(t.markets)
}

// Markets returns the markets ordered by index.
func (t *MarketTable) Markets() []*Market {
	out := make([]*Market, 0, len(t.markets))
	for _, m := range t.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// OracleKeys returns the distinct oracle accounts of all markets.
func (t *MarketTable) OracleKeys() []solana.PublicKey {
	seen := make(map[solana.PublicKey]struct{}, len(t.markets))
	keys := make([]solana.PublicKey, 0, len(t.markets))
	for _, m := range t.Markets() {
		if _, dup := seen[m.AMM.Oracle]; dup {
			continue
		}
		seen[m.AMM.Oracle] = struct{}{}
		keys = append(keys, m.AMM.Oracle)
	}
	return keys
}

// WithOracles returns a copy of the table with oracle readings attached to
// every market that references them.
func (t *MarketTable) WithOracles(prices map[solana.PublicKey]OraclePrice) *MarketTable {
	out := &MarketTable{
		Slot:    t.Slot,
		State:   t.State,
		markets: make(map[uint64]*Market, len(t.markets)),
	}
	for idx, m := range t.markets {
		cp := *m
		if p, ok := prices[m.AMM.Oracle]; ok {
			cp.Oracle = p
		}
		out.markets[idx] = &cp
	}
	return out
}

// MarketNotFoundError is returned when a position references an index the
// table does not hold.
type MarketNotFoundError struct {
	Index uint64
}

func (e *MarketNotFoundError) Error() string {
	return fmt.Sprintf("market %d not found", e.Index)
}
