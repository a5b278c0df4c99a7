// internal/state/position.go
package state

import (
	"math/big"
)

// Position is one market slot of an account's positions account. Amounts
// carry the program's precisions: base in AMM_RESERVE_PRECISION (signed,
// positive = long), quote in QUOTE_PRECISION (unsigned entry notional).
type Position struct {
	MarketIndex               uint64
	BaseAssetAmount           *big.Int
	QuoteAssetAmount          *big.Int
	LastCumulativeFundingRate *big.Int
	LastFundingRateTs         int64
}

// IsFlat returns true if position has no exposure
func (p *Position) IsFlat() bool {
	return p.BaseAssetAmount == nil || p.BaseAssetAmount.Sign() == 0
}

// IsLong reports whether the position holds positive base.
func (p *Position) IsLong() bool {
	return p.BaseAssetAmount != nil && p.BaseAssetAmount.Sign() > 0
}

func (p *Position) fundingMarker() *big.Int {
	if p.LastCumulativeFundingRate == nil {
		return new(big.Int)
	}
	return p.LastCumulativeFundingRate
}

// Clone returns a deep copy so settlement never aliases snapshot values.
func (p Position) Clone() Position {
	return Position{
		MarketIndex:               p.MarketIndex,
		BaseAssetAmount:           cloneInt(p.BaseAssetAmount),
		QuoteAssetAmount:          cloneInt(p.QuoteAssetAmount),
		LastCumulativeFundingRate: cloneInt(p.LastCumulativeFundingRate),
		LastFundingRateTs:         p.LastFundingRateTs,
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 72)

	// market_index (8 bytes LE)
	buf = appendInt64LE(buf, int64(p.MarketIndex))

	// base, quote, last funding rate (16 bytes LE two's complement each)
	buf = appendInt128LE(buf, p.BaseAssetAmount)
	buf = appendInt128LE(buf, p.QuoteAssetAmount)
	buf = appendInt128LE(buf, p.LastCumulativeFundingRate)

	// last_funding_rate_ts (8 bytes LE)
	buf = appendInt64LE(buf, p.LastFundingRateTs)

	return buf
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

var twoTo128 = new(big.Int).Lsh(big.NewInt(1), 128)

func appendInt128LE(buf []byte, v *big.Int) []byte {
	var word [16]byte
	if v != nil {
		u := new(big.Int).Set(v)
		if u.Sign() < 0 {
			u.Add(u, twoTo128)
		}
		b := u.Bytes() // big-endian, at most 16 bytes for in-range values
		if len(b) > 16 {
			b = b[len(b)-16:]
		}
		for i := 0; i < len(b); i++ {
			word[i] = b[len(b)-1-i]
		}
	}
	return append(buf, word[:]...)
}
