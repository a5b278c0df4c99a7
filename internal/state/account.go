package state

import (
	"crypto/sha256"
	"math/big"

	"github.com/gagliardetto/solana-go"
)

// Account is a read-only view of one user account and its positions as of
// the slot it was read at. Settlement never mutates an Account; it returns a
// new one.
type Account struct {
	Key          solana.PublicKey // user account address, the identity
	Authority    solana.PublicKey
	PositionsKey solana.PublicKey
	Collateral   *big.Int // QUOTE_PRECISION
	Positions    []Position
	Slot         uint64
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	positions := make([]Position, len(a.Positions))
	for i := range a.Positions {
		positions[i] = a.Positions[i].Clone()
	}
	return &Account{
		Key:          a.Key,
		Authority:    a.Authority,
		PositionsKey: a.PositionsKey,
		Collateral:   cloneInt(a.Collateral),
		Positions:    positions,
		Slot:         a.Slot,
	}
}

// OpenPositions returns the positions with non-zero base, in slot order.
func (a *Account) OpenPositions() []Position {
	open := make([]Position, 0, len(a.Positions))
	for _, p := range a.Positions {
		if !p.IsFlat() {
			open = append(open, p)
		}
	}
	return open
}

// Exposure is the sum of |base| over all positions. A drop in exposure
// between two reads means some of the account was closed or liquidated.
func (a *Account) Exposure() *big.Int {
	total := new(big.Int)
	for _, p := range a.Positions {
		if p.IsFlat() {
			continue
		}
		total.Add(total, new(big.Int).Abs(p.BaseAssetAmount))
	}
	return total
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128+72*len(a.Positions))
	buf = append(buf, a.Key[:]...)
	buf = append(buf, a.Authority[:]...)
	buf = append(buf, a.PositionsKey[:]...)
	buf = appendInt128LE(buf, a.Collateral)
	buf = appendInt64LE(buf, int64(len(a.Positions)))
	for i := range a.Positions {
		buf = append(buf, a.Positions[i].CanonicalBytes()...)
	}
	return buf
}

// Fingerprint hashes the account's canonical bytes. The slot is excluded so
// an unchanged account read at a later slot keeps its fingerprint.
func (a *Account) Fingerprint() [32]byte {
	return sha256.Sum256(a.CanonicalBytes())
}
