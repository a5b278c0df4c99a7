package state

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Snapshot is the immutable view one cycle evaluates against. It is rebuilt
// wholesale every cycle and never patched.
type Snapshot struct {
	ID       uuid.UUID
	Slot     uint64
	TakenAt  time.Time
	Accounts []*Account // ordered by key
	Markets  *MarketTable

	byKey map[solana.PublicKey]*Account
}

// NewSnapshot indexes accounts by key. Accounts must already be unique.
func NewSnapshot(slot uint64, takenAt time.Time, accounts []*Account, markets *MarketTable) *Snapshot {
	byKey := make(map[solana.PublicKey]*Account, len(accounts))
	for _, a := range accounts {
		byKey[a.Key] = a
	}
	return &Snapshot{
		ID:       uuid.New(),
		Slot:     slot,
		TakenAt:  takenAt,
		Accounts: accounts,
		Markets:  markets,
		byKey:    byKey,
	}
}

// Lookup returns the snapshot's copy of an account.
func (s *Snapshot) Lookup(key solana.PublicKey) (*Account, bool) {
	a, ok := s.byKey[key]
	return a, ok
}
