package core

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"PerpLiquidator/internal/state"
)

const GenesisHashSeed = "PerpLiquidator:genesis:v1"

// SnapshotDigest hashes the fingerprints of every account in key order
// together with the market slot. Two snapshots with the same digest hold
// the same account states.
func SnapshotDigest(snap *state.Snapshot) [32]byte {
	h := sha256.New()
	var buf [8]byte
	if snap.Markets != nil {
		binary.LittleEndian.PutUint64(buf[:], snap.Markets.Slot)
	}
	h.Write(buf[:])
	for _, acct := range snap.Accounts {
		fp := acct.Fingerprint()
		h.Write(acct.Key[:])
		h.Write(fp[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SnapshotHasher chains snapshot digests so the cycle journal can be
// audited for gaps or reordering.
type SnapshotHasher struct {
	mu       sync.Mutex
	prevHash [32]byte
}

// NewSnapshotHasher initializes with genesis hash
func NewSnapshotHasher() *SnapshotHasher {
	return &SnapshotHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// ComputeHash calculates hash[N] = SHA-256(prev_hash || slot || digest)
func (h *SnapshotHasher) ComputeHash(slot uint64, digest [32]byte) (hash, prev [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var slotBuf [8]byte
	binary.LittleEndian.PutUint64(slotBuf[:], slot)
	hasher.Write(slotBuf[:])

	hasher.Write(digest[:])

	copy(hash[:], hasher.Sum(nil))
	prev = h.prevHash
	h.prevHash = hash
	return hash, prev
}

// Reset restores the chain tip (used on restart from the journal)
func (h *SnapshotHasher) Reset(tip [32]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prevHash = tip
}

// GetPrevHash returns current chain tip
func (h *SnapshotHasher) GetPrevHash() [32]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevHash
}
