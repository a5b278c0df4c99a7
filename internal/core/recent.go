package core

import (
	"container/list"
	"context"
	"encoding/hex"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// RecentOutcomes remembers account states that were already resolved by a
// confirmed or lost liquidation. A lagging node can serve the
// pre-liquidation state for a few slots; the same (account, fingerprint)
// pair is not submitted twice.
type RecentOutcomes struct {
	mu  sync.Mutex
	lru *OutcomeLRU

	hits int64
}

// OutcomeHistory is the durable tier used to warm the cache on restart.
type OutcomeHistory interface {
	RecentResolvedKeys(ctx context.Context, limit int) ([]string, error)
}

func NewRecentOutcomes(capacity int) *RecentOutcomes {
	return &RecentOutcomes{lru: NewOutcomeLRU(capacity)}
}

// OutcomeKey is the cache key for an account state.
func OutcomeKey(account solana.PublicKey, fingerprint [32]byte) string {
	return account.String() + ":" + hex.EncodeToString(fingerprint[:])
}

// Seen reports whether the account state was already resolved.
func (r *RecentOutcomes) Seen(account solana.PublicKey, fingerprint [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lru.Contains(OutcomeKey(account, fingerprint)) {
		r.hits++
		return true
	}
	return false
}

// MarkResolved records a resolved account state.
func (r *RecentOutcomes) MarkResolved(account solana.PublicKey, fingerprint [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.Add(OutcomeKey(account, fingerprint))
}

// Warm loads recently resolved keys from history.
func (r *RecentOutcomes) Warm(ctx context.Context, history OutcomeHistory) (int, error) {
	r.mu.Lock()
	capacity := r.lru.capacity
	r.mu.Unlock()

	keys, err := history.RecentResolvedKeys(ctx, capacity)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.WarmFromKeys(keys)
	return len(keys), nil
}

func (r *RecentOutcomes) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Size()
}

func (r *RecentOutcomes) Hits() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

// --- LRU Implementation ---

// OutcomeLRU is an LRU set of outcome keys.
// Not thread-safe; RecentOutcomes serializes access.
type OutcomeLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewOutcomeLRU(capacity int) *OutcomeLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutcomeLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *OutcomeLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *OutcomeLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *OutcomeLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads keys ordered newest first; older keys end up closer to
// eviction.
func (lru *OutcomeLRU) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		if _, exists := lru.cache[key]; exists {
			continue
		}
		elem := lru.lruList.PushFront(&lruEntry{key: key})
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Size returns current number of entries
func (lru *OutcomeLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *OutcomeLRU) Evictions() int64 {
	return lru.evictions
}
