package core

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSlotRegression is returned for a snapshot older than one already
// processed, e.g. when a load balancer routes to a lagging node.
var ErrSlotRegression = errors.New("snapshot slot regressed")

// SlotSequencer tracks the highest slot accepted per source ("accounts",
// "markets") and rejects regressions. Equal slots are accepted; the same
// state may legitimately be scanned twice.
type SlotSequencer struct {
	mu      sync.Mutex
	highest map[string]uint64
	metrics *SlotMetrics
}

func NewSlotSequencer() *SlotSequencer {
	return &SlotSequencer{
		highest: make(map[string]uint64),
		metrics: NewSlotMetrics(),
	}
}

// Observe accepts slot for source or returns ErrSlotRegression.
func (sv *SlotSequencer) Observe(source string, slot uint64) error {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	highest, seen := sv.highest[source]
	if seen && slot < highest {
		sv.metrics.regressions[source]++
		return fmt.Errorf("%w: source=%s, highest=%d, got=%d", ErrSlotRegression, source, highest, slot)
	}
	if seen && slot > highest+1 {
		sv.metrics.skipped[source] += slot - highest - 1
	}
	sv.highest[source] = slot
	return nil
}

// Highest returns the highest accepted slot for source.
func (sv *SlotSequencer) Highest(source string) uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.highest[source]
}

// SetHighest initializes a source (used on restart from the journal).
func (sv *SlotSequencer) SetHighest(source string, slot uint64) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.highest[source] = slot
}

func (sv *SlotSequencer) Regressions(source string) int64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.metrics.regressions[source]
}

// SkippedSlots is the number of slots between accepted snapshots that were
// never observed.
func (sv *SlotSequencer) SkippedSlots(source string) uint64 {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.metrics.skipped[source]
}

// --- Metrics ---

// SlotMetrics tracks slot ordering stats. Guarded by SlotSequencer.mu.
type SlotMetrics struct {
	regressions map[string]int64
	skipped     map[string]uint64
}

func NewSlotMetrics() *SlotMetrics {
	return &SlotMetrics{
		regressions: make(map[string]int64),
		skipped:     make(map[string]uint64),
	}
}
