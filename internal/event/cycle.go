package event

import (
	"encoding/hex"
	"time"

	"PerpLiquidator/internal/core"

	"github.com/google/uuid"
)

// CycleEvent summarizes one keeper cycle.
type CycleEvent struct {
	SnapshotID   uuid.UUID `json:"snapshot_id"`
	Slot         uint64    `json:"slot"`
	Accounts     int       `json:"accounts"`
	Eligible     int       `json:"eligible"`
	Ineligible   int       `json:"ineligible"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`
	Queued       int       `json:"queued"`
	Dropped      int       `json:"dropped"`
	SnapshotHash string    `json:"snapshot_hash"`
	PrevHash     string    `json:"prev_hash"`
	StartedAt    time.Time `json:"started_at"`
	DurationMs   int64     `json:"duration_ms"`
}

func (e *CycleEvent) EventType() EventType { return EventTypeCycle }
func (e *CycleEvent) EventSlot() uint64    { return e.Slot }
func (e *CycleEvent) Subject() string      { return SubjectPrefix + ".cycles" }

func FromCycle(r *core.CycleReport) *CycleEvent {
	return &CycleEvent{
		SnapshotID:   r.SnapshotID,
		Slot:         r.Slot,
		Accounts:     r.Accounts,
		Eligible:     r.Eligible,
		Ineligible:   r.Ineligible,
		Skipped:      r.Skipped,
		Errors:       r.Errors,
		Queued:       r.Queued,
		Dropped:      r.Dropped,
		SnapshotHash: hex.EncodeToString(r.SnapshotHash[:]),
		PrevHash:     hex.EncodeToString(r.PrevHash[:]),
		StartedAt:    r.StartedAt,
		DurationMs:   r.Duration.Milliseconds(),
	}
}

// DecodeHash parses a hex hash written by FromCycle.
func DecodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
