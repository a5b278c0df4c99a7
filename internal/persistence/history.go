package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"PerpLiquidator/internal/event"

	"github.com/shopspring/decimal"
)

// JournalReader reads the outcome journal. It warms the recent-outcome
// cache on restart and backs the outcomes query endpoint.
type JournalReader struct {
	db *sql.DB
}

func NewJournalReader(db *sql.DB) *JournalReader {
	return &JournalReader{db: db}
}

// RecentResolvedKeys returns account:fingerprint keys of the newest
// Confirmed and LostRace outcomes, newest first.
func (r *JournalReader) RecentResolvedKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account || ':' || fingerprint
		FROM liquidator.outcomes
		WHERE state IN ('Confirmed', 'LostRace')
		ORDER BY decided_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// OutcomeFilter narrows RecentOutcomes. Zero values match everything.
type OutcomeFilter struct {
	Account string
	State   string
	Limit   int
}

// RecentOutcomes returns journaled outcomes, newest first.
func (r *JournalReader) RecentOutcomes(ctx context.Context, f OutcomeFilter) ([]*event.OutcomeEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, candidate_id, account, state, COALESCE(signature, ''), attempts,
		       margin_ratio::TEXT, exposure::TEXT, slot, fingerprint, reason,
		       COALESCE(error, ''), decided_at
		FROM liquidator.outcomes
		WHERE ($1 = '' OR account = $1) AND ($2 = '' OR state = $2)
		ORDER BY decided_at DESC
		LIMIT $3
	`, f.Account, f.State, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.OutcomeEvent
	for rows.Next() {
		var (
			o     event.OutcomeEvent
			ratio string
			slot  int64
		)
		if err := rows.Scan(
			&o.ID, &o.CandidateID, &o.Account, &o.State, &o.Signature, &o.Attempts,
			&ratio, &o.Exposure, &slot, &o.Fingerprint, &o.Reason, &o.Error, &o.DecidedAt,
		); err != nil {
			return nil, err
		}
		o.Slot = uint64(slot)
		o.MarginRatio, err = decimal.NewFromString(ratio)
		if err != nil {
			return nil, fmt.Errorf("outcome %s margin ratio: %w", o.ID, err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// LastCycle returns the newest journaled cycle, or nil when there is none.
// The keeper resumes its hash chain and slot floor from it.
func (r *JournalReader) LastCycle(ctx context.Context) (*event.CycleEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		c    event.CycleEvent
		slot int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT snapshot_id, slot, accounts, eligible, ineligible, skipped, errors, queued,
		       dropped, snapshot_hash, prev_hash, started_at, duration_ms
		FROM liquidator.cycles
		ORDER BY started_at DESC
		LIMIT 1
	`).Scan(
		&c.SnapshotID, &slot, &c.Accounts, &c.Eligible, &c.Ineligible, &c.Skipped, &c.Errors,
		&c.Queued, &c.Dropped, &c.SnapshotHash, &c.PrevHash, &c.StartedAt, &c.DurationMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Slot = uint64(slot)
	return &c, nil
}
