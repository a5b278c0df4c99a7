package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"PerpLiquidator/internal/event"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// JournalWriter writes outcomes and cycle summaries to Postgres using
// multi-row INSERTs. Writes are idempotent on the primary key so a batch
// retried after an ambiguous commit is harmless.
type JournalWriter struct {
	db *sql.DB
}

func NewJournalWriter(db *sql.DB) *JournalWriter {
	return &JournalWriter{db: db}
}

const outcomeColumns = 13

// WriteOutcomeBatch writes a batch of outcomes to liquidator.outcomes.
func (w *JournalWriter) WriteOutcomeBatch(ctx context.Context, ex execer, outcomes []*event.OutcomeEvent) error {
	if len(outcomes) == 0 {
		return nil
	}

	query := `INSERT INTO liquidator.outcomes
		(id, candidate_id, account, state, signature, attempts, margin_ratio, exposure,
		 slot, fingerprint, reason, error, decided_at)
		VALUES `

	values := make([]string, 0, len(outcomes))
	args := make([]interface{}, 0, len(outcomes)*outcomeColumns)

	for i, o := range outcomes {
		values = append(values, placeholders(i*outcomeColumns, outcomeColumns))
		args = append(args,
			o.ID, o.CandidateID, o.Account, o.State, nullable(o.Signature), o.Attempts,
			o.MarginRatio.String(), o.Exposure, int64(o.Slot), o.Fingerprint, o.Reason,
			nullable(o.Error), o.DecidedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

const cycleColumns = 13

// WriteCycleBatch writes a batch of cycle summaries to liquidator.cycles.
func (w *JournalWriter) WriteCycleBatch(ctx context.Context, ex execer, cycles []*event.CycleEvent) error {
	if len(cycles) == 0 {
		return nil
	}

	query := `INSERT INTO liquidator.cycles
		(snapshot_id, slot, accounts, eligible, ineligible, skipped, errors, queued, dropped,
		 snapshot_hash, prev_hash, started_at, duration_ms)
		VALUES `

	values := make([]string, 0, len(cycles))
	args := make([]interface{}, 0, len(cycles)*cycleColumns)

	for i, c := range cycles {
		values = append(values, placeholders(i*cycleColumns, cycleColumns))
		args = append(args,
			c.SnapshotID, int64(c.Slot), c.Accounts, c.Eligible, c.Ineligible, c.Skipped,
			c.Errors, c.Queued, c.Dropped, c.SnapshotHash, c.PrevHash, c.StartedAt, c.DurationMs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (snapshot_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
