package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/observability"

	"github.com/rs/zerolog"
)

// Entry is one journal record; exactly one field is set.
type Entry struct {
	Outcome *event.OutcomeEvent
	Cycle   *event.CycleEvent
}

// JournalWorker drains journal entries and batch-writes them to Postgres.
// It runs independently of the keeper. Outcomes are sent with a blocking
// send so none is lost while the worker is healthy; cycle summaries are
// dropped when the channel is full.
type JournalWorker struct {
	db           *sql.DB
	writer       *JournalWriter
	input        chan Entry
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewJournalWorker(
	db *sql.DB,
	bufferSize int,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &JournalWorker{
		db:           db,
		writer:       NewJournalWriter(db),
		input:        make(chan Entry, bufferSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Record implements core.OutcomeSink.
func (jw *JournalWorker) Record(ctx context.Context, o *core.Outcome) error {
	select {
	case jw.input <- Entry{Outcome: event.FromOutcome(o)}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal outcome %s: %w", o.ID, ctx.Err())
	}
}

// RecordCycle queues a cycle summary without blocking.
func (jw *JournalWorker) RecordCycle(r *core.CycleReport) {
	select {
	case jw.input <- Entry{Cycle: event.FromCycle(r)}:
	default:
		if jw.metrics != nil {
			jw.metrics.JournalErrors.WithLabelValues("cycle_dropped").Inc()
		}
	}
}

// Close stops accepting entries; Run flushes what is left and returns.
func (jw *JournalWorker) Close() {
	close(jw.input)
}

// Run batches incoming entries and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or Close is
// called.
func (jw *JournalWorker) Run(ctx context.Context) error {
	outcomes := make([]*event.OutcomeEvent, 0, jw.batchSize)
	cycles := make([]*event.CycleEvent, 0, jw.batchSize)

	timer := time.NewTimer(jw.flushTimeout)
	defer timer.Stop()

	pending := func() int { return len(outcomes) + len(cycles) }
	reset := func() {
		outcomes = outcomes[:0]
		cycles = cycles[:0]
	}

	for {
		select {
		case <-ctx.Done():
			if pending() > 0 {
				if err := jw.flush(context.Background(), outcomes, cycles); err != nil {
					jw.log.Error().Err(err).Int("entries", pending()).Msg("final journal flush failed")
				}
			}
			return ctx.Err()

		case entry, ok := <-jw.input:
			if !ok {
				if pending() > 0 {
					if err := jw.flush(context.Background(), outcomes, cycles); err != nil {
						jw.log.Error().Err(err).Int("entries", pending()).Msg("final journal flush failed")
					}
				}
				return nil
			}

			if entry.Outcome != nil {
				outcomes = append(outcomes, entry.Outcome)
			}
			if entry.Cycle != nil {
				cycles = append(cycles, entry.Cycle)
			}

			if pending() >= jw.batchSize {
				if err := jw.flushWithRetry(ctx, outcomes, cycles); err != nil {
					jw.log.Error().Err(err).Msg("journal flush failed after retries")
				}
				reset()
				timer.Reset(jw.flushTimeout)
			}

		case <-timer.C:
			if pending() > 0 {
				if err := jw.flushWithRetry(ctx, outcomes, cycles); err != nil {
					jw.log.Error().Err(err).Msg("journal timeout flush failed after retries")
				}
				reset()
			}
			timer.Reset(jw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made on a
// background context.
func (jw *JournalWorker) flushWithRetry(ctx context.Context, outcomes []*event.OutcomeEvent, cycles []*event.CycleEvent) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			jw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("outcomes", len(outcomes)).
				Msg("journal retry")
			select {
			case <-ctx.Done():
				if err := jw.flush(context.Background(), outcomes, cycles); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := jw.flush(ctx, outcomes, cycles)
		if err == nil {
			if attempt > 0 {
				jw.log.Info().Int("retries", attempt).Msg("journal flush succeeded")
			}
			return nil
		}

		if jw.metrics != nil {
			jw.metrics.JournalRetry.Inc()
		}
	}
}

func (jw *JournalWorker) flush(ctx context.Context, outcomes []*event.OutcomeEvent, cycles []*event.CycleEvent) error {
	tx, err := jw.db.BeginTx(ctx, nil)
	if err != nil {
		jw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := jw.writer.WriteOutcomeBatch(ctx, tx, outcomes); err != nil {
		jw.countError("write_outcomes")
		return err
	}
	if err := jw.writer.WriteCycleBatch(ctx, tx, cycles); err != nil {
		jw.countError("write_cycles")
		return err
	}
	if err := tx.Commit(); err != nil {
		jw.countError("tx_commit")
		return err
	}

	if jw.metrics != nil {
		jw.metrics.JournalWritten.Add(float64(len(outcomes) + len(cycles)))
	}
	return nil
}

func (jw *JournalWorker) countError(kind string) {
	if jw.metrics != nil {
		jw.metrics.JournalErrors.WithLabelValues(kind).Inc()
	}
}
