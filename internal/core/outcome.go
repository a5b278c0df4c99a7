package core

import (
	"context"
	"math/big"
	"time"

	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the terminal result of one candidate.
type Outcome struct {
	ID          uuid.UUID
	CandidateID uuid.UUID
	Account     solana.PublicKey
	State       state.CandidateState
	Signature   solana.Signature // zero unless a transaction was confirmed
	Attempts    int
	MarginRatio *big.Int
	Exposure    *big.Int
	Slot        uint64
	Fingerprint [32]byte
	Reason      string
	Err         error
	DecidedAt   time.Time
}

// Liquidated reports whether our transaction landed.
func (o *Outcome) Liquidated() bool {
	return o.State == state.CandidateConfirmed
}

// OutcomeSink receives terminal outcomes. Sinks must not block for long;
// Record runs on the submission goroutine after its slot is released.
type OutcomeSink interface {
	Record(ctx context.Context, o *Outcome) error
}

// OutcomeSinkFunc adapts a function to OutcomeSink.
type OutcomeSinkFunc func(ctx context.Context, o *Outcome) error

func (f OutcomeSinkFunc) Record(ctx context.Context, o *Outcome) error {
	return f(ctx, o)
}

// OutcomeReporter fans an outcome out to every sink. A failing sink is
// logged and does not affect the others.
type OutcomeReporter struct {
	sinks []OutcomeSink
	log   zerolog.Logger
}

func NewOutcomeReporter(log zerolog.Logger, sinks ...OutcomeSink) *OutcomeReporter {
	return &OutcomeReporter{sinks: sinks, log: log}
}

// Add registers another sink. Not safe for use once the keeper is running.
func (r *OutcomeReporter) Add(sink OutcomeSink) {
	r.sinks = append(r.sinks, sink)
}

func (r *OutcomeReporter) Record(ctx context.Context, o *Outcome) {
	for _, sink := range r.sinks {
		if err := sink.Record(ctx, o); err != nil {
			r.log.Warn().Err(err).
				Str("account", o.Account.String()).
				Str("state", o.State.String()).
				Msg("outcome sink failed")
		}
	}
}
