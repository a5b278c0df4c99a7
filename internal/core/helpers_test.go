package core_test

import (
	"context"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// liquidatorUser is the keeper's own user account in every test.
var liquidatorUser = testutil.Key(0xEE)

func newSigner() *ledger.KeypairSigner {
	return ledger.NewKeypairSigner(testutil.NewTestSigner())
}

func newSubmitter(l *testutil.FakeLedger, attempts int) *core.TransactionSubmitter {
	signer := newSigner()
	log := zerolog.Nop()
	settler := core.NewFundingSettler(l, signer, core.SettlerConfig{ProgramID: l.ProgramID}, log, nil)
	return core.NewTransactionSubmitter(l, signer, settler, core.SubmitterConfig{
		ProgramID:      l.ProgramID,
		LiquidatorUser: liquidatorUser,
		MaxAttempts:    attempts,
		RetryBackoff:   time.Millisecond,
		ConfirmTimeout: time.Second,
	}, log, nil)
}

func keeperConfig(l *testutil.FakeLedger) core.Config {
	return core.Config{
		ProgramID:             l.ProgramID,
		LiquidatorUser:        liquidatorUser,
		ScanInterval:          10 * time.Millisecond,
		Scanner:               core.ScannerConfig{MaxRetries: 2, Backoff: time.Millisecond, BackoffMax: 2 * time.Millisecond},
		EvaluationConcurrency: 4,
		SubmissionConcurrency: 2,
		MaxSubmitAttempts:     3,
		RetryBackoff:          time.Millisecond,
		ConfirmTimeout:        time.Second,
		ShutdownGrace:         5 * time.Second,
	}
}

func newKeeper(l *testutil.FakeLedger, mutate func(*core.Config)) *core.Keeper {
	cfg := keeperConfig(l)
	if mutate != nil {
		mutate(&cfg)
	}
	return core.NewKeeper(l, newSigner(), cfg, zerolog.Nop(), nil)
}

// eligibleCandidate walks an account through evaluation into Queued.
func eligibleCandidate(t *testing.T, acct *state.Account, markets *state.MarketTable) *state.Candidate {
	t.Helper()
	c := state.NewCandidate(acct, markets.Slot, time.Now())
	require.NoError(t, c.Transition(state.CandidateFundingSettling))
	settled, err := state.SettleFunding(acct, markets)
	require.NoError(t, err)
	status, err := state.EvaluateMargin(settled.Account, markets, state.OracleGuard{})
	require.NoError(t, err)
	require.NoError(t, c.Evaluated(settled.Account, status, 0))
	require.Equal(t, state.CandidateEligible, c.State)
	require.NoError(t, c.Transition(state.CandidateQueued))
	return c
}

// outcomeLog collects outcomes from a keeper.
type outcomeLog struct {
	ch chan *core.Outcome
}

func newOutcomeLog() *outcomeLog {
	return &outcomeLog{ch: make(chan *core.Outcome, 256)}
}

func (o *outcomeLog) sink() core.OutcomeSink {
	return core.OutcomeSinkFunc(func(_ context.Context, out *core.Outcome) error {
		o.ch <- out
		return nil
	})
}

func (o *outcomeLog) next(t *testing.T) *core.Outcome {
	t.Helper()
	select {
	case out := <-o.ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outcome")
		return nil
	}
}
