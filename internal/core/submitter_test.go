package core_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
)

func staleRejection() error {
	return &ledger.Error{
		Kind: ledger.KindStale,
		Op:   "simulate",
		Code: clearinghouse.ErrSufficientCollateral,
		Err:  errors.New("custom program error: 0x1774"),
	}
}

func submitFixture(t *testing.T) (*testutil.FakeLedger, *state.Candidate) {
	t.Helper()
	markets := testutil.Markets(100, testutil.BalancedMarket(0))
	acct := testutil.UnhealthyAccount(1)
	l := testutil.NewFakeLedger(markets, acct)
	return l, eligibleCandidate(t, acct, markets)
}

// ============================================================================
// Happy path
// ============================================================================

func TestSubmit_Confirmed(t *testing.T) {
	l, c := submitFixture(t)

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateConfirmed, out.State)
	assert.Equal(t, state.CandidateConfirmed, c.State)
	assert.Equal(t, 1, out.Attempts)
	assert.False(t, out.Signature.IsZero())
	assert.Equal(t, 1, l.Liquidations(c.Account.Key))
	assert.Equal(t, c.ID, out.CandidateID)
	assert.Equal(t, c.Fingerprint, out.Fingerprint)
}

func TestSubmit_HealthyOnRevalidationIsNotSubmitted(t *testing.T) {
	l, c := submitFixture(t)
	l.SetAccount(testutil.HealthyAccount(1)) // deposit landed after the snapshot

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateIneligible, out.State)
	assert.Zero(t, l.Liquidations(c.Account.Key))
}

func TestSubmit_AccountClosed(t *testing.T) {
	l, c := submitFixture(t)
	l.RemoveAccount(c.Account.Key)

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateIneligible, out.State)
	assert.ErrorIs(t, out.Err, ledger.ErrAccountNotFound)
}

// ============================================================================
// Retries
// ============================================================================

func TestSubmit_RetryCapAbandons(t *testing.T) {
	l, c := submitFixture(t)
	submits := 0
	l.OnSubmit = func(_ *testutil.FakeLedger, kind clearinghouse.InstructionKind, _ solana.PublicKey) error {
		submits++
		return fmt.Errorf("%w: node is behind", ledger.ErrTransientRPC)
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateAbandoned, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, submits)
	assert.ErrorIs(t, out.Err, ledger.ErrTransientRPC)
	assert.Zero(t, l.Liquidations(c.Account.Key))
}

func TestSubmit_TransientThenConfirmed(t *testing.T) {
	l, c := submitFixture(t)
	failures := 1
	l.OnSubmit = func(*testutil.FakeLedger, clearinghouse.InstructionKind, solana.PublicKey) error {
		if failures > 0 {
			failures--
			return fmt.Errorf("%w: 429", ledger.ErrTransientRPC)
		}
		return nil
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateConfirmed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, l.Liquidations(c.Account.Key))
	assert.GreaterOrEqual(t, l.Fetches(c.Account.Key), 2, "account re-read before each attempt")
}

func TestSubmit_PermanentAbandonsWithoutRetry(t *testing.T) {
	l, c := submitFixture(t)
	submits := 0
	l.OnSubmit = func(*testutil.FakeLedger, clearinghouse.InstructionKind, solana.PublicKey) error {
		submits++
		return fmt.Errorf("%w: fee payer has no funds", ledger.ErrPermanentSubmission)
	}

	out := newSubmitter(l, 5).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateAbandoned, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, submits)
}

// A confirmation that times out is followed by a status check of the old
// signature; the landed transaction is reported instead of sending a
// second liquidation.
func TestSubmit_ExpiredConfirmationLandsLater(t *testing.T) {
	l, c := submitFixture(t)
	l.ExpireNextConfirms(1)

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateConfirmed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, l.Liquidations(c.Account.Key), "no second liquidation")
	assert.False(t, out.Signature.IsZero())
}

// ============================================================================
// Stale rejections
// ============================================================================

// The ledger rejects as stale because another agent already liquidated part
// of the account; the re-fetch shows less exposure.
func TestSubmit_StaleWithReducedExposureIsLostRace(t *testing.T) {
	l, c := submitFixture(t)
	l.OnSubmit = func(l *testutil.FakeLedger, kind clearinghouse.InstructionKind, target solana.PublicKey) error {
		if kind != clearinghouse.InstructionLiquidate {
			return nil
		}
		acct, _ := l.Account(target)
		acct.Positions[0].BaseAssetAmount = new(big.Int).Rsh(acct.Positions[0].BaseAssetAmount, 1)
		acct.Positions[0].QuoteAssetAmount = big.NewInt(600_000_000)
		l.SetAccount(acct)
		return staleRejection()
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateLostRace, out.State)
	assert.Equal(t, 1, out.Attempts)
	assert.ErrorIs(t, out.Err, ledger.ErrStaleState)
	assert.Zero(t, l.Liquidations(c.Account.Key))
}

// The ledger rejects as stale because the owner topped up collateral; the
// candidate is dropped as ineligible.
func TestSubmit_StaleAfterDepositIsIneligible(t *testing.T) {
	l, c := submitFixture(t)
	l.OnSubmit = func(l *testutil.FakeLedger, kind clearinghouse.InstructionKind, target solana.PublicKey) error {
		acct, _ := l.Account(target)
		acct.Collateral = big.NewInt(500_000_000)
		l.SetAccount(acct)
		return staleRejection()
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateIneligible, out.State)
	assert.Equal(t, 1, out.Attempts)
}

// A stale rejection against an account that is still underwater goes back
// for another attempt on fresh state.
func TestSubmit_StaleStillEligibleResubmits(t *testing.T) {
	l, c := submitFixture(t)
	rejections := 1
	l.OnSubmit = func(_ *testutil.FakeLedger, kind clearinghouse.InstructionKind, _ solana.PublicKey) error {
		if kind == clearinghouse.InstructionLiquidate && rejections > 0 {
			rejections--
			return staleRejection()
		}
		return nil
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateConfirmed, out.State)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, l.Liquidations(c.Account.Key))
	assert.NoError(t, out.Err)
}

// A stale rejection whose re-read fails is retried rather than dropped.
func TestSubmit_StaleWithFailedRereadRetries(t *testing.T) {
	l, c := submitFixture(t)
	l.OnSubmit = func(l *testutil.FakeLedger, _ clearinghouse.InstructionKind, _ solana.PublicKey) error {
		l.FailMarkets(fmt.Errorf("%w: timeout", ledger.ErrTransientRPC))
		return staleRejection()
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)

	assert.Equal(t, state.CandidateAbandoned, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Zero(t, l.Liquidations(c.Account.Key))
}

func TestSubmit_RaceLostError(t *testing.T) {
	l, c := submitFixture(t)
	l.OnSubmit = func(*testutil.FakeLedger, clearinghouse.InstructionKind, solana.PublicKey) error {
		return fmt.Errorf("%w: already liquidated", ledger.ErrRaceLost)
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)
	assert.Equal(t, state.CandidateLostRace, out.State)
}

func TestSubmit_StaleAfterFullCloseIsLostRace(t *testing.T) {
	l, c := submitFixture(t)
	l.OnSubmit = func(l *testutil.FakeLedger, kind clearinghouse.InstructionKind, target solana.PublicKey) error {
		acct, _ := l.Account(target)
		acct.Positions = nil
		l.SetAccount(acct)
		return staleRejection()
	}

	out := newSubmitter(l, 3).Submit(context.Background(), c)
	assert.Equal(t, state.CandidateLostRace, out.State, "positions closed by someone else")
}

func TestSubmit_CancelledDuringBackoff(t *testing.T) {
	l, c := submitFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	l.OnSubmit = func(*testutil.FakeLedger, clearinghouse.InstructionKind, solana.PublicKey) error {
		cancel()
		return fmt.Errorf("%w: timeout", ledger.ErrTransientRPC)
	}

	out := newSubmitter(l, 10).Submit(ctx, c)
	assert.Equal(t, state.CandidateAbandoned, out.State)
	assert.Equal(t, 1, out.Attempts)
}
