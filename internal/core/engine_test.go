package core_test

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixedLedger holds healthy accounts 1..healthy and unhealthy accounts
// 101..100+unhealthy.
func mixedLedger(healthy, unhealthy int) *testutil.FakeLedger {
	l := testutil.NewFakeLedger(testutil.Markets(100, testutil.BalancedMarket(0)))
	for i := 1; i <= healthy; i++ {
		l.SetAccount(testutil.HealthyAccount(byte(i)))
	}
	for i := 1; i <= unhealthy; i++ {
		l.SetAccount(testutil.UnhealthyAccount(byte(100 + i)))
	}
	return l
}

// ============================================================================
// Cycle
// ============================================================================

func TestKeeper_CycleLiquidatesOnlyUnhealthyAccounts(t *testing.T) {
	l := mixedLedger(4, 3)
	k := newKeeper(l, nil)
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	report, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, report.Accounts)
	assert.Equal(t, 3, report.Eligible)
	assert.Equal(t, 4, report.Ineligible)
	assert.Equal(t, 3, report.Queued)
	assert.Equal(t, uint64(100), report.Slot)
	assert.Same(t, report, k.LastReport())
	require.NotNil(t, report.MinMarginRatio)
	assert.Equal(t, "416", report.MinMarginRatio.String())

	for i := 0; i < 3; i++ {
		out := outcomes.next(t)
		assert.Equal(t, state.CandidateConfirmed, out.State)
	}
	require.NoError(t, k.Shutdown())

	for i := 1; i <= 4; i++ {
		assert.Zero(t, l.Liquidations(testutil.Key(byte(i))))
	}
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 1, l.Liquidations(testutil.Key(byte(100+i))))
	}
	assert.Equal(t, 3, k.Recent().Size())
}

func TestKeeper_SkipsOwnAccount(t *testing.T) {
	l := testutil.NewFakeLedger(testutil.Markets(100, testutil.BalancedMarket(0)))
	self := testutil.UnhealthyAccount(0xEE)
	l.SetAccount(self)

	k := newKeeper(l, nil)
	report, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Queued)
	require.NoError(t, k.Shutdown())
	assert.Zero(t, l.TotalLiquidations())
}

func TestKeeper_SnapshotHashesChain(t *testing.T) {
	l := mixedLedger(2, 0)
	k := newKeeper(l, nil)

	first, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	l.AdvanceSlot(1)
	second, err := k.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.SnapshotHash, second.PrevHash)
	assert.NotEqual(t, first.SnapshotHash, second.SnapshotHash)
	require.NoError(t, k.Shutdown())
}

func TestKeeper_ResumeContinuesChain(t *testing.T) {
	l := mixedLedger(2, 0)
	tip := [32]byte{0xAB}
	k := newKeeper(l, nil)
	k.Resume(tip, 100)

	report, err := k.RunCycle(context.Background())
	require.NoError(t, err, "a snapshot at the resumed slot is accepted")
	assert.Equal(t, tip, report.PrevHash)
	require.NoError(t, k.Shutdown())
}

func TestKeeper_SlotRegressionAbortsCycle(t *testing.T) {
	l := mixedLedger(1, 1)
	k := newKeeper(l, nil)
	k.Resume([32]byte{}, 500)

	_, err := k.RunCycle(context.Background())
	require.ErrorIs(t, err, core.ErrSlotRegression)
	require.NoError(t, k.Shutdown())
	assert.Zero(t, l.TotalLiquidations())
}

func TestKeeper_ScanFailureAbortsCycle(t *testing.T) {
	l := mixedLedger(1, 1)
	l.FailMarkets(assert.AnError)
	k := newKeeper(l, nil)

	_, err := k.RunCycle(context.Background())
	require.ErrorIs(t, err, core.ErrScanIncomplete)
	assert.Nil(t, k.LastReport())
	require.NoError(t, k.Shutdown())
}

// ============================================================================
// Funding settlement
// ============================================================================

// An account whose on-ledger funding settlement fails is left alone for the
// cycle and liquidated once a later cycle settles it.
func TestKeeper_FailedRemoteSettlementDefersLiquidation(t *testing.T) {
	market := testutil.BalancedMarket(0)
	market.AMM.CumulativeFundingRateLong = big.NewInt(1)
	acct := testutil.UnhealthyAccount(1)
	l := testutil.NewFakeLedger(testutil.Markets(100, market), acct)
	failures := 1
	l.OnSubmit = func(_ *testutil.FakeLedger, kind clearinghouse.InstructionKind, _ solana.PublicKey) error {
		if kind == clearinghouse.InstructionSettleFundingPayment && failures > 0 {
			failures--
			return fmt.Errorf("%w: node behind", ledger.ErrTransientRPC)
		}
		return nil
	}
	k := newKeeper(l, func(cfg *core.Config) { cfg.SettleFundingOnChain = true })
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	first, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, first.Eligible)
	assert.Equal(t, 1, first.Errors)
	assert.Zero(t, first.Queued)
	assert.Zero(t, l.Liquidations(acct.Key))
	assert.Zero(t, l.Settlements(acct.Key))

	l.AdvanceSlot(1)
	second, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Eligible)
	assert.Equal(t, 1, second.Queued)

	out := outcomes.next(t)
	assert.Equal(t, state.CandidateConfirmed, out.State)
	require.NoError(t, k.Shutdown())
	assert.Equal(t, 1, l.Liquidations(acct.Key))
	assert.Equal(t, 1, l.Settlements(acct.Key))
}

// ============================================================================
// Concurrency
// ============================================================================

// Overlapping cycles see the same unhealthy accounts; each must be
// liquidated exactly once.
func TestKeeper_ConcurrentCyclesLiquidateOnce(t *testing.T) {
	l := mixedLedger(5, 10)
	k := newKeeper(l, func(c *core.Config) { c.SubmissionConcurrency = 4 })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = k.RunCycle(context.Background())
		}()
	}
	wg.Wait()

	// A last cycle picks up anything the overlapping ones left queued.
	deadline := time.Now().Add(5 * time.Second)
	for l.TotalLiquidations() < 10 && time.Now().Before(deadline) {
		_, _ = k.RunCycle(context.Background())
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, k.Shutdown())

	for i := 1; i <= 10; i++ {
		assert.Equal(t, 1, l.Liquidations(testutil.Key(byte(100+i))), "account %d", 100+i)
	}
	assert.Equal(t, 10, l.TotalLiquidations())
}

func TestKeeper_SubmissionConcurrencyCap(t *testing.T) {
	l := mixedLedger(0, 6)
	l.ConfirmDelay = 30 * time.Millisecond
	k := newKeeper(l, func(c *core.Config) { c.SubmissionConcurrency = 2 })
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		assert.Equal(t, state.CandidateConfirmed, outcomes.next(t).State)
	}
	require.NoError(t, k.Shutdown())

	assert.Equal(t, 6, l.TotalLiquidations())
	assert.LessOrEqual(t, l.MaxInFlight(), 2)
	assert.Equal(t, 2, l.MaxInFlight(), "both slots were used")
}

// A lagging node re-serves the account as it was before the liquidation
// landed; the keeper must not liquidate it again.
func TestKeeper_LaggingNodeDoesNotResubmit(t *testing.T) {
	l := mixedLedger(0, 1)
	before, _ := l.Account(testutil.Key(101))
	k := newKeeper(l, nil)
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.CandidateConfirmed, outcomes.next(t).State)

	l.SetAccount(before)
	report, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Queued)
	assert.EqualValues(t, 1, k.Recent().Hits())

	require.NoError(t, k.Shutdown())
	assert.Equal(t, 1, l.Liquidations(testutil.Key(101)))
}

// ============================================================================
// Shutdown
// ============================================================================

func TestKeeper_ShutdownDrainsInFlight(t *testing.T) {
	l := mixedLedger(0, 4)
	l.ConfirmDelay = 50 * time.Millisecond
	k := newKeeper(l, func(c *core.Config) { c.SubmissionConcurrency = 1 })
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, k.Scheduler().InFlight())
	require.Equal(t, 3, k.Scheduler().Pending())

	require.NoError(t, k.Shutdown())
	assert.Equal(t, state.CandidateConfirmed, outcomes.next(t).State)
	assert.Equal(t, 1, l.TotalLiquidations(), "queued candidates are dropped, not submitted")
	assert.Zero(t, k.Scheduler().Pending())

	_, err = k.RunCycle(context.Background())
	assert.ErrorIs(t, err, core.ErrShuttingDown)
}

func TestKeeper_ShutdownTimeout(t *testing.T) {
	l := mixedLedger(0, 1)
	l.ConfirmDelay = time.Minute
	k := newKeeper(l, func(c *core.Config) { c.ShutdownGrace = 20 * time.Millisecond })
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)

	start := time.Now()
	err = k.Shutdown()
	require.ErrorIs(t, err, core.ErrShutdownTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	// The transaction was sent before the cancel; the keeper reports it.
	out := outcomes.next(t)
	assert.Equal(t, state.CandidateConfirmed, out.State)
}

func TestKeeper_RunStopsOnCancel(t *testing.T) {
	l := mixedLedger(1, 2)
	k := newKeeper(l, nil)
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	var cycles sync.WaitGroup
	cycles.Add(1)
	var once sync.Once
	k.OnCycle(func(*core.CycleReport) { once.Do(cycles.Done) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	cycles.Wait()
	outcomes.next(t)
	outcomes.next(t)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 2, l.TotalLiquidations())
}

func TestKeeper_TriggerRunsEarlyCycle(t *testing.T) {
	l := mixedLedger(1, 0)
	k := newKeeper(l, func(c *core.Config) { c.ScanInterval = time.Hour })

	reports := make(chan *core.CycleReport, 4)
	k.OnCycle(func(r *core.CycleReport) { reports <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = k.Run(ctx) }()

	<-reports
	l.AdvanceSlot(3)
	k.Trigger()

	select {
	case r := <-reports:
		assert.Equal(t, uint64(103), r.Slot)
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not start a cycle")
	}
}
