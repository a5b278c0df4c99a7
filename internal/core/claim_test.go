package core_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClaimer struct {
	mu       sync.Mutex
	held     map[solana.PublicKey]bool // held by another replica
	broken   map[solana.PublicKey]bool
	released []solana.PublicKey
}

func (f *fakeClaimer) Claim(_ context.Context, key solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broken[key] {
		return false, errors.New("redis unavailable")
	}
	return !f.held[key], nil
}

func (f *fakeClaimer) Release(_ context.Context, key solana.PublicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, key)
	return nil
}

type fixedTip struct{ slot atomic.Uint64 }

func (f *fixedTip) Tip() uint64 { return f.slot.Load() }

// ============================================================================
// Fleet claims
// ============================================================================

func TestKeeper_FleetClaims(t *testing.T) {
	l := mixedLedger(0, 3)
	claimer := &fakeClaimer{
		held:   map[solana.PublicKey]bool{testutil.Key(101): true},
		broken: map[solana.PublicKey]bool{testutil.Key(102): true},
	}
	k := newKeeper(l, nil)
	k.SetClaimer(claimer)
	outcomes := newOutcomeLog()
	k.AddSink(outcomes.sink())

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		assert.Equal(t, state.CandidateConfirmed, outcomes.next(t).State)
	}
	require.NoError(t, k.Shutdown())

	assert.Zero(t, l.Liquidations(testutil.Key(101)), "claimed elsewhere")
	assert.Equal(t, 1, l.Liquidations(testutil.Key(102)), "claim errors fail open")
	assert.Equal(t, 1, l.Liquidations(testutil.Key(103)))
	assert.ElementsMatch(t, []solana.PublicKey{testutil.Key(102), testutil.Key(103)}, claimer.released)
}

func TestKeeper_ClaimedCandidateIsLogged(t *testing.T) {
	l := mixedLedger(0, 1)
	var buf bytes.Buffer
	log := zerolog.New(zerolog.SyncWriter(&buf)).Level(zerolog.DebugLevel)
	k := core.NewKeeper(l, newSigner(), keeperConfig(l), log, nil)
	k.SetClaimer(&fakeClaimer{held: map[solana.PublicKey]bool{testutil.Key(101): true}})

	report, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Queued)
	require.NoError(t, k.Shutdown())

	assert.Zero(t, l.Liquidations(testutil.Key(101)))
	assert.Contains(t, buf.String(), `"reason":"claimed by another replica"`)
	assert.Contains(t, buf.String(), testutil.Key(101).String())
	assert.False(t, k.Scheduler().IsInFlight(testutil.Key(101)), "skipped candidate is released")
}

// ============================================================================
// Slot gate
// ============================================================================

func TestKeeper_SlotGate(t *testing.T) {
	l := mixedLedger(2, 0)
	tip := &fixedTip{}
	tip.slot.Store(100)
	k := newKeeper(l, nil)
	k.SetSlotSource(tip)
	defer k.Shutdown()

	_, err := k.RunCycle(context.Background())
	require.NoError(t, err)

	_, err = k.RunCycle(context.Background())
	assert.ErrorIs(t, err, core.ErrSlotUnchanged)
	assert.Equal(t, 1, l.QueryCalls(), "gated cycle does not scan")

	tip.slot.Store(101)
	l.AdvanceSlot(1)
	report, err := k.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(101), report.Slot)
}
