package core_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"testing"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(client ledger.Client, retries int) *core.AccountScanner {
	return core.NewAccountScanner(client, core.ScannerConfig{
		MaxRetries: retries,
		Backoff:    1,
		BackoffMax: 2,
	}, zerolog.Nop(), nil)
}

func seededLedger(n int) *testutil.FakeLedger {
	l := testutil.NewFakeLedger(testutil.Markets(100, testutil.BalancedMarket(0)))
	for i := n; i > 0; i-- {
		l.SetAccount(testutil.HealthyAccount(byte(i)))
	}
	return l
}

// ============================================================================
// Pagination
// ============================================================================

func TestScan_Pagination(t *testing.T) {
	tests := []struct {
		name      string
		accounts  int
		pageSize  int
		wantCalls int
	}{
		{"exact multiple", 4, 2, 2},
		{"partial last page", 5, 2, 3},
		{"single page", 1, 2, 1},
		{"empty", 0, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := seededLedger(tt.accounts)
			l.PageSize = tt.pageSize

			snap, err := newScanner(l, 0).Scan(context.Background())
			require.NoError(t, err)
			assert.Len(t, snap.Accounts, tt.accounts)
			assert.Equal(t, tt.wantCalls, l.QueryCalls())
			assert.Equal(t, uint64(100), snap.Slot)

			for i := 1; i < len(snap.Accounts); i++ {
				assert.Negative(t, compareKeys(snap.Accounts[i-1], snap.Accounts[i]), "accounts must be ordered by key")
			}
			for i := 1; i <= tt.accounts; i++ {
				_, ok := snap.Lookup(testutil.Key(byte(i)))
				assert.True(t, ok, "account %d missing", i)
			}
		})
	}
}

func compareKeys(a, b *state.Account) int {
	for i := range a.Key {
		if a.Key[i] != b.Key[i] {
			return int(a.Key[i]) - int(b.Key[i])
		}
	}
	return 0
}

// ============================================================================
// Retries
// ============================================================================

func TestScan_RetriesTransientPageFailure(t *testing.T) {
	l := seededLedger(5)
	l.FailPage(1, fmt.Errorf("%w: node behind", ledger.ErrTransientRPC))

	snap, err := newScanner(l, 2).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Accounts, 5)
	assert.Equal(t, 4, l.QueryCalls(), "three pages plus one retry")
}

func TestScan_RetryExhaustionReturnsNoSnapshot(t *testing.T) {
	l := seededLedger(5)
	transient := fmt.Errorf("%w: timeout", ledger.ErrTransientRPC)
	l.FailPage(2, transient, transient, transient)

	snap, err := newScanner(l, 2).Scan(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, core.ErrScanIncomplete)
	assert.ErrorIs(t, err, ledger.ErrTransientRPC)
	assert.Equal(t, 2+3, l.QueryCalls(), "two good pages then 1+2 tries of the last")
}

func TestScan_NonTransientFailsImmediately(t *testing.T) {
	l := seededLedger(3)
	l.FailPage(0, fmt.Errorf("%w: bad request", ledger.ErrPermanentSubmission))

	_, err := newScanner(l, 5).Scan(context.Background())
	require.ErrorIs(t, err, core.ErrScanIncomplete)
	assert.Equal(t, 1, l.QueryCalls())
}

func TestScan_MarketFailure(t *testing.T) {
	l := seededLedger(1)
	l.FailMarkets(fmt.Errorf("%w: markets unavailable", ledger.ErrTransientRPC))

	_, err := newScanner(l, 1).Scan(context.Background())
	require.ErrorIs(t, err, core.ErrScanIncomplete)
	assert.Zero(t, l.QueryCalls(), "accounts are not read without markets")
}

func TestScan_CancelledDuringBackoff(t *testing.T) {
	l := seededLedger(3)
	l.FailPage(0, fmt.Errorf("%w: timeout", ledger.ErrTransientRPC))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := core.NewAccountScanner(l, core.ScannerConfig{MaxRetries: 3, Backoff: 1 << 40}, zerolog.Nop(), nil).Scan(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, core.ErrScanIncomplete))
}

// ============================================================================
// Deduplication
// ============================================================================

// scriptedPages serves fixed pages; the same account may appear on several
// pages at different slots, as when the account set shifts mid-scan.
type scriptedPages struct {
	*testutil.FakeLedger
	pages []ledger.AccountPage
}

func (s *scriptedPages) QueryAccounts(_ context.Context, token string) (*ledger.AccountPage, error) {
	i := 0
	if token != "" {
		i, _ = strconv.Atoi(token)
	}
	page := s.pages[i]
	if i+1 < len(s.pages) {
		page.NextPageToken = strconv.Itoa(i + 1)
	}
	return &page, nil
}

func TestScan_DuplicateKeepsHighestSlot(t *testing.T) {
	older := testutil.HealthyAccount(1)
	older.Slot = 100
	newer := testutil.UnhealthyAccount(1)
	newer.Slot = 102
	other := testutil.HealthyAccount(2)

	client := &scriptedPages{
		FakeLedger: testutil.NewFakeLedger(testutil.Markets(99, testutil.BalancedMarket(0))),
		pages: []ledger.AccountPage{
			{Slot: 102, Accounts: []*state.Account{newer}},
			{Slot: 101, Accounts: []*state.Account{other, older}},
		},
	}

	snap, err := newScanner(client, 0).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 2)
	assert.Equal(t, uint64(102), snap.Slot, "snapshot slot is the highest page slot")

	got, ok := snap.Lookup(testutil.Key(1))
	require.True(t, ok)
	assert.Equal(t, 0, got.Collateral.Cmp(big.NewInt(50_000_000)), "copy read at the higher slot wins")

	second, _ := snap.Lookup(testutil.Key(2))
	assert.Equal(t, uint64(101), second.Slot, "accounts without a slot inherit the page slot")
}
