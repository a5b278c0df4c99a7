package testutil

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// SubmitHook runs for every submitted program instruction before the fake
// applies it. A non-nil error rejects the submission. The hook runs without
// the ledger lock held, so it may call back into the ledger.
type SubmitHook func(l *FakeLedger, kind clearinghouse.InstructionKind, target solana.PublicKey) error

// FakeLedger is an in-memory ledger.Client. Liquidations land as confirmed
// and close every position of the target; funding settlements apply the
// local settlement rule.
type FakeLedger struct {
	ProgramID solana.PublicKey
	PageSize  int

	// ConfirmDelay holds Confirm open to simulate in-flight submissions.
	ConfirmDelay time.Duration
	OnSubmit     SubmitHook

	mu          sync.Mutex
	slot        uint64
	accounts    map[solana.PublicKey]*state.Account
	markets     *state.MarketTable
	marketsErr  error
	pageFaults  map[int][]error
	statuses    map[solana.Signature]*ledger.ConfirmResult
	liquidated  map[solana.PublicKey]int
	settled     map[solana.PublicKey]int
	fetches     map[solana.PublicKey]int
	queryCalls  int
	inFlight    map[solana.Signature]struct{}
	maxInFlight int
	expireNext  int
}

var _ ledger.Client = (*FakeLedger)(nil)

// NewFakeLedger seeds a ledger at the market table's slot.
func NewFakeLedger(markets *state.MarketTable, accounts ...*state.Account) *FakeLedger {
	l := &FakeLedger{
		ProgramID:  clearinghouse.DefaultProgramID,
		PageSize:   2,
		slot:       markets.Slot,
		accounts:   make(map[solana.PublicKey]*state.Account),
		markets:    markets,
		pageFaults: make(map[int][]error),
		statuses:   make(map[solana.Signature]*ledger.ConfirmResult),
		liquidated: make(map[solana.PublicKey]int),
		settled:    make(map[solana.PublicKey]int),
		fetches:    make(map[solana.PublicKey]int),
		inFlight:   make(map[solana.Signature]struct{}),
	}
	for _, a := range accounts {
		l.SetAccount(a)
	}
	return l
}

// ============================================================================
// Test controls
// ============================================================================

// SetAccount stores a copy of acct.
func (l *FakeLedger) SetAccount(acct *state.Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := acct.Clone()
	cp.Slot = l.slot
	l.accounts[acct.Key] = cp
}

// Account returns a copy of the stored account.
func (l *FakeLedger) Account(key solana.PublicKey) (*state.Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (l *FakeLedger) RemoveAccount(key solana.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.accounts, key)
}

func (l *FakeLedger) SetMarkets(markets *state.MarketTable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markets = markets
	if markets.Slot > l.slot {
		l.slot = markets.Slot
	}
}

func (l *FakeLedger) FailMarkets(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marketsErr = err
}

// AdvanceSlot moves the ledger forward by n slots.
func (l *FakeLedger) AdvanceSlot(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slot += n
}

// FailPage makes the next len(errs) reads of the page at index fail with
// errs in order.
func (l *FakeLedger) FailPage(index int, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pageFaults[index] = append(l.pageFaults[index], errs...)
}

func (l *FakeLedger) Liquidations(key solana.PublicKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.liquidated[key]
}

func (l *FakeLedger) TotalLiquidations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.liquidated {
		total += n
	}
	return total
}

func (l *FakeLedger) Settlements(key solana.PublicKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.settled[key]
}

func (l *FakeLedger) Fetches(key solana.PublicKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches[key]
}

func (l *FakeLedger) QueryCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queryCalls
}

// MaxInFlight is the highest number of liquidations observed between
// submission and the end of confirmation.
func (l *FakeLedger) MaxInFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxInFlight
}

// ============================================================================
// ledger.Client
// ============================================================================

func (l *FakeLedger) QueryAccounts(ctx context.Context, pageToken string) (*ledger.AccountPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap("query accounts", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queryCalls++

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		offset = n
	}
	index := offset / l.PageSize
	if faults := l.pageFaults[index]; len(faults) > 0 {
		l.pageFaults[index] = faults[1:]
		return nil, faults[0]
	}

	keys := make([]solana.PublicKey, 0, len(l.accounts))
	for k := range l.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	end := offset + l.PageSize
	if end > len(keys) {
		end = len(keys)
	}
	page := &ledger.AccountPage{Slot: l.slot}
	if offset < len(keys) {
		for _, k := range keys[offset:end] {
			page.Accounts = append(page.Accounts, l.accounts[k].Clone())
		}
	}
	if end < len(keys) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (l *FakeLedger) QueryMarkets(ctx context.Context) (*state.MarketTable, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap("query markets", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.marketsErr != nil {
		return nil, l.marketsErr
	}
	return l.markets, nil
}

func (l *FakeLedger) FetchAccount(ctx context.Context, key solana.PublicKey) (*state.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Wrap("fetch account", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches[key]++
	a, ok := l.accounts[key]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", key, ledger.ErrAccountNotFound)
	}
	return a.Clone(), nil
}

func (l *FakeLedger) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var h solana.Hash
	copy(h[:], strconv.FormatUint(l.slot, 10))
	return h, nil
}

func (l *FakeLedger) SubmitTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, ledger.Wrap("submit transaction", err)
	}
	kind, target, ok := clearinghouse.TargetOf(tx, l.ProgramID)
	if !ok {
		return solana.Signature{}, fmt.Errorf("transaction has no program instruction")
	}

	if l.OnSubmit != nil {
		if err := l.OnSubmit(l, kind, target); err != nil {
			return solana.Signature{}, ledger.Wrap("submit transaction", err)
		}
	}

	sig := signatureOf(tx)

	l.mu.Lock()
	defer l.mu.Unlock()
	acct, exists := l.accounts[target]
	if !exists {
		return solana.Signature{}, ledger.Wrap("submit transaction",
			fmt.Errorf("%w: %s", ledger.ErrPermanentSubmission, target))
	}

	switch kind {
	case clearinghouse.InstructionLiquidate:
		l.liquidated[target]++
		l.inFlight[sig] = struct{}{}
		if len(l.inFlight) > l.maxInFlight {
			l.maxInFlight = len(l.inFlight)
		}
		acct.Positions = nil
	case clearinghouse.InstructionSettleFundingPayment:
		l.settled[target]++
		if res, err := state.SettleFunding(acct, l.markets); err == nil {
			l.accounts[target] = res.Account.Clone()
		}
	}
	l.statuses[sig] = &ledger.ConfirmResult{Status: ledger.ConfirmConfirmed, Slot: l.slot}
	return sig, nil
}

func (l *FakeLedger) Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (*ledger.ConfirmResult, error) {
	defer func() {
		l.mu.Lock()
		delete(l.inFlight, sig)
		l.mu.Unlock()
	}()

	l.mu.Lock()
	expire := l.expireNext > 0
	if expire {
		l.expireNext--
	}
	l.mu.Unlock()
	if expire {
		return &ledger.ConfirmResult{Status: ledger.ConfirmExpired}, nil
	}

	if l.ConfirmDelay > 0 {
		select {
		case <-time.After(l.ConfirmDelay):
		case <-ctx.Done():
			return nil, ledger.Wrap("confirm", ctx.Err())
		}
	}
	return l.SignatureStatus(ctx, sig)
}

func (l *FakeLedger) SignatureStatus(ctx context.Context, sig solana.Signature) (*ledger.ConfirmResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if res, ok := l.statuses[sig]; ok {
		cp := *res
		return &cp, nil
	}
	return &ledger.ConfirmResult{Status: ledger.ConfirmPending}, nil
}

// ExpireNextConfirms makes the next n Confirm calls time out even though
// the transactions land.
func (l *FakeLedger) ExpireNextConfirms(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireNext = n
}

// SetStatus overrides what Confirm and SignatureStatus report for sig.
func (l *FakeLedger) SetStatus(sig solana.Signature, res *ledger.ConfirmResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[sig] = res
}

func signatureOf(tx *solana.Transaction) solana.Signature {
	if len(tx.Signatures) > 0 && !tx.Signatures[0].IsZero() {
		return tx.Signatures[0]
	}
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig
}
