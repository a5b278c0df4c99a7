// Package ledger is the boundary to the remote ledger: reads of program
// accounts, transaction submission and confirmation.
package ledger

import (
	"context"
	"time"

	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// AccountPage is one page of a paginated account scan.
type AccountPage struct {
	Accounts      []*state.Account
	NextPageToken string // empty on the last page
	Slot          uint64 // context slot the page was read at
}

// ConfirmStatus is the observed state of a submitted transaction.
type ConfirmStatus int

const (
	ConfirmPending ConfirmStatus = iota
	ConfirmConfirmed
	ConfirmFailed
	ConfirmExpired
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmPending:
		return "Pending"
	case ConfirmConfirmed:
		return "Confirmed"
	case ConfirmFailed:
		return "Failed"
	case ConfirmExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// ConfirmResult is the outcome of a confirmation query. Err is set for
// ConfirmFailed and is already classified.
type ConfirmResult struct {
	Status ConfirmStatus
	Slot   uint64
	Err    error
}

// Client is everything the liquidator needs from the remote ledger. Reads
// are safe to retry. Resubmitting an already-signed transaction never
// executes it twice.
type Client interface {
	QueryAccounts(ctx context.Context, pageToken string) (*AccountPage, error)
	QueryMarkets(ctx context.Context) (*state.MarketTable, error)
	FetchAccount(ctx context.Context, key solana.PublicKey) (*state.Account, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SubmitTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (*ConfirmResult, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*ConfirmResult, error)
}
