package core

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Claimer coordinates submissions across liquidator replicas. A replica
// submits for an account only while it holds the claim.
type Claimer interface {
	Claim(ctx context.Context, account solana.PublicKey) (bool, error)
	Release(ctx context.Context, account solana.PublicKey) error
}

// SlotSource reports the newest slot the ledger has produced.
type SlotSource interface {
	Tip() uint64
}
