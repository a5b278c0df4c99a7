package core

import (
	"context"
	"fmt"
	"time"

	"PerpLiquidator/internal/clearinghouse"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/observability"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// FundingSettler brings accounts up to date with accrued funding before
// they are evaluated.
//
// SettleLocal is pure and is what every margin verdict is computed from.
// SettleRemote additionally lands the settlement on the ledger so that the
// program sees the same collateral the verdict was based on.
type FundingSettler struct {
	client         ledger.Client
	signer         ledger.Signer
	programID      solana.PublicKey
	remote         bool
	confirmTimeout time.Duration
	log            zerolog.Logger
	metrics        *observability.Metrics
}

// SettlerConfig controls on-ledger settlement.
type SettlerConfig struct {
	ProgramID      solana.PublicKey
	OnChain        bool
	ConfirmTimeout time.Duration
}

func NewFundingSettler(client ledger.Client, signer ledger.Signer, cfg SettlerConfig, log zerolog.Logger, metrics *observability.Metrics) *FundingSettler {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	return &FundingSettler{
		client:         client,
		signer:         signer,
		programID:      cfg.ProgramID,
		remote:         cfg.OnChain && signer != nil,
		confirmTimeout: cfg.ConfirmTimeout,
		log:            log,
		metrics:        metrics,
	}
}

// SettleLocal returns the post-settlement account. Settling an account
// that owes nothing returns it unchanged.
func (f *FundingSettler) SettleLocal(acct *state.Account, markets *state.MarketTable) (*state.FundingSettlement, error) {
	res, err := state.SettleFunding(acct, markets)
	if err != nil {
		if f.metrics != nil {
			f.metrics.FundingSettlements.WithLabelValues("local", "error").Inc()
		}
		return nil, err
	}
	if f.metrics != nil && res.Changed() {
		f.metrics.FundingSettlements.WithLabelValues("local", "settled").Inc()
	}
	return res, nil
}

// RemoteEnabled reports whether SettleRemote submits transactions.
func (f *FundingSettler) RemoteEnabled() bool {
	return f.remote
}

// SettleRemote submits a settle_funding_payment for acct and waits for it
// to confirm. It is a no-op when on-ledger settlement is disabled.
func (f *FundingSettler) SettleRemote(ctx context.Context, acct *state.Account, markets *state.MarketTable) error {
	if !f.remote {
		return nil
	}
	err := f.settleRemote(ctx, acct, markets)
	if f.metrics != nil {
		result := "confirmed"
		if err != nil {
			result = ledger.Classify(err).String()
		}
		f.metrics.FundingSettlements.WithLabelValues("remote", result).Inc()
	}
	return err
}

func (f *FundingSettler) settleRemote(ctx context.Context, acct *state.Account, markets *state.MarketTable) error {
	ix := clearinghouse.NewSettleFundingPaymentInstruction(f.programID, markets.State, acct)

	blockhash, err := f.client.LatestBlockhash(ctx)
	if err != nil {
		return err
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash, solana.TransactionPayer(f.signer.PublicKey()))
	if err != nil {
		return fmt.Errorf("build settle transaction: %w", err)
	}
	if err := f.signer.Sign(tx); err != nil {
		return err
	}

	sig, err := f.client.SubmitTransaction(ctx, tx)
	if err != nil {
		return err
	}
	res, err := f.client.Confirm(ctx, sig, f.confirmTimeout)
	if err != nil {
		return err
	}
	switch res.Status {
	case ledger.ConfirmConfirmed:
		f.log.Debug().
			Str("account", acct.Key.String()).
			Str("signature", sig.String()).
			Msg("funding settled on ledger")
		return nil
	case ledger.ConfirmFailed:
		return res.Err
	default:
		return ledger.Wrap("settle funding", fmt.Errorf("settlement %s not confirmed: %s", sig, res.Status))
	}
}
