package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/ledger"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/state"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrJournalDisabled is returned by Outcomes when no journal is configured.
	ErrJournalDisabled = errors.New("outcome journal not configured")
	ErrInvalidFilter   = errors.New("invalid outcome filter")
)

// KeeperView is the read-only part of the keeper the status API needs.
type KeeperView interface {
	LastReport() *core.CycleReport
	Scheduler() *core.LiquidationScheduler
	Recent() *core.RecentOutcomes
}

// OutcomeReader reads journaled outcomes.
type OutcomeReader interface {
	RecentOutcomes(ctx context.Context, f persistence.OutcomeFilter) ([]*event.OutcomeEvent, error)
}

// StatusService answers the status API from keeper memory, the outcome
// journal and live ledger reads. It never mutates keeper state.
type StatusService struct {
	keeper          KeeperView
	journal         OutcomeReader // nil when Postgres is disabled
	client          ledger.Client
	guard           state.OracleGuard
	safetyMarginBps uint32
}

func NewStatusService(keeper KeeperView, journal OutcomeReader, client ledger.Client, guard state.OracleGuard, safetyMarginBps uint32) *StatusService {
	return &StatusService{
		keeper:          keeper,
		journal:         journal,
		client:          client,
		guard:           guard,
		safetyMarginBps: safetyMarginBps,
	}
}

// Status returns the last cycle summary and the current queue.
func (s *StatusService) Status(ctx context.Context) *StatusResponse {
	resp := &StatusResponse{Queue: []QueueEntry{}}

	if r := s.keeper.LastReport(); r != nil {
		resp.SnapshotID = r.SnapshotID.String()
		resp.Slot = r.Slot
		resp.SnapshotHash = hex.EncodeToString(r.SnapshotHash[:])
		resp.PrevHash = hex.EncodeToString(r.PrevHash[:])
		resp.CycleAt = r.StartedAt
		resp.CycleMs = r.Duration.Milliseconds()
		resp.Accounts = r.Accounts
		resp.Eligible = r.Eligible
		resp.Ineligible = r.Ineligible
		resp.Skipped = r.Skipped
		resp.Errors = r.Errors
	}

	sched := s.keeper.Scheduler()
	resp.Pending = sched.Pending()
	resp.InFlight = sched.InFlight()
	for _, q := range sched.Snapshot() {
		resp.Queue = append(resp.Queue, QueueEntry{
			Account:     q.Account.String(),
			State:       q.State.String(),
			MarginRatio: q.MarginRatio,
			Slot:        q.Slot,
		})
	}

	recent := s.keeper.Recent()
	resp.RecentEntries = recent.Size()
	resp.RecentHits = recent.Hits()
	return resp
}

// Outcomes lists journaled outcomes, newest first.
func (s *StatusService) Outcomes(ctx context.Context, f persistence.OutcomeFilter) (*OutcomesResponse, error) {
	if s.journal == nil {
		return nil, ErrJournalDisabled
	}
	if f.Account != "" {
		if _, err := solana.PublicKeyFromBase58(f.Account); err != nil {
			return nil, fmt.Errorf("%w: account %q: %v", ErrInvalidFilter, f.Account, err)
		}
	}
	if f.State != "" {
		if _, ok := state.ParseCandidateState(f.State); !ok {
			return nil, fmt.Errorf("%w: state %q", ErrInvalidFilter, f.State)
		}
	}

	outcomes, err := s.journal.RecentOutcomes(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("read outcomes: %w", err)
	}
	if outcomes == nil {
		outcomes = []*event.OutcomeEvent{}
	}
	return &OutcomesResponse{Outcomes: outcomes}, nil
}

// AccountMargin fetches one account and the market table, settles funding
// locally and evaluates margin the same way a cycle would.
func (s *StatusService) AccountMargin(ctx context.Context, key solana.PublicKey) (*MarginResponse, error) {
	acct, err := s.client.FetchAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	markets, err := s.client.QueryMarkets(ctx)
	if err != nil {
		return nil, err
	}

	settled, err := state.SettleFunding(acct, markets)
	if err != nil {
		return nil, fmt.Errorf("settle funding: %w", err)
	}
	status, err := state.EvaluateMargin(settled.Account, markets, s.guard)
	if err != nil {
		return nil, fmt.Errorf("evaluate margin: %w", err)
	}

	return &MarginResponse{
		Account:          key.String(),
		Slot:             acct.Slot,
		Collateral:       acct.Collateral.String(),
		FundingPayment:   settled.Payment.String(),
		TotalCollateral:  status.TotalCollateral.String(),
		UnrealizedPnL:    status.UnrealizedPnL.String(),
		BaseAssetValue:   status.BaseAssetValue.String(),
		MarginRatio:      event.MarginRatioDecimal(status.MarginRatio),
		MaintenanceRatio: event.MarginRatioDecimal(big.NewInt(int64(status.MaintenanceRatio))),
		Threshold:        event.MarginRatioDecimal(big.NewInt(int64(status.Threshold(s.safetyMarginBps)))),
		LiquidationType:  status.LiquidationType.String(),
		OracleAdjusted:   status.OracleAdjusted,
		Eligible:         status.Eligible(s.safetyMarginBps),
		OpenPositions:    len(settled.Account.OpenPositions()),
	}, nil
}
