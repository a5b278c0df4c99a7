package query

import (
	"time"

	"PerpLiquidator/internal/event"

	"github.com/shopspring/decimal"
)

// StatusResponse is the keeper's view of the most recent cycle and the
// candidates it is holding.
type StatusResponse struct {
	// Last completed cycle; zero before the first one
	SnapshotID   string    `json:"snapshot_id,omitempty"`
	Slot         uint64    `json:"slot"`
	SnapshotHash string    `json:"snapshot_hash,omitempty"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	CycleAt      time.Time `json:"cycle_at,omitempty"`
	CycleMs      int64     `json:"cycle_ms"`
	Accounts     int       `json:"accounts"`
	Eligible     int       `json:"eligible"`
	Ineligible   int       `json:"ineligible"`
	Skipped      int       `json:"skipped"`
	Errors       int       `json:"errors"`

	// Scheduler
	Pending  int          `json:"pending"`
	InFlight int          `json:"in_flight"`
	Queue    []QueueEntry `json:"queue"`

	// Recent outcome cache
	RecentEntries int   `json:"recent_entries"`
	RecentHits    int64 `json:"recent_hits"`
}

// QueueEntry is one scheduled candidate.
type QueueEntry struct {
	Account     string `json:"account"`
	State       string `json:"state"`
	MarginRatio string `json:"margin_ratio"` // MARGIN_PRECISION integer
	Slot        uint64 `json:"slot"`
}

// OutcomesResponse lists journaled outcomes, newest first.
type OutcomesResponse struct {
	Outcomes []*event.OutcomeEvent `json:"outcomes"`
}

// MarginResponse is an on-demand margin evaluation of one account at the
// current ledger state, after local funding settlement.
type MarginResponse struct {
	Account          string          `json:"account"`
	Slot             uint64          `json:"slot"`
	Collateral       string          `json:"collateral"`
	FundingPayment   string          `json:"funding_payment"`
	TotalCollateral  string          `json:"total_collateral"`
	UnrealizedPnL    string          `json:"unrealized_pnl"`
	BaseAssetValue   string          `json:"base_asset_value"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"` // fraction, 0.0625 = 6.25%
	MaintenanceRatio decimal.Decimal `json:"maintenance_ratio"`
	Threshold        decimal.Decimal `json:"threshold"`
	LiquidationType  string          `json:"liquidation_type"`
	OracleAdjusted   bool            `json:"oracle_adjusted"`
	Eligible         bool            `json:"eligible"`
	OpenPositions    int             `json:"open_positions"`
}
