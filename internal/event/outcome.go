package event

import (
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"PerpLiquidator/internal/core"
	fpmath "PerpLiquidator/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OutcomeEvent is the published and journaled form of a terminal
// candidate outcome.
type OutcomeEvent struct {
	ID          uuid.UUID       `json:"id"`
	CandidateID uuid.UUID       `json:"candidate_id"`
	Account     string          `json:"account"`
	State       string          `json:"state"`
	Signature   string          `json:"signature,omitempty"`
	Attempts    int             `json:"attempts"`
	MarginRatio decimal.Decimal `json:"margin_ratio"` // fraction, 0.0416 = 4.16%
	Exposure    string          `json:"exposure"`     // base asset amount
	Slot        uint64          `json:"slot"`
	Fingerprint string          `json:"fingerprint"`
	Reason      string          `json:"reason"`
	Error       string          `json:"error,omitempty"`
	DecidedAt   time.Time       `json:"decided_at"`
}

func (e *OutcomeEvent) EventType() EventType { return EventTypeOutcome }
func (e *OutcomeEvent) EventSlot() uint64    { return e.Slot }

// Subject is liquidator.outcomes.<state>, lower-cased.
func (e *OutcomeEvent) Subject() string {
	return SubjectPrefix + ".outcomes." + strings.ToLower(e.State)
}

// Liquidated reports whether the outcome records a landed liquidation.
func (e *OutcomeEvent) Liquidated() bool {
	return e.State == "Confirmed"
}

// FromOutcome converts a keeper outcome.
func FromOutcome(o *core.Outcome) *OutcomeEvent {
	e := &OutcomeEvent{
		ID:          o.ID,
		CandidateID: o.CandidateID,
		Account:     o.Account.String(),
		State:       o.State.String(),
		Attempts:    o.Attempts,
		MarginRatio: decimal.Zero,
		Exposure:    "0",
		Slot:        o.Slot,
		Fingerprint: hex.EncodeToString(o.Fingerprint[:]),
		Reason:      o.Reason,
		DecidedAt:   o.DecidedAt,
	}
	if !o.Signature.IsZero() {
		e.Signature = o.Signature.String()
	}
	if o.MarginRatio != nil {
		e.MarginRatio = MarginRatioDecimal(o.MarginRatio)
	}
	if o.Exposure != nil {
		e.Exposure = o.Exposure.String()
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// MarginRatioDecimal converts a ratio in margin precision to a fraction.
func MarginRatioDecimal(ratio *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(ratio, 0).Div(decimal.New(fpmath.MarginPrecision, 0))
}
