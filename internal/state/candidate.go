package state

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// CandidateState tracks a liquidation candidate through its lifecycle
type CandidateState int32

const (
	CandidateDiscovered CandidateState = iota
	CandidateFundingSettling
	CandidateEligible
	CandidateIneligible
	CandidateQueued
	CandidateSubmitting
	CandidateRetrying
	CandidateConfirmed
	CandidateLostRace
	CandidateAbandoned
)

func (cs CandidateState) String() string {
	switch cs {
	case CandidateDiscovered:
		return "Discovered"
	case CandidateFundingSettling:
		return "FundingSettling"
	case CandidateEligible:
		return "Eligible"
	case CandidateIneligible:
		return "Ineligible"
	case CandidateQueued:
		return "Queued"
	case CandidateSubmitting:
		return "Submitting"
	case CandidateRetrying:
		return "Retrying"
	case CandidateConfirmed:
		return "Confirmed"
	case CandidateLostRace:
		return "LostRace"
	case CandidateAbandoned:
		return "Abandoned"
	default:
		return "Unknown"
	}
}

// ParseCandidateState is the inverse of String.
func ParseCandidateState(s string) (CandidateState, bool) {
	for cs := CandidateDiscovered; cs <= CandidateAbandoned; cs++ {
		if cs.String() == s {
			return cs, true
		}
	}
	return 0, false
}

// IsTerminal reports whether no further transition is possible.
func (cs CandidateState) IsTerminal() bool {
	switch cs {
	case CandidateConfirmed, CandidateLostRace, CandidateAbandoned, CandidateIneligible:
		return true
	}
	return false
}

var validCandidateTransitions = map[CandidateState][]CandidateState{
	CandidateDiscovered: {
		CandidateFundingSettling,
	},
	CandidateFundingSettling: {
		CandidateEligible,
		CandidateIneligible,
	},
	CandidateEligible: {
		CandidateQueued,
	},
	CandidateQueued: {
		CandidateSubmitting,
	},
	CandidateSubmitting: {
		CandidateConfirmed,
		CandidateLostRace,
		CandidateRetrying,
		CandidateAbandoned,
		CandidateIneligible, // re-validation before signing found it healthy
	},
	CandidateRetrying: {
		CandidateSubmitting,
		CandidateAbandoned,
	},
}

// CanTransitionTo validates state transitions
func (cs CandidateState) CanTransitionTo(next CandidateState) bool {
	allowed, ok := validCandidateTransitions[cs]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Candidate is an account judged liquidatable against one snapshot. The
// account is the post-settlement copy the verdict was computed from.
type Candidate struct {
	ID              uuid.UUID
	Account         *Account
	MarginRatio     *big.Int
	Threshold       uint32
	LiquidationType LiquidationType
	Slot            uint64
	ObservedAt      time.Time
	Fingerprint     [32]byte
	State           CandidateState
}

// NewCandidate starts tracking an account discovered in a snapshot.
func NewCandidate(acct *Account, slot uint64, observedAt time.Time) *Candidate {
	return &Candidate{
		ID:          uuid.New(),
		Account:     acct,
		Slot:        slot,
		ObservedAt:  observedAt,
		Fingerprint: acct.Fingerprint(),
		State:       CandidateDiscovered,
	}
}

// Evaluated records the verdict for the post-settlement account and moves
// the candidate to Eligible or Ineligible.
func (c *Candidate) Evaluated(settled *Account, status *MarginStatus, safetyMarginBps uint32) error {
	next := CandidateIneligible
	if status.Eligible(safetyMarginBps) {
		next = CandidateEligible
	}
	if err := c.Transition(next); err != nil {
		return err
	}
	c.Account = settled
	c.MarginRatio = new(big.Int).Set(status.MarginRatio)
	c.Threshold = status.Threshold(safetyMarginBps)
	c.LiquidationType = status.LiquidationType
	c.Fingerprint = settled.Fingerprint()
	return nil
}

// Transition moves the candidate to next or reports why it cannot.
func (c *Candidate) Transition(next CandidateState) error {
	if !c.State.CanTransitionTo(next) {
		return fmt.Errorf("candidate %s: invalid transition %s -> %s", c.Account.Key, c.State, next)
	}
	c.State = next
	return nil
}

// IsEligible reports whether the candidate's ratio is strictly below its
// threshold.
func (c *Candidate) IsEligible() bool {
	if c.MarginRatio == nil {
		return false
	}
	return c.LiquidationType != LiquidationNone &&
		c.MarginRatio.Cmp(big.NewInt(int64(c.Threshold))) < 0
}
