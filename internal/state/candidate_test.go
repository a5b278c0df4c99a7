package state_test

import (
	"testing"
	"time"

	"PerpLiquidator/internal/state"
)

func TestCandidateState_Transitions(t *testing.T) {
	tests := []struct {
		from, to state.CandidateState
		ok       bool
	}{
		{state.CandidateDiscovered, state.CandidateFundingSettling, true},
		{state.CandidateFundingSettling, state.CandidateEligible, true},
		{state.CandidateFundingSettling, state.CandidateIneligible, true},
		{state.CandidateEligible, state.CandidateQueued, true},
		{state.CandidateQueued, state.CandidateSubmitting, true},
		{state.CandidateSubmitting, state.CandidateRetrying, true},
		{state.CandidateRetrying, state.CandidateSubmitting, true},
		{state.CandidateSubmitting, state.CandidateConfirmed, true},
		{state.CandidateSubmitting, state.CandidateLostRace, true},
		{state.CandidateRetrying, state.CandidateAbandoned, true},

		{state.CandidateDiscovered, state.CandidateQueued, false},
		{state.CandidateIneligible, state.CandidateQueued, false},
		{state.CandidateConfirmed, state.CandidateSubmitting, false},
		{state.CandidateLostRace, state.CandidateRetrying, false},
		{state.CandidateQueued, state.CandidateConfirmed, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestCandidateState_Terminal(t *testing.T) {
	terminal := map[state.CandidateState]bool{
		state.CandidateConfirmed:  true,
		state.CandidateLostRace:   true,
		state.CandidateAbandoned:  true,
		state.CandidateIneligible: true,
		state.CandidateQueued:     false,
		state.CandidateRetrying:   false,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Errorf("%s: IsTerminal=%v, want %v", s, s.IsTerminal(), want)
		}
	}
}

func TestCandidate_Evaluated(t *testing.T) {
	markets := tableOf(100, balancedMarket(t, 0, "22000000000000000"))
	acct := accountWith(t, "50000000", position(t, 0, "22000000000000000", "1100000000"))

	c := state.NewCandidate(acct, 100, time.Unix(0, 0))
	if c.State != state.CandidateDiscovered {
		t.Fatalf("new candidate in %s", c.State)
	}
	if err := c.Transition(state.CandidateFundingSettling); err != nil {
		t.Fatal(err)
	}

	status, err := state.EvaluateMargin(acct, markets, state.OracleGuard{})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Evaluated(acct, status, 0); err != nil {
		t.Fatal(err)
	}
	if c.State != state.CandidateEligible || !c.IsEligible() {
		t.Errorf("expected eligible candidate, got %s", c.State)
	}
	if c.MarginRatio.Int64() != 454 || c.Threshold != 500 {
		t.Errorf("ratio %s threshold %d", c.MarginRatio, c.Threshold)
	}

	// a second verdict is not a valid transition
	if err := c.Evaluated(acct, status, 0); err == nil {
		t.Error("expected an error re-evaluating an evaluated candidate")
	}
}

func TestAccount_FingerprintTracksContent(t *testing.T) {
	a := accountWith(t, "50000000", position(t, 0, "22000000000000000", "1100000000"))
	b := a.Clone()
	b.Slot = 999
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("slot should not affect the fingerprint")
	}
	b.Positions[0].BaseAssetAmount.SetInt64(-1)
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("position change should change the fingerprint")
	}
	if a.Positions[0].BaseAssetAmount.Sign() <= 0 {
		t.Error("clone aliased the original position")
	}
}
