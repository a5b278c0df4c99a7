package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/persistence"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func mustOutcome(t *testing.T, n byte, st state.CandidateState, at time.Time) *core.Outcome {
	t.Helper()
	acct := testutil.UnhealthyAccount(n)
	return &core.Outcome{
		ID:          uuid.New(),
		CandidateID: uuid.New(),
		Account:     acct.Key,
		State:       st,
		Attempts:    1,
		MarginRatio: big.NewInt(416),
		Exposure:    acct.Exposure(),
		Slot:        100,
		Fingerprint: acct.Fingerprint(),
		Reason:      "test",
		DecidedAt:   at,
	}
}

// ============================================================================
// Journal round trip
// ============================================================================

func TestJournal_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	worker := persistence.NewJournalWorker(db, 16, 4, 10*time.Millisecond, zerolog.Nop(), nil)
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	base := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	confirmed := mustOutcome(t, 1, state.CandidateConfirmed, base)
	lost := mustOutcome(t, 2, state.CandidateLostRace, base.Add(time.Second))
	abandoned := mustOutcome(t, 3, state.CandidateAbandoned, base.Add(2*time.Second))

	for _, o := range []*core.Outcome{confirmed, lost, abandoned} {
		if err := worker.Record(ctx, o); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	worker.RecordCycle(&core.CycleReport{
		SnapshotID:   uuid.New(),
		Slot:         100,
		Accounts:     3,
		SnapshotHash: [32]byte{1},
		StartedAt:    base,
	})
	worker.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	reader := persistence.NewJournalReader(db)

	keys, err := reader.RecentResolvedKeys(ctx, 10)
	if err != nil {
		t.Fatalf("RecentResolvedKeys: %v", err)
	}
	want := []string{
		core.OutcomeKey(lost.Account, lost.Fingerprint),
		core.OutcomeKey(confirmed.Account, confirmed.Fingerprint),
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}

	all, err := reader.RecentOutcomes(ctx, persistence.OutcomeFilter{Limit: 10})
	if err != nil {
		t.Fatalf("RecentOutcomes: %v", err)
	}
	if len(all) != 3 || all[0].ID != abandoned.ID {
		t.Fatalf("expected 3 outcomes newest first, got %d", len(all))
	}
	if all[0].MarginRatio.String() != "0.0416" {
		t.Errorf("margin ratio = %s", all[0].MarginRatio)
	}

	filtered, err := reader.RecentOutcomes(ctx, persistence.OutcomeFilter{State: "Confirmed"})
	if err != nil {
		t.Fatalf("RecentOutcomes filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != confirmed.ID {
		t.Errorf("state filter returned %d outcomes", len(filtered))
	}

	last, err := reader.LastCycle(ctx)
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last == nil || last.Slot != 100 {
		t.Fatalf("LastCycle = %+v", last)
	}
}

func TestJournal_WarmsRecentOutcomes(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	o := mustOutcome(t, 9, state.CandidateConfirmed, time.Now())
	worker := persistence.NewJournalWorker(db, 1, 1, time.Millisecond, zerolog.Nop(), nil)
	go func() { _ = worker.Run(ctx) }()
	if err := worker.Record(ctx, o); err != nil {
		t.Fatalf("Record: %v", err)
	}
	worker.Close()

	recent := core.NewRecentOutcomes(10)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := recent.Warm(ctx, persistence.NewJournalReader(db))
		if err != nil {
			t.Fatalf("Warm: %v", err)
		}
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !recent.Seen(o.Account, o.Fingerprint) {
		t.Error("journaled outcome not loaded into the recent-outcome cache")
	}
}

func TestJournal_LastCycleEmpty(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	last, err := persistence.NewJournalReader(db).LastCycle(context.Background())
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last != nil {
		t.Errorf("expected no cycle, got %+v", last)
	}
}
