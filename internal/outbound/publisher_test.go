package outbound_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/outbound"
	"PerpLiquidator/internal/state"
	"PerpLiquidator/internal/testutil"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: outbound.StreamName, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeStream) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func mustRun(t *testing.T, p *outbound.Publisher) {
	t.Helper()
	p.Close()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPublisher_Subjects(t *testing.T) {
	js := &fakeStream{}
	p := outbound.NewPublisher(js, 8, zerolog.Nop(), nil)

	out := &core.Outcome{ID: uuid.New(), Account: testutil.Key(1), State: state.CandidateLostRace}
	if err := p.Record(context.Background(), out); err != nil {
		t.Fatalf("Record: %v", err)
	}
	p.RecordCycle(&core.CycleReport{Slot: 42})
	mustRun(t, p)

	msgs := js.all()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].subject != "liquidator.outcomes.lostrace" {
		t.Errorf("outcome subject = %s", msgs[0].subject)
	}
	if msgs[1].subject != "liquidator.cycles" {
		t.Errorf("cycle subject = %s", msgs[1].subject)
	}

	var env event.Envelope
	if err := json.Unmarshal(msgs[0].data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var payload event.OutcomeEvent
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != out.ID || payload.State != "LostRace" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	p := outbound.NewPublisher(&fakeStream{}, 1, zerolog.Nop(), nil)
	out := &core.Outcome{ID: uuid.New(), Account: testutil.Key(1), State: state.CandidateConfirmed}

	if err := p.Record(context.Background(), out); err != nil {
		t.Fatalf("first Record: %v", err)
	}
	if err := p.Record(context.Background(), out); err == nil {
		t.Error("expected the second Record to be dropped")
	}
}

func TestPublisher_PublishErrorIsNotFatal(t *testing.T) {
	js := &fakeStream{err: errors.New("no responders")}
	p := outbound.NewPublisher(js, 4, zerolog.Nop(), nil)
	p.RecordCycle(&core.CycleReport{})
	p.RecordCycle(&core.CycleReport{})

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	p.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

// ============================================================================
// Integration
// ============================================================================

func TestPublisher_JetStreamDeduplicatesOutcomes(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := outbound.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Fatalf("ConnectNATS: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := outbound.EnsureStream(ctx, js, zerolog.Nop()); err != nil {
		t.Fatalf("EnsureStream: %v", err)
	}
	stream, err := js.Stream(ctx, outbound.StreamName)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	before, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}

	p := outbound.NewPublisher(js, 8, zerolog.Nop(), nil)
	out := &core.Outcome{ID: uuid.New(), Account: testutil.Key(1), State: state.CandidateConfirmed}
	for i := 0; i < 2; i++ {
		if err := p.Record(ctx, out); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	mustRun(t, p)

	after, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if got := after.State.Msgs - before.State.Msgs; got != 1 {
		t.Errorf("stream grew by %d messages, want 1", got)
	}
}
