package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PerpLiquidator/internal/core"
	"PerpLiquidator/internal/event"
	"PerpLiquidator/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName is the JetStream stream holding every liquidator event.
const StreamName = "LIQUIDATOR_EVENTS"

// StreamPublisher is the subset of jetstream.JetStream used here.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher publishes outcomes and cycle summaries for downstream
// consumers. Subjects are liquidator.outcomes.<state> and
// liquidator.cycles. Publishing never blocks the keeper: events are queued
// and dropped when the queue is full, since the journal is the system of
// record.
type Publisher struct {
	js      StreamPublisher
	input   chan event.Event
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPublisher(js StreamPublisher, bufferSize int, log zerolog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:      js,
		input:   make(chan event.Event, bufferSize),
		log:     log,
		metrics: metrics,
	}
}

// Record implements core.OutcomeSink.
func (p *Publisher) Record(_ context.Context, o *core.Outcome) error {
	if !p.enqueue(event.FromOutcome(o)) {
		return fmt.Errorf("publish queue full, dropped outcome %s", o.ID)
	}
	return nil
}

// RecordCycle queues a cycle summary.
func (p *Publisher) RecordCycle(r *core.CycleReport) {
	p.enqueue(event.FromCycle(r))
}

func (p *Publisher) enqueue(e event.Event) bool {
	select {
	case p.input <- e:
		return true
	default:
		p.countError()
		return false
	}
}

// Close stops accepting events; Run publishes what is queued and returns.
func (p *Publisher) Close() {
	close(p.input)
}

// Run publishes queued events until ctx is cancelled or Close is called.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: consumers can read the journal.
				p.countError()
				p.log.Warn().Err(err).Str("subject", e.Subject()).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, e event.Event) error {
	env, err := event.Wrap(e, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// Outcome ids are stable, so the stream deduplicates a republish.
	msgID := env.ID.String()
	if o, ok := e.(*event.OutcomeEvent); ok {
		msgID = o.ID.String()
	}

	_, err = p.js.Publish(ctx, env.Subject, data, jetstream.WithMsgID(msgID))
	return err
}

func (p *Publisher) countError() {
	if p.metrics != nil {
		p.metrics.PublishErrors.Inc()
	}
}

// EnsureStream creates the outbound stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{event.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	log.Info().Str("stream", StreamName).Msg("ensured outbound stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-liquidator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
