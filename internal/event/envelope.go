package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for outbound payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOutcome
	EventTypeCycle
)

func (et EventType) String() string {
	switch et {
	case EventTypeOutcome:
		return "LiquidationOutcome"
	case EventTypeCycle:
		return "CycleCompleted"
	default:
		return "Unknown"
	}
}

// SubjectPrefix is the root of every published subject.
const SubjectPrefix = "liquidator"

// Envelope wraps every published event.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Slot      uint64          `json:"slot"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Event is implemented by every outbound payload.
type Event interface {
	EventType() EventType

	// Subject is the NATS subject the event is published on.
	Subject() string

	// EventSlot is the ledger slot the event refers to.
	EventSlot() uint64
}

// Wrap encodes e into an envelope.
func Wrap(e Event, at time.Time) (*Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}
	return &Envelope{
		ID:        uuid.New(),
		Type:      e.EventType().String(),
		Subject:   e.Subject(),
		Slot:      e.EventSlot(),
		Timestamp: at.UTC(),
		Payload:   payload,
	}, nil
}
