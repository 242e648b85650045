package outbox

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultMaxPayloadBytes bounds the serialized payload stored per event.
const DefaultMaxPayloadBytes = 1 << 20

// Event is one domain event recorded in the outbox ledger.
//
// The id is assigned monotonically by storage and doubles as the FIFO
// ordering key and the receiver-side idempotency token. The payload is
// serialized at enqueue time and never mutated afterward.
type Event struct {
	ID            int64
	EventType     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
	DeliveredAt   *time.Time
}

// Due reports whether the event is eligible for the next dispatch batch:
// still pending, under the attempt budget, and past any backoff gate.
func (event *Event) Due(now time.Time, maxAttempts int) bool {
	if event == nil || event.Status != StatusPending {
		return false
	}

	if event.Attempts >= maxAttempts {
		return false
	}

	if event.NextAttemptAt != nil && event.NextAttemptAt.After(now) {
		return false
	}

	return true
}

// NewEvent creates a valid outbox event initialized as pending.
//
// The payload must be a JSON object so the dispatcher can merge the
// event id into the delivery envelope.
func NewEvent(eventType string, payload json.RawMessage) (*Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrEventPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrEventPayloadTooLarge
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(payload, &object); err != nil {
		return nil, ErrEventPayloadNotJSON
	}

	return &Event{
		EventType: eventType,
		Payload:   payload,
		Status:    StatusPending,
		Attempts:  0,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// envelopeData builds the delivery payload for one event: the original
// payload fields plus the event id receivers dedupe on.
func (event *Event) envelopeData() (map[string]any, error) {
	data := make(map[string]any)

	if err := json.Unmarshal(event.Payload, &data); err != nil {
		return nil, err
	}

	data["event_id"] = event.ID

	return data, nil
}
