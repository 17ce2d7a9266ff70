package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPayloadBytes caps the serialized payload stored per record. Payloads
// above this size indicate an event that should reference data instead of
// embedding it.
const MaxPayloadBytes = 1 << 20

// Record is one pending or delivered message in the outbox table.
//
// ID is the domain event id, so retries of the same event never create a
// second row and consumers can deduplicate on it. CreatedAt orders the
// drain; records are published oldest first.
type Record struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"eventType"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"createdAtUtc"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processedAtUtc,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// NewRecord builds an unprocessed record for a serialized domain event.
func NewRecord(eventID uuid.UUID, eventType string, payload []byte, occurredAt time.Time) (*Record, error) {
	if eventID == uuid.Nil {
		return nil, ErrEventRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	return &Record{
		ID:        eventID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: occurredAt.UTC(),
	}, nil
}

func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return ErrPayloadNotJSON
	}

	return nil
}
