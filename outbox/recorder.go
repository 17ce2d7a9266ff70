package outbox

import (
	"context"
	"fmt"

	"github.com/meridianware/lib-outbox/codec"
	"github.com/meridianware/lib-outbox/event"
	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
)

// Recorder serializes domain events and writes them to the outbox inside
// the caller's transaction.
//
// Serialization failures abort the operation. An event that cannot be
// serialized would otherwise be lost silently, so the error surfaces to the
// caller and rolls the transaction back.
type Recorder struct {
	store  Store
	logger log.Logger
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store Store, logger log.Logger) (*Recorder, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Recorder{store: store, logger: logger}, nil
}

// Record captures a single domain event in the outbox within tx.
func (recorder *Recorder) Record(ctx context.Context, tx Tx, evt event.Event) error {
	if nilcheck.Interface(evt) {
		return ErrEventRequired
	}

	payload, err := codec.Serialize(evt)
	if err != nil {
		return fmt.Errorf("serializing event %q: %w", evt.EventType(), err)
	}

	record, err := NewRecord(evt.EventID(), evt.EventType(), payload, evt.OccurredAt())
	if err != nil {
		return fmt.Errorf("building outbox record for event %q: %w", evt.EventType(), err)
	}

	if err := recorder.store.CreateWithTx(ctx, tx, record); err != nil {
		return fmt.Errorf("persisting outbox record %s: %w", record.ID, err)
	}

	recorder.logger.Log(ctx, log.LevelDebug, "domain event recorded",
		log.String("event_id", record.ID.String()),
		log.String("event_type", record.EventType),
	)

	return nil
}

// RecordAll captures events in order, stopping at the first failure.
func (recorder *Recorder) RecordAll(ctx context.Context, tx Tx, events []event.Event) error {
	for _, evt := range events {
		if err := recorder.Record(ctx, tx, evt); err != nil {
			return err
		}
	}

	return nil
}
