package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meridianware/lib-outbox/codec"
	"github.com/meridianware/lib-outbox/log"
)

const testHexKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

type fakeStore struct {
	mu      sync.Mutex
	records []*Record

	listErr          error
	markProcessedErr error
}

func newFakeStore(records ...*Record) *fakeStore {
	return &fakeStore{records: records}
}

func (store *fakeStore) CreateWithTx(_ context.Context, _ Tx, record *Record) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	store.records = append(store.records, record)

	return nil
}

func (store *fakeStore) ListUnprocessed(_ context.Context, limit int) ([]*Record, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.listErr != nil {
		return nil, store.listErr
	}

	var pending []*Record

	for _, record := range store.records {
		if record.Processed {
			continue
		}

		pending = append(pending, record)
		if len(pending) == limit {
			break
		}
	}

	return pending, nil
}

func (store *fakeStore) MarkProcessed(_ context.Context, id uuid.UUID, processedAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.markProcessedErr != nil {
		return store.markProcessedErr
	}

	for _, record := range store.records {
		if record.ID == id && !record.Processed {
			record.Processed = true
			at := processedAt

			record.ProcessedAt = &at
		}
	}

	return nil
}

func (store *fakeStore) IncrementRetry(_ context.Context, id uuid.UUID) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, record := range store.records {
		if record.ID == id {
			record.RetryCount++
		}
	}

	return nil
}

func (store *fakeStore) find(id uuid.UUID) *Record {
	store.mu.Lock()
	defer store.mu.Unlock()

	for _, record := range store.records {
		if record.ID == id {
			return record
		}
	}

	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
	failOn    map[uuid.UUID]error

	block   chan struct{}
	started chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{failOn: make(map[uuid.UUID]error)}
}

func (publisher *fakePublisher) Publish(_ context.Context, record *Record, body []byte) error {
	if publisher.started != nil {
		publisher.started <- struct{}{}
	}

	if publisher.block != nil {
		<-publisher.block
	}

	if err, exists := publisher.failOn[record.ID]; exists {
		return err
	}

	if len(body) == 0 {
		return errors.New("empty body")
	}

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	publisher.published = append(publisher.published, record.ID)

	return nil
}

func (publisher *fakePublisher) publishedIDs() []uuid.UUID {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	return append([]uuid.UUID(nil), publisher.published...)
}

func testRecord(t *testing.T, createdAt time.Time) *Record {
	t.Helper()

	record, err := NewRecord(uuid.New(), "OrderPlaced", []byte(`{"total":42}`), createdAt)
	require.NoError(t, err)

	return record
}

func newTestDispatcher(t *testing.T, store Store, publisher Publisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	pipeline, err := codec.NewPipeline(testHexKey)
	require.NoError(t, err)

	dispatcher, err := NewDispatcher(
		store,
		publisher,
		pipeline,
		log.NewNop(),
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	pipeline, err := codec.NewPipeline(testHexKey)
	require.NoError(t, err)

	tests := []struct {
		name      string
		store     Store
		publisher Publisher
		pipeline  *codec.Pipeline
		expected  error
	}{
		{
			name:      "nil store",
			store:     nil,
			publisher: newFakePublisher(),
			pipeline:  pipeline,
			expected:  ErrStoreRequired,
		},
		{
			name:      "nil publisher",
			store:     newFakeStore(),
			publisher: nil,
			pipeline:  pipeline,
			expected:  ErrPublisherRequired,
		},
		{
			name:      "nil pipeline",
			store:     newFakeStore(),
			publisher: newFakePublisher(),
			pipeline:  nil,
			expected:  ErrPipelineRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewDispatcher(tt.store, tt.publisher, tt.pipeline, log.NewNop(), nil)

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestDispatcher_Drain_PublishesInCreatedAtOrder(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()
	first := testRecord(t, base.Add(-3*time.Minute))
	second := testRecord(t, base.Add(-2*time.Minute))
	third := testRecord(t, base.Add(-1*time.Minute))

	store := newFakeStore(first, second, third)
	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher)

	result := dispatcher.Drain(context.Background())

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, result.Published)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID, third.ID}, publisher.publishedIDs())

	for _, record := range []*Record{first, second, third} {
		stored := store.find(record.ID)
		require.NotNil(t, stored)
		assert.True(t, stored.Processed)
		require.NotNil(t, stored.ProcessedAt)
	}
}

func TestDispatcher_Drain_HaltsOnPublishFailure(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()
	first := testRecord(t, base.Add(-3*time.Minute))
	second := testRecord(t, base.Add(-2*time.Minute))
	third := testRecord(t, base.Add(-1*time.Minute))

	store := newFakeStore(first, second, third)
	publisher := newFakePublisher()
	publisher.failOn[second.ID] = errors.New("broker unavailable")

	dispatcher := newTestDispatcher(t, store, publisher)

	result := dispatcher.Drain(context.Background())

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Published)
	assert.Equal(t, 1, result.Failed)

	// Only the record before the failure was published; the one after the
	// failed record stays queued so it cannot overtake it.
	assert.Equal(t, []uuid.UUID{first.ID}, publisher.publishedIDs())
	assert.True(t, store.find(first.ID).Processed)
	assert.False(t, store.find(second.ID).Processed)
	assert.False(t, store.find(third.ID).Processed)
	assert.Equal(t, 1, store.find(second.ID).RetryCount)
	assert.Equal(t, 0, store.find(third.ID).RetryCount)
}

func TestDispatcher_Drain_RetryCountAccumulates(t *testing.T) {
	t.Parallel()

	record := testRecord(t, time.Now().UTC())
	store := newFakeStore(record)
	publisher := newFakePublisher()
	publisher.failOn[record.ID] = errors.New("broker unavailable")

	dispatcher := newTestDispatcher(t, store, publisher)

	dispatcher.Drain(context.Background())
	dispatcher.Drain(context.Background())

	assert.Equal(t, 2, store.find(record.ID).RetryCount)
	assert.False(t, store.find(record.ID).Processed)

	// Broker recovers; the record drains on the next pass.
	delete(publisher.failOn, record.ID)

	result := dispatcher.Drain(context.Background())

	assert.Equal(t, 1, result.Published)
	assert.True(t, store.find(record.ID).Processed)
	assert.Equal(t, 2, store.find(record.ID).RetryCount)
}

func TestDispatcher_Drain_MarkProcessedFailureKeepsDraining(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()
	first := testRecord(t, base.Add(-2*time.Minute))
	second := testRecord(t, base.Add(-1*time.Minute))

	store := newFakeStore(first, second)
	store.markProcessedErr = errors.New("connection reset")

	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher)

	result := dispatcher.Drain(context.Background())

	// Both publish; neither is marked. At-least-once means both will be
	// republished next pass.
	assert.Equal(t, 2, result.Published)
	assert.Equal(t, 2, result.StateUpdateFailed)
	assert.False(t, store.find(first.ID).Processed)
	assert.False(t, store.find(second.ID).Processed)
}

func TestDispatcher_Drain_ListFailureReturnsEmptyResult(t *testing.T) {
	t.Parallel()

	store := newFakeStore(testRecord(t, time.Now().UTC()))
	store.listErr = errors.New("database down")

	dispatcher := newTestDispatcher(t, store, newFakePublisher())

	result := dispatcher.Drain(context.Background())

	assert.Equal(t, DrainResult{}, result)
}

func TestDispatcher_Drain_SingleFlight(t *testing.T) {
	t.Parallel()

	record := testRecord(t, time.Now().UTC())
	store := newFakeStore(record)

	publisher := newFakePublisher()
	publisher.block = make(chan struct{})
	publisher.started = make(chan struct{}, 1)

	dispatcher := newTestDispatcher(t, store, publisher)

	firstDone := make(chan DrainResult, 1)

	go func() {
		firstDone <- dispatcher.Drain(context.Background())
	}()

	<-publisher.started

	// A second trigger while the first pass is publishing must not start a
	// concurrent pass.
	overlapping := dispatcher.Drain(context.Background())
	assert.True(t, overlapping.Skipped)

	close(publisher.block)

	first := <-firstDone
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Published)
}

func TestDispatcher_Drain_Idempotence(t *testing.T) {
	t.Parallel()

	record := testRecord(t, time.Now().UTC())
	store := newFakeStore(record)
	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher)

	first := dispatcher.Drain(context.Background())
	second := dispatcher.Drain(context.Background())

	assert.Equal(t, 1, first.Published)
	assert.Equal(t, 0, second.Processed)
	assert.Len(t, publisher.publishedIDs(), 1)
}

func TestDispatcher_Drain_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC()
	store := newFakeStore(
		testRecord(t, base.Add(-3*time.Minute)),
		testRecord(t, base.Add(-2*time.Minute)),
		testRecord(t, base.Add(-1*time.Minute)),
	)

	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher, WithBatchSize(2))

	result := dispatcher.Drain(context.Background())

	assert.Equal(t, 2, result.Published)
}

func TestDispatcher_RunAndShutdown(t *testing.T) {
	t.Parallel()

	record := testRecord(t, time.Now().UTC())
	store := newFakeStore(record)
	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher, WithDrainInterval(50*time.Millisecond))

	runDone := make(chan error, 1)

	go func() {
		runDone <- dispatcher.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		stored := store.find(record.ID)

		return stored != nil && stored.Processed
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(ctx))
	require.NoError(t, <-runDone)
}

func TestDispatcher_Run_RejectsSecondLoop(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(
		t,
		newFakeStore(),
		newFakePublisher(),
		WithDrainInterval(time.Hour),
	)

	runDone := make(chan error, 1)

	go func() {
		runDone <- dispatcher.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, 2*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, dispatcher.Run(context.Background()), ErrDispatcherRunning)

	dispatcher.Stop()
	require.NoError(t, <-runDone)
}

func TestDispatcher_StopAndRestartCycle(t *testing.T) {
	t.Parallel()

	record := testRecord(t, time.Now().UTC())
	store := newFakeStore(record)
	publisher := newFakePublisher()
	dispatcher := newTestDispatcher(t, store, publisher, WithDrainInterval(time.Hour))

	runLoop := func() chan error {
		runDone := make(chan error, 1)

		go func() {
			runDone <- dispatcher.Run(context.Background())
		}()

		return runDone
	}

	runDone := runLoop()

	require.Eventually(t, func() bool {
		stored := store.find(record.ID)

		return stored != nil && stored.Processed
	}, 2*time.Second, 10*time.Millisecond)

	// Concurrent Stop calls must collapse into one close of the stop signal.
	var stoppers sync.WaitGroup

	for range 3 {
		stoppers.Add(1)

		go func() {
			defer stoppers.Done()

			dispatcher.Stop()
		}()
	}

	stoppers.Wait()
	require.NoError(t, <-runDone)

	// A restart after a stop gets a fresh stop signal and drains again.
	late := testRecord(t, time.Now().UTC())
	require.NoError(t, store.CreateWithTx(context.Background(), nil, late))

	runDone = runLoop()

	require.Eventually(t, func() bool {
		stored := store.find(late.ID)

		return stored != nil && stored.Processed
	}, 2*time.Second, 10*time.Millisecond)

	dispatcher.Stop()
	require.NoError(t, <-runDone)

	assert.NotPanics(t, dispatcher.Stop)
}
