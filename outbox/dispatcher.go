package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/meridianware/lib-outbox/codec"
	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/opentelemetry"
	"github.com/meridianware/lib-outbox/runtime"
)

// Publisher delivers an encoded outbox record to the broker. The publisher
// owns per-message retry and circuit breaking; the dispatcher calls it once
// per record and halts the pass on failure.
type Publisher interface {
	Publish(ctx context.Context, record *Record, body []byte) error
}

// Dispatcher drains unprocessed outbox records to the broker.
//
// Two triggers share the same Drain entry point: the post-commit flush that
// a unit of work fires after a successful commit, and the background sweep
// run by Run. Drain is single-flight, so overlapping triggers collapse into
// one pass and per-pass ordering is preserved.
type Dispatcher struct {
	store     Store
	publisher Publisher
	pipeline  *codec.Pipeline
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig

	drainMu sync.Mutex

	stop       chan struct{}
	stopped    bool
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	drainWg    sync.WaitGroup

	metrics dispatcherMetrics
}

// DrainResult captures one drain pass outcome.
//
// A failed publish halts the pass. Everything before the failure is already
// published and marked; everything after stays queued for the next pass, so
// broker-visible order follows CreatedAt order.
type DrainResult struct {
	Processed         int
	Published         int
	Failed            int
	StateUpdateFailed int
	Skipped           bool
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	store Store,
	publisher Publisher,
	pipeline *codec.Pipeline,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	if pipeline == nil {
		return nil, ErrPipelineRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("liboutbox.noop")
	}

	dispatcher := &Dispatcher{
		store:     store,
		publisher: publisher,
		pipeline:  pipeline,
		logger:    logger,
		tracer:    tracer,
		cfg:       DefaultDispatcherConfig(),
		stop:      make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the background sweep loop until Stop is called or ctx is
// cancelled. It drains once immediately so records left over from a crash
// are picked up without waiting a full interval.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.Duration("drain_interval", dispatcher.cfg.DrainInterval),
		log.Int("batch_size", dispatcher.cfg.BatchSize),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DrainInterval)
	defer ticker.Stop()

	dispatcher.sweepOnce(ctx, "outbox.dispatcher.initial_drain")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-dispatcher.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			dispatcher.sweepOnce(ctx, "outbox.dispatcher.sweep")
		}
	}
}

func (dispatcher *Dispatcher) sweepOnce(ctx context.Context, spanName string) {
	dispatcher.drainWg.Add(1)
	defer dispatcher.drainWg.Done()

	sweepCtx, span := dispatcher.tracer.Start(ctx, spanName)
	defer span.End()
	defer runtime.RecoverAndLog(sweepCtx, dispatcher.logger, "outbox", "dispatcher_sweep")

	result := dispatcher.Drain(sweepCtx)
	span.SetAttributes(
		attribute.Int("outbox.drain.processed", result.Processed),
		attribute.Int("outbox.drain.published", result.Published),
		attribute.Int("outbox.drain.failed", result.Failed),
		attribute.Bool("outbox.drain.skipped", result.Skipped),
	)
}

// Stop signals the sweep loop to stop. Safe to call repeatedly and
// concurrently; only the first call since the last Run closes the channel.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.runStateMu.Lock()
	alreadyStopped := dispatcher.stopped
	dispatcher.stopped = true
	cancel := dispatcher.cancelFunc
	stop := dispatcher.stop
	dispatcher.runStateMu.Unlock()

	if alreadyStopped {
		return
	}

	if cancel != nil {
		cancel()
	}

	if stop != nil {
		close(stop)
	}
}

// Shutdown stops the loop and waits for the in-flight drain pass.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", func() {
		dispatcher.drainWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// Drain runs one drain pass: list unprocessed records oldest first, publish
// each, mark processed. A publish failure bumps the record's retry counter
// and halts the pass so later records never overtake the failed one.
//
// Drain is single-flight. A call that finds a pass already running returns
// immediately with Skipped set; the running pass covers its records.
func (dispatcher *Dispatcher) Drain(ctx context.Context) DrainResult {
	if dispatcher == nil || dispatcher.store == nil || dispatcher.publisher == nil {
		return DrainResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !dispatcher.drainMu.TryLock() {
		return DrainResult{Skipped: true}
	}
	defer dispatcher.drainMu.Unlock()

	start := time.Now().UTC()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	records, err := dispatcher.store.ListUnprocessed(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to list unprocessed records", err)
		dispatcher.logger.Log(ctx, log.LevelError, "failed to list unprocessed outbox records",
			log.String("error", sanitizeError(err)),
		)

		return DrainResult{}
	}

	dispatcher.recordQueueDepth(ctx, int64(len(records)))

	var result DrainResult

	// At-least-once: publish happens before MarkProcessed. If persisting the
	// processed flag fails, the record is re-published next pass and
	// consumers must deduplicate on the event id.
	for _, record := range records {
		if ctx.Err() != nil {
			break
		}

		if record == nil {
			continue
		}

		result.Processed++

		if err := dispatcher.publishRecord(ctx, record); err != nil {
			result.Failed++

			dispatcher.handlePublishError(ctx, record, err)

			break
		}

		result.Published++

		if err := dispatcher.store.MarkProcessed(ctx, record.ID, time.Now().UTC()); err != nil {
			result.StateUpdateFailed++

			dispatcher.addStateUpdateFailure(ctx, 1)
			dispatcher.logger.Log(ctx, log.LevelError,
				"outbox record published but failed to persist processed state; record may be republished",
				log.String("record_id", record.ID.String()),
				log.String("error", sanitizeError(err)),
			)
		}
	}

	dispatcher.addPublished(ctx, int64(result.Published))
	dispatcher.addFailed(ctx, int64(result.Failed))
	dispatcher.recordDrainLatency(ctx, time.Since(start).Seconds())

	return result
}

func (dispatcher *Dispatcher) publishRecord(ctx context.Context, record *Record) error {
	body, err := dispatcher.pipeline.Encode(record.Payload)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", record.ID, err)
	}

	if err := dispatcher.publisher.Publish(ctx, record, body); err != nil {
		return fmt.Errorf("publishing record %s: %w", record.ID, err)
	}

	return nil
}

func (dispatcher *Dispatcher) handlePublishError(ctx context.Context, record *Record, err error) {
	dispatcher.logger.Log(ctx, log.LevelError, "outbox publish failed; halting drain pass",
		log.String("record_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.Int("retry_count", record.RetryCount),
		log.String("error", sanitizeError(err)),
	)

	if retryErr := dispatcher.store.IncrementRetry(ctx, record.ID); retryErr != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to increment outbox retry count",
			log.String("record_id", record.ID.String()),
			log.String("error", sanitizeError(retryErr)),
		)
	}
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	// A stale Stop may still close the channel it captured; replacing the
	// channel here means it only ever closes the previous run's signal.
	if dispatcher.stopped || dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopped = false
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func (dispatcher *Dispatcher) recordQueueDepth(ctx context.Context, depth int64) {
	if dispatcher.metrics.queueDepth == nil {
		return
	}

	dispatcher.metrics.queueDepth.Record(ctx, depth)
}

func (dispatcher *Dispatcher) addPublished(ctx context.Context, count int64) {
	if dispatcher.metrics.recordsPublished == nil || count <= 0 {
		return
	}

	dispatcher.metrics.recordsPublished.Add(ctx, count)
}

func (dispatcher *Dispatcher) addFailed(ctx context.Context, count int64) {
	if dispatcher.metrics.recordsFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.recordsFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) addStateUpdateFailure(ctx context.Context, count int64) {
	if dispatcher.metrics.recordsStateFailed == nil || count <= 0 {
		return
	}

	dispatcher.metrics.recordsStateFailed.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordDrainLatency(ctx context.Context, latencySeconds float64) {
	if dispatcher.metrics.drainLatency == nil {
		return
	}

	dispatcher.metrics.drainLatency.Record(ctx, latencySeconds)
}
