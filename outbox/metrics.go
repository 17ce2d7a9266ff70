package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	recordsPublished   metric.Int64Counter
	recordsFailed      metric.Int64Counter
	recordsStateFailed metric.Int64Counter
	drainLatency       metric.Float64Histogram
	queueDepth         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("liboutbox.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.recordsPublished, err = meter.Int64Counter(
		"outbox.records.published",
		metric.WithDescription("Number of outbox records successfully published"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.published counter: %w", err)
	}

	metrics.recordsFailed, err = meter.Int64Counter(
		"outbox.records.failed",
		metric.WithDescription("Number of outbox records that failed to publish"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.failed counter: %w", err)
	}

	metrics.recordsStateFailed, err = meter.Int64Counter(
		"outbox.records.state_update_failed",
		metric.WithDescription("Number of outbox records published but not persisted as processed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.records.state_update_failed counter: %w", err)
	}

	metrics.drainLatency, err = meter.Float64Histogram(
		"outbox.drain.latency",
		metric.WithDescription("Time taken per drain pass"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.drain.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of unprocessed outbox records selected in a drain pass"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
