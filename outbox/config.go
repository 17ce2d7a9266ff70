package outbox

import (
	"time"

	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDrainInterval = 10 * time.Second
	defaultBatchSize     = 50
)

// DispatcherConfig controls dispatcher polling and metric behavior.
type DispatcherConfig struct {
	// DrainInterval is the periodic interval between background drain passes.
	DrainInterval time.Duration
	// BatchSize is the max number of records drained per pass.
	BatchSize int
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DrainInterval: defaultDrainInterval,
		BatchSize:     defaultBatchSize,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaults.DrainInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDrainInterval sets the background drain polling interval.
func WithDrainInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DrainInterval = interval
		}
	}
}

// WithBatchSize sets the maximum records drained in one pass.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
