package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval = 30 * time.Second
	defaultBatchSize        = 50
	defaultMaxAttempts      = 10
	defaultBackoffBase      = 5 * time.Second
	defaultBackoffCap       = time.Hour
)

// DispatcherConfig controls dispatcher polling, batching, and retry behavior.
type DispatcherConfig struct {
	// DispatchInterval is the periodic interval between dispatch passes.
	DispatchInterval time.Duration
	// BatchSize is the max number of due events processed per pass.
	BatchSize int
	// MaxAttempts is the total delivery attempts before an event is
	// marked failed permanently.
	MaxAttempts int
	// RPS caps outbound deliveries per second across all sinks. Zero or
	// negative leaves dispatch unpaced.
	RPS float64
	// BackoffBase is the base delay for the per-event retry schedule.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential retry delay.
	BackoffCap time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: defaultDispatchInterval,
		BatchSize:        defaultBatchSize,
		MaxAttempts:      defaultMaxAttempts,
		RPS:              0,
		BackoffBase:      defaultBackoffBase,
		BackoffCap:       defaultBackoffCap,
		MeterProvider:    nil,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RPS < 0 {
		cfg.RPS = 0
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}

	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaults.BackoffCap
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the dispatch polling interval.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithBatchSize sets the maximum due events processed in one pass.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxAttempts sets the total delivery attempts per event.
func WithMaxAttempts(attempts int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.cfg.MaxAttempts = attempts
		}
	}
}

// WithRPS caps deliveries per second. Zero disables pacing.
func WithRPS(rps float64) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if rps >= 0 {
			dispatcher.cfg.RPS = rps
		}
	}
}

// WithBackoff sets the base and cap of the per-event retry schedule.
func WithBackoff(base, capDelay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.BackoffBase = base
		}

		if capDelay > 0 {
			dispatcher.cfg.BackoffCap = capDelay
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}

// WithClock overrides the dispatcher's time source. Intended for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}
