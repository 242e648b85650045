package circuitbreaker

import (
	"sync"
	"time"
)

const (
	defaultFailThreshold = 5
	defaultResetWindow   = 60 * time.Second
)

// Config holds circuit breaker configuration.
type Config struct {
	// FailThreshold is the number of consecutive failures that opens the breaker.
	FailThreshold int
	// ResetWindow is how long the breaker stays open before calls resume.
	ResetWindow time.Duration
}

// DefaultConfig returns the baseline breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailThreshold: defaultFailThreshold,
		ResetWindow:   defaultResetWindow,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = defaults.FailThreshold
	}

	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = defaults.ResetWindow
	}
}

// State is a point-in-time snapshot of breaker counters.
type State struct {
	ConsecutiveFailures int
	OpenedAt            time.Time
}

// Open reports whether the snapshot represents an open breaker.
func (state State) Open() bool {
	return !state.OpenedAt.IsZero()
}

// Breaker tracks consecutive failures for one logical dependency.
//
// All methods are safe for concurrent use; the counters sit behind a
// mutex because callers may run on parallel goroutines.
type Breaker struct {
	mu                  sync.Mutex
	cfg                 Config
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time
}

// Option mutates breaker construction.
type Option func(*Breaker)

// WithClock overrides the time source. Nil clocks are ignored.
func WithClock(now func() time.Time) Option {
	return func(breaker *Breaker) {
		if now != nil {
			breaker.now = now
		}
	}
}

// New creates a breaker with the given configuration.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.normalize()

	breaker := &Breaker{
		cfg: cfg,
		now: time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(breaker)
		}
	}

	return breaker
}

// IsOpen reports whether the breaker currently rejects calls.
//
// An expired window closes the breaker as a side effect, so the counters
// restart cleanly when traffic resumes.
func (breaker *Breaker) IsOpen() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	if breaker.openedAt.IsZero() {
		return false
	}

	if breaker.now().Sub(breaker.openedAt) >= breaker.cfg.ResetWindow {
		breaker.consecutiveFailures = 0
		breaker.openedAt = time.Time{}

		return false
	}

	return true
}

// RecordSuccess resets the failure counter and closes the breaker.
func (breaker *Breaker) RecordSuccess() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	breaker.consecutiveFailures = 0
	breaker.openedAt = time.Time{}
}

// RecordFailure increments the failure counter and opens the breaker once
// the threshold is crossed. Failures recorded while already open extend
// the counter but keep the original opening timestamp.
func (breaker *Breaker) RecordFailure() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	breaker.consecutiveFailures++

	if breaker.consecutiveFailures >= breaker.cfg.FailThreshold && breaker.openedAt.IsZero() {
		breaker.openedAt = breaker.now()
	}
}

// State returns a snapshot of the breaker counters.
func (breaker *Breaker) State() State {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	return State{
		ConsecutiveFailures: breaker.consecutiveFailures,
		OpenedAt:            breaker.openedAt,
	}
}
