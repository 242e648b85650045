package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/AzRea7/OneHaven/outbound/backoff"
)

// Gate spaces calls at least 1/rps apart.
type Gate struct {
	mu       sync.Mutex
	minGap   time.Duration
	lastCall time.Time
	now      func() time.Time
}

// Option mutates gate construction.
type Option func(*Gate)

// WithClock overrides the time source. Nil clocks are ignored.
func WithClock(now func() time.Time) Option {
	return func(gate *Gate) {
		if now != nil {
			gate.now = now
		}
	}
}

// NewGate creates a gate enforcing at most rps calls per second.
// A non-positive rps disables the gate entirely.
func NewGate(rps float64, opts ...Option) *Gate {
	gate := &Gate{now: time.Now}

	if rps > 0 {
		gate.minGap = time.Duration(float64(time.Second) / rps)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}

	return gate
}

// Wait blocks until the minimum gap since the previous call has elapsed,
// then stamps the gate. The whole read-sleep-stamp sequence holds the
// gate mutex so concurrent callers pass through one at a time.
func (gate *Gate) Wait(ctx context.Context) error {
	if gate == nil || gate.minGap <= 0 {
		return nil
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	wait := gate.lastCall.Add(gate.minGap).Sub(gate.now())
	if wait > 0 {
		if err := backoff.SleepWithContext(ctx, wait); err != nil {
			return err
		}
	}

	gate.lastCall = gate.now()

	return nil
}

// MinGap returns the enforced spacing between calls. Zero means the gate
// is disabled.
func (gate *Gate) MinGap() time.Duration {
	if gate == nil {
		return 0
	}

	return gate.minGap
}
