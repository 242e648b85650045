package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Sink delivers one event envelope to one external destination.
//
// Implementations never retry internally; all retry policy lives in the
// dispatcher.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, eventType string, data map[string]any) error
}

// SinkProvider supplies the enabled sinks for one dispatch pass.
//
// The dispatcher snapshots the result once per pass, so mid-pass
// configuration changes take effect on the next pass.
type SinkProvider interface {
	EnabledSinks(ctx context.Context) ([]Sink, error)
}

// SinkConfig describes one configured delivery destination.
type SinkConfig struct {
	Name     string `validate:"required"`
	Enabled  bool
	Endpoint string `validate:"required,url"`
	// Secret, when set, enables HMAC-SHA256 payload signing.
	Secret  string
	Timeout time.Duration
}

var sinkConfigValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural problems.
func (cfg SinkConfig) Validate() error {
	if err := sinkConfigValidator.Struct(cfg); err != nil {
		return fmt.Errorf("sink config %q: %w", cfg.Name, err)
	}

	return nil
}

// StaticSinkProvider serves a fixed sink snapshot. Useful for tests and
// for callers that resolve configuration elsewhere.
type StaticSinkProvider struct {
	sinks []Sink
}

// NewStaticSinkProvider creates a provider over a fixed sink set.
func NewStaticSinkProvider(sinks ...Sink) *StaticSinkProvider {
	return &StaticSinkProvider{sinks: sinks}
}

// EnabledSinks returns a copy of the configured sink set.
func (provider *StaticSinkProvider) EnabledSinks(context.Context) ([]Sink, error) {
	if provider == nil || len(provider.sinks) == 0 {
		return nil, nil
	}

	return append([]Sink(nil), provider.sinks...), nil
}
