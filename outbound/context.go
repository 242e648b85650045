package outbound

import (
	"context"

	"github.com/AzRea7/OneHaven/outbound/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingContextKey string

// TrackingContextKey is the context key used to store Tracking values.
var TrackingContextKey = trackingContextKey("outbound_tracking")

// Tracking holds the request-scoped facilities attached to a context.
type Tracking struct {
	Logger        log.Logger
	Tracer        trace.Tracer
	CorrelationID string
}

// ContextWithLogger returns a context carrying the given logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Logger = logger

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithTracer returns a context carrying the given tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	tracking := trackingFromContext(ctx)
	tracking.Tracer = tracer

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// ContextWithCorrelationID returns a context carrying a correlation id.
// Empty ids are replaced with a fresh UUID so every tracked unit of work
// stays individually addressable in logs.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	tracking := trackingFromContext(ctx)
	tracking.CorrelationID = correlationID

	return context.WithValue(ctx, TrackingContextKey, tracking)
}

// NewTrackingFromContext extracts tracking components with fail-safe
// fallbacks: a nop logger, the global tracer provider, and a fresh
// correlation id when none was attached.
func NewTrackingFromContext(ctx context.Context) Tracking {
	tracking := trackingFromContext(ctx)

	if tracking.Logger == nil {
		tracking.Logger = log.NewNop()
	}

	if tracking.Tracer == nil {
		tracking.Tracer = otel.GetTracerProvider().Tracer("outbound")
	}

	if tracking.CorrelationID == "" {
		tracking.CorrelationID = uuid.NewString()
	}

	return tracking
}

func trackingFromContext(ctx context.Context) Tracking {
	if ctx == nil {
		return Tracking{}
	}

	if tracking, ok := ctx.Value(TrackingContextKey).(Tracking); ok {
		return tracking
	}

	return Tracking{}
}
