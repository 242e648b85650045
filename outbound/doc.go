// Package outbound is the root of OneHaven's outbound reliability layer.
//
// Two halves share the same primitives (bounded retry, backoff,
// failure-aware throttling, idempotent replay):
//
//   - push: a transactional outbox (outbound/outbox) that records domain
//     events in the same database transaction as the business change and
//     delivers them to webhook sinks at-least-once, with exponential
//     backoff and a terminal failure state;
//   - pull: a resilient HTTP client (outbound/httpclient) that wraps
//     third-party API calls with a circuit breaker, a leaky-gate rate
//     limiter, and bounded retry.
//
// This root package carries the request-scoped tracking facilities
// (logger, tracer, correlation id) that the subpackages extract from
// context.
package outbound
