// Package httpclient provides the resilient client used whenever
// OneHaven acts as the caller of a third-party HTTP API.
//
// One Client composes three guards around a single outbound call: a
// circuit breaker that fails fast during a dependency outage, a
// leaky-gate rate limiter that spaces calls, and bounded retry with
// exponential backoff on transient failures. Both breaker and gate are
// injected per logical dependency; the package keeps no global state.
package httpclient
