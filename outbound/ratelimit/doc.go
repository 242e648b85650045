// Package ratelimit provides a leaky-gate limiter that enforces a
// minimum spacing between outbound calls to one logical dependency.
//
// Unlike a token bucket it carries no burst budget: every caller passes
// through a mutex-guarded gate that stamps the last call time, so
// concurrent callers serialize instead of observing a stale timestamp
// and bursting.
package ratelimit
