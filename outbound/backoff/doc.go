// Package backoff provides exponential backoff utilities with jitter
// support used by the outbox dispatcher and the resilient HTTP client.
package backoff
