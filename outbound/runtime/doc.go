// Package runtime provides panic-safety helpers for long-lived worker
// goroutines such as the outbox dispatch loop.
package runtime
