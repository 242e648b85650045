// Package outbox implements the transactional outbox half of the
// outbound reliability layer: a durable ledger of domain events written
// in the same transaction as the business change they report, and a
// dispatcher that delivers pending events to webhook sinks at-least-once
// with bounded retries, exponential backoff with jitter, and a terminal
// failure state.
//
// Receivers must deduplicate on the event id carried in every envelope:
// a retry of a partially-failed fan-out redelivers to sinks that already
// succeeded.
package outbox
