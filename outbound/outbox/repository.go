package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Tx is the transactional handle used by Enqueue.
//
// It intentionally aliases *sql.Tx so the ledger contract plugs straight
// into existing database/sql transaction orchestration: the event insert
// runs inside the caller's transaction and shares its fate with the
// business change it reports.
type Tx = *sql.Tx

// Ledger defines persistence operations for outbox events.
//
// Events are created by Enqueue and mutated exclusively by the
// dispatcher; nothing in this subsystem deletes them.
type Ledger interface {
	// Enqueue inserts one pending event inside the given transaction.
	// A nil tx inserts outside any transaction (tests, backfills).
	Enqueue(ctx context.Context, tx Tx, eventType string, payload json.RawMessage) (*Event, error)

	// ListDue returns up to limit events with status=pending,
	// attempts<maxAttempts, and no future backoff gate, ordered by id
	// ascending (oldest first).
	ListDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*Event, error)

	// CountDue reports how many events ListDue would currently consider.
	CountDue(ctx context.Context, maxAttempts int, now time.Time) (int, error)

	GetByID(ctx context.Context, id int64) (*Event, error)

	// MarkDelivered finalizes a successful pass: status=delivered,
	// delivered_at set, backoff gate and last error cleared.
	MarkDelivered(ctx context.Context, id int64, attempts int, deliveredAt time.Time) error

	// MarkRetry records a failed pass that still has budget: attempts
	// advanced, backoff gate pushed out, last error overwritten.
	MarkRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error

	// MarkFailed records terminal exhaustion: status=failed, backoff
	// gate cleared, last error retained for observability reads.
	MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error
}
