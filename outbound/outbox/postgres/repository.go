package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/AzRea7/OneHaven/outbound"
	"github.com/AzRea7/OneHaven/outbound/log"
	"github.com/AzRea7/OneHaven/outbound/outbox"
	libPostgres "github.com/AzRea7/OneHaven/outbound/postgres"
)

var (
	ErrConnectionRequired        = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized  = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive       = errors.New("limit must be greater than zero")
	ErrMaxAttemptsMustBePositive = errors.New("maxAttempts must be greater than zero")
	ErrIDRequired                = errors.New("id is required")
	ErrStateTransitionConflict   = errors.New("outbox event state transition conflict")
	ErrInvalidIdentifier         = errors.New("invalid sql identifier")
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	maxSQLIdentifierLength = 63
	defaultTableName       = "outbox_events"

	outboxColumns = "id, event_type, payload, status, attempts, next_attempt_at, last_error, created_at, delivered_at"
)

// querier is the subset of database/sql shared by pools and transactions.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Option mutates repository construction.
type Option func(*Repository)

// WithLogger overrides the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	connection *libPostgres.Connection
	logger     log.Logger
	tableName  string
}

var _ outbox.Ledger = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox ledger.
func NewRepository(connection *libPostgres.Connection, opts ...Option) (*Repository, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		connection: connection,
		logger:     log.NewNop(),
		tableName:  defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = defaultTableName
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Enqueue inserts one pending event. A non-nil tx makes the insert share
// the caller's transaction; commit and rollback stay in the caller's
// hands so the event and the business change land atomically.
func (repo *Repository) Enqueue(
	ctx context.Context,
	tx outbox.Tx,
	eventType string,
	payload json.RawMessage,
) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	event, err := outbox.NewEvent(eventType, payload)
	if err != nil {
		return nil, err
	}

	tracking := outbound.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.enqueue_outbox_event")
	defer span.End()

	runner, err := repo.runner(ctx, tx)
	if err != nil {
		return nil, err
	}

	query := "INSERT INTO " + repo.table() +
		" (event_type, payload, status, attempts, created_at)" +
		" VALUES ($1, $2, $3, $4, $5) RETURNING " + outboxColumns

	row := runner.QueryRowContext(ctx, query,
		event.EventType,
		[]byte(event.Payload),
		event.Status.String(),
		event.Attempts,
		event.CreatedAt,
	)

	created, err := scanEvent(row)
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to enqueue outbox event", err)

		return nil, fmt.Errorf("enqueuing outbox event: %w", err)
	}

	return created, nil
}

// ListDue retrieves due pending events oldest first.
func (repo *Repository) ListDue(ctx context.Context, limit, maxAttempts int, now time.Time) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxAttempts <= 0 {
		return nil, ErrMaxAttemptsMustBePositive
	}

	tracking := outbound.NewTrackingFromContext(ctx)

	ctx, span := tracking.Tracer.Start(ctx, "postgres.list_outbox_due")
	defer span.End()

	runner, err := repo.runner(ctx, nil)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.table() +
		" WHERE status = $1 AND attempts < $2" +
		" AND (next_attempt_at IS NULL OR next_attempt_at <= $3)" +
		" ORDER BY id ASC LIMIT $4"

	rows, err := runner.QueryContext(ctx, query, outbox.StatusPending.String(), maxAttempts, now, limit)
	if err != nil {
		span.RecordError(err)
		repo.logError(ctx, "failed to list due outbox events", err)

		return nil, fmt.Errorf("listing due outbox events: %w", err)
	}

	defer rows.Close()

	events := make([]*outbox.Event, 0, limit)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

// CountDue reports how many events ListDue would currently consider.
func (repo *Repository) CountDue(ctx context.Context, maxAttempts int, now time.Time) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	if maxAttempts <= 0 {
		return 0, ErrMaxAttemptsMustBePositive
	}

	runner, err := repo.runner(ctx, nil)
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM " + repo.table() +
		" WHERE status = $1 AND attempts < $2" +
		" AND (next_attempt_at IS NULL OR next_attempt_at <= $3)"

	var count int
	if err := runner.QueryRowContext(ctx, query, outbox.StatusPending.String(), maxAttempts, now).Scan(&count); err != nil {
		repo.logError(ctx, "failed to count due outbox events", err)

		return 0, fmt.Errorf("counting due outbox events: %w", err)
	}

	return count, nil
}

// GetByID retrieves an outbox event by id.
func (repo *Repository) GetByID(ctx context.Context, id int64) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id <= 0 {
		return nil, ErrIDRequired
	}

	runner, err := repo.runner(ctx, nil)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.table() + " WHERE id = $1"

	event, err := scanEvent(runner.QueryRowContext(ctx, query, id))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			repo.logError(ctx, "failed to get outbox event", err)
		}

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return event, nil
}

// MarkDelivered finalizes a successful pass. Only pending events accept
// the transition; anything else reports a conflict.
func (repo *Repository) MarkDelivered(ctx context.Context, id int64, attempts int, deliveredAt time.Time) error {
	query := "UPDATE " + repo.table() +
		" SET status = $1, attempts = $2, delivered_at = $3, next_attempt_at = NULL, last_error = ''" +
		" WHERE id = $4 AND status = $5"

	return repo.execTransition(ctx, "failed to mark outbox event delivered", query,
		outbox.StatusDelivered.String(), attempts, deliveredAt, id, outbox.StatusPending.String())
}

// MarkRetry records a failed pass that still has budget.
func (repo *Repository) MarkRetry(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	query := "UPDATE " + repo.table() +
		" SET attempts = $1, next_attempt_at = $2, last_error = $3" +
		" WHERE id = $4 AND status = $5"

	return repo.execTransition(ctx, "failed to mark outbox event for retry", query,
		attempts, nextAttemptAt, lastError, id, outbox.StatusPending.String())
}

// MarkFailed records terminal exhaustion, keeping last_error readable.
func (repo *Repository) MarkFailed(ctx context.Context, id int64, attempts int, lastError string) error {
	query := "UPDATE " + repo.table() +
		" SET status = $1, attempts = $2, next_attempt_at = NULL, last_error = $3" +
		" WHERE id = $4 AND status = $5"

	return repo.execTransition(ctx, "failed to mark outbox event failed", query,
		outbox.StatusFailed.String(), attempts, lastError, id, outbox.StatusPending.String())
}

func (repo *Repository) execTransition(ctx context.Context, logMsg, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	runner, err := repo.runner(ctx, nil)
	if err != nil {
		return err
	}

	result, err := runner.ExecContext(ctx, query, args...)
	if err != nil {
		repo.logError(ctx, logMsg, err)

		return fmt.Errorf("updating outbox event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}

	if affected == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.connection != nil
}

// runner picks the caller's transaction when present, the resolver pool
// otherwise.
func (repo *Repository) runner(ctx context.Context, tx outbox.Tx) (querier, error) {
	if tx != nil {
		return tx, nil
	}

	db, err := repo.connection.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}

	return db, nil
}

func (repo *Repository) table() string {
	return quoteIdentifier(repo.tableName)
}

func (repo *Repository) logError(ctx context.Context, msg string, err error) {
	repo.logger.Log(ctx, log.LevelError, msg,
		log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		event         outbox.Event
		status        string
		payload       []byte
		nextAttemptAt sql.NullTime
		lastError     sql.NullString
		deliveredAt   sql.NullTime
	)

	err := row.Scan(
		&event.ID,
		&event.EventType,
		&payload,
		&status,
		&event.Attempts,
		&nextAttemptAt,
		&lastError,
		&event.CreatedAt,
		&deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	parsedStatus, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	event.Status = parsedStatus
	event.Payload = json.RawMessage(payload)
	event.LastError = lastError.String

	if nextAttemptAt.Valid {
		value := nextAttemptAt.Time
		event.NextAttemptAt = &value
	}

	if deliveredAt.Valid {
		value := deliveredAt.Time
		event.DeliveredAt = &value
	}

	return &event, nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + identifier + `"`
}
