package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AzRea7/OneHaven/outbound/log"
	"github.com/AzRea7/OneHaven/outbound/outbox"
	libPostgres "github.com/AzRea7/OneHaven/outbound/postgres"
)

var (
	ErrIntegrationNameRequired = errors.New("integration name is required")
	ErrIntegrationNotFound     = errors.New("integration not found")
)

const integrationColumns = "id, name, endpoint, secret, enabled, created_at, updated_at"

// Integration is one configured webhook destination, stored in the
// integrations table and exposed to the dispatcher as a sink.
type Integration struct {
	ID        int64
	Name      string
	Endpoint  string
	Secret    string
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IntegrationOption mutates integration store construction.
type IntegrationOption func(*IntegrationStore)

// WithIntegrationLogger overrides the store logger.
func WithIntegrationLogger(logger log.Logger) IntegrationOption {
	return func(store *IntegrationStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithSinkTimeout sets the per-delivery timeout applied to the webhook
// sinks built from stored integrations.
func WithSinkTimeout(timeout time.Duration) IntegrationOption {
	return func(store *IntegrationStore) {
		if timeout > 0 {
			store.sinkTimeout = timeout
		}
	}
}

// IntegrationStore persists webhook integrations and serves the enabled
// set as delivery sinks.
type IntegrationStore struct {
	connection  *libPostgres.Connection
	logger      log.Logger
	sinkTimeout time.Duration
}

var _ outbox.SinkProvider = (*IntegrationStore)(nil)

// NewIntegrationStore creates a PostgreSQL-backed integration store.
func NewIntegrationStore(connection *libPostgres.Connection, opts ...IntegrationOption) (*IntegrationStore, error) {
	if connection == nil {
		return nil, ErrConnectionRequired
	}

	store := &IntegrationStore{
		connection: connection,
		logger:     log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Upsert creates or updates an integration keyed by name. The sink
// configuration is validated before it touches storage so a broken
// endpoint never reaches the dispatcher.
func (store *IntegrationStore) Upsert(ctx context.Context, cfg outbox.SinkConfig) (*Integration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}

	now := time.Now().UTC()

	query := `INSERT INTO integrations (name, endpoint, secret, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (name) DO UPDATE
		SET endpoint = EXCLUDED.endpoint, secret = EXCLUDED.secret,
		    enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at
		RETURNING ` + integrationColumns

	integration, err := scanIntegration(db.QueryRowContext(ctx, query,
		cfg.Name, cfg.Endpoint, cfg.Secret, cfg.Enabled, now))
	if err != nil {
		store.logError(ctx, "failed to upsert integration", err)

		return nil, fmt.Errorf("upserting integration: %w", err)
	}

	return integration, nil
}

// SetEnabled flips one integration on or off without touching its
// endpoint or secret.
func (store *IntegrationStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if name == "" {
		return ErrIntegrationNameRequired
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return fmt.Errorf("getting database handle: %w", err)
	}

	query := "UPDATE integrations SET enabled = $1, updated_at = $2 WHERE name = $3"

	result, err := db.ExecContext(ctx, query, enabled, time.Now().UTC(), name)
	if err != nil {
		store.logError(ctx, "failed to update integration", err)

		return fmt.Errorf("updating integration: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %q", ErrIntegrationNotFound, name)
	}

	return nil
}

// Get retrieves one integration by name.
func (store *IntegrationStore) Get(ctx context.Context, name string) (*Integration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if name == "" {
		return nil, ErrIntegrationNameRequired
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}

	query := "SELECT " + integrationColumns + " FROM integrations WHERE name = $1"

	integration, err := scanIntegration(db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrIntegrationNotFound, name)
		}

		return nil, fmt.Errorf("getting integration: %w", err)
	}

	return integration, nil
}

// List retrieves all integrations ordered by name.
func (store *IntegrationStore) List(ctx context.Context) ([]*Integration, error) {
	return store.list(ctx, false)
}

// ListEnabled retrieves only enabled integrations ordered by name.
func (store *IntegrationStore) ListEnabled(ctx context.Context) ([]*Integration, error) {
	return store.list(ctx, true)
}

func (store *IntegrationStore) list(ctx context.Context, enabledOnly bool) ([]*Integration, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.connection.GetDB(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting database handle: %w", err)
	}

	query := "SELECT " + integrationColumns + " FROM integrations"
	if enabledOnly {
		query += " WHERE enabled"
	}

	query += " ORDER BY name ASC"

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		store.logError(ctx, "failed to list integrations", err)

		return nil, fmt.Errorf("listing integrations: %w", err)
	}

	defer rows.Close()

	var integrations []*Integration

	for rows.Next() {
		integration, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}

		integrations = append(integrations, integration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating integrations: %w", err)
	}

	return integrations, nil
}

// EnabledSinks builds webhook sinks for every enabled integration,
// satisfying the dispatcher's sink provider contract. An integration
// whose stored endpoint no longer validates is skipped with a log
// instead of blocking the whole pass.
func (store *IntegrationStore) EnabledSinks(ctx context.Context) ([]outbox.Sink, error) {
	integrations, err := store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	sinks := make([]outbox.Sink, 0, len(integrations))

	for _, integration := range integrations {
		sink, err := outbox.NewWebhookSink(outbox.SinkConfig{
			Name:     integration.Name,
			Enabled:  integration.Enabled,
			Endpoint: integration.Endpoint,
			Secret:   integration.Secret,
			Timeout:  store.sinkTimeout,
		})
		if err != nil {
			store.logger.Log(ctx, log.LevelWarn, "skipping integration with invalid configuration",
				log.String("integration", integration.Name),
				log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())),
			)

			continue
		}

		sinks = append(sinks, sink)
	}

	return sinks, nil
}

func (store *IntegrationStore) logError(ctx context.Context, msg string, err error) {
	store.logger.Log(ctx, log.LevelError, msg,
		log.String("error", outbox.SanitizeErrorMessageForStorage(err.Error())))
}

func scanIntegration(row rowScanner) (*Integration, error) {
	var (
		integration Integration
		secret      sql.NullString
	)

	err := row.Scan(
		&integration.ID,
		&integration.Name,
		&integration.Endpoint,
		&secret,
		&integration.Enabled,
		&integration.CreatedAt,
		&integration.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	integration.Secret = secret.String

	return &integration, nil
}
