package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AzRea7/OneHaven/outbound/log"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		resolved := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolved == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolved, nil
	}

	runMigrationsFn = runMigrations

	connStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Connection is a hub over primary and replica postgres databases. Reads
// round-robin across replicas; writes and migrations go to the primary.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	connectionDB dbresolver.DB
	connected    bool
	mu           sync.RWMutex
}

func (connection *Connection) initDefaults() {
	if connection.Logger == nil {
		connection.Logger = log.NewNop()
	}

	if connection.MaxOpenConnections <= 0 {
		connection.MaxOpenConnections = defaultMaxOpenConns
	}

	if connection.MaxIdleConnections <= 0 {
		connection.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs pending migrations
// against the primary, and verifies connectivity.
func (connection *Connection) Connect(ctx context.Context) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.connectLocked(ctx)
}

// connectLocked performs the actual connection. Caller holds the write lock.
func (connection *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	connection.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if connection.connectionDB != nil {
		if err := connection.closeLocked(); err != nil {
			connection.Logger.Log(ctx, log.LevelWarn,
				"failed to close previous connection before reconnect", log.Err(err))
		}
	}

	connection.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primaryDB, err := dbOpenFn("pgx", connection.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to open primary database",
			log.String("error", sanitized))

		return fmt.Errorf("failed to open primary database: %s", sanitized)
	}

	// Close the primary pool if anything downstream fails.
	var success bool

	defer func() {
		if !success {
			primaryDB.Close()
		}
	}()

	configurePool(primaryDB, connection.MaxOpenConnections, connection.MaxIdleConnections)

	replicaDB, err := dbOpenFn("pgx", connection.replicaConnectionString())
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		connection.Logger.Log(ctx, log.LevelError, "failed to open replica database",
			log.String("error", sanitized))

		return fmt.Errorf("failed to open replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replicaDB.Close()
		}
	}()

	configurePool(replicaDB, connection.MaxOpenConnections, connection.MaxIdleConnections)

	connectionDB, err := createResolverFn(primaryDB, replicaDB)
	if err != nil {
		connection.Logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if connection.MigrationsPath != "" {
		migrationsPath, err := sanitizePath(connection.MigrationsPath)
		if err != nil {
			connection.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

			return err
		}

		if err := runMigrationsFn(primaryDB, migrationsPath, connection.PrimaryDBName, connection.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		connection.Logger.Log(ctx, log.LevelError, "failed to ping database",
			log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	connection.connected = true
	connection.connectionDB = connectionDB

	connection.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// GetDB returns the resolver pool, connecting lazily on first use.
func (connection *Connection) GetDB(ctx context.Context) (dbresolver.DB, error) {
	connection.mu.RLock()

	if connection.connectionDB != nil {
		db := connection.connectionDB
		connection.mu.RUnlock()

		return db, nil
	}

	connection.mu.RUnlock()

	connection.mu.Lock()
	defer connection.mu.Unlock()

	// Double-check after acquiring the write lock.
	if connection.connectionDB != nil {
		return connection.connectionDB, nil
	}

	if err := connection.connectLocked(ctx); err != nil {
		return nil, err
	}

	return connection.connectionDB, nil
}

// Close releases database connection resources.
func (connection *Connection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()

	return connection.closeLocked()
}

func (connection *Connection) closeLocked() error {
	if connection.connectionDB == nil {
		return nil
	}

	err := connection.connectionDB.Close()
	connection.connectionDB = nil
	connection.connected = false

	return err
}

// IsConnected reports whether the resolver pool is initialized.
func (connection *Connection) IsConnected() bool {
	connection.mu.RLock()
	defer connection.mu.RUnlock()

	return connection.connected
}

// replicaConnectionString falls back to the primary when no dedicated
// replica is configured, keeping single-node deployments simple.
func (connection *Connection) replicaConnectionString() string {
	if strings.TrimSpace(connection.ConnectionStringReplica) == "" {
		return connection.ConnectionStringPrimary
	}

	return connection.ConnectionStringReplica
}

func configurePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func runMigrations(primaryDB *sql.DB, migrationsPath, primaryDBName string, logger log.Logger) error {
	ctx := context.Background()

	if err := validateDBName(primaryDBName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))

		return err
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse migrations url", log.Err(err))

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepg.WithInstance(primaryDB, &migratepg.Config{
		DatabaseName: primaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create postgres driver instance", log.Err(err))

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), primaryDBName, driver)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create migration instance", log.Err(err))

		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version",
				log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
