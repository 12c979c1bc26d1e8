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

	"github.com/LerianStudio/lib-outbox-relay/relay/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
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

		resolver := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if resolver == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return resolver, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Connection is a hub for the relay's postgres connections. The dispatcher
// and batcher run their statements through Primary; Resolver offers a
// round-robin primary/replica pool for read-only monitoring queries.
type Connection struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int

	primaryDB *sql.DB
	resolver  dbresolver.DB
	connected bool
	mu        sync.RWMutex
}

func (conn *Connection) initDefaults() {
	if conn.Logger == nil {
		conn.Logger = log.NewNop()
	}

	if conn.MaxOpenConnections <= 0 {
		conn.MaxOpenConnections = defaultMaxOpenConns
	}

	if conn.MaxIdleConnections <= 0 {
		conn.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary, and verifies connectivity. Safe to call again after Close.
func (conn *Connection) Connect(ctx context.Context) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.connectLocked(ctx)
}

func (conn *Connection) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	conn.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if conn.resolver != nil {
		if err := conn.closeLocked(); err != nil {
			conn.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	conn.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primaryDB, err := dbOpenFn("pgx", conn.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			_ = primaryDB.Close()
		}
	}()

	configurePool(primaryDB, conn.MaxOpenConnections, conn.MaxIdleConnections)

	replicaDB, err := dbOpenFn("pgx", conn.replicaConnectionString())
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		conn.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			_ = replicaDB.Close()
		}
	}()

	configurePool(replicaDB, conn.MaxOpenConnections, conn.MaxIdleConnections)

	resolver, err := createResolverFn(primaryDB, replicaDB)
	if err != nil {
		log.SafeError(conn.Logger, ctx, "failed to create resolver", err)

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if conn.MigrationsPath != "" {
		migrationsPath, pathErr := sanitizePath(conn.MigrationsPath)
		if pathErr != nil {
			log.SafeError(conn.Logger, ctx, "failed to resolve migrations path", pathErr)

			return pathErr
		}

		if err := runMigrationsFn(ctx, primaryDB, migrationsPath, conn.PrimaryDBName, conn.Logger); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		log.SafeError(conn.Logger, ctx, "failed to ping database", err)

		return fmt.Errorf("failed to ping database: %w", err)
	}

	conn.primaryDB = primaryDB
	conn.resolver = resolver
	conn.connected = true

	conn.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

// replicaConnectionString falls back to the primary when no replica is
// configured, so single-node deployments need only one connection string.
func (conn *Connection) replicaConnectionString() string {
	if strings.TrimSpace(conn.ConnectionStringReplica) == "" {
		return conn.ConnectionStringPrimary
	}

	return conn.ConnectionStringReplica
}

// Primary returns the primary pool, connecting lazily if needed. All engine
// write paths must use this handle.
func (conn *Connection) Primary(ctx context.Context) (*sql.DB, error) {
	conn.mu.RLock()

	if conn.primaryDB != nil {
		db := conn.primaryDB
		conn.mu.RUnlock()

		return db, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.primaryDB != nil {
		return conn.primaryDB, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.primaryDB, nil
}

// Resolver returns the load-balanced primary/replica pool, connecting
// lazily if needed.
func (conn *Connection) Resolver(ctx context.Context) (dbresolver.DB, error) {
	conn.mu.RLock()

	if conn.resolver != nil {
		resolver := conn.resolver
		conn.mu.RUnlock()

		return resolver, nil
	}

	conn.mu.RUnlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.resolver != nil {
		return conn.resolver, nil
	}

	if err := conn.connectLocked(ctx); err != nil {
		return nil, err
	}

	return conn.resolver, nil
}

// Close releases database connection resources.
func (conn *Connection) Close() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	return conn.closeLocked()
}

func (conn *Connection) closeLocked() error {
	if conn.resolver != nil {
		err := conn.resolver.Close()
		conn.resolver = nil
		conn.primaryDB = nil
		conn.connected = false

		return err
	}

	return nil
}

// IsConnected reports whether the connection hub is initialized.
func (conn *Connection) IsConnected() bool {
	conn.mu.RLock()
	defer conn.mu.RUnlock()

	return conn.connected
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

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	parts := strings.Split(cleaned, string(filepath.Separator))

	for _, part := range parts {
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

func runMigrations(ctx context.Context, primaryDB *sql.DB, migrationsPath, databaseName string, logger log.Logger) error {
	if err := validateIdentifier(databaseName); err != nil {
		log.SafeError(logger, ctx, "invalid primary database name", err)

		return fmt.Errorf("invalid primary database name: %w", err)
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		log.SafeError(logger, ctx, "failed to parse migrations url", err)

		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(primaryDB, &migratepostgres.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		log.SafeError(logger, ctx, "failed to create postgres driver instance", err)

		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(sourceURL.String(), databaseName, driver)
	if err != nil {
		log.SafeError(logger, ctx, "failed to create migration instance", err)

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
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))

			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		log.SafeError(logger, ctx, "migration failed", err)

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
