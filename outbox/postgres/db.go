package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/meridianware/lib-outbox/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	ErrConnectionStringRequired = errors.New("postgres connection string is required")
	ErrDatabaseNameRequired     = errors.New("postgres database name is required")
	ErrNotConnected             = errors.New("postgres client is not connected")

	dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Client keeps a singleton connection pool to PostgreSQL and applies the
// embedded outbox schema migrations on first connect.
type Client struct {
	ConnectionString   string
	DatabaseName       string
	Logger             log.Logger
	MaxOpenConnections int
	MaxIdleConnections int
	SkipMigrations     bool

	db        *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (client *Client) initDefaults() {
	if client.Logger == nil {
		client.Logger = log.NewNop()
	}

	if client.MaxOpenConnections <= 0 {
		client.MaxOpenConnections = defaultMaxOpenConns
	}

	if client.MaxIdleConnections <= 0 {
		client.MaxIdleConnections = defaultMaxIdleConns
	}
}

// Connect opens the pool, applies migrations and verifies the connection.
// Reconnecting closes the previous pool first.
func (client *Client) Connect(ctx context.Context) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.connectLocked(ctx)
}

func (client *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client.initDefaults()

	if client.ConnectionString == "" {
		return ErrConnectionStringRequired
	}

	if !dbNamePattern.MatchString(client.DatabaseName) {
		return ErrDatabaseNameRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if client.db != nil {
		if err := client.closeLocked(); err != nil {
			client.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect",
				log.String("error", sanitizeConnectionError(err)),
			)
		}
	}

	client.Logger.Log(ctx, log.LevelInfo, "connecting to postgres",
		log.String("database", client.DatabaseName),
	)

	db, err := sql.Open("pgx", client.ConnectionString)
	if err != nil {
		return fmt.Errorf("failed to open database: %s", sanitizeConnectionError(err))
	}

	var success bool

	defer func() {
		if !success {
			db.Close()
		}
	}()

	db.SetMaxOpenConns(client.MaxOpenConnections)
	db.SetMaxIdleConns(client.MaxIdleConnections)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	if !client.SkipMigrations {
		if err := runMigrations(db, client.DatabaseName, client.Logger); err != nil {
			return err
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %s", sanitizeConnectionError(err))
	}

	client.db = db
	client.connected = true
	success = true

	return nil
}

// DB returns the live pool, connecting lazily on first use.
func (client *Client) DB(ctx context.Context) (*sql.DB, error) {
	client.mu.RLock()
	if client.connected && client.db != nil {
		db := client.db
		client.mu.RUnlock()

		return db, nil
	}
	client.mu.RUnlock()

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.connected && client.db != nil {
		return client.db, nil
	}

	if err := client.connectLocked(ctx); err != nil {
		return nil, err
	}

	return client.db, nil
}

// Close releases the connection pool.
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	return client.closeLocked()
}

func (client *Client) closeLocked() error {
	if client.db == nil {
		return nil
	}

	err := client.db.Close()
	client.db = nil
	client.connected = false

	return err
}

func runMigrations(db *sql.DB, databaseName string, logger log.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{
		DatabaseName: databaseName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, databaseName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(context.Background(), log.LevelDebug, "no new migrations found")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// sanitizeConnectionError strips credentials that drivers echo back in
// connection failures.
func sanitizeConnectionError(err error) string {
	if err == nil {
		return ""
	}

	msg := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://[REDACTED]@")

	return connectionStringPasswordPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}
