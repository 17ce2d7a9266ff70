package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianware/lib-outbox/internal/nilcheck"
	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/outbox"
)

var (
	ErrClientRequired           = errors.New("postgres client is required")
	ErrTransactionRequired      = errors.New("postgres transaction is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrRecordNotFound           = errors.New("outbox record not found")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const (
	maxSQLIdentifierLength = 63
	outboxColumns          = "id, event_type, payload, created_at, processed, processed_at, retry_count"
)

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if nilcheck.Interface(logger) {
			return
		}

		repo.logger = logger
	}
}

// WithTableName overrides the default outbox_events table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox records in PostgreSQL.
type Repository struct {
	client    *Client
	logger    log.Logger
	tableName string
}

var _ outbox.Store = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(client *Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	repo := &Repository{
		client:    client,
		logger:    log.NewNop(),
		tableName: "outbox_events",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// CreateWithTx inserts the record inside the caller's transaction so the
// record and the state change it describes commit atomically.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, record *outbox.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if nilcheck.Interface(tx) {
		return ErrTransactionRequired
	}

	if record == nil {
		return outbox.ErrRecordRequired
	}

	query := "INSERT INTO " + quoteIdentifier(repo.tableName) +
		" (" + outboxColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7)"

	result, err := tx.ExecContext(
		ctx,
		query,
		record.ID,
		record.EventType,
		string(record.Payload),
		record.CreatedAt,
		record.Processed,
		record.ProcessedAt,
		record.RetryCount,
	)
	if err != nil {
		repo.logSanitizedError(ctx, "failed to insert outbox record", err)

		return fmt.Errorf("inserting outbox record: %w", err)
	}

	if err := requireRowsAffected(result); err != nil {
		return fmt.Errorf("inserting outbox record: %w", err)
	}

	return nil
}

// ListUnprocessed returns unprocessed records in CreatedAt order, oldest
// first. Ties on CreatedAt break on id so the order is stable.
func (repo *Repository) ListUnprocessed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	db, err := repo.client.DB(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifier(repo.tableName) +
		" WHERE processed = FALSE ORDER BY created_at ASC, id ASC LIMIT $1"

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		repo.logSanitizedError(ctx, "failed to list unprocessed outbox records", err)

		return nil, fmt.Errorf("listing unprocessed records: %w", err)
	}
	defer rows.Close()

	var records []*outbox.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}

	return records, nil
}

// MarkProcessed flips a record to processed exactly once. A record already
// marked is left untouched, so re-publishing after a crash never clobbers
// the original delivery stamp.
func (repo *Repository) MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	db, err := repo.client.DB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) +
		" SET processed = TRUE, processed_at = $2 WHERE id = $1 AND processed = FALSE"

	if _, err := db.ExecContext(ctx, query, id, processedAt.UTC()); err != nil {
		repo.logSanitizedError(ctx, "failed to mark outbox record processed", err)

		return fmt.Errorf("marking record processed: %w", err)
	}

	return nil
}

// IncrementRetry bumps the retry counter after a failed publish.
func (repo *Repository) IncrementRetry(ctx context.Context, id uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	db, err := repo.client.DB(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) +
		" SET retry_count = retry_count + 1 WHERE id = $1"

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		repo.logSanitizedError(ctx, "failed to increment outbox retry count", err)

		return fmt.Errorf("incrementing retry count: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("incrementing retry count: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("incrementing retry count: %w", ErrRecordNotFound)
	}

	return nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

func (repo *Repository) logSanitizedError(ctx context.Context, msg string, err error) {
	repo.logger.Log(ctx, log.LevelError, msg,
		log.String("error", outbox.SanitizeErrorMessage(err.Error())),
	)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(scanner rowScanner) (*outbox.Record, error) {
	var (
		record      outbox.Record
		payload     string
		processedAt sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.EventType,
		&payload,
		&record.CreatedAt,
		&record.Processed,
		&processedAt,
		&record.RetryCount,
	); err != nil {
		return nil, err
	}

	record.Payload = []byte(payload)

	if processedAt.Valid {
		at := processedAt.Time.UTC()
		record.ProcessedAt = &at
	}

	record.CreatedAt = record.CreatedAt.UTC()

	return &record, nil
}

func requireRowsAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return errors.New("no rows affected")
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
