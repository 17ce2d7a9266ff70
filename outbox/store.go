package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional surface the recorder writes through. *sql.Tx
// satisfies it, so recording happens inside the caller's transaction and the
// record commits or rolls back together with the state change that raised
// the event.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store persists and drains outbox records.
type Store interface {
	// CreateWithTx inserts the record inside the supplied transaction.
	CreateWithTx(ctx context.Context, tx Tx, record *Record) error

	// ListUnprocessed returns up to limit unprocessed records ordered by
	// CreatedAt ascending.
	ListUnprocessed(ctx context.Context, limit int) ([]*Record, error)

	// MarkProcessed flips a record to processed and stamps the delivery
	// time. Marking an already processed record is a no-op.
	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// IncrementRetry bumps the retry counter after a failed publish.
	IncrementRetry(ctx context.Context, id uuid.UUID) error
}
