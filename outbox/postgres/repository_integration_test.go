//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianware/lib-outbox/log"
	"github.com/meridianware/lib-outbox/outbox"
)

// setupPostgresContainer starts a disposable PostgreSQL container and returns
// the connection string. The container is terminated via t.Cleanup.
func setupPostgresContainer(t *testing.T) string {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return connStr
}

func newIntegrationRepo(t *testing.T) (*Repository, *Client) {
	t.Helper()

	client := &Client{
		ConnectionString: setupPostgresContainer(t),
		DatabaseName:     "testdb",
		Logger:           log.NewNop(),
	}

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})

	repo, err := NewRepository(client)
	require.NoError(t, err)

	return repo, client
}

func insertRecord(t *testing.T, repo *Repository, client *Client, createdAt time.Time) *outbox.Record {
	t.Helper()

	ctx := context.Background()

	record, err := outbox.NewRecord(uuid.New(), "OrderPlaced", []byte(`{"total":42}`), createdAt)
	require.NoError(t, err)

	db, err := client.DB(ctx)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, repo.CreateWithTx(ctx, tx, record))
	require.NoError(t, tx.Commit())

	return record
}

func TestIntegration_Repository_CreateAndList(t *testing.T) {
	repo, client := newIntegrationRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	second := insertRecord(t, repo, client, base)
	first := insertRecord(t, repo, client, base.Add(-time.Minute))

	records, err := repo.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Oldest first, regardless of insert order.
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, second.ID, records[1].ID)
	assert.Equal(t, "OrderPlaced", records[0].EventType)
	assert.JSONEq(t, `{"total":42}`, string(records[0].Payload))
	assert.False(t, records[0].Processed)
	assert.Nil(t, records[0].ProcessedAt)
	assert.Zero(t, records[0].RetryCount)
}

func TestIntegration_Repository_CreateRollsBackWithTx(t *testing.T) {
	repo, client := newIntegrationRepo(t)
	ctx := context.Background()

	record, err := outbox.NewRecord(uuid.New(), "OrderPlaced", []byte(`{}`), time.Now())
	require.NoError(t, err)

	db, err := client.DB(ctx)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, repo.CreateWithTx(ctx, tx, record))
	require.NoError(t, tx.Rollback())

	records, err := repo.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestIntegration_Repository_MarkProcessed(t *testing.T) {
	repo, client := newIntegrationRepo(t)
	ctx := context.Background()

	record := insertRecord(t, repo, client, time.Now().UTC())

	firstStamp := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.MarkProcessed(ctx, record.ID, firstStamp))

	records, err := repo.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	// Marking again must not move the original delivery stamp.
	require.NoError(t, repo.MarkProcessed(ctx, record.ID, firstStamp.Add(time.Hour)))

	db, err := client.DB(ctx)
	require.NoError(t, err)

	var processedAt time.Time

	require.NoError(t, db.QueryRowContext(
		ctx,
		`SELECT processed_at FROM outbox_events WHERE id = $1`,
		record.ID,
	).Scan(&processedAt))
	assert.True(t, processedAt.UTC().Equal(firstStamp))
}

func TestIntegration_Repository_IncrementRetry(t *testing.T) {
	repo, client := newIntegrationRepo(t)
	ctx := context.Background()

	record := insertRecord(t, repo, client, time.Now().UTC())

	require.NoError(t, repo.IncrementRetry(ctx, record.ID))
	require.NoError(t, repo.IncrementRetry(ctx, record.ID))

	records, err := repo.ListUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].RetryCount)
}

func TestIntegration_Repository_IncrementRetryUnknownID(t *testing.T) {
	repo, _ := newIntegrationRepo(t)

	err := repo.IncrementRetry(context.Background(), uuid.New())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestIntegration_Repository_ListRespectsLimit(t *testing.T) {
	repo, client := newIntegrationRepo(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		insertRecord(t, repo, client, base.Add(time.Duration(i)*time.Second))
	}

	records, err := repo.ListUnprocessed(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
