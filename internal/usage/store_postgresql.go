package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore implements Store on a pgx pool.
type PostgreSQLStore struct {
	pool      *pgxpool.Pool
	retention *retention
	closeOnce sync.Once
}

// NewPostgreSQLStore creates the usage table and, when retentionDays > 0,
// starts the retention loop.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS embedding_usage (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			input_values INTEGER NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			tokens DOUBLE PRECISION,
			cached INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_embedding_usage_timestamp ON embedding_usage(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_embedding_usage_request_id ON embedding_usage(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_embedding_usage_model ON embedding_usage(model)",
	} {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	s := &PostgreSQLStore{pool: pool}
	s.retention = startRetention(retentionDays, CleanupInterval, s.purge)
	return s, nil
}

const pgInsertUsage = `
	INSERT INTO embedding_usage (id, request_id, timestamp, model, provider, endpoint,
		input_values, chunks, tokens, cached)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING`

// WriteBatch sends all inserts in one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(pgInsertUsage, e.ID, e.RequestID, e.Timestamp, e.Model, e.Provider, e.Endpoint,
			e.Values, e.Chunks, e.Tokens, e.Cached)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert %d usage entries: %w", len(entries), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *PostgreSQLStore) Flush(context.Context) error { return nil }

// Close stops the retention loop. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(s.retention.Stop)
	return nil
}

func (s *PostgreSQLStore) purge(cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	tag, err := s.pool.Exec(ctx, "DELETE FROM embedding_usage WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
