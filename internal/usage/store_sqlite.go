package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite binds at most 999 parameters per statement.
const (
	maxSQLiteParams   = 999
	columnsPerEntry   = 11
	maxEntriesPerStmt = maxSQLiteParams / columnsPerEntry
)

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	retention *retention
	closeOnce sync.Once
}

// NewSQLiteStore creates the usage table and, when retentionDays > 0,
// starts the retention loop.
func NewSQLiteStore(db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_usage (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			model TEXT NOT NULL,
			provider TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			input_values INTEGER NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			tokens REAL,
			cached INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
		if _, err := db.Exec(idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	s := &SQLiteStore{db: db}
	s.retention = startRetention(retentionDays, CleanupInterval, s.purge)
	return s, nil
}

// WriteBatch inserts entries in statements sized to the parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for i := 0; i < len(entries); i += maxEntriesPerStmt {
		chunk := entries[i:min(i+maxEntriesPerStmt, len(entries))]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*columnsPerEntry)
		for j, e := range chunk {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			var tokens any
			if e.Tokens != nil {
				tokens = *e.Tokens
			}
			args = append(args,
				e.ID, e.RequestID, e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Model, e.Provider, e.Endpoint,
				e.Values, e.Chunks, tokens, e.Cached,
				time.Now().UTC().Format(time.RFC3339Nano),
			)
		}

		query := `INSERT OR IGNORE INTO embedding_usage (id, request_id, timestamp, model, provider,
			endpoint, input_values, chunks, tokens, cached, created_at) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert usage batch %d: %w", i/maxEntriesPerStmt, err)
		}
	}
	return nil
}

// Flush is a no-op; writes are synchronous.
func (s *SQLiteStore) Flush(context.Context) error { return nil }

// Close stops the retention loop. The database belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(s.retention.Stop)
	return nil
}

func (s *SQLiteStore) purge(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM embedding_usage WHERE timestamp < ?", cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Summary aggregates stored entries per model. Tokens sums only entries
// that reported usage.
type Summary struct {
	Model    string
	Requests int64
	Values   int64
	Cached   int64
	Tokens   float64
}

// Summarize returns per-model totals since the given time, ordered by model.
func (s *SQLiteStore) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(input_values), 0), COALESCE(SUM(cached), 0), COALESCE(SUM(tokens), 0)
		FROM embedding_usage WHERE timestamp >= ? GROUP BY model ORDER BY model`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summary: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.Model, &sm.Requests, &sm.Values, &sm.Cached, &sm.Tokens); err != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
