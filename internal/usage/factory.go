package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"embedstream/config"
	"embedstream/internal/storage"
)

// New builds the recorder for cfg on a shared storage connection. When usage
// tracking is disabled it returns a NoopLogger and store may be nil.
// Closing the recorder does not close store.
func New(ctx context.Context, cfg config.UsageConfig, store storage.Storage, log *slog.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return NoopLogger{}, nil
	}
	if store == nil {
		return nil, errors.New("storage is required when usage tracking is enabled")
	}

	s, err := NewStore(ctx, store, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	return NewLogger(s, Config{
		Enabled:       true,
		BufferSize:    cfg.BufferSize,
		FlushInterval: cfg.FlushInterval,
		RetentionDays: cfg.RetentionDays,
	}, log), nil
}

// NewStore creates the Store matching the storage backend.
func NewStore(ctx context.Context, store storage.Storage, retentionDays int) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		return NewPostgreSQLStore(ctx, store.PostgreSQLPool(), retentionDays)
	case storage.TypeMongoDB:
		return NewMongoDBStore(ctx, store.MongoDatabase(), retentionDays)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
