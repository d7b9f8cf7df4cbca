// Package usage records one entry per embedding request and persists the
// entries asynchronously to the configured storage backend.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"embedstream/internal/core"
)

// BatchFlushThreshold is the batch size that triggers a write before the timer fires.
const BatchFlushThreshold = 100

// Store persists usage entries. Implementations must be safe for concurrent use.
type Store interface {
	// WriteBatch persists entries. Duplicate IDs are ignored.
	WriteBatch(ctx context.Context, entries []*Entry) error

	// Flush forces pending writes to complete.
	Flush(ctx context.Context) error

	// Close stops background work. The shared connection is closed by its owner.
	Close() error
}

// Entry is the accounting record of one embedding request.
type Entry struct {
	ID        string    `json:"id" bson:"_id"`
	RequestID string    `json:"request_id" bson:"request_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`

	Model    string `json:"model" bson:"model"`
	Provider string `json:"provider" bson:"provider"`
	Endpoint string `json:"endpoint" bson:"endpoint"`

	// Values is the number of inputs; Chunks the number of model calls planned.
	Values int `json:"values" bson:"values"`
	Chunks int `json:"chunks" bson:"chunks"`

	// Tokens is nil when the provider did not report usage.
	Tokens *float64 `json:"tokens" bson:"tokens"`

	// Cached is the number of values served from the embedding cache.
	Cached int `json:"cached" bson:"cached"`
}

// NewEntry builds an entry stamped with a fresh id and the current time.
func NewEntry(requestID, model, provider, endpoint string, values, chunks int, u core.EmbeddingUsage, cached int) *Entry {
	e := &Entry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Model:     model,
		Provider:  provider,
		Endpoint:  endpoint,
		Values:    values,
		Chunks:    chunks,
		Cached:    cached,
	}
	if u.Known() {
		t := u.Tokens
		e.Tokens = &t
	}
	return e
}

// Config holds logger settings.
type Config struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	RetentionDays int
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		RetentionDays: 30,
	}
}
