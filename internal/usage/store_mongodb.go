package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrPartialWrite is matched by PartialWriteError.
var ErrPartialWrite = errors.New("partial write failure")

// PartialWriteError reports an InsertMany where only some documents landed.
type PartialWriteError struct {
	TotalEntries int
	FailedCount  int
	Cause        mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial usage insert: %d of %d entries failed: %v", e.FailedCount, e.TotalEntries, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error { return ErrPartialWrite }

// MongoDBStore implements Store on a MongoDB collection. Retention is a TTL
// index on timestamp, so no cleanup loop runs.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore prepares the embedding_usage collection and its indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if database == nil {
		return nil, errors.New("database is required")
	}
	collection := database.Collection("embedding_usage")

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "model", Value: 1}}},
	}
	// A field cannot carry both a TTL and a plain index.
	ts := mongo.IndexModel{Keys: bson.D{{Key: "timestamp", Value: -1}}}
	if retentionDays > 0 {
		ts.Options = options.Index().SetExpireAfterSeconds(int32(retentionDays * 24 * 60 * 60))
	}
	indexes = append(indexes, ts)

	ictx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := collection.Indexes().CreateMany(ictx, indexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for usage", "error", err)
	}
	return &MongoDBStore{collection: collection}, nil
}

// WriteBatch inserts entries unordered so one duplicate does not block the rest.
func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	_, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) {
		return &PartialWriteError{TotalEntries: len(entries), FailedCount: len(bulkErr.WriteErrors), Cause: bulkErr}
	}
	var bulkPtr *mongo.BulkWriteException
	if errors.As(err, &bulkPtr) && bulkPtr != nil {
		return &PartialWriteError{TotalEntries: len(entries), FailedCount: len(bulkPtr.WriteErrors), Cause: *bulkPtr}
	}
	return fmt.Errorf("failed to insert usage entries: %w", err)
}

// Flush is a no-op; writes are synchronous.
func (s *MongoDBStore) Flush(context.Context) error { return nil }

// Close is a no-op; the client belongs to the storage layer.
func (s *MongoDBStore) Close() error { return nil }
