// Package storage opens the database connection shared by usage tracking.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"embedstream/config"
)

// Backend names accepted in storage.type.
const (
	TypeSQLite     = "sqlite"
	TypePostgreSQL = "postgresql"
	TypeMongoDB    = "mongodb"
)

// Defaults applied when the configuration leaves a field empty.
const (
	DefaultSQLitePath    = "data/embedstream.db"
	DefaultPGMaxConns    = 10
	DefaultMongoDatabase = "embedstream"
)

// Storage is an open connection to exactly one backend.
// Accessors for the other backends return nil.
type Storage interface {
	Type() string
	SQLiteDB() *sql.DB
	PostgreSQLPool() *pgxpool.Pool
	MongoDatabase() *mongo.Database
	Close() error
}

// New opens the backend selected by cfg.Type and verifies it is reachable.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLite(cfg.SQLite.Path)
	case TypePostgreSQL:
		return NewPostgreSQL(ctx, cfg.PostgreSQL.URL, cfg.PostgreSQL.MaxConns)
	case TypeMongoDB:
		return NewMongoDB(ctx, cfg.MongoDB.URL, cfg.MongoDB.Database)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite, postgresql, mongodb)", cfg.Type)
	}
}

// none supplies nil accessors; backends embed it and override their own.
type none struct{}

func (none) SQLiteDB() *sql.DB              { return nil }
func (none) PostgreSQLPool() *pgxpool.Pool  { return nil }
func (none) MongoDatabase() *mongo.Database { return nil }
