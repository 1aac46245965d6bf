// Package storage provides the shared database connection for features that
// persist gateway data, such as request transcripts.
package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// TypeSQLite is the only supported backend.
const TypeSQLite = "sqlite"

// Config holds storage configuration
type Config struct {
	// Type specifies the storage backend: "sqlite"
	Type string

	// SQLite configuration
	SQLite SQLiteConfig
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	// Path is the database file path (default: data/llmgateway.db)
	Path string
}

// Storage provides a database connection shared by features.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Type returns the storage type
	Type() string

	// SQLiteDB returns the *sql.DB connection for SQLite.
	SQLiteDB() *sql.DB

	// Close releases all resources held by the storage.
	Close() error
}

// New creates a new Storage based on the configuration.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLite(ctx, cfg.SQLite)
	default:
		return nil, fmt.Errorf("unknown storage type: %s (valid: sqlite)", cfg.Type)
	}
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Type: TypeSQLite,
		SQLite: SQLiteConfig{
			Path: "data/llmgateway.db",
		},
	}
}
