// Package processingstore is the repository layer for the Processing Store.
// Every row is keyed by token_id; the package rejects any attempt to store a
// hospital identity.
package processingstore

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/carebridge/woundwatch/pkg/database"
)

//go:embed migrations
var migrationsFS embed.FS

// Store wraps the Processing Store connection.
type Store struct {
	db *sqlx.DB
}

// Open connects to the Processing Store and applies its migrations.
func Open(ctx context.Context, cfg database.Config) (*Store, error) {
	db, err := database.Open(ctx, cfg, migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("processing store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (useful for testing with sqlmock).
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Health pings the store.
func (s *Store) Health(ctx context.Context) error { return database.Health(ctx, s.db) }

// DB exposes the underlying connection for direct queries (health, tests).
func (s *Store) DB() *sqlx.DB { return s.db }
