// Package store implements durable persistence for campaigns, jobs and
// rate counters on PostgreSQL. It is the recovery source of truth: queue
// state is reconstructed from pending job rows on boot.
package store

import (
	"database/sql"
	"errors"
)

// Sentinel errors for the persistence layer.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrCASMismatch means the conditional status predicate on a job
	// update did not hold; a concurrent worker already transitioned it.
	ErrCASMismatch = errors.New("job status changed concurrently")
)

// Store provides campaign and job persistence over PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New creates a Postgres-backed store.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Ping reports whether the database is reachable.
func (s *Store) Ping() error { return s.db.Ping() }
