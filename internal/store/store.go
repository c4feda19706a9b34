// To handle all database interactions. This is our
// data access layer, keeping SQL queries separate from business logic.

package store

import (
	"database/sql"
	"errors"
	"sync"
)

var (
	// ErrStoreUnavailable wraps any failure of the underlying persistence.
	// A publish that hits this must fail; the job executor decides what to do.
	ErrStoreUnavailable = errors.New("event log store unavailable")

	// ErrForbidden is returned when a caller asks for a job owned by someone
	// else. It is distinct from ErrJobNotFound so job existence cannot be
	// probed across owners.
	ErrForbidden = errors.New("job belongs to another owner")

	// ErrJobNotFound is returned when a job has no events at all.
	ErrJobNotFound = errors.New("job not found")
)

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB

	// appendMu serializes sequence assignment so concurrent publishers of
	// the same job can never observe gaps or duplicates.
	appendMu sync.Mutex
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}
