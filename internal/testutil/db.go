package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3" // Blank import for sql driver

	"github.com/avelops/jobpulse/internal/db"
	"github.com/avelops/jobpulse/migrations"
)

// SetupTestDB creates an in-memory SQLite database and applies all
// migrations. It returns the database connection, ready for use in tests.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use in-memory database for testing to ensure tests are fast and isolated.
	conn, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}

	// Each sqlite3 connection gets its own :memory: database, so the pool
	// must stay at a single connection or tables vanish between queries.
	conn.SetMaxOpenConns(1)

	// Attach a cleanup function to automatically close the DB when the test completes.
	t.Cleanup(func() {
		conn.Close()
	})

	if err := db.RunMigrations(conn, migrations.FS); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return conn
}
