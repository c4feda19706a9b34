package db_test

import (
	"path/filepath"
	"testing"

	"github.com/avelops/jobpulse/internal/db"
	"github.com/avelops/jobpulse/migrations"
)

func TestInitDBAndMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	conn, err := db.InitDB(path)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.RunMigrations(conn, migrations.FS); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// The migrated schema should contain the progress event log.
	var name string
	err = conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='progress_events'").Scan(&name)
	if err != nil {
		t.Fatalf("progress_events table not found after migrations: %v", err)
	}

	// Running migrations a second time must be a no-op, not an error.
	if err := db.RunMigrations(conn, migrations.FS); err != nil {
		t.Fatalf("RunMigrations was not idempotent: %v", err)
	}
}
