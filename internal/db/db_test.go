package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/pytrms/componist/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func createTestSession(t *testing.T, db *DB) *models.Session {
	t.Helper()

	session := &models.Session{
		Composition: "drift-scan",
		Steps:       json.RawMessage(`[{"name":"H60","set_values":{"DPS_Udrift":600},"duration":10,"start_delay":2}]`),
		Options: models.SessionOptions{
			MaxRuns:       -1,
			ForesightRuns: 5,
		},
	}
	if err := NewSessionRepository(db).Create(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("applied %d migrations, want %d", applied, len(migrations))
	}

	applied, err = database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 0 {
		t.Fatalf("second migrate applied %d migrations", applied)
	}

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Fatalf("SchemaVersion() = %d", version)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "componist.db")
	database, err := Open(Config{Path: path, BusyTimeoutMs: 1000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer database.Close()

	if database.Path() != path {
		t.Fatalf("Path() = %q", database.Path())
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
