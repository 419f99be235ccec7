package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "sessions and scheduled writes",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id          TEXT PRIMARY KEY,
				composition TEXT NOT NULL,
				steps_json  TEXT NOT NULL,
				options_json TEXT NOT NULL,
				status      TEXT NOT NULL,
				dry_run     INTEGER NOT NULL DEFAULT 0,
				dispatched  INTEGER NOT NULL DEFAULT 0,
				last_cycle  INTEGER NOT NULL DEFAULT 0,
				error       TEXT,
				started_at  TEXT NOT NULL,
				finished_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
			`CREATE TABLE IF NOT EXISTS scheduled_writes (
				id            TEXT PRIMARY KEY,
				session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				par_id        TEXT NOT NULL,
				value_json    TEXT NOT NULL,
				cycle         INTEGER NOT NULL,
				dispatched_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scheduled_writes_session ON scheduled_writes(session_id, cycle)`,
		},
	},
	{
		Version:     2,
		Description: "event log",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id            TEXT PRIMARY KEY,
				timestamp     TEXT NOT NULL,
				type          TEXT NOT NULL,
				entity_type   TEXT NOT NULL,
				entity_id     TEXT NOT NULL,
				payload_json  TEXT,
				metadata_json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_type, entity_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp, id)`,
		},
	},
}

// SchemaVersion returns the highest applied migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	if err := db.ensureMigrationTable(ctx); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// MigrateUp applies pending migrations and returns how many ran.
func (db *DB) MigrateUp(ctx context.Context) (int, error) {
	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.Version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return applied, err
		}
		db.logger.Debug().Int("version", m.Version).Str("description", m.Description).Msg("migration applied")
		applied++
	}
	return applied, nil
}

func (db *DB) ensureMigrationTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}
