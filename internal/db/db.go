// Package db provides SQLite persistence for scheduling sessions, the
// writes they dispatched and the event log.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pytrms/componist/internal/logging"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout is used when Config.BusyTimeoutMs is unset.
const DefaultBusyTimeout = 5 * time.Second

// Config configures a database connection.
type Config struct {
	Path          string
	BusyTimeoutMs int
}

// DB wraps a SQLite connection pool.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens (or creates) the database file at cfg.Path.
func Open(cfg Config) (*DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	return open(cfg.Path, cfg.BusyTimeoutMs)
}

// OpenInMemory opens a private in-memory database. Tests use it.
func OpenInMemory() (*DB, error) {
	return open(":memory:", 0)
}

func open(path string, busyTimeoutMs int) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A :memory: database lives and dies with its connection.
	sqlDB.SetMaxOpenConns(1)

	timeout := DefaultBusyTimeout
	if busyTimeoutMs > 0 {
		timeout = time.Duration(busyTimeoutMs) * time.Millisecond
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", timeout.Milliseconds()),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	return &DB{
		DB:     sqlDB,
		path:   path,
		logger: logging.Component("db"),
	}, nil
}

// Path returns the database location.
func (db *DB) Path() string { return db.path }

// Transaction runs fn in a transaction, rolling back if fn fails.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
