// Package db persists candles, orders, trades, positions, risk alerts
// and backtest runs in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Database owns the sqlite handle. Callers go through the query methods
// on this type rather than touching SQL directly.
type Database struct {
	DB *sql.DB
}

// New opens the database file at path, creating parent directories on
// first run.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return open(path)
}

// NewInMemory opens a private in-memory database, used by tests and
// fully isolated backtest runs.
func NewInMemory() (*Database, error) {
	return open(":memory:")
}

func open(dsn string) (*Database, error) {
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	// sqlite serializes writes anyway; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	handle.SetMaxOpenConns(1)
	return &Database{DB: handle}, nil
}

// Close releases the handle. Safe on a nil receiver.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
