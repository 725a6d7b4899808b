// Package db keeps relay state in SQLite: the protocol credentials that let
// a session resume without pairing again.
package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

type DB struct {
	*sql.DB
}

// Open creates the database file and its directory if needed and applies
// the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Credential updates arrive from listener goroutines; one writer keeps
	// them ordered.
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	slog.Info("database opened", "path", path)
	return &DB{sqlDB}, nil
}

func migrate(sqlDB *sql.DB) error {
	var version int
	if err := sqlDB.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this relay (v%d)", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if _, err := sqlDB.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}
