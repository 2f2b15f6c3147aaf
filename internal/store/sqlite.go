package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions applies to directories created for database files.
const DefaultDirPermissions = 0o755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists dispatch state in a single SQLite file.
type SQLiteStore struct {
	sqlDB
}

// sqlitePath extracts the file path from a plain path or "file:" URI.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// NewSQLiteStore opens the SQLite database named by WithSQLiteDSN, creating
// its directory and schema if needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlite store: DSN not set")
	}
	if path := sqlitePath(cfg.DSN); path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	slog.Debug("NewSQLiteStore: opening", "path", sqlitePath(cfg.DSN))
	db, err := openSQL("SQLiteStore", "sqlite3", cfg.DSN, sqliteMigrations, false, func(db *sql.DB) {
		// SQLite serialises writers; one connection avoids "database is locked".
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db}, nil
}
