package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"harvestd/internal/adapters/migrations"
)

// DB is the SQLite-backed scan store.
type DB struct {
	SQL *sql.DB
}

// Open opens the SQLite database at path, which may be a plain file name or
// a "file:" URI with its own query parameters, with WAL mode enabled and
// applies migrations. The parent directory is created if it does not exist.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if file := filePath(path); file != "" && file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0o750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Single writer connection for SQLite; also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.SQLite, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{SQL: db}, nil
}

func (db *DB) Close() error { return db.SQL.Close() }

// filePath strips the "file:" scheme and query parameters from a DSN.
func filePath(dsn string) string {
	file, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return file
}
