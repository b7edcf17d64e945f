// Package sqlite opens the embedded relational store and runs schema migrations. The database is a single file with
// WAL sidecars; per-connection behaviour (busy timeout, cache, temp store) is applied through DSN pragmas so every
// pooled connection is configured identically.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/murmel-chat/murmel-server/internal/sqlite/migrations"
)

// maxReadConns bounds the connection pool. Reads run concurrently under WAL; writes are serialized by the write queue
// above this package, so the pool only needs enough connections for parallel readers.
const maxReadConns = 8

// gooseLogger adapts zerolog to the goose.Logger interface.
type gooseLogger struct {
	log zerolog.Logger
}

func (g gooseLogger) Fatalf(format string, v ...any) { g.log.Error().Msgf(format, v...) }
func (g gooseLogger) Printf(format string, v ...any) { g.log.Info().Msgf(format, v...) }

// Connect opens (or creates) the SQLite database at path and verifies the connection. The parent directory is created
// if missing.
func Connect(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(maxReadConns)
	db.SetMaxIdleConns(maxReadConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return db, nil
}

// DSN builds the connection string for the given database file, enabling WAL journaling, NORMAL synchronous mode, a
// 5-second busy timeout, an in-memory temp store, a 64 MiB page cache, and foreign key enforcement on every
// connection.
func DSN(path string) string {
	pragmas := url.Values{}
	for _, p := range []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
		"temp_store(MEMORY)",
		"cache_size(-65536)",
		"foreign_keys(ON)",
	} {
		pragmas.Add("_pragma", p)
	}
	return "file:" + path + "?" + pragmas.Encode()
}

// migrateMu serializes Migrate because goose configuration (base FS, dialect, logger) is process-global.
var migrateMu sync.Mutex

// Migrate runs all pending goose migrations using the embedded SQL files.
func Migrate(db *sql.DB) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log: log.Logger})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
