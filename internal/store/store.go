// Package store provides the persistent SQLite-backed storage layer used by
// the ring and trip bookkeeping core.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single-connection SQLite database. The DB Actor is the only
// caller expected to hold a Store; one connection is enough and avoids the
// pool handing out a second connection to some other goroutine.
type Store struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds the options used to open a Store.
type Config struct {
	Path            string
	BusyTimeout     time.Duration
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sensible defaults rooted at dataDir.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:            filepath.Join(dataDir, "dashcam.db"),
		BusyTimeout:     100 * time.Millisecond,
		ConnMaxLifetime: 0,
	}
}

// Open opens the database file, creating its parent directory if needed, and
// applies the pragmas required for crash-consistent single-writer operation.
func Open(cfg *Config) (*Store, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	busyMs := cfg.BusyTimeout.Milliseconds()
	if busyMs <= 0 {
		busyMs = 100
	}
	connStr := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=ON&_temp_store=MEMORY",
		cfg.Path, busyMs,
	)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection: the DB Actor serializes all access anyway, and a
	// pool would let some other goroutine bypass the actor by grabbing a
	// second connection to the same file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database opened", "path", cfg.Path)

	return &Store{DB: db, path: cfg.Path, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.logger.Info("closing database")
	return s.DB.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Health pings the database with a bounded timeout.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.PingContext(ctx)
}

// ApplySchema executes a schema text blob inside a single transaction. The
// core does not version-migrate; this is the one-shot entry point for an
// already-known-good schema.
func (s *Store) ApplySchema(ctx context.Context, schema string) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
		return nil
	})
}

// Transaction runs fn inside a begin/commit/rollback wrapper.
func (s *Store) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetSize returns the database file size in bytes.
func (s *Store) GetSize() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Checkpoint forces a WAL checkpoint, truncating the WAL file.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}
