// Package store is the relational persistence layer of the sync engine. All
// entities keyed by an external identifier are written with atomic
// upsert-by-key statements, so repeated passes over the same payload converge
// to one row per identifier.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// dbDirPermissions is the mode of a database directory created by Open.
const dbDirPermissions = 0o755

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// querier is satisfied by both *sql.DB and *sql.Tx so the upsert helpers
// can run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the sole writer to the sync database.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

// Open opens the SQLite database at dbPath, runs migrations, and returns a
// ready-to-use Store. The database uses WAL mode with synchronous=FULL.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dbDirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating database directory: %w", err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("db_path", dbPath))

	return &Store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetNowFunc overrides the clock used for updated_at stamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.nowFunc = fn
}

// Tx is one atomic unit of work. All writes made through it land together
// or not at all.
type Tx struct {
	tx  *sql.Tx
	now int64
}

// InTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx, now: s.nowFunc().UnixNano()}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing transaction: %w", err)
	}

	return nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}

	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}

	return args
}

func int64Args(vals []int64) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}

	return args
}

// sqliteMaxVars keeps IN (...) lists below SQLite's bound-parameter limit.
const sqliteMaxVars = 500

// chunked calls fn on consecutive slices of at most sqliteMaxVars elements.
func chunked[T any](vals []T, fn func([]T) error) error {
	for start := 0; start < len(vals); start += sqliteMaxVars {
		end := min(start+sqliteMaxVars, len(vals))
		if err := fn(vals[start:end]); err != nil {
			return err
		}
	}

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}

	return sql.NullString{String: s, Valid: true}
}

func nullInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: n, Valid: true}
}
