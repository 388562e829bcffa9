// Package storage provides the SQLite-backed snapshot store: raw contract history and
// per-timestamp flow aggregates.
//
// Several processes may share one database file. Writes go through a single connection per
// process that begins every transaction with BEGIN IMMEDIATE and retries lock contention
// with backoff; reads use a separate query-only pool so they never take the write lock.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rewired-gh/flowtrack/internal/logger"
	"github.com/rewired-gh/flowtrack/internal/retry"
)

var (
	// ErrNotFound is returned by single-row lookups with no match.
	ErrNotFound = errors.New("not found")
	// ErrStoreBusy wraps a lock error that persisted through every retry. It is transient.
	ErrStoreBusy = errors.New("store busy")
	// ErrReadOnly is returned by write methods on a store opened with OpenReadOnly.
	ErrReadOnly = errors.New("store is read-only")
)

// Config controls how the database is opened.
type Config struct {
	Path           string
	BusyTimeout    time.Duration // SQLite-level wait before reporting a lock
	MaxAttempts    int
	RetryBaseDelay time.Duration
	ReadConns      int
	// OnRetry is called with the operation name each time a write is retried.
	OnRetry func(op string)
}

// DefaultConfig returns the defaults for path.
func DefaultConfig(path string) Config {
	p := retry.DefaultPolicy()
	return Config{
		Path:           path,
		BusyTimeout:    5 * time.Second,
		MaxAttempts:    p.MaxAttempts,
		RetryBaseDelay: p.BaseDelay,
		ReadConns:      4,
	}
}

// Store is the snapshot store.
type Store struct {
	db       *sql.DB // writer, nil when read-only
	rdb      *sql.DB
	policy   retry.Policy
	onRetry  func(op string)
	readOnly bool
}

// Open opens or creates the database at cfg.Path and applies the schema.
// An empty path defaults to $TMPDIR/flowtrack/options.db.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = withDefaults(cfg)
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(cfg, false))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer per process; WAL lets readers proceed

	s := &Store{
		db:      db,
		policy:  retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryBaseDelay},
		onRetry: cfg.OnRetry,
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	if s.rdb, err = openReader(cfg); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database for reads only.
func OpenReadOnly(cfg Config) (*Store, error) {
	cfg = withDefaults(cfg)
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rdb, err := openReader(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{rdb: rdb, readOnly: true}, nil
}

func openReader(cfg Config) (*sql.DB, error) {
	rdb, err := sql.Open("sqlite", dsn(cfg, true))
	if err != nil {
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(cfg.ReadConns)
	return rdb, nil
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig(cfg.Path)
	if cfg.Path == "" {
		cfg.Path = filepath.Join(os.TempDir(), "flowtrack", "options.db")
	}
	if cfg.BusyTimeout < 0 {
		cfg.BusyTimeout = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = d.RetryBaseDelay
	}
	if cfg.ReadConns <= 0 {
		cfg.ReadConns = d.ReadConns
	}
	return cfg
}

func dsn(cfg Config, readOnly bool) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	if readOnly {
		q.Add("_pragma", "query_only(1)")
	} else {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
		q.Set("_txlock", "immediate")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes both pools.
func (s *Store) Close() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.rdb != nil {
		errs = append(errs, s.rdb.Close())
	}
	return errors.Join(errs...)
}

// ReadOnly reports whether the store rejects writes.
func (s *Store) ReadOnly() bool {
	return s.readOnly
}

func (s *Store) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS options_data (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol             TEXT NOT NULL,
			timestamp          INTEGER NOT NULL,
			option_type        TEXT NOT NULL CHECK (option_type IN ('CALL', 'PUT')),
			expiration_date    TEXT NOT NULL,
			strike_price       REAL NOT NULL,
			mark               REAL,
			bid                REAL,
			ask                REAL,
			last               REAL,
			total_volume       INTEGER,
			open_interest      INTEGER,
			delta              REAL,
			gamma              REAL,
			theta              REAL,
			vega               REAL,
			rho                REAL,
			implied_volatility REAL,
			theoretical_value  REAL,
			days_to_expiration INTEGER,
			intrinsic_value    REAL,
			extrinsic_value    REAL,
			underlying_price   REAL,
			data_source        TEXT,
			created_at         INTEGER NOT NULL,
			UNIQUE (symbol, timestamp, option_type, expiration_date, strike_price)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_options_symbol_timestamp ON options_data(symbol, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_options_expiration ON options_data(expiration_date)`,
		`CREATE TABLE IF NOT EXISTS options_flow_agg (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol               TEXT NOT NULL,
			timestamp            INTEGER NOT NULL,
			call_delta_volume    REAL NOT NULL,
			put_delta_volume     REAL NOT NULL,
			net_delta_volume     REAL NOT NULL,
			delta_ratio          REAL,
			call_volume          INTEGER NOT NULL,
			put_volume           INTEGER NOT NULL,
			total_volume         INTEGER NOT NULL,
			call_open_interest   INTEGER NOT NULL,
			put_open_interest    INTEGER NOT NULL,
			total_open_interest  INTEGER NOT NULL,
			put_call_ratio       REAL,
			put_call_oi_ratio    REAL,
			underlying_price     REAL NOT NULL,
			sentiment            TEXT NOT NULL,
			sentiment_strength   REAL NOT NULL,
			total_records        INTEGER NOT NULL,
			collection_timestamp INTEGER NOT NULL,
			data_available       INTEGER NOT NULL,
			updated_at           INTEGER NOT NULL,
			UNIQUE (symbol, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_agg_symbol_timestamp ON options_flow_agg(symbol, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_flow_agg_timestamp ON options_flow_agg(timestamp)`,
	}
	return s.withWriteTx(ctx, "create_tables", func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// withWriteTx runs fn in an immediate transaction, retrying the whole transaction while
// the database is locked. fn may run more than once and must not keep state across calls.
func (s *Store) withWriteTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	if s.readOnly {
		return ErrReadOnly
	}
	err := retry.Do(ctx, s.policy, IsLocked, func() error {
		return s.runTx(ctx, fn)
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("Store %s locked (attempt %d/%d), retrying in %v: %v",
			op, attempt, s.policy.MaxAttempts, wait, err)
		if s.onRetry != nil {
			s.onRetry(op)
		}
	})
	if err != nil && IsLocked(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrStoreBusy, err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsLocked reports whether err is SQLite lock contention.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is locked")
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
