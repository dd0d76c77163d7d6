package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Options tunes the connections opened by Open.
type Options struct {
	// ReadPoolSize is the maximum number of concurrent read connections
	ReadPoolSize int

	// BusyTimeout is how long a connection waits on a locked database
	BusyTimeout time.Duration
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		ReadPoolSize: 4,
		BusyTimeout:  5 * time.Second,
	}
}

// Store wraps the SQLite database. All writes go through a single connection;
// streams and queries use a separate read pool so that a long read never holds
// the write connection.
type Store struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	path   string
}

// Open opens (creating if needed) the database at path and applies the core schema.
func Open(path string, opts Options) (*Store, error) {
	if opts.ReadPoolSize < 1 {
		opts.ReadPoolSize = DefaultOptions().ReadPoolSize
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultOptions().BusyTimeout
	}
	busy := opts.BusyTimeout.Milliseconds()

	// Write connection: single writer with WAL mode. Transactions begin
	// IMMEDIATE so the write lock is taken up front and seq allocation is
	// serialized across processes. Recursive triggers make REPLACE conflict
	// resolution fire the events delete guard.
	db, err := sql.Open("sqlite3", fmt.Sprintf(
		"%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_synchronous=FULL&_recursive_triggers=on", path, busy))
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}

	// Read connection pool: opened after the schema exists
	readDB, err := sql.Open("sqlite3", fmt.Sprintf(
		"%s?_journal_mode=WAL&_busy_timeout=%d", path, busy))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(opts.ReadPoolSize)
	readDB.SetMaxIdleConns(opts.ReadPoolSize)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

// initSchema creates all core tables and records the schema version.
func (s *Store) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	var stored string
	err := s.db.QueryRow("SELECT value FROM store_meta WHERE key = 'schema_version'").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec("INSERT INTO store_meta (key, value) VALUES ('schema_version', ?)",
			strconv.Itoa(SchemaVersion))
		return err
	case err != nil:
		return err
	}

	v, err := strconv.Atoi(stored)
	if err != nil {
		return fmt.Errorf("corrupt schema_version %q: %w", stored, err)
	}
	if v > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", v, SchemaVersion)
	}
	return nil
}

// DB returns the single write connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ReadDB returns the read connection pool.
func (s *Store) ReadDB() *sql.DB {
	return s.readDB
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// WithTx runs fn inside a write transaction, committing when fn returns nil.
// fn must not use the write connection outside tx or it will block forever.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: failed to commit transaction: %w", err)
	}
	return nil
}

// TableExists reports whether a table with the given name exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// Close closes the read pool first, then the write connection.
func (s *Store) Close() error {
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

// IsConstraintError reports whether err is a SQLite constraint violation.
func IsConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// IsBusyError reports whether err means the database was locked by another writer.
func IsBusyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
