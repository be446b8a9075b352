package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL driver and locking strategy.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Options configures Open.
type Options struct {
	Driver       string
	URL          string
	MaxOpenConns int
	// LockTimeout bounds row lock waits (PostgreSQL lock_timeout, SQLite
	// busy_timeout).
	LockTimeout time.Duration
}

// Store persists domains, mailboxes, API keys and audit events.
//
// Mutations go through a Tx obtained from Begin. On SQLite the writer pool
// holds one connection, so every transaction is serialised and the reader
// pool serves the non-transactional queries.
type Store struct {
	dialect     Dialect
	writer      *sqlx.DB
	reader      *sqlx.DB
	lockTimeout time.Duration
}

// Open connects to the database described by opts.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect := Dialect(strings.ToLower(opts.Driver))
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}

	switch dialect {
	case DialectPostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
			db.SetMaxIdleConns(opts.MaxOpenConns / 2)
		}
		db.SetConnMaxLifetime(5 * time.Minute)
		return &Store{dialect: dialect, writer: db, reader: db, lockTimeout: opts.LockTimeout}, nil

	case DialectSQLite:
		dsn := sqliteDSN(opts.URL, opts.LockTimeout)
		writer, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite writer: %w", err)
		}
		writer.SetMaxOpenConns(1)

		reader, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("open sqlite reader: %w", err)
		}
		reader.SetMaxOpenConns(4)
		return &Store{dialect: dialect, writer: writer, reader: reader, lockTimeout: opts.LockTimeout}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
}

// New wraps an existing connection. Used by tests and by callers that manage
// their own pool.
func New(db *sql.DB, dialect Dialect) *Store {
	x := sqlx.NewDb(db, string(dialect))
	return &Store{dialect: dialect, writer: x, reader: x, lockTimeout: 5 * time.Second}
}

func sqliteDSN(path string, busy time.Duration) string {
	path = strings.TrimPrefix(path, "sqlite://")
	if strings.Contains(path, "?") {
		return path
	}
	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, busy.Milliseconds(),
	)
}

// Dialect reports the backing database kind.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the writer pool, e.g. for PostgreSQL advisory locks.
func (s *Store) DB() *sql.DB { return s.writer.DB }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.writer.PingContext(ctx) }

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if s.reader != s.writer {
		if err := s.reader.Close(); err != nil {
			firstErr = fmt.Errorf("close reader: %w", err)
		}
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}
	return firstErr
}

// Begin opens a write transaction. On PostgreSQL the transaction's lock
// waits are bounded by the configured lock timeout.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("begin: %w", err))
	}
	if s.dialect == DialectPostgres && s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, classify(fmt.Errorf("set lock_timeout: %w", err))
		}
	}
	return &Tx{tx: tx, dialect: s.dialect}, nil
}
