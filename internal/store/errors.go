package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned on a unique constraint violation.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrReferenced is returned when a delete is blocked by a foreign key.
	ErrReferenced = errors.New("store: row still referenced")
	// ErrLockTimeout covers lock wait timeouts, deadlocks and serialization
	// failures. Callers may retry the whole transaction.
	ErrLockTimeout = errors.New("store: lock timeout")
)

// PostgreSQL SQLSTATE codes the store classifies.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqLockNotAvailable    = "55P03"
	pqSerialization       = "40001"
	pqDeadlock            = "40P01"
	pqQueryCanceled       = "57014"
)

// classify maps driver errors onto the store sentinels. The original error
// stays in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case pqForeignKeyViolation:
			return fmt.Errorf("%w: %w", ErrReferenced, err)
		case pqLockNotAvailable, pqSerialization, pqDeadlock, pqQueryCanceled:
			return fmt.Errorf("%w: %w", ErrLockTimeout, err)
		}
		return err
	}

	// modernc.org/sqlite reports constraint and busy errors by message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint"):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case strings.Contains(msg, "FOREIGN KEY constraint"):
		return fmt.Errorf("%w: %w", ErrReferenced, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}
	return err
}
