package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/distlock"
	"github.com/ignite/mailrice/internal/store"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrNotFound      = errors.New("not found")
	ErrTransientLock = errors.New("lock unavailable, retry later")
	ErrFatalStorage  = errors.New("storage failure")
)

// Error is returned by every Coordinator operation.
type Error struct {
	Op     string
	Kind   error
	Msg    string
	Fields []domain.FieldError
	// MailboxCount is set on DeleteDomain conflicts.
	MailboxCount int
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, kind error, msg string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Err: cause}
}

func conflict(op, format string, args ...interface{}) *Error {
	return newError(op, ErrConflict, fmt.Sprintf(format, args...), nil)
}

func notFound(op, format string, args ...interface{}) *Error {
	return newError(op, ErrNotFound, fmt.Sprintf(format, args...), nil)
}

func invalid(op string, err error) *Error {
	e := newError(op, ErrValidation, "", nil)
	var ve domain.ValidationErrors
	if errors.As(err, &ve) {
		e.Fields = ve
		e.Msg = ve.Error()
		return e
	}
	e.Msg = err.Error()
	return e
}

// classify maps lower-layer errors onto the error kinds.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var ve domain.ValidationErrors
	if errors.As(err, &ve) {
		return invalid(op, err)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(op, ErrNotFound, "", err)
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, store.ErrReferenced):
		return newError(op, ErrConflict, "", err)
	case errors.Is(err, store.ErrLockTimeout),
		errors.Is(err, distlock.ErrNotAcquired),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(op, ErrTransientLock, "", err)
	default:
		return newError(op, ErrFatalStorage, "", err)
	}
}

// kindLabel names an error kind for metrics and logs.
func kindLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransientLock):
		return "transient_lock"
	default:
		return "fatal_storage"
	}
}
