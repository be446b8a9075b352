// Package saga records compensating actions for multi-step operations and
// runs them in reverse when the operation fails partway.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailrice/internal/metrics"
	"github.com/ignite/mailrice/internal/pkg/logger"
)

// DefaultTimeout bounds a whole compensation run.
const DefaultTimeout = 30 * time.Second

// Undo reverses one completed step.
type Undo func(ctx context.Context) error

type step struct {
	name string
	undo Undo
}

// Saga is the compensation log of one operation. It is not safe for
// concurrent use.
type Saga struct {
	op      string
	id      string
	steps   []step
	done    bool
	timeout time.Duration
}

// New starts a compensation log for op.
func New(op string) *Saga {
	return &Saga{op: op, id: uuid.New().String(), timeout: DefaultTimeout}
}

// ID identifies this operation in logs.
func (s *Saga) ID() string { return s.id }

// Op returns the operation name the log was started for.
func (s *Saga) Op() string { return s.op }

// Add registers the inverse of a step that has just succeeded.
func (s *Saga) Add(name string, undo Undo) {
	s.steps = append(s.steps, step{name: name, undo: undo})
}

// Len returns the number of registered steps.
func (s *Saga) Len() int { return len(s.steps) }

// Done discards the log after the operation succeeded.
func (s *Saga) Done() {
	s.done = true
	s.steps = nil
}

// Compensate runs the registered inverses newest first. Every step runs even
// if an earlier one fails; failures are logged, never returned. A fresh
// context is used so a cancelled request still cleans up. It returns the
// number of failed steps.
func (s *Saga) Compensate(ctx context.Context) int {
	if s.done || len(s.steps) == 0 {
		return 0
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	failed := 0
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		err := runUndo(cctx, st.undo)
		metrics.Compensation(s.op, err == nil)
		if err != nil {
			failed++
			logger.Error("compensation step failed",
				"op", s.op, "op_id", s.id, "step", st.name, "error", err)
			continue
		}
		logger.Debug("compensation step done", "op", s.op, "op_id", s.id, "step", st.name)
	}
	s.steps = nil
	return failed
}

func runUndo(ctx context.Context, undo Undo) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return undo(ctx)
}

type panicError struct{ v interface{} }

func (p panicError) Error() string { return fmt.Sprintf("panic in compensation: %v", p.v) }
