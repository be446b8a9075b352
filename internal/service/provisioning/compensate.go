package provisioning

import (
	"context"
	"errors"

	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/saga"
	"github.com/ignite/mailrice/internal/store"
)

// undo is the compensation log of one operation together with the check
// that decides, under a fresh lock on the same name, whether the log still
// applies after the original transaction lost its locks.
type undo struct {
	*saga.Saga
	// applies reports that the change did not land and nobody else has
	// taken over the name since.
	applies func(ctx context.Context, tx Tx) (bool, error)
	// landed runs instead of the compensations when the change did land.
	landed func()
}

func newUndo(op string, applies func(ctx context.Context, tx Tx) (bool, error)) *undo {
	return &undo{Saga: saga.New(op), applies: applies}
}

// abort undoes a failed operation. While tx still holds its row locks the
// compensations run before the rollback, so a request queued on the same
// name only proceeds once they are finished. A cancelled context means the
// driver has already rolled back and released the locks; the name is then
// locked again before compensating.
func (c *Coordinator) abort(ctx context.Context, tx Tx, u *undo, err error) error {
	if ctx.Err() != nil {
		rollback(tx, u)
		c.relockAndCompensate(ctx, u)
		return err
	}
	u.Compensate(ctx)
	rollback(tx, u)
	return err
}

// commitFailed handles a failed Commit. The transaction is over, so the
// decision to compensate is made under a fresh lock.
func (c *Coordinator) commitFailed(ctx context.Context, u *undo, err error) error {
	c.relockAndCompensate(ctx, u)
	return err
}

func rollback(tx Tx, u *undo) {
	if err := tx.Rollback(); err != nil {
		logger.Error("rollback failed", "op", u.Op(), "op_id", u.ID(), "error", err)
	}
}

func (c *Coordinator) relockAndCompensate(ctx context.Context, u *undo) {
	if u.Len() == 0 {
		return
	}
	ctx, cancel := c.detached(ctx)
	defer cancel()

	tx, err := c.repo.Begin(ctx)
	if err != nil {
		cleanupFailed(u.Op(), "relock", u.ID(), err)
		return
	}
	defer tx.Rollback()

	ok, err := u.applies(ctx, tx)
	if err != nil {
		cleanupFailed(u.Op(), "relock", u.ID(), err)
		return
	}
	if !ok {
		logger.Warn("change committed or superseded; compensation skipped", "op", u.Op(), "op_id", u.ID())
		if u.landed != nil {
			u.landed()
		}
		u.Done()
		return
	}
	u.Compensate(ctx)
}

// domainAbsent applies while no row holds the name.
func domainAbsent(name string) func(ctx context.Context, tx Tx) (bool, error) {
	return func(ctx context.Context, tx Tx) (bool, error) {
		_, err := tx.LockDomainByName(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return true, nil
		case err != nil:
			return false, err
		default:
			return false, nil
		}
	}
}

// selectorUnchanged applies while the domain still uses selector.
func selectorUnchanged(name, selector string) func(ctx context.Context, tx Tx) (bool, error) {
	return func(ctx context.Context, tx Tx) (bool, error) {
		d, err := tx.LockDomainByName(ctx, name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Deleted meanwhile; DeleteDomain clears all of its artifacts.
			return false, nil
		case err != nil:
			return false, err
		default:
			return d.Selector == selector, nil
		}
	}
}

// mailboxAbsent applies while no row holds the address.
func mailboxAbsent(domainName, local string) func(ctx context.Context, tx Tx) (bool, error) {
	return func(ctx context.Context, tx Tx) (bool, error) {
		d, err := tx.LockDomainByName(ctx, domainName)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		_, err = tx.GetMailbox(ctx, d.ID, local)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return true, nil
		case err != nil:
			return false, err
		default:
			return false, nil
		}
	}
}

// mailboxKept applies while the mailbox row with id still exists.
func mailboxKept(domainName, local string, id int64) func(ctx context.Context, tx Tx) (bool, error) {
	return func(ctx context.Context, tx Tx) (bool, error) {
		d, err := tx.LockDomainByName(ctx, domainName)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		m, err := tx.GetMailbox(ctx, d.ID, local)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return false, nil
		case err != nil:
			return false, err
		default:
			return m.ID == id, nil
		}
	}
}
