package provisioning

import (
	"context"
	"errors"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/store"
)

// MailboxRequest is the input of CreateMailbox.
type MailboxRequest struct {
	Domain    string
	LocalPart string
	Password  string
	QuotaMB   int
}

// CreateMailbox adds a mailbox row and its maildir tree.
func (c *Coordinator) CreateMailbox(ctx context.Context, req MailboxRequest) (*domain.Mailbox, error) {
	domainName := domain.NormalizeName(req.Domain)
	local := domain.NormalizeName(req.LocalPart)
	spec := domain.MailboxSpec{LocalPart: local, Password: req.Password, QuotaMB: req.QuotaMB}
	if err := domain.Validate(spec); err != nil {
		return nil, c.fail(OpCreateMailbox, invalid(OpCreateMailbox, err))
	}

	var created *domain.Mailbox
	err := c.run(ctx, OpCreateMailbox, func(ctx context.Context) error {
		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		u := newUndo(OpCreateMailbox, mailboxAbsent(domainName, local))

		d, err := tx.LockDomainByName(ctx, domainName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = notFound(OpCreateMailbox, "domain %s does not exist", domainName)
			}
			return c.abort(ctx, tx, u, err)
		}

		if _, err := tx.GetMailbox(ctx, d.ID, local); err == nil {
			return c.abort(ctx, tx, u, conflict(OpCreateMailbox, "mailbox %s@%s already exists", local, domainName))
		} else if !errors.Is(err, store.ErrNotFound) {
			return c.abort(ctx, tx, u, err)
		}

		hash, err := c.hasher.Hash(req.Password)
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}

		made, err := c.maildirs.Create(domainName, local)
		if err != nil {
			if made {
				u.Add("remove maildir", func(context.Context) error { return c.maildirs.Remove(domainName, local) })
			}
			return c.abort(ctx, tx, u, err)
		}
		if made {
			u.Add("remove maildir", func(context.Context) error { return c.maildirs.Remove(domainName, local) })
		} else {
			logger.Info("reusing existing maildir", "domain", domainName, "local_part", local)
		}

		m := &domain.Mailbox{DomainID: d.ID, LocalPart: local, PasswordHash: hash, QuotaMB: req.QuotaMB}
		if err := tx.InsertMailbox(ctx, m); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				err = conflict(OpCreateMailbox, "mailbox %s@%s already exists", local, domainName)
			}
			return c.abort(ctx, tx, u, err)
		}
		ev := event(domain.EventMailboxCreated, m.Address(domainName), map[string]interface{}{
			"domain_id": d.ID, "mailbox_id": m.ID, "quota_mb": m.QuotaMB,
		})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		if err := tx.Commit(); err != nil {
			return c.commitFailed(ctx, u, err)
		}
		u.Done()

		logger.Info("mailbox created", "address", m.Address(domainName), "quota_mb", m.QuotaMB)
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// DeleteMailbox removes a mailbox row and its maildir tree.
func (c *Coordinator) DeleteMailbox(ctx context.Context, domainName, localPart string) error {
	domainName, local := domain.NormalizeName(domainName), domain.NormalizeName(localPart)
	return c.run(ctx, OpDeleteMailbox, func(ctx context.Context) error {
		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		u := newUndo(OpDeleteMailbox, nil)

		d, m, err := c.lockMailbox(ctx, tx, OpDeleteMailbox, domainName, local)
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}

		u.applies = mailboxKept(domainName, local, m.ID)

		if err := tx.DeleteMailbox(ctx, m.ID); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		ev := event(domain.EventMailboxDeleted, m.Address(d.Name), map[string]interface{}{"domain_id": d.ID, "mailbox_id": m.ID})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return c.abort(ctx, tx, u, err)
		}

		staged, err := c.maildirs.Stage(domainName, local, m.ID)
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("restore maildir", func(context.Context) error { return staged.Restore() })
		purge := func() {
			if err := staged.Purge(); err != nil {
				cleanupFailed(OpDeleteMailbox, "purge_maildir", m.Address(d.Name), err)
			}
		}
		u.landed = purge

		if err := tx.Commit(); err != nil {
			return c.commitFailed(ctx, u, err)
		}
		u.Done()

		purge()
		logger.Info("mailbox deleted", "address", m.Address(d.Name))
		return nil
	})
}

// UpdateMailboxPassword stores a new password hash for a mailbox.
func (c *Coordinator) UpdateMailboxPassword(ctx context.Context, domainName, localPart, newPassword string) error {
	domainName, local := domain.NormalizeName(domainName), domain.NormalizeName(localPart)
	if err := domain.Validate(domain.PasswordSpec{Password: newPassword}); err != nil {
		return c.fail(OpUpdatePassword, invalid(OpUpdatePassword, err))
	}
	return c.run(ctx, OpUpdatePassword, func(ctx context.Context) error {
		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		d, m, err := c.lockMailbox(ctx, tx, OpUpdatePassword, domainName, local)
		if err != nil {
			return err
		}
		hash, err := c.hasher.Hash(newPassword)
		if err != nil {
			return err
		}
		if err := tx.UpdatePassword(ctx, m.ID, hash); err != nil {
			return err
		}
		ev := event(domain.EventMailboxPasswordChanged, m.Address(d.Name), map[string]interface{}{"mailbox_id": m.ID})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.Info("mailbox password changed", "address", m.Address(d.Name))
		return nil
	})
}

// lockMailbox locks the domain row and then the mailbox row.
func (c *Coordinator) lockMailbox(ctx context.Context, tx Tx, op, domainName, local string) (*domain.Domain, *domain.Mailbox, error) {
	d, err := tx.LockDomainByName(ctx, domainName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, notFound(op, "domain %s does not exist", domainName)
		}
		return nil, nil, err
	}
	m, err := tx.GetMailbox(ctx, d.ID, local)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, notFound(op, "mailbox %s@%s does not exist", local, domainName)
		}
		return nil, nil, err
	}
	return d, m, nil
}

// ListMailboxes returns the mailboxes of a domain.
func (c *Coordinator) ListMailboxes(ctx context.Context, domainName string) ([]domain.Mailbox, error) {
	d, err := c.GetDomain(ctx, domainName)
	if err != nil {
		return nil, err
	}
	ms, err := c.repo.ListMailboxes(ctx, d.ID)
	if err != nil {
		return nil, classify("list_mailboxes", err)
	}
	return ms, nil
}
