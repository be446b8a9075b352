package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/signing"
	"github.com/ignite/mailrice/internal/store"
)

// CreateDomain provisions a domain with a fresh signing key registered in
// both signing tables.
func (c *Coordinator) CreateDomain(ctx context.Context, name, selector string) (*domain.Domain, error) {
	name, selector = domain.NormalizeName(name), domain.NormalizeName(selector)
	if err := domain.Validate(domain.DomainSpec{Name: name, Selector: selector}); err != nil {
		return nil, c.fail(OpCreateDomain, invalid(OpCreateDomain, err))
	}

	var created *domain.Domain
	err := c.run(ctx, OpCreateDomain, func(ctx context.Context) error {
		var kp *signing.KeyPair
		if c.keygen == KeygenBeforeLock {
			var err error
			if kp, err = c.generateKey(); err != nil {
				return err
			}
		}

		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		u := newUndo(OpCreateDomain, domainAbsent(name))

		if _, err := tx.LockDomainByName(ctx, name); err == nil {
			return c.abort(ctx, tx, u, conflict(OpCreateDomain, "domain %s already exists", name))
		} else if !errors.Is(err, store.ErrNotFound) {
			return c.abort(ctx, tx, u, err)
		}

		if kp == nil {
			if kp, err = c.generateKey(); err != nil {
				return c.abort(ctx, tx, u, err)
			}
		}

		keyPath, err := c.keys.Write(name, selector, kp.PEM)
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("remove key material", func(context.Context) error {
			return c.keys.Remove(name, selector)
		})

		entry := signing.Entry{Domain: name, Selector: selector, KeyPath: keyPath}
		if err := c.registerEntry(ctx, entry); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("remove signing entries", func(ctx context.Context) error {
			return c.signing.RemovePair(ctx, name)
		})

		if err := c.escrow.Put(ctx, name, selector, kp.PEM); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("delete escrow copy", func(ctx context.Context) error {
			return c.escrow.Delete(ctx, name, selector)
		})

		d := &domain.Domain{Name: name, Selector: selector, PublicKey: kp.PublicKey, PrivateKeyRef: keyPath}
		if err := tx.InsertDomain(ctx, d); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				err = conflict(OpCreateDomain, "domain %s already exists", name)
			}
			return c.abort(ctx, tx, u, err)
		}
		ev := event(domain.EventDomainCreated, name, map[string]interface{}{"domain_id": d.ID, "selector": selector})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		if err := tx.Commit(); err != nil {
			return c.commitFailed(ctx, u, err)
		}
		u.Done()

		c.reload.Notify()
		logger.Info("domain created", "domain", name, "selector", selector, "op_id", u.ID())
		created = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// registerEntry appends the pair, first clearing entries of the same domain
// left behind by an earlier failed attempt.
func (c *Coordinator) registerEntry(ctx context.Context, e signing.Entry) error {
	entries, err := c.signing.Entries()
	if err != nil {
		return err
	}
	signingEntries, err := c.signing.SigningEntries()
	if err != nil {
		return err
	}
	stale := len(signingEntries[e.Domain]) > 0
	for _, x := range entries {
		if x.Domain == e.Domain && x != e {
			stale = true
		}
	}
	if stale {
		logger.Warn("replacing leftover signing entries", "domain", e.Domain)
		return c.signing.ReplacePair(ctx, e, e)
	}
	return c.signing.AppendPair(ctx, e)
}

// DeleteDomain removes a domain that has no mailboxes, then its signing
// entries and key material.
func (c *Coordinator) DeleteDomain(ctx context.Context, name string) error {
	name = domain.NormalizeName(name)
	return c.run(ctx, OpDeleteDomain, func(ctx context.Context) error {
		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		d, err := tx.LockDomainByName(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return notFound(OpDeleteDomain, "domain %s does not exist", name)
			}
			return err
		}

		n, err := tx.CountMailboxes(ctx, d.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			e := conflict(OpDeleteDomain, "domain %s still has %d mailboxes", name, n)
			e.MailboxCount = n
			return e
		}

		if err := tx.DeleteDomain(ctx, d.ID); err != nil {
			return err
		}
		ev := event(domain.EventDomainDeleted, name, map[string]interface{}{"domain_id": d.ID, "selector": d.Selector})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		// The row is gone; from here on failures are only logged.
		c.removeDomainArtifacts(ctx, OpDeleteDomain, name, d.Selector)
		c.reload.Notify()
		logger.Info("domain deleted", "domain", name)
		return nil
	})
}

// removeDomainArtifacts clears the signing entries, key files and escrow copy
// of a deleted domain. It re-takes the name lock first and does nothing if
// the domain was created again in the meantime.
func (c *Coordinator) removeDomainArtifacts(ctx context.Context, op, name, selector string) {
	ctx, cancel := c.detached(ctx)
	defer cancel()
	tx, err := c.repo.Begin(ctx)
	if err != nil {
		cleanupFailed(op, "lock", name, err)
		return
	}
	defer tx.Rollback()

	if _, err := tx.LockDomainByName(ctx, name); err == nil {
		logger.Info("domain recreated before cleanup; keeping artifacts", "domain", name)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		cleanupFailed(op, "lock", name, err)
		return
	}

	if err := c.signing.RemovePair(ctx, name); err != nil {
		cleanupFailed(op, "signing_entries", name, err)
	}
	if err := c.keys.RemoveDomain(name); err != nil {
		cleanupFailed(op, "key_material", name, err)
	}
	if selector != "" {
		if err := c.escrow.Delete(ctx, name, selector); err != nil {
			cleanupFailed(op, "escrow", name, err)
		}
	}
}

// RotateSigningKey replaces a domain's key pair and selector.
func (c *Coordinator) RotateSigningKey(ctx context.Context, name, newSelector string) (*domain.Domain, error) {
	name, newSelector = domain.NormalizeName(name), domain.NormalizeName(newSelector)
	if err := domain.Validate(domain.SelectorSpec{Selector: newSelector}); err != nil {
		return nil, c.fail(OpRotateKey, invalid(OpRotateKey, err))
	}

	var rotated *domain.Domain
	err := c.run(ctx, OpRotateKey, func(ctx context.Context) error {
		tx, err := c.repo.Begin(ctx)
		if err != nil {
			return err
		}
		u := newUndo(OpRotateKey, nil)

		d, err := tx.LockDomainByName(ctx, name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				err = notFound(OpRotateKey, "domain %s does not exist", name)
			}
			return c.abort(ctx, tx, u, err)
		}
		if d.Selector == newSelector {
			e := invalid(OpRotateKey, fmt.Errorf("selector must differ from the current one"))
			e.Fields = []domain.FieldError{{Field: "selector", Rule: "changed", Message: e.Msg}}
			return c.abort(ctx, tx, u, e)
		}
		oldSelector := d.Selector
		u.applies = selectorUnchanged(name, oldSelector)

		kp, err := c.generateKey()
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}
		keyPath, err := c.keys.Write(name, newSelector, kp.PEM)
		if err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("remove new key material", func(context.Context) error {
			return c.keys.Remove(name, newSelector)
		})

		old := signing.Entry{Domain: name, Selector: oldSelector, KeyPath: d.PrivateKeyRef}
		next := signing.Entry{Domain: name, Selector: newSelector, KeyPath: keyPath}
		if err := c.signing.ReplacePair(ctx, old, next); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("restore signing entries", func(ctx context.Context) error {
			return c.signing.ReplacePair(ctx, next, old)
		})

		if err := c.escrow.Put(ctx, name, newSelector, kp.PEM); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		u.Add("delete new escrow copy", func(ctx context.Context) error {
			return c.escrow.Delete(ctx, name, newSelector)
		})

		if err := tx.UpdateDomainKey(ctx, d.ID, newSelector, kp.PublicKey, keyPath); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		ev := event(domain.EventDomainKeyRotated, name, map[string]interface{}{
			"domain_id": d.ID, "old_selector": oldSelector, "new_selector": newSelector,
		})
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return c.abort(ctx, tx, u, err)
		}
		if err := tx.Commit(); err != nil {
			return c.commitFailed(ctx, u, err)
		}
		u.Done()

		c.removeOldKey(ctx, name, oldSelector)
		c.reload.Notify()
		logger.Info("signing key rotated", "domain", name, "old_selector", oldSelector, "new_selector", newSelector)

		d.Selector, d.PublicKey, d.PrivateKeyRef = newSelector, kp.PublicKey, keyPath
		rotated = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rotated, nil
}

// removeOldKey deletes a superseded key once the row no longer points at it.
func (c *Coordinator) removeOldKey(ctx context.Context, name, oldSelector string) {
	ctx, cancel := c.detached(ctx)
	defer cancel()
	tx, err := c.repo.Begin(ctx)
	if err != nil {
		cleanupFailed(OpRotateKey, "lock", name, err)
		return
	}
	defer tx.Rollback()

	d, err := tx.LockDomainByName(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleted meanwhile; DeleteDomain removes the whole key directory.
		return
	case err != nil:
		cleanupFailed(OpRotateKey, "lock", name, err)
		return
	case d.Selector == oldSelector:
		return
	}
	if err := c.keys.Remove(name, oldSelector); err != nil {
		cleanupFailed(OpRotateKey, "old_key", name, err)
	}
	if err := c.escrow.Delete(ctx, name, oldSelector); err != nil {
		cleanupFailed(OpRotateKey, "old_escrow", name, err)
	}
}

// GetDomain returns one domain.
func (c *Coordinator) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	name = domain.NormalizeName(name)
	d, err := c.repo.GetDomain(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, notFound("get_domain", "domain %s does not exist", name)
		}
		return nil, classify("get_domain", err)
	}
	return d, nil
}

// ListDomains returns all domains.
func (c *Coordinator) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	ds, err := c.repo.ListDomains(ctx)
	if err != nil {
		return nil, classify("list_domains", err)
	}
	return ds, nil
}

// fail records a request rejected before any work started.
func (c *Coordinator) fail(op string, e *Error) error {
	return c.run(context.Background(), op, func(context.Context) error { return e })
}
