package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/metrics"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/signing"
	"github.com/ignite/mailrice/internal/store"
)

// ReconcileReport lists what a Reconcile pass changed or found.
type ReconcileReport struct {
	// RepairedEntries are domains whose signing entries were rewritten.
	RepairedEntries []string `json:"repaired_entries"`
	// RemovedEntries are domains without a row whose entries were dropped.
	RemovedEntries []string `json:"removed_entries"`
	// RemovedKeyDirs are key directories of domains without a row.
	RemovedKeyDirs []string `json:"removed_key_dirs"`
	// CreatedMaildirs are addresses whose maildir tree was recreated.
	CreatedMaildirs []string `json:"created_maildirs"`
	// OrphanMaildirs are trees without a mailbox row. They are never deleted.
	OrphanMaildirs []string `json:"orphan_maildirs"`
	Errors         []string `json:"errors"`
}

// Changed reports whether the pass modified anything.
func (r *ReconcileReport) Changed() bool {
	return len(r.RepairedEntries)+len(r.RemovedEntries)+len(r.RemovedKeyDirs)+len(r.CreatedMaildirs) > 0
}

func (r *ReconcileReport) fail(name, step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %s: %v", name, step, err))
	logger.Error("reconcile step failed", "domain", name, "step", step, "error", err)
}

// Reconcile brings the signing tables, key directories and maildirs back in
// line with the database. Each domain name is handled under its own lock.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	err := c.run(ctx, OpReconcile, func(ctx context.Context) error {
		names, err := c.reconcileNames(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.reconcileDomain(ctx, name, report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	logger.Info("reconcile finished",
		"repaired", len(report.RepairedEntries), "removed", len(report.RemovedEntries),
		"maildirs_created", len(report.CreatedMaildirs), "orphans", len(report.OrphanMaildirs),
		"errors", len(report.Errors))
	return report, nil
}

// reconcileNames is the union of names known to any substrate.
func (c *Coordinator) reconcileNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	rows, err := c.repo.ListDomains(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range rows {
		seen[d.Name] = true
	}
	sources := []func() ([]string, error){c.signing.Domains, c.keys.Domains, c.maildirs.Domains}
	for _, list := range sources {
		names, err := list()
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			seen[n] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// reconcileDomain returns an error only when the name cannot be locked;
// repair failures are collected in the report.
func (c *Coordinator) reconcileDomain(ctx context.Context, name string, r *ReconcileReport) error {
	tx, err := c.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	d, err := tx.LockDomainByName(ctx, name)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.reconcileAbsent(ctx, name, r)
		return nil
	case err != nil:
		return err
	}

	c.reconcileEntries(ctx, d, r)
	c.reconcileMaildirs(ctx, d, r)
	return nil
}

func (c *Coordinator) reconcileAbsent(ctx context.Context, name string, r *ReconcileReport) {
	entries, err := c.signing.Entries()
	if err != nil {
		r.fail(name, "read key table", err)
		return
	}
	signingEntries, err := c.signing.SigningEntries()
	if err != nil {
		r.fail(name, "read signing table", err)
		return
	}
	present := len(signingEntries[name]) > 0
	for _, e := range entries {
		if e.Domain == name {
			present = true
		}
	}
	if present {
		if err := c.signing.RemovePair(ctx, name); err != nil {
			r.fail(name, "remove entries", err)
		} else {
			r.RemovedEntries = append(r.RemovedEntries, name)
			metrics.ReconcileAction("remove_entries")
			c.reload.Notify()
		}
	}

	keyDomains, err := c.keys.Domains()
	if err != nil {
		r.fail(name, "list key dirs", err)
	} else if contains(keyDomains, name) {
		if err := c.keys.RemoveDomain(name); err != nil {
			r.fail(name, "remove key dir", err)
		} else {
			r.RemovedKeyDirs = append(r.RemovedKeyDirs, name)
			metrics.ReconcileAction("remove_key_dir")
		}
	}

	locals, err := c.maildirs.Mailboxes(name)
	if err != nil {
		r.fail(name, "list maildirs", err)
		return
	}
	for _, l := range locals {
		r.OrphanMaildirs = append(r.OrphanMaildirs, l+"@"+name)
	}
}

func (c *Coordinator) reconcileEntries(ctx context.Context, d *domain.Domain, r *ReconcileReport) {
	want := signing.Entry{Domain: d.Name, Selector: d.Selector, KeyPath: d.PrivateKeyRef}
	ok, err := c.signing.HasExactPair(want)
	if err != nil {
		r.fail(d.Name, "read signing tables", err)
		return
	}
	if ok {
		return
	}
	if !c.keys.Exists(d.Name, d.Selector) {
		r.fail(d.Name, "repair entries", fmt.Errorf("key file for selector %s is missing; rotate the key", d.Selector))
		return
	}
	if err := c.signing.ReplacePair(ctx, want, want); err != nil {
		r.fail(d.Name, "repair entries", err)
		return
	}
	r.RepairedEntries = append(r.RepairedEntries, d.Name)
	metrics.ReconcileAction("repair_entries")
	c.reload.Notify()
}

func (c *Coordinator) reconcileMaildirs(ctx context.Context, d *domain.Domain, r *ReconcileReport) {
	mailboxes, err := c.repo.ListMailboxes(ctx, d.ID)
	if err != nil {
		r.fail(d.Name, "list mailboxes", err)
		return
	}
	rows := make(map[string]bool, len(mailboxes))
	for _, m := range mailboxes {
		rows[m.LocalPart] = true
		created, err := c.maildirs.Create(d.Name, m.LocalPart)
		if err != nil {
			r.fail(d.Name, "create maildir", err)
			continue
		}
		if created {
			r.CreatedMaildirs = append(r.CreatedMaildirs, m.Address(d.Name))
			metrics.ReconcileAction("create_maildir")
		}
	}

	locals, err := c.maildirs.Mailboxes(d.Name)
	if err != nil {
		r.fail(d.Name, "list maildirs", err)
		return
	}
	for _, l := range locals {
		if !rows[l] {
			r.OrphanMaildirs = append(r.OrphanMaildirs, l+"@"+d.Name)
		}
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
