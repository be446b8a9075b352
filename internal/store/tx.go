package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/distlock"
)

// Tx is a write transaction with row-locking reads. A Tx is not safe for
// concurrent use.
type Tx struct {
	tx      *sqlx.Tx
	dialect Dialect
	done    bool
}

const domainColumns = `id, name, selector, public_key, private_key_ref, created_at`
const mailboxColumns = `id, domain_id, local_part, password_hash, quota_mb, created_at`

func (t *Tx) forUpdate() string {
	if t.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// LockDomainByName takes an exclusive lock on name and returns its row.
// The lock is held until Commit or Rollback even when the row does not exist
// yet, so concurrent creates of the same name serialise here. A missing row
// returns ErrNotFound.
func (t *Tx) LockDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	if t.dialect == DialectPostgres {
		if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, distlock.KeyID("domain:"+name)); err != nil {
			return nil, classify(fmt.Errorf("lock domain name %s: %w", name, err))
		}
	}
	var d domain.Domain
	q := t.tx.Rebind(`SELECT ` + domainColumns + ` FROM domains WHERE name = ?` + t.forUpdate())
	if err := t.tx.GetContext(ctx, &d, q, name); err != nil {
		return nil, classify(fmt.Errorf("lock domain %s: %w", name, err))
	}
	return &d, nil
}

// InsertDomain inserts d and sets its ID.
func (t *Tx) InsertDomain(ctx context.Context, d *domain.Domain) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	q := t.tx.Rebind(`
		INSERT INTO domains (name, selector, public_key, private_key_ref, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)
	if err := t.tx.QueryRowxContext(ctx, q, d.Name, d.Selector, d.PublicKey, d.PrivateKeyRef, d.CreatedAt).Scan(&d.ID); err != nil {
		return classify(fmt.Errorf("insert domain %s: %w", d.Name, err))
	}
	return nil
}

// UpdateDomainKey replaces the signing key columns of a domain.
func (t *Tx) UpdateDomainKey(ctx context.Context, id int64, selector, publicKey, privateKeyRef string) error {
	q := t.tx.Rebind(`UPDATE domains SET selector = ?, public_key = ?, private_key_ref = ? WHERE id = ?`)
	return t.execOne(ctx, "update domain key", q, selector, publicKey, privateKeyRef, id)
}

// DeleteDomain removes a domain row. Mailboxes must already be gone.
func (t *Tx) DeleteDomain(ctx context.Context, id int64) error {
	return t.execOne(ctx, "delete domain", t.tx.Rebind(`DELETE FROM domains WHERE id = ?`), id)
}

// CountMailboxes counts a domain's mailboxes with a locking read, so no
// mailbox can be inserted or removed for the domain until the transaction ends.
func (t *Tx) CountMailboxes(ctx context.Context, domainID int64) (int, error) {
	q := `SELECT COUNT(*) FROM mailboxes WHERE domain_id = ?`
	if t.dialect == DialectPostgres {
		q = `SELECT COUNT(*) FROM (SELECT 1 FROM mailboxes WHERE domain_id = ? FOR SHARE) AS locked`
	}
	var n int
	if err := t.tx.GetContext(ctx, &n, t.tx.Rebind(q), domainID); err != nil {
		return 0, classify(fmt.Errorf("count mailboxes: %w", err))
	}
	return n, nil
}

// GetMailbox locks and returns a mailbox row.
func (t *Tx) GetMailbox(ctx context.Context, domainID int64, localPart string) (*domain.Mailbox, error) {
	var m domain.Mailbox
	q := t.tx.Rebind(`SELECT ` + mailboxColumns + ` FROM mailboxes WHERE domain_id = ? AND local_part = ?` + t.forUpdate())
	if err := t.tx.GetContext(ctx, &m, q, domainID, localPart); err != nil {
		return nil, classify(fmt.Errorf("get mailbox %s: %w", localPart, err))
	}
	return &m, nil
}

// InsertMailbox inserts m and sets its ID.
func (t *Tx) InsertMailbox(ctx context.Context, m *domain.Mailbox) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := t.tx.Rebind(`
		INSERT INTO mailboxes (domain_id, local_part, password_hash, quota_mb, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`)
	if err := t.tx.QueryRowxContext(ctx, q, m.DomainID, m.LocalPart, m.PasswordHash, m.QuotaMB, m.CreatedAt).Scan(&m.ID); err != nil {
		return classify(fmt.Errorf("insert mailbox %s: %w", m.LocalPart, err))
	}
	return nil
}

// DeleteMailbox removes a mailbox row.
func (t *Tx) DeleteMailbox(ctx context.Context, id int64) error {
	return t.execOne(ctx, "delete mailbox", t.tx.Rebind(`DELETE FROM mailboxes WHERE id = ?`), id)
}

// UpdatePassword stores a new password hash.
func (t *Tx) UpdatePassword(ctx context.Context, id int64, hash string) error {
	q := t.tx.Rebind(`UPDATE mailboxes SET password_hash = ? WHERE id = ?`)
	return t.execOne(ctx, "update password", q, hash, id)
}

// InsertEvent writes an audit row in the same transaction as the change.
func (t *Tx) InsertEvent(ctx context.Context, e *domain.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Payload == "" {
		e.Payload = "{}"
	}
	q := t.tx.Rebind(`INSERT INTO events (type, subject, payload, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := t.tx.QueryRowxContext(ctx, q, string(e.Type), e.Subject, e.Payload, e.CreatedAt).Scan(&e.ID); err != nil {
		return classify(fmt.Errorf("insert event %s: %w", e.Type, err))
	}
	return nil
}

func (t *Tx) execOne(ctx context.Context, what, q string, args ...interface{}) error {
	res, err := t.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return classify(fmt.Errorf("%s: %w", what, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit or a previous
// Rollback, so it can be deferred unconditionally.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
