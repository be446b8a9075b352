package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/mailrice/internal/domain"
)

// GetDomain returns a domain by name without locking.
func (s *Store) GetDomain(ctx context.Context, name string) (*domain.Domain, error) {
	var d domain.Domain
	q := s.reader.Rebind(`SELECT ` + domainColumns + ` FROM domains WHERE name = ?`)
	if err := s.reader.GetContext(ctx, &d, q, name); err != nil {
		return nil, classify(fmt.Errorf("get domain %s: %w", name, err))
	}
	return &d, nil
}

// ListDomains returns all domains ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]domain.Domain, error) {
	out := []domain.Domain{}
	if err := s.reader.SelectContext(ctx, &out, `SELECT `+domainColumns+` FROM domains ORDER BY name`); err != nil {
		return nil, classify(fmt.Errorf("list domains: %w", err))
	}
	return out, nil
}

// ListMailboxes returns the mailboxes of one domain ordered by local part.
func (s *Store) ListMailboxes(ctx context.Context, domainID int64) ([]domain.Mailbox, error) {
	out := []domain.Mailbox{}
	q := s.reader.Rebind(`SELECT ` + mailboxColumns + ` FROM mailboxes WHERE domain_id = ? ORDER BY local_part`)
	if err := s.reader.SelectContext(ctx, &out, q, domainID); err != nil {
		return nil, classify(fmt.Errorf("list mailboxes: %w", err))
	}
	return out, nil
}

// ListEvents returns the most recent audit events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	out := []domain.Event{}
	q := s.reader.Rebind(`SELECT id, type, subject, payload, created_at FROM events ORDER BY id DESC LIMIT ?`)
	if err := s.reader.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, classify(fmt.Errorf("list events: %w", err))
	}
	return out, nil
}

const apiKeyColumns = `id, prefix, key_hash, description, created_at, last_used_at, revoked_at`

// CreateAPIKey stores a new API key row.
func (s *Store) CreateAPIKey(ctx context.Context, k *domain.APIKey) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	q := s.writer.Rebind(`
		INSERT INTO api_keys (id, prefix, key_hash, description, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.writer.ExecContext(ctx, q, k.ID, k.Prefix, k.KeyHash, k.Description, k.CreatedAt); err != nil {
		return classify(fmt.Errorf("create api key: %w", err))
	}
	return nil
}

// GetAPIKeyByHash looks a key up by the hash of its plaintext.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	var k domain.APIKey
	q := s.reader.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = ?`)
	if err := s.reader.GetContext(ctx, &k, q, hash); err != nil {
		return nil, classify(fmt.Errorf("get api key: %w", err))
	}
	return &k, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	out := []domain.APIKey{}
	if err := s.reader.SelectContext(ctx, &out, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`); err != nil {
		return nil, classify(fmt.Errorf("list api keys: %w", err))
	}
	return out, nil
}

// TouchAPIKey records a successful authentication.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	q := s.writer.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`)
	if _, err := s.writer.ExecContext(ctx, q, at, id); err != nil {
		return classify(fmt.Errorf("touch api key: %w", err))
	}
	return nil
}

// RevokeAPIKey marks a key revoked. Revoking an unknown or already revoked
// key returns ErrNotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	q := s.writer.Rebind(`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`)
	res, err := s.writer.ExecContext(ctx, q, at, id)
	if err != nil {
		return classify(fmt.Errorf("revoke api key: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("revoke api key %s: %w", id, ErrNotFound)
	}
	return nil
}
