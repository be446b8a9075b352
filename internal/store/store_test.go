package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailrice/internal/domain"
)

func insertDomain(t *testing.T, s *Store, name string) *domain.Domain {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.LockDomainByName(ctx, name)
	require.True(t, errors.Is(err, ErrNotFound))

	d := &domain.Domain{Name: name, Selector: "mail", PublicKey: "MIIB", PrivateKeyRef: "/keys/" + name}
	require.NoError(t, tx.InsertDomain(ctx, d))
	require.NoError(t, tx.Commit())
	return d
}

func TestDomainLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	d := insertDomain(t, s, "example.com")
	assert.NotZero(t, d.ID)

	got, err := s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "mail", got.Selector)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Second)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	locked, err := tx.LockDomainByName(ctx, "example.com")
	require.NoError(t, err)
	require.NoError(t, tx.UpdateDomainKey(ctx, locked.ID, "s2", "MIIC", "/keys/new"))
	require.NoError(t, tx.Commit())

	got, err = s.GetDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.Selector)
	assert.Equal(t, "MIIC", got.PublicKey)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteDomain(ctx, d.ID))
	require.NoError(t, tx.Commit())

	_, err = s.GetDomain(ctx, "example.com")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInsertDomain_Duplicate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertDomain(t, s, "dup.com")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.InsertDomain(ctx, &domain.Domain{Name: "dup.com", Selector: "x", PublicKey: "k", PrivateKeyRef: "r"})
	assert.True(t, errors.Is(err, ErrDuplicate), "got %v", err)
}

func TestMailboxes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := insertDomain(t, s, "test.com")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	m := &domain.Mailbox{DomainID: d.ID, LocalPart: "john", PasswordHash: "h1", QuotaMB: 1024}
	require.NoError(t, tx.InsertMailbox(ctx, m))
	require.NoError(t, tx.InsertEvent(ctx, &domain.Event{Type: domain.EventMailboxCreated, Subject: "john@test.com"}))
	n, err := tx.CountMailboxes(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, tx.Commit())

	list, err := s.ListMailboxes(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "john", list[0].LocalPart)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	err = tx.InsertMailbox(ctx, &domain.Mailbox{DomainID: d.ID, LocalPart: "john", PasswordHash: "h", QuotaMB: 1})
	assert.True(t, errors.Is(err, ErrDuplicate))
	require.NoError(t, tx.Rollback())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	got, err := tx.GetMailbox(ctx, d.ID, "john")
	require.NoError(t, err)
	require.NoError(t, tx.UpdatePassword(ctx, got.ID, "h2"))
	require.NoError(t, tx.Commit())

	events, err := s.ListEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMailboxCreated, events[0].Type)
	assert.Equal(t, "{}", events[0].Payload)
}

func TestDeleteDomain_RestrictedByMailboxes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	d := insertDomain(t, s, "busy.com")

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertMailbox(ctx, &domain.Mailbox{DomainID: d.ID, LocalPart: "a", PasswordHash: "h", QuotaMB: 1}))
	require.NoError(t, tx.Commit())

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.DeleteDomain(ctx, d.ID)
	assert.True(t, errors.Is(err, ErrReferenced), "got %v", err)
}

func TestDeleteMailbox_NotFound(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.True(t, errors.Is(tx.DeleteMailbox(ctx, 999), ErrNotFound))
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertDomain(ctx, &domain.Domain{Name: "gone.com", Selector: "s", PublicKey: "k", PrivateKeyRef: "r"}))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback must be a no-op")

	_, err = s.GetDomain(ctx, "gone.com")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAPIKeys(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	k := &domain.APIKey{ID: "k1", Prefix: "mr_live_ab", KeyHash: "deadbeef", Description: "ci"}
	require.NoError(t, s.CreateAPIKey(ctx, k))

	got, err := s.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.Nil(t, got.LastUsedAt)

	now := time.Now().UTC()
	require.NoError(t, s.TouchAPIKey(ctx, "k1", now))
	require.NoError(t, s.RevokeAPIKey(ctx, "k1", now))
	assert.True(t, errors.Is(s.RevokeAPIKey(ctx, "k1", now), ErrNotFound))

	got, err = s.GetAPIKeyByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.False(t, got.Active())
	require.NotNil(t, got.LastUsedAt)

	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	assert.NoError(t, s.Migrate())
}
