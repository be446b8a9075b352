package provisioning

import (
	"context"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/store"
)

// Repository is the transactional store the coordinator runs on.
// Missing rows are reported with errors matching store.ErrNotFound.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)
	GetDomain(ctx context.Context, name string) (*domain.Domain, error)
	ListDomains(ctx context.Context) ([]domain.Domain, error)
	ListMailboxes(ctx context.Context, domainID int64) ([]domain.Mailbox, error)
}

// Tx is one write transaction. Rollback after Commit is a no-op.
type Tx interface {
	// LockDomainByName locks the name whether or not a row exists.
	LockDomainByName(ctx context.Context, name string) (*domain.Domain, error)
	InsertDomain(ctx context.Context, d *domain.Domain) error
	UpdateDomainKey(ctx context.Context, id int64, selector, publicKey, privateKeyRef string) error
	DeleteDomain(ctx context.Context, id int64) error
	// CountMailboxes is a locking read.
	CountMailboxes(ctx context.Context, domainID int64) (int, error)
	GetMailbox(ctx context.Context, domainID int64, localPart string) (*domain.Mailbox, error)
	InsertMailbox(ctx context.Context, m *domain.Mailbox) error
	DeleteMailbox(ctx context.Context, id int64) error
	UpdatePassword(ctx context.Context, id int64, hash string) error
	InsertEvent(ctx context.Context, e *domain.Event) error
	Commit() error
	Rollback() error
}

// StoreRepository adapts a *store.Store to Repository.
func StoreRepository(s *store.Store) Repository { return storeRepo{s} }

type storeRepo struct{ *store.Store }

func (r storeRepo) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
