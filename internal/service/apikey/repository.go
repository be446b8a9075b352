package apikey

import (
	"context"
	"time"

	"github.com/ignite/mailrice/internal/domain"
)

// Repository defines the data access contract for API keys. Lookups of
// missing rows return an error matching store.ErrNotFound.
type Repository interface {
	CreateAPIKey(ctx context.Context, k *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	RevokeAPIKey(ctx context.Context, id string, at time.Time) error
}
