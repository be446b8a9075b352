package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailrice/internal/domain"
	"github.com/ignite/mailrice/internal/pkg/logger"
	"github.com/ignite/mailrice/internal/store"
)

// KeyPrefix starts every plaintext key.
const KeyPrefix = "mr_live_"

// prefixLen is how much of the plaintext is kept for identification.
const prefixLen = 12

// Service implements API key business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an API key service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Hash returns the lookup digest of a plaintext key.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// Create issues a new key. The plaintext is returned once and never stored.
func (s *Service) Create(ctx context.Context, description string) (plain string, key *domain.APIKey, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	plain = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	key = &domain.APIKey{
		ID:          uuid.New().String(),
		Prefix:      plain[:prefixLen],
		KeyHash:     Hash(plain),
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now(),
	}
	if err := s.repo.CreateAPIKey(ctx, key); err != nil {
		return "", nil, err
	}
	logger.Info("api key created", "id", key.ID, "prefix", key.Prefix)
	return plain, key, nil
}

// Authenticate resolves a presented key. Unknown keys return ErrInvalidKey
// and revoked keys ErrRevoked. A failure to record last use is logged only.
func (s *Service) Authenticate(ctx context.Context, plain string) (*domain.APIKey, error) {
	if !strings.HasPrefix(plain, KeyPrefix) {
		return nil, ErrInvalidKey
	}
	key, err := s.repo.GetAPIKeyByHash(ctx, Hash(plain))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !key.Active() {
		return nil, ErrRevoked
	}
	now := s.now()
	if err := s.repo.TouchAPIKey(ctx, key.ID, now); err != nil {
		logger.Warn("api key touch failed", "id", key.ID, "error", err)
	} else {
		key.LastUsedAt = &now
	}
	return key, nil
}

// Revoke disables a key by id.
func (s *Service) Revoke(ctx context.Context, id string) error {
	if err := s.repo.RevokeAPIKey(ctx, id, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	logger.Info("api key revoked", "id", id)
	return nil
}

// List returns all keys without their hashes exposed in JSON.
func (s *Service) List(ctx context.Context) ([]domain.APIKey, error) {
	return s.repo.ListAPIKeys(ctx)
}
