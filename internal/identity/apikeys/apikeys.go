// Package apikeys resolves consumer API keys to tenants. Keys are stored only
// as bcrypt hashes; verification compares the presented key against every
// registered hash because the hash cannot be looked up by plaintext.
package apikeys

import (
	"context"
	"sort"
	"sync"

	"setu/internal/identity/secrets"
	"setu/pkg/platform/sentinel"

	id "setu/pkg/domain"
	dErrors "setu/pkg/domain-errors"
)

// Store resolves an API key to the tenant that owns it.
type Store interface {
	VerifyKey(ctx context.Context, key string) (id.TenantID, error)
	// VerifySecret checks a tenant's client credential for the token flow.
	VerifySecret(ctx context.Context, tenantID id.TenantID, secret string) error
}

// InMemoryStore holds hashed keys keyed by tenant.
type InMemoryStore struct {
	mu     sync.RWMutex
	hashes map[id.TenantID]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{hashes: make(map[id.TenantID]string)}
}

// Seed registers a tenant's plaintext key, hashing it before storage.
func (s *InMemoryStore) Seed(tenantID id.TenantID, key string) error {
	hash, err := secrets.Hash(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes[tenantID] = hash
	return nil
}

func (s *InMemoryStore) VerifyKey(ctx context.Context, key string) (id.TenantID, error) {
	if key == "" {
		return "", dErrors.New(dErrors.CodeUnauthorized, "missing api key")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenants := make([]id.TenantID, 0, len(s.hashes))
	for tenantID := range s.hashes {
		tenants = append(tenants, tenantID)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i] < tenants[j] })
	for _, tenantID := range tenants {
		if err := secrets.Verify(key, s.hashes[tenantID]); err == nil {
			return tenantID, nil
		}
	}
	return "", dErrors.New(dErrors.CodeUnauthorized, "unknown api key")
}

func (s *InMemoryStore) VerifySecret(ctx context.Context, tenantID id.TenantID, secret string) error {
	s.mu.RLock()
	hash, ok := s.hashes[tenantID]
	s.mu.RUnlock()
	if !ok {
		return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeUnauthorized, "unknown tenant")
	}
	if err := secrets.Verify(secret, hash); err != nil {
		return dErrors.New(dErrors.CodeUnauthorized, "invalid client secret")
	}
	return nil
}
