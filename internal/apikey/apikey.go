// Package apikey issues and verifies the bearer credentials every API caller
// presents. Only digests are stored; the plaintext key exists once, in the
// issue response.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/repo"
)

const keyBytes = 16

var encoding = base64.StdEncoding.WithPadding(base64.NoPadding)

var ErrInvalidKey = errors.New("invalid api key")

// Authority owns the API key lifecycle. Verified keys are cached in memory;
// the cache is flushed on revocation so a revoked key fails on the next call.
type Authority struct {
	Repo repo.Repo
	Now  func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.APIKey
}

func New(r repo.Repo) *Authority {
	return &Authority{Repo: r, Now: time.Now, cache: make(map[string]domain.APIKey)}
}

// Hash computes the stored digest for a plaintext key: SHA-256 over the
// decoded random bytes, base64 without padding. Returns ErrInvalidKey when
// the input is not a well-formed key.
func Hash(key string) (string, error) {
	raw, err := encoding.DecodeString(strings.TrimSpace(key))
	if err != nil {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256(raw)
	return encoding.EncodeToString(sum[:]), nil
}

// Issue creates a new key for ownerID. The returned plaintext is shown once
// and never persisted.
func (a *Authority) Issue(ctx context.Context, tx *sql.Tx, ownerID string) (string, domain.APIKey, error) {
	if strings.TrimSpace(ownerID) == "" {
		return "", domain.APIKey{}, errors.New("owner_id required")
	}
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", domain.APIKey{}, err
	}
	plaintext := encoding.EncodeToString(raw)
	sum := sha256.Sum256(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		KeyHash:   encoding.EncodeToString(sum[:]),
		CreatedAt: a.now().UTC().Format(time.RFC3339),
	}
	if err := a.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// Verify resolves a plaintext key to its stored record. Returns
// repo.ErrNotFound for unknown keys and ErrInvalidKey for malformed ones.
func (a *Authority) Verify(ctx context.Context, plaintext string) (domain.APIKey, error) {
	hash, err := Hash(plaintext)
	if err != nil {
		return domain.APIKey{}, err
	}
	a.mu.RLock()
	cached, ok := a.cache[hash]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}
	key, err := a.Repo.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return domain.APIKey{}, err
	}
	a.mu.Lock()
	a.cache[hash] = key
	a.mu.Unlock()
	return key, nil
}

// Revoke deletes a key by ID and flushes the verification cache.
func (a *Authority) Revoke(ctx context.Context, id string) error {
	if err := a.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	a.mu.Lock()
	a.cache = make(map[string]domain.APIKey)
	a.mu.Unlock()
	return nil
}

func (a *Authority) List(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	return a.Repo.ListAPIKeys(ctx, ownerID)
}

func (a *Authority) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}
