package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// NonceStore remembers signature nonces so a signed request cannot be replayed.
type NonceStore interface {
	// UseNonce reports true when nonce was unseen within scope and is now reserved until expiry.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local NonceStore. Replays are only caught within one instance.
type InMemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewInMemoryNonceStore returns an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !expiry.After(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	for key, until := range s.seen {
		if !until.After(now) {
			delete(s.seen, key)
		}
	}
	key := scope + "\x00" + nonce
	if _, used := s.seen[key]; used {
		return false, nil
	}
	s.seen[key] = expiry
	return true, nil
}
