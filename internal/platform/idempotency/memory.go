package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	fingerprint string
	response    *Response
	expiresAt   time.Time
}

// MemoryStore keeps entries in process memory. Used with the SQLite backend in development and
// in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

// Begin implements Store.
func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	entry, ok := s.entries[id]
	if ok && now.Before(entry.expiresAt) {
		switch {
		case entry.fingerprint != fingerprint:
			return Claim{}, ErrFingerprintMismatch
		case entry.response == nil:
			return Claim{}, ErrInFlight
		default:
			replay := *entry.response
			return Claim{Replay: &replay}, nil
		}
	}
	s.entries[id] = memoryEntry{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
	return Claim{}, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := docID(key)
	if entry, ok := s.entries[id]; ok && entry.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	stored := Response{Status: resp.Status, Header: replayableHeader(resp.Header), Body: append([]byte(nil), resp.Body...)}
	s.entries[id] = memoryEntry{fingerprint: fingerprint, response: &stored, expiresAt: now.Add(ttl)}
	return nil
}

// Abandon implements Store.
func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, docID(key))
	s.mu.Unlock()
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
