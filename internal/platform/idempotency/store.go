// Package idempotency replays stored responses for retried mutating requests that carry an
// Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL is how long a key and its stored response are kept.
const DefaultTTL = 24 * time.Hour

var (
	// ErrFingerprintMismatch means the key was first used for a different request.
	ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")
	// ErrInFlight means another request holding the key has not finished yet.
	ErrInFlight = errors.New("idempotency: request with this key still in progress")
)

// Response is a captured HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Claim is the result of Begin. Replay is set when a completed response exists for the key.
type Claim struct {
	Replay *Response
}

// Store keeps one entry per key. Implementations must make Begin atomic: of two concurrent
// callers with the same key, only one may see a fresh claim.
type Store interface {
	// Begin claims key for fingerprint until now+ttl, or returns the stored response.
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Claim, error)
	// Complete stores the response for a claimed key.
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	// Abandon drops a claim so the client may retry.
	Abandon(ctx context.Context, key string) error
	// CleanupExpired deletes up to limit expired entries and reports how many were removed.
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// docID hashes the caller-supplied key so it is safe as a document or row id.
func docID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// hopByHop headers are not replayed.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func replayableHeader(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if hopByHop[name] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
