package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"golang.org/x/time/rate"
)

var (
	// ErrUnknownKey means the key set has no usable key with the requested ID.
	ErrUnknownKey = errors.New("auth: signing key not found")
	// ErrKeySetUnavailable wraps failures to download or decode the key set.
	ErrKeySetUnavailable = errors.New("auth: key set unavailable")
)

// KeySet serves public keys from a remote JWKS document. Keys are cached for the response's
// max-age (or the configured TTL) and an unknown key ID triggers a throttled refetch so rotated
// keys are picked up early.
type KeySet struct {
	url     string
	client  *http.Client
	now     func() time.Time
	ttl     time.Duration
	refetch *rate.Limiter

	mu      sync.Mutex
	keys    map[string]any
	expires time.Time
}

// KeySetOption customises a KeySet.
type KeySetOption func(*KeySet)

// WithKeySetHTTPClient replaces the HTTP client.
func WithKeySetHTTPClient(client *http.Client) KeySetOption {
	return func(k *KeySet) {
		if client != nil {
			k.client = client
		}
	}
}

// WithKeySetTTL sets the cache lifetime used when the response has no max-age.
func WithKeySetTTL(ttl time.Duration) KeySetOption {
	return func(k *KeySet) {
		if ttl > 0 {
			k.ttl = ttl
		}
	}
}

// WithKeySetClock overrides the time source.
func WithKeySetClock(now func() time.Time) KeySetOption {
	return func(k *KeySet) {
		if now != nil {
			k.now = now
		}
	}
}

// WithKeySetRefetchLimit caps early refetches caused by unknown key IDs.
func WithKeySetRefetchLimit(limit rate.Limit, burst int) KeySetOption {
	return func(k *KeySet) { k.refetch = rate.NewLimiter(limit, burst) }
}

// NewKeySet returns a KeySet reading from url.
func NewKeySet(url string, opts ...KeySetOption) *KeySet {
	k := &KeySet{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
		ttl:     time.Hour,
		refetch: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Key returns the public key with the given ID.
func (k *KeySet) Key(ctx context.Context, kid string) (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	stale := k.keys == nil || !k.now().Before(k.expires)
	if !stale {
		if key, ok := k.keys[kid]; ok {
			return key, nil
		}
		if !k.refetch.Allow() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
		}
	}
	if err := k.fetchLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := k.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

func (k *KeySet) fetchLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrKeySetUnavailable, resp.StatusCode)
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrKeySetUnavailable, err)
	}
	keys := make(map[string]any, len(doc.Keys))
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() && jwk.IsPublic() {
			keys[jwk.KeyID] = jwk.Key
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable keys", ErrKeySetUnavailable)
	}

	ttl := k.ttl
	if maxAge, ok := cacheMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	k.keys = keys
	k.expires = k.now().Add(ttl)
	return nil
}

func cacheMaxAge(header string) (time.Duration, bool) {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
