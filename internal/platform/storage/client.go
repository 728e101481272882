package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	defaultLinkTTL = 5 * time.Minute
	maxLinkTTL     = 15 * time.Minute
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: only GET and HEAD links can be signed")
	errExpiryTooLong    = errors.New("storage: link lifetime exceeds the permitted maximum")
)

// Client signs V4 read links for private objects.
type Client struct {
	signer Signer
	now    func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// LinkOptions shape a signed read link. Zero values mean GET with the default lifetime.
// Response overrides are passed through to GCS as response-* query parameters.
type LinkOptions struct {
	Method       string
	TTL          time.Duration
	CacheControl string
	ContentType  string
	Disposition  string
}

// SignedLink is a signed URL together with its expiry.
type SignedLink struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// Sign returns a read link for bucket/object. Access control is the caller's job; the link
// carries no identity.
func (c *Client) Sign(ctx context.Context, bucket, object string, opts LinkOptions) (SignedLink, error) {
	if c == nil {
		return SignedLink{}, errNoSigner
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return SignedLink{}, errInvalidBucket
	}
	if object = strings.TrimSpace(object); object == "" {
		return SignedLink{}, errInvalidObject
	}

	method := http.MethodGet
	if m := strings.ToUpper(strings.TrimSpace(opts.Method)); m != "" {
		method = m
	}
	if method != http.MethodGet && method != http.MethodHead {
		return SignedLink{}, errMethodNotAllowed
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	if ttl > maxLinkTTL {
		return SignedLink{}, errExpiryTooLong
	}
	expiresAt := c.now().Add(ttl)

	signed, err := gcs.SignedURL(bucket, object, &gcs.SignedURLOptions{
		GoogleAccessID:  c.signer.Email(),
		Scheme:          gcs.SigningSchemeV4,
		Method:          method,
		Expires:         expiresAt,
		QueryParameters: opts.responseOverrides(),
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedLink{}, fmt.Errorf("storage: sign %s/%s: %w", bucket, object, err)
	}
	return SignedLink{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}

func (o LinkOptions) responseOverrides() url.Values {
	q := url.Values{}
	if o.CacheControl != "" {
		q.Set("response-cache-control", o.CacheControl)
	}
	if o.Disposition != "" {
		q.Set("response-content-disposition", o.Disposition)
	}
	if o.ContentType != "" {
		q.Set("response-content-type", o.ContentType)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}
