package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const proofCacheControl = "private, max-age=0"

// BucketStore keeps delivery proof images in a single Cloud Storage bucket.
type BucketStore struct {
	client        *gcs.Client
	signer        *Client
	bucket        string
	publicBaseURL string
}

// NewBucketStore constructs a BucketStore. publicBaseURL defaults to the
// storage.googleapis.com endpoint for the bucket.
func NewBucketStore(client *gcs.Client, signer *Client, bucket, publicBaseURL string) (*BucketStore, error) {
	if client == nil {
		return nil, errors.New("storage bucket store: client is required")
	}
	if signer == nil {
		return nil, errNoSigner
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	base := strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")
	if base == "" {
		base = "https://storage.googleapis.com/" + bucket
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("storage bucket store: invalid public base url: %w", err)
	}
	return &BucketStore{client: client, signer: signer, bucket: bucket, publicBaseURL: base}, nil
}

// Put writes data to object and returns its canonical (unsigned) URL.
func (s *BucketStore) Put(ctx context.Context, object string, contentType string, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage bucket store: not initialised")
	}
	object, err := validateObjectKey(object)
	if err != nil {
		return "", err
	}

	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = strings.TrimSpace(contentType)
	w.CacheControl = proofCacheControl
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalise %s: %w", object, err)
	}
	return publicObjectURL(s.publicBaseURL, object), nil
}

// Delete removes object. Missing objects are not an error.
func (s *BucketStore) Delete(ctx context.Context, object string) error {
	if s == nil || s.client == nil {
		return errors.New("storage bucket store: not initialised")
	}
	object, err := validateObjectKey(object)
	if err != nil {
		return err
	}
	err = s.client.Bucket(s.bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete %s: %w", object, err)
	}
	return nil
}

// SignedURL issues a download link for object. Callers authorise access before asking.
func (s *BucketStore) SignedURL(ctx context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	if s == nil || s.signer == nil {
		return "", time.Time{}, errNoSigner
	}
	object, err := validateObjectKey(object)
	if err != nil {
		return "", time.Time{}, err
	}
	res, err := s.signer.Sign(ctx, s.bucket, object, LinkOptions{TTL: ttl, CacheControl: proofCacheControl})
	if err != nil {
		return "", time.Time{}, err
	}
	return res.URL, res.ExpiresAt, nil
}

// Check verifies the bucket is reachable.
func (s *BucketStore) Check(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("storage bucket store: not initialised")
	}
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage: bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (s *BucketStore) Bucket() string {
	if s == nil {
		return ""
	}
	return s.bucket
}

func publicObjectURL(base, object string) string {
	segments := strings.Split(object, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return base + "/" + strings.Join(segments, "/")
}
