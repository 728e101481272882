package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SecretProvider resolves the shared secret for a named integration.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// HMACValidator authenticates carrier callbacks signed with a shared secret. The signed message is
// METHOD, escaped path, timestamp, nonce and the hex SHA-256 of the body, joined by newlines.
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	skew            time.Duration
	nonceTTL        time.Duration
}

// HMACOption customises an HMACValidator.
type HMACOption func(*HMACValidator)

// WithHMACLogger sets the failure logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics records every verification outcome.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// WithHMACClock overrides the time source.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders renames the signature, timestamp and nonce headers. Empty names keep the defaults.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if s := strings.TrimSpace(signature); s != "" {
			v.signatureHeader = s
		}
		if s := strings.TrimSpace(timestamp); s != "" {
			v.timestampHeader = s
		}
		if s := strings.TrimSpace(nonce); s != "" {
			v.nonceHeader = s
		}
	}
}

// WithHMACClockSkew sets how far a signed timestamp may drift from now.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.skew = d
		}
	}
}

// WithHMACNonceTTL sets how long a used nonce is remembered.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator. A nil nonce store makes every request fail closed.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:         secrets,
		nonces:          nonces,
		logger:          nopLogger{},
		now:             time.Now,
		signatureHeader: "X-Signature",
		timestampHeader: "X-Signature-Timestamp",
		nonceHeader:     "X-Signature-Nonce",
		skew:            5 * time.Minute,
		nonceTTL:        5 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HMACMetadata describes a verified signature.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacMetadataKey struct{}

// HMACMetadataFromContext returns the metadata RequireHMAC stored for a verified request.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacMetadataKey{}).(*HMACMetadata)
	return meta, ok && meta != nil
}

// RequireHMAC admits only requests signed with the secret called secretName.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			started := v.now()
			meta, rej := v.verify(r, name)
			if rej != nil {
				v.record(ctx, false, rej.reason, started)
				respondAuthError(ctx, w, rej.status, rej.code, rej.message)
				return
			}
			v.record(ctx, true, "ok", started)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, hmacMetadataKey{}, meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, name string) (*HMACMetadata, *rejection) {
	ctx := r.Context()
	if name == "" || v.secrets == nil {
		return nil, unavailable("secret_not_configured", "hmac secret not configured")
	}
	secret, err := v.secrets.GetSecret(ctx, name)
	if err != nil || secret == "" {
		v.logger.Printf("auth: hmac secret %q unavailable: %v", name, err)
		return nil, unavailable("secret_unavailable", "hmac secret unavailable")
	}

	rawSignature := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case rawSignature == "":
		return nil, unauthorized("signature_missing", "signature header missing")
	case rawTimestamp == "":
		return nil, unauthorized("timestamp_missing", "signature timestamp missing")
	case nonce == "":
		return nil, unauthorized("nonce_missing", "signature nonce missing")
	}

	signedAt, err := parseSignatureTimestamp(rawTimestamp)
	if err != nil {
		return nil, unauthorized("timestamp_invalid", "signature timestamp invalid")
	}
	now := v.now()
	if drift := now.Sub(signedAt); drift > v.skew || drift < -v.skew {
		return nil, unauthorized("timestamp_skew", "signature timestamp outside allowed window")
	}

	body, err := bufferBody(r)
	if err != nil {
		return nil, &rejection{status: http.StatusBadRequest, code: "invalid_body", reason: "body_unreadable", message: "unable to read body for signature verification"}
	}
	given, err := decodeSignature(rawSignature)
	if err != nil {
		return nil, unauthorized("signature_invalid", "signature encoding invalid")
	}
	if !hmac.Equal(given, signCanonical([]byte(secret), canonicalRequest(r, body, rawTimestamp, nonce))) {
		return nil, unauthorized("signature_mismatch", "signature verification failed")
	}

	if v.nonces == nil {
		return nil, unavailable("nonce_store_unavailable", "nonce store unavailable")
	}
	expiry := signedAt.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, name, nonce, expiry)
	if err != nil {
		v.logger.Printf("auth: nonce store: %v", err)
		return nil, unavailable("nonce_store_error", "nonce storage error")
	}
	if !fresh {
		return nil, unauthorized("nonce_replay", "duplicate signature nonce")
	}
	return &HMACMetadata{SecretName: name, Timestamp: signedAt, Nonce: nonce}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, started time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(started))
	}
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.ToUpper(r.Method) + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(digest[:]))
}

func signCanonical(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

// decodeSignature accepts hex or standard base64.
func decodeSignature(value string) ([]byte, error) {
	if raw, err := hex.DecodeString(value); err == nil {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil {
		return raw, nil
	}
	return nil, errors.New("auth: signature is neither hex nor base64")
}

// parseSignatureTimestamp accepts RFC 3339 or unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unparseable timestamp %q", value)
}
