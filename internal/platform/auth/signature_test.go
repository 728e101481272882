package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingMetrics struct {
	mu      sync.Mutex
	reasons []string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, kind+":"+reason)
}

const carrierSecret = "webhooks/carriers"

func carrierSecrets(value string) SecretProvider {
	return SecretProviderFunc(func(_ context.Context, name string) (string, error) {
		if name != carrierSecret {
			return "", errors.New("unknown secret")
		}
		return value, nil
	})
}

func signedCarrierRequest(secret, body, timestamp, nonce string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carriers/tracking", strings.NewReader(body))
	sig := signCanonical([]byte(secret), canonicalRequest(req, []byte(body), timestamp, nonce))
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature-Nonce", nonce)
	return req
}

func TestRequireHMACAcceptsSignedRequestOnce(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &recordingMetrics{}
	validator := NewHMACValidator(carrierSecrets("s3cret"), NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)

	var meta *HMACMetadata
	var body string
	handler := validator.RequireHMAC(carrierSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, _ = HMACMetadataFromContext(r.Context())
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"orderId":"so_1","event":"delivered"}`
	ts := strconv.FormatInt(now.Unix(), 10)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, signedCarrierRequest("s3cret", payload, ts, "n-1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if meta == nil || meta.Nonce != "n-1" || meta.SecretName != carrierSecret || !meta.Timestamp.Equal(now) {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if body != payload {
		t.Fatalf("expected body to be restored, got %q", body)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, signedCarrierRequest("s3cret", payload, ts, "n-1"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", rr.Code)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if strings.Join(metrics.reasons, ",") != "hmac:ok,hmac:nonce_replay" {
		t.Fatalf("unexpected metrics %v", metrics.reasons)
	}
}

func TestRequireHMACRejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	fresh := now.Format(time.RFC3339)
	payload := `{"orderId":"so_1"}`

	cases := map[string]struct {
		secrets  SecretProvider
		noNonces bool
		request  func() *http.Request
		status   int
	}{
		"unsigned": {
			request: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/webhooks/carriers/tracking", strings.NewReader(payload))
			},
			status: http.StatusUnauthorized,
		},
		"wrong secret": {
			request: func() *http.Request { return signedCarrierRequest("other", payload, fresh, "n") },
			status:  http.StatusUnauthorized,
		},
		"tampered body": {
			request: func() *http.Request {
				req := signedCarrierRequest("s3cret", payload, fresh, "n")
				req.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"orderId":"so_2"}`)).Body
				return req
			},
			status: http.StatusUnauthorized,
		},
		"stale timestamp": {
			request: func() *http.Request {
				return signedCarrierRequest("s3cret", payload, now.Add(-10*time.Minute).Format(time.RFC3339), "n")
			},
			status: http.StatusUnauthorized,
		},
		"garbled signature": {
			request: func() *http.Request {
				req := signedCarrierRequest("s3cret", payload, fresh, "n")
				req.Header.Set("X-Signature", "%%%")
				return req
			},
			status: http.StatusUnauthorized,
		},
		"secret unavailable": {
			secrets: SecretProviderFunc(func(context.Context, string) (string, error) { return "", errors.New("down") }),
			request: func() *http.Request { return signedCarrierRequest("s3cret", payload, fresh, "n") },
			status:  http.StatusServiceUnavailable,
		},
		"no nonce store": {
			noNonces: true,
			request:  func() *http.Request { return signedCarrierRequest("s3cret", payload, fresh, "n") },
			status:   http.StatusServiceUnavailable,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			secrets := tc.secrets
			if secrets == nil {
				secrets = carrierSecrets("s3cret")
			}
			var nonces NonceStore
			if !tc.noNonces {
				nonces = NewInMemoryNonceStore()
			}
			validator := NewHMACValidator(secrets, nonces, WithHMACClock(func() time.Time { return now }))
			rr := httptest.NewRecorder()
			validator.RequireHMAC(carrierSecret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not run")
			})).ServeHTTP(rr, tc.request())
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRequireHMACCustomHeaders(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := NewHMACValidator(carrierSecrets("s3cret"), NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
		WithHMACHeaders("X-Carrier-Signature", "", "X-Carrier-Nonce"),
	)
	req := signedCarrierRequest("s3cret", "{}", now.Format(time.RFC3339), "n-9")
	req.Header.Set("X-Carrier-Signature", req.Header.Get("X-Signature"))
	req.Header.Set("X-Carrier-Nonce", req.Header.Get("X-Signature-Nonce"))
	req.Header.Del("X-Signature")
	req.Header.Del("X-Signature-Nonce")

	rr := httptest.NewRecorder()
	validator.RequireHMAC(carrierSecret)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestInMemoryNonceStoreExpiry(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	store := NewInMemoryNonceStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, "carriers", "n", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected first use to succeed, got %v %v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, "carriers", "n", now.Add(time.Minute)); ok {
		t.Fatalf("expected replay within ttl to fail")
	}
	if ok, _ := store.UseNonce(ctx, "ops", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected nonce to be scoped")
	}

	now = now.Add(2 * time.Minute)
	if ok, err := store.UseNonce(ctx, "carriers", "n", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected nonce to be reusable after expiry, got %v %v", ok, err)
	}
	if _, err := store.UseNonce(ctx, "carriers", "late", now.Add(-time.Second)); err == nil {
		t.Fatalf("expected error for past expiry")
	}
}
