package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/httpx"
)

// ReplayHeader is set on responses served from the store.
const ReplayHeader = "Idempotent-Replayed"

// Logger receives store failures that do not change the response.
type Logger interface {
	Printf(format string, args ...any)
}

type settings struct {
	header   string
	ttl      time.Duration
	optional bool
	now      func() time.Time
	logger   Logger
}

// Option customises Middleware.
type Option func(*settings)

// WithHeader names the request header carrying the key. Defaults to Idempotency-Key.
func WithHeader(name string) Option {
	return func(s *settings) {
		if name = strings.TrimSpace(name); name != "" {
			s.header = name
		}
	}
}

// WithTTL sets how long keys and responses are kept.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithOptionalKey lets requests without a key through unprotected instead of rejecting them.
func WithOptionalKey() Option {
	return func(s *settings) { s.optional = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger for store failures.
func WithLogger(logger Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// Middleware replays the stored response when a request repeats a key it already completed.
// Keys are scoped to the caller, and reusing a key for a different body is a conflict. Only
// 2xx and 4xx responses are stored; a 5xx releases the key so the client can retry.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	s := settings{header: "Idempotency-Key", ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			key := strings.TrimSpace(r.Header.Get(s.header))
			if key == "" {
				if s.optional {
					next.ServeHTTP(w, r)
					return
				}
				writeError(ctx, w, http.StatusBadRequest, "idempotency_key_required", s.header+" header is required")
				return
			}
			if len(key) > 255 {
				writeError(ctx, w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key is too long")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(ctx, w, http.StatusBadRequest, "invalid_request", "unable to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			scoped := caller(ctx) + ":" + key
			fingerprint := fingerprintOf(r, body)

			claim, err := store.Begin(ctx, scoped, fingerprint, s.now(), s.ttl)
			switch {
			case errors.Is(err, ErrFingerprintMismatch):
				writeError(ctx, w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request")
				return
			case errors.Is(err, ErrInFlight):
				writeError(ctx, w, http.StatusConflict, "idempotency_in_progress", "a request with this idempotency key is still in progress")
				return
			case err != nil:
				s.logf("idempotency: begin %q: %v", key, err)
				writeError(ctx, w, http.StatusServiceUnavailable, "idempotency_unavailable", "unable to process idempotency key")
				return
			}
			if claim.Replay != nil {
				replay(w, claim.Replay)
				return
			}

			capture := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.status >= http.StatusInternalServerError {
				if err := store.Abandon(context.WithoutCancel(ctx), scoped); err != nil {
					s.logf("idempotency: abandon %q: %v", key, err)
				}
				return
			}
			resp := Response{Status: capture.status, Header: w.Header().Clone(), Body: capture.body.Bytes()}
			if err := store.Complete(context.WithoutCancel(ctx), scoped, fingerprint, resp, s.now(), s.ttl); err != nil {
				s.logf("idempotency: complete %q: %v", key, err)
			}
		})
	}
}

func (s settings) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// capturingWriter passes the response through while keeping a copy for the store.
type capturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (c *capturingWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	c.wroteHeader = true
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func replay(w http.ResponseWriter, resp *Response) {
	for name, values := range resp.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(ReplayHeader, "true")
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

func caller(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user/" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service/" + svc.Subject
	}
	return "anonymous"
}

func fingerprintOf(r *http.Request, body []byte) string {
	h := sha256.New()
	io.WriteString(h, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery+"\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
}
