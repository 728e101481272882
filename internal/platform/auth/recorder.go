package auth

import (
	"context"
	"net/http"
	"time"
)

// Logger is the printf-style sink the verifiers report failures to.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder receives one call per verification attempt. kind is "hmac" or "oidc" and reason
// is "ok" on success.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// rejection is a verification failure mapped onto an HTTP error.
type rejection struct {
	status  int
	code    string
	reason  string
	message string
}

func unauthorized(reason, message string) *rejection {
	return &rejection{status: http.StatusUnauthorized, code: "invalid_signature", reason: reason, message: message}
}

func unavailable(reason, message string) *rejection {
	return &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: reason, message: message}
}
