package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// ServiceIdentity is the Google service account behind an internal call, such as Cloud Scheduler
// triggering idempotency cleanup.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// ServiceIdentityFromContext returns the identity stored by ServiceTokenVerifier.Middleware.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// ServiceTokenVerifier checks Google-signed OIDC tokens presented as a bearer token or through
// the IAP assertion header.
type ServiceTokenVerifier struct {
	keys     *KeySet
	audience string
	issuers  map[string]struct{}
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time
}

// ServiceTokenOption customises a ServiceTokenVerifier.
type ServiceTokenOption func(*ServiceTokenVerifier)

// WithServiceTokenLogger sets the failure logger.
func WithServiceTokenLogger(logger Logger) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithServiceTokenMetrics records every verification outcome.
func WithServiceTokenMetrics(metrics MetricsRecorder) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) { v.metrics = metrics }
}

// WithServiceTokenClock overrides the time source used for expiry checks.
func WithServiceTokenClock(now func() time.Time) ServiceTokenOption {
	return func(v *ServiceTokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewServiceTokenVerifier accepts tokens for audience issued by one of issuers. An empty audience
// rejects every request.
func NewServiceTokenVerifier(keys *KeySet, audience string, issuers []string, opts ...ServiceTokenOption) *ServiceTokenVerifier {
	v := &ServiceTokenVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		issuers:  make(map[string]struct{}, len(issuers)),
		logger:   nopLogger{},
		now:      time.Now,
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = struct{}{}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type serviceClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Middleware admits requests carrying a valid service token.
func (v *ServiceTokenVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		started := v.now()
		identity, rej := v.verify(ctx, serviceToken(r))
		if rej != nil {
			v.record(ctx, false, rej.reason, started)
			v.logger.Printf("auth: service token rejected: %s", rej.reason)
			respondAuthError(ctx, w, rej.status, rej.code, rej.message)
			return
		}
		v.record(ctx, true, "ok", started)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityKey{}, identity)))
	})
}

func (v *ServiceTokenVerifier) verify(ctx context.Context, raw string) (*ServiceIdentity, *rejection) {
	if v.audience == "" || v.keys == nil {
		return nil, unavailable("not_configured", "service token verification not configured")
	}
	if raw == "" {
		return nil, &rejection{status: http.StatusUnauthorized, code: "unauthenticated", reason: "token_missing", message: "service token missing"}
	}

	claims := &serviceClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, unavailable("keys_unavailable", "service token keys unavailable")
		}
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "token_invalid", message: "service token invalid"}
	}

	now := v.now()
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "token_expired", message: "service token expired"}
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "token_not_yet_valid", message: "service token not yet valid"}
	}
	if _, ok := v.issuers[claims.Issuer]; len(v.issuers) > 0 && !ok {
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "issuer_mismatch", message: "service token issuer not accepted"}
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, &rejection{status: http.StatusUnauthorized, code: "invalid_token", reason: "audience_mismatch", message: "service token audience mismatch"}
	}
	return &ServiceIdentity{Subject: claims.Subject, Email: claims.Email, Issuer: claims.Issuer}, nil
}

func (v *ServiceTokenVerifier) record(ctx context.Context, success bool, reason string, started time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(started))
	}
}

func serviceToken(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Goog-Iap-Jwt-Assertion"))
}
