package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "lf-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "lf-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "lf-dev" {
		t.Errorf("expected pubsub project to default to firebase project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Database.Driver != DatabaseDriverFirestore {
		t.Errorf("expected firestore driver by default, got %s", cfg.Database.Driver)
	}
	if cfg.Shipping.Currency != "USD" {
		t.Errorf("expected default currency USD, got %s", cfg.Shipping.Currency)
	}
	if cfg.Shipping.FlatFee != defaultShippingFlatFee {
		t.Errorf("unexpected default flat fee %d", cfg.Shipping.FlatFee)
	}
	if cfg.Shipping.MaxPurchasesPerOrder != defaultShippingMaxPurchases {
		t.Errorf("unexpected max purchases %d", cfg.Shipping.MaxPurchasesPerOrder)
	}
	if cfg.Shipping.ProofMaxBytes != defaultProofMaxBytes {
		t.Errorf("unexpected proof max bytes %d", cfg.Shipping.ProofMaxBytes)
	}
	if cfg.Storage.ProofURLTTL != defaultProofURLTTL {
		t.Errorf("unexpected proof url ttl %s", cfg.Storage.ProofURLTTL)
	}
	if cfg.RateLimits.CreateOrderPerMinute != defaultCreateOrderPerMinute {
		t.Errorf("unexpected create order rate limit: %d", cfg.RateLimits.CreateOrderPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.SignatureHeader != defaultHMACSignatureHeader {
		t.Errorf("expected default signature header, got %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                       "9090",
		"API_SERVER_IDLE_TIMEOUT":               "2m",
		"API_FIREBASE_PROJECT_ID":               "lf-prod",
		"API_FIRESTORE_PROJECT_ID":              "lf-fire",
		"API_DATABASE_DRIVER":                   "SQLite",
		"API_DATABASE_SQLITE_DSN":               "secret://db/dsn",
		"API_STORAGE_PROOF_BUCKET":              "proofs-prod",
		"API_STORAGE_PUBLIC_BASE_URL":           "https://cdn.example.com",
		"API_STORAGE_PROOF_URL_TTL":             "5m",
		"API_STORAGE_SIGNER_KEY":                "secret://storage/signer",
		"API_SHIPPING_CURRENCY":                 "eur",
		"API_SHIPPING_FLAT_FEE":                 "750",
		"API_SHIPPING_FEE_TABLE_FILE":           "/etc/lumiframe/fees.yaml",
		"API_SHIPPING_MAX_PURCHASES":            "20",
		"API_SHIPPING_PROOF_MAX_BYTES":          "1048576",
		"API_PUBSUB_SHIPPING_TOPIC":             "shipping-events",
		"API_RATELIMIT_SHIPPING_CREATE_PER_MIN": "3",
		"API_RATELIMIT_PROOF_UPLOAD_PER_MIN":    "12",
		"API_SECURITY_ENVIRONMENT":              "prod",
		"API_SECURITY_OIDC_AUDIENCE":            "https://service.example.com",
		"API_SECURITY_OIDC_ISSUERS":             "https://accounts.google.com, https://cloud.google.com/iap",
		"API_SECURITY_HMAC_SECRETS":             "carriers=secret://hmac/carriers,legacy=plain-secret",
		"API_SECURITY_HMAC_HEADER_SIGNATURE":    "X-Custom-Signature",
		"API_SECURITY_HMAC_CLOCK_SKEW":          "3m",
		"API_IDEMPOTENCY_HEADER":                "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":                   "48h",
		"API_SECURITY_AUDIT_IP_SALT":            "sm://audit/ip-salt",
	}

	secrets := map[string]string{
		"secret://db/dsn":         "file:/data/lumiframe.db?_pragma=busy_timeout(5000)",
		"secret://hmac/carriers":  "carrier-hmac",
		"secret://storage/signer": `{"client_email":"signer@lf-prod.iam.gserviceaccount.com"}`,
		"secret://audit/ip-salt":  " pepper ",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errNoSecretResolver}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.Database.Driver != DatabaseDriverSQLite {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Database.SQLiteDSN != secrets["secret://db/dsn"] {
		t.Errorf("expected resolved dsn, got %s", cfg.Database.SQLiteDSN)
	}
	if cfg.Storage.ProofBucket != "proofs-prod" || cfg.Storage.PublicBaseURL != "https://cdn.example.com" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.Storage.SignerKey != secrets["secret://storage/signer"] {
		t.Errorf("expected resolved signer key, got %s", cfg.Storage.SignerKey)
	}
	if cfg.Storage.ProofURLTTL != 5*time.Minute {
		t.Errorf("unexpected proof url ttl %s", cfg.Storage.ProofURLTTL)
	}
	if cfg.Shipping.Currency != "EUR" {
		t.Errorf("expected upper-cased currency, got %s", cfg.Shipping.Currency)
	}
	if cfg.Shipping.FlatFee != 750 || cfg.Shipping.MaxPurchasesPerOrder != 20 || cfg.Shipping.ProofMaxBytes != 1<<20 {
		t.Errorf("unexpected shipping config %+v", cfg.Shipping)
	}
	if cfg.Shipping.FeeTableFile != "/etc/lumiframe/fees.yaml" {
		t.Errorf("unexpected fee table file %s", cfg.Shipping.FeeTableFile)
	}
	if cfg.PubSub.ShippingTopic != "shipping-events" {
		t.Errorf("unexpected shipping topic %s", cfg.PubSub.ShippingTopic)
	}
	if cfg.RateLimits.CreateOrderPerMinute != 3 || cfg.RateLimits.ProofUploadPerMinute != 12 {
		t.Errorf("unexpected rate limits %+v", cfg.RateLimits)
	}
	if cfg.Security.OIDC.Audience != "https://service.example.com" {
		t.Errorf("unexpected oidc audience %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["carriers"] != "carrier-hmac" {
		t.Errorf("expected resolved carrier hmac secret, got %s", cfg.Security.HMAC.Secrets["carriers"])
	}
	if cfg.Security.HMAC.Secrets["legacy"] != "plain-secret" {
		t.Errorf("expected plain secret passthrough, got %s", cfg.Security.HMAC.Secrets["legacy"])
	}
	if cfg.Security.HMAC.SignatureHeader != "X-Custom-Signature" {
		t.Errorf("unexpected signature header %s", cfg.Security.HMAC.SignatureHeader)
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" {
		t.Errorf("unexpected idempotency header %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
	if cfg.Security.AuditIPSalt != "pepper" {
		t.Errorf("expected resolved and trimmed audit salt, got %q", cfg.Security.AuditIPSalt)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=lf-dot\nexport API_SHIPPING_CURRENCY=\"JPY\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "lf-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Shipping.Currency != "JPY" {
		t.Errorf("expected currency from dotenv, got %s", cfg.Shipping.Currency)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestLoadRejectsInvalidDatabaseSettings(t *testing.T) {
	cases := map[string]struct {
		env      map[string]string
		expected string
	}{
		"unknown driver": {
			env:      map[string]string{"API_FIREBASE_PROJECT_ID": "lf", "API_DATABASE_DRIVER": "mysql"},
			expected: "Database.Driver",
		},
		"sqlite without dsn": {
			env:      map[string]string{"API_FIREBASE_PROJECT_ID": "lf", "API_DATABASE_DRIVER": "sqlite"},
			expected: "Database.SQLiteDSN",
		},
		"bad currency": {
			env:      map[string]string{"API_FIREBASE_PROJECT_ID": "lf", "API_SHIPPING_CURRENCY": "dollars"},
			expected: "Shipping.Currency",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), WithEnvMap(tc.env), WithoutSystemEnv(), WithEnvFile(""))
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, field := range validation.Fields() {
				if field == tc.expected {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s in %v", tc.expected, validation.Fields())
			}
		})
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "lf-dev",
		"API_DATABASE_DRIVER":     "sqlite",
		"API_DATABASE_SQLITE_DSN": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://hmac/carriers=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://hmac/carriers=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "lf-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Security.HMAC.Secrets[carriers]"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Security.HMAC.Secrets[carriers]")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadSupportsLegacySecretScheme(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":   "lf-dev",
		"API_SECURITY_HMAC_SECRETS": "carriers=sm://hmac/carriers",
	}

	secrets := map[string]string{
		"secret://hmac/carriers": "legacy-secret",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errors.New("not found")}
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Security.HMAC.Secrets["carriers"] != "legacy-secret" {
		t.Fatalf("expected legacy secret, got %s", cfg.Security.HMAC.Secrets["carriers"])
	}
}

func TestLoadReportsUnparsableValues(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":    "lf-dev",
		"API_SERVER_READ_TIMEOUT":    "fifteen",
		"API_SHIPPING_MAX_PURCHASES": "many",
		"API_IDEMPOTENCY_TTL":        "-1h",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"Server.ReadTimeout", "Shipping.MaxPurchasesPerOrder", "Idempotency.TTL"}
	if got := validation.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected fields %v, got %v", want, got)
	}
}

func TestLoadPicksAudienceForEnvironment(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID":     "lf-dev",
		"API_SECURITY_ENVIRONMENT":    "Staging",
		"API_SECURITY_OIDC_AUDIENCES": "prod=https://api.example.com, staging=https://staging.example.com, broken",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Security.OIDC.Audience != "https://staging.example.com" {
		t.Fatalf("expected staging audience, got %q", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Audiences) != 2 {
		t.Fatalf("expected malformed entry to be skipped, got %v", cfg.Security.OIDC.Audiences)
	}
}
