package main

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lumiframe/api/internal/platform/config"
	"github.com/lumiframe/api/internal/platform/secrets"
	"github.com/lumiframe/api/internal/repositories"
)

const defaultSecretCacheTTL = 5 * time.Minute

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(valueOr(lookup("API_SECURITY_ENVIRONMENT"), "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(valueOr(lookup("API_SECRET_FALLBACK_FILE"), ".secrets.local")),
		secrets.WithCacheTTL(secretCacheTTL(lookup("API_SECRET_CACHE_TTL"))),
		secrets.WithMeter(otel.Meter("github.com/lumiframe/api/secrets")),
	}
	if projects := secretProjectMapFromEnv(env); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if project := valueOr(lookup("API_SECRET_DEFAULT_PROJECT_ID"), lookup("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// secretManagerCheck probes a well-known reference. NotFound still proves Secret Manager answered.
func secretManagerCheck(fetcher *secrets.Fetcher) repositories.DependencyCheck {
	const probe = "secret://system/healthz?version=latest"
	return repositories.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, probe)
			if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

// secretCacheTTL parses API_SECRET_CACHE_TTL. Rotated secrets are picked up within this window.
func secretCacheTTL(raw string) time.Duration {
	ttl, err := time.ParseDuration(raw)
	if raw == "" || err != nil || ttl < 0 {
		return defaultSecretCacheTTL
	}
	return ttl
}

// requiredSecretNames lists the config fields that must resolve to a value for the env in use.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if strings.TrimSpace(env["API_STORAGE_SIGNER_KEY"]) != "" {
		required = append(required, "Storage.SignerKey")
	}
	if strings.TrimSpace(env["API_SECURITY_AUDIT_IP_SALT"]) != "" {
		required = append(required, "Security.AuditIPSalt")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_DATABASE_DRIVER"]), config.DatabaseDriverSQLite) {
		required = append(required, "Database.SQLiteDSN")
	}
	for key := range keyValuePairs(env["API_SECURITY_HMAC_SECRETS"]) {
		required = append(required, "Security.HMAC.Secrets["+strings.ToLower(key)+"]")
	}
	slices.Sort(required)
	return slices.Compact(required)
}

// secretProjectMapFromEnv reads API_SECRET_PROJECT_IDS, e.g. "prod=lumi-prod,stg=lumi-stg".
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range keyValuePairs(env["API_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

// secretVersionPinsFromEnv reads API_SECRET_VERSION_PINS. Each key is a reference with an
// optional "env:" prefix; bare paths and sm:// are normalised to secret://.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range keyValuePairs(env["API_SECRET_VERSION_PINS"]) {
		var prefix string
		if label, rest, ok := strings.Cut(ref, ":"); ok && label != "" && !strings.HasPrefix(rest, "//") {
			prefix = strings.ToLower(strings.TrimSpace(label)) + ":"
			ref = strings.TrimSpace(rest)
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

// keyValuePairs parses "a=x, b=y", skipping entries without a key or value.
func keyValuePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}
