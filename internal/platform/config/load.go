package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secrets         SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile reads dotenv overrides from path instead of ./.env. An empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap layers values over the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values. Without one, any such value fails Load.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secrets = resolver }
}

// WithRequiredSecrets makes Load fail with *MissingSecretsError when any named secret field
// resolves to an empty value. Names use the field paths reported by Load, for example
// "Security.HMAC.Secrets[carriers]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// EnvironmentValues returns the merged key/value view Load reads from: the dotenv file, then the
// process environment, then WithEnvMap, later sources winning. main uses it to configure the
// secret fetcher before Load runs.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).environment()
}

func (o loaderOptions) environment() (map[string]string, error) {
	values, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// Load builds the configuration, resolves secret references and validates the result. Values
// that fail to parse are reported by *ValidationError rather than replaced by defaults.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	values, err := o.environment()
	if err != nil {
		return Config{}, err
	}

	env := &reader{values: values}
	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", "Server.ReadTimeout", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", "Server.WriteTimeout", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", "Server.IdleTimeout", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Database: DatabaseConfig{
			Driver:    strings.ToLower(env.str("API_DATABASE_DRIVER", defaultDatabaseDriver)),
			SQLiteDSN: env.str("API_DATABASE_SQLITE_DSN", ""),
		},
		Storage: StorageConfig{
			ProofBucket:   env.str("API_STORAGE_PROOF_BUCKET", ""),
			PublicBaseURL: env.str("API_STORAGE_PUBLIC_BASE_URL", ""),
			SignerEmail:   env.str("API_STORAGE_SIGNER_EMAIL", ""),
			SignerKey:     env.str("API_STORAGE_SIGNER_KEY", ""),
			ProofURLTTL:   env.duration("API_STORAGE_PROOF_URL_TTL", "Storage.ProofURLTTL", defaultProofURLTTL),
		},
		Shipping: ShippingConfig{
			Currency:             strings.ToUpper(env.str("API_SHIPPING_CURRENCY", defaultShippingCurrency)),
			FlatFee:              int64(env.integer("API_SHIPPING_FLAT_FEE", "Shipping.FlatFee", defaultShippingFlatFee)),
			FeeTableFile:         env.str("API_SHIPPING_FEE_TABLE_FILE", ""),
			MaxPurchasesPerOrder: env.integer("API_SHIPPING_MAX_PURCHASES", "Shipping.MaxPurchasesPerOrder", defaultShippingMaxPurchases),
			ProofMaxBytes:        int64(env.integer("API_SHIPPING_PROOF_MAX_BYTES", "Shipping.ProofMaxBytes", defaultProofMaxBytes)),
		},
		PubSub: PubSubConfig{
			ProjectID:     env.str("API_PUBSUB_PROJECT_ID", ""),
			ShippingTopic: env.str("API_PUBSUB_SHIPPING_TOPIC", ""),
		},
		RateLimits: RateLimitConfig{
			CreateOrderPerMinute: env.integer("API_RATELIMIT_SHIPPING_CREATE_PER_MIN", "RateLimits.CreateOrderPerMinute", defaultCreateOrderPerMinute),
			ProofUploadPerMinute: env.integer("API_RATELIMIT_PROOF_UPLOAD_PER_MIN", "RateLimits.ProofUploadPerMinute", defaultProofUploadPerMinute),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AuditIPSalt: env.str("API_SECURITY_AUDIT_IP_SALT", ""),
			OIDC: OIDCConfig{
				JWKSURL:   env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: env.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   env.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", "Security.HMAC.ClockSkew", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", "Security.HMAC.NonceTTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", "Idempotency.TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", "Idempotency.CleanupInterval", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", "Idempotency.CleanupBatchSize", defaultIdempotencyBatchSize),
		},
	}
	applyFallbacks(&cfg)

	resolved, err := resolveSecrets(ctx, &cfg, o.secrets)
	if err != nil {
		return Config{}, err
	}
	if err := validate(cfg, env.invalid); err != nil {
		return Config{}, err
	}
	if missing := missingSecrets(o.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func applyFallbacks(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = slices.Clone(defaultOIDCIssuers)
	}
	if cfg.Security.OIDC.Audience == "" {
		cfg.Security.OIDC.Audience = cfg.Security.OIDC.Audiences[cfg.Security.Environment]
	}
}

// reader looks up trimmed values and remembers the fields whose values did not parse.
type reader struct {
	values  map[string]string
	invalid []string
}

func (r *reader) lookup(key string) (string, bool) {
	value := strings.TrimSpace(r.values[key])
	return value, value != ""
}

func (r *reader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok {
		return value
	}
	return fallback
}

func (r *reader) duration(key, field string, fallback time.Duration) time.Duration {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.invalid = append(r.invalid, field)
		return fallback
	}
	return d
}

func (r *reader) integer(key, field string, fallback int) int {
	value, ok := r.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.invalid = append(r.invalid, field)
		return fallback
	}
	return n
}

// list splits a comma-separated value, dropping blanks.
func (r *reader) list(key string) []string {
	value, ok := r.lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "a=x,b=y" into a map with lower-cased keys. Malformed entries are skipped.
func (r *reader) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range r.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// readDotEnv parses KEY=VALUE lines, tolerating comments, blank lines, an "export " prefix and
// quoted values. A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
