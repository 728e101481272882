// Package config loads runtime settings from API_* environment variables, an optional dotenv
// file, and Secret Manager references.
package config

import "time"

// Repository backends selectable through API_DATABASE_DRIVER.
const (
	DatabaseDriverFirestore = "firestore"
	DatabaseDriverSQLite    = "sqlite"
)

const (
	defaultEnvFile = ".env"

	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 2 * time.Minute

	defaultDatabaseDriver = DatabaseDriverFirestore

	defaultProofURLTTL = 15 * time.Minute

	defaultShippingCurrency     = "USD"
	defaultShippingFlatFee      = 500
	defaultShippingMaxPurchases = 50
	defaultProofMaxBytes        = 10 << 20

	defaultCreateOrderPerMinute = 10
	defaultProofUploadPerMinute = 30

	defaultSecurityEnvironment = "local"
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

var defaultOIDCIssuers = []string{"https://accounts.google.com", "https://cloud.google.com/iap"}

// Config is the fully resolved runtime configuration.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Database    DatabaseConfig
	Storage     StorageConfig
	Shipping    ShippingConfig
	PubSub      PubSubConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig names the Google Cloud project the service runs in. Firestore and Pub/Sub fall
// back to it.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatabaseConfig selects the repository backend. SQLiteDSN may be a secret reference.
type DatabaseConfig struct {
	Driver    string
	SQLiteDSN string
}

// StorageConfig locates the delivery proof bucket and the credentials used to sign links to it.
// SignerKey is a service account JSON key, usually supplied as a secret reference. Without it,
// SignerEmail is used through IAM signBlob.
type StorageConfig struct {
	ProofBucket   string
	PublicBaseURL string
	SignerEmail   string
	SignerKey     string
	ProofURLTTL   time.Duration
}

// ShippingConfig holds order policy. FlatFee is in minor units of Currency and applies when no
// fee table file is configured.
type ShippingConfig struct {
	Currency             string
	FlatFee              int64
	FeeTableFile         string
	MaxPurchasesPerOrder int
	ProofMaxBytes        int64
}

type PubSubConfig struct {
	ProjectID     string
	ShippingTopic string
}

// RateLimitConfig sets per-caller request budgets. Zero disables a limiter.
type RateLimitConfig struct {
	CreateOrderPerMinute int
	ProofUploadPerMinute int
}

// SecurityConfig groups service-to-service authentication. AuditIPSalt keys the hash stored in
// place of client IP addresses in the audit log.
type SecurityConfig struct {
	Environment string
	AuditIPSalt string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig verifies Google-signed ID tokens on internal routes. Audiences maps an environment
// name to its audience and fills Audience when that is unset.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig verifies carrier webhooks. Secrets maps a lower-cased key id to its secret.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}
