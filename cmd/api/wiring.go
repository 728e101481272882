package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/config"
	"github.com/lumiframe/api/internal/platform/jobs"
	"github.com/lumiframe/api/internal/platform/observability"
	platformstorage "github.com/lumiframe/api/internal/platform/storage"
	"github.com/lumiframe/api/internal/repositories"
	"github.com/lumiframe/api/internal/services"
)

// openProofStore connects the delivery proof bucket. Without a bucket it returns a nil store and
// uploads answer 503.
func openProofStore(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.ProofStorage, repositories.DependencyCheck, func(), error) {
	bucket := strings.TrimSpace(cfg.Storage.ProofBucket)
	if bucket == "" {
		logger.Warn("storage: proof bucket not configured; delivery proof uploads are disabled")
		return nil, repositories.DependencyCheck{}, nil, nil
	}

	client, err := cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, repositories.DependencyCheck{}, nil, fmt.Errorf("storage client: %w", err)
	}
	closeFn := func() { closeWith(logger, "storage", client.Close) }

	signer, err := newStorageSigner(ctx, cfg.Storage)
	if err != nil {
		closeFn()
		return nil, repositories.DependencyCheck{}, nil, fmt.Errorf("storage signer: %w", err)
	}
	urls, err := platformstorage.NewClient(signer)
	if err != nil {
		closeFn()
		return nil, repositories.DependencyCheck{}, nil, fmt.Errorf("signed url client: %w", err)
	}
	store, err := platformstorage.NewBucketStore(client, urls, bucket, cfg.Storage.PublicBaseURL)
	if err != nil {
		closeFn()
		return nil, repositories.DependencyCheck{}, nil, fmt.Errorf("proof bucket %s: %w", bucket, err)
	}
	check := repositories.DependencyCheck{Name: "storage", Timeout: 2 * time.Second, Check: store.Check}
	return store, check, closeFn, nil
}

// newStorageSigner prefers a mounted service account key and falls back to IAM signBlob.
func newStorageSigner(ctx context.Context, cfg config.StorageConfig) (platformstorage.Signer, error) {
	if key := strings.TrimSpace(cfg.SignerKey); key != "" {
		return platformstorage.NewServiceAccountSignerFromJSON([]byte(key))
	}
	if email := strings.TrimSpace(cfg.SignerEmail); email != "" {
		return platformstorage.NewIAMSigner(ctx, email)
	}
	return nil, errors.New("storage: API_STORAGE_SIGNER_KEY or API_STORAGE_SIGNER_EMAIL is required")
}

// openShippingEvents publishes status changes to the configured topic with ordering keys. It
// returns a nil publisher when no topic is set.
func openShippingEvents(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.ShippingEventPublisher, func(), error) {
	topicName := strings.TrimSpace(cfg.PubSub.ShippingTopic)
	if topicName == "" {
		return nil, nil, nil
	}
	projectID := valueOr(cfg.PubSub.ProjectID, traceProjectID(cfg))
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	topic.EnableMessageOrdering = true
	closeFn := func() {
		topic.Stop()
		closeWith(logger, "pubsub", client.Close)
	}

	publisher, err := jobs.NewPubSubShippingEventPublisher(topic)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("shipping event publisher: %w", err)
	}
	return publisher, closeFn, nil
}

// buildOIDCMiddleware always returns a verifier so internal routes fail closed when the audience
// is not configured.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	verifier := auth.NewServiceTokenVerifier(auth.NewKeySet(oidc.JWKSURL), oidc.Audience, oidc.Issuers,
		auth.WithServiceTokenLogger(observability.NewPrintfAdapter(logger)),
		auth.WithServiceTokenMetrics(metrics),
	)
	return verifier.Middleware
}

// buildHMACValidator always returns a validator so carrier callbacks fail closed when no secret
// is configured.
func buildHMACValidator(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) *auth.HMACValidator {
	keys := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) != "" {
			keys[strings.ToLower(key)] = value
		}
	}
	if len(keys) == 0 {
		logger.Warn("auth: no HMAC secrets configured; carrier webhooks will reject requests")
	}

	signing := cfg.Security.HMAC
	return auth.NewHMACValidator(staticSecretProvider{secrets: keys}, auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(signing.SignatureHeader, signing.TimestampHeader, signing.NonceHeader),
		auth.WithHMACClockSkew(signing.ClockSkew),
		auth.WithHMACNonceTTL(signing.NonceTTL),
		auth.WithHMACMetrics(metrics),
	)
}

// staticSecretProvider serves HMAC keys resolved at startup, keyed by lower-cased carrier id.
type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	if len(p.secrets) == 0 {
		return "", errors.New("auth: hmac secrets not configured")
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret := p.secrets[key]; secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func traceProjectID(cfg config.Config) string {
	return valueOr(cfg.Firebase.ProjectID, strings.TrimSpace(cfg.Firestore.ProjectID))
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
