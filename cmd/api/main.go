package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lumiframe/api/internal/di"
	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/config"
	"github.com/lumiframe/api/internal/platform/imaging"
	"github.com/lumiframe/api/internal/platform/observability"
	"github.com/lumiframe/api/internal/repositories"
	"github.com/lumiframe/api/internal/services"
)

const shutdownGrace = 10 * time.Second

func main() {
	logger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger.Named("api")); err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run wires the process and serves until ctx is cancelled. Deferred cleanups run in reverse
// order of construction once the server has drained.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()
	ctx = observability.WithLogger(ctx, logger)

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer closeWith(logger, "secret fetcher", fetcher.Close)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}
	build := buildInfoFromEnv(env, cfg, startedAt)

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	checks := []repositories.DependencyCheck{secretManagerCheck(fetcher)}
	proofs, storageCheck, closeStorage, err := openProofStore(ctx, logger, cfg)
	if err != nil {
		return err
	}
	if closeStorage != nil {
		cleanups = append(cleanups, closeStorage)
		checks = append(checks, storageCheck)
	}

	reg, err := di.OpenRegistry(ctx, cfg, logger, checks...)
	if err != nil {
		return fmt.Errorf("open repositories: %w", err)
	}

	events, closeEvents, err := openShippingEvents(ctx, logger, cfg)
	if err != nil {
		return err
	}
	if closeEvents != nil {
		cleanups = append(cleanups, closeEvents)
	}

	infra := di.Infrastructure{
		Logger:     logger,
		Build:      build,
		Clock:      time.Now,
		Thumbnails: imaging.NewThumbnailer(),
		Metrics:    observability.NewShippingMetrics(otel.Meter("github.com/lumiframe/api"), logger.Named("metrics")),
	}
	if proofs != nil {
		infra.Storage = proofs
	}
	if events != nil {
		infra.Events = events
	}
	if cfg.Shipping.FeeTableFile != "" {
		policy, err := services.LoadShippingFeePolicyFile(cfg.Shipping.FeeTableFile)
		if err != nil {
			return fmt.Errorf("load shipping fee table %s: %w", cfg.Shipping.FeeTableFile, err)
		}
		infra.Fees = policy
	}

	container, err := di.NewContainer(ctx, cfg, reg, infra)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	cleanups = append(cleanups, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	})

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("firebase verifier: %w", err)
	}
	authMetrics := observability.NewVerificationMetrics(otel.Meter("github.com/lumiframe/api/auth"), logger.Named("metrics"))
	authLogger := logger.Named("auth")

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: container.Router(di.RouterDeps{
			Authenticator: auth.NewAuthenticator(verifier),
			HMAC:          buildHMACValidator(authLogger, cfg, authMetrics),
			OIDC:          buildOIDCMiddleware(authLogger, cfg, authMetrics),
			Build:         build,
			ProjectID:     traceProjectID(cfg),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		container.RunIdempotencySweeper(gctx, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize)
		return nil
	})
	g.Go(func() error {
		logger.Info("lumiframe api listening", zap.String("addr", server.Addr), zap.String("databaseDriver", cfg.Database.Driver))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func closeWith(logger *zap.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn(name+" close error", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     valueOr(env["API_BUILD_VERSION"], "dev"),
		CommitSHA:   valueOr(env["API_BUILD_COMMIT_SHA"], "unknown"),
		Environment: valueOr(cfg.Security.Environment, "local"),
		StartedAt:   started,
	}
}
