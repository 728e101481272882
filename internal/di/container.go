package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumiframe/api/internal/handlers"
	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/config"
	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/platform/idempotency"
	"github.com/lumiframe/api/internal/platform/observability"
	"github.com/lumiframe/api/internal/repositories"
	firestoreRepo "github.com/lumiframe/api/internal/repositories/firestore"
	"github.com/lumiframe/api/internal/repositories/sqlstore"
	"github.com/lumiframe/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Shippable services.ShippableItemService
	Shipping  services.ShippingOrderService
	Counters  services.CounterService
	System    services.SystemService
	Audit     services.AuditLogService
}

// Infrastructure carries the collaborators built outside the container: cloud clients, the
// proof bucket and event sinks. Nil fields disable the matching feature.
type Infrastructure struct {
	Logger      *zap.Logger
	Build       services.BuildInfo
	Clock       func() time.Time
	Fees        services.ShippingFeeQuoter
	Storage     services.ProofStorage
	Thumbnails  services.ThumbnailGenerator
	Events      services.ShippingEventPublisher
	Metrics     services.ShippingMetrics
	Idempotency idempotency.Store
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Idempotency  idempotency.Store
	logger       *zap.Logger
}

// OpenRegistry opens the repository backend selected by cfg.Database.Driver. extraChecks join the
// backend's own probe in readiness reports.
func OpenRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger, extraChecks ...repositories.DependencyCheck) (repositories.Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Database.Driver {
	case config.DatabaseDriverSQLite:
		store, err := sqlstore.Open(ctx, cfg.Database.SQLiteDSN,
			sqlstore.WithLogger(observability.NewPrintfAdapter(logger.Named("sqlite"))),
			sqlstore.WithHealthChecks(extraChecks...),
		)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.DatabaseDriverFirestore, "":
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider, extraChecks...)
		if err != nil {
			return nil, fmt.Errorf("open firestore registry: %w", err)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// NewContainer constructs the runtime dependencies. Production wiring will provide real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}
	if infra.Idempotency == nil {
		store, err := idempotencyStoreFor(ctx, reg)
		if err != nil {
			return nil, err
		}
		infra.Idempotency = store
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Idempotency:  infra.Idempotency,
		logger:       infra.Logger,
	}, nil
}

// idempotencyStoreFor keeps idempotency keys next to the repository data: Firestore and SQLite
// backends share their client, anything else falls back to process memory.
func idempotencyStoreFor(ctx context.Context, reg repositories.Registry) (idempotency.Store, error) {
	switch backend := reg.(type) {
	case *firestoreRepo.Registry:
		client, err := backend.Provider().Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("idempotency firestore client: %w", err)
		}
		return idempotency.NewFirestoreStore(client), nil
	case *sqlstore.Store:
		store, err := idempotency.NewSQLStore(ctx, backend.DB())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// RunIdempotencySweeper deletes expired idempotency keys every interval until ctx is cancelled.
// A non-positive interval disables the sweeper.
func (c *Container) RunIdempotencySweeper(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 || c.Idempotency == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger := c.logger.Named("idempotency")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := c.Idempotency.CleanupExpired(runCtx, time.Now(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency sweep failed", zap.Error(err))
			} else if removed > 0 {
				logger.Info("idempotency sweep removed keys", zap.Int("count", removed))
			}
		}
	}
}

// RouterDeps supplies the request authenticators. Nil entries leave the matching group open,
// which is only appropriate in tests.
type RouterDeps struct {
	Authenticator *auth.Authenticator
	HMAC          *auth.HMACValidator
	OIDC          func(http.Handler) http.Handler
	Build         services.BuildInfo
	ProjectID     string
}

// Router assembles the HTTP router over the container's services.
func (c *Container) Router(deps RouterDeps) chi.Router {
	logger := c.logger
	cfg := c.Config

	idempotencyMW := idempotency.Middleware(
		c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithOptionalKey(),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	shippingHandlers := handlers.NewShippingHandlers(deps.Authenticator, c.Services.Shippable, c.Services.Shipping,
		handlers.WithShippingCreateLimiter(cfg.RateLimits.CreateOrderPerMinute),
		handlers.WithShippingIdempotency(idempotencyMW),
	)
	adminHandlers := handlers.NewAdminShippingHandlers(deps.Authenticator, c.Services.Shipping,
		handlers.WithProofUploadLimiter(cfg.RateLimits.ProofUploadPerMinute),
		handlers.WithMaxProofBytes(cfg.Shipping.ProofMaxBytes),
	)
	webhookHandlers := handlers.NewCarrierWebhookHandlers(deps.HMAC, c.Services.Shipping)

	var cleaner handlers.IdempotencyCleaner
	if c.Idempotency != nil {
		cleaner = c.Idempotency
	}
	maintenanceHandlers := handlers.NewMaintenanceHandlers(cleaner, time.Now)

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(deps.Build)}
	if c.Services.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(c.Services.System))
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.TraceMiddleware(deps.ProjectID),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer(logger.Named("http")),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithRoutes(handlers.GroupShipping, shippingHandlers.Routes),
		handlers.WithRoutes(handlers.GroupAdmin, adminHandlers.Routes),
		handlers.WithRoutes(handlers.GroupWebhooks, webhookHandlers.Routes),
		handlers.WithRoutes(handlers.GroupInternal, maintenanceHandlers.Routes, deps.OIDC),
	}
	return handlers.NewRouter(opts...)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	var svc Services

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      infra.Clock,
			Logger:     infra.Logger.Named("audit").Sugar(),
			HashSalt:   cfg.Security.AuditIPSalt,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	if counterRepo := reg.Counters(); counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      infra.Clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            infra.Clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	shippingLogger := infra.Logger.Named("shipping")
	logFn := func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		shippingLogger.Debug("shipping log", zFields...)
	}

	shippableSvc, err := services.NewShippableItemService(services.ShippableItemServiceDeps{
		Purchases:      reg.Purchases(),
		Images:         reg.CatalogImages(),
		ShippingOrders: reg.ShippingOrders(),
		Logger:         logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shippable item service: %w", err)
	}
	svc.Shippable = shippableSvc

	fees := infra.Fees
	if fees == nil {
		policy, err := services.NewFlatShippingFeePolicy(cfg.Shipping.Currency, cfg.Shipping.FlatFee)
		if err != nil {
			return Services{}, fmt.Errorf("build flat shipping fee policy: %w", err)
		}
		fees = policy
	}

	shippingSvc, err := services.NewShippingOrderService(services.ShippingOrderServiceDeps{
		Purchases:            reg.Purchases(),
		ShippingOrders:       reg.ShippingOrders(),
		Fees:                 fees,
		Counters:             svc.Counters,
		Storage:              infra.Storage,
		Thumbnails:           infra.Thumbnails,
		Audit:                svc.Audit,
		Events:               infra.Events,
		Metrics:              infra.Metrics,
		Clock:                infra.Clock,
		Logger:               logFn,
		MaxPurchasesPerOrder: cfg.Shipping.MaxPurchasesPerOrder,
		ProofMaxBytes:        cfg.Shipping.ProofMaxBytes,
		ProofLinkTTL:         cfg.Storage.ProofURLTTL,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build shipping order service: %w", err)
	}
	svc.Shipping = shippingSvc

	return svc, nil
}
