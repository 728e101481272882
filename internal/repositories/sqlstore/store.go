// Package sqlstore implements the repository registry on an embedded SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lumiframe/api/internal/repositories"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Logger receives migration progress messages.
type Logger interface {
	Printf(format string, args ...any)
}

// Option customises Open.
type Option func(*options)

type options struct {
	logger Logger
	clock  func() time.Time
	checks []repositories.DependencyCheck
}

// WithLogger routes migration logs to logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for counter and claim timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHealthChecks adds dependency probes reported next to the SQLite ping.
func WithHealthChecks(checks ...repositories.DependencyCheck) Option {
	return func(o *options) {
		o.checks = append(o.checks, checks...)
	}
}

// Store owns the database handle and exposes typed repositories over it.
type Store struct {
	db     *sql.DB
	logger Logger
	now    func() time.Time

	purchases      *PurchaseRepository
	catalogImages  *CatalogImageRepository
	shippingOrders *ShippingOrderRepository
	auditLogs      *AuditLogRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

// Open connects to dsn, applies pending migrations and returns a ready Store.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}

	cfg := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// SQLite allows a single writer; one connection keeps transactions serialised and
	// keeps in-memory databases alive for the lifetime of the pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlstore: %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, logger: cfg.logger, now: cfg.clock}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.purchases = &PurchaseRepository{db: db}
	s.catalogImages = &CatalogImageRepository{db: db}
	s.shippingOrders = &ShippingOrderRepository{db: db}
	s.auditLogs = &AuditLogRepository{db: db}
	s.counters = &CounterRepository{db: db, now: cfg.clock}

	checks := append([]repositories.DependencyCheck{{
		Name:    "sqlite",
		Timeout: time.Second,
		Check:   db.PingContext,
	}}, cfg.checks...)
	health, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyClock(cfg.clock))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.health = health

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlstore: create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("sqlstore: list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimPrefix(name, "migrations/")
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("sqlstore: check migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("sqlstore: read migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlstore: begin migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlstore: apply migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, version, formatTime(s.now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlstore: record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlstore: commit migration %s: %w", version, err)
		}
		if s.logger != nil {
			s.logger.Printf("sqlstore: applied migration %s", version)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close(context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for stores that keep their own tables, such as idempotency keys.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Purchases() repositories.PurchaseRepository { return s.purchases }

func (s *Store) CatalogImages() repositories.CatalogImageRepository { return s.catalogImages }

func (s *Store) ShippingOrders() repositories.ShippingOrderRepository { return s.shippingOrders }

func (s *Store) AuditLogs() repositories.AuditLogRepository { return s.auditLogs }

func (s *Store) Counters() repositories.CounterRepository { return s.counters }

func (s *Store) Health() repositories.HealthRepository { return s.health }

var _ repositories.Registry = (*Store)(nil)
