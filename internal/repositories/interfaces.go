package repositories

import (
	"context"
	"errors"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Purchases() PurchaseRepository
	CatalogImages() CatalogImageRepository
	ShippingOrders() ShippingOrderRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// DeletionScope states whether soft-deleted rows take part in a read.
type DeletionScope int

const (
	// ExcludeDeleted filters out soft-deleted rows.
	ExcludeDeleted DeletionScope = iota
	// IncludeDeleted returns soft-deleted rows alongside live ones.
	IncludeDeleted
)

// PurchaseRepository reads the purchase ledger owned by the payment boundary.
type PurchaseRepository interface {
	// FindCompletedForCustomer returns completed, non-deleted purchases owned by customerID.
	FindCompletedForCustomer(ctx context.Context, customerID string) ([]domain.PurchaseRecord, error)
	// FindByIDs returns the purchases that exist for ids. Unknown ids are absent from the result.
	FindByIDs(ctx context.Context, ids []string, scope DeletionScope) (map[string]domain.PurchaseRecord, error)
}

// CatalogImageRepository resolves image metadata for purchased images.
type CatalogImageRepository interface {
	FindByIDs(ctx context.Context, ids []string, scope DeletionScope) (map[string]domain.CatalogImage, error)
}

// ShippingOrderRepository persists shipping orders and the purchase claims that prevent double shipping.
type ShippingOrderRepository interface {
	// Create inserts order and claims each of its purchase ids in one atomic step. When any purchase is
	// already claimed the call fails with a conflict wrapping ErrPurchaseClaimed and nothing is written.
	Create(ctx context.Context, order domain.ShippingOrder) error
	// ClaimedPurchaseIDs maps each referenced purchase id to the shipping order holding it, whatever that order's status.
	ClaimedPurchaseIDs(ctx context.Context, purchaseIDs []string) (map[string]string, error)
	FindByID(ctx context.Context, orderID string, scope DeletionScope) (domain.ShippingOrder, error)
	// ListByCustomer returns non-deleted orders for customerID, newest first.
	ListByCustomer(ctx context.Context, customerID string) ([]domain.ShippingOrder, error)
	List(ctx context.Context, filter ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error)
	// Mutate loads the non-deleted order, applies fn and stores the result atomically. Errors returned by
	// fn abort the write and are returned as-is.
	Mutate(ctx context.Context, orderID string, fn func(order *domain.ShippingOrder) error) (domain.ShippingOrder, error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// Counter failures. Implementations wrap these with the counter ID.
var (
	ErrCounterInvalid   = errors.New("counter: invalid request")
	ErrCounterExhausted = errors.New("counter: maximum value reached")
	// ErrPurchaseClaimed marks a Create conflict caused by a purchase already held by another
	// shipping order. Other conflicts, such as a reused order number, do not wrap it.
	ErrPurchaseClaimed = errors.New("purchase already claimed by a shipping order")
)

// CounterRepository issues monotonically increasing sequence values. Next with step <= 0 uses
// the stored step. Configure with a nil pointer leaves that setting unchanged.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

// ShippingOrderListFilter narrows admin listings.
type ShippingOrderListFilter struct {
	CustomerID string
	Statuses   []domain.ShippingStatus
	Deleted    DeletionScope
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
