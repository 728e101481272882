package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/api/iterator"

	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind repositories.Registry.
type Registry struct {
	provider       *pfirestore.Provider
	purchases      *PurchaseRepository
	catalogImages  *CatalogImageRepository
	shippingOrders *ShippingOrderRepository
	auditLogs      *AuditLogRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

// NewRegistry builds every repository over provider. extraChecks join the Firestore probe in health reports.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}

	purchases, err := NewPurchaseRepository(provider)
	if err != nil {
		return nil, err
	}
	images, err := NewCatalogImageRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewShippingOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	audits, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := make([]repositories.DependencyCheck, 0, len(extraChecks)+1)
	checks = append(checks, repositories.DependencyCheck{
		Name:    "firestore",
		Timeout: 1500 * time.Millisecond,
		Check: func(ctx context.Context) error {
			client, err := provider.Client(ctx)
			if err != nil {
				return err
			}
			iter := client.Collections(ctx)
			_, err = iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			return err
		},
	})
	checks = append(checks, extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}

	return &Registry{
		provider:       provider,
		purchases:      purchases,
		catalogImages:  images,
		shippingOrders: orders,
		auditLogs:      audits,
		counters:       counters,
		health:         health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Provider exposes the shared client provider so collaborators such as the idempotency store
// reuse the same connection.
func (r *Registry) Provider() *pfirestore.Provider {
	if r == nil {
		return nil
	}
	return r.provider
}

func (r *Registry) Purchases() repositories.PurchaseRepository { return r.purchases }

func (r *Registry) CatalogImages() repositories.CatalogImageRepository { return r.catalogImages }

func (r *Registry) ShippingOrders() repositories.ShippingOrderRepository { return r.shippingOrders }

func (r *Registry) AuditLogs() repositories.AuditLogRepository { return r.auditLogs }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

var _ repositories.Registry = (*Registry)(nil)
