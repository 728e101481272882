package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/repositories"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
	err         error
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) Unwrap() error       { return e.err }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

type memoryPurchaseRepo struct {
	purchases map[string]domain.PurchaseRecord
	err       error
}

func newMemoryPurchaseRepo(records ...domain.PurchaseRecord) *memoryPurchaseRepo {
	repo := &memoryPurchaseRepo{purchases: map[string]domain.PurchaseRecord{}}
	for _, record := range records {
		repo.purchases[record.ID] = record
	}
	return repo
}

func (r *memoryPurchaseRepo) FindCompletedForCustomer(_ context.Context, customerID string) ([]domain.PurchaseRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	var result []domain.PurchaseRecord
	for _, record := range r.purchases {
		if record.CustomerID == customerID && record.IsCompleted() {
			result = append(result, record)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memoryPurchaseRepo) FindByIDs(_ context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.PurchaseRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	result := map[string]domain.PurchaseRecord{}
	for _, id := range ids {
		record, ok := r.purchases[id]
		if !ok {
			continue
		}
		if record.DeletedAt != nil && scope == repositories.ExcludeDeleted {
			continue
		}
		result[id] = record
	}
	return result, nil
}

type memoryImageRepo struct {
	images map[string]domain.CatalogImage
}

func (r *memoryImageRepo) FindByIDs(_ context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.CatalogImage, error) {
	result := map[string]domain.CatalogImage{}
	for _, id := range ids {
		image, ok := r.images[id]
		if !ok || (image.DeletedAt != nil && scope == repositories.ExcludeDeleted) {
			continue
		}
		result[id] = image
	}
	return result, nil
}

// memoryShippingOrderRepo mimics the atomic claim semantics of the real backends.
type memoryShippingOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.ShippingOrder
	claims    map[string]string
	createErr error
	mutateErr error
	listFn    func(filter repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error)
	lastList  repositories.ShippingOrderListFilter
}

func newMemoryShippingOrderRepo() *memoryShippingOrderRepo {
	return &memoryShippingOrderRepo{
		orders: map[string]domain.ShippingOrder{},
		claims: map[string]string{},
	}
}

func (r *memoryShippingOrderRepo) Create(_ context.Context, order domain.ShippingOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, id := range order.PurchaseIDs {
		if _, ok := r.claims[id]; ok {
			return &stubRepoError{conflict: true, err: repositories.ErrPurchaseClaimed}
		}
	}
	for _, id := range order.PurchaseIDs {
		r.claims[id] = order.ID
	}
	order.PurchaseIDs = slices.Clone(order.PurchaseIDs)
	r.orders[order.ID] = order
	return nil
}

func (r *memoryShippingOrderRepo) ClaimedPurchaseIDs(_ context.Context, purchaseIDs []string) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := map[string]string{}
	for _, id := range purchaseIDs {
		if orderID, ok := r.claims[id]; ok {
			result[id] = orderID
		}
	}
	return result, nil
}

func (r *memoryShippingOrderRepo) FindByID(_ context.Context, orderID string, scope repositories.DeletionScope) (domain.ShippingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || (order.DeletedAt != nil && scope == repositories.ExcludeDeleted) {
		return domain.ShippingOrder{}, &stubRepoError{notFound: true}
	}
	return order, nil
}

func (r *memoryShippingOrderRepo) ListByCustomer(_ context.Context, customerID string) ([]domain.ShippingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []domain.ShippingOrder
	for _, order := range r.orders {
		if order.CustomerID == customerID && order.DeletedAt == nil {
			result = append(result, order)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (r *memoryShippingOrderRepo) List(_ context.Context, filter repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error) {
	r.mu.Lock()
	r.lastList = filter
	r.mu.Unlock()
	if r.listFn != nil {
		return r.listFn(filter)
	}
	return domain.CursorPage[domain.ShippingOrder]{}, nil
}

func (r *memoryShippingOrderRepo) Mutate(_ context.Context, orderID string, fn func(order *domain.ShippingOrder) error) (domain.ShippingOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mutateErr != nil {
		return domain.ShippingOrder{}, r.mutateErr
	}
	order, ok := r.orders[orderID]
	if !ok || order.DeletedAt != nil {
		return domain.ShippingOrder{}, &stubRepoError{notFound: true}
	}
	working := order
	working.PurchaseIDs = slices.Clone(order.PurchaseIDs)
	if err := fn(&working); err != nil {
		return domain.ShippingOrder{}, err
	}
	r.orders[orderID] = working
	return working, nil
}

type stubFeeQuoter struct {
	fee int64
	err error
}

func (s stubFeeQuoter) Quote(string, string, int) (int64, error) {
	return s.fee, s.err
}

type captureShippingEvents struct {
	mu     sync.Mutex
	events []domain.ShippingOrderEvent
	err    error
}

func (c *captureShippingEvents) PublishShippingEvent(_ context.Context, event domain.ShippingOrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

type captureAuditService struct {
	records  []AuditLogRecord
	listResp domain.CursorPage[AuditLogEntry]
	filter   AuditLogFilter
}

func (c *captureAuditService) Record(_ context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

func (c *captureAuditService) List(_ context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	c.filter = filter
	return c.listResp, nil
}

type memoryProofStorage struct {
	objects   map[string][]byte
	types     map[string]string
	deleted   []string
	putErr    error
	failAfter int
	puts      int
}

func newMemoryProofStorage() *memoryProofStorage {
	return &memoryProofStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memoryProofStorage) Put(_ context.Context, object string, contentType string, data []byte) (string, error) {
	m.puts++
	if m.putErr != nil && (m.failAfter == 0 || m.puts > m.failAfter) {
		return "", m.putErr
	}
	m.objects[object] = slices.Clone(data)
	m.types[object] = contentType
	return "https://storage.example.test/proofs/" + object, nil
}

func (m *memoryProofStorage) Delete(_ context.Context, object string) error {
	delete(m.objects, object)
	m.deleted = append(m.deleted, object)
	return nil
}

func (m *memoryProofStorage) SignedURL(_ context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	if _, ok := m.objects[object]; !ok {
		return "", time.Time{}, errors.New("object missing")
	}
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(ttl)
	return "https://signed.example.test/" + object, expires, nil
}

type stubThumbnailer struct {
	out []byte
	err error
}

func (s stubThumbnailer) Thumbnail([]byte) ([]byte, error) {
	return s.out, s.err
}

type captureShippingMetrics struct {
	mu          sync.Mutex
	created     int
	transitions []string
	proofs      int
}

func (c *captureShippingMetrics) OrderCreated(context.Context, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
}

func (c *captureShippingMetrics) StatusChanged(_ context.Context, from, to ShippingStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, string(from)+">"+string(to))
}

func (c *captureShippingMetrics) ProofUploaded(context.Context, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proofs++
}

type stubShippingCounter struct {
	mu   sync.Mutex
	next int
}

func (s *stubShippingCounter) NextShippingOrderNumber(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("SO-2026-%06d", s.next), nil
}

var (
	_ repositories.PurchaseRepository      = (*memoryPurchaseRepo)(nil)
	_ repositories.CatalogImageRepository  = (*memoryImageRepo)(nil)
	_ repositories.ShippingOrderRepository = (*memoryShippingOrderRepo)(nil)
	_ ProofStorage                         = (*memoryProofStorage)(nil)
	_ ShippingMetrics                      = (*captureShippingMetrics)(nil)
)
