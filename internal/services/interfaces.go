package services

import (
	"context"
	"slices"
	"strings"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	ShippingOrder      = domain.ShippingOrder
	ShippingAddress    = domain.ShippingAddress
	ShippingStatus     = domain.ShippingStatus
	ShippableImage     = domain.ShippableImage
	SystemHealthReport = domain.SystemHealthReport
	AuditLogEntry      = domain.AuditLogEntry
)

// ShippableItemService resolves purchased images that can still be shipped as prints.
type ShippableItemService interface {
	ListShippable(ctx context.Context, customerID string) ([]ShippableImage, error)
}

// ShippingOrderService manages the lifecycle of physical print shipments.
type ShippingOrderService interface {
	CreateShippingOrder(ctx context.Context, cmd CreateShippingOrderCommand) (ShippingOrder, error)
	GetUserShippingOrders(ctx context.Context, customerID string) ([]ShippingOrder, error)
	// GetShippingOrderByID enforces owner-or-admin access when caller is non-nil.
	GetShippingOrderByID(ctx context.Context, orderID string, caller *Caller) (ShippingOrder, error)
	GetAllShippingOrders(ctx context.Context, caller Caller, filter ShippingOrderFilter) (domain.CursorPage[ShippingOrder], error)
	UpdateShippingOrderStatus(ctx context.Context, cmd UpdateShippingStatusCommand) (ShippingOrder, error)
	UploadDeliveryProofImage(ctx context.Context, cmd UploadDeliveryProofCommand) (ShippingOrder, error)
	DeliveryProofLink(ctx context.Context, orderID string, caller Caller) (DeliveryProofLink, error)
	ShippingOrderHistory(ctx context.Context, orderID string, caller Caller, page Pagination) (domain.CursorPage[AuditLogEntry], error)
}

// SystemService reports dependency health for the readiness probe.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// AuditLogService centralizes immutable audit log persistence and retrieval.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error)
}

// CounterService allocates human readable shipping order numbers.
type CounterService interface {
	NextShippingOrderNumber(ctx context.Context) (string, error)
}

// ShippingEventPublisher emits shipping order domain events for downstream consumers.
type ShippingEventPublisher interface {
	PublishShippingEvent(ctx context.Context, event domain.ShippingOrderEvent) error
}

// ProofStorage persists delivery proof images and issues download links for them.
type ProofStorage interface {
	Put(ctx context.Context, object string, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, object string) error
	SignedURL(ctx context.Context, object string, ttl time.Duration) (string, time.Time, error)
}

// ThumbnailGenerator renders a reduced JPEG preview of an uploaded image.
type ThumbnailGenerator interface {
	Thumbnail(data []byte) ([]byte, error)
}

// ShippingFeeQuoter prices shipping for a destination.
type ShippingFeeQuoter interface {
	Quote(country string, currency string, items int) (int64, error)
}

// ShippingMetrics records shipping order lifecycle measurements.
type ShippingMetrics interface {
	OrderCreated(ctx context.Context, purchases int)
	StatusChanged(ctx context.Context, from, to ShippingStatus)
	ProofUploaded(ctx context.Context, bytes int)
}

// Caller roles recognised by the shipping services.
const (
	CallerRoleAdmin   = "admin"
	CallerRoleCarrier = "carrier"
)

// Caller identifies the principal performing an operation.
type Caller struct {
	ID    string
	Roles []string
}

// IsAdmin reports whether the caller holds the admin role.
func (c Caller) IsAdmin() bool {
	return c.hasRole(CallerRoleAdmin)
}

// IsCarrier reports whether the caller is a verified carrier integration.
func (c Caller) IsCarrier() bool {
	return c.hasRole(CallerRoleCarrier)
}

func (c Caller) hasRole(role string) bool {
	return slices.ContainsFunc(c.Roles, func(r string) bool {
		return strings.EqualFold(strings.TrimSpace(r), role)
	})
}

// CreateShippingOrderCommand requests shipment of previously purchased images.
type CreateShippingOrderCommand struct {
	CustomerID  string
	PurchaseIDs []string
	Address     ShippingAddress
	RequestID   string
}

// ShippingOrderFilter narrows admin listings.
type ShippingOrderFilter struct {
	Statuses   []ShippingStatus
	CustomerID string
	Pagination Pagination
}

// UpdateShippingStatusCommand advances an order to the next fulfilment stage.
type UpdateShippingStatusCommand struct {
	OrderID        string
	Status         string
	Note           string
	Carrier        string
	TrackingNumber string
	Caller         Caller
	RequestID      string
	IPAddress      string
	UserAgent      string
	Metadata       map[string]string
}

// UploadDeliveryProofCommand carries the proof image for an order.
type UploadDeliveryProofCommand struct {
	OrderID   string
	FileName  string
	Data      []byte
	Caller    Caller
	RequestID string
	IPAddress string
	UserAgent string
}

// DeliveryProofLink is a short-lived download URL for a proof image.
type DeliveryProofLink struct {
	OrderID      string
	URL          string
	ThumbnailURL string
	ExpiresAt    time.Time
}

// AuditLogRecord defines the payload accepted by the audit writer service.
type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Severity   string
	RequestID  string
	OccurredAt time.Time
	Metadata   map[string]any
	Diff       map[string]AuditLogDiff
	IPAddress  string
	UserAgent  string
}

// AuditLogDiff captures before/after values for tracked fields.
type AuditLogDiff struct {
	Before any
	After  any
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}
