package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/platform/storage"
	"github.com/lumiframe/api/internal/platform/textutil"
	"github.com/lumiframe/api/internal/repositories"
)

const (
	shippingEventCreated       = "shipping_order.created"
	shippingEventStatusChanged = "shipping_order.status_changed"
	shippingEventProofUploaded = "shipping_order.proof_uploaded"

	shippingAuditStatusUpdated = "shipping_order.status_updated"
	shippingAuditProofUploaded = "shipping_order.proof_uploaded"

	shippingOrderIDPrefix = "sho_"

	defaultMaxPurchasesPerOrder = 20
	defaultProofMaxBytes        = 10 << 20
	defaultProofLinkTTL         = 15 * time.Minute
	defaultShippingPageSize     = 50
	maxShippingPageSize         = 100

	shippingNoteMaxRunes   = 2000
	addressFieldMaxRunes   = 200
	fileNameMaxRunes       = 200
	carrierNameMaxRunes    = 64
	trackingNumberMaxRunes = 128
	metadataValueMaxRunes  = 256
)

var (
	// ErrShippingInvalidInput signals missing or malformed input.
	ErrShippingInvalidInput = errors.New("shipping: invalid input")
	// ErrShippingNotFound indicates a purchase or shipping order does not exist.
	ErrShippingNotFound = errors.New("shipping: not found")
	// ErrShippingForbidden indicates the caller neither owns the resource nor holds the required role.
	ErrShippingForbidden = errors.New("shipping: forbidden")
	// ErrShippingInvalidOperation indicates a business rule rejected the request.
	ErrShippingInvalidOperation = errors.New("shipping: invalid operation")
	// ErrShippingUnavailable indicates a collaborator required for the operation is not configured or reachable.
	ErrShippingUnavailable = errors.New("shipping: unavailable")
)

// shippingTransitions allows exactly one forward step from each non-terminal status.
var shippingTransitions = map[domain.ShippingStatus]domain.ShippingStatus{
	domain.ShippingStatusPending:   domain.ShippingStatusConfirmed,
	domain.ShippingStatusConfirmed: domain.ShippingStatusPackaging,
	domain.ShippingStatusPackaging: domain.ShippingStatusShipping,
	domain.ShippingStatusShipping:  domain.ShippingStatusDelivered,
}

// carrierStatuses are the only targets a carrier integration may set.
var carrierStatuses = []domain.ShippingStatus{
	domain.ShippingStatusShipping,
	domain.ShippingStatusDelivered,
}

var proofContentTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// ShippingOrderServiceDeps bundles collaborators required to construct the shipping order service.
type ShippingOrderServiceDeps struct {
	Purchases      repositories.PurchaseRepository
	ShippingOrders repositories.ShippingOrderRepository
	Fees           ShippingFeeQuoter
	Counters       CounterService
	Storage        ProofStorage
	Thumbnails     ThumbnailGenerator
	Audit          AuditLogService
	Events         ShippingEventPublisher
	Metrics        ShippingMetrics
	Clock          func() time.Time
	IDGenerator    func() string
	ObjectNamer    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)

	MaxPurchasesPerOrder int
	ProofMaxBytes        int64
	ProofLinkTTL         time.Duration
}

type shippingOrderService struct {
	purchases    repositories.PurchaseRepository
	orders       repositories.ShippingOrderRepository
	fees         ShippingFeeQuoter
	counters     CounterService
	storage      ProofStorage
	thumbnails   ThumbnailGenerator
	audit        AuditLogService
	events       ShippingEventPublisher
	metrics      ShippingMetrics
	clock        func() time.Time
	newID        func() string
	newObject    func() string
	logger       func(context.Context, string, map[string]any)
	maxPurchases int
	proofMax     int64
	linkTTL      time.Duration
}

var _ ShippingOrderService = (*shippingOrderService)(nil)

// NewShippingOrderService wires dependencies into a concrete ShippingOrderService implementation.
func NewShippingOrderService(deps ShippingOrderServiceDeps) (ShippingOrderService, error) {
	if deps.Purchases == nil {
		return nil, errors.New("shipping order service: purchase repository is required")
	}
	if deps.ShippingOrders == nil {
		return nil, errors.New("shipping order service: shipping order repository is required")
	}
	if deps.Fees == nil {
		return nil, errors.New("shipping order service: fee quoter is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	objectNamer := deps.ObjectNamer
	if objectNamer == nil {
		objectNamer = func() string {
			return uuid.NewString()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	maxPurchases := deps.MaxPurchasesPerOrder
	if maxPurchases <= 0 {
		maxPurchases = defaultMaxPurchasesPerOrder
	}
	proofMax := deps.ProofMaxBytes
	if proofMax <= 0 {
		proofMax = defaultProofMaxBytes
	}
	linkTTL := deps.ProofLinkTTL
	if linkTTL <= 0 {
		linkTTL = defaultProofLinkTTL
	}

	return &shippingOrderService{
		purchases:  deps.Purchases,
		orders:     deps.ShippingOrders,
		fees:       deps.Fees,
		counters:   deps.Counters,
		storage:    deps.Storage,
		thumbnails: deps.Thumbnails,
		audit:      deps.Audit,
		events:     deps.Events,
		metrics:    deps.Metrics,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		newObject:    objectNamer,
		logger:       logger,
		maxPurchases: maxPurchases,
		proofMax:     proofMax,
		linkTTL:      linkTTL,
	}, nil
}

func (s *shippingOrderService) CreateShippingOrder(ctx context.Context, cmd CreateShippingOrderCommand) (ShippingOrder, error) {
	customerID := strings.TrimSpace(cmd.CustomerID)
	if customerID == "" {
		return ShippingOrder{}, fmt.Errorf("%w: customer id is required", ErrShippingInvalidInput)
	}
	purchaseIDs := uniquePurchaseIDs(cmd.PurchaseIDs)
	if len(purchaseIDs) == 0 {
		return ShippingOrder{}, fmt.Errorf("%w: at least one purchase id is required", ErrShippingInvalidInput)
	}
	if len(purchaseIDs) > s.maxPurchases {
		return ShippingOrder{}, fmt.Errorf("%w: at most %d purchases can be shipped in one order", ErrShippingInvalidInput, s.maxPurchases)
	}
	address, err := normaliseShippingAddress(cmd.Address)
	if err != nil {
		return ShippingOrder{}, err
	}

	purchases, err := s.purchases.FindByIDs(ctx, purchaseIDs, repositories.ExcludeDeleted)
	if err != nil {
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}

	var (
		orderAmount int64
		currency    string
	)
	for _, id := range purchaseIDs {
		purchase, ok := purchases[id]
		if !ok {
			return ShippingOrder{}, fmt.Errorf("%w: purchase %s", ErrShippingNotFound, id)
		}
		if purchase.CustomerID != customerID {
			return ShippingOrder{}, fmt.Errorf("%w: purchase %s belongs to another customer", ErrShippingForbidden, id)
		}
		if !purchase.IsCompleted() {
			return ShippingOrder{}, fmt.Errorf("%w: purchase %s is not completed", ErrShippingInvalidOperation, id)
		}
		purchaseCurrency := strings.ToUpper(strings.TrimSpace(purchase.Currency))
		if currency == "" {
			currency = purchaseCurrency
		} else if currency != purchaseCurrency {
			return ShippingOrder{}, fmt.Errorf("%w: purchases span currencies %s and %s", ErrShippingInvalidInput, currency, purchaseCurrency)
		}
		orderAmount += purchase.Amount
	}

	claimed, err := s.orders.ClaimedPurchaseIDs(ctx, purchaseIDs)
	if err != nil {
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}
	for _, id := range purchaseIDs {
		if orderID, ok := claimed[id]; ok {
			return ShippingOrder{}, fmt.Errorf("%w: purchase %s is already referenced by shipping order %s", ErrShippingInvalidOperation, id, orderID)
		}
	}

	fee, err := s.fees.Quote(address.Country, currency, len(purchaseIDs))
	if err != nil {
		return ShippingOrder{}, err
	}

	orderID := ensureShippingOrderID(s.newID())
	orderNumber := fallbackOrderNumber(orderID)
	if s.counters != nil {
		orderNumber, err = s.counters.NextShippingOrderNumber(ctx)
		if err != nil {
			return ShippingOrder{}, fmt.Errorf("%w: allocate order number: %v", ErrShippingUnavailable, err)
		}
	}

	now := s.clock()
	order := ShippingOrder{
		ID:          orderID,
		OrderNumber: orderNumber,
		CustomerID:  customerID,
		PurchaseIDs: purchaseIDs,
		Address:     address,
		Currency:    currency,
		ShippingFee: fee,
		OrderAmount: orderAmount,
		TotalAmount: orderAmount + fee,
		Status:      domain.ShippingStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, repositories.ErrPurchaseClaimed) {
			return ShippingOrder{}, fmt.Errorf("%w: one or more purchases are already referenced by a shipping order", ErrShippingInvalidOperation)
		}
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			// Any other uniqueness clash (order id or number) is a server fault, not the caller's.
			return ShippingOrder{}, fmt.Errorf("shipping: store order %s: %v", orderID, err)
		}
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}

	s.logger(ctx, "shipping.order.created", map[string]any{
		"orderId":    order.ID,
		"customerId": customerID,
		"purchases":  len(purchaseIDs),
		"requestId":  strings.TrimSpace(cmd.RequestID),
	})
	if s.metrics != nil {
		s.metrics.OrderCreated(ctx, len(purchaseIDs))
	}
	s.publishEvent(ctx, domain.ShippingOrderEvent{
		Type:        shippingEventCreated,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  customerID,
		Status:      string(order.Status),
		ActorID:     customerID,
		OccurredAt:  now,
	})

	return order, nil
}

func (s *shippingOrderService) GetUserShippingOrders(ctx context.Context, customerID string) ([]ShippingOrder, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrShippingInvalidInput)
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}
	if orders == nil {
		orders = []ShippingOrder{}
	}
	return orders, nil
}

func (s *shippingOrderService) GetShippingOrderByID(ctx context.Context, orderID string, caller *Caller) (ShippingOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ShippingOrder{}, fmt.Errorf("%w: shipping order id is required", ErrShippingInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID, repositories.ExcludeDeleted)
	if err != nil {
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}
	if caller != nil && !caller.IsAdmin() && order.CustomerID != strings.TrimSpace(caller.ID) {
		return ShippingOrder{}, fmt.Errorf("%w: shipping order %s belongs to another customer", ErrShippingForbidden, orderID)
	}
	return order, nil
}

func (s *shippingOrderService) GetAllShippingOrders(ctx context.Context, caller Caller, filter ShippingOrderFilter) (domain.CursorPage[ShippingOrder], error) {
	if !caller.IsAdmin() {
		return domain.CursorPage[ShippingOrder]{}, fmt.Errorf("%w: admin role required", ErrShippingForbidden)
	}

	statuses := make([]domain.ShippingStatus, 0, len(filter.Statuses))
	for _, raw := range filter.Statuses {
		status, ok := domain.ParseShippingStatus(string(raw))
		if !ok {
			return domain.CursorPage[ShippingOrder]{}, fmt.Errorf("%w: unknown status %q", ErrShippingInvalidInput, raw)
		}
		if !slices.Contains(statuses, status) {
			statuses = append(statuses, status)
		}
	}

	pageSize := filter.Pagination.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultShippingPageSize
	case pageSize > maxShippingPageSize:
		pageSize = maxShippingPageSize
	}

	page, err := s.orders.List(ctx, repositories.ShippingOrderListFilter{
		CustomerID: strings.TrimSpace(filter.CustomerID),
		Statuses:   statuses,
		Deleted:    repositories.ExcludeDeleted,
		Pagination: domain.Pagination{PageSize: pageSize, PageToken: strings.TrimSpace(filter.Pagination.PageToken)},
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[ShippingOrder]{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
		}
		return domain.CursorPage[ShippingOrder]{}, mapShippingRepositoryError(err)
	}
	if page.Items == nil {
		page.Items = []ShippingOrder{}
	}
	return page, nil
}

func (s *shippingOrderService) UpdateShippingOrderStatus(ctx context.Context, cmd UpdateShippingStatusCommand) (ShippingOrder, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ShippingOrder{}, fmt.Errorf("%w: shipping order id is required", ErrShippingInvalidInput)
	}
	if strings.TrimSpace(cmd.Status) == "" {
		return ShippingOrder{}, fmt.Errorf("%w: status is required", ErrShippingInvalidInput)
	}
	target, ok := domain.ParseShippingStatus(cmd.Status)
	if !ok {
		return ShippingOrder{}, fmt.Errorf("%w: unknown status %q", ErrShippingInvalidInput, cmd.Status)
	}
	switch {
	case cmd.Caller.IsAdmin():
	case cmd.Caller.IsCarrier():
		if !slices.Contains(carrierStatuses, target) {
			return ShippingOrder{}, fmt.Errorf("%w: carriers cannot set status %s", ErrShippingForbidden, target)
		}
	default:
		return ShippingOrder{}, fmt.Errorf("%w: admin role required", ErrShippingForbidden)
	}

	note := textutil.PlainText(cmd.Note, shippingNoteMaxRunes)
	carrier := textutil.SingleLine(cmd.Carrier, carrierNameMaxRunes)
	tracking := textutil.SingleLine(cmd.TrackingNumber, trackingNumberMaxRunes)
	if (carrier != "" || tracking != "") && target != domain.ShippingStatusShipping {
		return ShippingOrder{}, fmt.Errorf("%w: carrier details can only be recorded when entering %s", ErrShippingInvalidInput, domain.ShippingStatusShipping)
	}

	now := s.clock()
	var previous domain.ShippingStatus
	order, err := s.orders.Mutate(ctx, orderID, func(order *domain.ShippingOrder) error {
		previous = order.Status
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: shipping order is already %s", ErrShippingInvalidOperation, order.Status)
		}
		if next, ok := shippingTransitions[order.Status]; !ok || next != target {
			return fmt.Errorf("%w: cannot move shipping order from %s to %s", ErrShippingInvalidOperation, order.Status, target)
		}
		order.SetStage(target, note, now)
		if target == domain.ShippingStatusShipping {
			if carrier != "" {
				order.Carrier = carrier
			}
			if tracking != "" {
				order.TrackingNumber = tracking
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrShippingInvalidOperation) {
			return ShippingOrder{}, err
		}
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}

	actor := callerActorID(cmd.Caller)
	s.logger(ctx, "shipping.order.status_changed", map[string]any{
		"orderId":   order.ID,
		"from":      string(previous),
		"to":        string(target),
		"actor":     actor,
		"requestId": strings.TrimSpace(cmd.RequestID),
	})
	if s.metrics != nil {
		s.metrics.StatusChanged(ctx, previous, target)
	}
	s.publishEvent(ctx, domain.ShippingOrderEvent{
		Type:           shippingEventStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		CustomerID:     order.CustomerID,
		Status:         string(order.Status),
		PreviousStatus: string(previous),
		ActorID:        actor,
		OccurredAt:     now,
	})

	metadata := map[string]any{}
	for key, value := range textutil.SingleLineMap(cmd.Metadata, metadataValueMaxRunes) {
		metadata[key] = value
	}
	if stageNote := order.StageNote(target); stageNote != "" {
		metadata["note"] = stageNote
	}
	if order.Carrier != "" && target == domain.ShippingStatusShipping {
		metadata["carrier"] = order.Carrier
		metadata["trackingNumber"] = order.TrackingNumber
	}
	s.recordAudit(ctx, AuditLogRecord{
		Actor:      callerActorRef(cmd.Caller),
		ActorType:  callerActorType(cmd.Caller),
		Action:     shippingAuditStatusUpdated,
		TargetRef:  shippingOrderRef(order.ID),
		RequestID:  cmd.RequestID,
		OccurredAt: now,
		Metadata:   metadata,
		Diff: map[string]AuditLogDiff{
			"status": {Before: string(previous), After: string(order.Status)},
		},
		IPAddress: cmd.IPAddress,
		UserAgent: cmd.UserAgent,
	})

	return order, nil
}

func (s *shippingOrderService) UploadDeliveryProofImage(ctx context.Context, cmd UploadDeliveryProofCommand) (ShippingOrder, error) {
	if len(cmd.Data) == 0 {
		return ShippingOrder{}, fmt.Errorf("%w: delivery proof image is empty", ErrShippingInvalidInput)
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ShippingOrder{}, fmt.Errorf("%w: shipping order id is required", ErrShippingInvalidInput)
	}
	if !cmd.Caller.IsAdmin() {
		return ShippingOrder{}, fmt.Errorf("%w: admin role required", ErrShippingForbidden)
	}
	if int64(len(cmd.Data)) > s.proofMax {
		return ShippingOrder{}, fmt.Errorf("%w: delivery proof image exceeds %d bytes", ErrShippingInvalidInput, s.proofMax)
	}
	contentType := http.DetectContentType(cmd.Data)
	ext, ok := proofContentTypes[contentType]
	if !ok {
		return ShippingOrder{}, fmt.Errorf("%w: delivery proof must be a JPEG or PNG image, got %s", ErrShippingInvalidInput, contentType)
	}
	if s.storage == nil {
		return ShippingOrder{}, fmt.Errorf("%w: proof storage is not configured", ErrShippingUnavailable)
	}

	existing, err := s.orders.FindByID(ctx, orderID, repositories.ExcludeDeleted)
	if err != nil {
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}

	var thumbnail []byte
	if s.thumbnails != nil {
		thumbnail, err = s.thumbnails.Thumbnail(cmd.Data)
		if err != nil {
			return ShippingOrder{}, fmt.Errorf("%w: delivery proof image cannot be decoded: %v", ErrShippingInvalidInput, err)
		}
	}

	object, err := storage.BuildObjectPath(storage.PurposeDeliveryProof, storage.PathParams{
		OrderID:  orderID,
		FileName: s.newObject() + ext,
	})
	if err != nil {
		return ShippingOrder{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
	}
	imageURL, err := s.storage.Put(ctx, object, contentType, cmd.Data)
	if err != nil {
		return ShippingOrder{}, fmt.Errorf("shipping: store delivery proof: %w", err)
	}
	uploaded := []string{object}

	var thumbnailURL string
	if len(thumbnail) > 0 {
		thumbObject := proofThumbnailObjectName(orderID, object)
		thumbnailURL, err = s.storage.Put(ctx, thumbObject, "image/jpeg", thumbnail)
		if err != nil {
			s.discardObjects(ctx, uploaded)
			return ShippingOrder{}, fmt.Errorf("shipping: store delivery proof thumbnail: %w", err)
		}
		uploaded = append(uploaded, thumbObject)
	}

	now := s.clock()
	order, err := s.orders.Mutate(ctx, orderID, func(order *domain.ShippingOrder) error {
		order.DeliveryProofObject = object
		order.DeliveryProofImageURL = imageURL
		order.DeliveryProofThumbnailURL = thumbnailURL
		stamp := now
		order.ProofUploadedAt = &stamp
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.discardObjects(ctx, uploaded)
		return ShippingOrder{}, mapShippingRepositoryError(err)
	}

	if previous := existing.DeliveryProofObject; previous != "" && previous != object {
		s.discardObjects(ctx, []string{previous, proofThumbnailObjectName(orderID, previous)})
	}

	actor := callerActorID(cmd.Caller)
	s.logger(ctx, "shipping.order.proof_uploaded", map[string]any{
		"orderId":   order.ID,
		"object":    object,
		"bytes":     len(cmd.Data),
		"actor":     actor,
		"requestId": strings.TrimSpace(cmd.RequestID),
	})
	if s.metrics != nil {
		s.metrics.ProofUploaded(ctx, len(cmd.Data))
	}
	s.publishEvent(ctx, domain.ShippingOrderEvent{
		Type:        shippingEventProofUploaded,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		ActorID:     actor,
		OccurredAt:  now,
	})
	s.recordAudit(ctx, AuditLogRecord{
		Actor:      callerActorRef(cmd.Caller),
		ActorType:  callerActorType(cmd.Caller),
		Action:     shippingAuditProofUploaded,
		TargetRef:  shippingOrderRef(order.ID),
		RequestID:  cmd.RequestID,
		OccurredAt: now,
		Metadata: map[string]any{
			"object":      object,
			"contentType": contentType,
			"bytes":       len(cmd.Data),
			"fileName":    textutil.SingleLine(cmd.FileName, fileNameMaxRunes),
		},
		IPAddress: cmd.IPAddress,
		UserAgent: cmd.UserAgent,
	})

	return order, nil
}

func (s *shippingOrderService) DeliveryProofLink(ctx context.Context, orderID string, caller Caller) (DeliveryProofLink, error) {
	order, err := s.GetShippingOrderByID(ctx, orderID, &caller)
	if err != nil {
		return DeliveryProofLink{}, err
	}
	if !order.HasDeliveryProof() {
		return DeliveryProofLink{}, fmt.Errorf("%w: shipping order %s has no delivery proof", ErrShippingNotFound, order.ID)
	}
	if s.storage == nil {
		return DeliveryProofLink{}, fmt.Errorf("%w: proof storage is not configured", ErrShippingUnavailable)
	}

	link := DeliveryProofLink{OrderID: order.ID}
	link.URL, link.ExpiresAt, err = s.storage.SignedURL(ctx, order.DeliveryProofObject, s.linkTTL)
	if err != nil {
		return DeliveryProofLink{}, fmt.Errorf("shipping: sign delivery proof url: %w", err)
	}
	if order.DeliveryProofThumbnailURL != "" {
		thumbURL, _, err := s.storage.SignedURL(ctx, proofThumbnailObjectName(order.ID, order.DeliveryProofObject), s.linkTTL)
		if err != nil {
			return DeliveryProofLink{}, fmt.Errorf("shipping: sign delivery proof thumbnail url: %w", err)
		}
		link.ThumbnailURL = thumbURL
	}
	return link, nil
}

func (s *shippingOrderService) ShippingOrderHistory(ctx context.Context, orderID string, caller Caller, page Pagination) (domain.CursorPage[AuditLogEntry], error) {
	if !caller.IsAdmin() {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: admin role required", ErrShippingForbidden)
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: shipping order id is required", ErrShippingInvalidInput)
	}
	if s.audit == nil {
		return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: audit log is not configured", ErrShippingUnavailable)
	}
	if _, err := s.orders.FindByID(ctx, orderID, repositories.IncludeDeleted); err != nil {
		return domain.CursorPage[AuditLogEntry]{}, mapShippingRepositoryError(err)
	}

	pageSize := page.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultShippingPageSize
	case pageSize > maxShippingPageSize:
		pageSize = maxShippingPageSize
	}
	result, err := s.audit.List(ctx, AuditLogFilter{
		TargetRef:  shippingOrderRef(orderID),
		Pagination: Pagination{PageSize: pageSize, PageToken: page.PageToken},
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[AuditLogEntry]{}, fmt.Errorf("%w: %v", ErrShippingInvalidInput, err)
		}
		return domain.CursorPage[AuditLogEntry]{}, mapShippingRepositoryError(err)
	}
	if result.Items == nil {
		result.Items = []AuditLogEntry{}
	}
	return result, nil
}

func (s *shippingOrderService) publishEvent(ctx context.Context, event domain.ShippingOrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishShippingEvent(ctx, event); err != nil {
		s.logger(ctx, "shipping.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": event.Status,
			"error":  err.Error(),
		})
	}
}

func (s *shippingOrderService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, record)
}

// discardObjects removes uploaded blobs that no shipping order references.
func (s *shippingOrderService) discardObjects(ctx context.Context, objects []string) {
	for _, object := range objects {
		if object == "" {
			continue
		}
		if err := s.storage.Delete(ctx, object); err != nil {
			s.logger(ctx, "shipping.proof.cleanup.failed", map[string]any{
				"object": object,
				"error":  err.Error(),
			})
		}
	}
}

func mapShippingRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrShippingNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrShippingInvalidOperation, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: repository unavailable: %v", ErrShippingUnavailable, err)
		}
	}

	return err
}

func normaliseShippingAddress(address ShippingAddress) (ShippingAddress, error) {
	normalised := ShippingAddress{
		RecipientName: textutil.SingleLine(address.RecipientName, addressFieldMaxRunes),
		Line1:         textutil.SingleLine(address.Line1, addressFieldMaxRunes),
		Line2:         textutil.SingleLine(address.Line2, addressFieldMaxRunes),
		City:          textutil.SingleLine(address.City, addressFieldMaxRunes),
		State:         textutil.SingleLine(address.State, addressFieldMaxRunes),
		PostalCode:    textutil.SingleLine(address.PostalCode, 32),
		Phone:         textutil.SingleLine(address.Phone, 32),
	}

	var missing []string
	if normalised.RecipientName == "" {
		missing = append(missing, "recipientName")
	}
	if normalised.Line1 == "" {
		missing = append(missing, "line1")
	}
	if normalised.City == "" {
		missing = append(missing, "city")
	}
	if normalised.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(address.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return ShippingAddress{}, fmt.Errorf("%w: address is missing %s", ErrShippingInvalidInput, strings.Join(missing, ", "))
	}

	country, ok := textutil.CountryCode(address.Country)
	if !ok {
		return ShippingAddress{}, fmt.Errorf("%w: country %q is not an ISO 3166-1 alpha-2 code", ErrShippingInvalidInput, strings.TrimSpace(address.Country))
	}
	normalised.Country = country
	return normalised, nil
}

func uniquePurchaseIDs(ids []string) []string {
	result := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}

func ensureShippingOrderID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, shippingOrderIDPrefix) {
		return id
	}
	return shippingOrderIDPrefix + id
}

// fallbackOrderNumber derives a unique number from the order id when no counter is wired.
func fallbackOrderNumber(orderID string) string {
	return orderNumberPrefix + strings.ToUpper(strings.TrimPrefix(orderID, shippingOrderIDPrefix))
}

func shippingOrderRef(orderID string) string {
	return "/shippingOrders/" + orderID
}

func proofThumbnailObjectName(orderID, object string) string {
	name, err := storage.BuildObjectPath(storage.PurposeDeliveryProofThumbnail, storage.PathParams{
		OrderID:  orderID,
		FileName: path.Base(object),
	})
	if err != nil {
		return ""
	}
	return name
}

func callerActorID(caller Caller) string {
	id := strings.TrimSpace(caller.ID)
	if caller.IsCarrier() && !caller.IsAdmin() {
		return "carrier:" + id
	}
	return id
}

func callerActorRef(caller Caller) string {
	id := strings.TrimSpace(caller.ID)
	if caller.IsCarrier() && !caller.IsAdmin() {
		return "carrier:" + id
	}
	return "/staff/" + id
}

func callerActorType(caller Caller) string {
	if caller.IsCarrier() && !caller.IsAdmin() {
		return "service"
	}
	return "staff"
}
