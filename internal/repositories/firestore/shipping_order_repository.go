package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/lumiframe/api/internal/domain"
	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/repositories"
)

const (
	shippingOrdersCollection = "shippingOrders"
	shippingClaimsCollection = "shippingClaims"
	maxStatusFilterValues    = 10
)

// claimedPurchasesError reports AlreadyExists so it classifies as a conflict, and unwraps to
// repositories.ErrPurchaseClaimed.
type claimedPurchasesError struct {
	purchaseIDs []string
	cause       error
}

func (e claimedPurchasesError) Error() string {
	msg := fmt.Sprintf("%v: %s", repositories.ErrPurchaseClaimed, strings.Join(e.purchaseIDs, ","))
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e claimedPurchasesError) Unwrap() error { return repositories.ErrPurchaseClaimed }

func (e claimedPurchasesError) GRPCStatus() *status.Status {
	return status.New(codes.AlreadyExists, e.Error())
}

type shippingOrderDocument struct {
	OrderNumber               string                  `firestore:"orderNumber"`
	CustomerID                string                  `firestore:"customerId"`
	PurchaseIDs               []string                `firestore:"purchaseIds"`
	Address                   shippingAddressDocument `firestore:"address"`
	Currency                  string                  `firestore:"currency"`
	ShippingFee               int64                   `firestore:"shippingFee"`
	OrderAmount               int64                   `firestore:"orderAmount"`
	TotalAmount               int64                   `firestore:"totalAmount"`
	Status                    string                  `firestore:"status"`
	ConfirmNote               string                  `firestore:"confirmNote"`
	PackagingNote             string                  `firestore:"packagingNote"`
	ShippingNote              string                  `firestore:"shippingNote"`
	DeliveryNote              string                  `firestore:"deliveryNote"`
	Carrier                   string                  `firestore:"carrier,omitempty"`
	TrackingNumber            string                  `firestore:"trackingNumber,omitempty"`
	DeliveryProofObject       string                  `firestore:"deliveryProofObject,omitempty"`
	DeliveryProofImageURL     string                  `firestore:"deliveryProofImageUrl,omitempty"`
	DeliveryProofThumbnailURL string                  `firestore:"deliveryProofThumbnailUrl,omitempty"`
	CreatedAt                 time.Time               `firestore:"createdAt"`
	UpdatedAt                 time.Time               `firestore:"updatedAt"`
	ConfirmedAt               *time.Time              `firestore:"confirmedAt,omitempty"`
	PackagedAt                *time.Time              `firestore:"packagedAt,omitempty"`
	ShippedAt                 *time.Time              `firestore:"shippedAt,omitempty"`
	DeliveredAt               *time.Time              `firestore:"deliveredAt,omitempty"`
	ProofUploadedAt           *time.Time              `firestore:"proofUploadedAt,omitempty"`
	Deleted                   bool                    `firestore:"deleted"`
	DeletedAt                 *time.Time              `firestore:"deletedAt,omitempty"`
}

type shippingAddressDocument struct {
	RecipientName string `firestore:"recipientName"`
	Line1         string `firestore:"line1"`
	Line2         string `firestore:"line2,omitempty"`
	City          string `firestore:"city"`
	State         string `firestore:"state,omitempty"`
	PostalCode    string `firestore:"postalCode"`
	Country       string `firestore:"country"`
	Phone         string `firestore:"phone,omitempty"`
}

// shippingClaimDocument lives at shippingClaims/{purchaseId}. Its existence is the uniqueness guarantee.
type shippingClaimDocument struct {
	OrderID    string    `firestore:"orderId"`
	CustomerID string    `firestore:"customerId"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

// ShippingOrderRepository persists shipping orders and purchase claims in Firestore.
type ShippingOrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[shippingOrderDocument]
	claims   *pfirestore.Collection[shippingClaimDocument]
}

// NewShippingOrderRepository constructs a Firestore-backed shipping order repository.
func NewShippingOrderRepository(provider *pfirestore.Provider) (*ShippingOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("shipping order repository requires firestore provider")
	}
	return &ShippingOrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[shippingOrderDocument](provider, shippingOrdersCollection),
		claims:   pfirestore.NewCollection[shippingClaimDocument](provider, shippingClaimsCollection),
	}, nil
}

// Create writes the order and one claim document per purchase inside a single transaction.
func (r *ShippingOrderRepository) Create(ctx context.Context, order domain.ShippingOrder) error {
	if r == nil || r.provider == nil {
		return errors.New("shipping order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("shipping order repository: order id is required")
	}
	if len(order.PurchaseIDs) == 0 {
		return errors.New("shipping order repository: at least one purchase id is required")
	}

	doc := encodeShippingOrder(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		claimRefs := make([]*firestore.DocumentRef, 0, len(order.PurchaseIDs))
		for _, purchaseID := range order.PurchaseIDs {
			ref, err := r.claims.Ref(ctx, purchaseID)
			if err != nil {
				return err
			}
			claimRefs = append(claimRefs, ref)
		}

		// Reads must precede writes inside a Firestore transaction.
		snapshots, err := tx.GetAll(claimRefs)
		if err != nil {
			return err
		}
		var claimed []string
		for _, snapshot := range snapshots {
			if snapshot != nil && snapshot.Exists() {
				claimed = append(claimed, snapshot.Ref.ID)
			}
		}
		if len(claimed) > 0 {
			return claimedPurchasesError{purchaseIDs: claimed}
		}

		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}
		for _, ref := range claimRefs {
			claim := shippingClaimDocument{
				OrderID:    orderID,
				CustomerID: order.CustomerID,
				CreatedAt:  order.CreatedAt.UTC(),
			}
			if err := tx.Create(ref, claim); err != nil {
				return err
			}
		}
		return nil
	})
	// Order ids are fresh ULIDs, so AlreadyExists at commit means a racing claim won.
	if status.Code(err) == codes.AlreadyExists && !errors.Is(err, repositories.ErrPurchaseClaimed) {
		err = claimedPurchasesError{purchaseIDs: order.PurchaseIDs, cause: err}
	}
	if err != nil {
		return pfirestore.WrapError("shippingOrders.create", err)
	}
	return nil
}

// ClaimedPurchaseIDs maps each claimed purchase id to the order holding it.
func (r *ShippingOrderRepository) ClaimedPurchaseIDs(ctx context.Context, purchaseIDs []string) (map[string]string, error) {
	if r == nil || r.claims == nil {
		return nil, errors.New("shipping order repository not initialised")
	}
	docs, err := r.claims.GetAll(ctx, purchaseIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string, len(docs))
	for _, doc := range docs {
		result[doc.ID] = doc.Data.OrderID
	}
	return result, nil
}

// FindByID fetches a single order.
func (r *ShippingOrderRepository) FindByID(ctx context.Context, orderID string, scope repositories.DeletionScope) (domain.ShippingOrder, error) {
	if r == nil || r.orders == nil {
		return domain.ShippingOrder{}, errors.New("shipping order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.ShippingOrder{}, err
	}
	if scope == repositories.ExcludeDeleted && doc.Data.Deleted {
		return domain.ShippingOrder{}, notFoundError("shippingOrders.get", orderID)
	}
	return decodeShippingOrder(doc.ID, doc.Data), nil
}

// ListByCustomer returns the customer's live orders, newest first.
func (r *ShippingOrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.ShippingOrder, error) {
	if r == nil || r.orders == nil {
		return nil, errors.New("shipping order repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("shipping order repository: customer id is required")
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = excludeDeleted(q.Where("customerId", "==", customerID))
		return q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.ShippingOrder, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeShippingOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// List returns a page of orders ordered by creation time descending.
func (r *ShippingOrderRepository) List(ctx context.Context, filter repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error) {
	if r == nil || r.orders == nil {
		return domain.CursorPage[domain.ShippingOrder]{}, errors.New("shipping order repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.ShippingOrder]{}, fmt.Errorf("shipping order repository: invalid page token: %w", err)
		}
		startAfter = []any{cursor.CreatedAt, cursor.ID}
	}

	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	if len(statuses) > maxStatusFilterValues {
		statuses = statuses[:maxStatusFilterValues]
	}
	customerID := strings.TrimSpace(filter.CustomerID)

	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		if customerID != "" {
			q = q.Where("customerId", "==", customerID)
		}
		switch len(statuses) {
		case 0:
		case 1:
			q = q.Where("status", "==", statuses[0])
		default:
			q = q.Where("status", "in", statuses)
		}
		if filter.Deleted == repositories.ExcludeDeleted {
			q = excludeDeleted(q)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.ShippingOrder]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		nextToken = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.Data.CreatedAt, ID: last.ID})
	}

	items := make([]domain.ShippingOrder, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeShippingOrder(doc.ID, doc.Data))
	}
	return domain.CursorPage[domain.ShippingOrder]{Items: items, NextPageToken: nextToken}, nil
}

// Mutate applies fn to the stored order inside a transaction.
func (r *ShippingOrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.ShippingOrder) error) (domain.ShippingOrder, error) {
	if r == nil || r.provider == nil {
		return domain.ShippingOrder{}, errors.New("shipping order repository not initialised")
	}
	if fn == nil {
		return domain.ShippingOrder{}, errors.New("shipping order repository: mutate function is required")
	}
	orderID = strings.TrimSpace(orderID)

	var (
		result domain.ShippingOrder
		fnErr  error
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		fnErr = nil
		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := r.orders.Decode(snapshot)
		if err != nil {
			return fmt.Errorf("firestore shippingOrders decode %s: %w", orderID, err)
		}
		if doc.Data.Deleted {
			return status.Errorf(codes.NotFound, "shipping order %s not found", orderID)
		}

		order := decodeShippingOrder(doc.ID, doc.Data)
		if err := fn(&order); err != nil {
			fnErr = err
			return err
		}
		order.ID = orderID
		if err := tx.Set(ref, encodeShippingOrder(order)); err != nil {
			return err
		}
		result = order
		return nil
	})
	if fnErr != nil {
		return domain.ShippingOrder{}, fnErr
	}
	if err != nil {
		return domain.ShippingOrder{}, pfirestore.WrapError("shippingOrders.mutate", err)
	}
	return result, nil
}

func notFoundError(op, id string) error {
	return pfirestore.WrapError(op, status.Errorf(codes.NotFound, "%s not found", id))
}

func encodeShippingOrder(order domain.ShippingOrder) shippingOrderDocument {
	return shippingOrderDocument{
		OrderNumber: order.OrderNumber,
		CustomerID:  order.CustomerID,
		PurchaseIDs: append([]string(nil), order.PurchaseIDs...),
		Address: shippingAddressDocument{
			RecipientName: order.Address.RecipientName,
			Line1:         order.Address.Line1,
			Line2:         order.Address.Line2,
			City:          order.Address.City,
			State:         order.Address.State,
			PostalCode:    order.Address.PostalCode,
			Country:       order.Address.Country,
			Phone:         order.Address.Phone,
		},
		Currency:                  order.Currency,
		ShippingFee:               order.ShippingFee,
		OrderAmount:               order.OrderAmount,
		TotalAmount:               order.TotalAmount,
		Status:                    string(order.Status),
		ConfirmNote:               order.ConfirmNote,
		PackagingNote:             order.PackagingNote,
		ShippingNote:              order.ShippingNote,
		DeliveryNote:              order.DeliveryNote,
		Carrier:                   order.Carrier,
		TrackingNumber:            order.TrackingNumber,
		DeliveryProofObject:       order.DeliveryProofObject,
		DeliveryProofImageURL:     order.DeliveryProofImageURL,
		DeliveryProofThumbnailURL: order.DeliveryProofThumbnailURL,
		CreatedAt:                 order.CreatedAt.UTC(),
		UpdatedAt:                 order.UpdatedAt.UTC(),
		ConfirmedAt:               utcPointer(order.ConfirmedAt),
		PackagedAt:                utcPointer(order.PackagedAt),
		ShippedAt:                 utcPointer(order.ShippedAt),
		DeliveredAt:               utcPointer(order.DeliveredAt),
		ProofUploadedAt:           utcPointer(order.ProofUploadedAt),
		Deleted:                   order.DeletedAt != nil,
		DeletedAt:                 utcPointer(order.DeletedAt),
	}
}

func decodeShippingOrder(id string, doc shippingOrderDocument) domain.ShippingOrder {
	return domain.ShippingOrder{
		ID:          id,
		OrderNumber: doc.OrderNumber,
		CustomerID:  doc.CustomerID,
		PurchaseIDs: append([]string(nil), doc.PurchaseIDs...),
		Address: domain.ShippingAddress{
			RecipientName: doc.Address.RecipientName,
			Line1:         doc.Address.Line1,
			Line2:         doc.Address.Line2,
			City:          doc.Address.City,
			State:         doc.Address.State,
			PostalCode:    doc.Address.PostalCode,
			Country:       doc.Address.Country,
			Phone:         doc.Address.Phone,
		},
		Currency:                  doc.Currency,
		ShippingFee:               doc.ShippingFee,
		OrderAmount:               doc.OrderAmount,
		TotalAmount:               doc.TotalAmount,
		Status:                    domain.ShippingStatus(doc.Status),
		ConfirmNote:               doc.ConfirmNote,
		PackagingNote:             doc.PackagingNote,
		ShippingNote:              doc.ShippingNote,
		DeliveryNote:              doc.DeliveryNote,
		Carrier:                   doc.Carrier,
		TrackingNumber:            doc.TrackingNumber,
		DeliveryProofObject:       doc.DeliveryProofObject,
		DeliveryProofImageURL:     doc.DeliveryProofImageURL,
		DeliveryProofThumbnailURL: doc.DeliveryProofThumbnailURL,
		CreatedAt:                 doc.CreatedAt.UTC(),
		UpdatedAt:                 doc.UpdatedAt.UTC(),
		ConfirmedAt:               utcPointer(doc.ConfirmedAt),
		PackagedAt:                utcPointer(doc.PackagedAt),
		ShippedAt:                 utcPointer(doc.ShippedAt),
		DeliveredAt:               utcPointer(doc.DeliveredAt),
		ProofUploadedAt:           utcPointer(doc.ProofUploadedAt),
		DeletedAt:                 utcPointer(doc.DeletedAt),
	}
}

var _ repositories.ShippingOrderRepository = (*ShippingOrderRepository)(nil)
