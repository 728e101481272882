package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/lumiframe/api/internal/domain"
	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/repositories"
)

const purchasesCollection = "purchases"

type purchaseDocument struct {
	CustomerID             string     `firestore:"customerId"`
	ImageID                string     `firestore:"imageId"`
	SourceOrderID          string     `firestore:"sourceOrderId"`
	Amount                 int64      `firestore:"amount"`
	Currency               string     `firestore:"currency"`
	Status                 string     `firestore:"status"`
	PhysicalPrintRequested bool       `firestore:"physicalPrintRequested"`
	PurchasedAt            time.Time  `firestore:"purchasedAt"`
	CompletedAt            *time.Time `firestore:"completedAt,omitempty"`
	Deleted                bool       `firestore:"deleted"`
	DeletedAt              *time.Time `firestore:"deletedAt,omitempty"`
}

// PurchaseRepository reads the purchase ledger from Firestore.
type PurchaseRepository struct {
	base *pfirestore.Collection[purchaseDocument]
}

// NewPurchaseRepository constructs a Firestore-backed purchase repository.
func NewPurchaseRepository(provider *pfirestore.Provider) (*PurchaseRepository, error) {
	if provider == nil {
		return nil, errors.New("purchase repository requires firestore provider")
	}
	return &PurchaseRepository{
		base: pfirestore.NewCollection[purchaseDocument](provider, purchasesCollection),
	}, nil
}

// FindCompletedForCustomer returns completed, non-deleted purchases owned by customerID.
func (r *PurchaseRepository) FindCompletedForCustomer(ctx context.Context, customerID string) ([]domain.PurchaseRecord, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("purchase repository not initialised")
	}
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("purchase repository: customer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("customerId", "==", customerID).
			Where("status", "==", string(domain.PurchaseStatusCompleted))
		return excludeDeleted(q)
	})
	if err != nil {
		return nil, err
	}

	records := make([]domain.PurchaseRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, decodePurchaseDocument(doc.ID, doc.Data))
	}
	return records, nil
}

// FindByIDs returns the purchases that exist for ids.
func (r *PurchaseRepository) FindByIDs(ctx context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.PurchaseRecord, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("purchase repository not initialised")
	}
	docs, err := r.base.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make(map[string]domain.PurchaseRecord, len(docs))
	for _, doc := range docs {
		if scope == repositories.ExcludeDeleted && doc.Data.Deleted {
			continue
		}
		result[doc.ID] = decodePurchaseDocument(doc.ID, doc.Data)
	}
	return result, nil
}

func decodePurchaseDocument(id string, doc purchaseDocument) domain.PurchaseRecord {
	return domain.PurchaseRecord{
		ID:                     id,
		CustomerID:             doc.CustomerID,
		ImageID:                doc.ImageID,
		SourceOrderID:          doc.SourceOrderID,
		Amount:                 doc.Amount,
		Currency:               strings.ToUpper(doc.Currency),
		Status:                 domain.PurchaseStatus(strings.ToLower(doc.Status)),
		PhysicalPrintRequested: doc.PhysicalPrintRequested,
		PurchasedAt:            doc.PurchasedAt.UTC(),
		CompletedAt:            utcPointer(doc.CompletedAt),
		DeletedAt:              utcPointer(doc.DeletedAt),
	}
}

// excludeDeleted applies the soft-delete predicate shared by every live read.
func excludeDeleted(q firestore.Query) firestore.Query {
	return q.Where("deleted", "==", false)
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	t := value.UTC()
	return &t
}

var _ repositories.PurchaseRepository = (*PurchaseRepository)(nil)
