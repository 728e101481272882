package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
	pfirestore "github.com/lumiframe/api/internal/platform/firestore"
	"github.com/lumiframe/api/internal/repositories"
)

const catalogImagesCollection = "images"

type catalogImageDocument struct {
	PhotographerID string     `firestore:"photographerId"`
	Title          string     `firestore:"title"`
	Description    string     `firestore:"description"`
	Price          int64      `firestore:"price"`
	Currency       string     `firestore:"currency"`
	URL            string     `firestore:"url"`
	Deleted        bool       `firestore:"deleted"`
	DeletedAt      *time.Time `firestore:"deletedAt,omitempty"`
}

// CatalogImageRepository resolves image metadata from the catalog collection.
type CatalogImageRepository struct {
	base *pfirestore.Collection[catalogImageDocument]
}

// NewCatalogImageRepository constructs a Firestore-backed catalog image repository.
func NewCatalogImageRepository(provider *pfirestore.Provider) (*CatalogImageRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog image repository requires firestore provider")
	}
	return &CatalogImageRepository{
		base: pfirestore.NewCollection[catalogImageDocument](provider, catalogImagesCollection),
	}, nil
}

// FindByIDs returns images keyed by id. Unknown ids, and deleted ones under ExcludeDeleted, are absent.
func (r *CatalogImageRepository) FindByIDs(ctx context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.CatalogImage, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("catalog image repository not initialised")
	}
	docs, err := r.base.GetAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make(map[string]domain.CatalogImage, len(docs))
	for _, doc := range docs {
		if scope == repositories.ExcludeDeleted && doc.Data.Deleted {
			continue
		}
		result[doc.ID] = domain.CatalogImage{
			ID:             doc.ID,
			PhotographerID: doc.Data.PhotographerID,
			Title:          doc.Data.Title,
			Description:    doc.Data.Description,
			Price:          doc.Data.Price,
			Currency:       strings.ToUpper(doc.Data.Currency),
			URL:            doc.Data.URL,
			DeletedAt:      utcPointer(doc.Data.DeletedAt),
		}
	}
	return result, nil
}

var _ repositories.CatalogImageRepository = (*CatalogImageRepository)(nil)
