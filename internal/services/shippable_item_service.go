package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lumiframe/api/internal/repositories"
)

// ShippableItemServiceDeps bundles collaborators required to construct the shippable item resolver.
type ShippableItemServiceDeps struct {
	Purchases      repositories.PurchaseRepository
	Images         repositories.CatalogImageRepository
	ShippingOrders repositories.ShippingOrderRepository
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type shippableItemService struct {
	purchases repositories.PurchaseRepository
	images    repositories.CatalogImageRepository
	orders    repositories.ShippingOrderRepository
	logger    func(context.Context, string, map[string]any)
}

var _ ShippableItemService = (*shippableItemService)(nil)

// NewShippableItemService wires the read-only resolver of purchases that can still be shipped.
func NewShippableItemService(deps ShippableItemServiceDeps) (ShippableItemService, error) {
	if deps.Purchases == nil {
		return nil, errors.New("shippable item service: purchase repository is required")
	}
	if deps.Images == nil {
		return nil, errors.New("shippable item service: catalog image repository is required")
	}
	if deps.ShippingOrders == nil {
		return nil, errors.New("shippable item service: shipping order repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &shippableItemService{
		purchases: deps.Purchases,
		images:    deps.Images,
		orders:    deps.ShippingOrders,
		logger:    logger,
	}, nil
}

// ListShippable returns completed purchases of customerID that no shipping order references,
// joined with their catalog image. Purchases whose image is gone are skipped.
func (s *shippableItemService) ListShippable(ctx context.Context, customerID string) ([]ShippableImage, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrShippingInvalidInput)
	}

	purchases, err := s.purchases.FindCompletedForCustomer(ctx, customerID)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}
	if len(purchases) == 0 {
		return []ShippableImage{}, nil
	}

	purchaseIDs := make([]string, 0, len(purchases))
	for _, purchase := range purchases {
		purchaseIDs = append(purchaseIDs, purchase.ID)
	}
	claimed, err := s.orders.ClaimedPurchaseIDs(ctx, purchaseIDs)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}

	imageIDs := make([]string, 0, len(purchases))
	for _, purchase := range purchases {
		if _, ok := claimed[purchase.ID]; ok {
			continue
		}
		imageIDs = append(imageIDs, purchase.ImageID)
	}
	if len(imageIDs) == 0 {
		return []ShippableImage{}, nil
	}

	images, err := s.images.FindByIDs(ctx, imageIDs, repositories.ExcludeDeleted)
	if err != nil {
		return nil, mapShippingRepositoryError(err)
	}

	result := make([]ShippableImage, 0, len(imageIDs))
	skipped := 0
	for _, purchase := range purchases {
		if _, ok := claimed[purchase.ID]; ok || !purchase.IsCompleted() {
			continue
		}
		image, ok := images[purchase.ImageID]
		if !ok {
			skipped++
			continue
		}
		result = append(result, ShippableImage{
			PurchaseID:             purchase.ID,
			ImageID:                image.ID,
			Title:                  image.Title,
			Description:            image.Description,
			Price:                  image.Price,
			Currency:               image.Currency,
			URL:                    image.URL,
			PurchaseDate:           purchase.PurchasedAt,
			SourceOrderID:          purchase.SourceOrderID,
			PhysicalPrintRequested: purchase.PhysicalPrintRequested,
		})
	}
	if skipped > 0 {
		s.logger(ctx, "shipping.shippable.images_missing", map[string]any{
			"customerId": customerID,
			"skipped":    skipped,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].PurchaseDate.Equal(result[j].PurchaseDate) {
			return result[i].PurchaseDate.After(result[j].PurchaseDate)
		}
		return result[i].PurchaseID < result[j].PurchaseID
	})
	return result, nil
}
