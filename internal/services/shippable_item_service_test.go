package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
)

func completedPurchase(id, customer, image string, amount int64, purchasedAt time.Time) domain.PurchaseRecord {
	completedAt := purchasedAt.Add(time.Minute)
	return domain.PurchaseRecord{
		ID:            id,
		CustomerID:    customer,
		ImageID:       image,
		SourceOrderID: "chk_" + id,
		Amount:        amount,
		Currency:      "USD",
		Status:        domain.PurchaseStatusCompleted,
		PurchasedAt:   purchasedAt,
		CompletedAt:   &completedAt,
	}
}

func newShippableFixture(t *testing.T) (ShippableItemService, *memoryShippingOrderRepo) {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	deleted := base

	purchases := newMemoryPurchaseRepo(
		completedPurchase("pur-1", "cust-1", "img-1", 1000, base),
		completedPurchase("pur-2", "cust-1", "img-2", 2000, base.Add(time.Hour)),
		completedPurchase("pur-3", "cust-1", "img-gone", 500, base.Add(2*time.Hour)),
		completedPurchase("pur-4", "cust-2", "img-1", 1000, base),
		domain.PurchaseRecord{ID: "pur-5", CustomerID: "cust-1", ImageID: "img-1", Status: domain.PurchaseStatusPending},
		domain.PurchaseRecord{ID: "pur-6", CustomerID: "cust-1", ImageID: "img-1", Status: domain.PurchaseStatusCompleted, DeletedAt: &deleted},
	)
	images := &memoryImageRepo{images: map[string]domain.CatalogImage{
		"img-1":    {ID: "img-1", Title: "Harbour at dawn", Price: 1000, Currency: "USD", URL: "https://cdn.example.test/img-1.jpg"},
		"img-2":    {ID: "img-2", Title: "Salt flats", Price: 2000, Currency: "USD", URL: "https://cdn.example.test/img-2.jpg"},
		"img-gone": {ID: "img-gone", Title: "Removed", DeletedAt: &deleted},
	}}
	orders := newMemoryShippingOrderRepo()

	svc, err := NewShippableItemService(ShippableItemServiceDeps{
		Purchases:      purchases,
		Images:         images,
		ShippingOrders: orders,
	})
	if err != nil {
		t.Fatalf("new shippable item service: %v", err)
	}
	return svc, orders
}

func TestShippableItemServiceListsUnclaimedCompletedPurchases(t *testing.T) {
	svc, orders := newShippableFixture(t)

	items, err := svc.ListShippable(context.Background(), " cust-1 ")
	if err != nil {
		t.Fatalf("list shippable: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 shippable items, got %d: %#v", len(items), items)
	}
	if items[0].PurchaseID != "pur-2" || items[1].PurchaseID != "pur-1" {
		t.Fatalf("expected newest purchase first, got %s then %s", items[0].PurchaseID, items[1].PurchaseID)
	}
	if items[0].Title != "Salt flats" || items[0].Price != 2000 || items[0].SourceOrderID != "chk_pur-2" {
		t.Fatalf("unexpected projection: %#v", items[0])
	}

	orders.claims["pur-2"] = "sho_existing"

	items, err = svc.ListShippable(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("list shippable after claim: %v", err)
	}
	if len(items) != 1 || items[0].PurchaseID != "pur-1" {
		t.Fatalf("expected only pur-1 to remain shippable, got %#v", items)
	}
}

func TestShippableItemServiceEmptyHistory(t *testing.T) {
	svc, _ := newShippableFixture(t)

	items, err := svc.ListShippable(context.Background(), "cust-unknown")
	if err != nil {
		t.Fatalf("list shippable: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", items)
	}
}

func TestShippableItemServiceRequiresCustomer(t *testing.T) {
	svc, _ := newShippableFixture(t)

	if _, err := svc.ListShippable(context.Background(), "  "); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestShippableItemServicePropagatesRepositoryFailure(t *testing.T) {
	purchases := newMemoryPurchaseRepo()
	purchases.err = &stubRepoError{unavailable: true}
	svc, err := NewShippableItemService(ShippableItemServiceDeps{
		Purchases:      purchases,
		Images:         &memoryImageRepo{},
		ShippingOrders: newMemoryShippingOrderRepo(),
	})
	if err != nil {
		t.Fatalf("new shippable item service: %v", err)
	}

	if _, err := svc.ListShippable(context.Background(), "cust-1"); !errors.Is(err, ErrShippingUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestNewShippableItemServiceRequiresRepositories(t *testing.T) {
	if _, err := NewShippableItemService(ShippableItemServiceDeps{}); err == nil {
		t.Fatal("expected error when repositories are missing")
	}
}
