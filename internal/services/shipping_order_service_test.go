package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/repositories"
)

var (
	testPNG  = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	testJPEG = append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 64)...)

	adminCaller    = Caller{ID: "admin-1", Roles: []string{CallerRoleAdmin}}
	carrierCaller  = Caller{ID: "yamato", Roles: []string{CallerRoleCarrier}}
	customerCaller = Caller{ID: "cust-1"}
)

type shippingFixture struct {
	svc       ShippingOrderService
	purchases *memoryPurchaseRepo
	orders    *memoryShippingOrderRepo
	events    *captureShippingEvents
	audit     *captureAuditService
	storage   *memoryProofStorage
	metrics   *captureShippingMetrics
	logs      []string
	now       time.Time
}

func newShippingFixture(t *testing.T, mutate ...func(*ShippingOrderServiceDeps)) *shippingFixture {
	t.Helper()
	fx := &shippingFixture{
		now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		purchases: newMemoryPurchaseRepo(
			completedPurchase("pur-1", "cust-1", "img-1", 1000, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			completedPurchase("pur-2", "cust-1", "img-2", 2000, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)),
			completedPurchase("pur-3", "cust-2", "img-3", 3000, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)),
			domain.PurchaseRecord{ID: "pur-pending", CustomerID: "cust-1", ImageID: "img-4", Amount: 900, Currency: "USD", Status: domain.PurchaseStatusPending},
			domain.PurchaseRecord{ID: "pur-eur", CustomerID: "cust-1", ImageID: "img-5", Amount: 900, Currency: "EUR", Status: domain.PurchaseStatusCompleted},
		),
		orders:  newMemoryShippingOrderRepo(),
		events:  &captureShippingEvents{},
		audit:   &captureAuditService{},
		storage: newMemoryProofStorage(),
		metrics: &captureShippingMetrics{},
	}

	var (
		mu  sync.Mutex
		seq int
	)
	deps := ShippingOrderServiceDeps{
		Purchases:      fx.purchases,
		ShippingOrders: fx.orders,
		Fees:           stubFeeQuoter{fee: 500},
		Counters:       &stubShippingCounter{},
		Storage:        fx.storage,
		Thumbnails:     stubThumbnailer{out: []byte("thumb")},
		Audit:          fx.audit,
		Events:         fx.events,
		Metrics:        fx.metrics,
		Clock:          func() time.Time { return fx.now },
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return "01HSHIP" + strings.Repeat("0", 3) + string(rune('A'+seq))
		},
		ObjectNamer: func() string { return "proof-object" },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			mu.Lock()
			defer mu.Unlock()
			fx.logs = append(fx.logs, event)
		},
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	svc, err := NewShippingOrderService(deps)
	if err != nil {
		t.Fatalf("new shipping order service: %v", err)
	}
	fx.svc = svc
	return fx
}

func validAddress() ShippingAddress {
	return ShippingAddress{
		RecipientName: "Aiko Tanaka",
		Line1:         "1-2-3 Shibuya",
		City:          "Tokyo",
		PostalCode:    "150-0002",
		Country:       "jp",
	}
}

func (fx *shippingFixture) create(t *testing.T, purchaseIDs ...string) ShippingOrder {
	t.Helper()
	order, err := fx.svc.CreateShippingOrder(context.Background(), CreateShippingOrderCommand{
		CustomerID:  "cust-1",
		PurchaseIDs: purchaseIDs,
		Address:     validAddress(),
	})
	if err != nil {
		t.Fatalf("create shipping order: %v", err)
	}
	return order
}

func TestShippingOrderServiceCreateComputesAmounts(t *testing.T) {
	fx := newShippingFixture(t)

	order := fx.create(t, "pur-1", " pur-2 ", "pur-1")

	if !strings.HasPrefix(order.ID, shippingOrderIDPrefix) {
		t.Fatalf("expected id prefix %q, got %q", shippingOrderIDPrefix, order.ID)
	}
	if order.OrderNumber != "SO-2026-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if len(order.PurchaseIDs) != 2 {
		t.Fatalf("expected duplicate purchase ids collapsed, got %v", order.PurchaseIDs)
	}
	if order.OrderAmount != 3000 || order.ShippingFee != 500 || order.TotalAmount != 3500 {
		t.Fatalf("unexpected amounts order=%d fee=%d total=%d", order.OrderAmount, order.ShippingFee, order.TotalAmount)
	}
	if order.Status != domain.ShippingStatusPending {
		t.Fatalf("expected pending, got %s", order.Status)
	}
	if order.Address.Country != "JP" || order.Currency != "USD" {
		t.Fatalf("expected normalised country and currency, got %q %q", order.Address.Country, order.Currency)
	}
	if !order.CreatedAt.Equal(fx.now) || !order.UpdatedAt.Equal(fx.now) {
		t.Fatalf("expected timestamps from clock, got %s", order.CreatedAt)
	}
	if len(fx.events.events) != 1 || fx.events.events[0].Type != shippingEventCreated {
		t.Fatalf("expected created event, got %#v", fx.events.events)
	}
	if fx.metrics.created != 1 {
		t.Fatalf("expected created metric, got %d", fx.metrics.created)
	}
	if fx.orders.claims["pur-1"] != order.ID || fx.orders.claims["pur-2"] != order.ID {
		t.Fatalf("expected purchases claimed by %s, got %v", order.ID, fx.orders.claims)
	}
}

func TestShippingOrderServiceCreateExcludesFromShippable(t *testing.T) {
	fx := newShippingFixture(t)
	shippable, err := NewShippableItemService(ShippableItemServiceDeps{
		Purchases:      fx.purchases,
		Images: &memoryImageRepo{images: map[string]domain.CatalogImage{
			"img-1": {ID: "img-1", Title: "P1", Price: 1000},
			"img-2": {ID: "img-2", Title: "P2", Price: 2000},
		}},
		ShippingOrders: fx.orders,
	})
	if err != nil {
		t.Fatalf("new shippable item service: %v", err)
	}

	before, err := shippable.ListShippable(context.Background(), "cust-1")
	if err != nil || len(before) != 2 {
		t.Fatalf("expected both purchases shippable, got %v %v", before, err)
	}

	order := fx.create(t, "pur-1")
	if order.OrderAmount != 1000 || order.TotalAmount != 1500 {
		t.Fatalf("unexpected amounts %d/%d", order.OrderAmount, order.TotalAmount)
	}

	after, err := shippable.ListShippable(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("list shippable: %v", err)
	}
	if len(after) != 1 || after[0].PurchaseID != "pur-2" {
		t.Fatalf("expected only pur-2, got %#v", after)
	}
}

func TestShippingOrderServiceCreateValidation(t *testing.T) {
	fx := newShippingFixture(t, func(deps *ShippingOrderServiceDeps) {
		deps.MaxPurchasesPerOrder = 2
	})

	missingCity := validAddress()
	missingCity.City = " "
	badCountry := validAddress()
	badCountry.Country = "Japan"

	cases := []struct {
		name string
		cmd  CreateShippingOrderCommand
		want error
	}{
		{name: "blank customer", cmd: CreateShippingOrderCommand{PurchaseIDs: []string{"pur-1"}, Address: validAddress()}, want: ErrShippingInvalidInput},
		{name: "no purchases", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{" "}, Address: validAddress()}, want: ErrShippingInvalidInput},
		{name: "too many", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"a", "b", "c"}, Address: validAddress()}, want: ErrShippingInvalidInput},
		{name: "incomplete address", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-1"}, Address: missingCity}, want: ErrShippingInvalidInput},
		{name: "bad country", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-1"}, Address: badCountry}, want: ErrShippingInvalidInput},
		{name: "unknown purchase", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-missing"}, Address: validAddress()}, want: ErrShippingNotFound},
		{name: "foreign purchase", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-3"}, Address: validAddress()}, want: ErrShippingForbidden},
		{name: "not completed", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-pending"}, Address: validAddress()}, want: ErrShippingInvalidOperation},
		{name: "mixed currency", cmd: CreateShippingOrderCommand{CustomerID: "cust-1", PurchaseIDs: []string{"pur-1", "pur-eur"}, Address: validAddress()}, want: ErrShippingInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.svc.CreateShippingOrder(context.Background(), tc.cmd)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if len(fx.orders.orders) != 0 {
		t.Fatalf("expected no orders persisted, got %d", len(fx.orders.orders))
	}
}

func TestShippingOrderServiceCreateRejectsAlreadyShipped(t *testing.T) {
	fx := newShippingFixture(t)
	fx.create(t, "pur-1")

	_, err := fx.svc.CreateShippingOrder(context.Background(), CreateShippingOrderCommand{
		CustomerID:  "cust-1",
		PurchaseIDs: []string{"pur-2", "pur-1"},
		Address:     validAddress(),
	})
	if !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if _, claimed := fx.orders.claims["pur-2"]; claimed {
		t.Fatal("expected pur-2 to remain unclaimed")
	}
}

func TestShippingOrderServiceCreateMapsClaimConflict(t *testing.T) {
	fx := newShippingFixture(t)
	fx.orders.createErr = &stubRepoError{conflict: true, err: repositories.ErrPurchaseClaimed}

	_, err := fx.svc.CreateShippingOrder(context.Background(), CreateShippingOrderCommand{
		CustomerID:  "cust-1",
		PurchaseIDs: []string{"pur-1"},
		Address:     validAddress(),
	})
	if !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if len(fx.events.events) != 0 {
		t.Fatalf("expected no events on failure, got %d", len(fx.events.events))
	}
}

func TestShippingOrderServiceCreateOtherConflictIsServerFault(t *testing.T) {
	fx := newShippingFixture(t)
	fx.orders.createErr = &stubRepoError{conflict: true}

	_, err := fx.svc.CreateShippingOrder(context.Background(), CreateShippingOrderCommand{
		CustomerID:  "cust-1",
		PurchaseIDs: []string{"pur-1"},
		Address:     validAddress(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, sentinel := range []error{ErrShippingInvalidOperation, ErrShippingInvalidInput, ErrShippingNotFound, ErrShippingUnavailable} {
		if errors.Is(err, sentinel) {
			t.Fatalf("expected an unclassified error, got %v", err)
		}
	}
}

func TestShippingOrderServiceCreateWithoutCounterUsesDistinctNumbers(t *testing.T) {
	fx := newShippingFixture(t, func(d *ShippingOrderServiceDeps) { d.Counters = nil })

	first := fx.create(t, "pur-1")
	second := fx.create(t, "pur-2")

	for _, order := range []ShippingOrder{first, second} {
		if !strings.HasPrefix(order.OrderNumber, orderNumberPrefix) || len(order.OrderNumber) <= len(orderNumberPrefix) {
			t.Fatalf("expected fallback order number, got %q", order.OrderNumber)
		}
	}
	if first.OrderNumber == second.OrderNumber {
		t.Fatalf("expected distinct order numbers, both were %q", first.OrderNumber)
	}
	if want := "SO-" + strings.ToUpper(strings.TrimPrefix(first.ID, shippingOrderIDPrefix)); first.OrderNumber != want {
		t.Fatalf("expected %q derived from id %q, got %q", want, first.ID, first.OrderNumber)
	}
}

func TestShippingOrderServiceCreateConcurrentSinglePurchase(t *testing.T) {
	fx := newShippingFixture(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := fx.svc.CreateShippingOrder(context.Background(), CreateShippingOrderCommand{
				CustomerID:  "cust-1",
				PurchaseIDs: []string{"pur-1"},
				Address:     validAddress(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrShippingInvalidOperation):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d/%d", workers-1, successes, conflicts)
	}
}

func TestShippingOrderServiceGetByIDEnforcesOwnership(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	if _, err := fx.svc.GetShippingOrderByID(context.Background(), order.ID, &customerCaller); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := fx.svc.GetShippingOrderByID(context.Background(), order.ID, &adminCaller); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	other := Caller{ID: "cust-2"}
	if _, err := fx.svc.GetShippingOrderByID(context.Background(), order.ID, &other); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := fx.svc.GetShippingOrderByID(context.Background(), order.ID, nil); err != nil {
		t.Fatalf("unscoped read: %v", err)
	}
	if _, err := fx.svc.GetShippingOrderByID(context.Background(), "sho_missing", nil); !errors.Is(err, ErrShippingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShippingOrderServiceGetUserShippingOrders(t *testing.T) {
	fx := newShippingFixture(t)
	first := fx.create(t, "pur-1")
	fx.now = fx.now.Add(time.Hour)
	second := fx.create(t, "pur-2")

	orders, err := fx.svc.GetUserShippingOrders(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("get user orders: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != second.ID || orders[1].ID != first.ID {
		t.Fatalf("expected newest first, got %#v", orders)
	}

	empty, err := fx.svc.GetUserShippingOrders(context.Background(), "cust-2")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %#v %v", empty, err)
	}
	if _, err := fx.svc.GetUserShippingOrders(context.Background(), ""); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestShippingOrderServiceGetAllRequiresAdmin(t *testing.T) {
	fx := newShippingFixture(t)
	fx.orders.listFn = func(filter repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error) {
		return domain.CursorPage[domain.ShippingOrder]{Items: []domain.ShippingOrder{{ID: "sho_1"}}, NextPageToken: "next"}, nil
	}

	if _, err := fx.svc.GetAllShippingOrders(context.Background(), customerCaller, ShippingOrderFilter{}); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}

	page, err := fx.svc.GetAllShippingOrders(context.Background(), adminCaller, ShippingOrderFilter{
		Statuses:   []ShippingStatus{"Pending", "pending", "shipping"},
		Pagination: Pagination{PageSize: 500, PageToken: " tok "},
	})
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(page.Items) != 1 || page.NextPageToken != "next" {
		t.Fatalf("unexpected page %#v", page)
	}
	filter := fx.orders.lastList
	if filter.Pagination.PageSize != maxShippingPageSize || filter.Pagination.PageToken != "tok" {
		t.Fatalf("unexpected pagination %#v", filter.Pagination)
	}
	if len(filter.Statuses) != 2 || filter.Statuses[0] != domain.ShippingStatusPending {
		t.Fatalf("expected deduplicated statuses, got %v", filter.Statuses)
	}
	if filter.Deleted != repositories.ExcludeDeleted {
		t.Fatal("expected deleted orders excluded")
	}

	if _, err := fx.svc.GetAllShippingOrders(context.Background(), adminCaller, ShippingOrderFilter{Statuses: []ShippingStatus{"lost"}}); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}

	fx.orders.listFn = func(repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error) {
		return domain.CursorPage[domain.ShippingOrder]{}, pagination.ErrInvalidPageToken
	}
	if _, err := fx.svc.GetAllShippingOrders(context.Background(), adminCaller, ShippingOrderFilter{}); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input for bad token, got %v", err)
	}
	if fx.orders.lastList.Pagination.PageSize != defaultShippingPageSize {
		t.Fatalf("expected default page size, got %d", fx.orders.lastList.Pagination.PageSize)
	}
}

func TestShippingOrderServiceUpdateStatusStoresStageNotes(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	confirmed, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "Confirmed", Note: "looks good", Caller: adminCaller, RequestID: "req-1", IPAddress: "203.0.113.9",
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.ConfirmNote != "looks good" || confirmed.ConfirmedAt == nil {
		t.Fatalf("expected confirm note and timestamp, got %#v", confirmed)
	}

	fx.now = fx.now.Add(time.Hour)
	packaging, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "packaging", Note: "<b>boxing</b> now", Caller: adminCaller,
	})
	if err != nil {
		t.Fatalf("packaging: %v", err)
	}
	if packaging.Status != domain.ShippingStatusPackaging {
		t.Fatalf("expected packaging, got %s", packaging.Status)
	}
	if packaging.ConfirmNote != "looks good" || packaging.PackagingNote != "boxing now" {
		t.Fatalf("unexpected notes confirm=%q packaging=%q", packaging.ConfirmNote, packaging.PackagingNote)
	}
	if packaging.ShippingNote != "" || packaging.DeliveryNote != "" {
		t.Fatal("expected later stage notes untouched")
	}

	if len(fx.audit.records) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(fx.audit.records))
	}
	record := fx.audit.records[0]
	if record.Action != shippingAuditStatusUpdated || record.Actor != "/staff/admin-1" || record.TargetRef != "/shippingOrders/"+order.ID {
		t.Fatalf("unexpected audit record %#v", record)
	}
	if diff := record.Diff["status"]; diff.Before != "pending" || diff.After != "confirmed" {
		t.Fatalf("unexpected audit diff %#v", diff)
	}
	if record.Metadata["note"] != "looks good" || fx.audit.records[1].Metadata["note"] != "boxing now" {
		t.Fatalf("expected stage notes in audit metadata, got %v / %v", record.Metadata, fx.audit.records[1].Metadata)
	}
	if got := fx.metrics.transitions; len(got) != 2 || got[1] != "confirmed>packaging" {
		t.Fatalf("unexpected transition metrics %v", got)
	}
	last := fx.events.events[len(fx.events.events)-1]
	if last.Type != shippingEventStatusChanged || last.PreviousStatus != "confirmed" || last.Status != "packaging" {
		t.Fatalf("unexpected event %#v", last)
	}
}

func TestShippingOrderServiceUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	update := func(status string) error {
		_, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
			OrderID: order.ID, Status: status, Caller: adminCaller,
		})
		return err
	}

	if err := update("packaging"); !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected skip rejected, got %v", err)
	}
	if err := update("pending"); !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected same-state rejected, got %v", err)
	}
	if err := update("lost"); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected unknown status rejected, got %v", err)
	}
	if err := update(""); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected blank status rejected, got %v", err)
	}

	for _, status := range []string{"confirmed", "packaging", "shipping", "delivered"} {
		if err := update(status); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}
	if err := update("shipping"); !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected backward transition rejected, got %v", err)
	}
	if err := update("delivered"); !errors.Is(err, ErrShippingInvalidOperation) {
		t.Fatalf("expected terminal state rejected, got %v", err)
	}

	stored := fx.orders.orders[order.ID]
	if stored.Status != domain.ShippingStatusDelivered || stored.DeliveredAt == nil {
		t.Fatalf("expected delivered order, got %#v", stored)
	}

	if _, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: "sho_missing", Status: "confirmed", Caller: adminCaller,
	}); !errors.Is(err, ErrShippingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShippingOrderServiceUpdateStatusAuthorization(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	if _, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "confirmed", Caller: customerCaller,
	}); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden for customer, got %v", err)
	}
	if _, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "confirmed", Caller: carrierCaller,
	}); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden for carrier confirm, got %v", err)
	}

	for _, status := range []string{"confirmed", "packaging"} {
		if _, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
			OrderID: order.ID, Status: status, Caller: adminCaller,
		}); err != nil {
			t.Fatalf("advance to %s: %v", status, err)
		}
	}

	shipped, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "shipping", Caller: carrierCaller, Carrier: " Yamato ", TrackingNumber: "1234-5678",
		Metadata: map[string]string{" source ": "webhook"},
	})
	if err != nil {
		t.Fatalf("carrier shipping: %v", err)
	}
	if shipped.Carrier != "Yamato" || shipped.TrackingNumber != "1234-5678" {
		t.Fatalf("expected carrier details recorded, got %q %q", shipped.Carrier, shipped.TrackingNumber)
	}
	record := fx.audit.records[len(fx.audit.records)-1]
	if record.Actor != "carrier:yamato" || record.ActorType != "service" {
		t.Fatalf("unexpected carrier audit actor %q/%q", record.Actor, record.ActorType)
	}
	if record.Metadata["source"] != "webhook" || record.Metadata["trackingNumber"] != "1234-5678" {
		t.Fatalf("unexpected audit metadata %#v", record.Metadata)
	}

	if _, err := fx.svc.UpdateShippingOrderStatus(context.Background(), UpdateShippingStatusCommand{
		OrderID: order.ID, Status: "delivered", Caller: adminCaller, TrackingNumber: "late",
	}); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected tracking outside shipping rejected, got %v", err)
	}
}

func TestShippingOrderServiceUploadProofRejectsEmptyFileBeforeLookup(t *testing.T) {
	fx := newShippingFixture(t)
	fx.orders.mutateErr = errors.New("must not be called")

	_, err := fx.svc.UploadDeliveryProofImage(context.Background(), UploadDeliveryProofCommand{
		OrderID: "sho_unknown", Caller: adminCaller,
	})
	if !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if fx.storage.puts != 0 {
		t.Fatalf("expected no uploads, got %d", fx.storage.puts)
	}
}

func TestShippingOrderServiceUploadProofValidation(t *testing.T) {
	fx := newShippingFixture(t, func(deps *ShippingOrderServiceDeps) {
		deps.ProofMaxBytes = 100
	})
	order := fx.create(t, "pur-1")

	cases := []struct {
		name string
		cmd  UploadDeliveryProofCommand
		want error
	}{
		{name: "not admin", cmd: UploadDeliveryProofCommand{OrderID: order.ID, Data: testPNG, Caller: customerCaller}, want: ErrShippingForbidden},
		{name: "too large", cmd: UploadDeliveryProofCommand{OrderID: order.ID, Data: append(testPNG, make([]byte, 200)...), Caller: adminCaller}, want: ErrShippingInvalidInput},
		{name: "not an image", cmd: UploadDeliveryProofCommand{OrderID: order.ID, Data: []byte("%PDF-1.7 proof"), Caller: adminCaller}, want: ErrShippingInvalidInput},
		{name: "missing order", cmd: UploadDeliveryProofCommand{OrderID: "sho_missing", Data: testPNG, Caller: adminCaller}, want: ErrShippingNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.svc.UploadDeliveryProofImage(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if fx.storage.puts != 0 {
		t.Fatalf("expected no uploads, got %d", fx.storage.puts)
	}
}

func TestShippingOrderServiceUploadProofStoresImageAndThumbnail(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	updated, err := fx.svc.UploadDeliveryProofImage(context.Background(), UploadDeliveryProofCommand{
		OrderID: order.ID, FileName: "door.jpg", Data: testJPEG, Caller: adminCaller, RequestID: "req-9",
	})
	if err != nil {
		t.Fatalf("upload proof: %v", err)
	}

	object := "shipping-orders/" + order.ID + "/proof/proof-object.jpg"
	thumb := "shipping-orders/" + order.ID + "/proof/proof-object_thumb.jpg"
	if updated.DeliveryProofObject != object {
		t.Fatalf("unexpected proof object %q", updated.DeliveryProofObject)
	}
	if updated.DeliveryProofImageURL == "" || updated.DeliveryProofThumbnailURL == "" || updated.ProofUploadedAt == nil {
		t.Fatalf("expected proof urls and timestamp, got %#v", updated)
	}
	if updated.Status != domain.ShippingStatusPending {
		t.Fatalf("expected status unchanged, got %s", updated.Status)
	}
	if fx.storage.types[object] != "image/jpeg" || string(fx.storage.objects[thumb]) != "thumb" {
		t.Fatalf("unexpected stored objects %v", fx.storage.types)
	}
	record := fx.audit.records[len(fx.audit.records)-1]
	if record.Action != shippingAuditProofUploaded || record.Metadata["fileName"] != "door.jpg" {
		t.Fatalf("unexpected audit record %#v", record)
	}
	if fx.metrics.proofs != 1 {
		t.Fatalf("expected proof metric, got %d", fx.metrics.proofs)
	}

	link, err := fx.svc.DeliveryProofLink(context.Background(), order.ID, customerCaller)
	if err != nil {
		t.Fatalf("proof link: %v", err)
	}
	if link.URL != "https://signed.example.test/"+object || link.ThumbnailURL == "" {
		t.Fatalf("unexpected link %#v", link)
	}
	if !link.ExpiresAt.After(fx.now) {
		t.Fatalf("expected expiry in the future, got %s", link.ExpiresAt)
	}
	if _, err := fx.svc.DeliveryProofLink(context.Background(), order.ID, Caller{ID: "cust-2"}); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden for stranger, got %v", err)
	}
}

func TestShippingOrderServiceUploadProofTruncatesAuditedFileName(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")
	name := strings.Repeat("写", fileNameMaxRunes+40) + ".jpg"

	if _, err := fx.svc.UploadDeliveryProofImage(context.Background(), UploadDeliveryProofCommand{
		OrderID: order.ID, FileName: name, Data: testJPEG, Caller: adminCaller,
	}); err != nil {
		t.Fatalf("upload proof: %v", err)
	}

	record := fx.audit.records[len(fx.audit.records)-1]
	got, _ := record.Metadata["fileName"].(string)
	if want := strings.Repeat("写", fileNameMaxRunes); got != want {
		t.Fatalf("expected file name cut to %d runes, got %d", fileNameMaxRunes, len([]rune(got)))
	}
}

func TestShippingOrderServiceUploadProofCleansUpOnPersistFailure(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")
	fx.orders.mutateErr = &stubRepoError{unavailable: true}

	_, err := fx.svc.UploadDeliveryProofImage(context.Background(), UploadDeliveryProofCommand{
		OrderID: order.ID, Data: testPNG, Caller: adminCaller,
	})
	if !errors.Is(err, ErrShippingUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(fx.storage.objects) != 0 || len(fx.storage.deleted) != 2 {
		t.Fatalf("expected uploaded objects removed, remaining=%v deleted=%v", fx.storage.objects, fx.storage.deleted)
	}
}

func TestShippingOrderServiceUploadProofRejectsUndecodableImage(t *testing.T) {
	fx := newShippingFixture(t, func(deps *ShippingOrderServiceDeps) {
		deps.Thumbnails = stubThumbnailer{err: errors.New("corrupt")}
	})
	order := fx.create(t, "pur-1")

	if _, err := fx.svc.UploadDeliveryProofImage(context.Background(), UploadDeliveryProofCommand{
		OrderID: order.ID, Data: testPNG, Caller: adminCaller,
	}); !errors.Is(err, ErrShippingInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if fx.storage.puts != 0 {
		t.Fatalf("expected no uploads, got %d", fx.storage.puts)
	}
}

func TestShippingOrderServiceDeliveryProofLinkWithoutProof(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")

	if _, err := fx.svc.DeliveryProofLink(context.Background(), order.ID, adminCaller); !errors.Is(err, ErrShippingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShippingOrderServiceHistory(t *testing.T) {
	fx := newShippingFixture(t)
	order := fx.create(t, "pur-1")
	fx.audit.listResp = domain.CursorPage[AuditLogEntry]{Items: []AuditLogEntry{{ID: "aud_1"}}}

	if _, err := fx.svc.ShippingOrderHistory(context.Background(), order.ID, customerCaller, Pagination{}); !errors.Is(err, ErrShippingForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	page, err := fx.svc.ShippingOrderHistory(context.Background(), order.ID, adminCaller, Pagination{PageSize: 10})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Items) != 1 || fx.audit.filter.TargetRef != "/shippingOrders/"+order.ID || fx.audit.filter.Pagination.PageSize != 10 {
		t.Fatalf("unexpected history page %#v filter %#v", page, fx.audit.filter)
	}
	if _, err := fx.svc.ShippingOrderHistory(context.Background(), "sho_missing", adminCaller, Pagination{}); !errors.Is(err, ErrShippingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestShippingOrderServiceLogsEventPublishFailure(t *testing.T) {
	fx := newShippingFixture(t)
	fx.events.err = errors.New("pubsub down")

	fx.create(t, "pur-1")

	found := false
	for _, event := range fx.logs {
		if event == "shipping.event.publish.failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publish failure to be logged, got %v", fx.logs)
	}
}

func TestNewShippingOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewShippingOrderService(ShippingOrderServiceDeps{}); err == nil {
		t.Fatal("expected error without repositories")
	}
	if _, err := NewShippingOrderService(ShippingOrderServiceDeps{
		Purchases:      newMemoryPurchaseRepo(),
		ShippingOrders: newMemoryShippingOrderRepo(),
	}); err == nil {
		t.Fatal("expected error without fee quoter")
	}
}
