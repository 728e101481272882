package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/repositories"
)

const shippingOrderColumns = `id, order_number, customer_id, recipient_name, address_line1, address_line2, city, state,
	postal_code, country, phone, currency, shipping_fee, order_amount, total_amount, status, confirm_note,
	packaging_note, shipping_note, delivery_note, carrier, tracking_number, proof_object, proof_image_url,
	proof_thumbnail_url, created_at, updated_at, confirmed_at, packaged_at, shipped_at, delivered_at,
	proof_uploaded_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ShippingOrderRepository stores orders in shipping_orders and their purchase claims in shipping_order_items.
type ShippingOrderRepository struct {
	db *sql.DB
}

// Create inserts the order and its items in one transaction. The UNIQUE constraint on
// shipping_order_items.purchase_id rejects a purchase that another order already holds.
func (r *ShippingOrderRepository) Create(ctx context.Context, order domain.ShippingOrder) error {
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("shipping order repository: order id is required")
	}
	if len(order.PurchaseIDs) == 0 {
		return errors.New("shipping order repository: at least one purchase id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("shipping_orders.create", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimed, err := claimedPurchaseIDs(ctx, tx, order.PurchaseIDs)
	if err != nil {
		return err
	}
	if len(claimed) > 0 {
		ids := make([]string, 0, len(claimed))
		for id := range claimed {
			ids = append(ids, id)
		}
		return claimConflict("shipping_orders.create", ids...)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO shipping_orders (`+shippingOrderColumns+`)
		VALUES (`+placeholders(33)+`)`, shippingOrderArgs(order)...); err != nil {
		return wrapError("shipping_orders.create", err)
	}
	for i, purchaseID := range order.PurchaseIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO shipping_order_items (purchase_id, order_id, position, created_at)
			VALUES (?, ?, ?, ?)`, purchaseID, orderID, i, formatTime(order.CreatedAt)); err != nil {
			if wrapped := wrapError("shipping_orders.create", err); isConflict(wrapped) {
				return claimConflict("shipping_orders.create", purchaseID)
			}
			return wrapError("shipping_orders.create", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapError("shipping_orders.create", err)
	}
	return nil
}

// ClaimedPurchaseIDs maps each claimed purchase id to the order holding it.
func (r *ShippingOrderRepository) ClaimedPurchaseIDs(ctx context.Context, purchaseIDs []string) (map[string]string, error) {
	return claimedPurchaseIDs(ctx, r.db, purchaseIDs)
}

func claimedPurchaseIDs(ctx context.Context, q queryer, purchaseIDs []string) (map[string]string, error) {
	ids := uniqueIDs(purchaseIDs)
	result := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := q.QueryContext(ctx, `SELECT purchase_id, order_id FROM shipping_order_items
		WHERE purchase_id IN (`+placeholders(len(ids))+`)`, toArgs(ids)...)
	if err != nil {
		return nil, wrapError("shipping_orders.claimed", err)
	}
	defer rows.Close()
	for rows.Next() {
		var purchaseID, orderID string
		if err := rows.Scan(&purchaseID, &orderID); err != nil {
			return nil, wrapError("shipping_orders.claimed", err)
		}
		result[purchaseID] = orderID
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("shipping_orders.claimed", err)
	}
	return result, nil
}

// FindByID fetches a single order.
func (r *ShippingOrderRepository) FindByID(ctx context.Context, orderID string, scope repositories.DeletionScope) (domain.ShippingOrder, error) {
	return findShippingOrder(ctx, r.db, strings.TrimSpace(orderID), scope == repositories.IncludeDeleted)
}

func findShippingOrder(ctx context.Context, q queryer, orderID string, includeDeleted bool) (domain.ShippingOrder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+shippingOrderColumns+` FROM shipping_orders
		WHERE id = ? AND `+scopeClause("", includeDeleted), orderID)
	order, err := scanShippingOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ShippingOrder{}, notFound("shipping_orders.get", "shipping order %s not found", orderID)
		}
		return domain.ShippingOrder{}, wrapError("shipping_orders.get", err)
	}
	items, err := loadPurchaseIDs(ctx, q, []string{order.ID})
	if err != nil {
		return domain.ShippingOrder{}, err
	}
	order.PurchaseIDs = items[order.ID]
	return order, nil
}

// ListByCustomer returns the customer's live orders, newest first.
func (r *ShippingOrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.ShippingOrder, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("shipping order repository: customer id is required")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+shippingOrderColumns+` FROM shipping_orders
		WHERE customer_id = ? AND `+scopeClause("", false)+`
		ORDER BY created_at DESC, id DESC`, customerID)
	if err != nil {
		return nil, wrapError("shipping_orders.list_by_customer", err)
	}
	orders, err := r.collect(ctx, rows)
	if err != nil {
		return nil, wrapError("shipping_orders.list_by_customer", err)
	}
	return orders, nil
}

// List returns a page of orders ordered by creation time descending.
func (r *ShippingOrderRepository) List(ctx context.Context, filter repositories.ShippingOrderListFilter) (domain.CursorPage[domain.ShippingOrder], error) {
	var (
		clauses = []string{scopeClause("", filter.Deleted == repositories.IncludeDeleted)}
		args    []any
	)
	if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
		clauses = append(clauses, "customer_id = ?")
		args = append(args, customerID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.ShippingOrder]{}, fmt.Errorf("shipping order repository: invalid page token: %w", err)
		}
		stamp := formatTime(cursor.CreatedAt)
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, stamp, stamp, cursor.ID)
	}

	limit := filter.Pagination.PageSize
	query := `SELECT ` + shippingOrderColumns + ` FROM shipping_orders WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.ShippingOrder]{}, wrapError("shipping_orders.list", err)
	}
	orders, err := r.collect(ctx, rows)
	if err != nil {
		return domain.CursorPage[domain.ShippingOrder]{}, wrapError("shipping_orders.list", err)
	}

	nextToken := ""
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
		last := orders[len(orders)-1]
		nextToken = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return domain.CursorPage[domain.ShippingOrder]{Items: orders, NextPageToken: nextToken}, nil
}

// Mutate applies fn to the stored order inside a transaction.
func (r *ShippingOrderRepository) Mutate(ctx context.Context, orderID string, fn func(order *domain.ShippingOrder) error) (domain.ShippingOrder, error) {
	if fn == nil {
		return domain.ShippingOrder{}, errors.New("shipping order repository: mutate function is required")
	}
	orderID = strings.TrimSpace(orderID)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ShippingOrder{}, wrapError("shipping_orders.mutate", err)
	}
	defer func() { _ = tx.Rollback() }()

	order, err := findShippingOrder(ctx, tx, orderID, false)
	if err != nil {
		return domain.ShippingOrder{}, err
	}
	if err := fn(&order); err != nil {
		return domain.ShippingOrder{}, err
	}
	order.ID = orderID

	if _, err := tx.ExecContext(ctx, `UPDATE shipping_orders SET
		status = ?, confirm_note = ?, packaging_note = ?, shipping_note = ?, delivery_note = ?,
		carrier = ?, tracking_number = ?, proof_object = ?, proof_image_url = ?, proof_thumbnail_url = ?,
		updated_at = ?, confirmed_at = ?, packaged_at = ?, shipped_at = ?, delivered_at = ?,
		proof_uploaded_at = ?, deleted_at = ?
		WHERE id = ?`,
		string(order.Status), order.ConfirmNote, order.PackagingNote, order.ShippingNote, order.DeliveryNote,
		order.Carrier, order.TrackingNumber, order.DeliveryProofObject, order.DeliveryProofImageURL,
		order.DeliveryProofThumbnailURL, formatTime(order.UpdatedAt), formatTimePtr(order.ConfirmedAt),
		formatTimePtr(order.PackagedAt), formatTimePtr(order.ShippedAt), formatTimePtr(order.DeliveredAt),
		formatTimePtr(order.ProofUploadedAt), formatTimePtr(order.DeletedAt), orderID,
	); err != nil {
		return domain.ShippingOrder{}, wrapError("shipping_orders.mutate", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ShippingOrder{}, wrapError("shipping_orders.mutate", err)
	}
	return order, nil
}

func (r *ShippingOrderRepository) collect(ctx context.Context, rows *sql.Rows) ([]domain.ShippingOrder, error) {
	orders, err := scanShippingOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
	}
	items, err := loadPurchaseIDs(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].PurchaseIDs = items[orders[i].ID]
	}
	return orders, nil
}

// scanShippingOrders drains and closes rows before any follow-up query runs on the single connection.
func scanShippingOrders(rows *sql.Rows) ([]domain.ShippingOrder, error) {
	defer rows.Close()
	var orders []domain.ShippingOrder
	for rows.Next() {
		order, err := scanShippingOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func loadPurchaseIDs(ctx context.Context, q queryer, orderIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(orderIDs))
	rows, err := q.QueryContext(ctx, `SELECT order_id, purchase_id FROM shipping_order_items
		WHERE order_id IN (`+placeholders(len(orderIDs))+`) ORDER BY order_id, position`, toArgs(orderIDs)...)
	if err != nil {
		return nil, wrapError("shipping_orders.items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var orderID, purchaseID string
		if err := rows.Scan(&orderID, &purchaseID); err != nil {
			return nil, wrapError("shipping_orders.items", err)
		}
		result[orderID] = append(result[orderID], purchaseID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("shipping_orders.items", err)
	}
	return result, nil
}

func shippingOrderArgs(order domain.ShippingOrder) []any {
	return []any{
		strings.TrimSpace(order.ID), order.OrderNumber, order.CustomerID,
		order.Address.RecipientName, order.Address.Line1, order.Address.Line2, order.Address.City,
		order.Address.State, order.Address.PostalCode, order.Address.Country, order.Address.Phone,
		order.Currency, order.ShippingFee, order.OrderAmount, order.TotalAmount, string(order.Status),
		order.ConfirmNote, order.PackagingNote, order.ShippingNote, order.DeliveryNote,
		order.Carrier, order.TrackingNumber, order.DeliveryProofObject, order.DeliveryProofImageURL,
		order.DeliveryProofThumbnailURL, formatTime(order.CreatedAt), formatTime(order.UpdatedAt),
		formatTimePtr(order.ConfirmedAt), formatTimePtr(order.PackagedAt), formatTimePtr(order.ShippedAt),
		formatTimePtr(order.DeliveredAt), formatTimePtr(order.ProofUploadedAt), formatTimePtr(order.DeletedAt),
	}
}

func scanShippingOrder(row rowScanner) (domain.ShippingOrder, error) {
	var (
		order                                  domain.ShippingOrder
		status, createdAt, updatedAt           string
		confirmedAt, packagedAt, shippedAt     sql.NullString
		deliveredAt, proofUploadedAt, deleted  sql.NullString
	)
	if err := row.Scan(
		&order.ID, &order.OrderNumber, &order.CustomerID,
		&order.Address.RecipientName, &order.Address.Line1, &order.Address.Line2, &order.Address.City,
		&order.Address.State, &order.Address.PostalCode, &order.Address.Country, &order.Address.Phone,
		&order.Currency, &order.ShippingFee, &order.OrderAmount, &order.TotalAmount, &status,
		&order.ConfirmNote, &order.PackagingNote, &order.ShippingNote, &order.DeliveryNote,
		&order.Carrier, &order.TrackingNumber, &order.DeliveryProofObject, &order.DeliveryProofImageURL,
		&order.DeliveryProofThumbnailURL, &createdAt, &updatedAt,
		&confirmedAt, &packagedAt, &shippedAt, &deliveredAt, &proofUploadedAt, &deleted,
	); err != nil {
		return domain.ShippingOrder{}, err
	}
	order.Status = domain.ShippingStatus(status)

	var err error
	if order.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.ConfirmedAt, err = parseTimePtr(confirmedAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.PackagedAt, err = parseTimePtr(packagedAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.ShippedAt, err = parseTimePtr(shippedAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.ProofUploadedAt, err = parseTimePtr(proofUploadedAt); err != nil {
		return domain.ShippingOrder{}, err
	}
	if order.DeletedAt, err = parseTimePtr(deleted); err != nil {
		return domain.ShippingOrder{}, err
	}
	return order, nil
}

var _ repositories.ShippingOrderRepository = (*ShippingOrderRepository)(nil)
