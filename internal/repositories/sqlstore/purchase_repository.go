package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/repositories"
)

const purchaseColumns = `id, customer_id, image_id, source_order_id, amount, currency, status,
	physical_print_requested, purchased_at, completed_at, deleted_at`

// PurchaseRepository reads the purchases table.
type PurchaseRepository struct {
	db *sql.DB
}

// FindCompletedForCustomer returns completed, non-deleted purchases owned by customerID.
func (r *PurchaseRepository) FindCompletedForCustomer(ctx context.Context, customerID string) ([]domain.PurchaseRecord, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("purchase repository: customer id is required")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchases
		WHERE customer_id = ? AND status = ? AND `+scopeClause("", false)+`
		ORDER BY purchased_at DESC, id DESC`,
		customerID, string(domain.PurchaseStatusCompleted))
	if err != nil {
		return nil, wrapError("purchases.find_completed", err)
	}
	defer rows.Close()

	var records []domain.PurchaseRecord
	for rows.Next() {
		record, err := scanPurchase(rows)
		if err != nil {
			return nil, wrapError("purchases.find_completed", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("purchases.find_completed", err)
	}
	return records, nil
}

// FindByIDs returns the purchases that exist for ids.
func (r *PurchaseRepository) FindByIDs(ctx context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.PurchaseRecord, error) {
	ids = uniqueIDs(ids)
	result := make(map[string]domain.PurchaseRecord, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+purchaseColumns+` FROM purchases
		WHERE id IN (`+placeholders(len(ids))+`) AND `+scopeClause("", scope == repositories.IncludeDeleted),
		toArgs(ids)...)
	if err != nil {
		return nil, wrapError("purchases.find_by_ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanPurchase(rows)
		if err != nil {
			return nil, wrapError("purchases.find_by_ids", err)
		}
		result[record.ID] = record
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("purchases.find_by_ids", err)
	}
	return result, nil
}

func scanPurchase(rows *sql.Rows) (domain.PurchaseRecord, error) {
	var (
		record      domain.PurchaseRecord
		status      string
		physical    int
		purchasedAt string
		completedAt sql.NullString
		deletedAt   sql.NullString
	)
	if err := rows.Scan(&record.ID, &record.CustomerID, &record.ImageID, &record.SourceOrderID, &record.Amount,
		&record.Currency, &status, &physical, &purchasedAt, &completedAt, &deletedAt); err != nil {
		return domain.PurchaseRecord{}, err
	}
	record.Currency = strings.ToUpper(record.Currency)
	record.Status = domain.PurchaseStatus(strings.ToLower(status))
	record.PhysicalPrintRequested = physical != 0

	var err error
	if record.PurchasedAt, err = parseTime(purchasedAt); err != nil {
		return domain.PurchaseRecord{}, err
	}
	if record.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return domain.PurchaseRecord{}, err
	}
	if record.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return domain.PurchaseRecord{}, err
	}
	return record, nil
}

var _ repositories.PurchaseRepository = (*PurchaseRepository)(nil)
