package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/repositories"
)

// CatalogImageRepository reads the images table.
type CatalogImageRepository struct {
	db *sql.DB
}

// FindByIDs returns images keyed by id. Unknown ids, and deleted ones under ExcludeDeleted, are absent.
func (r *CatalogImageRepository) FindByIDs(ctx context.Context, ids []string, scope repositories.DeletionScope) (map[string]domain.CatalogImage, error) {
	ids = uniqueIDs(ids)
	result := make(map[string]domain.CatalogImage, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, photographer_id, title, description, price, currency, url, deleted_at
		FROM images WHERE id IN (`+placeholders(len(ids))+`) AND `+scopeClause("", scope == repositories.IncludeDeleted),
		toArgs(ids)...)
	if err != nil {
		return nil, wrapError("images.find_by_ids", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			image     domain.CatalogImage
			deletedAt sql.NullString
		)
		if err := rows.Scan(&image.ID, &image.PhotographerID, &image.Title, &image.Description, &image.Price,
			&image.Currency, &image.URL, &deletedAt); err != nil {
			return nil, wrapError("images.find_by_ids", err)
		}
		image.Currency = strings.ToUpper(image.Currency)
		if image.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
			return nil, wrapError("images.find_by_ids", err)
		}
		result[image.ID] = image
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("images.find_by_ids", err)
	}
	return result, nil
}

var _ repositories.CatalogImageRepository = (*CatalogImageRepository)(nil)
