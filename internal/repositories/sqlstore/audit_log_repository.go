package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/repositories"
)

// AuditLogRepository stores audit entries in the audit_logs table.
type AuditLogRepository struct {
	db *sql.DB
}

// Append inserts entry. A duplicate id is reported as a conflict.
func (r *AuditLogRepository) Append(ctx context.Context, entry domain.AuditLogEntry) error {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return errors.New("audit log repository: entry id is required")
	}
	metadata, err := encodeJSONColumn(entry.Metadata)
	if err != nil {
		return fmt.Errorf("audit log repository: encode metadata: %w", err)
	}
	diff, err := encodeJSONColumn(entry.Diff)
	if err != nil {
		return fmt.Errorf("audit log repository: encode diff: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO audit_logs
		(id, actor, actor_type, action, target_ref, metadata, diff, ip_hash, user_agent, severity, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.Actor, entry.ActorType, entry.Action, entry.TargetRef, metadata, diff, entry.IPHash,
		entry.UserAgent, entry.Severity, entry.RequestID, formatTime(entry.CreatedAt)); err != nil {
		return wrapError("audit_logs.append", err)
	}
	return nil
}

// List returns entries matching filter, newest first.
func (r *AuditLogRepository) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error) {
	var (
		clauses = []string{"1 = 1"}
		args    []any
	)
	if v := strings.TrimSpace(filter.TargetRef); v != "" {
		clauses = append(clauses, "target_ref = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Actor); v != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(filter.Action); v != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, v)
	}
	if filter.DateRange.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*filter.DateRange.From))
	}
	if filter.DateRange.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*filter.DateRange.To))
	}
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, fmt.Errorf("audit log repository: invalid page token: %w", err)
		}
		stamp := formatTime(cursor.CreatedAt)
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, stamp, stamp, cursor.ID)
	}

	limit := filter.Pagination.PageSize
	query := `SELECT id, actor, actor_type, action, target_ref, metadata, diff, ip_hash, user_agent, severity, request_id, created_at
		FROM audit_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit+1)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
	}
	defer rows.Close()

	var items []domain.AuditLogEntry
	for rows.Next() {
		var (
			entry          domain.AuditLogEntry
			metadata, diff sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.ActorType, &entry.Action, &entry.TargetRef, &metadata,
			&diff, &entry.IPHash, &entry.UserAgent, &entry.Severity, &entry.RequestID, &createdAt); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
		}
		if entry.Metadata, err = decodeJSONColumn(metadata); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
		}
		if entry.Diff, err = decodeJSONColumn(diff); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.CursorPage[domain.AuditLogEntry]{}, wrapError("audit_logs.list", err)
	}

	nextToken := ""
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		nextToken = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return domain.CursorPage[domain.AuditLogEntry]{Items: items, NextPageToken: nextToken}, nil
}

func encodeJSONColumn(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeJSONColumn(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ repositories.AuditLogRepository = (*AuditLogRepository)(nil)
