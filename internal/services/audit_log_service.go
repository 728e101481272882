package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/textutil"
	"github.com/lumiframe/api/internal/repositories"
)

const ipHashPrefix = "sha256:"

// AuditLogger receives append failures, which Record swallows.
type AuditLogger interface {
	Warnf(format string, args ...any)
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      AuditLogger
	// HashSalt is mixed into client IP hashes so they cannot be reversed by enumeration.
	HashSalt string
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger AuditLogger
	salt   string
}

func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	svc := &auditLogService{
		repo:   deps.Repository,
		clock:  deps.Clock,
		newID:  deps.IDGenerator,
		logger: deps.Logger,
		salt:   deps.HashSalt,
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.newID == nil {
		svc.newID = func() string { return ulid.Make().String() }
	}
	if svc.logger == nil {
		svc.logger = discardAuditLogger{}
	}
	return svc, nil
}

// Record appends an entry. The mutation it describes has already happened, so a failed append
// is logged and never returned.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	if err := s.repo.Append(ctx, s.entry(record)); err != nil {
		s.logger.Warnf("audit log append failed for %s %s: %v", record.Action, record.TargetRef, err)
	}
}

func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	return s.repo.List(ctx, repositories.AuditLogFilter{
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		Action:     strings.TrimSpace(filter.Action),
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
}

func (s *auditLogService) entry(record AuditLogRecord) domain.AuditLogEntry {
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	}
	entry := domain.AuditLogEntry{
		ID:        "aud_" + s.newID(),
		Actor:     textutil.SingleLine(record.Actor, 160),
		ActorType: actorType(record.ActorType, record.Actor),
		Action:    textutil.SingleLine(record.Action, 120),
		TargetRef: textutil.SingleLine(record.TargetRef, 200),
		Severity:  severity(record.Severity),
		RequestID: textutil.SingleLine(record.RequestID, 128),
		UserAgent: textutil.SingleLine(record.UserAgent, 256),
		CreatedAt: occurred.UTC(),
	}
	if len(record.Metadata) > 0 {
		entry.Metadata = make(map[string]any, len(record.Metadata))
		for key, value := range record.Metadata {
			if key = textutil.SingleLine(key, 80); key != "" {
				entry.Metadata[key] = auditValue(value)
			}
		}
	}
	if len(record.Diff) > 0 {
		entry.Diff = make(map[string]any, len(record.Diff))
		for key, change := range record.Diff {
			if key = textutil.SingleLine(key, 80); key != "" {
				entry.Diff[key] = map[string]any{"before": auditValue(change.Before), "after": auditValue(change.After)}
			}
		}
	}
	if ip := strings.TrimSpace(record.IPAddress); ip != "" {
		sum := sha256.Sum256([]byte(s.salt + ip))
		entry.IPHash = ipHashPrefix + hex.EncodeToString(sum[:])
	}
	return entry
}

// auditValue bounds free text. Numbers and booleans pass through untouched.
func auditValue(value any) any {
	switch v := value.(type) {
	case string:
		return textutil.PlainText(v, 512)
	case fmt.Stringer:
		return textutil.PlainText(v.String(), 512)
	default:
		return v
	}
}

// actorType trusts an explicit type and otherwise infers it from the actor reference
// prefix: /users/, /staff/, carrier: or system.
func actorType(explicit, actor string) string {
	switch t := strings.ToLower(strings.TrimSpace(explicit)); t {
	case "user", "staff", "service", "system":
		return t
	}
	actor = strings.ToLower(strings.TrimSpace(actor))
	switch {
	case strings.HasPrefix(actor, "/users/"):
		return "user"
	case strings.HasPrefix(actor, "/staff/"):
		return "staff"
	case strings.HasPrefix(actor, "carrier:"):
		return "service"
	case actor == "system" || strings.HasPrefix(actor, "system:"):
		return "system"
	}
	return "unknown"
}

func severity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	}
	return "info"
}

type discardAuditLogger struct{}

func (discardAuditLogger) Warnf(string, ...any) {}
