package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lumiframe/api/internal/platform/httpx"
	"github.com/lumiframe/api/internal/platform/observability"
)

const (
	defaultCleanupLimit = 500
	maxCleanupLimit     = 5000
)

// IdempotencyCleaner removes expired idempotency records.
type IdempotencyCleaner interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// MaintenanceHandlers exposes scheduler-triggered housekeeping under /internal.
// Callers are authenticated by the OIDC middleware on the internal route group.
type MaintenanceHandlers struct {
	idempotency IdempotencyCleaner
	clock       func() time.Time
}

// NewMaintenanceHandlers constructs MaintenanceHandlers.
func NewMaintenanceHandlers(idempotency IdempotencyCleaner, clock func() time.Time) *MaintenanceHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &MaintenanceHandlers{idempotency: idempotency, clock: clock}
}

// Routes registers the /internal/maintenance endpoints.
func (h *MaintenanceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/maintenance/idempotency-cleanup", h.cleanupIdempotency)
}

type cleanupPayload struct {
	Removed int    `json:"removed"`
	Limit   int    `json:"limit"`
	RanAt   string `json:"ranAt"`
}

func (h *MaintenanceHandlers) cleanupIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.idempotency == nil {
		httpx.WriteError(ctx, w, httpx.NewError("maintenance_unavailable", "idempotency store unavailable", http.StatusServiceUnavailable))
		return
	}

	limit := defaultCleanupLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = min(value, maxCleanupLimit)
	}

	now := h.clock().UTC()
	removed, err := h.idempotency.CleanupExpired(ctx, now, limit)
	if err != nil {
		observability.FromContext(ctx).Error("idempotency cleanup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
		return
	}
	observability.FromContext(ctx).Info("idempotency cleanup completed", zap.Int("removed", removed), zap.Int("limit", limit))
	httpx.WriteData(w, http.StatusOK, "Expired idempotency keys removed", cleanupPayload{
		Removed: removed,
		Limit:   limit,
		RanAt:   formatTime(now),
	})
}
