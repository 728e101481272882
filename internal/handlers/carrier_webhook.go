package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/httpx"
	"github.com/lumiframe/api/internal/services"
)

// CarrierWebhookSecret names the HMAC secret that signs carrier tracking callbacks.
const CarrierWebhookSecret = "carriers"

var carrierEventStatuses = map[string]domain.ShippingStatus{
	"shipped":   domain.ShippingStatusShipping,
	"delivered": domain.ShippingStatusDelivered,
}

// CarrierWebhookHandlers accepts signed tracking callbacks from delivery carriers.
type CarrierWebhookHandlers struct {
	orders services.ShippingOrderService
	verify func(http.Handler) http.Handler
}

// NewCarrierWebhookHandlers constructs the carrier webhook handlers. validator may be nil in tests.
func NewCarrierWebhookHandlers(validator *auth.HMACValidator, orders services.ShippingOrderService) *CarrierWebhookHandlers {
	h := &CarrierWebhookHandlers{orders: orders}
	if validator != nil {
		h.verify = validator.RequireHMAC(CarrierWebhookSecret)
	}
	return h
}

// Routes registers the /webhooks/carriers endpoints.
func (h *CarrierWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/carriers", func(rt chi.Router) {
		if h.verify != nil {
			rt.Use(h.verify)
		}
		rt.Post("/tracking", h.tracking)
	})
}

type carrierTrackingRequest struct {
	Carrier        string `json:"carrier"`
	OrderID        string `json:"orderId"`
	Event          string `json:"event"`
	TrackingNumber string `json:"trackingNumber"`
	Note           string `json:"note"`
	OccurredAt     string `json:"occurredAt"`
}

func (h *CarrierWebhookHandlers) tracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req carrierTrackingRequest
	if !decodeValidatedBody(ctx, w, r, carrierTrackingLoader, &req) {
		return
	}
	target, ok := carrierEventStatuses[strings.ToLower(strings.TrimSpace(req.Event))]
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unsupported carrier event", http.StatusBadRequest))
		return
	}

	metadata := map[string]string{"carrierEvent": req.Event}
	if req.OccurredAt != "" {
		metadata["carrierOccurredAt"] = req.OccurredAt
	}
	if meta, ok := auth.HMACMetadataFromContext(ctx); ok {
		metadata["webhookNonce"] = meta.Nonce
	}

	cmd := services.UpdateShippingStatusCommand{
		OrderID:   req.OrderID,
		Status:    string(target),
		Note:      req.Note,
		Caller:    services.Caller{ID: req.Carrier, Roles: []string{services.CallerRoleCarrier}},
		RequestID: middleware.GetReqID(ctx),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  metadata,
	}
	if target == domain.ShippingStatusShipping {
		cmd.Carrier = req.Carrier
		cmd.TrackingNumber = req.TrackingNumber
	}

	order, err := h.orders.UpdateShippingOrderStatus(ctx, cmd)
	if err != nil {
		// Carriers retry until they see a 2xx, so a repeated event for the current status is acknowledged.
		if errors.Is(err, services.ErrShippingInvalidOperation) {
			current, lookupErr := h.orders.GetShippingOrderByID(ctx, req.OrderID, nil)
			if lookupErr == nil && current.Status == target {
				httpx.WriteData(w, http.StatusOK, "Carrier event already applied", buildShippingOrderPayload(current))
				return
			}
		}
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, "Carrier event applied", buildShippingOrderPayload(order))
}
