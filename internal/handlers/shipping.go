package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/httpx"
	"github.com/lumiframe/api/internal/platform/observability"
	"github.com/lumiframe/api/internal/services"
)

const maxShippingBodySize = 16 * 1024

// ShippingHandlers exposes the customer facing shipping endpoints.
type ShippingHandlers struct {
	authn         *auth.Authenticator
	shippable     services.ShippableItemService
	orders        services.ShippingOrderService
	createLimiter rateLimiter
	idempotency   func(http.Handler) http.Handler
}

// ShippingOption customises ShippingHandlers.
type ShippingOption func(*ShippingHandlers)

// WithShippingCreateLimiter caps order creation per user and minute.
func WithShippingCreateLimiter(perMinute int) ShippingOption {
	return func(h *ShippingHandlers) {
		h.createLimiter = newPerMinuteRateLimiter(perMinute, nil)
	}
}

// WithShippingIdempotency wraps order creation with the idempotency middleware.
func WithShippingIdempotency(mw func(http.Handler) http.Handler) ShippingOption {
	return func(h *ShippingHandlers) {
		h.idempotency = mw
	}
}

// NewShippingHandlers constructs a new ShippingHandlers instance.
func NewShippingHandlers(authn *auth.Authenticator, shippable services.ShippableItemService, orders services.ShippingOrderService, opts ...ShippingOption) *ShippingHandlers {
	h := &ShippingHandlers{
		authn:     authn,
		shippable: shippable,
		orders:    orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /shipping endpoints.
func (h *ShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/shippable-images", h.listShippable)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/proof-image", h.getProofLink)
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/orders", h.createOrder)
	} else {
		r.Post("/orders", h.createOrder)
	}
}

type createShippingOrderRequest struct {
	PurchaseIDs     []string              `json:"purchaseIds"`
	ShippingAddress shippingAddressPayload `json:"shippingAddress"`
}

func (h *ShippingHandlers) listShippable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shippable == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	items, err := h.shippable.ListShippable(ctx, identity.UID)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	payload := make([]shippableImagePayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, buildShippableImagePayload(item))
	}
	httpx.WriteData(w, http.StatusOK, "Shippable images retrieved successfully", payload)
}

func (h *ShippingHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !allowRequest(h.createLimiter, identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many shipping orders, retry later", http.StatusTooManyRequests))
		return
	}

	var req createShippingOrderRequest
	if !decodeValidatedBody(ctx, w, r, createShippingOrderLoader, &req) {
		return
	}

	order, err := h.orders.CreateShippingOrder(ctx, services.CreateShippingOrderCommand{
		CustomerID:  identity.UID,
		PurchaseIDs: req.PurchaseIDs,
		Address:     req.ShippingAddress.toDomain(),
		RequestID:   middleware.GetReqID(ctx),
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusCreated, "Shipping order created successfully", buildShippingOrderPayload(order))
}

func (h *ShippingHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orders, err := h.orders.GetUserShippingOrders(ctx, identity.UID)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	payload := make([]shippingOrderPayload, 0, len(orders))
	for _, order := range orders {
		payload = append(payload, buildShippingOrderPayload(order))
	}
	httpx.WriteData(w, http.StatusOK, "Shipping orders retrieved successfully", payload)
}

func (h *ShippingHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	caller := callerFromIdentity(identity)
	order, err := h.orders.GetShippingOrderByID(ctx, chi.URLParam(r, "orderID"), &caller)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, "Shipping order retrieved successfully", buildShippingOrderPayload(order))
}

func (h *ShippingHandlers) getProofLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	link, err := h.orders.DeliveryProofLink(ctx, chi.URLParam(r, "orderID"), callerFromIdentity(identity))
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, "Delivery proof link issued", deliveryProofLinkPayload{
		OrderID:      link.OrderID,
		URL:          link.URL,
		ThumbnailURL: link.ThumbnailURL,
		ExpiresAt:    formatTime(link.ExpiresAt),
	})
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func callerFromIdentity(identity *auth.Identity) services.Caller {
	if identity == nil {
		return services.Caller{}
	}
	caller := services.Caller{ID: strings.TrimSpace(identity.UID)}
	if identity.HasRole(auth.RoleAdmin) {
		caller.Roles = append(caller.Roles, services.CallerRoleAdmin)
	}
	return caller
}

// decodeValidatedBody reads a bounded body, validates it against schema and decodes it into dst.
func decodeValidatedBody(ctx context.Context, w http.ResponseWriter, r *http.Request, schema gojsonschema.JSONLoader, dst any) bool {
	body, err := readLimitedBody(w, r, maxShippingBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		}
		return false
	}
	if err := validateJSONSchema(schema, body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeShippingError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShippingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrShippingForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "you do not have access to this shipping order", http.StatusForbidden))
	case errors.Is(err, services.ErrShippingInvalidOperation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_operation", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShippingUnavailable):
		observability.FromContext(ctx).Warn("shipping dependency unavailable", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "shipping service temporarily unavailable", http.StatusServiceUnavailable))
	default:
		observability.FromContext(ctx).Error("shipping request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
	}
}
