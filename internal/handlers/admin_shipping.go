package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/platform/auth"
	"github.com/lumiframe/api/internal/platform/httpx"
	"github.com/lumiframe/api/internal/platform/pagination"
	"github.com/lumiframe/api/internal/services"
)

const (
	defaultProofUploadLimit = 10 << 20
	multipartOverhead       = 64 * 1024
	proofFormField          = "file"
)

// AdminShippingHandlers exposes shipping order management for administrators.
type AdminShippingHandlers struct {
	authn         *auth.Authenticator
	orders        services.ShippingOrderService
	uploadLimiter rateLimiter
	maxProofBytes int64
}

// AdminShippingOption customises AdminShippingHandlers.
type AdminShippingOption func(*AdminShippingHandlers)

// WithProofUploadLimiter caps proof uploads per admin and minute.
func WithProofUploadLimiter(perMinute int) AdminShippingOption {
	return func(h *AdminShippingHandlers) {
		h.uploadLimiter = newPerMinuteRateLimiter(perMinute, nil)
	}
}

// WithMaxProofBytes bounds the accepted proof image size.
func WithMaxProofBytes(limit int64) AdminShippingOption {
	return func(h *AdminShippingHandlers) {
		if limit > 0 {
			h.maxProofBytes = limit
		}
	}
}

// NewAdminShippingHandlers constructs a new AdminShippingHandlers instance.
func NewAdminShippingHandlers(authn *auth.Authenticator, orders services.ShippingOrderService, opts ...AdminShippingOption) *AdminShippingHandlers {
	h := &AdminShippingHandlers{
		authn:         authn,
		orders:        orders,
		maxProofBytes: defaultProofUploadLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin/shipping endpoints.
func (h *AdminShippingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/shipping/orders", func(rt chi.Router) {
		if h.authn != nil {
			rt.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		}
		rt.Get("/", h.listOrders)
		rt.Get("/{orderID}/history", h.orderHistory)
		rt.Put("/{orderID}/status", h.updateStatus)
		rt.Post("/{orderID}/proof-image", h.uploadProof)
	})
}

type updateShippingStatusRequest struct {
	Status         string            `json:"status"`
	Note           string            `json:"note"`
	Carrier        string            `json:"carrier"`
	TrackingNumber string            `json:"trackingNumber"`
	Metadata       map[string]string `json:"metadata"`
}

func (h *AdminShippingHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, ok := parsePageParams(ctx, w, query)
	if !ok {
		return
	}
	filter := services.ShippingOrderFilter{
		CustomerID: strings.TrimSpace(query.Get("customerId")),
		Pagination: page,
	}
	for _, raw := range listParam(query["status"]) {
		filter.Statuses = append(filter.Statuses, domain.ShippingStatus(raw))
	}

	orders, err := h.orders.GetAllShippingOrders(ctx, callerFromIdentity(identity), filter)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	payload := shippingOrderPagePayload{
		Items:         make([]shippingOrderPayload, 0, len(orders.Items)),
		NextPageToken: orders.NextPageToken,
	}
	for _, order := range orders.Items {
		payload.Items = append(payload.Items, buildShippingOrderPayload(order))
	}
	httpx.WriteData(w, http.StatusOK, "Shipping orders retrieved successfully", payload)
}

func (h *AdminShippingHandlers) orderHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	page, ok := parsePageParams(ctx, w, r.URL.Query())
	if !ok {
		return
	}

	entries, err := h.orders.ShippingOrderHistory(ctx, chi.URLParam(r, "orderID"), callerFromIdentity(identity), page)
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	payload := auditPagePayload{
		Items:         make([]auditEntryPayload, 0, len(entries.Items)),
		NextPageToken: entries.NextPageToken,
	}
	for _, entry := range entries.Items {
		payload.Items = append(payload.Items, buildAuditEntryPayload(entry))
	}
	httpx.WriteData(w, http.StatusOK, "Shipping order history retrieved successfully", payload)
}

func (h *AdminShippingHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req updateShippingStatusRequest
	if !decodeValidatedBody(ctx, w, r, updateShippingStatusLoader, &req) {
		return
	}

	order, err := h.orders.UpdateShippingOrderStatus(ctx, services.UpdateShippingStatusCommand{
		OrderID:        chi.URLParam(r, "orderID"),
		Status:         req.Status,
		Note:           req.Note,
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
		Caller:         callerFromIdentity(identity),
		RequestID:      middleware.GetReqID(ctx),
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, "Shipping order status updated successfully", buildShippingOrderPayload(order))
}

func (h *AdminShippingHandlers) uploadProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipping_service_unavailable", "shipping service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !allowRequest(h.uploadLimiter, identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many proof uploads, retry later", http.StatusTooManyRequests))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxProofBytes+multipartOverhead)
	file, header, err := r.FormFile(proofFormField)
	if err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "delivery proof image exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, http.ErrMissingFile):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "multipart field \"file\" is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid multipart body", http.StatusBadRequest))
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxProofBytes+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read uploaded file", http.StatusBadRequest))
		return
	}
	if int64(len(data)) > h.maxProofBytes {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "delivery proof image exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	order, err := h.orders.UploadDeliveryProofImage(ctx, services.UploadDeliveryProofCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		FileName:  header.Filename,
		Data:      data,
		Caller:    callerFromIdentity(identity),
		RequestID: middleware.GetReqID(ctx),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeShippingError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, "Delivery proof uploaded successfully", buildShippingOrderPayload(order))
}

// clientIP strips the port chi's RealIP middleware may leave on RemoteAddr.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func parsePageParams(ctx context.Context, w http.ResponseWriter, query url.Values) (services.Pagination, bool) {
	params, err := pagination.Parse(query, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return services.Pagination{}, false
	}
	return services.Pagination{PageSize: params.PageSize, PageToken: params.PageToken}, true
}
