package handlers

import (
	"slices"
	"time"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/services"
)

type shippingAddressPayload struct {
	RecipientName string `json:"recipientName"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	State         string `json:"state,omitempty"`
	PostalCode    string `json:"postalCode"`
	Country       string `json:"country"`
	Phone         string `json:"phone,omitempty"`
}

func (p shippingAddressPayload) toDomain() domain.ShippingAddress {
	return domain.ShippingAddress{
		RecipientName: p.RecipientName,
		Line1:         p.Line1,
		Line2:         p.Line2,
		City:          p.City,
		State:         p.State,
		PostalCode:    p.PostalCode,
		Country:       p.Country,
		Phone:         p.Phone,
	}
}

func buildShippingAddressPayload(addr domain.ShippingAddress) shippingAddressPayload {
	return shippingAddressPayload{
		RecipientName: addr.RecipientName,
		Line1:         addr.Line1,
		Line2:         addr.Line2,
		City:          addr.City,
		State:         addr.State,
		PostalCode:    addr.PostalCode,
		Country:       addr.Country,
		Phone:         addr.Phone,
	}
}

type shippableImagePayload struct {
	PurchaseID             string `json:"purchaseId"`
	ImageID                string `json:"imageId"`
	Title                  string `json:"title"`
	Description            string `json:"description"`
	Price                  int64  `json:"price"`
	Currency               string `json:"currency"`
	URL                    string `json:"url"`
	PurchaseDate           string `json:"purchaseDate"`
	SourceOrderID          string `json:"sourceOrderId"`
	PhysicalPrintRequested bool   `json:"physicalPrintRequested"`
}

func buildShippableImagePayload(item services.ShippableImage) shippableImagePayload {
	return shippableImagePayload{
		PurchaseID:             item.PurchaseID,
		ImageID:                item.ImageID,
		Title:                  item.Title,
		Description:            item.Description,
		Price:                  item.Price,
		Currency:               item.Currency,
		URL:                    item.URL,
		PurchaseDate:           formatTime(item.PurchaseDate),
		SourceOrderID:          item.SourceOrderID,
		PhysicalPrintRequested: item.PhysicalPrintRequested,
	}
}

type shippingOrderPayload struct {
	ID                        string                 `json:"id"`
	OrderNumber               string                 `json:"orderNumber,omitempty"`
	CustomerID                string                 `json:"customerId"`
	PurchaseIDs               []string               `json:"purchaseIds"`
	ShippingAddress           shippingAddressPayload `json:"shippingAddress"`
	Currency                  string                 `json:"currency"`
	ShippingFee               int64                  `json:"shippingFee"`
	OrderAmount               int64                  `json:"orderAmount"`
	TotalAmount               int64                  `json:"totalAmount"`
	Status                    string                 `json:"status"`
	ConfirmNote               string                 `json:"confirmNote,omitempty"`
	PackagingNote             string                 `json:"packagingNote,omitempty"`
	ShippingNote              string                 `json:"shippingNote,omitempty"`
	DeliveryNote              string                 `json:"deliveryNote,omitempty"`
	Carrier                   string                 `json:"carrier,omitempty"`
	TrackingNumber            string                 `json:"trackingNumber,omitempty"`
	DeliveryProofImageURL     string                 `json:"deliveryProofImageUrl,omitempty"`
	DeliveryProofThumbnailURL string                 `json:"deliveryProofThumbnailUrl,omitempty"`
	CreatedAt                 string                 `json:"createdAt"`
	UpdatedAt                 string                 `json:"updatedAt"`
	ConfirmedAt               string                 `json:"confirmedAt,omitempty"`
	PackagedAt                string                 `json:"packagedAt,omitempty"`
	ShippedAt                 string                 `json:"shippedAt,omitempty"`
	DeliveredAt               string                 `json:"deliveredAt,omitempty"`
	ProofUploadedAt           string                 `json:"proofUploadedAt,omitempty"`
}

func buildShippingOrderPayload(order services.ShippingOrder) shippingOrderPayload {
	purchaseIDs := slices.Clone(order.PurchaseIDs)
	if purchaseIDs == nil {
		purchaseIDs = []string{}
	}
	return shippingOrderPayload{
		ID:                        order.ID,
		OrderNumber:               order.OrderNumber,
		CustomerID:                order.CustomerID,
		PurchaseIDs:               purchaseIDs,
		ShippingAddress:           buildShippingAddressPayload(order.Address),
		Currency:                  order.Currency,
		ShippingFee:               order.ShippingFee,
		OrderAmount:               order.OrderAmount,
		TotalAmount:               order.TotalAmount,
		Status:                    string(order.Status),
		ConfirmNote:               order.ConfirmNote,
		PackagingNote:             order.PackagingNote,
		ShippingNote:              order.ShippingNote,
		DeliveryNote:              order.DeliveryNote,
		Carrier:                   order.Carrier,
		TrackingNumber:            order.TrackingNumber,
		DeliveryProofImageURL:     order.DeliveryProofImageURL,
		DeliveryProofThumbnailURL: order.DeliveryProofThumbnailURL,
		CreatedAt:                 formatTime(order.CreatedAt),
		UpdatedAt:                 formatTime(order.UpdatedAt),
		ConfirmedAt:               formatOptionalTime(order.ConfirmedAt),
		PackagedAt:                formatOptionalTime(order.PackagedAt),
		ShippedAt:                 formatOptionalTime(order.ShippedAt),
		DeliveredAt:               formatOptionalTime(order.DeliveredAt),
		ProofUploadedAt:           formatOptionalTime(order.ProofUploadedAt),
	}
}

type shippingOrderPagePayload struct {
	Items         []shippingOrderPayload `json:"items"`
	NextPageToken string                 `json:"nextPageToken,omitempty"`
}

type deliveryProofLinkPayload struct {
	OrderID      string `json:"orderId"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	ExpiresAt    string `json:"expiresAt"`
}

type auditEntryPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actorType,omitempty"`
	Action    string         `json:"action"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func buildAuditEntryPayload(entry services.AuditLogEntry) auditEntryPayload {
	return auditEntryPayload{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}

type auditPagePayload struct {
	Items         []auditEntryPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
