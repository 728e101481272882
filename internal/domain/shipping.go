package domain

import (
	"strings"
	"time"
)

// PurchaseStatus tracks payment completion for a single purchased image.
type PurchaseStatus string

const (
	// PurchaseStatusPending indicates the payment has not settled yet.
	PurchaseStatusPending PurchaseStatus = "pending"
	// PurchaseStatusCompleted indicates the payment settled and the image belongs to the customer.
	PurchaseStatusCompleted PurchaseStatus = "completed"
	// PurchaseStatusFailed indicates the payment was declined or abandoned.
	PurchaseStatusFailed PurchaseStatus = "failed"
)

// PurchaseRecord is the canonical record of one customer buying one image.
type PurchaseRecord struct {
	ID                     string
	CustomerID             string
	ImageID                string
	SourceOrderID          string
	Amount                 int64
	Currency               string
	Status                 PurchaseStatus
	PhysicalPrintRequested bool
	PurchasedAt            time.Time
	CompletedAt            *time.Time
	DeletedAt              *time.Time
}

// IsCompleted reports whether the purchase settled and was not soft deleted.
func (p PurchaseRecord) IsCompleted() bool {
	return p.Status == PurchaseStatusCompleted && p.DeletedAt == nil
}

// CatalogImage holds the catalog metadata joined into shippable projections.
type CatalogImage struct {
	ID             string
	PhotographerID string
	Title          string
	Description    string
	Price          int64
	Currency       string
	URL            string
	DeletedAt      *time.Time
}

// ShippableImage is a read-only projection of a completed purchase that no shipping order references yet.
type ShippableImage struct {
	PurchaseID             string
	ImageID                string
	Title                  string
	Description            string
	Price                  int64
	Currency               string
	URL                    string
	PurchaseDate           time.Time
	SourceOrderID          string
	PhysicalPrintRequested bool
}

// ShippingStatus enumerates the fulfilment stages of a shipping order.
type ShippingStatus string

const (
	// ShippingStatusPending is the initial state after the customer submits the order.
	ShippingStatusPending ShippingStatus = "pending"
	// ShippingStatusConfirmed indicates an admin accepted the order.
	ShippingStatusConfirmed ShippingStatus = "confirmed"
	// ShippingStatusPackaging indicates prints are being produced and packed.
	ShippingStatusPackaging ShippingStatus = "packaging"
	// ShippingStatusShipping indicates the parcel was handed to a carrier.
	ShippingStatusShipping ShippingStatus = "shipping"
	// ShippingStatusDelivered is terminal.
	ShippingStatusDelivered ShippingStatus = "delivered"
)

// ShippingStatuses lists every status in fulfilment order.
var ShippingStatuses = []ShippingStatus{
	ShippingStatusPending,
	ShippingStatusConfirmed,
	ShippingStatusPackaging,
	ShippingStatusShipping,
	ShippingStatusDelivered,
}

// ParseShippingStatus returns the status matching value, ignoring case.
func ParseShippingStatus(value string) (ShippingStatus, bool) {
	for _, status := range ShippingStatuses {
		if strings.EqualFold(string(status), strings.TrimSpace(value)) {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further transitions are possible.
func (s ShippingStatus) IsTerminal() bool {
	return s == ShippingStatusDelivered
}

// ShippingAddress is the delivery destination captured at order time.
type ShippingAddress struct {
	RecipientName string
	Line1         string
	Line2         string
	City          string
	State         string
	PostalCode    string
	Country       string
	Phone         string
}

// ShippingOrder is a request to print and deliver one or more purchased images.
type ShippingOrder struct {
	ID                        string
	OrderNumber               string
	CustomerID                string
	PurchaseIDs               []string
	Address                   ShippingAddress
	Currency                  string
	ShippingFee               int64
	OrderAmount               int64
	TotalAmount               int64
	Status                    ShippingStatus
	ConfirmNote               string
	PackagingNote             string
	ShippingNote              string
	DeliveryNote              string
	Carrier                   string
	TrackingNumber            string
	DeliveryProofObject       string
	DeliveryProofImageURL     string
	DeliveryProofThumbnailURL string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	ConfirmedAt               *time.Time
	PackagedAt                *time.Time
	ShippedAt                 *time.Time
	DeliveredAt               *time.Time
	ProofUploadedAt           *time.Time
	DeletedAt                 *time.Time
}

// StageNote returns the note recorded when the order entered status.
func (o ShippingOrder) StageNote(status ShippingStatus) string {
	switch status {
	case ShippingStatusConfirmed:
		return o.ConfirmNote
	case ShippingStatusPackaging:
		return o.PackagingNote
	case ShippingStatusShipping:
		return o.ShippingNote
	case ShippingStatusDelivered:
		return o.DeliveryNote
	default:
		return ""
	}
}

// SetStage records note and the entry timestamp for status. Notes of other stages are untouched.
func (o *ShippingOrder) SetStage(status ShippingStatus, note string, at time.Time) {
	stamp := at
	switch status {
	case ShippingStatusConfirmed:
		o.ConfirmNote = note
		o.ConfirmedAt = &stamp
	case ShippingStatusPackaging:
		o.PackagingNote = note
		o.PackagedAt = &stamp
	case ShippingStatusShipping:
		o.ShippingNote = note
		o.ShippedAt = &stamp
	case ShippingStatusDelivered:
		o.DeliveryNote = note
		o.DeliveredAt = &stamp
	}
	o.Status = status
	o.UpdatedAt = at
}

// HasDeliveryProof reports whether a proof image is stored for the order.
func (o ShippingOrder) HasDeliveryProof() bool {
	return o.DeliveryProofObject != ""
}

// ShippingOrderEvent is emitted whenever a shipping order changes.
type ShippingOrderEvent struct {
	Type           string    `json:"type"`
	OrderID        string    `json:"orderId"`
	OrderNumber    string    `json:"orderNumber,omitempty"`
	CustomerID     string    `json:"customerId"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}
