package storage

import (
	"fmt"
	"path"
	"strings"
)

// AssetPurpose selects the object layout for an upload.
type AssetPurpose string

const (
	PurposeDeliveryProof          AssetPurpose = "delivery-proof"
	PurposeDeliveryProofThumbnail AssetPurpose = "delivery-proof-thumbnail"
)

const thumbnailSuffix = "_thumb.jpg"

// PathParams identify the object being stored.
type PathParams struct {
	OrderID  string
	FileName string
}

// BuildObjectPath returns the object key for purpose. Proofs live under
// shipping-orders/{orderID}/proof/ and a thumbnail sits beside its original with the
// extension swapped for _thumb.jpg.
func BuildObjectPath(purpose AssetPurpose, params PathParams) (string, error) {
	orderID, err := validateSegment("orderID", params.OrderID)
	if err != nil {
		return "", err
	}
	fileName, err := validateSegment("fileName", params.FileName)
	if err != nil {
		return "", err
	}

	switch purpose {
	case PurposeDeliveryProof:
	case PurposeDeliveryProofThumbnail:
		base := strings.TrimSuffix(fileName, path.Ext(fileName))
		if base == "" {
			return "", fmt.Errorf("storage: fileName %q has no base name", fileName)
		}
		fileName = base + thumbnailSuffix
	default:
		return "", fmt.Errorf("storage: unsupported asset purpose %q", purpose)
	}
	return path.Join("shipping-orders", orderID, "proof", fileName), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", fmt.Errorf("storage: %s is required", name)
	case strings.ContainsAny(value, `/\`):
		return "", fmt.Errorf("storage: %s contains a path separator", name)
	case strings.Contains(value, ".."):
		return "", fmt.Errorf("storage: %s contains a traversal sequence", name)
	}
	return value, nil
}

// validateObjectKey accepts slash separated keys whose segments pass validateSegment.
func validateObjectKey(object string) (string, error) {
	object = strings.TrimSpace(object)
	if object == "" {
		return "", errInvalidObject
	}
	for _, segment := range strings.Split(object, "/") {
		if _, err := validateSegment("object segment", segment); err != nil {
			return "", err
		}
	}
	return object, nil
}
