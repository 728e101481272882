package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const createShippingOrderSchema = `{
  "type": "object",
  "required": ["purchaseIds", "shippingAddress"],
  "properties": {
    "purchaseIds": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1, "maxLength": 128 }
    },
    "shippingAddress": {
      "type": "object",
      "required": ["recipientName", "line1", "city", "postalCode", "country"],
      "properties": {
        "recipientName": { "type": "string", "maxLength": 200 },
        "line1": { "type": "string", "maxLength": 200 },
        "line2": { "type": "string", "maxLength": 200 },
        "city": { "type": "string", "maxLength": 200 },
        "state": { "type": "string", "maxLength": 200 },
        "postalCode": { "type": "string", "maxLength": 32 },
        "country": { "type": "string", "minLength": 2, "maxLength": 2 },
        "phone": { "type": "string", "maxLength": 32 }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`

const updateShippingStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": { "type": "string", "minLength": 1 },
    "note": { "type": "string" },
    "carrier": { "type": "string", "maxLength": 64 },
    "trackingNumber": { "type": "string", "maxLength": 128 },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false
}`

const carrierTrackingSchema = `{
  "type": "object",
  "required": ["carrier", "orderId", "event"],
  "properties": {
    "carrier": { "type": "string", "minLength": 1, "maxLength": 64 },
    "orderId": { "type": "string", "minLength": 1 },
    "event": { "type": "string", "enum": ["shipped", "delivered"] },
    "trackingNumber": { "type": "string", "maxLength": 128 },
    "note": { "type": "string" },
    "occurredAt": { "type": "string", "format": "date-time" }
  },
  "additionalProperties": false
}`

var (
	createShippingOrderLoader  = gojsonschema.NewStringLoader(createShippingOrderSchema)
	updateShippingStatusLoader = gojsonschema.NewStringLoader(updateShippingStatusSchema)
	carrierTrackingLoader      = gojsonschema.NewStringLoader(carrierTrackingSchema)
)

var errSchemaMismatch = errors.New("request does not match schema")

// validateJSONSchema checks body against schema before it is decoded.
func validateJSONSchema(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", errSchemaMismatch, err)
	}
	if result.Valid() {
		return nil
	}
	messages := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		messages = append(messages, e.String())
	}
	return fmt.Errorf("%w: %s", errSchemaMismatch, strings.Join(messages, "; "))
}
