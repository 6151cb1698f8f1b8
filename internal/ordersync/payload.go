package ordersync

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const webhookPayloadSchemaURL = "https://ordersync.local/schemas/webhook-payload.json"

const webhookPayloadSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id"],
	"additionalProperties": false,
	"properties": {
		"id": {
			"oneOf": [
				{"type": "string", "minLength": 1},
				{"type": "integer"}
			]
		},
		"updated_at": {"type": ["string", "null"]},
		"financial_status": {"type": ["string", "null"]},
		"fulfillment_status": {"type": ["string", "null"]},
		"total_price": {"type": ["string", "number", "null"]}
	}
}`

var (
	payloadSchemaOnce sync.Once
	payloadSchema     *jsonschema.Schema
	payloadSchemaErr  error
)

// WebhookPayload is the validated subset of an order webhook body.
type WebhookPayload struct {
	ExternalOrderID   string
	UpdatedAt         string
	FinancialStatus   string
	FulfillmentStatus string
	TotalPrice        string
}

type rawWebhookPayload struct {
	ID                json.RawMessage `json:"id"`
	UpdatedAt         *string         `json:"updated_at"`
	FinancialStatus   *string         `json:"financial_status"`
	FulfillmentStatus *string         `json:"fulfillment_status"`
	TotalPrice        json.RawMessage `json:"total_price"`
}

func compiledPayloadSchema() (*jsonschema.Schema, error) {
	payloadSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookPayloadSchema))
		if err != nil {
			payloadSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(webhookPayloadSchemaURL, doc); err != nil {
			payloadSchemaErr = err
			return
		}
		payloadSchema, payloadSchemaErr = compiler.Compile(webhookPayloadSchemaURL)
	})
	return payloadSchema, payloadSchemaErr
}

// ValidatePayload checks raw against the webhook schema without decoding it
// into domain values.
func ValidatePayload(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &PayloadError{Reason: "empty body"}
	}
	schema, err := compiledPayloadSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &PayloadError{Reason: "invalid json"}
	}
	if err := schema.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return &PayloadError{Reason: strings.TrimSpace(validationErr.Error())}
		}
		return &PayloadError{Reason: err.Error()}
	}
	return nil
}

// ParsePayload validates raw and extracts the fields the processor needs.
func ParsePayload(raw []byte) (WebhookPayload, error) {
	if err := ValidatePayload(raw); err != nil {
		return WebhookPayload{}, err
	}
	var decoded rawWebhookPayload
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&decoded); err != nil {
		return WebhookPayload{}, &PayloadError{Reason: "invalid json"}
	}
	externalID := scalarString(decoded.ID)
	if externalID == "" {
		return WebhookPayload{}, &PayloadError{Reason: "missing id"}
	}
	return WebhookPayload{
		ExternalOrderID:   externalID,
		UpdatedAt:         derefString(decoded.UpdatedAt),
		FinancialStatus:   derefString(decoded.FinancialStatus),
		FulfillmentStatus: derefString(decoded.FulfillmentStatus),
		TotalPrice:        scalarString(decoded.TotalPrice),
	}, nil
}

// scalarString renders a JSON string or number as text; null and absent
// values are empty.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}
