package api

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// paymentRequestSchema validates the shape of a /api/pay body before it
// is decoded. Structural problems are rejected as 400s without touching
// the policy or chain layers.
const paymentRequestSchema = `{
	"type": "object",
	"required": ["userAddress", "challenge", "signedPayload"],
	"properties": {
		"userAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
		"challenge": {
			"type": "object",
			"required": ["scheme", "network", "amount", "asset", "payTo"],
			"properties": {
				"scheme": {"type": "string"},
				"network": {"type": "string"},
				"amount": {"type": "string", "pattern": "^[0-9]+$"},
				"asset": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"payTo": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
				"resource": {"type": "string"},
				"maxTimeoutSeconds": {"type": "integer", "minimum": 0}
			}
		},
		"signedPayload": {
			"type": "object",
			"required": ["signature", "authorization"],
			"properties": {
				"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]+$"},
				"authorization": {
					"type": "object",
					"required": ["from", "to", "value", "validAfter", "validBefore", "nonce"],
					"properties": {
						"from": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"to": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
						"value": {"type": "string", "pattern": "^[0-9]+$"},
						"validAfter": {"type": "string", "pattern": "^[0-9]+$"},
						"validBefore": {"type": "string", "pattern": "^[0-9]+$"},
						"nonce": {"type": "string", "pattern": "^0x[0-9a-fA-F]{64}$"}
					}
				}
			}
		}
	}
}`

var paymentRequestSchemaLoader = gojsonschema.NewStringLoader(paymentRequestSchema)

// validatePaymentRequestBody checks a raw /api/pay body against the
// schema and returns a description of the first violation.
func validatePaymentRequestBody(body []byte) error {
	result, err := gojsonschema.Validate(paymentRequestSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid payment request: %s", errs[0].String())
		}
		return fmt.Errorf("invalid payment request")
	}
	return nil
}
