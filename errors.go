package x402vault

import "fmt"

// ErrorKind classifies a failed payment. Kinds are stable wire values;
// they are propagated as result variants, never as panics across a
// component boundary.
type ErrorKind string

const (
	// ErrorKindInvalidSignature means the signature does not recover to
	// the claimed payer. Fatal, no retry.
	ErrorKindInvalidSignature ErrorKind = "INVALID_SIGNATURE"

	// ErrorKindExpired covers both sides of the validity window: not yet
	// valid and expired. Fatal, a new authorization must be signed.
	ErrorKindExpired ErrorKind = "EXPIRED"

	// ErrorKindInsufficientBalance means the payer lacked funds at check
	// time. The caller may retry after funding.
	ErrorKindInsufficientBalance ErrorKind = "INSUFFICIENT_BALANCE"

	// ErrorKindPolicyViolation means the request was denied by the user's
	// spending policy before any chain interaction.
	ErrorKindPolicyViolation ErrorKind = "POLICY_VIOLATION"

	// ErrorKindTransactionFailed means a submitted transaction reverted,
	// a nonce was already consumed, or an unexpected chain error occurred.
	// Treat the payer's on-chain state as ground truth before any retry.
	ErrorKindTransactionFailed ErrorKind = "TRANSACTION_FAILED"
)

// PaymentError represents a payment-specific error crossing the HTTP
// boundary.
type PaymentError struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewPaymentError creates a new payment error
func NewPaymentError(kind ErrorKind, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Kind:    kind,
		Message: message,
		Details: details,
	}
}
