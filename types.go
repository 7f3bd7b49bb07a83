// Package x402vault contains the shared protocol types for the x402
// payment demo: transfer authorizations, payment challenges and requests,
// and the settlement result returned by the facilitator.
package x402vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// SchemeExact is the only payment scheme this facilitator supports.
const SchemeExact = "exact"

// X402Version is the protocol version advertised in 402 responses.
const X402Version = 1

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// TransferAuthorization is the EIP-3009 TransferWithAuthorization message
// signed off-chain by the payer. Numeric fields are decimal strings to
// avoid precision loss; the nonce is a 32-byte hex string.
type TransferAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SignedPayload carries a transfer authorization together with the payer's
// EIP-712 signature over it.
type SignedPayload struct {
	Signature     string                `json:"signature"`
	Authorization TransferAuthorization `json:"authorization"`
}

// PaymentChallenge is produced by the merchant in a 402 response and
// consumed by the signer. Amount is in base units, string-encoded.
type PaymentChallenge struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// VaultRecipient returns the revenue recipient for vault-routed
// settlements. In vault deployments the challenge's payTo is the
// facilitator's operating address (the address the payer's authorization
// binds to) and the ultimate recipient is named in extra.
func (c PaymentChallenge) VaultRecipient() string {
	if c.Extra != nil {
		if r, ok := c.Extra["vaultRecipient"].(string); ok {
			return r
		}
	}
	return ""
}

// PaymentRequest is the client-to-facilitator settlement request.
// Immutable once constructed; each request corresponds to exactly one
// intended on-chain settlement.
type PaymentRequest struct {
	UserAddress   string           `json:"userAddress"`
	Challenge     PaymentChallenge `json:"challenge"`
	SignedPayload SignedPayload    `json:"signedPayload"`
}

// PaymentResult is the tagged success/failure outcome of a settlement
// attempt. On failure, CollectionTransaction records a collection that
// confirmed before a later step failed, so callers can reconcile against
// the chain.
type PaymentResult struct {
	Success               bool      `json:"success"`
	Transaction           string    `json:"transaction,omitempty"`
	CollectionTransaction string    `json:"collectionTransaction,omitempty"`
	ErrorKind             ErrorKind `json:"errorKind,omitempty"`
	ErrorReason           string    `json:"errorReason,omitempty"`
	Payer                 string    `json:"payer,omitempty"`
	PayTo                 string    `json:"payTo,omitempty"`
	Amount                string    `json:"amount,omitempty"`
	Network               Network   `json:"network,omitempty"`
}

// PaymentRequired is the JSON body of a 402 response.
type PaymentRequired struct {
	X402Version int                `json:"x402Version"`
	Error       string             `json:"error,omitempty"`
	Accepts     []PaymentChallenge `json:"accepts"`
}

// DecodeSignedPayloadFromBase64 decodes the X-PAYMENT header value: a
// base64-encoded JSON signed payload.
func DecodeSignedPayloadFromBase64(encoded string) (*SignedPayload, error) {
	if encoded == "" {
		return nil, fmt.Errorf("empty payment header")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payment header: %w", err)
	}
	var payload SignedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment payload: %w", err)
	}
	return &payload, nil
}

// EncodeToBase64String encodes the signed payload for the X-PAYMENT header.
func (p *SignedPayload) EncodeToBase64String() (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EqualAddress compares two hex addresses case-insensitively.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
