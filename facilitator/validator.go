// Package facilitator validates signed transfer authorizations and drives
// the multi-step on-chain settlement state machine.
package facilitator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/evm"
)

// ValidationResult reports whether an authorization may be executed. Like
// the payment result, expected failures are values, not errors.
type ValidationResult struct {
	Valid  bool
	Kind   x402vault.ErrorKind
	Reason string
	Payer  string
}

func invalid(kind x402vault.ErrorKind, reason string) ValidationResult {
	return ValidationResult{Valid: false, Kind: kind, Reason: reason}
}

// Validator runs the pre-execution checks on a signed authorization.
// Checks are ordered cheapest-first: the validity window and signature
// are purely local, so a structurally invalid request never costs a
// network round trip for the balance and nonce reads.
type Validator struct {
	chain evm.ChainSigner
	now   func() time.Time
}

// NewValidator creates an authorization validator over a chain signer.
func NewValidator(chain evm.ChainSigner) *Validator {
	return &Validator{chain: chain, now: time.Now}
}

// WithClock overrides the validator's clock, for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks window, signature, payer balance, and nonce state, in
// that order. RPC failures surface as errors; policy-level rejections are
// returned in the result.
func (v *Validator) Validate(ctx context.Context, signed x402vault.SignedPayload, challenge x402vault.PaymentChallenge) (ValidationResult, error) {
	auth := signed.Authorization

	// 1. Validity window (local)
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return invalid(x402vault.ErrorKindInvalidSignature, fmt.Sprintf("invalid validAfter: %q", auth.ValidAfter)), nil
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return invalid(x402vault.ErrorKindInvalidSignature, fmt.Sprintf("invalid validBefore: %q", auth.ValidBefore)), nil
	}
	if validAfter >= validBefore {
		return invalid(x402vault.ErrorKindExpired, "authorization window is empty"), nil
	}
	now := v.now().Unix()
	if now < validAfter {
		return invalid(x402vault.ErrorKindExpired, "authorization not yet valid"), nil
	}
	if now > validBefore {
		return invalid(x402vault.ErrorKindExpired, "authorization expired"), nil
	}

	// 2. Signature (local)
	config, ok := evm.GetNetworkConfig(string(challenge.Network))
	if !ok {
		return invalid(x402vault.ErrorKindTransactionFailed, fmt.Sprintf("unsupported network: %s", challenge.Network)), nil
	}
	tokenName, tokenVersion := tokenInfo(challenge, config)

	signatureBytes, err := evm.HexToBytes(signed.Signature)
	if err != nil {
		return invalid(x402vault.ErrorKindInvalidSignature, "invalid signature encoding"), nil
	}
	valid, signer, err := evm.VerifyTransferAuthorization(auth, signatureBytes, config.ChainID, challenge.Asset, tokenName, tokenVersion)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return invalid(x402vault.ErrorKindInvalidSignature, "signature does not recover to payer"), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(x402vault.ErrorKindInvalidSignature, fmt.Sprintf("invalid authorization value: %q", auth.Value)), nil
	}

	// 3. Payer balance (chain read)
	balance, err := v.chain.GetBalance(ctx, auth.From, challenge.Asset)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid(x402vault.ErrorKindInsufficientBalance,
			fmt.Sprintf("insufficient balance: required %s, available %s", value, balance)), nil
	}

	// 4. Nonce state (chain read)
	nonceBytes, err := evm.HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return invalid(x402vault.ErrorKindInvalidSignature, "invalid authorization nonce"), nil
	}
	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	result, err := v.chain.ReadContract(ctx, challenge.Asset, evm.AuthorizationStateABI, evm.FunctionAuthorizationState,
		common.HexToAddress(auth.From), nonce)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("failed to check nonce: %w", err)
	}
	used, ok := result.(bool)
	if !ok {
		return ValidationResult{}, fmt.Errorf("unexpected result type from authorizationState")
	}
	if used {
		return invalid(x402vault.ErrorKindTransactionFailed, "authorization nonce already used"), nil
	}

	return ValidationResult{Valid: true, Payer: signer}, nil
}

// tokenInfo resolves the token's EIP-712 name/version, preferring the
// challenge's extra fields over the network default.
func tokenInfo(challenge x402vault.PaymentChallenge, config evm.NetworkConfig) (string, string) {
	name := config.DefaultAsset.Name
	version := config.DefaultAsset.Version
	if challenge.Extra != nil {
		if n, ok := challenge.Extra["name"].(string); ok {
			name = n
		}
		if v, ok := challenge.Extra["version"].(string); ok {
			version = v
		}
	}
	return name, version
}
