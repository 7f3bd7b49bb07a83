package facilitator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/evm"
)

// Executor drives one payment request through the settlement pipeline:
// validate, collect funds via the signed authorization, optionally grant
// the vault an allowance, and invoke the vault's settlement entry point.
//
// Failed steps are never retried here. A confirmed transaction cannot be
// cancelled and a blind resubmission would race a now-consumed nonce, so
// retry policy belongs to the caller, with the chain as ground truth.
type Executor struct {
	chain       evm.ChainSigner
	validator   *Validator
	checkpoints CheckpointStore
	logger      *slog.Logger

	// vaultAddress empty means the simple deployment: the collection
	// transfer pays the recipient directly and is itself final.
	vaultAddress string

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewExecutor creates a payment executor. vaultAddress may be empty for
// deployments that settle directly to the recipient.
func NewExecutor(chain evm.ChainSigner, validator *Validator, checkpoints CheckpointStore, vaultAddress string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if checkpoints == nil {
		checkpoints = NewMemoryCheckpointStore()
	}
	return &Executor{
		chain:        chain,
		validator:    validator,
		checkpoints:  checkpoints,
		logger:       logger,
		vaultAddress: vaultAddress,
		inFlight:     make(map[string]bool),
	}
}

// Execute runs the full pipeline for one payment request. Expected
// failures come back as an unsuccessful PaymentResult; the error return
// is reserved for internal faults (bad wiring, store failures).
func (e *Executor) Execute(ctx context.Context, req *x402vault.PaymentRequest) (x402vault.PaymentResult, error) {
	requestID := uuid.NewString()
	logger := e.logger.With("requestId", requestID, "payer", req.SignedPayload.Authorization.From)

	cp := Checkpoint{
		RequestID: requestID,
		State:     StateReceived,
		Payer:     req.SignedPayload.Authorization.From,
		PayTo:     req.Challenge.PayTo,
		Amount:    req.Challenge.Amount,
	}
	e.transition(&cp, StateReceived, logger)

	// Collapse duplicate submissions of the same signed payload while one
	// is still in flight; the nonce makes the key unique per authorization.
	key := settlementKey(req.SignedPayload)
	if !e.markInFlight(key) {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, "settlement already in flight for this authorization", req), nil
	}
	defer e.releaseInFlight(key)

	// VALIDATED
	validation, err := e.validator.Validate(ctx, req.SignedPayload, req.Challenge)
	if err != nil {
		return x402vault.PaymentResult{}, err
	}
	if !validation.Valid {
		return e.fail(&cp, logger, validation.Kind, validation.Reason, req), nil
	}
	e.transition(&cp, StateValidated, logger)

	auth := req.SignedPayload.Authorization
	value, validAfter, validBefore, nonce, v, r, s, err := settlementArgs(req.SignedPayload)
	if err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindInvalidSignature, err.Error(), req), nil
	}

	// COLLECTED: move funds per the signed authorization
	collectTx, err := e.chain.WriteContract(ctx, req.Challenge.Asset, evm.TransferWithAuthorizationABI,
		evm.FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From), common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce, v, r, s)
	if err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, fmt.Sprintf("failed to submit collection: %v", err), req), nil
	}
	cp.CollectionTx = collectTx
	logger.Info("collection submitted", "tx", collectTx)

	receipt, err := e.chain.WaitForTransactionReceipt(ctx, collectTx)
	if err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, fmt.Sprintf("failed to confirm collection: %v", err), req), nil
	}
	if receipt.Status != evm.TxStatusSuccess {
		// Funds may or may not have moved; the caller must reconcile
		// against the chain, not this process's memory.
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, "collection transaction reverted", req), nil
	}
	e.transition(&cp, StateCollected, logger)

	recipient := req.Challenge.VaultRecipient()
	if e.vaultAddress == "" || recipient == "" {
		// Simple deployment: collection paid the recipient directly.
		cp.SettlementTx = collectTx
		e.transition(&cp, StateSettled, logger)
		return e.success(&cp, req, collectTx), nil
	}

	// APPROVED: ensure the vault can pull the settlement amount
	if err := e.ensureAllowance(ctx, &cp, req, value, logger); err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, err.Error(), req), nil
	}

	// SETTLED: invoke the vault's settlement entry point
	settleTx, err := e.chain.WriteContract(ctx, e.vaultAddress, evm.VaultABI, evm.FunctionSettlePayment,
		common.HexToAddress(recipient), value)
	if err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, fmt.Sprintf("failed to submit settlement: %v", err), req), nil
	}
	cp.SettlementTx = settleTx
	logger.Info("settlement submitted", "tx", settleTx, "recipient", recipient)

	receipt, err = e.chain.WaitForTransactionReceipt(ctx, settleTx)
	if err != nil {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, fmt.Sprintf("failed to confirm settlement: %v", err), req), nil
	}
	if receipt.Status != evm.TxStatusSuccess {
		return e.fail(&cp, logger, x402vault.ErrorKindTransactionFailed, "settlement transaction reverted", req), nil
	}
	e.transition(&cp, StateSettled, logger)

	return e.success(&cp, req, settleTx), nil
}

// ensureAllowance checks the facilitator-to-vault allowance and grants an
// unbounded one when it falls short of the settlement amount.
func (e *Executor) ensureAllowance(ctx context.Context, cp *Checkpoint, req *x402vault.PaymentRequest, value *big.Int, logger *slog.Logger) error {
	result, err := e.chain.ReadContract(ctx, req.Challenge.Asset, evm.ERC20AllowanceABI, evm.FunctionAllowance,
		common.HexToAddress(e.chain.Address()), common.HexToAddress(e.vaultAddress))
	if err != nil {
		return fmt.Errorf("failed to read vault allowance: %v", err)
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return fmt.Errorf("unexpected result type from allowance")
	}
	if allowance.Cmp(value) >= 0 {
		e.transition(cp, StateApproved, logger)
		return nil
	}

	approveTx, err := e.chain.WriteContract(ctx, req.Challenge.Asset, evm.ERC20ApproveABI, evm.FunctionApprove,
		common.HexToAddress(e.vaultAddress), evm.MaxUint256)
	if err != nil {
		return fmt.Errorf("failed to submit approval: %v", err)
	}
	cp.ApprovalTx = approveTx
	logger.Info("approval submitted", "tx", approveTx)

	receipt, err := e.chain.WaitForTransactionReceipt(ctx, approveTx)
	if err != nil {
		return fmt.Errorf("failed to confirm approval: %v", err)
	}
	if receipt.Status != evm.TxStatusSuccess {
		return fmt.Errorf("approval transaction reverted")
	}
	e.transition(cp, StateApproved, logger)
	return nil
}

func (e *Executor) transition(cp *Checkpoint, state State, logger *slog.Logger) {
	cp.State = state
	cp.UpdatedAt = time.Now()
	e.checkpoints.Save(*cp)
	logger.Info("payment state", "state", state)
}

func (e *Executor) success(cp *Checkpoint, req *x402vault.PaymentRequest, tx string) x402vault.PaymentResult {
	result := x402vault.PaymentResult{
		Success:     true,
		Transaction: tx,
		Payer:       req.SignedPayload.Authorization.From,
		PayTo:       req.Challenge.PayTo,
		Amount:      req.Challenge.Amount,
		Network:     req.Challenge.Network,
	}
	if cp.CollectionTx != "" && cp.CollectionTx != tx {
		result.CollectionTransaction = cp.CollectionTx
	}
	return result
}

func (e *Executor) fail(cp *Checkpoint, logger *slog.Logger, kind x402vault.ErrorKind, reason string, req *x402vault.PaymentRequest) x402vault.PaymentResult {
	cp.State = StateFailed
	cp.LastError = reason
	cp.UpdatedAt = time.Now()
	e.checkpoints.Save(*cp)
	logger.Warn("payment failed", "kind", kind, "reason", reason, "collectionTx", cp.CollectionTx)

	return x402vault.PaymentResult{
		Success:               false,
		ErrorKind:             kind,
		ErrorReason:           reason,
		CollectionTransaction: cp.CollectionTx,
		Transaction:           cp.SettlementTx,
		Payer:                 req.SignedPayload.Authorization.From,
		PayTo:                 req.Challenge.PayTo,
		Amount:                req.Challenge.Amount,
		Network:               req.Challenge.Network,
	}
}

func (e *Executor) markInFlight(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *Executor) releaseInFlight(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// settlementKey derives the in-flight dedupe key from the signed payload.
func settlementKey(signed x402vault.SignedPayload) string {
	h := sha256.New()
	h.Write([]byte(signed.Signature))
	h.Write([]byte(signed.Authorization.From))
	h.Write([]byte(signed.Authorization.Nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// settlementArgs decodes the authorization into the on-chain call
// arguments: value, window bounds, 32-byte nonce, and signature parts.
func settlementArgs(signed x402vault.SignedPayload) (value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte, err error) {
	auth := signed.Authorization

	var ok bool
	if value, ok = new(big.Int).SetString(auth.Value, 10); !ok {
		err = fmt.Errorf("invalid authorization value: %q", auth.Value)
		return
	}
	if validAfter, ok = new(big.Int).SetString(auth.ValidAfter, 10); !ok {
		err = fmt.Errorf("invalid validAfter: %q", auth.ValidAfter)
		return
	}
	if validBefore, ok = new(big.Int).SetString(auth.ValidBefore, 10); !ok {
		err = fmt.Errorf("invalid validBefore: %q", auth.ValidBefore)
		return
	}

	nonceBytes, decodeErr := evm.HexToBytes(auth.Nonce)
	if decodeErr != nil || len(nonceBytes) != 32 {
		err = fmt.Errorf("invalid authorization nonce: %q", auth.Nonce)
		return
	}
	copy(nonce[:], nonceBytes)

	signature, decodeErr := evm.HexToBytes(signed.Signature)
	if decodeErr != nil || len(signature) != 65 {
		err = fmt.Errorf("invalid signature length")
		return
	}
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])
	v = signature[64]
	if v == 0 || v == 1 {
		v += 27
	}
	return
}
