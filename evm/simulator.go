package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/vault"
)

// SimulatedToken is an in-process EIP-3009 token ledger: balances,
// allowances, and per-authorizer nonce state. It backs the simulator's
// token contract and doubles as the vault's TokenBackend.
type SimulatedToken struct {
	mu         sync.Mutex
	balances   map[string]*big.Int
	allowances map[string]*big.Int // owner|spender
	nonceUsed  map[string]bool     // authorizer|nonce
}

// NewSimulatedToken creates an empty token ledger.
func NewSimulatedToken() *SimulatedToken {
	return &SimulatedToken{
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		nonceUsed:  make(map[string]bool),
	}
}

// Mint credits an address, for test and demo setup.
func (t *SimulatedToken) Mint(address string, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creditLocked(address, amount)
}

// BalanceOf returns the current balance of an address.
func (t *SimulatedToken) BalanceOf(address string) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(address))
}

// TransferFrom moves funds between addresses. This is the trusted custody
// move used by the vault ledger; ERC-20 allowance checks happen at the
// simulator's contract dispatch layer, not here.
func (t *SimulatedToken) TransferFrom(from, to string, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	balance := t.balanceLocked(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance: have %s, need %s", balance, amount)
	}
	balance.Sub(balance, amount)
	t.creditLocked(to, amount)
	return nil
}

// NonceUsed reports whether an authorization nonce has been consumed.
func (t *SimulatedToken) NonceUsed(authorizer string, nonce [32]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonceUsed[nonceKey(authorizer, nonce)]
}

func (t *SimulatedToken) balanceLocked(address string) *big.Int {
	key := strings.ToLower(address)
	if b, ok := t.balances[key]; ok {
		return b
	}
	b := new(big.Int)
	t.balances[key] = b
	return b
}

func (t *SimulatedToken) creditLocked(address string, amount *big.Int) {
	b := t.balanceLocked(address)
	b.Add(b, amount)
}

func nonceKey(authorizer string, nonce [32]byte) string {
	return strings.ToLower(authorizer) + "|" + hex.EncodeToString(nonce[:])
}

func allowanceKey(owner, spender string) string {
	return strings.ToLower(owner) + "|" + strings.ToLower(spender)
}

// SimulatorConfig constructs a Simulator.
type SimulatorConfig struct {
	ChainID      *big.Int
	TokenAddress string
	TokenName    string
	TokenVersion string
	VaultAddress string
	// Facilitator is the operating address whose transactions the
	// simulator signs.
	Facilitator string
	Token       *SimulatedToken
	Ledger      *vault.Ledger
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Simulator implements ChainSigner entirely in-process: an EIP-3009 token
// contract and the vault contract, dispatched by address and function
// name. Reverted calls mine a transaction with a failed receipt, the same
// shape the executor sees on a real chain.
type Simulator struct {
	mu sync.Mutex

	chainID      *big.Int
	tokenAddress string
	tokenName    string
	tokenVersion string
	vaultAddress string
	facilitator  string

	token  *SimulatedToken
	ledger *vault.Ledger
	now    func() time.Time

	receipts  map[string]*TransactionReceipt
	txCounter uint64
}

// NewSimulator creates a simulated chain backend.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Simulator{
		chainID:      cfg.ChainID,
		tokenAddress: strings.ToLower(cfg.TokenAddress),
		tokenName:    cfg.TokenName,
		tokenVersion: cfg.TokenVersion,
		vaultAddress: strings.ToLower(cfg.VaultAddress),
		facilitator:  cfg.Facilitator,
		token:        cfg.Token,
		ledger:       cfg.Ledger,
		now:          now,
		receipts:     make(map[string]*TransactionReceipt),
	}
}

// Address returns the facilitator's operating address.
func (s *Simulator) Address() string { return s.facilitator }

// GetChainID returns the simulated chain id.
func (s *Simulator) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// GetBalance returns the token balance of an address.
func (s *Simulator) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if strings.ToLower(tokenAddress) != s.tokenAddress {
		return nil, fmt.Errorf("unknown token contract: %s", tokenAddress)
	}
	return s.token.BalanceOf(address), nil
}

// ReadContract dispatches view calls to the simulated contracts.
func (s *Simulator) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch strings.ToLower(address) {
	case s.tokenAddress:
		return s.readToken(functionName, args...)
	case s.vaultAddress:
		return s.readVault(functionName, args...)
	default:
		return nil, fmt.Errorf("unknown contract: %s", address)
	}
}

func (s *Simulator) readToken(functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case FunctionAuthorizationState:
		authorizer, ok1 := args[0].(common.Address)
		nonce, ok2 := args[1].([32]byte)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("authorizationState: bad argument types")
		}
		return s.token.NonceUsed(authorizer.Hex(), nonce), nil
	case FunctionBalanceOf:
		account, ok := args[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("balanceOf: bad argument type")
		}
		return s.token.BalanceOf(account.Hex()), nil
	case FunctionAllowance:
		owner, ok1 := args[0].(common.Address)
		spender, ok2 := args[1].(common.Address)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("allowance: bad argument types")
		}
		s.token.mu.Lock()
		defer s.token.mu.Unlock()
		if a, ok := s.token.allowances[allowanceKey(owner.Hex(), spender.Hex())]; ok {
			return new(big.Int).Set(a), nil
		}
		return new(big.Int), nil
	default:
		return nil, fmt.Errorf("token: unknown function %s", functionName)
	}
}

func (s *Simulator) readVault(functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case FunctionGetAuthorProfile:
		recipient, ok := args[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("getAuthorProfile: bad argument type")
		}
		p := s.ledger.Profile(recipient.Hex())
		return []interface{}{
			uint8(p.Tier),
			new(big.Int).Set(p.AvailableBalance),
			new(big.Int).Set(p.LockedBalance),
			big.NewInt(p.UnlockTime),
		}, nil
	default:
		return nil, fmt.Errorf("vault: unknown function %s", functionName)
	}
}

// WriteContract executes a state-changing call. The returned hash always
// has a receipt; reverts surface as receipts with a failed status.
func (s *Simulator) WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	var err error
	switch strings.ToLower(address) {
	case s.tokenAddress:
		err = s.writeToken(functionName, args...)
	case s.vaultAddress:
		err = s.writeVault(functionName, args...)
	default:
		return "", fmt.Errorf("unknown contract: %s", address)
	}

	status := uint64(TxStatusSuccess)
	if err != nil {
		status = TxStatusFailed
	}
	return s.mineReceipt(status), nil
}

func (s *Simulator) writeToken(functionName string, args ...interface{}) error {
	switch functionName {
	case FunctionTransferWithAuthorization:
		return s.transferWithAuthorization(args...)
	case FunctionApprove:
		spender, ok1 := args[0].(common.Address)
		amount, ok2 := args[1].(*big.Int)
		if !ok1 || !ok2 {
			return fmt.Errorf("approve: bad argument types")
		}
		s.token.mu.Lock()
		defer s.token.mu.Unlock()
		s.token.allowances[allowanceKey(s.facilitator, spender.Hex())] = new(big.Int).Set(amount)
		return nil
	default:
		return fmt.Errorf("token: unknown function %s", functionName)
	}
}

// transferWithAuthorization enforces the EIP-3009 contract rules: validity
// window, single-use nonce, signature over the typed data, and balance.
func (s *Simulator) transferWithAuthorization(args ...interface{}) error {
	if len(args) != 9 {
		return fmt.Errorf("transferWithAuthorization: want 9 args, got %d", len(args))
	}
	from, ok1 := args[0].(common.Address)
	to, ok2 := args[1].(common.Address)
	value, ok3 := args[2].(*big.Int)
	validAfter, ok4 := args[3].(*big.Int)
	validBefore, ok5 := args[4].(*big.Int)
	nonce, ok6 := args[5].([32]byte)
	v, ok7 := args[6].(uint8)
	r, ok8 := args[7].([32]byte)
	sVal, ok9 := args[8].([32]byte)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 || !ok8 || !ok9 {
		return fmt.Errorf("transferWithAuthorization: bad argument types")
	}

	now := big.NewInt(s.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return fmt.Errorf("authorization not yet valid")
	}
	if now.Cmp(validBefore) > 0 {
		return fmt.Errorf("authorization expired")
	}
	if s.token.NonceUsed(from.Hex(), nonce) {
		return fmt.Errorf("authorization nonce already used")
	}

	authorization := x402vault.TransferAuthorization{
		From:        from.Hex(),
		To:          to.Hex(),
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       "0x" + hex.EncodeToString(nonce[:]),
	}
	signature := make([]byte, 65)
	copy(signature[0:32], r[:])
	copy(signature[32:64], sVal[:])
	signature[64] = v

	valid, _, err := VerifyTransferAuthorization(authorization, signature, s.chainID, s.tokenAddress, s.tokenName, s.tokenVersion)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("invalid authorization signature")
	}

	// The transfer and the nonce consumption are one atomic transaction on
	// a real token; a reverted transfer leaves the authorization replayable.
	if err := s.token.TransferFrom(from.Hex(), to.Hex(), value); err != nil {
		return err
	}
	s.token.mu.Lock()
	s.token.nonceUsed[nonceKey(from.Hex(), nonce)] = true
	s.token.mu.Unlock()
	return nil
}

func (s *Simulator) writeVault(functionName string, args ...interface{}) error {
	switch functionName {
	case FunctionSettlePayment:
		recipient, ok1 := args[0].(common.Address)
		amount, ok2 := args[1].(*big.Int)
		if !ok1 || !ok2 {
			return fmt.Errorf("settlePayment: bad argument types")
		}
		if err := s.spendAllowance(s.facilitator, s.vaultAddress, amount); err != nil {
			return err
		}
		return s.ledger.Settle(s.facilitator, recipient.Hex(), amount)
	case FunctionClaimRevenue:
		_, err := s.ledger.Claim(s.facilitator)
		return err
	default:
		return fmt.Errorf("vault: unknown function %s", functionName)
	}
}

func (s *Simulator) spendAllowance(owner, spender string, amount *big.Int) error {
	s.token.mu.Lock()
	defer s.token.mu.Unlock()
	key := allowanceKey(owner, spender)
	allowance, ok := s.token.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient allowance")
	}
	// Unbounded allowances are not decremented, matching ERC-20 practice
	if allowance.Cmp(MaxUint256) < 0 {
		allowance.Sub(allowance, amount)
	}
	return nil
}

// WaitForTransactionReceipt returns the receipt mined for a hash.
func (s *Simulator) WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipt, ok := s.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction: %s", txHash)
	}
	return receipt, nil
}

func (s *Simulator) mineReceipt(status uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCounter++
	hash := fmt.Sprintf("0x%064x", s.txCounter)
	s.receipts[hash] = &TransactionReceipt{
		Status:      status,
		BlockNumber: s.txCounter,
		TxHash:      hash,
	}
	return hash
}
