package facilitator

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/evm"
)

const (
	testNetwork      = "eip155:84532"
	testTokenAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testTokenName    = "USDC"
	testTokenVersion = "2"
	testMerchant     = "0x2222222222222222222222222222222222222222"
)

// mockChain is a scriptable ChainSigner that counts the chain reads the
// validator performs.
type mockChain struct {
	address       string
	balance       *big.Int
	nonceUsed     bool
	receiptStatus uint64
	readErr       error
	balanceErr    error

	balanceCalls int
	nonceCalls   int
	writeCalls   []string
	txCounter    int
}

func newMockChain() *mockChain {
	return &mockChain{
		address:       "0x00000000000000000000000000000000000000fa",
		balance:       big.NewInt(1000000000),
		receiptStatus: evm.TxStatusSuccess,
	}
}

func (m *mockChain) Address() string { return m.address }

func (m *mockChain) GetChainID(ctx context.Context) (*big.Int, error) {
	return evm.ChainIDBaseSepolia, nil
}

func (m *mockChain) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	m.balanceCalls++
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return new(big.Int).Set(m.balance), nil
}

func (m *mockChain) ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	switch functionName {
	case evm.FunctionAuthorizationState:
		m.nonceCalls++
		return m.nonceUsed, nil
	case evm.FunctionAllowance:
		return evm.MaxUint256, nil
	}
	return nil, fmt.Errorf("unexpected read: %s", functionName)
}

func (m *mockChain) WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error) {
	m.writeCalls = append(m.writeCalls, functionName)
	m.txCounter++
	return fmt.Sprintf("0x%064x", m.txCounter), nil
}

func (m *mockChain) WaitForTransactionReceipt(ctx context.Context, txHash string) (*evm.TransactionReceipt, error) {
	return &evm.TransactionReceipt{Status: m.receiptStatus, TxHash: txHash}, nil
}

// signedRequest builds a challenge and a genuinely signed authorization
// for a freshly generated payer key.
func signedRequest(t *testing.T, payTo string, validAfter, validBefore int64) (*x402vault.PaymentRequest, string) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	auth := x402vault.TransferAuthorization{
		From:        payer,
		To:          payTo,
		Value:       "1000000",
		ValidAfter:  fmt.Sprintf("%d", validAfter),
		ValidBefore: fmt.Sprintf("%d", validBefore),
		Nonce:       "0x0101010101010101010101010101010101010101010101010101010101010101",
	}
	signature, err := evm.SignTransferAuthorization(auth, hex.EncodeToString(crypto.FromECDSA(key)),
		evm.ChainIDBaseSepolia, testTokenAddress, testTokenName, testTokenVersion)
	require.NoError(t, err)

	return &x402vault.PaymentRequest{
		UserAddress: payer,
		Challenge: x402vault.PaymentChallenge{
			Scheme:  x402vault.SchemeExact,
			Network: testNetwork,
			Amount:  "1000000",
			Asset:   testTokenAddress,
			PayTo:   payTo,
		},
		SignedPayload: x402vault.SignedPayload{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}, payer
}

func fixedClock(unix int64) func() time.Time {
	return func() time.Time { return time.Unix(unix, 0) }
}

func TestValidateAccepts(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))
	req, payer := signedRequest(t, testMerchant, 0, 1700000600)

	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, payer, result.Payer)
	assert.Equal(t, 1, chain.balanceCalls)
	assert.Equal(t, 1, chain.nonceCalls)
}

func TestValidateExpiredWithoutChainCalls(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	// Window closed in the past
	req, _ := signedRequest(t, testMerchant, 0, 1600000000)
	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindExpired, result.Kind)
	assert.Contains(t, result.Reason, "expired")

	// The rejection is decided locally, before any RPC
	assert.Equal(t, 0, chain.balanceCalls)
	assert.Equal(t, 0, chain.nonceCalls)
}

func TestValidateWindowEdges(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	// Not yet valid
	req, _ := signedRequest(t, testMerchant, 1700000100, 1700000600)
	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindExpired, result.Kind)
	assert.Contains(t, result.Reason, "not yet valid")

	// Empty window (validAfter >= validBefore)
	req, _ = signedRequest(t, testMerchant, 1700000600, 1700000600)
	result, err = v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindExpired, result.Kind)

	// Inclusive bounds: now == validAfter and now == validBefore both pass
	req, _ = signedRequest(t, testMerchant, 1700000000, 1700000600)
	result, err = v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	req, _ = signedRequest(t, testMerchant, 0, 1700000000)
	result, err = v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.True(t, result.Valid)

	// Only the two passing cases reached the chain
	assert.Equal(t, 2, chain.balanceCalls)
}

func TestValidateMalformedWindow(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	req.SignedPayload.Authorization.ValidBefore = "soon"

	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindInvalidSignature, result.Kind)
	assert.Equal(t, 0, chain.balanceCalls)
}

func TestValidateBadSignature(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	// Tampering with the value invalidates the signature
	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	req.SignedPayload.Authorization.Value = "2000000"
	req.Challenge.Amount = "2000000"

	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindInvalidSignature, result.Kind)
	assert.Equal(t, 0, chain.balanceCalls)
}

func TestValidateInsufficientBalance(t *testing.T) {
	chain := newMockChain()
	chain.balance = big.NewInt(5)
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindInsufficientBalance, result.Kind)
	assert.Contains(t, result.Reason, "required 1000000")
	assert.Contains(t, result.Reason, "available 5")

	// Balance fails before the nonce read
	assert.Equal(t, 0, chain.nonceCalls)
}

func TestValidateNonceAlreadyUsed(t *testing.T) {
	chain := newMockChain()
	chain.nonceUsed = true
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindTransactionFailed, result.Kind)
	assert.Contains(t, result.Reason, "nonce already used")
}

func TestValidateUnsupportedNetwork(t *testing.T) {
	chain := newMockChain()
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	req.Challenge.Network = "eip155:1"

	result, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, x402vault.ErrorKindTransactionFailed, result.Kind)
	assert.Contains(t, result.Reason, "unsupported network")
}

func TestValidateRPCErrorIsAnError(t *testing.T) {
	chain := newMockChain()
	chain.balanceErr = fmt.Errorf("connection refused")
	v := NewValidator(chain).WithClock(fixedClock(1700000000))

	req, _ := signedRequest(t, testMerchant, 0, 1700000600)
	_, err := v.Validate(context.Background(), req.SignedPayload, req.Challenge)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get balance")
}
