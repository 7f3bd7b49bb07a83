package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402vault "github.com/x402-foundation/x402-vault"
	"github.com/x402-foundation/x402-vault/evm"
	"github.com/x402-foundation/x402-vault/facilitator"
	"github.com/x402-foundation/x402-vault/policy"
	"github.com/x402-foundation/x402-vault/vault"
)

const (
	facilitatorAddr  = "0x00000000000000000000000000000000000000fa"
	vaultAddr        = "0x00000000000000000000000000000000000000aa"
	treasuryAddr     = "0x00000000000000000000000000000000000000fe"
	authorAddr       = "0x1111111111111111111111111111111111111111"
	testTokenAddress = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

type serverHarness struct {
	server *Server
	policy *policy.Validator
	token  *evm.SimulatedToken
	ledger *vault.Ledger
}

func newServerHarness(t *testing.T, autoPay bool) *serverHarness {
	t.Helper()

	token := evm.NewSimulatedToken()
	ledger, err := vault.NewLedger(vault.Config{
		Address:        vaultAddr,
		Admin:          facilitatorAddr,
		Facilitators:   []string{facilitatorAddr},
		Treasury:       treasuryAddr,
		ProtocolFeeBps: 100,
		Token:          token,
	})
	require.NoError(t, err)

	chain := evm.NewSimulator(evm.SimulatorConfig{
		ChainID:      evm.ChainIDBaseSepolia,
		TokenAddress: testTokenAddress,
		TokenName:    "USDC",
		TokenVersion: "2",
		VaultAddress: vaultAddr,
		Facilitator:  facilitatorAddr,
		Token:        token,
		Ledger:       ledger,
	})

	policyValidator := policy.NewValidator(policy.NewMemoryStore(), policy.Defaults{
		MaxTransactionAmount: big.NewInt(10000000),
		DailySpendingLimit:   big.NewInt(50000000),
		AutoPayEnabled:       autoPay,
	}, nil)

	executor := facilitator.NewExecutor(chain, facilitator.NewValidator(chain),
		facilitator.NewMemoryCheckpointStore(), vaultAddr, nil)

	server := NewServer(Config{
		Executor: executor,
		Policy:   policyValidator,
		Profiles: ledger,
	})
	return &serverHarness{server: server, policy: policyValidator, token: token, ledger: ledger}
}

func (h *serverHarness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	return rec
}

func signedPaymentRequest(t *testing.T) *x402vault.PaymentRequest {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	payer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	auth := x402vault.TransferAuthorization{
		From:        payer,
		To:          facilitatorAddr,
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "99999999999",
		Nonce:       "0x0101010101010101010101010101010101010101010101010101010101010101",
	}
	signature, err := evm.SignTransferAuthorization(auth, hex.EncodeToString(crypto.FromECDSA(key)),
		evm.ChainIDBaseSepolia, testTokenAddress, "USDC", "2")
	require.NoError(t, err)

	return &x402vault.PaymentRequest{
		UserAddress: payer,
		Challenge: x402vault.PaymentChallenge{
			Scheme:   x402vault.SchemeExact,
			Network:  "eip155:84532",
			Amount:   "1000000",
			Asset:    testTokenAddress,
			PayTo:    facilitatorAddr,
			Resource: "https://api.example.com/premium",
			Extra:    map[string]interface{}{"vaultRecipient": authorAddr},
		},
		SignedPayload: x402vault.SignedPayload{
			Signature:     "0x" + hex.EncodeToString(signature),
			Authorization: auth,
		},
	}
}

func TestPayEndToEnd(t *testing.T) {
	h := newServerHarness(t, true)
	req := signedPaymentRequest(t)
	h.token.Mint(req.UserAddress, big.NewInt(1000000))

	rec := h.do(http.MethodPost, "/api/pay", req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result x402vault.PaymentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success, "reason: %s", result.ErrorReason)
	assert.NotEmpty(t, result.Transaction)

	// The settlement landed in the vault ledger
	profile := h.ledger.Profile(authorAddr)
	assert.Equal(t, int64(99000), profile.AvailableBalance.Int64())
	assert.Equal(t, int64(891000), profile.LockedBalance.Int64())

	// And the spend was recorded against the daily tally
	p, err := h.policy.Get(context.Background(), req.UserAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), p.SpentToday.Int64())
}

func TestPayRejectsMalformedBody(t *testing.T) {
	h := newServerHarness(t, true)

	rec := h.do(http.MethodPost, "/api/pay", map[string]interface{}{"userAddress": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Raw non-JSON body
	req := httptest.NewRequest(http.MethodPost, "/api/pay", bytes.NewBufferString("{{"))
	rec = httptest.NewRecorder()
	h.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayPolicyViolationIs403(t *testing.T) {
	h := newServerHarness(t, false) // no auto-pay, empty allow-list
	req := signedPaymentRequest(t)
	h.token.Mint(req.UserAddress, big.NewInt(1000000))

	rec := h.do(http.MethodPost, "/api/pay", req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var result x402vault.PaymentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, x402vault.ErrorKindPolicyViolation, result.ErrorKind)

	// Denied payments never touch the chain
	assert.Equal(t, int64(1000000), h.token.BalanceOf(req.UserAddress).Int64())
}

func TestPayExpectedFailureIs200(t *testing.T) {
	h := newServerHarness(t, true)
	req := signedPaymentRequest(t)
	// No mint: settlement fails on balance, but the request itself is fine

	rec := h.do(http.MethodPost, "/api/pay", req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result x402vault.PaymentResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, x402vault.ErrorKindInsufficientBalance, result.ErrorKind)
}

func TestPolicyEndpoints(t *testing.T) {
	h := newServerHarness(t, false)
	address := "0x4444444444444444444444444444444444444444"

	// First read creates from defaults
	rec := h.do(http.MethodGet, "/api/policy/"+address, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "10000000", view["maxTransactionAmount"])
	assert.Equal(t, false, view["autoPayEnabled"])

	// Partial update touches only the named fields
	rec = h.do(http.MethodPost, "/api/policy/"+address, map[string]interface{}{
		"dailySpendingLimit": "123456",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "123456", view["dailySpendingLimit"])
	assert.Equal(t, "10000000", view["maxTransactionAmount"])

	// Bad amounts are rejected
	rec = h.do(http.MethodPost, "/api/policy/"+address, map[string]interface{}{
		"maxTransactionAmount": "lots",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Merchant authorization
	rec = h.do(http.MethodPost, "/api/policy/"+address+"/authorize-merchant", map[string]interface{}{
		"merchant": "0x5555555555555555555555555555555555555555",
		"domain":   "api.example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Contains(t, view["authorizedMerchants"], "0x5555555555555555555555555555555555555555")
	assert.Contains(t, view["authorizedDomains"], "api.example.com")

	// Empty authorize request is a 400
	rec = h.do(http.MethodPost, "/api/policy/"+address+"/authorize-merchant", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVaultProfileEndpoint(t *testing.T) {
	h := newServerHarness(t, true)
	req := signedPaymentRequest(t)
	h.token.Mint(req.UserAddress, big.NewInt(1000000))

	rec := h.do(http.MethodPost, "/api/pay", req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/vault/"+authorAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "tier0", view["tier"])
	assert.Equal(t, "99000", view["availableBalance"])
	assert.Equal(t, "891000", view["lockedBalance"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newServerHarness(t, true)

	rec := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidatePaymentRequestBody(t *testing.T) {
	valid := signedPaymentRequest(t)
	body, err := json.Marshal(valid)
	require.NoError(t, err)
	assert.NoError(t, validatePaymentRequestBody(body))

	mutate := func(fn func(m map[string]interface{})) []byte {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &m))
		fn(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	// Missing top-level field
	assert.Error(t, validatePaymentRequestBody(mutate(func(m map[string]interface{}) {
		delete(m, "challenge")
	})))

	// Bad address pattern
	assert.Error(t, validatePaymentRequestBody(mutate(func(m map[string]interface{}) {
		m["userAddress"] = "bogus"
	})))

	// Non-numeric amount
	assert.Error(t, validatePaymentRequestBody(mutate(func(m map[string]interface{}) {
		m["challenge"].(map[string]interface{})["amount"] = "1.50"
	})))

	// Short nonce
	assert.Error(t, validatePaymentRequestBody(mutate(func(m map[string]interface{}) {
		m["signedPayload"].(map[string]interface{})["authorization"].(map[string]interface{})["nonce"] = "0x01"
	})))
}
