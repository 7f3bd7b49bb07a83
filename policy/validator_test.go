package policy

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402vault "github.com/x402-foundation/x402-vault"
)

const (
	userAddr     = "0x1111111111111111111111111111111111111111"
	merchantAddr = "0x2222222222222222222222222222222222222222"
	otherAddr    = "0x3333333333333333333333333333333333333333"
)

func testDefaults() Defaults {
	return Defaults{
		MaxTransactionAmount: big.NewInt(1000000),
		DailySpendingLimit:   big.NewInt(5000000),
	}
}

func testRequest(amount string) *x402vault.PaymentRequest {
	return &x402vault.PaymentRequest{
		UserAddress: userAddr,
		Challenge: x402vault.PaymentChallenge{
			Scheme:   x402vault.SchemeExact,
			Network:  "eip155:84532",
			Amount:   amount,
			Asset:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			PayTo:    merchantAddr,
			Resource: "https://api.example.com/premium",
		},
		SignedPayload: x402vault.SignedPayload{
			Signature: "0xabcd",
			Authorization: x402vault.TransferAuthorization{
				From:  userAddr,
				To:    merchantAddr,
				Value: amount,
			},
		},
	}
}

func newTestValidator(t *testing.T, defaults Defaults) (*Validator, *time.Time) {
	t.Helper()
	now := time.Unix(1700000000, 0)
	v := NewValidator(NewMemoryStore(), defaults, slog.Default()).WithClock(func() time.Time { return now })
	return v, &now
}

func authorize(t *testing.T, v *Validator) {
	t.Helper()
	_, err := v.Authorize(context.Background(), userAddr, merchantAddr, "")
	require.NoError(t, err)
}

func TestCheckAllowsAuthorizedMerchant(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	decision, err := v.Check(context.Background(), testRequest("100000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(4900000), decision.RemainingDaily.Int64())
}

func TestCheckDeniesUnlistedMerchant(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())

	decision, err := v.Check(context.Background(), testRequest("100000"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "not authorized")
}

func TestCheckAllowsAuthorizedDomain(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	_, err := v.Authorize(context.Background(), userAddr, "", "api.example.com")
	require.NoError(t, err)

	decision, err := v.Check(context.Background(), testRequest("100000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckAutoPayFallback(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoPayEnabled = true
	v, _ := newTestValidator(t, defaults)

	// No allow-list entries at all; auto-pay lets it through
	decision, err := v.Check(context.Background(), testRequest("100000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckPerTransactionLimit(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	decision, err := v.Check(context.Background(), testRequest("1000001"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "per-transaction limit")

	// The limit itself is allowed
	decision, err = v.Check(context.Background(), testRequest("1000000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestCheckDailyLimitAndReset(t *testing.T) {
	v, now := newTestValidator(t, testDefaults())
	authorize(t, v)
	ctx := context.Background()

	require.NoError(t, v.RecordSpend(ctx, userAddr, big.NewInt(4500000)))

	// 600000 > 500000 remaining
	decision, err := v.Check(ctx, testRequest("600000"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "daily allowance")

	// Exactly the remaining allowance passes
	decision, err = v.Check(ctx, testRequest("500000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(0), decision.RemainingDaily.Int64())

	// 24h elapsed exactly: no reset yet (strictly-greater window)
	*now = now.Add(24 * time.Hour)
	decision, err = v.Check(ctx, testRequest("600000"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// One more second and the lazy reset fires on first touch
	*now = now.Add(time.Second)
	decision, err = v.Check(ctx, testRequest("600000"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	p, err := v.Get(ctx, userAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.SpentToday.Int64())
}

func TestCheckSignerMustMatchUser(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	req := testRequest("100000")
	req.SignedPayload.Authorization.From = otherAddr

	decision, err := v.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "signer does not match")
}

func TestCheckDestinationMustMatchMerchant(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	// Authorization drains to an attacker address instead of the merchant
	req := testRequest("100000")
	req.SignedPayload.Authorization.To = otherAddr

	decision, err := v.Check(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "destination does not match")
}

func TestCheckValueMustMatchExactly(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	for _, value := range []string{"99999", "100001", "nonsense"} {
		req := testRequest("100000")
		req.SignedPayload.Authorization.Value = value

		decision, err := v.Check(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, decision.Allowed, "value=%s", value)
		assert.Contains(t, decision.Reason, "does not match challenge amount")
	}
}

func TestCheckInvalidAmount(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	authorize(t, v)

	for _, amount := range []string{"", "abc", "-5"} {
		decision, err := v.Check(context.Background(), testRequest(amount))
		require.NoError(t, err)
		assert.False(t, decision.Allowed, "amount=%q", amount)
	}
}

func TestCheckAddressesCaseInsensitive(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	_, err := v.Authorize(context.Background(), userAddr, "0x2222222222222222222222222222222222222222", "")
	require.NoError(t, err)

	req := testRequest("100000")
	req.Challenge.PayTo = "0x2222222222222222222222222222222222222222"
	req.SignedPayload.Authorization.To = "0x2222222222222222222222222222222222222222"
	req.UserAddress = "0x1111111111111111111111111111111111111111"
	req.SignedPayload.Authorization.From = "0x1111111111111111111111111111111111111111"

	decision, err := v.Check(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestSetLimitsPartialUpdate(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	ctx := context.Background()

	autoPay := true
	p, err := v.SetLimits(ctx, userAddr, big.NewInt(42), nil, &autoPay)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.MaxTransactionAmount.Int64())
	assert.Equal(t, int64(5000000), p.DailySpendingLimit.Int64())
	assert.True(t, p.AutoPayEnabled)

	// Untouched fields survive subsequent partial updates
	p, err = v.SetLimits(ctx, userAddr, nil, big.NewInt(77), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.MaxTransactionAmount.Int64())
	assert.Equal(t, int64(77), p.DailySpendingLimit.Int64())
	assert.True(t, p.AutoPayEnabled)
}

func TestRecordSpendAccumulates(t *testing.T) {
	v, _ := newTestValidator(t, testDefaults())
	ctx := context.Background()

	require.NoError(t, v.RecordSpend(ctx, userAddr, big.NewInt(100)))
	require.NoError(t, v.RecordSpend(ctx, userAddr, big.NewInt(250)))

	p, err := v.Get(ctx, userAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(350), p.SpentToday.Int64())
}
