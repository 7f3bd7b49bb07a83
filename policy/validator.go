package policy

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"time"

	x402vault "github.com/x402-foundation/x402-vault"
)

// Decision is the structured outcome of a policy check. RemainingDaily is
// the post-spend projection when the payment is allowed.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	RemainingDaily *big.Int `json:"-"`
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Validator enforces the spending policy ahead of the payment executor.
// It never records spend; RecordSpend is called separately once the
// on-chain settlement has actually succeeded.
type Validator struct {
	store    Store
	defaults Defaults
	now      func() time.Time
	logger   *slog.Logger
}

// NewValidator creates a policy validator over a store.
func NewValidator(store Store, defaults Defaults, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:    store,
		defaults: defaults,
		now:      time.Now,
		logger:   logger,
	}
}

// WithClock overrides the validator's clock, for tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Check runs the ordered policy checks against a payment request. The
// only state it touches is the lazy daily reset, which fires on first
// touch after the window elapses regardless of the check outcome.
func (v *Validator) Check(ctx context.Context, req *x402vault.PaymentRequest) (Decision, error) {
	amount, ok := new(big.Int).SetString(req.Challenge.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return deny(fmt.Sprintf("invalid challenge amount: %q", req.Challenge.Amount)), nil
	}

	now := v.now()
	decision := Decision{}
	err := v.store.Update(ctx, req.UserAddress, v.defaults, now, func(p *UserPolicy) error {
		p.MaybeResetDaily(now)
		decision = v.checkLocked(p, req, amount, now)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("policy store: %w", err)
	}
	return decision, nil
}

func (v *Validator) checkLocked(p *UserPolicy, req *x402vault.PaymentRequest, amount *big.Int, now time.Time) Decision {
	// 1. Merchant authorization: allow-listed address, allow-listed
	// resource domain, or the auto-pay trust fallback.
	merchant := normalizeAddress(req.Challenge.PayTo)
	domain := resourceDomain(req.Challenge.Resource)
	switch {
	case p.AuthorizedMerchants[merchant]:
	case domain != "" && p.AuthorizedDomains[domain]:
	case p.AutoPayEnabled:
		// The fallback effectively disables the allow-list; keep it loud.
		v.logger.Warn("auto-pay fallback authorized unlisted merchant",
			"user", p.Address,
			"merchant", merchant,
			"resource", req.Challenge.Resource)
	default:
		return deny(fmt.Sprintf("merchant %s is not authorized", req.Challenge.PayTo))
	}

	// 2. Per-transaction limit
	if amount.Cmp(p.MaxTransactionAmount) > 0 {
		return deny(fmt.Sprintf("amount exceeds per-transaction limit of %s", p.MaxTransactionAmount))
	}

	// 3. Daily allowance (already lazily reset by the caller)
	remaining := new(big.Int).Sub(p.DailySpendingLimit, p.SpentToday)
	if remaining.Sign() < 0 {
		remaining = new(big.Int)
	}
	if amount.Cmp(remaining) > 0 {
		return deny(fmt.Sprintf("amount exceeds remaining daily allowance of %s (limit %s)", remaining, p.DailySpendingLimit))
	}

	// 4. The authorization must be signed by the requesting user
	if !x402vault.EqualAddress(req.SignedPayload.Authorization.From, req.UserAddress) {
		return deny("authorization signer does not match requesting user")
	}

	// 5. The authorization must pay the challenged merchant
	if !x402vault.EqualAddress(req.SignedPayload.Authorization.To, req.Challenge.PayTo) {
		return deny("authorization destination does not match merchant address")
	}

	// 6. The authorization value must match the challenge exactly
	authValue, ok := new(big.Int).SetString(req.SignedPayload.Authorization.Value, 10)
	if !ok || authValue.Cmp(amount) != 0 {
		return deny(fmt.Sprintf("authorization value %q does not match challenge amount %q",
			req.SignedPayload.Authorization.Value, req.Challenge.Amount))
	}

	return Decision{
		Allowed:        true,
		RemainingDaily: new(big.Int).Sub(remaining, amount),
	}
}

// RecordSpend adds a settled amount to the user's daily tally. Called only
// after the on-chain settlement succeeds; the re-check and increment run
// atomically inside the store's per-address update.
func (v *Validator) RecordSpend(ctx context.Context, address string, amount *big.Int) error {
	now := v.now()
	return v.store.Update(ctx, address, v.defaults, now, func(p *UserPolicy) error {
		p.MaybeResetDaily(now)
		p.SpentToday.Add(p.SpentToday, amount)
		return nil
	})
}

// Get returns the user's policy, creating it from defaults on first
// lookup, with the lazy daily reset applied.
func (v *Validator) Get(ctx context.Context, address string) (*UserPolicy, error) {
	now := v.now()
	var snapshot *UserPolicy
	err := v.store.Update(ctx, address, v.defaults, now, func(p *UserPolicy) error {
		p.MaybeResetDaily(now)
		snapshot = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// SetLimits applies a partial policy update. Nil fields are left
// untouched. Returns the updated policy snapshot.
func (v *Validator) SetLimits(ctx context.Context, address string, maxTransaction, dailyLimit *big.Int, autoPay *bool) (*UserPolicy, error) {
	now := v.now()
	var snapshot *UserPolicy
	err := v.store.Update(ctx, address, v.defaults, now, func(p *UserPolicy) error {
		p.MaybeResetDaily(now)
		if maxTransaction != nil {
			p.MaxTransactionAmount = new(big.Int).Set(maxTransaction)
		}
		if dailyLimit != nil {
			p.DailySpendingLimit = new(big.Int).Set(dailyLimit)
		}
		if autoPay != nil {
			p.AutoPayEnabled = *autoPay
		}
		snapshot = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Authorize adds a merchant address and/or resource domain to the user's
// allow-lists. Empty arguments are skipped. Returns the updated snapshot.
func (v *Validator) Authorize(ctx context.Context, address, merchant, domain string) (*UserPolicy, error) {
	now := v.now()
	var snapshot *UserPolicy
	err := v.store.Update(ctx, address, v.defaults, now, func(p *UserPolicy) error {
		if merchant != "" {
			p.AuthorizeMerchant(merchant)
		}
		if domain != "" {
			p.AuthorizeDomain(domain)
		}
		snapshot = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// resourceDomain extracts the host from a resource URL, or "" when the
// resource is an opaque path.
func resourceDomain(resource string) string {
	u, err := url.Parse(resource)
	if err != nil {
		return ""
	}
	return normalizeAddress(u.Hostname())
}
