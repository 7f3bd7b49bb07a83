// Package policy enforces the facilitator's per-user spending policy:
// merchant allow-lists, per-transaction and daily limits, and the spend
// ledger with its lazy daily reset.
package policy

import (
	"math/big"
	"strings"
	"time"
)

// ResetWindow is how long a daily spend tally stands before the next
// touch resets it.
const ResetWindow = 24 * time.Hour

// UserPolicy is the facilitator-owned spending policy for one address.
// Created lazily with defaults on first lookup; the daily counter resets
// the first time it is touched after the reset window elapses, not on a
// background timer.
type UserPolicy struct {
	Address              string
	MaxTransactionAmount *big.Int
	DailySpendingLimit   *big.Int
	SpentToday           *big.Int
	LastReset            time.Time
	AuthorizedMerchants  map[string]bool
	AuthorizedDomains    map[string]bool
	AutoPayEnabled       bool
}

// Defaults seed newly created policies.
type Defaults struct {
	MaxTransactionAmount *big.Int
	DailySpendingLimit   *big.Int
	// AutoPayEnabled, when true, lets payments through to any merchant
	// that is not on the allow-list. Off unless explicitly configured;
	// see the validator's warning log when it takes effect.
	AutoPayEnabled bool
}

// NewUserPolicy creates a policy for an address from the defaults.
func NewUserPolicy(address string, defaults Defaults, now time.Time) *UserPolicy {
	return &UserPolicy{
		Address:              strings.ToLower(address),
		MaxTransactionAmount: new(big.Int).Set(defaults.MaxTransactionAmount),
		DailySpendingLimit:   new(big.Int).Set(defaults.DailySpendingLimit),
		SpentToday:           new(big.Int),
		LastReset:            now,
		AuthorizedMerchants:  make(map[string]bool),
		AuthorizedDomains:    make(map[string]bool),
		AutoPayEnabled:       defaults.AutoPayEnabled,
	}
}

// MaybeResetDaily applies the lazy daily reset: if the reset window has
// elapsed since the last reset, the tally returns to zero and the reset
// timestamp advances. Reports whether a reset happened.
func (p *UserPolicy) MaybeResetDaily(now time.Time) bool {
	if now.Sub(p.LastReset) <= ResetWindow {
		return false
	}
	p.SpentToday = new(big.Int)
	p.LastReset = now
	return true
}

// RemainingDaily returns the zero-floored remaining daily allowance after
// applying the lazy reset.
func (p *UserPolicy) RemainingDaily(now time.Time) *big.Int {
	p.MaybeResetDaily(now)
	remaining := new(big.Int).Sub(p.DailySpendingLimit, p.SpentToday)
	if remaining.Sign() < 0 {
		return new(big.Int)
	}
	return remaining
}

// AuthorizeMerchant adds a merchant address to the allow-list.
func (p *UserPolicy) AuthorizeMerchant(merchant string) {
	p.AuthorizedMerchants[strings.ToLower(merchant)] = true
}

// AuthorizeDomain adds a resource domain to the allow-list.
func (p *UserPolicy) AuthorizeDomain(domain string) {
	p.AuthorizedDomains[strings.ToLower(domain)] = true
}

func normalizeAddress(address string) string {
	return strings.ToLower(address)
}

// Clone returns a deep copy, so stores can hand out snapshots without
// aliasing live big.Int state.
func (p *UserPolicy) Clone() *UserPolicy {
	merchants := make(map[string]bool, len(p.AuthorizedMerchants))
	for k, v := range p.AuthorizedMerchants {
		merchants[k] = v
	}
	domains := make(map[string]bool, len(p.AuthorizedDomains))
	for k, v := range p.AuthorizedDomains {
		domains[k] = v
	}
	return &UserPolicy{
		Address:              p.Address,
		MaxTransactionAmount: new(big.Int).Set(p.MaxTransactionAmount),
		DailySpendingLimit:   new(big.Int).Set(p.DailySpendingLimit),
		SpentToday:           new(big.Int).Set(p.SpentToday),
		LastReset:            p.LastReset,
		AuthorizedMerchants:  merchants,
		AuthorizedDomains:    domains,
		AutoPayEnabled:       p.AutoPayEnabled,
	}
}
