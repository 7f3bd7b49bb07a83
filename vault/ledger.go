// Package vault implements the revenue vault ledger: tiered fee-split
// settlement, time-locked vesting, and the recipient claim operation.
// This is the Go rendition of the on-chain vault contract; the ledger is
// the system's serialization point and every entry point runs under a
// single execution lock, mirroring the contract's non-reentrant guard.
package vault

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

// Tier is a recipient's revenue tier. Higher tiers release more of each
// settlement immediately and lock the remainder for a shorter period.
type Tier uint8

const (
	Tier0     Tier = 0 // default
	Tier1     Tier = 1
	Certified Tier = 2
)

func (t Tier) String() string {
	switch t {
	case Tier0:
		return "tier0"
	case Tier1:
		return "tier1"
	case Certified:
		return "certified"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// TierConfig holds the immediate-release share and lock duration for a tier.
type TierConfig struct {
	ImmediateReleaseBps int64
	LockDuration        time.Duration
}

// BpsDenominator is the basis-points denominator for fee and split math.
const BpsDenominator = 10000

// TierConfigs maps each tier to its release/lock parameters.
var TierConfigs = map[Tier]TierConfig{
	Tier0:     {ImmediateReleaseBps: 1000, LockDuration: 15 * 24 * time.Hour},
	Tier1:     {ImmediateReleaseBps: 5000, LockDuration: 7 * 24 * time.Hour},
	Certified: {ImmediateReleaseBps: 9000, LockDuration: 24 * time.Hour},
}

// ZeroAddress is the null recipient rejected by Settle.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

var (
	ErrUnauthorized   = errors.New("vault: caller not authorized")
	ErrZeroAmount     = errors.New("vault: amount must be positive")
	ErrZeroRecipient  = errors.New("vault: recipient is the zero address")
	ErrNothingToClaim = errors.New("vault: nothing to claim")
	ErrInvalidFeeBps  = errors.New("vault: fee bps out of range")
	ErrUnknownTier    = errors.New("vault: unknown tier")
)

// TokenBackend moves the settlement asset between custody addresses. The
// ledger uses it to pull funds from the facilitator, forward protocol
// fees, and pay out claims.
type TokenBackend interface {
	TransferFrom(from, to string, amount *big.Int) error
}

// AuthorProfile is the per-recipient ledger entry. Balances never go
// negative and profiles are never deleted; balances merely return to zero.
type AuthorProfile struct {
	Tier             Tier     `json:"tier"`
	AvailableBalance *big.Int `json:"availableBalance"`
	LockedBalance    *big.Int `json:"lockedBalance"`
	UnlockTime       int64    `json:"unlockTime"` // unix seconds, meaningful only while LockedBalance > 0
}

// SettlementEvent is emitted after a successful Settle.
type SettlementEvent struct {
	Recipient    string
	GrossAmount  *big.Int
	Fee          *big.Int
	LockedAmount *big.Int
}

// ClaimEvent is emitted after a successful Claim.
type ClaimEvent struct {
	Recipient string
	Amount    *big.Int
}

// Config constructs a Ledger.
type Config struct {
	// Address is the vault's own custody address.
	Address string
	// Admin may call the tier/treasury/fee setters.
	Admin string
	// Facilitators may call Settle.
	Facilitators []string
	Treasury     string
	// ProtocolFeeBps is the initial protocol fee in basis points.
	ProtocolFeeBps int64
	Token          TokenBackend
	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Ledger owns the recipient profiles and global fee settings.
type Ledger struct {
	mu sync.Mutex // non-reentrant execution lock around Settle/Claim/admin

	address        string
	admin          string
	facilitators   map[string]bool
	treasury       string
	protocolFeeBps int64
	token          TokenBackend
	now            func() time.Time

	profiles map[string]*AuthorProfile

	settleHooks []func(SettlementEvent)
	claimHooks  []func(ClaimEvent)
}

// NewLedger creates a vault ledger from the given configuration.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.ProtocolFeeBps < 0 || cfg.ProtocolFeeBps > BpsDenominator {
		return nil, ErrInvalidFeeBps
	}
	if cfg.Token == nil {
		return nil, errors.New("vault: token backend is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	facilitators := make(map[string]bool, len(cfg.Facilitators))
	for _, f := range cfg.Facilitators {
		facilitators[normalize(f)] = true
	}
	return &Ledger{
		address:        normalize(cfg.Address),
		admin:          normalize(cfg.Admin),
		facilitators:   facilitators,
		treasury:       normalize(cfg.Treasury),
		protocolFeeBps: cfg.ProtocolFeeBps,
		token:          cfg.Token,
		now:            now,
		profiles:       make(map[string]*AuthorProfile),
	}, nil
}

// Address returns the vault's custody address.
func (l *Ledger) Address() string { return l.address }

// OnSettlement registers a hook invoked after each successful settlement.
func (l *Ledger) OnSettlement(hook func(SettlementEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settleHooks = append(l.settleHooks, hook)
}

// OnClaim registers a hook invoked after each successful claim.
func (l *Ledger) OnClaim(hook func(ClaimEvent)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimHooks = append(l.claimHooks, hook)
}

// FeeForAmount computes floor(amount * feeBps / 10000).
func FeeForAmount(amount *big.Int, feeBps int64) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(feeBps))
	return fee.Quo(fee, big.NewInt(BpsDenominator))
}

// SplitNetIncome splits net income into (toRelease, toLock) for the given
// immediate-release bps. toRelease + toLock always equals netIncome;
// rounding dust from the truncating division stays in the locked share.
func SplitNetIncome(netIncome *big.Int, immediateReleaseBps int64) (toRelease, toLock *big.Int) {
	toRelease = new(big.Int).Mul(netIncome, big.NewInt(immediateReleaseBps))
	toRelease.Quo(toRelease, big.NewInt(BpsDenominator))
	toLock = new(big.Int).Sub(netIncome, toRelease)
	return toRelease, toLock
}

// Settle credits a settlement to the recipient: pulls the gross amount
// from the caller into vault custody, forwards the protocol fee to the
// treasury, and splits the net income into an immediate release and a
// time-locked tranche per the recipient's tier.
//
// A new locked tranche overwrites the prior unlock time for the whole
// locked balance; successive tranches commingle under the latest lock.
func (l *Ledger) Settle(caller, recipient string, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.facilitators[normalize(caller)] {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if recipient == "" || normalize(recipient) == ZeroAddress {
		return ErrZeroRecipient
	}

	// Resolve the tier before any transfer so every failure path after the
	// pull is one the unwind below covers.
	profile := l.profileLocked(recipient)
	cfg, ok := TierConfigs[profile.Tier]
	if !ok {
		return ErrUnknownTier
	}

	// Pull the gross amount into custody. All-or-nothing: a fee-forward
	// failure unwinds the pull so no partial state survives.
	if err := l.token.TransferFrom(normalize(caller), l.address, amount); err != nil {
		return fmt.Errorf("vault: failed to collect settlement: %w", err)
	}

	fee := FeeForAmount(amount, l.protocolFeeBps)
	if fee.Sign() > 0 {
		if err := l.token.TransferFrom(l.address, l.treasury, fee); err != nil {
			_ = l.token.TransferFrom(l.address, normalize(caller), amount)
			return fmt.Errorf("vault: failed to forward protocol fee: %w", err)
		}
	}

	netIncome := new(big.Int).Sub(amount, fee)

	toRelease, toLock := SplitNetIncome(netIncome, cfg.ImmediateReleaseBps)

	profile.AvailableBalance.Add(profile.AvailableBalance, toRelease)
	profile.LockedBalance.Add(profile.LockedBalance, toLock)
	if toLock.Sign() > 0 {
		profile.UnlockTime = l.now().Unix() + int64(cfg.LockDuration/time.Second)
	}

	event := SettlementEvent{
		Recipient:    normalize(recipient),
		GrossAmount:  new(big.Int).Set(amount),
		Fee:          fee,
		LockedAmount: toLock,
	}
	for _, hook := range l.settleHooks {
		hook(event)
	}
	return nil
}

// Claim releases the caller's vested funds. If the lock has elapsed the
// entire locked balance vests in one step (full release, not linear).
// State is zeroed before the outbound transfer; a failed transfer
// restores it, preserving the all-or-nothing boundary.
func (l *Ledger) Claim(caller string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	profile := l.profileLocked(caller)

	if profile.LockedBalance.Sign() > 0 && l.now().Unix() >= profile.UnlockTime {
		profile.AvailableBalance.Add(profile.AvailableBalance, profile.LockedBalance)
		profile.LockedBalance = new(big.Int)
	}

	payout := new(big.Int).Set(profile.AvailableBalance)
	if payout.Sign() == 0 {
		return nil, ErrNothingToClaim
	}

	// Zero before transferring out (checks-effects-interactions)
	profile.AvailableBalance = new(big.Int)

	if err := l.token.TransferFrom(l.address, normalize(caller), payout); err != nil {
		profile.AvailableBalance = payout
		return nil, fmt.Errorf("vault: failed to pay out claim: %w", err)
	}

	event := ClaimEvent{Recipient: normalize(caller), Amount: new(big.Int).Set(payout)}
	for _, hook := range l.claimHooks {
		hook(event)
	}
	return payout, nil
}

// SetAuthorTier sets a recipient's tier. Admin only.
func (l *Ledger) SetAuthorTier(caller, recipient string, tier Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if normalize(caller) != l.admin {
		return ErrUnauthorized
	}
	if _, ok := TierConfigs[tier]; !ok {
		return ErrUnknownTier
	}
	l.profileLocked(recipient).Tier = tier
	return nil
}

// SetTreasury sets the protocol fee destination. Admin only.
func (l *Ledger) SetTreasury(caller, treasury string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if normalize(caller) != l.admin {
		return ErrUnauthorized
	}
	if treasury == "" || normalize(treasury) == ZeroAddress {
		return ErrZeroRecipient
	}
	l.treasury = normalize(treasury)
	return nil
}

// SetProtocolFeeBps sets the protocol fee in basis points. Admin only.
func (l *Ledger) SetProtocolFeeBps(caller string, bps int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if normalize(caller) != l.admin {
		return ErrUnauthorized
	}
	if bps < 0 || bps > BpsDenominator {
		return ErrInvalidFeeBps
	}
	l.protocolFeeBps = bps
	return nil
}

// Profile returns a copy of the recipient's ledger entry. Unknown
// recipients get the implicit default profile (Tier0, zero balances).
func (l *Ledger) Profile(recipient string) AuthorProfile {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.profileLocked(recipient)
	return AuthorProfile{
		Tier:             p.Tier,
		AvailableBalance: new(big.Int).Set(p.AvailableBalance),
		LockedBalance:    new(big.Int).Set(p.LockedBalance),
		UnlockTime:       p.UnlockTime,
	}
}

// profileLocked returns the live profile entry, creating the default on
// first touch. Caller must hold l.mu.
func (l *Ledger) profileLocked(recipient string) *AuthorProfile {
	key := normalize(recipient)
	if p, ok := l.profiles[key]; ok {
		return p
	}
	p := &AuthorProfile{
		Tier:             Tier0,
		AvailableBalance: new(big.Int),
		LockedBalance:    new(big.Int),
	}
	l.profiles[key] = p
	return p
}

func normalize(address string) string {
	return strings.ToLower(address)
}
