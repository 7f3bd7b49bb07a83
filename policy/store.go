package policy

import (
	"context"
	"sync"
	"time"
)

// Store is the key-value abstraction over user policies, keyed by
// lower-cased address. Implementations must make Update atomic per
// address so the check-then-record spend sequence cannot race.
type Store interface {
	// Get returns the policy for an address, or nil if none exists.
	Get(ctx context.Context, address string) (*UserPolicy, error)

	// Put stores a policy, replacing any existing entry.
	Put(ctx context.Context, policy *UserPolicy) error

	// Update atomically applies fn to the policy for an address, creating
	// it from defaults when missing, and persists the result.
	Update(ctx context.Context, address string, defaults Defaults, now time.Time, fn func(*UserPolicy) error) error

	// Scan visits every stored policy. Iteration stops on the first error.
	Scan(ctx context.Context, fn func(*UserPolicy) error) error
}

// MemoryStore is the in-memory Store used by the reference deployment.
// Policies are treated as ephemeral state; a durable implementation can
// be swapped in without touching callers.
type MemoryStore struct {
	mu       sync.Mutex
	policies map[string]*UserPolicy
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]*UserPolicy)}
}

func (s *MemoryStore) Get(ctx context.Context, address string) (*UserPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[normalizeAddress(address)]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, policy *UserPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[normalizeAddress(policy.Address)] = policy.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, address string, defaults Defaults, now time.Time, fn func(*UserPolicy) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := normalizeAddress(address)
	p, ok := s.policies[key]
	if !ok {
		p = NewUserPolicy(address, defaults, now)
		s.policies[key] = p
	}
	return fn(p)
}

func (s *MemoryStore) Scan(ctx context.Context, fn func(*UserPolicy) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if err := fn(p.Clone()); err != nil {
			return err
		}
	}
	return nil
}
