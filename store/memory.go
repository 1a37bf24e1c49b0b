package store

import (
	"context"
	"sync"
	"time"

	rtypes "github.com/syscall-sdk/relayer/types"
)

type pendingEntry struct {
	tokenID string
	expires time.Time
}

// MemoryStore is a lock-guarded in-process AuthorizationStore.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]pendingEntry
	used    map[string]time.Time

	usedRetention time.Duration
	now           func() time.Time
}

var _ AuthorizationStore = (*MemoryStore)(nil)

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithUsedRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.usedRetention = d }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		pending:       make(map[string]pendingEntry),
		used:          make(map[string]time.Time),
		usedRetention: DefaultUsedRetention,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, paymentRef, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if _, ok := s.used[paymentRef]; ok {
		return rtypes.Errorf(rtypes.ErrCodeAlreadyConsumed, "payment %s was already dispatched", paymentRef)
	}
	s.pending[paymentRef] = pendingEntry{tokenID: tokenID, expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, paymentRef, tokenID string) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweepLocked(now)

	if e, ok := s.pending[paymentRef]; ok && e.tokenID == tokenID {
		delete(s.pending, paymentRef)
		s.used[paymentRef] = now.Add(s.usedRetention)
		return Claimed, nil
	}
	if _, ok := s.used[paymentRef]; ok {
		return AlreadyUsed, nil
	}
	return NotPending, nil
}

func (s *MemoryStore) Revoke(_ context.Context, paymentRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, paymentRef)
	return nil
}

// Len returns the number of live authorizations.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.now())
	return len(s.pending)
}

func (s *MemoryStore) Close() error { return nil }

// sweepLocked evicts expired entries. Callers hold s.mu.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for ref, e := range s.pending {
		if !now.Before(e.expires) {
			delete(s.pending, ref)
		}
	}
	for ref, until := range s.used {
		if !now.Before(until) {
			delete(s.used, ref)
		}
	}
}
