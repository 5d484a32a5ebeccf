// Package dedupe remembers which callback messages are already being handled
// so platform redeliveries do not run the pipeline twice.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Store claims message ids for a bounded time.
type Store interface {
	// Claim returns true when key was not claimed yet (or its claim expired).
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim so a redelivery can be processed again.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a single-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if expires, ok := s.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	if len(s.claims) > 1024 {
		s.sweepLocked(now)
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, expires := range s.claims {
		if !now.Before(expires) {
			delete(s.claims, key)
		}
	}
}
