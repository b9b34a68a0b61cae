package api

import "sync/atomic"

// TokenStore holds the single process-wide TokenPair.
// Implementations must replace the pair atomically.
type TokenStore interface {
	// Get returns the current pair and whether one is held.
	Get() (TokenPair, bool)
	// Set replaces the pair unconditionally.
	Set(pair TokenPair)
	// CompareAndSwap replaces the pair only if the held pair equals old.
	CompareAndSwap(old, new TokenPair) bool
	// Clear drops the held pair.
	Clear()
}

// MemoryTokenStore is an in-process TokenStore backed by an atomic pointer.
type MemoryTokenStore struct {
	pair atomic.Pointer[TokenPair]
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// Get returns the current pair.
func (s *MemoryTokenStore) Get() (TokenPair, bool) {
	p := s.pair.Load()
	if p == nil {
		return TokenPair{}, false
	}
	return *p, true
}

// Set replaces the pair.
func (s *MemoryTokenStore) Set(pair TokenPair) {
	p := pair
	s.pair.Store(&p)
}

// CompareAndSwap replaces the pair if the current value equals old.
// A zero old matches an empty store.
func (s *MemoryTokenStore) CompareAndSwap(old, new TokenPair) bool {
	for {
		cur := s.pair.Load()
		if cur == nil {
			if !old.IsZero() {
				return false
			}
		} else if *cur != old {
			return false
		}
		p := new
		if s.pair.CompareAndSwap(cur, &p) {
			return true
		}
	}
}

// Clear drops the pair.
func (s *MemoryTokenStore) Clear() {
	s.pair.Store(nil)
}
