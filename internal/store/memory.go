package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemStore is an in-process Store with the same TTL semantics as the
// networked implementation. It backs tests and single-process deployments.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// Fault, when set, is consulted before every operation and its error
	// returned as ErrUnavailable. Test hook for the failure-path suites.
	Fault func(op, key string) error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]memEntry)}
}

func (s *MemStore) fault(op, key string) error {
	if s.Fault == nil {
		return nil
	}
	if err := s.Fault(op, key); err != nil {
		return wrapUnavailable(op, err)
	}
	return nil
}

func (s *MemStore) live(e memEntry) bool {
	return e.expiresAt.IsZero() || time.Now().Before(e.expiresAt)
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.fault("get", key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !s.live(e) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements Store.
func (s *MemStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.fault("set", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return nil
}

// SetNX implements Store.
func (s *MemStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := s.fault("setnx", key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && s.live(e) {
		return false, nil
	}
	s.entries[key] = memEntry{value: value, expiresAt: deadline(ttl)}
	return true, nil
}

// Delete implements Store.
func (s *MemStore) Delete(ctx context.Context, key string) error {
	if err := s.fault("delete", key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Ping implements Store.
func (s *MemStore) Ping(ctx context.Context) error {
	return s.fault("ping", "")
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
