// Package store provides the shared coordination store used for job records,
// enrichment caching, and cross-process advisory locking.
package store

import (
	"context"
	"time"
)

// DefaultTimeout bounds individual store calls. The coordination store is an
// external network service; a call that exceeds this is treated as unavailable.
const DefaultTimeout = 3 * time.Second

// Store is the narrow contract every backing implementation satisfies:
// plain get/set/delete with optional expiry, an atomic set-if-not-exists for
// advisory locking, and a liveness ping.
//
// A ttl of zero or less means the entry does not expire.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or
	// its entry has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key, replacing any existing entry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX atomically writes value under key only if no live entry exists.
	// Returns true if the write happened. This is the sole cross-process
	// mutual-exclusion primitive; the resulting lock is advisory and expires
	// with the ttl.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// withTimeout derives a call-scoped context. Callers that already carry a
// deadline keep the earlier one.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
