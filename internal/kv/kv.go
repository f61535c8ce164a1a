// Package kv defines the shared ephemeral key-value capability used for
// timer state mirrors, finalization locks, and rate-limit counters.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps connectivity faults so callers can distinguish a
// broken store from a missing key.
var ErrUnavailable = errors.New("ephemeral store unavailable")

// NoTTL is reported by Incr when the key has no expiry set.
const NoTTL = time.Duration(-1)

// Store is the minimal contract the timer core needs from the shared
// ephemeral store. All operations are single-key and atomic.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes a value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX creates the key only if absent, with the given TTL. It
	// reports whether the key was created.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments the counter at key (creating it at 1)
	// and returns the post-increment value together with the key's
	// remaining TTL, or NoTTL when no expiry is set.
	Incr(ctx context.Context, key string) (int64, time.Duration, error)
	// Expire sets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
