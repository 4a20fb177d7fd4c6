// Package store provides the persistence layer for the relay: a string
// key to text value store with optional per-key expiration, backed by
// SQLite.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: key not found")

// Store defines the key-value operations used throughout the relay.
// Values are opaque text; callers layer JSON on top where needed.
type Store interface {
	// Ping checks the store connection.
	Ping(ctx context.Context) error

	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put writes a value without expiration.
	Put(ctx context.Context, key, value string) error

	// PutTTL writes a value that expires after ttl.
	PutTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired rows and returns how many were deleted.
	Cleanup(ctx context.Context) (int64, error)
}
