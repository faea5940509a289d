// Package store provides the scoped durable key-value store the event queue
// persists its snapshots to. One writer owns one key; backends are
// interchangeable (in-memory, sqlite file, redis).
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no value exists under the key.
	ErrNotFound = errors.New("store: key not found")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")
)

// Store is a durable key-value store scoped to this relay instance.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key, replacing any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases backend resources. Safe to call more than once.
	Close() error
}
