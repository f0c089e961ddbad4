// Package cache provides the read-through byte cache used by the
// knowledge backend. Lookups are advisory: a miss or a dead cache only
// costs a backend round trip, never correctness.
package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the operation set the engine's read-through lookups need.
type Provider interface {
	// Get returns the cached bytes for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Del drops key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider implements Provider without storing anything. It stands
// in when caching is disabled or the cache is unreachable at boot.
type NoopProvider struct{}

// Get always returns ErrCacheMiss.
func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

// Set discards the value.
func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// Del is a no-op.
func (NoopProvider) Del(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopProvider) Close() error { return nil }
