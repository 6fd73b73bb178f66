// Package store provides the durable key/value storage the reconciler
// uses to survive restarts and offline periods.
//
// Storage is a preference-ordered chain of engines: the most durable
// engine that works handles each operation, and failures fall through to
// progressively simpler engines. From the reconciler's perspective the
// chain is a single Store; per-key writes are atomic on every engine, so
// a partially-written value is never observable.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
)

// ErrNotFound is returned by Get when the key has no value.
//
// Check with errors.Is:
//
//	if errors.Is(err, store.ErrNotFound) {
//	    // treat as cache miss
//	}
var ErrNotFound = errors.New("key not found")

// Store is the asynchronous key/value contract. All operations accept a
// context and may touch disk.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set durably writes value under key. The write is atomic: readers
	// see either the old value or the new one, never a mix.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases the engine's resources.
	Close() error
}

// Chain is a Store that delegates to the first engine that succeeds,
// in preference order.
type Chain struct {
	engines []Store
	logger  *log.Logger
}

// NewChain builds a chain over the given engines, most preferred first.
// At least one engine is required.
func NewChain(logger *log.Logger, engines ...Store) (*Chain, error) {
	if len(engines) == 0 {
		return nil, fmt.Errorf("chain requires at least one engine")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Chain{engines: engines, logger: logger}, nil
}

// Get implements Store.Get. Engine failures fall through to the next
// engine; ErrNotFound only falls through if a later engine might hold a
// value written during an earlier engine's outage.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for _, engine := range c.engines {
		value, err := engine.Get(ctx, key)
		if err == nil {
			return value, nil
		}
		if errors.Is(err, ErrNotFound) {
			lastErr = err
			continue
		}
		c.logger.Printf("Engine get failed for %q, trying next: %v", key, err)
		lastErr = err
	}
	return nil, lastErr
}

// Set implements Store.Set, writing to the first engine that accepts the
// value.
func (c *Chain) Set(ctx context.Context, key string, value []byte) error {
	var lastErr error
	for _, engine := range c.engines {
		if err := engine.Set(ctx, key, value); err != nil {
			c.logger.Printf("Engine set failed for %q, trying next: %v", key, err)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all engines failed to store %q: %w", key, lastErr)
}

// Remove implements Store.Remove. The key is removed from every engine so
// a stale copy cannot resurface after an engine recovers.
func (c *Chain) Remove(ctx context.Context, key string) error {
	var lastErr error
	for _, engine := range c.engines {
		if err := engine.Remove(ctx, key); err != nil {
			c.logger.Printf("Engine remove failed for %q: %v", key, err)
			lastErr = err
		}
	}
	return lastErr
}

// Close closes every engine, returning the first error encountered.
func (c *Chain) Close() error {
	var firstErr error
	for _, engine := range c.engines {
		if err := engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
