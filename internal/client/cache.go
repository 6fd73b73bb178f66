package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aScriptingOreo/soulmap-sub001/internal/location"
	"github.com/aScriptingOreo/soulmap-sub001/internal/client/store"
)

// DefaultCacheKey is the store key holding the cached dataset.
const DefaultCacheKey = "locations"

// CacheEntry is the durable unit the reconciler persists: the content
// hash of the raw server dataset paired with the filtered records. It is
// the sole source of truth when operating offline.
type CacheEntry struct {
	ContentHash string            `json:"contentHash"`
	Records     []location.Record `json:"records"`
}

// loadCache reads the cache entry, returning ErrStore-wrapped failures
// and store.ErrNotFound passthrough for misses.
func loadCache(ctx context.Context, s store.Store, key string) (*CacheEntry, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		// A corrupt entry is as good as no entry.
		return nil, fmt.Errorf("%w: corrupt cache entry: %v", ErrStore, err)
	}
	if entry.ContentHash == "" {
		return nil, fmt.Errorf("%w: cache entry missing content hash", ErrStore)
	}

	return &entry, nil
}

// saveCache persists the cache entry atomically under key.
func saveCache(ctx context.Context, s store.Store, key string, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}
