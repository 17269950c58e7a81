package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store backed by go-cache. Its janitor removes entries past
// their ttl hint; maxEntries bounds the item count (0 = unbounded).
type MemoryStore struct {
	mu         sync.Mutex // serializes capacity check + write
	items      *gocache.Cache
	maxEntries int
}

// NewMemoryStore creates a MemoryStore. janitorInterval controls how often go-cache purges
// hard-expired items (0 disables the janitor).
func NewMemoryStore(maxEntries int, janitorInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		items:      gocache.New(gocache.NoExpiration, janitorInterval),
		maxEntries: maxEntries,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.items.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

// Set implements Store. Overwrites are always accepted; new keys fail with ErrStoreFull when
// the store is at capacity after expired items are dropped.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxEntries > 0 {
		if _, exists := s.items.Get(key); !exists && s.items.ItemCount() >= s.maxEntries {
			// ItemCount includes expired items the janitor has not reached yet.
			s.items.DeleteExpired()
			if s.items.ItemCount() >= s.maxEntries {
				return ErrStoreFull
			}
		}
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.items.Set(key, stored, ttl)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.items.Delete(key)
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	for k := range s.items.Items() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// Len returns the number of items, including expired ones not yet removed.
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}
