package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExp is memcached's limit for relative expirations; larger values are read as
// absolute unix times.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedStore implements Store using memcached. Memcached cannot enumerate keys, so Keys
// answers from an index of the keys this process has written.
type MemcachedStore struct {
	client *memcache.Client

	mu    sync.Mutex
	index map[string]struct{}
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client, index: make(map[string]struct{})}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Store. Returns false, nil on cache miss; false, err on error.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item, err := s.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			s.forget(key)
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Store. Out-of-memory and not-stored replies map to ErrStoreFull.
func (s *MemcachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expSec := int32(ttl.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	err := s.client.Set(&memcache.Item{Key: key, Value: value, Expiration: expSec})
	if err != nil {
		if errors.Is(err, memcache.ErrNotStored) || strings.Contains(err.Error(), "out of memory") {
			return ErrStoreFull
		}
		return err
	}
	s.mu.Lock()
	s.index[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *MemcachedStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.forget(key)
	if err := s.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return err
	}
	return nil
}

// Keys implements Store from the local write index.
func (s *MemcachedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemcachedStore) forget(key string) {
	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
