package cache

import (
	"context"
	"errors"
	"time"
)

// ErrStoreFull is returned by a Store when it cannot accept a write for lack of capacity.
var ErrStoreFull = errors.New("cache store full")

// Store is the namespaced key-value backend behind WeatherCache. Values are opaque bytes.
// The ttl passed to Set is a hard-expiry hint; backends may honour it or ignore it, since
// WeatherCache checks freshness itself on every read.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}
