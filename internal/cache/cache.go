package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is the fast, expiring result cache in front of the record store.
// It is best-effort only: entries can vanish at any time and absence proves
// nothing. The record store stays authoritative.
type Cache struct {
	inner      *ristretto.Cache[string, []byte]
	defaultTTL time.Duration
}

// New creates a cache sized for roughly maxEntries result snapshots.
func New(maxEntries int64, defaultTTL time.Duration) (*Cache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Entries count 1 each; results are small JSON documents and eviction
		// precision matters less than TTL behavior here.
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache{inner: inner, defaultTTL: defaultTTL}, nil
}

func (c *Cache) Get(identity string) ([]byte, bool) {
	return c.inner.Get(identity)
}

// Set stores value under the default TTL. Last writer wins; the cache is
// never the basis for correctness.
func (c *Cache) Set(identity string, value []byte) {
	c.SetWithTTL(identity, value, c.defaultTTL)
}

func (c *Cache) SetWithTTL(identity string, value []byte, ttl time.Duration) {
	c.inner.SetWithTTL(identity, value, 1, ttl)
}

func (c *Cache) Invalidate(identity string) {
	c.inner.Del(identity)
}

// Wait blocks until buffered writes are applied. Tests use it to make Sets
// visible before asserting on Gets.
func (c *Cache) Wait() {
	c.inner.Wait()
}

func (c *Cache) Close() {
	c.inner.Close()
}
