// Package memory provides an in-memory ethrpc.ResponseCache.
//
// Entries never expire. Results pinned to a block do not change, so the only
// bound is the entry count; when it is reached the least recently used entry
// is evicted. Data is lost on process restart.
package memory

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/archon-research/multicall/pkg/ethrpc"
)

// Compile-time check that Cache implements ethrpc.ResponseCache
var _ ethrpc.ResponseCache = (*Cache)(nil)

// DefaultMaxEntries is used when NewCache is given a non-positive bound.
const DefaultMaxEntries = 10_000

// Cache is a bounded LRU response cache, safe for concurrent use.
type Cache struct {
	entries *lru.Cache[string, []byte]
}

// NewCache creates a cache holding at most maxEntries responses.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{entries: lru.NewCache[string, []byte](maxEntries)}
}

// Get returns a copy of the cached value, or nil on a miss.
func (c *Cache) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := c.entries.Get(key)
	if !ok {
		return nil, nil
	}
	return bytes.Clone(value), nil
}

// Set stores a copy of value under key. A nil value is stored as empty so
// that it still reads back as a hit.
func (c *Cache) Set(_ context.Context, key string, value []byte) error {
	stored := bytes.Clone(value)
	if stored == nil {
		stored = []byte{}
	}
	c.entries.Add(key, stored)
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}
