package ethrpc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/archon-research/multicall/pkg/multicall"
)

// Compile-time check that CachingTransport implements multicall.Transport
var _ multicall.Transport = (*CachingTransport)(nil)

// ResponseCache stores raw eth_call results.
type ResponseCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// CachingTransport answers calls pinned to a block from a ResponseCache.
// Calls at latest always go to the wrapped transport, as do reverts, which
// are never stored.
type CachingTransport struct {
	next   multicall.Transport
	cache  ResponseCache
	logger *slog.Logger
}

// NewCachingTransport wraps next with cache.
func NewCachingTransport(next multicall.Transport, cache ResponseCache, logger *slog.Logger) *CachingTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingTransport{
		next:   next,
		cache:  cache,
		logger: logger.With("component", "ethrpc-cache"),
	}
}

func (t *CachingTransport) ChainID(ctx context.Context) (uint64, error) {
	return t.next.ChainID(ctx)
}

func (t *CachingTransport) Call(ctx context.Context, req multicall.Request) ([]byte, error) {
	if req.BlockNumber == nil {
		return t.next.Call(ctx, req)
	}

	chainID, err := t.next.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	key := CacheKey(chainID, req)

	cached, err := t.cache.Get(ctx, key)
	if err != nil {
		t.logger.Warn("cache read failed", "key", key, "error", err)
	} else if cached != nil {
		return cached, nil
	}

	out, err := t.next.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := t.cache.Set(ctx, key, bytes.Clone(out)); err != nil {
		t.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return out, nil
}

// CacheKey identifies a pinned call: chainID:block:to:keccak256(data).
func CacheKey(chainID uint64, req multicall.Request) string {
	return fmt.Sprintf("%d:%s:%s:%s", chainID, req.BlockNumber, req.To.Hex(), crypto.Keccak256Hash(req.Data).Hex())
}
