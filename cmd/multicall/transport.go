package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/multicall/internal/pkg/env"
	"github.com/archon-research/multicall/pkg/cache/memory"
	"github.com/archon-research/multicall/pkg/cache/redis"
	"github.com/archon-research/multicall/pkg/ethrpc"
	"github.com/archon-research/multicall/pkg/multicall"
)

// newCache returns a Redis cache when REDIS_ADDR is set and an in-process
// cache otherwise.
func newCache(ctx context.Context, logger *slog.Logger) (ethrpc.ResponseCache, func(), error) {
	addr := env.Get("REDIS_ADDR", "")
	if addr == "" {
		return memory.NewCache(memory.DefaultMaxEntries), func() {}, nil
	}

	cfg := redis.ConfigDefaults()
	cfg.Addr = addr
	cfg.Password = env.Get("REDIS_PASSWORD", "")
	db, err := env.GetInt("REDIS_DB", cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	cfg.DB = db
	ttl, err := env.GetDuration("REDIS_CACHE_TTL", cfg.TTL)
	if err != nil {
		return nil, nil, err
	}
	cfg.TTL = ttl

	cache, err := redis.NewCache(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return cache, func() { _ = cache.Close() }, nil
}

// session is one network's engine and transport.
type session struct {
	network Network
	client  *ethrpc.Client
	engine  *multicall.Engine
}

func (a *app) openSession(ctx context.Context, n Network, defaults Defaults, cache ethrpc.ResponseCache) (*session, error) {
	chainID, err := n.chainID()
	if err != nil {
		return nil, err
	}
	logger := a.logger.With("network", n.Name)
	cfg := ethrpc.Config{
		URL:               n.URL,
		Timeout:           defaults.Timeout,
		MaxRetries:        retriesSetting(defaults.MaxRetries),
		RequestsPerSecond: n.RequestsPerSecond,
		ChainID:           chainID,
		Logger:            logger,
	}
	if n.Envelope == "" && chainID == 0 {
		// The envelope depends on the network, so ask the node first.
		if cfg.ChainID, err = fetchChainID(ctx, cfg); err != nil {
			return nil, err
		}
	}
	cfg.EnvelopeHook = envelopeHook(n.Envelope, cfg.ChainID)

	client, err := ethrpc.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var transport multicall.Transport = client
	if cache != nil {
		transport = ethrpc.NewCachingTransport(client, cache, logger)
	}

	engine, err := multicall.NewEngine(transport,
		multicall.WithLogger(logger),
		multicall.WithStrictFailureFlags(a.strict),
	)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &session{network: n, client: client, engine: engine}, nil
}

func (s *session) Close() {
	s.client.Close()
}

// newBatch binds a batch to the node's network, honouring an address
// override from the config.
func (s *session) newBatch(ctx context.Context) (*multicall.Batch, error) {
	if s.network.Multicall == "" {
		return s.engine.NewBatch(ctx)
	}
	chainID, err := s.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return multicall.NewBatch(chainID, common.HexToAddress(s.network.Multicall)), nil
}

// fetchChainID asks the node behind cfg for its chain id.
func fetchChainID(ctx context.Context, cfg ethrpc.Config) (uint64, error) {
	client, err := ethrpc.Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	return client.ChainID(ctx)
}

// retriesSetting maps the config's "0 means none" onto ethrpc's "-1 means
// none".
func retriesSetting(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

// envelopeHook picks the calldata field. Without an explicit setting the
// chain id decides.
func envelopeHook(style string, chainID uint64) ethrpc.EnvelopeHook {
	switch style {
	case "data":
		return ethrpc.DataFieldHook
	case "input":
		return nil
	default:
		return ethrpc.HookForChain(chainID)
	}
}
