// Package ethrpc implements multicall.Transport over a go-ethereum JSON-RPC
// client. It owns everything the engine leaves to the transport: retries
// with backoff, client-side rate limiting, reshaping the eth_call envelope
// and telling reverts apart from transport failures.
package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/archon-research/multicall/internal/pkg/retry"
	"github.com/archon-research/multicall/pkg/multicall"
)

// Compile-time check that Client implements multicall.Transport
var _ multicall.Transport = (*Client)(nil)

// revertErrorCode is the JSON-RPC error code geth uses for reverted calls.
const revertErrorCode = 3

// errLimiterWait marks a request that never left because the rate limiter
// could not admit it before the context ended.
var errLimiterWait = errors.New("rate limiter wait failed")

// Client is a multicall.Transport backed by an rpc.Client.
type Client struct {
	rpc       *rpc.Client
	ownsRPC   bool
	config    Config
	logger    *slog.Logger
	limiter   *rate.Limiter
	telemetry *telemetry

	mu      sync.Mutex
	chainID uint64
}

// Dial connects to config.URL and returns a client that closes the
// connection on Close.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("URL is required")
	}
	config.applyDefaults()

	rpcClient, err := rpc.DialOptions(ctx, config.URL,
		rpc.WithHTTPClient(&http.Client{Timeout: config.Timeout}))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", redactURL(config.URL), err)
	}

	c, err := NewClient(rpcClient, config)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	c.ownsRPC = true
	return c, nil
}

// NewClient wraps an existing rpc.Client. The caller keeps ownership of it.
func NewClient(rpcClient *rpc.Client, config Config) (*Client, error) {
	if rpcClient == nil {
		return nil, errors.New("rpc client is required")
	}
	config.applyDefaults()

	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	t, err := newTelemetry(mp)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry: %w", err)
	}

	c := &Client{
		rpc:       rpcClient,
		config:    config,
		logger:    config.Logger.With("component", "ethrpc"),
		telemetry: t,
		chainID:   config.ChainID,
	}
	if config.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst)
	}
	return c, nil
}

// ChainID returns the configured chain id, or asks the node once and caches
// the answer.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != 0 {
		return cached, nil
	}

	result, err := doRequest(ctx, c, "eth_chainId", func() (hexutil.Uint64, error) {
		var id hexutil.Uint64
		err := c.rpc.CallContext(ctx, &id, "eth_chainId")
		return id, err
	})
	if err != nil {
		return 0, fmt.Errorf("eth_chainId failed: %w", err)
	}

	c.mu.Lock()
	c.chainID = uint64(result)
	c.mu.Unlock()
	return uint64(result), nil
}

// Call performs eth_call. A reverted call is returned as
// *multicall.RevertError carrying the revert data.
func (c *Client) Call(ctx context.Context, req multicall.Request) ([]byte, error) {
	envelope := Envelope{
		"to":    req.To,
		"input": hexutil.Bytes(req.Data),
	}
	if c.config.EnvelopeHook != nil {
		envelope = c.config.EnvelopeHook(envelope)
	}
	block := toBlockNumArg(req.BlockNumber)

	result, err := doRequest(ctx, c, "eth_call", func() (hexutil.Bytes, error) {
		var out hexutil.Bytes
		err := c.rpc.CallContext(ctx, &out, "eth_call", envelope, block)
		return out, err
	})
	if err != nil {
		if revert, ok := asRevert(err); ok {
			return nil, revert
		}
		return nil, fmt.Errorf("eth_call failed: %w", err)
	}
	return result, nil
}

// Close releases the connection if the client was created by Dial.
func (c *Client) Close() {
	if c.ownsRPC {
		c.rpc.Close()
	}
}

// doRequest runs fn under the client's rate limiter and retry policy and
// records request metrics.
func doRequest[T any](ctx context.Context, c *Client, method string, fn func() (T, error)) (T, error) {
	start := time.Now()
	cfg := retry.Config{
		MaxRetries:     c.config.MaxRetries,
		InitialBackoff: c.config.InitialBackoff,
		MaxBackoff:     c.config.MaxBackoff,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
	onRetry := func(attempt int, err error, backoff time.Duration) {
		c.telemetry.recordRetry(ctx, method)
		c.logger.Warn("rpc request failed, retrying",
			"method", method,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
	}

	result, err := retry.Do(ctx, cfg, isRetryable, onRetry, func() (T, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				var zero T
				return zero, fmt.Errorf("%w: %w", errLimiterWait, err)
			}
		}
		return fn()
	})
	c.telemetry.recordRequest(ctx, method, time.Since(start), requestStatus(err))
	return result, err
}

func toBlockNumArg(number *big.Int) string {
	if number == nil || number.Sign() < 0 {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}

// isRetryable treats rate limiting, 5xx responses and connection failures as
// transient. JSON-RPC errors returned by the node, reverts included, are not,
// and neither is a limiter wait that cannot fit in the context deadline.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errLimiterWait) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	return true
}

func asRevert(err error) (*multicall.RevertError, bool) {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return nil, false
	}
	if rpcErr.ErrorCode() != revertErrorCode && !strings.Contains(strings.ToLower(rpcErr.Error()), "revert") {
		return nil, false
	}

	revert := &multicall.RevertError{Message: rpcErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(s); decErr == nil {
				revert.Data = data
			}
		}
	}
	return revert, true
}

func requestStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, retry.ErrExhausted):
		return "exhausted"
	}
	if _, ok := asRevert(err); ok {
		return "reverted"
	}
	return "error"
}

// redactURL drops the path and query, where providers put API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<invalid url>"
	}
	return u.Scheme + "://" + u.Host
}
