package ethrpc

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Config holds configuration for the JSON-RPC transport.
type Config struct {
	// URL is the node endpoint (http, https, ws or wss). Used by Dial only.
	URL string

	// Timeout bounds a single HTTP request. Used by Dial only.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Set to -1 to disable retries; zero selects the default.
	MaxRetries int

	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration

	// RequestsPerSecond limits outbound requests. Zero means unlimited.
	RequestsPerSecond float64

	// Burst is the rate limiter burst. Defaults to 1 when a limit is set.
	Burst int

	// ChainID, when non-zero, is reported by ChainID without asking the node.
	// Some networks report a chain id that differs from the one registries use.
	ChainID uint64

	// EnvelopeHook rewrites the eth_call call object before it is sent.
	EnvelopeHook EnvelopeHook

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	defaults := ConfigDefaults()
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
