package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/archon-research/multicall/internal/pkg/hexutil"
	"github.com/archon-research/multicall/pkg/multicall"
)

// Config is the root of the CLI configuration file.
type Config struct {
	Networks []Network `yaml:"networks"`
	Defaults Defaults  `yaml:"defaults"`
}

// Network is one RPC endpoint and the tokens to query on it.
type Network struct {
	Name string `yaml:"name"`

	// URL supports ${VAR} expansion.
	URL string `yaml:"url"`

	// ChainID overrides the id reported by the node. Hex or decimal.
	ChainID string `yaml:"chain_id,omitempty"`

	// Multicall overrides the registry address.
	Multicall string `yaml:"multicall,omitempty"`

	// Envelope selects the eth_call calldata field: "input" (default) or
	// "data". Left empty, Tron networks get "data".
	Envelope string `yaml:"envelope,omitempty"`

	RequestsPerSecond float64  `yaml:"requests_per_second,omitempty"`
	Tokens            []string `yaml:"tokens"`
}

// Defaults apply to every network.
type Defaults struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	Version    int           `yaml:"version"`
}

// LoadConfig reads path, expands environment variables and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Networks) == 0 {
		return errors.New("at least one network is required")
	}
	if c.Defaults.Timeout == 0 {
		c.Defaults.Timeout = 30 * time.Second
	}
	if c.Defaults.MaxRetries < 0 {
		return errors.New("defaults.max_retries must be >= 0")
	}
	if c.Defaults.Version == 0 {
		c.Defaults.Version = int(multicall.DefaultVersion)
	}
	if _, err := multicall.ParseVersion(c.Defaults.Version); err != nil {
		return fmt.Errorf("defaults.version: %w", err)
	}

	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if n.Name == "" {
			return errors.New("network name is required")
		}
		if seen[n.Name] {
			return fmt.Errorf("network %s: duplicate name", n.Name)
		}
		seen[n.Name] = true

		if err := n.validate(); err != nil {
			return fmt.Errorf("network %s: %w", n.Name, err)
		}
	}
	return nil
}

func (n Network) validate() error {
	u, err := url.Parse(n.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid url (missing host)")
	}

	if _, err := n.chainID(); err != nil {
		return err
	}
	if n.Multicall != "" && !common.IsHexAddress(n.Multicall) {
		return fmt.Errorf("invalid multicall address %q", n.Multicall)
	}
	switch n.Envelope {
	case "", "input", "data":
	default:
		return fmt.Errorf("invalid envelope %q (expected input or data)", n.Envelope)
	}
	for _, token := range n.Tokens {
		if !common.IsHexAddress(token) {
			return fmt.Errorf("invalid token address %q", token)
		}
	}
	return nil
}

// chainID returns the configured override, or zero when the node should be
// asked.
func (n Network) chainID() (uint64, error) {
	if n.ChainID == "" {
		return 0, nil
	}
	id, err := hexutil.ParseUint64(n.ChainID)
	if err != nil {
		return 0, fmt.Errorf("invalid chain_id %q: %w", n.ChainID, err)
	}
	return id, nil
}
