package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/archon-research/multicall/internal/adapters/outbound/telemetry"
	"github.com/archon-research/multicall/internal/pkg/env"
	"github.com/archon-research/multicall/internal/pkg/hexutil"
	"github.com/archon-research/multicall/pkg/multicall"
)

// app holds the state shared by every subcommand.
type app struct {
	configPath string
	version    int
	block      string
	strict     bool
	traceOut   bool
	parallel   int

	logger   *slog.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "multicall",
		Short:         "Batch contract reads through a Multicall aggregator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", env.Get("MULTICALL_CONFIG", "config/networks.yaml"), "Config file path")
	flags.IntVar(&a.version, "multicall-version", 0, "Aggregator version 1, 2 or 3 (0 = config default)")
	flags.StringVar(&a.block, "block", "latest", "Block number (hex or decimal) or tag")
	flags.BoolVar(&a.strict, "strict", false, "Fail when per-call failure flags cannot be honoured")
	flags.IntVar(&a.parallel, "concurrency", 4, "Maximum number of networks queried at once")
	flags.BoolVar(&a.traceOut, "trace-stdout", false, "Write spans to stderr when no OTLP endpoint is set")

	root.AddCommand(newTokensCmd(a), newChainCmd(a), newNetworksCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if a.parallel < 1 {
		return fmt.Errorf("--concurrency must be at least 1, got %d", a.parallel)
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: env.ParseLogLevel(slog.LevelInfo),
	}))

	endpoint := env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	if endpoint == "" && !a.traceOut {
		return nil
	}
	shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:  "multicall",
		OTLPEndpoint: endpoint,
		StdoutWriter: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.shutdown = shutdown
	return nil
}

// eachNetwork runs fn for every network, at most a.parallel at a time, and
// waits for all of them. fn reports failures through its own result slot so
// one network failing does not cancel the others.
func (a *app) eachNetwork(ctx context.Context, networks []Network, fn func(ctx context.Context, i int, n Network)) {
	var g errgroup.Group
	g.SetLimit(a.parallel)
	for i, n := range networks {
		g.Go(func() error {
			fn(ctx, i, n)
			return nil
		})
	}
	_ = g.Wait()
}

func (a *app) loadConfig() (*Config, error) {
	return LoadConfig(a.configPath)
}

// batchSettings resolves the version and block flags against the config.
func (a *app) batchSettings(cfg *Config) (multicall.Version, *big.Int, error) {
	n := cfg.Defaults.Version
	if a.version != 0 {
		n = a.version
	}
	version, err := multicall.ParseVersion(n)
	if err != nil {
		return 0, nil, err
	}
	block, err := hexutil.ParseBlock(a.block)
	if err != nil {
		return 0, nil, err
	}
	return version, block, nil
}
