package main

import (
	"context"
	"fmt"
	"io"
	"math/big"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/archon-research/multicall/pkg/multicall"
)

// chainRow is the aggregator's view of one network.
type chainRow struct {
	Network   string
	ChainID   string
	Block     string
	Timestamp string
	Basefee   string
	Err       error
}

func newChainCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Read chain id, block and base fee through each network's aggregator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChain(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (a *app) runChain(ctx context.Context, out io.Writer) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	version, block, err := a.batchSettings(cfg)
	if err != nil {
		return err
	}

	rows := make([]chainRow, len(cfg.Networks))
	a.eachNetwork(ctx, cfg.Networks, func(ctx context.Context, i int, n Network) {
		row := chainRow{Network: n.Name}
		s, err := a.openSession(ctx, n, cfg.Defaults, nil)
		if err == nil {
			err = a.readChain(ctx, s, &row, version, block)
			s.Close()
		}
		row.Err = err
		rows[i] = row
	})

	tbl := table.New("Network", "Chain ID", "Block", "Timestamp", "Basefee").
		WithWriter(out).
		WithHeaderFormatter(headerFmt)
	failed := 0
	for _, r := range rows {
		if r.Err != nil {
			failed++
			tbl.AddRow(r.Network, red("error"), "-", "-", red(r.Err.Error()))
			continue
		}
		tbl.AddRow(r.Network, r.ChainID, r.Block, r.Timestamp, r.Basefee)
	}
	tbl.Print()

	if failed > 0 {
		return fmt.Errorf("%d of %d networks failed", failed, len(rows))
	}
	return nil
}

func (a *app) readChain(ctx context.Context, s *session, row *chainRow, version multicall.Version, block *big.Int) error {
	batch, err := s.newBatch(ctx)
	if err != nil {
		return err
	}
	if err := batch.SetVersion(version); err != nil {
		return err
	}
	if err := batch.SetBlock(block); err != nil {
		return err
	}
	batch.WithGetChainID().
		WithGetBlockNumber().
		WithGetCurrentBlockTimestamp().
		WithGetBasefee()

	outcomes, err := s.engine.Dispatch(ctx, batch)
	if err != nil {
		return err
	}
	row.ChainID = intCell(outcomes[0])
	row.Block = intCell(outcomes[1])
	row.Timestamp = intCell(outcomes[2])
	row.Basefee = intCell(outcomes[3])
	return nil
}
