package main

import (
	"fmt"
	"io"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/archon-research/multicall/pkg/multicall"
)

func newNetworksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List networks with a known aggregator deployment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return renderDeployments(cmd.OutOrStdout(), multicall.Deployments())
		},
	}
}

func renderDeployments(out io.Writer, deployments []multicall.Deployment) error {
	tbl := table.New("Chain ID", "Network", "Aggregator", "Deploy Block").
		WithWriter(out).
		WithHeaderFormatter(headerFmt)
	for _, d := range deployments {
		deployBlock := "-"
		if d.DeployBlock != 0 {
			deployBlock = fmt.Sprintf("%d", d.DeployBlock)
		}
		tbl.AddRow(d.ChainID, d.Network, d.Address.Hex(), deployBlock)
	}
	tbl.Print()
	return nil
}
