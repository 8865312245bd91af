package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fatih/color"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
	"github.com/archon-research/multicall/pkg/ethrpc"
	"github.com/archon-research/multicall/pkg/multicall"
)

var (
	green     = color.New(color.FgGreen).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
	headerFmt = color.New(color.FgCyan, color.Underline).SprintfFunc()
)

// tokenFields are read for every token, in this order.
var tokenFields = []string{"name", "symbol", "decimals", "totalSupply"}

// tokenRow is one token's metadata on one network.
type tokenRow struct {
	Network  string
	Token    common.Address
	Name     string
	Symbol   string
	Decimals string
	Supply   string
	Balance  string
}

// networkResult is what one network's dispatch produced.
type networkResult struct {
	Network string
	Rows    []tokenRow
	Err     error
}

func newTokensCmd(a *app) *cobra.Command {
	var holder string

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Read ERC-20 metadata for the configured tokens",
		Long: `Read name, symbol, decimals and total supply of every configured token,
one aggregated call per network. Networks are queried concurrently.

Examples:
  multicall tokens
  multicall tokens --holder 0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045
  multicall tokens --multicall-version 2 --block 19000000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var account *common.Address
			if holder != "" {
				if !common.IsHexAddress(holder) {
					return fmt.Errorf("invalid holder address %q", holder)
				}
				addr := common.HexToAddress(holder)
				account = &addr
			}
			return a.runTokens(cmd.Context(), cmd.OutOrStdout(), account)
		},
	}
	cmd.Flags().StringVar(&holder, "holder", "", "Also read balanceOf for this address")
	return cmd
}

func (a *app) runTokens(ctx context.Context, out io.Writer, holder *common.Address) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	version, block, err := a.batchSettings(cfg)
	if err != nil {
		return err
	}
	cache, closeCache, err := newCache(ctx, a.logger)
	if err != nil {
		return err
	}
	defer closeCache()

	results := make([]networkResult, len(cfg.Networks))
	a.eachNetwork(ctx, cfg.Networks, func(ctx context.Context, i int, n Network) {
		rows, err := a.readTokens(ctx, n, cfg.Defaults, cache, version, block, holder)
		results[i] = networkResult{Network: n.Name, Rows: rows, Err: err}
	})

	return renderTokens(out, results, holder != nil)
}

func (a *app) readTokens(ctx context.Context, n Network, defaults Defaults, cache ethrpc.ResponseCache,
	version multicall.Version, block *big.Int, holder *common.Address) ([]tokenRow, error) {
	s, err := a.openSession(ctx, n, defaults, cache)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	batch, err := s.newBatch(ctx)
	if err != nil {
		return nil, err
	}
	if err := batch.SetVersion(version); err != nil {
		return nil, err
	}
	if err := batch.SetBlock(block); err != nil {
		return nil, err
	}

	parsed, err := abis.GetERC20ABI()
	if err != nil {
		return nil, err
	}
	tokens := make([]common.Address, len(n.Tokens))
	for i, t := range n.Tokens {
		tokens[i] = common.HexToAddress(t)
		for _, field := range tokenFields {
			batch.WithCall(tokens[i], parsed.Methods[field], true)
		}
		if holder != nil {
			batch.WithCall(tokens[i], parsed.Methods["balanceOf"], true, *holder)
		}
	}

	outcomes, err := s.engine.Dispatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	perToken := len(tokenFields)
	if holder != nil {
		perToken++
	}
	rows := make([]tokenRow, len(tokens))
	for i, token := range tokens {
		o := outcomes[i*perToken : (i+1)*perToken]
		decimals, decErr := o[2].Uint64()
		row := tokenRow{
			Network:  n.Name,
			Token:    token,
			Name:     textCell(o[0]),
			Symbol:   textCell(o[1]),
			Decimals: intCell(o[2]),
		}
		if decErr == nil {
			row.Supply = amountCell(o[3], uint8(decimals))
		} else {
			row.Supply = intCell(o[3])
		}
		if holder != nil {
			if decErr == nil {
				row.Balance = amountCell(o[4], uint8(decimals))
			} else {
				row.Balance = intCell(o[4])
			}
		}
		rows[i] = row
	}
	return rows, nil
}

func renderTokens(out io.Writer, results []networkResult, withBalance bool) error {
	columns := []any{"Network", "Token", "Name", "Symbol", "Decimals", "Total Supply"}
	if withBalance {
		columns = append(columns, "Balance")
	}
	tbl := table.New(columns...).WithWriter(out).WithHeaderFormatter(headerFmt)

	var failed []networkResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
			continue
		}
		for _, row := range r.Rows {
			cells := []any{row.Network, row.Token.Hex(), row.Name, row.Symbol, row.Decimals, row.Supply}
			if withBalance {
				cells = append(cells, row.Balance)
			}
			tbl.AddRow(cells...)
		}
	}
	tbl.Print()

	if len(failed) == 0 {
		fmt.Fprintln(out, green(fmt.Sprintf("%d networks queried.", len(results))))
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, bold("Failed networks"))
	for _, r := range failed {
		fmt.Fprintf(out, "  %s: %s\n", r.Network, red(r.Err.Error()))
	}
	return fmt.Errorf("%d of %d networks failed", len(failed), len(results))
}

func textCell(o multicall.Outcome) string {
	s, err := o.Text()
	if err != nil {
		return failureCell(o)
	}
	return s
}

func intCell(o multicall.Outcome) string {
	v, err := o.BigInt()
	if err != nil {
		return failureCell(o)
	}
	return v.String()
}

func amountCell(o multicall.Outcome, decimals uint8) string {
	v, err := o.BigInt()
	if err != nil {
		return failureCell(o)
	}
	return formatUnits(v, decimals)
}

func failureCell(o multicall.Outcome) string {
	switch o.Kind {
	case multicall.OutcomeReverted:
		if reason := o.RevertReason(); reason != "" {
			return "reverted: " + reason
		}
		return "reverted"
	case multicall.OutcomeDecodeFailed:
		return "undecodable"
	default:
		return "-"
	}
}

// formatUnits renders v scaled down by 10^decimals, trimming trailing
// zeros of the fraction.
func formatUnits(v *big.Int, decimals uint8) string {
	if decimals == 0 {
		return v.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(new(big.Int).Abs(v), scale, new(big.Int))

	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	fraction := frac.String()
	fraction = strings.Repeat("0", int(decimals)-len(fraction)) + fraction
	return sign + whole.String() + "." + strings.TrimRight(fraction, "0")
}
