package multicall

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// Multicall3Address is the deterministic deployment address used by most
	// EVM networks. Multicall3 implements aggregate and tryAggregate alongside
	// aggregate3, so one address serves all three versions.
	Multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

	zkSyncMulticall3Address = "0xF9cda624FBC7e059355ce98a31693d299FACd963"
	tronMulticall3Address   = "0x32a4F47A74a6810BD0Bf861cABAb99656A75DE9e"
)

// Deployment is a known aggregator deployment.
type Deployment struct {
	ChainID uint64
	Network string
	Address common.Address

	// DeployBlock is the first block the aggregator exists at. Zero when
	// unknown.
	DeployBlock uint64
}

var registry = buildRegistry([]Deployment{
	{ChainID: 1, Network: "mainnet", DeployBlock: 14353601},
	{ChainID: 5, Network: "goerli", DeployBlock: 6507670},
	{ChainID: 10, Network: "optimism", DeployBlock: 4286263},
	{ChainID: 25, Network: "cronos"},
	{ChainID: 56, Network: "bsc", DeployBlock: 15921452},
	{ChainID: 97, Network: "bsc-testnet"},
	{ChainID: 100, Network: "gnosis", DeployBlock: 21022491},
	{ChainID: 137, Network: "polygon", DeployBlock: 25770160},
	{ChainID: 250, Network: "fantom", DeployBlock: 33001987},
	{ChainID: 324, Network: "zksync-era", Address: common.HexToAddress(zkSyncMulticall3Address)},
	{ChainID: 1101, Network: "polygon-zkevm"},
	{ChainID: 1284, Network: "moonbeam"},
	{ChainID: 1285, Network: "moonriver"},
	{ChainID: 5000, Network: "mantle"},
	{ChainID: 8453, Network: "base", DeployBlock: 5022},
	{ChainID: 42161, Network: "arbitrum", DeployBlock: 7654707},
	{ChainID: 42170, Network: "arbitrum-nova"},
	{ChainID: 42220, Network: "celo"},
	{ChainID: 43113, Network: "avalanche-fuji"},
	{ChainID: 43114, Network: "avalanche", DeployBlock: 11907934},
	{ChainID: 59144, Network: "linea"},
	{ChainID: 80002, Network: "polygon-amoy"},
	{ChainID: 81457, Network: "blast"},
	{ChainID: 84532, Network: "base-sepolia"},
	{ChainID: 421614, Network: "arbitrum-sepolia"},
	{ChainID: 534352, Network: "scroll"},
	{ChainID: 11155111, Network: "sepolia"},
	{ChainID: 11155420, Network: "optimism-sepolia"},
	{ChainID: 728126428, Network: "tron", Address: common.HexToAddress(tronMulticall3Address)},
})

func buildRegistry(entries []Deployment) map[uint64]Deployment {
	m := make(map[uint64]Deployment, len(entries))
	for _, d := range entries {
		if d.Address == (common.Address{}) {
			d.Address = common.HexToAddress(Multicall3Address)
		}
		if _, dup := m[d.ChainID]; dup {
			panic(fmt.Sprintf("multicall: duplicate registry entry for chain %d", d.ChainID))
		}
		m[d.ChainID] = d
	}
	return m
}

// Lookup returns the aggregator deployment for chainID.
func Lookup(chainID uint64) (Deployment, error) {
	d, ok := registry[chainID]
	if !ok {
		return Deployment{}, &ConfigurationError{ChainID: chainID, Err: ErrNotDeployed}
	}
	return d, nil
}

// ResolveAddress returns the aggregator address for chainID.
func ResolveAddress(chainID uint64) (common.Address, error) {
	d, err := Lookup(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return d.Address, nil
}

// Deployments returns all known deployments ordered by chain id.
func Deployments() []Deployment {
	out := make([]Deployment, 0, len(registry))
	for _, d := range registry {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Deployment) int {
		return cmp.Compare(a.ChainID, b.ChainID)
	})
	return out
}

// SupportedChainIDs returns the chain ids with a known deployment, ascending.
func SupportedChainIDs() []uint64 {
	ids := make([]uint64, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
