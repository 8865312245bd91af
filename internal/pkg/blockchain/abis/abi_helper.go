// Package abis holds the compiled-in ABI definitions used by the multicall
// engine, its tests and the CLI.
package abis

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func ParseABI(abiJSON string) (*abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// cached parses abiJSON once and hands out the same *abi.ABI afterwards.
// The parsed value is treated as read-only by every caller.
func cached(name, abiJSON string) func() (*abi.ABI, error) {
	return sync.OnceValues(func() (*abi.ABI, error) {
		parsed, err := ParseABI(abiJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s ABI: %w", name, err)
		}
		return parsed, nil
	})
}
