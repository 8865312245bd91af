// Package hexutil parses the numeric forms that show up in configuration and
// JSON-RPC traffic: "0x"-prefixed hex quantities and plain decimals.
package hexutil

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ParseUint64 parses a "0x"-prefixed hex string or a decimal string.
func ParseUint64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if hex, ok := cutHexPrefix(s); ok {
		if hex == "" {
			return 0, fmt.Errorf("empty hex quantity %q", s)
		}
		return strconv.ParseUint(hex, 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// ParseBlock parses a block selector. "", "latest" and "pending" return nil,
// meaning the node's latest block; anything else goes through ParseUint64.
func ParseBlock(s string) (*big.Int, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest", "pending":
		return nil, nil
	case "earliest":
		return new(big.Int), nil
	}
	n, err := ParseUint64(s)
	if err != nil {
		return nil, fmt.Errorf("invalid block %q: %w", s, err)
	}
	return new(big.Int).SetUint64(n), nil
}

func cutHexPrefix(s string) (string, bool) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:], true
	}
	return s, false
}
