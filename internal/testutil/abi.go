package testutil

import (
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
)

// ERC20Method returns the named method of the ERC-20 ABI.
func ERC20Method(name string) (abi.Method, error) {
	parsed, err := abis.GetERC20ABI()
	if err != nil {
		return abi.Method{}, err
	}
	method, ok := parsed.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("erc20 ABI has no method %q", name)
	}
	return method, nil
}

// MustERC20Method is ERC20Method for tests.
func MustERC20Method(t *testing.T, name string) abi.Method {
	t.Helper()
	method, err := ERC20Method(name)
	if err != nil {
		t.Fatalf("loading ERC20 method: %v", err)
	}
	return method
}

// Multicall3Method returns the named method of the aggregator ABI.
func Multicall3Method(t *testing.T, name string) abi.Method {
	t.Helper()
	parsed, err := abis.GetMulticall3ABI()
	if err != nil {
		t.Fatalf("loading multicall3 ABI: %v", err)
	}
	method, ok := parsed.Methods[name]
	if !ok {
		t.Fatalf("multicall3 ABI has no method %q", name)
	}
	return method
}
