package testutil

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
)

// ERC20Token is a read-only ERC-20 contract for the simulated chain.
type ERC20Token struct {
	Name        string
	Symbol      string
	Decimals    uint8
	TotalSupply *big.Int

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

// SetBalance sets the balanceOf result for owner.
func (t *ERC20Token) SetBalance(owner common.Address, balance *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances == nil {
		t.balances = make(map[common.Address]*big.Int)
	}
	t.balances[owner] = new(big.Int).Set(balance)
}

func (t *ERC20Token) Call(input []byte) ([]byte, error) {
	parsed, err := abis.GetERC20ABI()
	if err != nil {
		return nil, err
	}
	if len(input) < 4 {
		return nil, &Revert{}
	}
	method, err := parsed.MethodById(input[:4])
	if err != nil {
		return nil, &Revert{}
	}

	switch method.Name {
	case "name":
		return method.Outputs.Pack(t.Name)
	case "symbol":
		return method.Outputs.Pack(t.Symbol)
	case "decimals":
		return method.Outputs.Pack(t.Decimals)
	case "totalSupply":
		supply := t.TotalSupply
		if supply == nil {
			supply = new(big.Int)
		}
		return method.Outputs.Pack(supply)
	case "balanceOf":
		args, err := method.Inputs.Unpack(input[4:])
		if err != nil {
			return nil, &Revert{}
		}
		t.mu.RLock()
		balance, ok := t.balances[args[0].(common.Address)]
		t.mu.RUnlock()
		if !ok {
			balance = new(big.Int)
		}
		return method.Outputs.Pack(balance)
	default:
		return nil, &Revert{}
	}
}

// Reverter reverts every call with Error(Reason).
type Reverter struct {
	Reason string
}

func (r *Reverter) Call([]byte) ([]byte, error) {
	return nil, RevertWithReason(r.Reason)
}

// StaticContract returns Data for every call.
type StaticContract struct {
	Data []byte
}

func (s *StaticContract) Call([]byte) ([]byte, error) {
	return s.Data, nil
}
