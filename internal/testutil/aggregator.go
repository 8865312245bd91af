package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
)

// Multicall3Address is where NewAggregator deploys itself.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// errorSelector is the selector of Error(string).
var errorSelector = []byte{0x08, 0xc3, 0x79, 0xa0}

// Revert is returned by Contract.Call to make the call revert with Data.
type Revert struct {
	Data []byte
}

func (r *Revert) Error() string {
	if reason, err := abi.UnpackRevert(r.Data); err == nil {
		return "execution reverted: " + reason
	}
	return "execution reverted"
}

// RevertWithReason builds a Revert carrying an Error(string) payload.
func RevertWithReason(reason string) *Revert {
	return &Revert{Data: EncodeRevertReason(reason)}
}

// EncodeRevertReason ABI-encodes reason as Error(string).
func EncodeRevertReason(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		panic(fmt.Sprintf("pack revert reason: %v", err))
	}
	return append(bytes.Clone(errorSelector), packed...)
}

// Contract is a contract deployed on the simulated chain. Returning a *Revert
// reverts with its data; any other error reverts with empty data.
type Contract interface {
	Call(input []byte) ([]byte, error)
}

// ContractFunc adapts a function to Contract.
type ContractFunc func(input []byte) ([]byte, error)

func (f ContractFunc) Call(input []byte) ([]byte, error) {
	return f(input)
}

// Aggregator simulates a chain with a Multicall3 deployment. It executes
// aggregate, tryAggregate and aggregate3 with the same failure semantics as
// the deployed contract, so encoded batches can be run without a node.
type Aggregator struct {
	mu sync.RWMutex

	address     common.Address
	chainID     uint64
	blockNumber uint64
	timestamp   uint64
	basefee     *big.Int
	balances    map[common.Address]*big.Int
	contracts   map[common.Address]Contract
}

// NewAggregator creates a simulated chain at block 100 with Multicall3
// deployed at Multicall3Address.
func NewAggregator(chainID uint64) *Aggregator {
	return &Aggregator{
		address:     Multicall3Address,
		chainID:     chainID,
		blockNumber: 100,
		timestamp:   1700000000,
		basefee:     big.NewInt(1_000_000_000),
		balances:    make(map[common.Address]*big.Int),
		contracts:   make(map[common.Address]Contract),
	}
}

func (a *Aggregator) Address() common.Address {
	return a.address
}

func (a *Aggregator) ChainID() uint64 {
	return a.chainID
}

// SetBlock sets the block number and timestamp reported to calls.
func (a *Aggregator) SetBlock(number, timestamp uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blockNumber = number
	a.timestamp = timestamp
}

func (a *Aggregator) SetBasefee(fee *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.basefee = new(big.Int).Set(fee)
}

func (a *Aggregator) SetBalance(account common.Address, balance *big.Int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[account] = new(big.Int).Set(balance)
}

// Deploy places c at addr, replacing whatever was there.
func (a *Aggregator) Deploy(addr common.Address, c Contract) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contracts[addr] = c
}

// Execute runs a read-only call against the simulated chain. Calls to an
// address without code succeed with empty return data.
func (a *Aggregator) Execute(to common.Address, input []byte) ([]byte, error) {
	if to == a.address {
		return a.executeSelf(input)
	}

	a.mu.RLock()
	c, ok := a.contracts[to]
	a.mu.RUnlock()
	if !ok {
		return []byte{}, nil
	}

	out, err := c.Call(input)
	if err != nil {
		var revert *Revert
		if errors.As(err, &revert) {
			return nil, revert
		}
		return nil, &Revert{}
	}
	return out, nil
}

type aggregateResult struct {
	Success    bool
	ReturnData []byte
}

func (a *Aggregator) executeSelf(input []byte) ([]byte, error) {
	parsed, err := abis.GetMulticall3ABI()
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
	args, err := method.Inputs.Unpack(input[4:])
	if err != nil {
		return nil, &Revert{}
	}

	a.mu.RLock()
	blockNumber := new(big.Int).SetUint64(a.blockNumber)
	timestamp := new(big.Int).SetUint64(a.timestamp)
	basefee := new(big.Int).Set(a.basefee)
	chainID := new(big.Int).SetUint64(a.chainID)
	a.mu.RUnlock()

	switch method.Name {
	case "aggregate":
		calls := args[0].([]struct {
			Target   common.Address `json:"target"`
			CallData []byte         `json:"callData"`
		})
		returnData := make([][]byte, len(calls))
		for i, c := range calls {
			out, err := a.Execute(c.Target, c.CallData)
			if err != nil {
				return nil, RevertWithReason("Multicall3: call failed")
			}
			returnData[i] = out
		}
		return method.Outputs.Pack(blockNumber, returnData)

	case "tryAggregate":
		requireSuccess := args[0].(bool)
		calls := args[1].([]struct {
			Target   common.Address `json:"target"`
			CallData []byte         `json:"callData"`
		})
		results := make([]aggregateResult, len(calls))
		for i, c := range calls {
			out, err := a.Execute(c.Target, c.CallData)
			if err != nil && requireSuccess {
				return nil, RevertWithReason("Multicall3: call failed")
			}
			results[i] = toResult(out, err)
		}
		return method.Outputs.Pack(results)

	case "aggregate3":
		calls := args[0].([]struct {
			Target       common.Address `json:"target"`
			AllowFailure bool           `json:"allowFailure"`
			CallData     []byte         `json:"callData"`
		})
		results := make([]aggregateResult, len(calls))
		for i, c := range calls {
			out, err := a.Execute(c.Target, c.CallData)
			if err != nil && !c.AllowFailure {
				return nil, RevertWithReason("Multicall3: call failed")
			}
			results[i] = toResult(out, err)
		}
		return method.Outputs.Pack(results)

	case "getChainId":
		return method.Outputs.Pack(chainID)
	case "getBlockNumber":
		return method.Outputs.Pack(blockNumber)
	case "getCurrentBlockTimestamp":
		return method.Outputs.Pack(timestamp)
	case "getBasefee":
		return method.Outputs.Pack(basefee)
	case "getEthBalance":
		account := args[0].(common.Address)
		a.mu.RLock()
		balance, ok := a.balances[account]
		a.mu.RUnlock()
		if !ok {
			balance = new(big.Int)
		}
		return method.Outputs.Pack(balance)
	default:
		return nil, &Revert{}
	}
}

func toResult(out []byte, err error) aggregateResult {
	if err == nil {
		return aggregateResult{Success: true, ReturnData: out}
	}
	var revert *Revert
	if errors.As(err, &revert) {
		return aggregateResult{Success: false, ReturnData: revert.Data}
	}
	return aggregateResult{Success: false, ReturnData: []byte{}}
}
