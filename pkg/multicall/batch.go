package multicall

import (
	"bytes"
	"fmt"
	"math/big"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
)

// Batch accumulates calls for a single network. It is safe for concurrent
// use, but mutation is rejected with ErrBatchInFlight while a dispatch of the
// batch is running.
//
// The Add* methods report errors directly. The With* methods return the
// batch for chaining and record the first error, which Err and Dispatch
// report.
type Batch struct {
	mu sync.Mutex

	chainID     uint64
	address     common.Address
	deployBlock uint64

	version Version
	block   *big.Int
	calls   []Call

	err      error
	inFlight bool
}

// NewBatch creates an empty batch bound to chainID that dispatches to the
// aggregator at address, bypassing the registry.
func NewBatch(chainID uint64, address common.Address) *Batch {
	return &Batch{
		chainID: chainID,
		address: address,
		version: DefaultVersion,
	}
}

// NewBatchForChain creates an empty batch bound to chainID with the
// aggregator address taken from the registry.
func NewBatchForChain(chainID uint64) (*Batch, error) {
	d, err := Lookup(chainID)
	if err != nil {
		return nil, err
	}
	b := NewBatch(chainID, d.Address)
	b.deployBlock = d.DeployBlock
	return b, nil
}

func (b *Batch) ChainID() uint64 {
	return b.chainID
}

func (b *Batch) Address() common.Address {
	return b.address
}

func (b *Batch) Version() Version {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// SetVersion selects the encoding used by the next dispatch.
func (b *Batch) SetVersion(v Version) error {
	if !v.valid() {
		return &ConfigurationError{ChainID: b.chainID, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, uint8(v))}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight {
		return ErrBatchInFlight
	}
	b.version = v
	return nil
}

// Block returns the pinned block number, or nil for latest.
func (b *Batch) Block() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block == nil {
		return nil
	}
	return new(big.Int).Set(b.block)
}

// SetBlock pins reads to block. A nil block reads at latest.
func (b *Batch) SetBlock(block *big.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight {
		return ErrBatchInFlight
	}
	if block == nil {
		b.block = nil
		return nil
	}
	if block.Sign() < 0 {
		return &ConfigurationError{ChainID: b.chainID, Err: fmt.Errorf("negative block number %s", block)}
	}
	b.block = new(big.Int).Set(block)
	return nil
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Calls returns a copy of the accumulated calls.
func (b *Batch) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneCalls(b.calls)
}

// Err returns the first error recorded by a With* method.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Add appends call. The call data is copied.
func (b *Batch) Add(call Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight {
		return ErrBatchInFlight
	}
	b.calls = append(b.calls, cloneCall(call))
	return nil
}

// With appends call and returns b.
func (b *Batch) With(call Call) *Batch {
	return b.record(b.Add(call))
}

// AddCall packs args for method and appends the call, decoding its result
// with the method's outputs.
func (b *Batch) AddCall(target common.Address, method abi.Method, allowFailure bool, args ...any) error {
	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", method.Name, err)
	}
	return b.Add(Call{
		Target:       target,
		CallData:     append(bytes.Clone(method.ID), input...),
		AllowFailure: allowFailure,
		Returns:      method.Outputs,
	})
}

// WithCall is the chaining form of AddCall.
func (b *Batch) WithCall(target common.Address, method abi.Method, allowFailure bool, args ...any) *Batch {
	return b.record(b.AddCall(target, method, allowFailure, args...))
}

// AddGetChainID appends a call to the aggregator's getChainId, decoded as an
// unsigned integer.
func (b *Batch) AddGetChainID() error {
	return b.addAggregatorCall("getChainId")
}

// WithGetChainID is the chaining form of AddGetChainID.
func (b *Batch) WithGetChainID() *Batch {
	return b.record(b.AddGetChainID())
}

// AddGetBlockNumber appends a call returning the block the batch executes at.
func (b *Batch) AddGetBlockNumber() error {
	return b.addAggregatorCall("getBlockNumber")
}

func (b *Batch) WithGetBlockNumber() *Batch {
	return b.record(b.AddGetBlockNumber())
}

// AddGetCurrentBlockTimestamp appends a call returning the block timestamp.
func (b *Batch) AddGetCurrentBlockTimestamp() error {
	return b.addAggregatorCall("getCurrentBlockTimestamp")
}

func (b *Batch) WithGetCurrentBlockTimestamp() *Batch {
	return b.record(b.AddGetCurrentBlockTimestamp())
}

// AddGetBasefee appends a call returning the block base fee.
func (b *Batch) AddGetBasefee() error {
	return b.addAggregatorCall("getBasefee")
}

func (b *Batch) WithGetBasefee() *Batch {
	return b.record(b.AddGetBasefee())
}

// AddGetEthBalance appends a call returning the native balance of account.
func (b *Batch) AddGetEthBalance(account common.Address) error {
	return b.addAggregatorCall("getEthBalance", account)
}

func (b *Batch) WithGetEthBalance(account common.Address) *Batch {
	return b.record(b.AddGetEthBalance(account))
}

func (b *Batch) addAggregatorCall(name string, args ...any) error {
	parsed, err := abis.GetMulticall3ABI()
	if err != nil {
		return err
	}
	return b.AddCall(b.address, parsed.Methods[name], false, args...)
}

// Clear removes all calls and any recorded With* error.
func (b *Batch) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight {
		return ErrBatchInFlight
	}
	b.calls = nil
	b.err = nil
	return nil
}

func (b *Batch) record(err error) *Batch {
	if err == nil {
		return b
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	return b
}

// snapshot is the frozen view of a batch taken when a dispatch starts.
type snapshot struct {
	chainID     uint64
	address     common.Address
	deployBlock uint64
	version     Version
	block       *big.Int
	calls       []Call
}

// begin marks the batch in flight and returns its frozen state. The caller
// must call end once the dispatch is over.
func (b *Batch) begin() (snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inFlight {
		return snapshot{}, ErrBatchInFlight
	}
	if b.err != nil {
		return snapshot{}, b.err
	}
	b.inFlight = true
	snap := snapshot{
		chainID:     b.chainID,
		address:     b.address,
		deployBlock: b.deployBlock,
		version:     b.version,
		calls:       cloneCalls(b.calls),
	}
	if b.block != nil {
		snap.block = new(big.Int).Set(b.block)
	}
	return snap, nil
}

func (b *Batch) end() {
	b.mu.Lock()
	b.inFlight = false
	b.mu.Unlock()
}

func cloneCall(c Call) Call {
	c.CallData = bytes.Clone(c.CallData)
	c.Returns = slices.Clone(c.Returns)
	return c
}

func cloneCalls(calls []Call) []Call {
	out := make([]Call, len(calls))
	for i, c := range calls {
		out[i] = cloneCall(c)
	}
	return out
}
