package multicall

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/archon-research/multicall/internal/pkg/blockchain/abis"
)

// Field names must match the ABI tuple components after camel-casing.
type aggregateCall struct {
	Target   common.Address
	CallData []byte
}

type aggregate3Call struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// aggregateResult is the tuple returned by tryAggregate and aggregate3.
type aggregateResult struct {
	Success    bool   `json:"success"`
	ReturnData []byte `json:"returnData"`
}

func aggregatorMethod(v Version) (abi.Method, error) {
	parsed, err := abis.GetMulticall3ABI()
	if err != nil {
		return abi.Method{}, err
	}
	method, ok := parsed.Methods[v.Method()]
	if !ok {
		return abi.Method{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}
	return method, nil
}

// requireSuccess is the tryAggregate flag for calls: strict unless at least
// one call tolerates failure.
func requireSuccess(calls []Call) bool {
	for _, c := range calls {
		if c.AllowFailure {
			return false
		}
	}
	return true
}

// encode packs calls into the calldata of the version's aggregator function.
func encode(v Version, calls []Call) ([]byte, error) {
	method, err := aggregatorMethod(v)
	if err != nil {
		return nil, err
	}

	var args []any
	switch v {
	case V1:
		args = []any{toAggregateCalls(calls)}
	case V2:
		args = []any{requireSuccess(calls), toAggregateCalls(calls)}
	case V3:
		packed := make([]aggregate3Call, len(calls))
		for i, c := range calls {
			packed[i] = aggregate3Call{Target: c.Target, AllowFailure: c.AllowFailure, CallData: c.CallData}
		}
		args = []any{packed}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}

	input, err := method.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method.Name, err)
	}
	return append(append([]byte{}, method.ID...), input...), nil
}

func toAggregateCalls(calls []Call) []aggregateCall {
	out := make([]aggregateCall, len(calls))
	for i, c := range calls {
		out[i] = aggregateCall{Target: c.Target, CallData: c.CallData}
	}
	return out
}

// decode turns the aggregator response into one Outcome per call, in call
// order. It fails as a whole only when the response itself is malformed.
func decode(v Version, calls []Call, raw []byte) ([]Outcome, error) {
	method, err := aggregatorMethod(v)
	if err != nil {
		return nil, err
	}

	unpacked, err := method.Outputs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", ErrMalformedResponse, method.Name, err)
	}

	var results []aggregateResult
	switch v {
	case V1:
		if len(unpacked) != 2 {
			return nil, fmt.Errorf("%w: %s returned %d values", ErrMalformedResponse, method.Name, len(unpacked))
		}
		if _, ok := unpacked[0].(*big.Int); !ok {
			return nil, fmt.Errorf("%w: unexpected block number type %T", ErrMalformedResponse, unpacked[0])
		}
		returnData, ok := unpacked[1].([][]byte)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected return data type %T", ErrMalformedResponse, unpacked[1])
		}
		results = make([]aggregateResult, len(returnData))
		for i, data := range returnData {
			results[i] = aggregateResult{Success: true, ReturnData: data}
		}
	case V2, V3:
		if len(unpacked) != 1 {
			return nil, fmt.Errorf("%w: %s returned %d values", ErrMalformedResponse, method.Name, len(unpacked))
		}
		results, err = toAggregateResults(unpacked[0])
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, v)
	}

	if len(results) != len(calls) {
		return nil, fmt.Errorf("%w: %d results for %d calls", ErrMalformedResponse, len(results), len(calls))
	}

	outcomes := make([]Outcome, len(calls))
	for i, c := range calls {
		outcomes[i] = outcomeFor(i, c, results[i])
	}
	return outcomes, nil
}

func toAggregateResults(value any) ([]aggregateResult, error) {
	raw, ok := value.([]struct {
		Success    bool   `json:"success"`
		ReturnData []byte `json:"returnData"`
	})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type %T", ErrMalformedResponse, value)
	}
	out := make([]aggregateResult, len(raw))
	for i, r := range raw {
		out[i] = aggregateResult(r)
	}
	return out, nil
}

func outcomeFor(i int, c Call, r aggregateResult) Outcome {
	if !r.Success {
		return Outcome{
			Kind:       OutcomeReverted,
			ReturnData: r.ReturnData,
			Err:        &CallFailure{Index: i, Target: c.Target, Data: r.ReturnData},
		}
	}
	value, err := c.decode(r.ReturnData)
	if err != nil {
		return Outcome{
			Kind:       OutcomeDecodeFailed,
			ReturnData: r.ReturnData,
			Err:        &DecodeError{Index: i, Target: c.Target, Err: err},
		}
	}
	return Outcome{Kind: OutcomeSuccess, Value: value, ReturnData: r.ReturnData}
}
