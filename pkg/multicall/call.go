package multicall

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Call is one read-only call in a batch.
type Call struct {
	Target   common.Address
	CallData []byte

	// AllowFailure lets this call revert without aborting the batch. Only V3
	// honours it per call; V2 derives a batch-wide flag from all calls.
	AllowFailure bool

	// Returns describes the return values used to decode the call's slice of
	// the aggregated response. When empty the raw bytes are returned as is.
	Returns abi.Arguments
}

// decode interprets data with c.Returns. A single return value is unwrapped,
// several are returned as []any in declaration order.
func (c Call) decode(data []byte) (any, error) {
	if len(c.Returns) == 0 {
		return bytes.Clone(data), nil
	}
	values, err := c.Returns.Unpack(data)
	if err != nil {
		return nil, err
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// OutcomeKind classifies an Outcome.
type OutcomeKind uint8

const (
	// OutcomeSuccess means the call succeeded and its return data decoded.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeReverted means the contract reverted the call.
	OutcomeReverted
	// OutcomeDecodeFailed means the call succeeded but its return data did not
	// match the declared return types.
	OutcomeDecodeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeReverted:
		return "reverted"
	case OutcomeDecodeFailed:
		return "decode_failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Outcome is the result of the call at the same position in the batch.
type Outcome struct {
	Kind OutcomeKind

	// Value is the decoded value. Nil unless Kind is OutcomeSuccess.
	Value any

	// ReturnData is the raw return data, or the revert payload when the
	// call reverted.
	ReturnData []byte

	// Err is a *CallFailure for reverted calls and a *DecodeError when
	// decoding failed.
	Err error
}

// OK reports whether the call succeeded and decoded.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// RevertReason returns the decoded revert reason for reverted calls.
func (o Outcome) RevertReason() string {
	if o.Kind != OutcomeReverted {
		return ""
	}
	return revertReason(o.ReturnData)
}

// Text returns the decoded value as a string.
func (o Outcome) Text() (string, error) {
	if !o.OK() {
		return "", o.Err
	}
	s, ok := o.Value.(string)
	if !ok {
		return "", fmt.Errorf("outcome value is %T, not string", o.Value)
	}
	return s, nil
}

// BigInt returns the decoded value as a big integer. It accepts every
// integer type the ABI decoder produces.
func (o Outcome) BigInt() (*big.Int, error) {
	if !o.OK() {
		return nil, o.Err
	}
	switch v := o.Value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int8:
		return big.NewInt(int64(v)), nil
	case int16:
		return big.NewInt(int64(v)), nil
	case int32:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("outcome value is %T, not an integer", o.Value)
	}
}

// Uint256 returns the decoded value as an unsigned 256-bit integer.
func (o Outcome) Uint256() (*uint256.Int, error) {
	b, err := o.BigInt()
	if err != nil {
		return nil, err
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("outcome value %s is negative", b)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("outcome value %s overflows uint256", b)
	}
	return u, nil
}

// Uint64 returns the decoded value as a uint64.
func (o Outcome) Uint64() (uint64, error) {
	u, err := o.Uint256()
	if err != nil {
		return 0, err
	}
	if !u.IsUint64() {
		return 0, fmt.Errorf("outcome value %s overflows uint64", u.Dec())
	}
	return u.Uint64(), nil
}
