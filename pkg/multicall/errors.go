package multicall

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	// ErrNotDeployed means the registry has no aggregator for the network.
	ErrNotDeployed = errors.New("aggregator not deployed on network")

	// ErrUnsupportedVersion means the version tag is not V1, V2 or V3.
	ErrUnsupportedVersion = errors.New("unsupported multicall version")

	// ErrAllowFailureUnsupported means the batch carries allowFailure flags the
	// selected version cannot honour. Only returned in strict mode.
	ErrAllowFailureUnsupported = errors.New("per-call allow failure not supported by version")

	// ErrBatchInFlight means the batch was mutated or dispatched while a
	// dispatch of it was still running.
	ErrBatchInFlight = errors.New("batch dispatch in progress")

	// ErrMalformedResponse means the aggregator response could not be decoded
	// or did not line up with the batch.
	ErrMalformedResponse = errors.New("malformed aggregator response")
)

// ConfigurationError is returned before any request is sent when the batch
// cannot be dispatched as configured.
type ConfigurationError struct {
	ChainID uint64
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.ChainID == 0 {
		return fmt.Sprintf("multicall configuration: %v", e.Err)
	}
	return fmt.Sprintf("multicall configuration (chain %d): %v", e.ChainID, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NetworkMismatchError is returned when the batch was built for a different
// network than the one the transport is connected to.
type NetworkMismatchError struct {
	BatchChainID  uint64
	ActiveChainID uint64
}

func (e *NetworkMismatchError) Error() string {
	return fmt.Sprintf("batch bound to chain %d but transport reports chain %d", e.BatchChainID, e.ActiveChainID)
}

// TransportError wraps a failure reported by the Transport.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("multicall transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RevertError is returned by a Transport when the call it executed reverted.
type RevertError struct {
	Data    []byte
	Message string
}

func (e *RevertError) Error() string {
	if reason := revertReason(e.Data); reason != "" {
		return "execution reverted: " + reason
	}
	if e.Message != "" {
		return e.Message
	}
	return "execution reverted"
}

// BatchRevertError means the aggregated call itself reverted, so no outcomes
// were produced.
type BatchRevertError struct {
	Version Version
	Data    []byte
	Reason  string
}

func (e *BatchRevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("multicall %s batch reverted: %s", e.Version, e.Reason)
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("multicall %s batch reverted: %s", e.Version, hexutil.Encode(e.Data))
	}
	return fmt.Sprintf("multicall %s batch reverted", e.Version)
}

// CallFailure is the Err of an Outcome whose call reverted.
type CallFailure struct {
	Index  int
	Target common.Address
	Data   []byte
}

func (e *CallFailure) Error() string {
	if reason := revertReason(e.Data); reason != "" {
		return fmt.Sprintf("call %d to %s reverted: %s", e.Index, e.Target.Hex(), reason)
	}
	return fmt.Sprintf("call %d to %s reverted", e.Index, e.Target.Hex())
}

// DecodeError is the Err of an Outcome whose return data did not match the
// declared return types.
type DecodeError struct {
	Index  int
	Target common.Address
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("call %d to %s: decode return data: %v", e.Index, e.Target.Hex(), e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// revertReason decodes Error(string) and Panic(uint256) payloads. Unknown
// payloads yield "".
func revertReason(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return ""
	}
	return reason
}
