// Package multicall batches read-only contract calls into a single call to an
// on-chain aggregator (Multicall, Multicall2 or Multicall3) and splits the
// aggregated response back into one Outcome per call.
//
// A dispatch moves through building, address resolution, encoding, the
// transport round trip and decoding, in that order. Each dispatch sends
// exactly one request through the Transport no matter how many calls the
// batch holds, and nothing is retried by the engine.
package multicall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Transport executes the aggregated call. Implementations return a
// *RevertError when the call reverted; every other error is treated as a
// transport failure.
type Transport interface {
	// ChainID reports the network the transport is connected to.
	ChainID(ctx context.Context) (uint64, error)

	// Call performs a read-only call and returns the raw return data.
	Call(ctx context.Context, req Request) ([]byte, error)
}

// Request is the single outbound call of a dispatch.
type Request struct {
	To   common.Address
	Data []byte

	// BlockNumber pins the call to a block. Nil means latest.
	BlockNumber *big.Int
}

type stage uint8

const (
	stageBuilding stage = iota
	stageAddressResolved
	stageEncoded
	stageDispatched
	stageDecoded
)

func (s stage) String() string {
	switch s {
	case stageBuilding:
		return "building"
	case stageAddressResolved:
		return "address_resolved"
	case stageEncoded:
		return "encoded"
	case stageDispatched:
		return "dispatched"
	case stageDecoded:
		return "decoded"
	default:
		return "unknown"
	}
}

type options struct {
	logger             *slog.Logger
	tracerProvider     trace.TracerProvider
	meterProvider      metric.MeterProvider
	strictFailureFlags bool
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithStrictFailureFlags makes dispatch fail with ErrAllowFailureUnsupported
// when V1 or V2 cannot honour the batch's allowFailure flags. Without it the
// engine logs a warning and dispatches anyway.
func WithStrictFailureFlags(strict bool) Option {
	return func(o *options) { o.strictFailureFlags = strict }
}

// Engine dispatches batches through a Transport. It holds no per-batch state
// and may be shared between goroutines.
type Engine struct {
	transport Transport
	logger    *slog.Logger
	strict    bool
	telemetry *telemetry
}

// NewEngine creates an engine dispatching through transport.
func NewEngine(transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	o := options{
		logger:         slog.Default(),
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	t, err := newTelemetry(o.tracerProvider, o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry: %w", err)
	}

	return &Engine{
		transport: transport,
		logger:    o.logger.With("component", "multicall"),
		strict:    o.strictFailureFlags,
		telemetry: t,
	}, nil
}

// NewBatch creates an empty batch bound to the transport's network, with the
// aggregator address taken from the registry.
func (e *Engine) NewBatch(ctx context.Context) (*Batch, error) {
	chainID, err := e.transport.ChainID(ctx)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to get chain id: %w", err)}
	}
	return NewBatchForChain(chainID)
}

// Prepared is a validated and encoded batch that has not been sent. It lets
// callers send Request themselves and decode the response with Decode.
type Prepared struct {
	Request Request

	chainID uint64
	version Version
	calls   []Call
}

func (p *Prepared) ChainID() uint64 {
	return p.chainID
}

func (p *Prepared) Version() Version {
	return p.version
}

func (p *Prepared) Len() int {
	return len(p.calls)
}

// Decode splits the aggregator's raw response into one Outcome per call.
func (p *Prepared) Decode(raw []byte) ([]Outcome, error) {
	if len(p.calls) == 0 {
		return []Outcome{}, nil
	}
	return decode(p.version, p.calls, raw)
}

// Prepare validates and encodes b without sending it. Later changes to b do
// not affect the returned value.
func (e *Engine) Prepare(ctx context.Context, b *Batch) (*Prepared, error) {
	snap, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer b.end()
	return e.prepare(ctx, snap, trace.SpanFromContext(ctx))
}

// Dispatch sends b as one aggregated call and returns an Outcome per call, in
// the order the calls were added. A whole-batch failure returns an error and
// no outcomes. An empty batch is validated like any other but sends nothing
// and returns an empty slice.
func (e *Engine) Dispatch(ctx context.Context, b *Batch) (outcomes []Outcome, err error) {
	snap, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer b.end()

	start := time.Now()
	ctx, span := e.telemetry.startDispatch(ctx, snap.chainID, snap.version, len(snap.calls))
	defer func() {
		status := dispatchStatus(err)
		e.telemetry.recordDispatch(ctx, snap.version, time.Since(start), status)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
			e.logger.Debug("multicall dispatch failed",
				"chain_id", snap.chainID,
				"version", snap.version.String(),
				"calls", len(snap.calls),
				"status", status,
				"error", err)
		} else {
			e.telemetry.recordOutcomes(ctx, snap.version, outcomes)
		}
		span.End()
	}()

	p, err := e.prepare(ctx, snap, span)
	if err != nil {
		return nil, err
	}
	if p.Len() == 0 {
		return []Outcome{}, nil
	}

	raw, err := e.transport.Call(ctx, p.Request)
	if err != nil {
		return nil, classifyCallError(snap.version, err)
	}
	span.AddEvent(stageDispatched.String())

	outcomes, err = p.Decode(raw)
	if err != nil {
		return nil, err
	}
	span.AddEvent(stageDecoded.String())

	e.logger.Debug("multicall dispatched",
		"chain_id", snap.chainID,
		"address", snap.address.Hex(),
		"version", snap.version.String(),
		"calls", len(outcomes),
		"duration", time.Since(start))

	return outcomes, nil
}

func (e *Engine) prepare(ctx context.Context, snap snapshot, span trace.Span) (*Prepared, error) {
	span.AddEvent(stageBuilding.String())
	if !snap.version.valid() {
		return nil, &ConfigurationError{ChainID: snap.chainID, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, uint8(snap.version))}
	}
	if err := e.checkFailureFlags(snap); err != nil {
		return nil, err
	}

	if snap.address == (common.Address{}) {
		return nil, &ConfigurationError{ChainID: snap.chainID, Err: ErrNotDeployed}
	}
	if snap.block != nil && snap.block.IsUint64() && snap.block.Uint64() < snap.deployBlock {
		return nil, &ConfigurationError{
			ChainID: snap.chainID,
			Err:     fmt.Errorf("%w at block %s (deployed at %d)", ErrNotDeployed, snap.block, snap.deployBlock),
		}
	}
	span.AddEvent(stageAddressResolved.String())

	active, err := e.transport.ChainID(ctx)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to get chain id: %w", err)}
	}
	if active != snap.chainID {
		return nil, &NetworkMismatchError{BatchChainID: snap.chainID, ActiveChainID: active}
	}

	p := &Prepared{
		chainID: snap.chainID,
		version: snap.version,
		calls:   snap.calls,
	}
	if len(snap.calls) == 0 {
		return p, nil
	}

	data, err := encode(snap.version, snap.calls)
	if err != nil {
		return nil, err
	}
	p.Request = Request{To: snap.address, Data: data, BlockNumber: snap.block}
	span.AddEvent(stageEncoded.String())
	return p, nil
}

// checkFailureFlags handles allowFailure flags the version cannot honour:
// V1 ignores them all, V2 only honours them when every call agrees.
func (e *Engine) checkFailureFlags(snap snapshot) error {
	tolerant := 0
	for _, c := range snap.calls {
		if c.AllowFailure {
			tolerant++
		}
	}

	var unsupported bool
	switch snap.version {
	case V1:
		unsupported = tolerant > 0
	case V2:
		unsupported = tolerant > 0 && tolerant < len(snap.calls)
	}
	if !unsupported {
		return nil
	}

	if e.strict {
		return &ConfigurationError{
			ChainID: snap.chainID,
			Err: fmt.Errorf("%w: %s with %d of %d calls allowing failure",
				ErrAllowFailureUnsupported, snap.version, tolerant, len(snap.calls)),
		}
	}
	e.logger.Warn("allow failure flags cannot be honoured by multicall version",
		"chain_id", snap.chainID,
		"version", snap.version.String(),
		"tolerant_calls", tolerant,
		"calls", len(snap.calls))
	return nil
}

func classifyCallError(v Version, err error) error {
	var revert *RevertError
	if errors.As(err, &revert) {
		reason := revertReason(revert.Data)
		if reason == "" && len(revert.Data) == 0 {
			reason = revert.Message
		}
		return &BatchRevertError{Version: v, Data: revert.Data, Reason: reason}
	}
	return &TransportError{Err: err}
}

func dispatchStatus(err error) string {
	if err == nil {
		return "success"
	}
	var (
		configErr    *ConfigurationError
		mismatchErr  *NetworkMismatchError
		revertErr    *BatchRevertError
		transportErr *TransportError
	)
	switch {
	case errors.As(err, &configErr):
		return "configuration_error"
	case errors.As(err, &mismatchErr):
		return "network_mismatch"
	case errors.As(err, &revertErr):
		return "reverted"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "error"
	}
}
