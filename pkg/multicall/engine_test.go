package multicall_test

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/archon-research/multicall/internal/testutil"
	"github.com/archon-research/multicall/pkg/multicall"
)

var (
	usdcAddr     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	wethAddr     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	reverterAddr = common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	garbageAddr  = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	holderAddr   = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

var usdcSupply, _ = new(big.Int).SetString("26000000000000000", 10)

func newTransport(chainID uint64) *testutil.MockTransport {
	transport := testutil.NewMockTransport(chainID)
	transport.Aggregator.Deploy(usdcAddr, &testutil.ERC20Token{
		Name:        "USD Coin",
		Symbol:      "USDC",
		Decimals:    6,
		TotalSupply: usdcSupply,
	})
	transport.Aggregator.Deploy(wethAddr, &testutil.ERC20Token{
		Name:        "Wrapped Ether",
		Symbol:      "WETH",
		Decimals:    18,
		TotalSupply: big.NewInt(3_000_000),
	})
	transport.Aggregator.Deploy(reverterAddr, &testutil.Reverter{Reason: "not allowed"})
	transport.Aggregator.Deploy(garbageAddr, &testutil.StaticContract{Data: []byte{0x01}})
	return transport
}

func newEngine(t *testing.T, transport multicall.Transport, opts ...multicall.Option) *multicall.Engine {
	t.Helper()
	opts = append([]multicall.Option{multicall.WithLogger(testutil.DiscardLogger())}, opts...)
	engine, err := multicall.NewEngine(transport, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func newBatch(t *testing.T, engine *multicall.Engine) *multicall.Batch {
	t.Helper()
	batch, err := engine.NewBatch(context.Background())
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	return batch
}

// --- Test: construction ---

func TestNewEngine_RequiresTransport(t *testing.T) {
	if _, err := multicall.NewEngine(nil); err == nil {
		t.Fatal("expected error for nil transport, got nil")
	}
}

func TestEngineNewBatch_BindsTransportNetwork(t *testing.T) {
	engine := newEngine(t, newTransport(137))
	batch := newBatch(t, engine)

	if batch.ChainID() != 137 {
		t.Errorf("expected chain id 137, got %d", batch.ChainID())
	}
	if batch.Address() != common.HexToAddress(multicall.Multicall3Address) {
		t.Errorf("expected Multicall3 address, got %s", batch.Address().Hex())
	}
	if batch.Version() != multicall.V3 {
		t.Errorf("expected default version v3, got %s", batch.Version())
	}
}

func TestEngineNewBatch_UnknownNetwork(t *testing.T) {
	engine := newEngine(t, newTransport(999_999))

	_, err := engine.NewBatch(context.Background())
	var cfgErr *multicall.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if !errors.Is(err, multicall.ErrNotDeployed) {
		t.Errorf("expected ErrNotDeployed, got %v", err)
	}
	if cfgErr.ChainID != 999_999 {
		t.Errorf("expected chain id 999999 in error, got %d", cfgErr.ChainID)
	}
}

func TestEngineNewBatch_ChainIDFailure(t *testing.T) {
	transport := newTransport(1)
	transport.ChainIDFn = func(context.Context) (uint64, error) {
		return 0, errors.New("dial tcp: connection refused")
	}
	engine := newEngine(t, transport)

	_, err := engine.NewBatch(context.Background())
	var transportErr *multicall.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

// --- Test: dispatch ---

func TestDispatch_TokenMetadata(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)

	batch.
		WithCall(wethAddr, testutil.MustERC20Method(t, "name"), false).
		WithCall(wethAddr, testutil.MustERC20Method(t, "decimals"), false).
		WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(wethAddr, testutil.MustERC20Method(t, "totalSupply"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(outcomes) != 4 {
		t.Fatalf("expected 4 outcomes, got %d", len(outcomes))
	}

	if name, err := outcomes[0].Text(); err != nil || name != "Wrapped Ether" {
		t.Errorf("expected name Wrapped Ether, got %q (%v)", name, err)
	}
	if decimals, err := outcomes[1].Uint64(); err != nil || decimals != 18 {
		t.Errorf("expected 18 decimals, got %d (%v)", decimals, err)
	}
	if symbol, err := outcomes[2].Text(); err != nil || symbol != "WETH" {
		t.Errorf("expected symbol WETH, got %q (%v)", symbol, err)
	}
	supply, err := outcomes[3].Uint256()
	if err != nil || supply.Uint64() != 3_000_000 {
		t.Errorf("expected supply 3000000, got %v (%v)", supply, err)
	}

	if transport.Calls() != 1 {
		t.Errorf("expected exactly 1 transport call, got %d", transport.Calls())
	}
}

func TestDispatch_LargeIntegers(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)
	batch.WithCall(usdcAddr, testutil.MustERC20Method(t, "totalSupply"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	supply, err := outcomes[0].BigInt()
	if err != nil || supply.Cmp(usdcSupply) != 0 {
		t.Errorf("expected supply %s, got %v (%v)", usdcSupply, supply, err)
	}
}

func TestDispatch_SameValuesAcrossVersions(t *testing.T) {
	transport := newTransport(10)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)

	batch.
		WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(wethAddr, testutil.MustERC20Method(t, "decimals"), false).
		WithGetChainID()
	if err := batch.Err(); err != nil {
		t.Fatalf("building batch failed: %v", err)
	}

	for _, v := range []multicall.Version{multicall.V1, multicall.V2, multicall.V3} {
		t.Run(v.String(), func(t *testing.T) {
			if err := batch.SetVersion(v); err != nil {
				t.Fatalf("SetVersion failed: %v", err)
			}
			outcomes, err := engine.Dispatch(context.Background(), batch)
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if symbol, _ := outcomes[0].Text(); symbol != "WETH" {
				t.Errorf("expected WETH, got %q", symbol)
			}
			if decimals, _ := outcomes[1].Uint64(); decimals != 18 {
				t.Errorf("expected 18 decimals, got %d", decimals)
			}
			if chainID, _ := outcomes[2].Uint64(); chainID != 10 {
				t.Errorf("expected chain id 10, got %d", chainID)
			}
		})
	}

	if transport.Calls() != 3 {
		t.Errorf("expected one transport call per dispatch, got %d", transport.Calls())
	}
}

func TestDispatch_V3PartialFailure(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)

	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), true).
		WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if !outcomes[0].OK() || !outcomes[2].OK() {
		t.Errorf("expected neighbours to succeed, got %s and %s", outcomes[0].Kind, outcomes[2].Kind)
	}
	if outcomes[1].Kind != multicall.OutcomeReverted {
		t.Fatalf("expected reverted outcome, got %s", outcomes[1].Kind)
	}
	if reason := outcomes[1].RevertReason(); reason != "not allowed" {
		t.Errorf("expected revert reason 'not allowed', got %q", reason)
	}
	var failure *multicall.CallFailure
	if !errors.As(outcomes[1].Err, &failure) || failure.Index != 1 || failure.Target != reverterAddr {
		t.Errorf("expected CallFailure for call 1, got %v", outcomes[1].Err)
	}
}

func TestDispatch_V3StrictCallRevertsBatch(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)

	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), true).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	var revertErr *multicall.BatchRevertError
	if !errors.As(err, &revertErr) {
		t.Fatalf("expected BatchRevertError, got %v", err)
	}
	if outcomes != nil {
		t.Errorf("expected no outcomes, got %d", len(outcomes))
	}
	if revertErr.Version != multicall.V3 {
		t.Errorf("expected version v3, got %s", revertErr.Version)
	}
}

func TestDispatch_V1RevertsWholeBatch(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)
	if err := batch.SetVersion(multicall.V1); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}

	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	var revertErr *multicall.BatchRevertError
	if !errors.As(err, &revertErr) {
		t.Fatalf("expected BatchRevertError, got %v", err)
	}
	if revertErr.Reason != "Multicall3: call failed" {
		t.Errorf("expected aggregator revert reason, got %q", revertErr.Reason)
	}
	if outcomes != nil {
		t.Errorf("expected no outcomes, got %d", len(outcomes))
	}
}

func TestDispatch_V2TolerantBatch(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)
	if err := batch.SetVersion(multicall.V2); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}

	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), true).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), true)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !outcomes[0].OK() {
		t.Errorf("expected first call to succeed, got %v", outcomes[0].Err)
	}
	if outcomes[1].Kind != multicall.OutcomeReverted {
		t.Errorf("expected second call reverted, got %s", outcomes[1].Kind)
	}
}

func TestDispatch_V2StrictBatchReverts(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)
	if err := batch.SetVersion(multicall.V2); err != nil {
		t.Fatalf("SetVersion failed: %v", err)
	}

	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), false)

	_, err := engine.Dispatch(context.Background(), batch)
	var revertErr *multicall.BatchRevertError
	if !errors.As(err, &revertErr) {
		t.Fatalf("expected BatchRevertError, got %v", err)
	}
}

func TestDispatch_UnsupportedFailureFlags(t *testing.T) {
	tests := []struct {
		name         string
		version      multicall.Version
		allowFailure []bool
	}{
		{"v1 with tolerant call", multicall.V1, []bool{false, true}},
		{"v2 with mixed flags", multicall.V2, []bool{true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Run("strict", func(t *testing.T) {
				transport := newTransport(1)
				engine := newEngine(t, transport, multicall.WithStrictFailureFlags(true))
				batch := newBatch(t, engine)
				_ = batch.SetVersion(tt.version)
				for _, f := range tt.allowFailure {
					batch.WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), f)
				}

				_, err := engine.Dispatch(context.Background(), batch)
				var cfgErr *multicall.ConfigurationError
				if !errors.As(err, &cfgErr) || !errors.Is(err, multicall.ErrAllowFailureUnsupported) {
					t.Fatalf("expected ConfigurationError wrapping ErrAllowFailureUnsupported, got %v", err)
				}
				if transport.Calls() != 0 {
					t.Errorf("expected no transport call, got %d", transport.Calls())
				}
			})

			t.Run("lenient", func(t *testing.T) {
				recorder, logger := testutil.NewLogRecorder()
				transport := newTransport(1)
				engine := newEngine(t, transport, multicall.WithLogger(logger))
				batch := newBatch(t, engine)
				_ = batch.SetVersion(tt.version)
				for _, f := range tt.allowFailure {
					batch.WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), f)
				}

				outcomes, err := engine.Dispatch(context.Background(), batch)
				if err != nil {
					t.Fatalf("expected dispatch to proceed, got %v", err)
				}
				if len(outcomes) != len(tt.allowFailure) {
					t.Errorf("expected %d outcomes, got %d", len(tt.allowFailure), len(outcomes))
				}

				warnings := recorder.Records(slog.LevelWarn)
				if len(warnings) != 1 {
					t.Fatalf("expected one warning, got %d: %+v", len(warnings), warnings)
				}
				w := warnings[0]
				if got := w.Attrs["version"].String(); got != tt.version.String() {
					t.Errorf("expected version %s, got %s", tt.version, got)
				}
				if got := w.Attrs["tolerant_calls"].Int64(); got != 1 {
					t.Errorf("expected tolerant_calls 1, got %d", got)
				}
				if got := w.Attrs["component"].String(); got != "multicall" {
					t.Errorf("expected component multicall, got %q", got)
				}
			})
		})
	}
}

func TestDispatch_HonouredFailureFlagsDoNotWarn(t *testing.T) {
	tests := []struct {
		name         string
		version      multicall.Version
		allowFailure []bool
	}{
		{"v3 mixed flags", multicall.V3, []bool{true, false}},
		{"v2 all tolerant", multicall.V2, []bool{true, true}},
		{"v2 all strict", multicall.V2, []bool{false, false}},
		{"v1 all strict", multicall.V1, []bool{false, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder, logger := testutil.NewLogRecorder()
			engine := newEngine(t, newTransport(1), multicall.WithLogger(logger))
			batch := newBatch(t, engine)
			_ = batch.SetVersion(tt.version)
			for _, f := range tt.allowFailure {
				batch.WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), f)
			}

			if _, err := engine.Dispatch(context.Background(), batch); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if warnings := recorder.Records(slog.LevelWarn); len(warnings) != 0 {
				t.Errorf("expected no warnings, got %+v", warnings)
			}
		})
	}
}

func TestDispatch_NetworkMismatchSendsNothing(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false)

	transport.ActiveChainID = 10

	outcomes, err := engine.Dispatch(context.Background(), batch)
	var mismatch *multicall.NetworkMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected NetworkMismatchError, got %v", err)
	}
	if mismatch.BatchChainID != 1 || mismatch.ActiveChainID != 10 {
		t.Errorf("unexpected mismatch %+v", mismatch)
	}
	if outcomes != nil {
		t.Errorf("expected no outcomes, got %d", len(outcomes))
	}
	if transport.Calls() != 0 {
		t.Errorf("expected no transport call, got %d", transport.Calls())
	}
}

func TestDispatch_EmptyBatch(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcomes == nil || len(outcomes) != 0 {
		t.Errorf("expected empty non-nil outcomes, got %v", outcomes)
	}
	if transport.Calls() != 0 {
		t.Errorf("expected no transport call, got %d", transport.Calls())
	}
}

func TestDispatch_EmptyBatchStillChecksNetwork(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	transport.ActiveChainID = 5

	_, err := engine.Dispatch(context.Background(), batch)
	var mismatch *multicall.NetworkMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected NetworkMismatchError, got %v", err)
	}
}

func TestDispatch_ExplicitAddress(t *testing.T) {
	transport := newTransport(31337)
	engine := newEngine(t, transport)

	batch := multicall.NewBatch(31337, testutil.Multicall3Address)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if symbol, _ := outcomes[0].Text(); symbol != "WETH" {
		t.Errorf("expected WETH, got %q", symbol)
	}
}

func TestDispatch_ZeroAddressNotDeployed(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)

	batch := multicall.NewBatch(1, common.Address{})
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	_, err := engine.Dispatch(context.Background(), batch)
	if !errors.Is(err, multicall.ErrNotDeployed) {
		t.Fatalf("expected ErrNotDeployed, got %v", err)
	}
	if transport.Calls() != 0 {
		t.Errorf("expected no transport call, got %d", transport.Calls())
	}
}

func TestDispatch_BlockBeforeDeployment(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	if err := batch.SetBlock(big.NewInt(14_000_000)); err != nil {
		t.Fatalf("SetBlock failed: %v", err)
	}
	_, err := engine.Dispatch(context.Background(), batch)
	var cfgErr *multicall.ConfigurationError
	if !errors.As(err, &cfgErr) || !errors.Is(err, multicall.ErrNotDeployed) {
		t.Fatalf("expected ConfigurationError wrapping ErrNotDeployed, got %v", err)
	}

	if err := batch.SetBlock(big.NewInt(19_000_000)); err != nil {
		t.Fatalf("SetBlock failed: %v", err)
	}
	if _, err := engine.Dispatch(context.Background(), batch); err != nil {
		t.Fatalf("Dispatch after deployment failed: %v", err)
	}
	if got := transport.Requests[0].BlockNumber; got == nil || got.Int64() != 19_000_000 {
		t.Errorf("expected request pinned to 19000000, got %v", got)
	}
}

func TestDispatch_DecodeFailureIsPerCall(t *testing.T) {
	engine := newEngine(t, newTransport(1))
	batch := newBatch(t, engine)

	batch.
		WithCall(garbageAddr, testutil.MustERC20Method(t, "decimals"), false).
		WithCall(wethAddr, testutil.MustERC20Method(t, "decimals"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if outcomes[0].Kind != multicall.OutcomeDecodeFailed {
		t.Fatalf("expected decode failure, got %s", outcomes[0].Kind)
	}
	var decodeErr *multicall.DecodeError
	if !errors.As(outcomes[0].Err, &decodeErr) || decodeErr.Index != 0 {
		t.Errorf("expected DecodeError for call 0, got %v", outcomes[0].Err)
	}
	if len(outcomes[0].ReturnData) != 1 {
		t.Errorf("expected raw return data to be kept, got %x", outcomes[0].ReturnData)
	}
	if !outcomes[1].OK() {
		t.Errorf("expected second call to succeed, got %v", outcomes[1].Err)
	}
}

func TestDispatch_TransportFailure(t *testing.T) {
	transport := newTransport(1)
	boom := errors.New("502 bad gateway")
	transport.CallFn = func(context.Context, multicall.Request) ([]byte, error) {
		return nil, boom
	}
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	outcomes, err := engine.Dispatch(context.Background(), batch)
	var transportErr *multicall.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected transport error to be wrapped verbatim, got %v", err)
	}
	if outcomes != nil {
		t.Errorf("expected no outcomes, got %d", len(outcomes))
	}
	if transport.Calls() != 1 {
		t.Errorf("expected no retry, got %d calls", transport.Calls())
	}
}

func TestDispatch_Cancellation(t *testing.T) {
	transport := newTransport(1)
	transport.CallFn = func(ctx context.Context, _ multicall.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := engine.Dispatch(ctx, batch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if err := batch.Add(multicall.Call{Target: wethAddr}); err != nil {
		t.Errorf("expected batch to be usable after cancellation, got %v", err)
	}
}

func TestDispatch_MalformedResponse(t *testing.T) {
	transport := newTransport(1)
	transport.CallFn = func(context.Context, multicall.Request) ([]byte, error) {
		return []byte{0x01, 0x02, 0x03}, nil
	}
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	_, err := engine.Dispatch(context.Background(), batch)
	if !errors.Is(err, multicall.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestDispatch_RejectsMutationWhileInFlight(t *testing.T) {
	transport := newTransport(1)
	entered := make(chan struct{})
	release := make(chan struct{})
	transport.CallFn = func(_ context.Context, req multicall.Request) ([]byte, error) {
		close(entered)
		<-release
		return transport.Aggregator.Execute(req.To, req.Data)
	}
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.WithCall(wethAddr, testutil.MustERC20Method(t, "symbol"), false)

	type result struct {
		outcomes []multicall.Outcome
		err      error
	}
	done := make(chan result, 1)
	go func() {
		outcomes, err := engine.Dispatch(context.Background(), batch)
		done <- result{outcomes, err}
	}()
	<-entered

	if err := batch.Add(multicall.Call{Target: usdcAddr}); !errors.Is(err, multicall.ErrBatchInFlight) {
		t.Errorf("expected ErrBatchInFlight from Add, got %v", err)
	}
	if err := batch.SetVersion(multicall.V1); !errors.Is(err, multicall.ErrBatchInFlight) {
		t.Errorf("expected ErrBatchInFlight from SetVersion, got %v", err)
	}
	if _, err := engine.Dispatch(context.Background(), batch); !errors.Is(err, multicall.ErrBatchInFlight) {
		t.Errorf("expected ErrBatchInFlight from concurrent Dispatch, got %v", err)
	}

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Dispatch failed: %v", res.err)
	}
	if len(res.outcomes) != 1 {
		t.Errorf("expected 1 outcome, got %d", len(res.outcomes))
	}
	if batch.Len() != 1 {
		t.Errorf("expected rejected Add to leave 1 call, got %d", batch.Len())
	}
}

func TestDispatch_IndependentBatchesRunConcurrently(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)

	decimals := testutil.MustERC20Method(t, "decimals")

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			batch, err := engine.NewBatch(context.Background())
			if err != nil {
				errs <- err
				return
			}
			batch.WithCall(usdcAddr, decimals, false)
			outcomes, err := engine.Dispatch(context.Background(), batch)
			if err == nil {
				if d, _ := outcomes[0].Uint64(); d != 6 {
					err = errors.New("unexpected decimals")
				}
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent dispatch failed: %v", err)
		}
	}
	if transport.Calls() != n {
		t.Errorf("expected %d transport calls, got %d", n, transport.Calls())
	}
}

func TestDispatch_StickyBuilderError(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)

	// balanceOf takes an address; a string cannot be packed.
	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "balanceOf"), false, "not an address").
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false)

	if batch.Err() == nil {
		t.Fatal("expected builder error to be recorded")
	}
	if batch.Len() != 1 {
		t.Errorf("expected only the valid call to be added, got %d", batch.Len())
	}
	if _, err := engine.Dispatch(context.Background(), batch); err == nil {
		t.Fatal("expected Dispatch to report builder error")
	}
	if transport.Calls() != 0 {
		t.Errorf("expected no transport call, got %d", transport.Calls())
	}
}

func TestDispatch_AggregatorHelpers(t *testing.T) {
	transport := newTransport(1)
	transport.Aggregator.SetBlock(19_500_000, 1_710_000_000)
	transport.Aggregator.SetBasefee(big.NewInt(25_000_000_000))
	transport.Aggregator.SetBalance(holderAddr, big.NewInt(5e18))
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)

	for _, add := range []func() error{
		batch.AddGetChainID,
		batch.AddGetBlockNumber,
		batch.AddGetCurrentBlockTimestamp,
		batch.AddGetBasefee,
		func() error { return batch.AddGetEthBalance(holderAddr) },
	} {
		if err := add(); err != nil {
			t.Fatalf("adding helper call failed: %v", err)
		}
	}

	outcomes, err := engine.Dispatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	want := []*big.Int{
		big.NewInt(1),
		big.NewInt(19_500_000),
		big.NewInt(1_710_000_000),
		big.NewInt(25_000_000_000),
		big.NewInt(5e18),
	}
	for i, w := range want {
		got, err := outcomes[i].BigInt()
		if err != nil {
			t.Fatalf("outcome %d: %v", i, err)
		}
		if got.Cmp(w) != 0 {
			t.Errorf("outcome %d: expected %s, got %s", i, w, got)
		}
	}
}

// --- Test: two-phase dispatch ---

func TestPrepare_ThenDecode(t *testing.T) {
	transport := newTransport(1)
	engine := newEngine(t, transport)
	batch := newBatch(t, engine)
	batch.
		WithCall(wethAddr, testutil.MustERC20Method(t, "name"), false).
		WithGetChainID()

	prepared, err := engine.Prepare(context.Background(), batch)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if prepared.Len() != 2 || prepared.ChainID() != 1 || prepared.Version() != multicall.V3 {
		t.Errorf("unexpected prepared batch: len=%d chain=%d version=%s", prepared.Len(), prepared.ChainID(), prepared.Version())
	}
	if prepared.Request.To != testutil.Multicall3Address {
		t.Errorf("expected request to Multicall3, got %s", prepared.Request.To.Hex())
	}
	if transport.Calls() != 0 {
		t.Errorf("expected Prepare not to send, got %d calls", transport.Calls())
	}

	// Later changes to the batch do not affect the prepared request.
	batch.WithGetBlockNumber()

	raw, err := transport.Aggregator.Execute(prepared.Request.To, prepared.Request.Data)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	outcomes, err := prepared.Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if name, _ := outcomes[0].Text(); name != "Wrapped Ether" {
		t.Errorf("expected Wrapped Ether, got %q", name)
	}
}

// --- Test: telemetry ---

func TestDispatch_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	transport := newTransport(1)
	engine := newEngine(t, transport, multicall.WithMeterProvider(mp))
	batch := newBatch(t, engine)
	batch.
		WithCall(usdcAddr, testutil.MustERC20Method(t, "symbol"), false).
		WithCall(reverterAddr, testutil.MustERC20Method(t, "symbol"), true)

	if _, err := engine.Dispatch(context.Background(), batch); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	transport.ActiveChainID = 2
	_, _ = engine.Dispatch(context.Background(), batch)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	dispatches := sumByAttr(t, rm, "multicall.dispatch.total", "status")
	if dispatches["success"] != 1 || dispatches["network_mismatch"] != 1 {
		t.Errorf("unexpected dispatch counts %v", dispatches)
	}
	calls := sumByAttr(t, rm, "multicall.calls.total", "outcome")
	if calls["success"] != 1 || calls["reverted"] != 1 {
		t.Errorf("unexpected call counts %v", calls)
	}
}

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}
