package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/archon-research/multicall/pkg/multicall"
)

// MockTransport implements multicall.Transport for testing. Without CallFn
// it executes requests against Aggregator.
type MockTransport struct {
	mu sync.Mutex

	Aggregator *Aggregator

	// ActiveChainID overrides the chain id reported by ChainID when non-zero.
	ActiveChainID uint64

	ChainIDFn func(ctx context.Context) (uint64, error)
	CallFn    func(ctx context.Context, req multicall.Request) ([]byte, error)

	ChainIDCount int
	CallCount    int
	Requests     []multicall.Request
}

// NewMockTransport returns a transport backed by a fresh simulated chain.
func NewMockTransport(chainID uint64) *MockTransport {
	return &MockTransport{Aggregator: NewAggregator(chainID)}
}

func (m *MockTransport) ChainID(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	m.ChainIDCount++
	m.mu.Unlock()

	switch {
	case m.ChainIDFn != nil:
		return m.ChainIDFn(ctx)
	case m.ActiveChainID != 0:
		return m.ActiveChainID, nil
	case m.Aggregator != nil:
		return m.Aggregator.ChainID(), nil
	default:
		return 0, errors.New("ChainID not mocked")
	}
}

func (m *MockTransport) Call(ctx context.Context, req multicall.Request) ([]byte, error) {
	m.mu.Lock()
	m.CallCount++
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if m.CallFn != nil {
		return m.CallFn(ctx, req)
	}
	if m.Aggregator == nil {
		return nil, errors.New("Call not mocked")
	}

	out, err := m.Aggregator.Execute(req.To, req.Data)
	if err != nil {
		var revert *Revert
		if errors.As(err, &revert) {
			return nil, &multicall.RevertError{Data: revert.Data, Message: "execution reverted"}
		}
		return nil, err
	}
	return out, nil
}

// Calls returns the number of Call invocations so far.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
