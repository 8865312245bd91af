package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// MockNode is an httptest JSON-RPC node serving eth_chainId, eth_blockNumber
// and eth_call from a simulated Aggregator chain.
type MockNode struct {
	*httptest.Server

	Aggregator *Aggregator

	mu               sync.Mutex
	requireDataField bool
	failures         []int
	counts           map[string]int
	callObjects      []map[string]any
	blockTags        []string
}

// StartMockNode starts a mock node for agg. The server is closed when the
// test ends.
func StartMockNode(t *testing.T, agg *Aggregator) *MockNode {
	t.Helper()

	n := &MockNode{
		Aggregator: agg,
		counts:     make(map[string]int),
	}
	n.Server = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.Close)
	return n
}

// RequireDataField makes eth_call reject call objects that carry the
// calldata in "input" instead of "data", as Tron nodes do.
func (n *MockNode) RequireDataField(require bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requireDataField = require
}

// FailNext answers the next len(statuses) requests with the given HTTP
// status codes before serving normally again.
func (n *MockNode) FailNext(statuses ...int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, statuses...)
}

// Count returns how many requests for method were served, failures included.
func (n *MockNode) Count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counts[method]
}

// CallObjects returns the call objects received by eth_call, in order.
func (n *MockNode) CallObjects() []map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]map[string]any, len(n.callObjects))
	copy(out, n.callObjects)
	return out
}

// BlockTags returns the block parameters received by eth_call, in order.
func (n *MockNode) BlockTags() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.blockTags))
	copy(out, n.blockTags)
	return out
}

func (n *MockNode) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		WriteRPCError(w, json.RawMessage(`1`), -32700, "parse error")
		return
	}

	n.mu.Lock()
	n.counts[req.Method]++
	var status int
	if len(n.failures) > 0 {
		status, n.failures = n.failures[0], n.failures[1:]
	}
	requireData := n.requireDataField
	n.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch req.Method {
	case "eth_chainId":
		writeJSONResult(w, req.ID, hexutil.EncodeUint64(n.Aggregator.ChainID()))

	case "eth_blockNumber":
		n.Aggregator.mu.RLock()
		number := n.Aggregator.blockNumber
		n.Aggregator.mu.RUnlock()
		writeJSONResult(w, req.ID, hexutil.EncodeUint64(number))

	case "eth_call":
		n.serveCall(w, req, requireData)

	default:
		WriteRPCError(w, req.ID, -32601, "method not found: "+req.Method)
	}
}

func (n *MockNode) serveCall(w http.ResponseWriter, req JSONRPCRequest, requireData bool) {
	var params []json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 1 {
		WriteRPCError(w, req.ID, -32602, "invalid params")
		return
	}

	var callObj map[string]any
	if err := json.Unmarshal(params[0], &callObj); err != nil {
		WriteRPCError(w, req.ID, -32602, "invalid call object")
		return
	}
	blockTag := "latest"
	if len(params) > 1 {
		_ = json.Unmarshal(params[1], &blockTag)
	}

	n.mu.Lock()
	n.callObjects = append(n.callObjects, callObj)
	n.blockTags = append(n.blockTags, blockTag)
	n.mu.Unlock()

	dataHex, _ := callObj["data"].(string)
	if dataHex == "" {
		if requireData {
			WriteRPCError(w, req.ID, -32602, "invalid params: missing data field")
			return
		}
		dataHex, _ = callObj["input"].(string)
	}
	data, err := hexutil.Decode(dataHex)
	if err != nil {
		WriteRPCError(w, req.ID, -32602, fmt.Sprintf("invalid calldata: %v", err))
		return
	}
	toHex, _ := callObj["to"].(string)
	if !common.IsHexAddress(toHex) {
		WriteRPCError(w, req.ID, -32602, "invalid to address")
		return
	}

	out, err := n.Aggregator.Execute(common.HexToAddress(toHex), data)
	if err != nil {
		var revert *Revert
		if !errors.As(err, &revert) {
			WriteRPCError(w, req.ID, -32000, err.Error())
			return
		}
		writeRevert(w, req.ID, revert)
		return
	}
	writeJSONResult(w, req.ID, hexutil.Encode(out))
}

// WriteRPCResult writes a JSON-RPC success response.
func WriteRPCResult(w http.ResponseWriter, id, result json.RawMessage) {
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"result":  result,
	})
}

// WriteRPCError writes a JSON-RPC error response.
func WriteRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	errJSON, _ := json.Marshal(map[string]any{"code": code, "message": message})
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"error":   json.RawMessage(errJSON),
	})
}

func writeJSONResult(w http.ResponseWriter, id json.RawMessage, value any) {
	result, _ := json.Marshal(value)
	WriteRPCResult(w, id, json.RawMessage(result))
}

// writeRevert answers the way geth does: code 3 with the revert data in hex.
func writeRevert(w http.ResponseWriter, id json.RawMessage, revert *Revert) {
	errJSON, _ := json.Marshal(map[string]any{
		"code":    3,
		"message": revert.Error(),
		"data":    hexutil.Encode(revert.Data),
	})
	_ = json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"jsonrpc": json.RawMessage(`"2.0"`),
		"id":      id,
		"error":   json.RawMessage(errJSON),
	})
}
