package ethrpc

// Envelope is the call object sent as the first eth_call parameter. The
// client fills "to" and "input".
type Envelope map[string]any

// EnvelopeHook rewrites an Envelope just before it is sent. It must not
// change the calldata itself.
type EnvelopeHook func(Envelope) Envelope

// DataFieldHook moves the calldata from "input" to "data", for nodes such as
// Tron's that do not accept "input".
func DataFieldHook(e Envelope) Envelope {
	input, ok := e["input"]
	if !ok {
		return e
	}
	delete(e, "input")
	e["data"] = input
	return e
}

// tronChainID is Tron mainnet as reported by its eth_chainId.
const tronChainID = 728126428

// HookForChain returns the hook a network needs, or nil.
func HookForChain(chainID uint64) EnvelopeHook {
	if chainID == tronChainID {
		return DataFieldHook
	}
	return nil
}
