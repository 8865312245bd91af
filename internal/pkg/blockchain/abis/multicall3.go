package abis

// Multicall3 exposes aggregate (v1), tryAggregate (v2) and aggregate3 (v3) at a
// single address, plus the block/chain getters used as synthetic batch calls.
const multicall3JSON = `[
	{
		"inputs": [{"components": [{"internalType": "address", "name": "target", "type": "address"}, {"internalType": "bytes", "name": "callData", "type": "bytes"}], "internalType": "struct Multicall3.Call[]", "name": "calls", "type": "tuple[]"}],
		"name": "aggregate",
		"outputs": [{"internalType": "uint256", "name": "blockNumber", "type": "uint256"}, {"internalType": "bytes[]", "name": "returnData", "type": "bytes[]"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "bool", "name": "requireSuccess", "type": "bool"}, {"components": [{"internalType": "address", "name": "target", "type": "address"}, {"internalType": "bytes", "name": "callData", "type": "bytes"}], "internalType": "struct Multicall3.Call[]", "name": "calls", "type": "tuple[]"}],
		"name": "tryAggregate",
		"outputs": [{"components": [{"internalType": "bool", "name": "success", "type": "bool"}, {"internalType": "bytes", "name": "returnData", "type": "bytes"}], "internalType": "struct Multicall3.Result[]", "name": "returnData", "type": "tuple[]"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [{"components": [{"internalType": "address", "name": "target", "type": "address"}, {"internalType": "bool", "name": "allowFailure", "type": "bool"}, {"internalType": "bytes", "name": "callData", "type": "bytes"}], "internalType": "struct Multicall3.Call3[]", "name": "calls", "type": "tuple[]"}],
		"name": "aggregate3",
		"outputs": [{"components": [{"internalType": "bool", "name": "success", "type": "bool"}, {"internalType": "bytes", "name": "returnData", "type": "bytes"}], "internalType": "struct Multicall3.Result[]", "name": "returnData", "type": "tuple[]"}],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getChainId",
		"outputs": [{"internalType": "uint256", "name": "chainid", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getBlockNumber",
		"outputs": [{"internalType": "uint256", "name": "blockNumber", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getCurrentBlockTimestamp",
		"outputs": [{"internalType": "uint256", "name": "timestamp", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "getBasefee",
		"outputs": [{"internalType": "uint256", "name": "basefee", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "addr", "type": "address"}],
		"name": "getEthBalance",
		"outputs": [{"internalType": "uint256", "name": "balance", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// GetMulticall3ABI returns the parsed aggregator ABI.
var GetMulticall3ABI = cached("multicall3", multicall3JSON)
