package rpc

// JSON-RPC methods used against Substrate nodes. All method names live here so a node with
// a different RPC surface only needs changes in one place.

const (
	// Chain queries
	methodFinalizedHead = "chain_getFinalizedHead"
	methodHeader        = "chain_getHeader"
	methodBlockHash     = "chain_getBlockHash"

	// State queries
	methodStorage        = "state_getStorage"
	methodRuntimeVersion = "state_getRuntimeVersion"

	// Node metadata
	methodSystemChain = "system_chain"
)
