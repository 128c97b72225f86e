// Package web3 houses chain connectivity for the tool layer: chain
// definitions loaded from YAML, the read-only ChainReader contract that tools
// depend on, and (in subpackages) the EVM client and the named-chain registry.
package web3
