// Package evm provides the EVM-side plumbing for the facilitator: EIP-712
// typed-data hashing and signature recovery, the chain-signer abstraction
// used by the payment executor, a JSON-RPC implementation of it, and an
// in-process simulator for tests and local demos.
package evm

import (
	"context"
	"math/big"
)

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC-20 token
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// ChainSigner defines the chain operations the facilitator needs. The
// executor and the authorization validator are written against this
// interface so tests can run against mock or simulated chains.
type ChainSigner interface {
	// Address returns the facilitator's operating address
	Address() string

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a smart contract transaction and returns its hash
	WriteContract(ctx context.Context, address string, abiJSON []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetBalance gets the balance of an address for a specific token
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the chain ID of the connected network
	GetChainID(ctx context.Context) (*big.Int, error)
}
