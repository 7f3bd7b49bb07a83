package evm

import (
	"math/big"
)

const (
	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"

	// ERC-20 function names
	FunctionAllowance = "allowance"
	FunctionApprove   = "approve"
	FunctionBalanceOf = "balanceOf"

	// Vault function names
	FunctionSettlePayment     = "settlePayment"
	FunctionClaimRevenue      = "claimRevenue"
	FunctionGetAuthorProfile  = "getAuthorProfile"
	FunctionSetAuthorTier     = "setAuthorTier"
	FunctionSetTreasury       = "setTreasury"
	FunctionSetProtocolFeeBps = "setProtocolFeeBps"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// MaxUint256 is used for unbounded vault allowances.
	MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// NetworkConfigs maps CAIP-2 network identifiers to chain configuration.
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	// TransferWithAuthorizationABI is the EIP-3009 entry point with v,r,s
	// signature components (EOA signatures).
	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// AuthorizationStateABI is the EIP-3009 nonce-state view.
	AuthorizationStateABI = []byte(`[
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20AllowanceABI for checking the facilitator-to-vault allowance
	ERC20AllowanceABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"name": "allowance",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// ERC20ApproveABI for granting the vault a spending allowance
	ERC20ApproveABI = []byte(`[
		{
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "approve",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)

	// ERC20BalanceOfABI for checking the payer's token balance
	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [
				{"name": "account", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// VaultABI covers the vault ledger surface: the facilitator-restricted
	// settlement entry point, the open claim, the admin setters, and the
	// read-only profile lookup.
	VaultABI = []byte(`[
		{
			"inputs": [
				{"name": "recipient", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "settlePayment",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "claimRevenue",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "recipient", "type": "address"}],
			"name": "getAuthorProfile",
			"outputs": [
				{"name": "tier", "type": "uint8"},
				{"name": "availableBalance", "type": "uint256"},
				{"name": "lockedBalance", "type": "uint256"},
				{"name": "unlockTime", "type": "uint256"}
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "recipient", "type": "address"},
				{"name": "tier", "type": "uint8"}
			],
			"name": "setAuthorTier",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "treasury", "type": "address"}],
			"name": "setTreasury",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"name": "bps", "type": "uint256"}],
			"name": "setProtocolFeeBps",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// GetNetworkConfig returns the configuration for a CAIP-2 network id.
func GetNetworkConfig(network string) (NetworkConfig, bool) {
	cfg, ok := NetworkConfigs[network]
	return cfg, ok
}
