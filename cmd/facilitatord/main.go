// facilitatord runs the x402 payment facilitator: policy checks, payment
// validation, and on-chain settlement behind one HTTP API.
//
// With RPC_URL set it signs real transactions through the configured
// private key. Without it, the daemon runs against an in-process chain
// simulator with a local vault ledger, which is enough for development
// and demos.
package main

import (
	"log/slog"
	"math/big"
	"os"
	"strconv"

	"github.com/x402-foundation/x402-vault/api"
	"github.com/x402-foundation/x402-vault/evm"
	"github.com/x402-foundation/x402-vault/facilitator"
	"github.com/x402-foundation/x402-vault/policy"
	"github.com/x402-foundation/x402-vault/vault"
)

func main() {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	chain, profiles, err := buildChain(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize chain backend", "error", err)
		os.Exit(1)
	}

	policyValidator := policy.NewValidator(policy.NewMemoryStore(), policy.Defaults{
		MaxTransactionAmount: cfg.defaultMaxTransaction,
		DailySpendingLimit:   cfg.defaultDailyLimit,
		AutoPayEnabled:       cfg.defaultAutoPay,
	}, logger)

	executor := facilitator.NewExecutor(
		chain,
		facilitator.NewValidator(chain),
		facilitator.NewMemoryCheckpointStore(),
		cfg.vaultAddress,
		logger,
	)

	server := api.NewServer(api.Config{
		Executor: executor,
		Policy:   policyValidator,
		Profiles: profiles,
		Logger:   logger,
	})

	if err := server.Run(":" + cfg.port); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

type config struct {
	port string

	rpcURL       string
	privateKey   string
	vaultAddress string
	network      string

	treasuryAddress string
	protocolFeeBps  int64

	defaultMaxTransaction *big.Int
	defaultDailyLimit     *big.Int
	defaultAutoPay        bool
}

func loadConfig() (*config, error) {
	cfg := &config{
		port:            envOr("PORT", "8080"),
		rpcURL:          os.Getenv("RPC_URL"),
		privateKey:      os.Getenv("FACILITATOR_PRIVATE_KEY"),
		vaultAddress:    os.Getenv("VAULT_ADDRESS"),
		network:         envOr("NETWORK", "eip155:84532"),
		treasuryAddress: envOr("TREASURY_ADDRESS", "0x00000000000000000000000000000000000000fe"),
		defaultAutoPay:  os.Getenv("POLICY_DEFAULT_AUTOPAY") == "true",
	}

	var err error
	if cfg.protocolFeeBps, err = envInt64("PROTOCOL_FEE_BPS", 100); err != nil {
		return nil, err
	}
	if cfg.defaultMaxTransaction, err = envBigInt("POLICY_MAX_TRANSACTION", "1000000"); err != nil {
		return nil, err
	}
	if cfg.defaultDailyLimit, err = envBigInt("POLICY_DAILY_LIMIT", "10000000"); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildChain returns the chain backend and, when the vault ledger runs
// in-process, a profile reader for the read-only vault endpoint.
func buildChain(cfg *config, logger *slog.Logger) (evm.ChainSigner, api.ProfileReader, error) {
	if cfg.rpcURL != "" {
		logger.Info("using RPC chain backend", "rpcUrl", cfg.rpcURL, "network", cfg.network)
		signer, err := evm.NewRPCSigner(cfg.rpcURL, cfg.privateKey)
		if err != nil {
			return nil, nil, err
		}
		// The vault contract lives on-chain; profiles are read through it,
		// not through a local ledger.
		return signer, nil, nil
	}

	logger.Info("no RPC_URL configured, using in-process chain simulator")

	netCfg, ok := evm.GetNetworkConfig(cfg.network)
	if !ok {
		netCfg = evm.NetworkConfigs["eip155:84532"]
	}

	const facilitatorAddress = "0x00000000000000000000000000000000000000fa"
	vaultAddress := cfg.vaultAddress
	if vaultAddress == "" {
		vaultAddress = "0x00000000000000000000000000000000000000aa"
		cfg.vaultAddress = vaultAddress
	}

	token := evm.NewSimulatedToken()
	ledger, err := vault.NewLedger(vault.Config{
		Address:        vaultAddress,
		Admin:          facilitatorAddress,
		Facilitators:   []string{facilitatorAddress},
		Treasury:       cfg.treasuryAddress,
		ProtocolFeeBps: cfg.protocolFeeBps,
		Token:          token,
	})
	if err != nil {
		return nil, nil, err
	}

	sim := evm.NewSimulator(evm.SimulatorConfig{
		ChainID:      netCfg.ChainID,
		TokenAddress: netCfg.DefaultAsset.Address,
		TokenName:    netCfg.DefaultAsset.Name,
		TokenVersion: netCfg.DefaultAsset.Version,
		VaultAddress: vaultAddress,
		Facilitator:  facilitatorAddress,
		Token:        token,
		Ledger:       ledger,
	})
	return sim, ledger, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &configError{key: key, value: v}
	}
	return n, nil
}

func envBigInt(key, fallback string) (*big.Int, error) {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return nil, &configError{key: key, value: v}
	}
	return n, nil
}

type configError struct {
	key   string
	value string
}

func (e *configError) Error() string {
	return "invalid value for " + e.key + ": " + e.value
}
