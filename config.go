package nuwa

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nuwa-protocol/nuwa-kit/go/chain"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
)

// Environment variables read by LoadConfig.
const (
	EnvRPCURL       = "NUWA_RPC_URL"
	EnvNetwork      = "NUWA_NETWORK"
	EnvDefaultAsset = "NUWA_DEFAULT_ASSET_ID"
	EnvDefaultPrice = "NUWA_DEFAULT_PRICE_PICO_USD"
	EnvAdminDIDs    = "NUWA_ADMIN_DIDS"
	EnvDebug        = "NUWA_DEBUG"
)

// Config is the environment-driven service configuration.
type Config struct {
	// RPCURL is the chain node endpoint. Empty falls back to the network
	// default.
	RPCURL string
	// Network is the chain profile: dev, test or main.
	Network string
	// DefaultAssetID is the asset charged when requests name none.
	DefaultAssetID string
	// DefaultPricePicoUSD prices operations registered without an explicit
	// strategy.
	DefaultPricePicoUSD *big.Int
	// AdminDIDs may call the admin-only built-ins.
	AdminDIDs []types.DID
	// Debug enables verbose logging.
	Debug bool
}

// LoadConfig reads configuration from the environment, loading a .env file
// first when one exists.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:              os.Getenv(EnvRPCURL),
		Network:             envOr(EnvNetwork, "dev"),
		DefaultAssetID:      envOr(EnvDefaultAsset, payment.DefaultAssetID),
		DefaultPricePicoUSD: big.NewInt(0),
		Debug:               os.Getenv(EnvDebug) == "1" || strings.EqualFold(os.Getenv(EnvDebug), "true"),
	}

	if cfg.RPCURL == "" {
		url, err := chain.NodeURLForNetwork(cfg.Network)
		if err != nil {
			return nil, err
		}
		cfg.RPCURL = url
	}

	if raw := os.Getenv(EnvDefaultPrice); raw != "" {
		price, ok := new(big.Int).SetString(raw, 10)
		if !ok || price.Sign() < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer, got %q", EnvDefaultPrice, raw)
		}
		cfg.DefaultPricePicoUSD = price
	}

	for _, raw := range strings.Split(os.Getenv(EnvAdminDIDs), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		did, err := types.ParseDID(raw)
		if err != nil {
			return nil, fmt.Errorf("%s entry %q: %w", EnvAdminDIDs, raw, err)
		}
		cfg.AdminDIDs = append(cfg.AdminDIDs, did)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
