// Package config loads the gateway configuration from YAML, layered over
// built-in defaults so a bare install runs against Creditcoin testnet
// without a config file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway process configuration
type Config struct {
	// DevMode enables development mode (verbose logging, relaxed timeouts)
	DevMode bool `yaml:"dev_mode"`

	// Vault configuration (decentralized web node endpoints)
	Vault VaultConfig `yaml:"vault"`

	// Chain configuration
	Chain ChainConfig `yaml:"chain"`

	// Store configuration (local persistence)
	Store StoreConfig `yaml:"store"`

	// NATS event relay configuration
	NATS NATSConfig `yaml:"nats"`

	// HTTP API configuration
	HTTP HTTPConfig `yaml:"http"`
}

// VaultConfig holds decentralized web node settings
type VaultConfig struct {
	Endpoints      []string `yaml:"endpoints"`
	RequestTimeout int      `yaml:"request_timeout_seconds"`
}

// ChainConfig holds blockchain connection settings
type ChainConfig struct {
	// TargetChainID is the chain the gateway expects wallets to be on
	TargetChainID     uint64          `yaml:"target_chain_id"`
	RPCURL            string          `yaml:"rpc_url"`
	KeyFile           string          `yaml:"key_file"`
	ConfirmationDepth uint64          `yaml:"confirmation_depth"`
	Contracts         ContractsConfig `yaml:"contracts"`
}

// ContractsConfig holds deployed contract addresses
type ContractsConfig struct {
	LicenseNFT  string `yaml:"license_nft"`
	Marketplace string `yaml:"marketplace"`
}

// StoreConfig holds local persistence settings
type StoreConfig struct {
	// Driver selects the backend: "bolt", "sqlite" or "memory"
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// EncryptionKeyFile points at a 32-byte key; empty disables at-rest encryption
	EncryptionKeyFile string `yaml:"encryption_key_file"`
}

// NATSConfig holds NATS relay settings
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ReconnectWait int    `yaml:"reconnect_wait_ms"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// HTTPConfig holds API server settings
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Chain.ConfirmationDepth == 0 {
		return fmt.Errorf("confirmation_depth must be at least 1")
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Vault: VaultConfig{
			Endpoints:      []string{"https://dwn.tbddev.org/beta"},
			RequestTimeout: 10,
		},
		Chain: ChainConfig{
			TargetChainID:     102032, // Creditcoin testnet
			RPCURL:            "https://rpc.testnet.creditcoin.network",
			ConfirmationDepth: 12,
		},
		Store: StoreConfig{
			Driver: "bolt",
			Path:   "/var/lib/meridian/gateway.db",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "meridian.wallet",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8700",
		},
	}
}
