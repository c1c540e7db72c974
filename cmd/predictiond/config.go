// config.go - Configuration management for the prediction daemon
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config represents the daemon configuration
type Config struct {
	Server ServerConfig `toml:"server"`
	Chain  ChainConfig  `toml:"chain"`
	Keys   KeysConfig   `toml:"keys"`
	State  StateConfig  `toml:"state"`
	Log    LogConfig    `toml:"log"`
	Limits LimitsConfig `toml:"limits"`
	Dev    DevConfig    `toml:"dev"`
}

type ServerConfig struct {
	Addr                   string `toml:"addr"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `toml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
}

type ChainConfig struct {
	ChainID     int64  `toml:"chain_id"`
	Contract    string `toml:"contract"`
	Coprocessor string `toml:"coprocessor"`
	// EIP-712 domain of user decryption requests.
	DomainName    string `toml:"domain_name"`
	DomainVersion string `toml:"domain_version"`
}

type KeysConfig struct {
	NetworkKey   string `toml:"network_key"`
	ProvingKey   string `toml:"proving_key"`
	VerifyingKey string `toml:"verifying_key"`
}

type StateConfig struct {
	// Empty disables persistence.
	Dir                 string `toml:"dir"`
	SaveIntervalSeconds int    `toml:"save_interval_seconds"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	File        string `toml:"file"`
	EnableAudit bool   `toml:"enable_audit"`
	AuditFile   string `toml:"audit_file"`
}

type LimitsConfig struct {
	// Token bucket per sending account.
	MaxTokens     int `toml:"max_tokens"`
	RefillRate    int `toml:"refill_rate"`
	RefillSeconds int `toml:"refill_seconds"`
}

type DevConfig struct {
	// Enables the faucet and server-side input encryption.
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                   "127.0.0.1:8545",
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    60,
			ShutdownTimeoutSeconds: 10,
		},
		Chain: ChainConfig{
			ChainID:       31337,
			Contract:      "0x00000000000000000000000000000000000c0de1",
			Coprocessor:   "0x00000000000000000000000000000000000000fe",
			DomainName:    "Decryption",
			DomainVersion: "1",
		},
		Keys: KeysConfig{
			NetworkKey:   "keys/network.json",
			ProvingKey:   "keys/input_pk.bin",
			VerifyingKey: "keys/input_vk.bin",
		},
		State: StateConfig{
			Dir:                 "state",
			SaveIntervalSeconds: 30,
		},
		Log: LogConfig{
			Level:       "info",
			File:        "predictiond.log",
			EnableAudit: true,
			AuditFile:   "audit.log",
		},
		Limits: LimitsConfig{
			MaxTokens:     20,
			RefillRate:    5,
			RefillSeconds: 1,
		},
	}
}

// LoadConfig loads configuration from file or creates default, then applies
// .env and PREDICTIOND_* overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	} else if errors.Is(err, os.ErrNotExist) {
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
	} else {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	_ = godotenv.Load()
	applyEnvOverrides(config)

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

func applyEnvOverrides(c *Config) {
	setStr(&c.Server.Addr, "PREDICTIOND_ADDR")
	setInt64(&c.Chain.ChainID, "PREDICTIOND_CHAIN_ID")
	setStr(&c.Chain.Contract, "PREDICTIOND_CONTRACT")
	setStr(&c.Keys.NetworkKey, "PREDICTIOND_NETWORK_KEY")
	setStr(&c.Keys.ProvingKey, "PREDICTIOND_PROVING_KEY")
	setStr(&c.Keys.VerifyingKey, "PREDICTIOND_VERIFYING_KEY")
	setStr(&c.State.Dir, "PREDICTIOND_STATE_DIR")
	setStr(&c.Log.Level, "PREDICTIOND_LOG_LEVEL")
	setStr(&c.Log.File, "PREDICTIOND_LOG_FILE")
	setBool(&c.Dev.Enabled, "PREDICTIOND_DEV")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Server.ReadTimeoutSeconds <= 0 || c.Server.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be positive")
	}
	if !common.IsHexAddress(c.Chain.Contract) {
		return fmt.Errorf("chain.contract is not an address: %q", c.Chain.Contract)
	}
	if !common.IsHexAddress(c.Chain.Coprocessor) {
		return fmt.Errorf("chain.coprocessor is not an address: %q", c.Chain.Coprocessor)
	}
	if c.Keys.NetworkKey == "" || c.Keys.ProvingKey == "" || c.Keys.VerifyingKey == "" {
		return fmt.Errorf("keys paths must be set")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error, fatal", c.Log.Level)
	}
	if c.Limits.MaxTokens <= 0 || c.Limits.RefillRate <= 0 || c.Limits.RefillSeconds <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.State.Dir != "" && c.State.SaveIntervalSeconds <= 0 {
		return fmt.Errorf("state.save_interval_seconds must be positive")
	}
	return nil
}
