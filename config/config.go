package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
	"escrowd/native/fees"
)

const (
	// EnvRPCToken overrides the static bearer token from the environment
	// so deployments can keep it out of the config file.
	EnvRPCToken = "ESCROWD_RPC_TOKEN"
	// EnvJWTSecret overrides the HS256 signing secret.
	EnvJWTSecret = "ESCROWD_JWT_SECRET"
)

type Config struct {
	RPCAddress    string `toml:"RPCAddress"`
	DataDir       string `toml:"DataDir"`
	NetworkName   string `toml:"NetworkName"`
	AdminAddress  string `toml:"AdminAddress"`
	DefaultFeeBps uint32 `toml:"DefaultFeeBps"`
	RPCAuthToken  string `toml:"RPCAuthToken"`
	RPCJWTSecret  string `toml:"RPCJWTSecret"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet. Environment variables override the credential fields.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, createErr := createDefault(path)
		if createErr != nil {
			return nil, createErr
		}
		cfg = created
	} else {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if token := strings.TrimSpace(os.Getenv(EnvRPCToken)); token != "" {
		cfg.RPCAuthToken = token
	}
	if secret := strings.TrimSpace(os.Getenv(EnvJWTSecret)); secret != "" {
		cfg.RPCJWTSecret = secret
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrowd-local"
	}

	return cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, err := c.Admin(); err != nil {
		return err
	}
	if err := fees.ValidateBps(c.DefaultFeeBps); err != nil {
		return fmt.Errorf("config: DefaultFeeBps: %w", err)
	}
	return nil
}

// Admin decodes the configured administrator address.
func (c *Config) Admin() ([20]byte, error) {
	trimmed := strings.TrimSpace(c.AdminAddress)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("config: AdminAddress is required")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, fmt.Errorf("config: AdminAddress: %w", err)
	}
	return addr.Array(), nil
}

// createDefault creates and saves a default configuration file. A fresh
// administrator key is generated so the file is immediately usable.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		RPCAddress:    ":8080",
		DataDir:       "./escrowd-data",
		NetworkName:   "escrowd-local",
		AdminAddress:  key.PubKey().Address().String(),
		DefaultFeeBps: 200,
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
