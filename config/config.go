package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"tandachain/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress       string        `toml:"RPCAddress"`
	DataDir          string        `toml:"DataDir"`
	NodeKeystorePath string        `toml:"NodeKeystorePath"`
	NetworkName      string        `toml:"NetworkName"`
	RPC              RPC           `toml:"rpc"`
	Auth             Auth          `toml:"auth"`
	RateLimit        RateLimit     `toml:"rate_limit"`
	Observability    Observability `toml:"observability"`
	Genesis          []Allocation  `toml:"genesis"`
}

// Load loads the configuration from the given path, writing a default file
// and node keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "tanda-local"
	}
	if cfg.RPC.ReadHeaderTimeout <= 0 {
		cfg.RPC.ReadHeaderTimeout = 5
	}
	if cfg.RPC.ReadTimeout <= 0 {
		cfg.RPC.ReadTimeout = 15
	}
	if cfg.RPC.WriteTimeout <= 0 {
		cfg.RPC.WriteTimeout = 15
	}
	if cfg.RPC.IdleTimeout <= 0 {
		cfg.RPC.IdleTimeout = 60
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 120
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if strings.TrimSpace(cfg.Observability.MetricsPath) == "" {
		cfg.Observability.MetricsPath = "/metrics"
	}
	if strings.TrimSpace(cfg.Observability.Environment) == "" {
		cfg.Observability.Environment = "dev"
	}
	if cfg.Genesis == nil {
		cfg.Genesis = []Allocation{}
	}
}

// JWTSecret resolves the HMAC secret, preferring the environment variable
// when one is named.
func (c *Config) JWTSecret() string {
	if env := strings.TrimSpace(c.Auth.HMACSecretEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(c.Auth.HMACSecret)
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.NodeKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.NodeKeystorePath != keystorePath {
		cfg.NodeKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:       ":8080",
		DataDir:          "./tanda-data",
		NodeKeystorePath: keystorePath,
		NetworkName:      "tanda-local",
		RPC:              RPC{EnableFaucet: true},
		Auth:             Auth{HMACSecretEnv: "TANDA_JWT_SECRET"},
	}
	applyDefaults(cfg)
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

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "node.keystore")
}
