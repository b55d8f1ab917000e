package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tandachain/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if cfg.RPCAddress != ":8080" || cfg.NetworkName != "tanda-local" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(cfg.NodeKeystorePath); err != nil {
		t.Fatalf("node keystore missing: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not persisted: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.NodeKeystorePath != cfg.NodeKeystorePath {
		t.Fatalf("keystore path changed: %s vs %s", again.NodeKeystorePath, cfg.NodeKeystorePath)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keystorePath := filepath.Join(dir, "node.keystore")
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		t.Fatalf("save keystore: %v", err)
	}
	member := key.PubKey().Address().String()
	contents := `RPCAddress = "127.0.0.1:9090"
DataDir = "./data"
NodeKeystorePath = "` + keystorePath + `"
NetworkName = "testnet"

[rpc]
EnableFaucet = true
ReadTimeout = 30

[auth]
Enabled = true
HMACSecretEnv = "TANDA_TEST_SECRET"
Issuer = "tanda-test"

[rate_limit]
RequestsPerSecond = 5.5
Burst = 10

[observability]
Environment = "staging"
OTLPEndpoint = "collector:4318"

[[genesis]]
Address = "` + member + `"
Amount = "1000000"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TANDA_TEST_SECRET", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPC.ReadTimeout != 30 || cfg.RPC.WriteTimeout != 15 {
		t.Fatalf("unexpected rpc timeouts: %+v", cfg.RPC)
	}
	if !cfg.RPC.EnableFaucet {
		t.Fatalf("expected faucet enabled")
	}
	if cfg.JWTSecret() != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.JWTSecret())
	}
	if cfg.RateLimit.RequestsPerSecond != 5.5 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Observability.MetricsPath != "/metrics" {
		t.Fatalf("metrics path default not applied: %q", cfg.Observability.MetricsPath)
	}
	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Address != key.PubKey().Address().Raw() || allocs[0].Amount.Int64() != 1_000_000 {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		cfg := &Config{RPCAddress: ":8080", DataDir: "./data"}
		applyDefaults(cfg)
		return cfg
	}
	cases := map[string]func(*Config){
		"missing rpc address": func(c *Config) { c.RPCAddress = "" },
		"malformed rpc":       func(c *Config) { c.RPCAddress = "localhost" },
		"missing data dir":    func(c *Config) { c.DataDir = " " },
		"auth without secret": func(c *Config) { c.Auth.Enabled = true },
		"negative burst":      func(c *Config) { c.RateLimit.Burst = -1 },
		"bad genesis address": func(c *Config) { c.Genesis = []Allocation{{Address: "nope", Amount: "1"}} },
		"bad genesis amount": func(c *Config) {
			c.Genesis = []Allocation{{Address: "0x" + strings.Repeat("01", 20), Amount: "-4"}}
		},
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for name, mutate := range cases {
		cfg := base()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
