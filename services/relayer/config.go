package relayer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for the relayer.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	StreamURL     string              `yaml:"stream"`
	StreamToken   string              `yaml:"stream_token"`
	PoliciesPath  string              `yaml:"policies"`
	PauseOnStart  bool                `yaml:"pause"`
	RetryInterval Duration            `yaml:"retry_interval"`
	Database      DatabaseConfig      `yaml:"database"`
	Operator      OperatorConfig      `yaml:"operator"`
	Recon         ReconConfig         `yaml:"recon"`
	Admin         AdminConfig         `yaml:"admin"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DatabaseConfig selects the settlement store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres or sqlite
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// OperatorConfig points at the keystore holding the relayer's operator
// identity. The passphrase is read from PassphraseEnv or prompted for.
type OperatorConfig struct {
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ReconConfig controls the periodic settlement export.
type ReconConfig struct {
	OutputDir string   `yaml:"output_dir"`
	Interval  Duration `yaml:"interval"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// ObservabilityConfig configures logs and traces.
type ObservabilityConfig struct {
	Environment  string `yaml:"environment"`
	LogFile      string `yaml:"log_file"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.StreamURL == "" {
		cfg.StreamURL = "ws://127.0.0.1:8080/ws/events"
	}
	if cfg.PoliciesPath == "" {
		cfg.PoliciesPath = "relayer-policies.yaml"
	}
	if cfg.RetryInterval.Duration == 0 {
		cfg.RetryInterval.Duration = 3 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "relayer-recon"
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 24 * time.Hour
	}
	if cfg.Operator.PassphraseEnv == "" {
		cfg.Operator.PassphraseEnv = "TANDA_RELAYER_PASSPHRASE"
	}
	if cfg.Observability.Environment == "" {
		cfg.Observability.Environment = "dev"
	}
}

func validateConfig(cfg Config) error {
	if !strings.HasPrefix(cfg.StreamURL, "ws://") && !strings.HasPrefix(cfg.StreamURL, "wss://") {
		return fmt.Errorf("stream must be a ws:// or wss:// url")
	}
	if strings.TrimSpace(cfg.Operator.Keystore) == "" {
		return fmt.Errorf("operator keystore must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	if cfg.RetryInterval.Duration < 0 || cfg.Recon.Interval.Duration < 0 {
		return fmt.Errorf("intervals must be positive")
	}
	return nil
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	switch d.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported driver %q", d.Driver)
	}
	d.DSN = strings.TrimSpace(d.DSN)
	if env := strings.TrimSpace(d.DSNEnv); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return fmt.Errorf("dsn_env %s is empty", env)
		}
		d.DSN = value
	}
	if d.DSN == "" {
		if d.Driver == "postgres" {
			return fmt.Errorf("dsn is required for postgres")
		}
		d.DSN = "relayer.db"
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
