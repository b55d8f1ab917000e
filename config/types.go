package config

// RPC configures the JSON-RPC and notification surface.
type RPC struct {
	ReadHeaderTimeout int `toml:"ReadHeaderTimeout"` // seconds
	ReadTimeout       int `toml:"ReadTimeout"`
	WriteTimeout      int `toml:"WriteTimeout"`
	IdleTimeout       int `toml:"IdleTimeout"`
	// EnableFaucet exposes tanda_faucet for development networks.
	EnableFaucet bool `toml:"EnableFaucet"`
}

// Auth configures bearer-token verification. The token subject is the
// caller's address.
type Auth struct {
	Enabled       bool   `toml:"Enabled"`
	HMACSecret    string `toml:"HMACSecret"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	ClockSkew     int    `toml:"ClockSkew"` // seconds
}

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Observability configures logs, metrics and traces.
type Observability struct {
	Environment  string `toml:"Environment"`
	LogFile      string `toml:"LogFile"`
	MetricsPath  string `toml:"MetricsPath"`
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`
}

// Allocation credits an account when the data directory is first created.
type Allocation struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}
