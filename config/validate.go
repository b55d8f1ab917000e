package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress must be set")
	}
	if _, _, err := net.SplitHostPort(c.RPCAddress); err != nil {
		return fmt.Errorf("config: invalid RPCAddress %q: %w", c.RPCAddress, err)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir must be set")
	}
	if c.Auth.Enabled && c.JWTSecret() == "" {
		return fmt.Errorf("auth: enabled but no HMAC secret configured")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit: burst must be positive")
	}
	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}
