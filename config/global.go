package config

import (
	"fmt"
	"math/big"
	"strings"

	"tandachain/crypto"
)

// GenesisAllocation is a parsed genesis credit.
type GenesisAllocation struct {
	Address [20]byte
	Amount  *big.Int
}

// GenesisAllocations parses the configured genesis credits into runtime
// values.
func (c *Config) GenesisAllocations() ([]GenesisAllocation, error) {
	out := make([]GenesisAllocation, 0, len(c.Genesis))
	for i, alloc := range c.Genesis {
		addr, err := crypto.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Address: %w", i, err)
		}
		amount, err := parseUintAmount(alloc.Amount)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Amount: %w", i, err)
		}
		out = append(out, GenesisAllocation{Address: addr, Amount: amount})
	}
	return out, nil
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be set")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
