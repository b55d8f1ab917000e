package relayer

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"tandachain/crypto"
)

// ErrPolicyNotFound indicates that this relayer does not serve the vault.
var ErrPolicyNotFound = errors.New("relayer: no policy for vault")

// ErrDailyCapExceeded indicates that applying a settlement would exceed the
// vault's cap for the current UTC day.
var ErrDailyCapExceeded = errors.New("relayer: daily cap exceeded")

// Policy caps the fiat a single vault may pay out per UTC day.
type Policy struct {
	Vault    [20]byte
	DailyCap *big.Int
}

type policyFile struct {
	Vault    string `yaml:"vault"`
	DailyCap string `yaml:"daily_cap"`
}

// LoadPolicies reads policies from the provided YAML file on disk.
func LoadPolicies(path string) ([]Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open policies: %w", err)
	}
	defer file.Close()
	var entries []policyFile
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	return parsePolicies(entries)
}

func parsePolicies(entries []policyFile) ([]Policy, error) {
	policies := make([]Policy, 0, len(entries))
	seen := make(map[[20]byte]struct{})
	for i, entry := range entries {
		vault, err := crypto.ParseAddress(entry.Vault)
		if err != nil {
			return nil, fmt.Errorf("policy %d vault: %w", i, err)
		}
		if _, exists := seen[vault]; exists {
			return nil, fmt.Errorf("duplicate policy for vault %s", crypto.FromRaw(vault))
		}
		capAmount, err := parseDecimal(entry.DailyCap)
		if err != nil {
			return nil, fmt.Errorf("vault %s daily_cap: %w", crypto.FromRaw(vault), err)
		}
		policies = append(policies, Policy{Vault: vault, DailyCap: capAmount})
		seen[vault] = struct{}{}
	}
	sort.Slice(policies, func(i, j int) bool {
		return crypto.FromRaw(policies[i].Vault).String() < crypto.FromRaw(policies[j].Vault).String()
	})
	return policies, nil
}

func parseDecimal(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

// PolicyEnforcer tracks per-vault spend against the configured caps.
type PolicyEnforcer struct {
	mu       sync.Mutex
	policies map[[20]byte]Policy
	totals   map[[20]byte]map[string]*big.Int
}

// NewPolicyEnforcer constructs an enforcer for the supplied policies.
func NewPolicyEnforcer(policies []Policy) (*PolicyEnforcer, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one policy must be configured")
	}
	registry := make(map[[20]byte]Policy, len(policies))
	totals := make(map[[20]byte]map[string]*big.Int, len(policies))
	for _, policy := range policies {
		if _, exists := registry[policy.Vault]; exists {
			return nil, fmt.Errorf("duplicate policy for vault %s", crypto.FromRaw(policy.Vault))
		}
		capAmount := big.NewInt(0)
		if policy.DailyCap != nil {
			capAmount.Set(policy.DailyCap)
		}
		registry[policy.Vault] = Policy{Vault: policy.Vault, DailyCap: capAmount}
		totals[policy.Vault] = make(map[string]*big.Int)
	}
	return &PolicyEnforcer{policies: registry, totals: totals}, nil
}

// Validate ensures a settlement complies with the vault's cap.
func (p *PolicyEnforcer) Validate(vault [20]byte, amount *big.Int, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[vault]; !ok {
		return ErrPolicyNotFound
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("settlement amount must be positive")
	}
	if p.remainingLocked(vault, now).Cmp(amount) < 0 {
		return ErrDailyCapExceeded
	}
	return nil
}

// Record charges a settlement against the vault's cap.
func (p *PolicyEnforcer) Record(vault [20]byte, amount *big.Int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[vault]; !ok || amount == nil {
		return
	}
	dayKey := dayBucket(now)
	if _, ok := p.totals[vault][dayKey]; !ok {
		p.totals[vault][dayKey] = big.NewInt(0)
	}
	p.totals[vault][dayKey].Add(p.totals[vault][dayKey], amount)
}

// Release hands back an amount recorded for a settlement that did not
// complete.
func (p *PolicyEnforcer) Release(vault [20]byte, amount *big.Int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if amount == nil {
		return
	}
	spent := p.totals[vault][dayBucket(now)]
	if spent == nil {
		return
	}
	spent.Sub(spent, amount)
	if spent.Sign() < 0 {
		spent.SetInt64(0)
	}
}

// RemainingCap reports the remaining allowance for the vault today.
func (p *PolicyEnforcer) RemainingCap(vault [20]byte, now time.Time) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.policies[vault]; !ok {
		return big.NewInt(0)
	}
	return p.remainingLocked(vault, now)
}

func (p *PolicyEnforcer) remainingLocked(vault [20]byte, now time.Time) *big.Int {
	policy := p.policies[vault]
	spent := p.totals[vault][dayBucket(now)]
	if spent == nil {
		spent = big.NewInt(0)
	}
	remaining := new(big.Int).Sub(policy.DailyCap, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}

// DailyCap returns the configured total cap for the vault.
func (p *PolicyEnforcer) DailyCap(vault [20]byte) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	policy, ok := p.policies[vault]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(policy.DailyCap)
}

// Snapshot returns the remaining cap per vault keyed by address string.
func (p *PolicyEnforcer) Snapshot(now time.Time) map[string]*big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*big.Int, len(p.policies))
	for vault := range p.policies {
		out[crypto.FromRaw(vault).String()] = p.remainingLocked(vault, now)
	}
	return out
}

func dayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
