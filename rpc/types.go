package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"tandachain/crypto"
	"tandachain/native/tanda"
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// TandaResult is the JSON view of a tanda.
type TandaResult struct {
	ID                 string            `json:"id"`
	Admin              string            `json:"admin"`
	Participants       []string          `json:"participants"`
	Contribution       string            `json:"contribution"`
	Guarantee          string            `json:"guarantee"`
	Phase              string            `json:"phase"`
	CurrentRound       uint64            `json:"currentRound"`
	TotalRounds        uint64            `json:"totalRounds"`
	CurrentBeneficiary string            `json:"currentBeneficiary,omitempty"`
	TotalPrincipal     string            `json:"totalPrincipal"`
	EstimatedYield     string            `json:"estimatedYield"`
	GuaranteeBalance   string            `json:"guaranteeBalance"`
	PrincipalBalance   string            `json:"principalBalance"`
	RoundBalances      map[string]string `json:"roundBalances"`
	GuaranteePaid      []string          `json:"guaranteePaid"`
	FiatVault          *string           `json:"fiatVault,omitempty"`
	CreatedAt          int64             `json:"createdAt"`
	LastActivity       int64             `json:"lastActivity"`
}

// CreateResult is returned by tanda_create.
type CreateResult struct {
	ID       string      `json:"id"`
	AdminCap string      `json:"adminCap"`
	Tanda    TandaResult `json:"tanda"`
}

// BalanceResult is returned by tanda_balance.
type BalanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

func formatTanda(s tanda.Snapshot) TandaResult {
	out := TandaResult{
		ID:               hexID(s.ID),
		Admin:            crypto.FromRaw(s.Admin).String(),
		Participants:     make([]string, len(s.Participants)),
		Contribution:     amountString(s.Contribution),
		Guarantee:        amountString(s.Guarantee),
		Phase:            s.Phase.String(),
		CurrentRound:     s.CurrentRound,
		TotalRounds:      uint64(len(s.Participants)),
		TotalPrincipal:   amountString(s.TotalPrincipal),
		EstimatedYield:   amountString(s.EstimatedYield),
		GuaranteeBalance: amountString(s.GuaranteeBalance),
		PrincipalBalance: amountString(s.PrincipalBalance),
		RoundBalances:    make(map[string]string, len(s.RoundBalances)),
		GuaranteePaid:    make([]string, 0, len(s.GuaranteePaid)),
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
	}
	for i, p := range s.Participants {
		out.Participants[i] = crypto.FromRaw(p).String()
	}
	if s.Phase == tanda.PhaseActive && s.CurrentRound < uint64(len(s.Participants)) {
		out.CurrentBeneficiary = out.Participants[s.CurrentRound]
	}
	for addr, amount := range s.RoundBalances {
		out.RoundBalances[crypto.FromRaw(addr).String()] = amountString(amount)
	}
	for addr, paid := range s.GuaranteePaid {
		if paid {
			out.GuaranteePaid = append(out.GuaranteePaid, crypto.FromRaw(addr).String())
		}
	}
	sort.Strings(out.GuaranteePaid)
	if s.FiatVault != nil {
		vault := crypto.FromRaw(*s.FiatVault).String()
		out.FiatVault = &vault
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func parseID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("invalid id: expected %d bytes, got %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

// parseAmount accepts a base-10 string and rejects negatives. Zero is passed
// through so the core can report it.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}
