package types

import "math/big"

// Account is the host-side ledger entry for an identity. Balances leave an
// account only as coin.Balance values and re-enter only by burning one.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
}

// EnsureAccount fills nil numeric fields so callers can mutate freely.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
