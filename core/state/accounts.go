package state

import (
	"errors"
	"math/big"

	"tandachain/core/coin"
)

var errNegativeAmount = errors.New("state: amount must not be negative")

func (tx *Tx) pendingBalance(addr [20]byte) (*big.Int, error) {
	acc, err := tx.m.Account(addr)
	if err != nil {
		return nil, err
	}
	bal := new(big.Int).Set(acc.Balance)
	if delta, ok := tx.deltas[addr]; ok {
		bal.Add(bal, delta)
	}
	return bal, nil
}

// Balance reports addr's balance as seen by the transaction.
func (tx *Tx) Balance(addr [20]byte) (*big.Int, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	return tx.pendingBalance(addr)
}

// Withdraw debits amount from addr and returns it as a linear balance.
func (tx *Tx) Withdraw(addr [20]byte, amount *big.Int) (*coin.Balance, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() < 0 {
		return nil, errNegativeAmount
	}
	bal, err := tx.pendingBalance(addr)
	if err != nil {
		return nil, err
	}
	if bal.Cmp(amount) < 0 {
		return nil, ErrInsufficientFunds
	}
	funds, err := coin.Mint(amount)
	if err != nil {
		return nil, err
	}
	tx.addDelta(addr, new(big.Int).Neg(amount))
	return funds, nil
}

// Deposit consumes funds and credits them to addr.
func (tx *Tx) Deposit(addr [20]byte, funds *coin.Balance) error {
	if err := tx.usable(); err != nil {
		return err
	}
	if funds == nil {
		return nil
	}
	tx.addDelta(addr, funds.Burn())
	return nil
}

// NextNonce returns the creation nonce for addr and reserves it.
func (tx *Tx) NextNonce(addr [20]byte) (uint64, error) {
	if err := tx.usable(); err != nil {
		return 0, err
	}
	acc, err := tx.m.Account(addr)
	if err != nil {
		return 0, err
	}
	nonce := acc.Nonce + tx.nonces[addr]
	tx.nonces[addr]++
	return nonce, nil
}

func (tx *Tx) addDelta(addr [20]byte, amount *big.Int) {
	delta, ok := tx.deltas[addr]
	if !ok {
		delta = new(big.Int)
		tx.deltas[addr] = delta
	}
	delta.Add(delta, amount)
}
