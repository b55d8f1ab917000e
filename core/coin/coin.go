// Package coin implements a linear monetary value. A Balance can only change
// hands through Split and Join, both of which preserve the total value of
// their inputs. Mint and Burn are the only points where value enters or
// leaves the package and are reserved for the account ledger.
package coin

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficient   = errors.New("coin: insufficient value")
	ErrOverflow       = errors.New("coin: value overflows 256 bits")
	ErrNegativeAmount = errors.New("coin: negative amount")
)

// noCopy lets `go vet` flag accidental copies of a Balance.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Balance holds an amount of value. The zero Balance is empty and ready to
// use. Balances must be passed by pointer.
type Balance struct {
	_     noCopy
	value uint256.Int
}

// Zero returns an empty balance.
func Zero() *Balance { return new(Balance) }

// Mint materialises value that an account ledger has already debited.
func Mint(amount *big.Int) (*Balance, error) {
	v, err := toUint256(amount)
	if err != nil {
		return nil, err
	}
	b := new(Balance)
	b.value.Set(v)
	return b, nil
}

// Burn empties the balance and returns the amount it held so the caller can
// credit it to an account.
func (b *Balance) Burn() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	out := b.value.ToBig()
	b.value.Clear()
	return out
}

// Value reports the amount held.
func (b *Balance) Value() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	return b.value.ToBig()
}

// IsZero reports whether the balance is empty.
func (b *Balance) IsZero() bool { return b == nil || b.value.IsZero() }

// Cmp compares the held value against amount.
func (b *Balance) Cmp(amount *big.Int) int {
	return b.Value().Cmp(amount)
}

// Split removes amount from b and returns it as a new balance. b is left
// untouched on error.
func (b *Balance) Split(amount *big.Int) (*Balance, error) {
	v, err := toUint256(amount)
	if err != nil {
		return nil, err
	}
	if b == nil || b.value.Lt(v) {
		return nil, ErrInsufficient
	}
	out := new(Balance)
	out.value.Set(v)
	b.value.Sub(&b.value, v)
	return out, nil
}

// Join moves the whole of other into b. other is empty afterwards. On
// overflow neither balance changes.
func (b *Balance) Join(other *Balance) error {
	if other == nil || other == b {
		return nil
	}
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&b.value, &other.value); overflow {
		return ErrOverflow
	}
	b.value.Set(&sum)
	other.value.Clear()
	return nil
}

// CanJoin reports whether joining other into b would succeed.
func (b *Balance) CanJoin(other *Balance) bool {
	if other == nil {
		return true
	}
	var sum uint256.Int
	_, overflow := sum.AddOverflow(&b.value, &other.value)
	return !overflow
}

func (b *Balance) String() string { return b.Value().String() }

// EncodeRLP stores the held amount.
func (b *Balance) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, b.Value())
}

// DecodeRLP restores a persisted balance.
func (b *Balance) DecodeRLP(s *rlp.Stream) error {
	var amount big.Int
	if err := s.Decode(&amount); err != nil {
		return err
	}
	v, err := toUint256(&amount)
	if err != nil {
		return err
	}
	b.value.Set(v)
	return nil
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: %s", ErrOverflow, amount)
	}
	return v, nil
}
