package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"tandachain/core/types"
	"tandachain/native/tanda"
	"tandachain/storage"
)

var (
	// ErrInsufficientFunds is returned when a commit would leave an account
	// with a negative balance.
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	errNilDatabase       = errors.New("state: database not configured")
)

// Manager owns the host key-value store. Reads go straight to the database;
// writes are staged in a Tx and land in one atomic batch on commit.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager backed by db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a staged transaction.
func (m *Manager) Begin() tanda.StateTx {
	return m.newTx()
}

func (m *Manager) newTx() *Tx {
	return &Tx{
		m:      m,
		writes: make(map[string][]byte),
		deltas: make(map[[20]byte]*big.Int),
		nonces: make(map[[20]byte]uint64),
	}
}

// Account returns the committed account stored under addr. Unknown accounts
// are returned zeroed.
func (m *Manager) Account(addr [20]byte) (*types.Account, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	data, err := m.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return types.EnsureAccount(nil), nil
	}
	if err != nil {
		return nil, err
	}
	acc := new(types.Account)
	if err := rlp.DecodeBytes(data, acc); err != nil {
		return nil, fmt.Errorf("state: decode account: %w", err)
	}
	return types.EnsureAccount(acc), nil
}

// ListTandas returns the ids of every stored instance in key order.
func (m *Manager) ListTandas() ([][32]byte, error) {
	if m.db == nil {
		return nil, errNilDatabase
	}
	keys, err := m.db.Keys(tandaPrefix)
	if err != nil {
		return nil, err
	}
	out := make([][32]byte, 0, len(keys))
	for _, key := range keys {
		var id [32]byte
		if len(key) != len(tandaPrefix)+len(id) {
			continue
		}
		copy(id[:], key[len(tandaPrefix):])
		out = append(out, id)
	}
	return out, nil
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	if m.db == nil {
		return nil, false, errNilDatabase
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// commit applies tx under the manager lock. Account deltas are rebased on
// the balances committed at that moment, so two transactions that each saw
// enough funds cannot both overdraw the same account.
func (m *Manager) commit(tx *Tx) error {
	if m.db == nil {
		return errNilDatabase
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := storage.NewBatch()
	touched := make(map[[20]byte]struct{}, len(tx.deltas)+len(tx.nonces))
	for addr := range tx.deltas {
		touched[addr] = struct{}{}
	}
	for addr := range tx.nonces {
		touched[addr] = struct{}{}
	}
	for addr := range touched {
		acc, err := m.Account(addr)
		if err != nil {
			return err
		}
		if delta, ok := tx.deltas[addr]; ok {
			acc.Balance.Add(acc.Balance, delta)
			if acc.Balance.Sign() < 0 {
				return ErrInsufficientFunds
			}
		}
		acc.Nonce += tx.nonces[addr]
		data, err := rlp.EncodeToBytes(acc)
		if err != nil {
			return fmt.Errorf("state: encode account: %w", err)
		}
		batch.Put(accountKey(addr), data)
	}
	for key, value := range tx.writes {
		batch.Put([]byte(key), value)
	}
	return m.db.Write(batch)
}
