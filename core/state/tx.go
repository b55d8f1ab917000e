package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"tandachain/native/tanda"
)

var errTxClosed = errors.New("state: transaction already finished")

// Tx stages instance records and account deltas until Commit.
type Tx struct {
	m      *Manager
	writes map[string][]byte
	deltas map[[20]byte]*big.Int
	nonces map[[20]byte]uint64
	done   bool
}

type adminCapRecord struct {
	TandaID [32]byte
	Owner   [20]byte
}

func (tx *Tx) usable() error {
	if tx.done {
		return errTxClosed
	}
	return nil
}

func (tx *Tx) read(key []byte) ([]byte, bool, error) {
	if data, ok := tx.writes[string(key)]; ok {
		return data, true, nil
	}
	return tx.m.get(key)
}

// TandaGet loads an instance.
func (tx *Tx) TandaGet(id [32]byte) (*tanda.Tanda, bool, error) {
	if err := tx.usable(); err != nil {
		return nil, false, err
	}
	data, ok, err := tx.read(tandaKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	t, err := tanda.Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("state: decode tanda: %w", err)
	}
	return t, true, nil
}

// TandaPut stages an instance record.
func (tx *Tx) TandaPut(t *tanda.Tanda) error {
	if err := tx.usable(); err != nil {
		return err
	}
	data, err := tanda.Marshal(t)
	if err != nil {
		return fmt.Errorf("state: encode tanda: %w", err)
	}
	tx.writes[string(tandaKey(t.ID()))] = data
	return nil
}

// AdminCapGet loads the binding and holder of an admin capability.
func (tx *Tx) AdminCapGet(capID [32]byte) ([32]byte, [20]byte, bool, error) {
	var rec adminCapRecord
	if err := tx.usable(); err != nil {
		return rec.TandaID, rec.Owner, false, err
	}
	data, ok, err := tx.read(adminCapKey(capID))
	if err != nil || !ok {
		return rec.TandaID, rec.Owner, false, err
	}
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return rec.TandaID, rec.Owner, false, fmt.Errorf("state: decode admin cap: %w", err)
	}
	return rec.TandaID, rec.Owner, true, nil
}

// AdminCapPut stages an admin capability record.
func (tx *Tx) AdminCapPut(capID, tandaID [32]byte, owner [20]byte) error {
	if err := tx.usable(); err != nil {
		return err
	}
	data, err := rlp.EncodeToBytes(adminCapRecord{TandaID: tandaID, Owner: owner})
	if err != nil {
		return fmt.Errorf("state: encode admin cap: %w", err)
	}
	tx.writes[string(adminCapKey(capID))] = data
	return nil
}

// Commit writes every staged change in one batch. The transaction cannot be
// used afterwards, whether or not the commit succeeded.
func (tx *Tx) Commit() error {
	if err := tx.usable(); err != nil {
		return err
	}
	tx.done = true
	return tx.m.commit(tx)
}

// Discard drops every staged change.
func (tx *Tx) Discard() {
	tx.done = true
	tx.writes = nil
	tx.deltas = nil
	tx.nonces = nil
}
