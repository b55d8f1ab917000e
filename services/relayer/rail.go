package relayer

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"

	"lukechampine.com/blake3"
)

// Transfer asks a fiat rail to pay Participant out of Vault's float.
// Reference is stable for a (tanda, round, participant) triple and is the
// rail's idempotency key.
type Transfer struct {
	Reference   string
	TandaID     [32]byte
	Round       uint64
	Participant [20]byte
	Vault       [20]byte
	Amount      *big.Int
}

// FiatRail moves fiat to participants. It returns the rail's own reference
// for the completed transfer.
type FiatRail interface {
	Pay(ctx context.Context, transfer Transfer) (string, error)
}

// FuncRail adapts a function to the FiatRail interface.
type FuncRail func(ctx context.Context, transfer Transfer) (string, error)

// Pay implements FiatRail.
func (f FuncRail) Pay(ctx context.Context, transfer Transfer) (string, error) {
	if f == nil {
		return "", errors.New("relayer: fiat rail not configured")
	}
	return f(ctx, transfer)
}

var referenceDomain = []byte("tanda/settlement/v1")

// SettlementReference derives the deterministic reference for a round payout.
func SettlementReference(tandaID [32]byte, round uint64, participant [20]byte) string {
	buf := make([]byte, 0, len(referenceDomain)+32+8+20)
	buf = append(buf, referenceDomain...)
	buf = append(buf, tandaID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, round)
	buf = append(buf, participant[:]...)
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
