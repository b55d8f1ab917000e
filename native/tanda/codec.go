package tanda

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"tandachain/core/coin"
)

type ledgerEntry struct {
	Addr   [20]byte
	Amount *big.Int
}

// tandaRecord is the persisted layout. Map ledgers are flattened in turn
// order so the encoding is deterministic.
type tandaRecord struct {
	ID               [32]byte
	Admin            [20]byte
	Participants     [][20]byte
	Contribution     *big.Int
	Guarantee        *big.Int
	CurrentRound     uint64
	Phase            uint8
	TotalPrincipal   *big.Int
	EstimatedYield   *big.Int
	RoundBalances    []ledgerEntry
	GuaranteePaid    [][20]byte
	GuaranteeBalance *coin.Balance
	PrincipalBalance *coin.Balance
	HasFiatVault     bool
	FiatVault        [20]byte
	CreatedAt        uint64
	LastActivity     uint64
}

// EncodeRLP implements rlp.Encoder.
func (t *Tanda) EncodeRLP(w io.Writer) error {
	rec := tandaRecord{
		ID:               t.id,
		Admin:            t.admin,
		Participants:     t.participants,
		Contribution:     t.contribution,
		Guarantee:        t.guarantee,
		CurrentRound:     t.currentRound,
		Phase:            uint8(t.phase),
		TotalPrincipal:   t.totalPrincipal,
		EstimatedYield:   t.estimatedYield,
		GuaranteeBalance: &t.guaranteeBalance,
		PrincipalBalance: &t.principalBalance,
		HasFiatVault:     t.hasFiatVault,
		FiatVault:        t.fiatVault,
		CreatedAt:        uint64(t.createdAt),
		LastActivity:     uint64(t.lastActivity),
	}
	seen := make(map[[20]byte]struct{}, len(t.participants))
	for _, p := range t.participants {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		rec.RoundBalances = append(rec.RoundBalances, ledgerEntry{Addr: p, Amount: t.roundBalances[p]})
		if t.guaranteePaid[p] {
			rec.GuaranteePaid = append(rec.GuaranteePaid, p)
		}
	}
	return rlp.Encode(w, &rec)
}

// DecodeRLP implements rlp.Decoder.
func (t *Tanda) DecodeRLP(s *rlp.Stream) error {
	var rec tandaRecord
	if err := s.Decode(&rec); err != nil {
		return err
	}
	if len(rec.Participants) < MinParticipants {
		return fmt.Errorf("tanda: decode: %d participants", len(rec.Participants))
	}
	phase := Phase(rec.Phase)
	if !phase.Valid() {
		return fmt.Errorf("tanda: decode: invalid phase %d", rec.Phase)
	}
	if rec.CurrentRound > uint64(len(rec.Participants)) {
		return fmt.Errorf("tanda: decode: round %d out of range", rec.CurrentRound)
	}
	*t = Tanda{
		id:             rec.ID,
		admin:          rec.Admin,
		participants:   rec.Participants,
		contribution:   orZero(rec.Contribution),
		guarantee:      orZero(rec.Guarantee),
		currentRound:   rec.CurrentRound,
		phase:          phase,
		totalPrincipal: orZero(rec.TotalPrincipal),
		estimatedYield: orZero(rec.EstimatedYield),
		roundBalances:  make(map[[20]byte]*big.Int, len(rec.Participants)),
		guaranteePaid:  make(map[[20]byte]bool, len(rec.Participants)),
		fiatVault:      rec.FiatVault,
		hasFiatVault:   rec.HasFiatVault,
		createdAt:      int64(rec.CreatedAt),
		lastActivity:   int64(rec.LastActivity),
	}
	for _, p := range t.participants {
		t.roundBalances[p] = big.NewInt(0)
		t.guaranteePaid[p] = false
	}
	for _, entry := range rec.RoundBalances {
		if _, ok := t.roundBalances[entry.Addr]; !ok {
			return fmt.Errorf("tanda: decode: ledger entry for non-participant %x", entry.Addr)
		}
		t.roundBalances[entry.Addr] = orZero(entry.Amount)
	}
	for _, p := range rec.GuaranteePaid {
		if _, ok := t.guaranteePaid[p]; !ok {
			return fmt.Errorf("tanda: decode: guarantee flag for non-participant %x", p)
		}
		t.guaranteePaid[p] = true
	}
	if err := t.guaranteeBalance.Join(rec.GuaranteeBalance); err != nil {
		return err
	}
	return t.principalBalance.Join(rec.PrincipalBalance)
}

// Marshal encodes t for storage.
func Marshal(t *Tanda) ([]byte, error) { return rlp.EncodeToBytes(t) }

// Unmarshal decodes a stored tanda.
func Unmarshal(data []byte) (*Tanda, error) {
	t := new(Tanda)
	if err := rlp.DecodeBytes(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
