package tanda

import (
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tandachain/core/coin"
	"tandachain/core/events"
)

// MinParticipants is the smallest group a tanda can be created with.
const MinParticipants = 2

// Tanda is the aggregate record of one rotating savings group. Every field is
// private; reads go through accessors and writes through the operations in
// this package, each of which validates all preconditions before mutating.
type Tanda struct {
	id           [32]byte
	admin        [20]byte
	participants [][20]byte
	contribution *big.Int
	guarantee    *big.Int
	currentRound uint64
	phase        Phase

	totalPrincipal *big.Int
	estimatedYield *big.Int

	roundBalances map[[20]byte]*big.Int
	guaranteePaid map[[20]byte]bool

	guaranteeBalance coin.Balance
	principalBalance coin.Balance

	fiatVault    [20]byte
	hasFiatVault bool

	createdAt    int64
	lastActivity int64
}

// DeriveID computes the deterministic instance identifier for a creator's
// nonce.
func DeriveID(creator [20]byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return ethcrypto.Keccak256Hash([]byte("tanda"), creator[:], buf[:])
}

// Create builds a new tanda in the INITIALIZING phase together with the admin
// capability bound to it. Duplicate identities in participants are accepted
// and share a single ledger entry.
func Create(participants [][20]byte, contribution, guarantee *big.Int, vault *[20]byte, creator [20]byte, nonce uint64, now int64) (*Tanda, *AdminCap, []events.Event, error) {
	if len(participants) < MinParticipants {
		return nil, nil, nil, ErrTooFewParticipants
	}
	if contribution == nil || contribution.Sign() <= 0 {
		return nil, nil, nil, ErrNonPositiveContribution
	}
	if guarantee == nil || guarantee.Sign() <= 0 {
		return nil, nil, nil, ErrNonPositiveGuarantee
	}
	t := &Tanda{
		id:             DeriveID(creator, nonce),
		admin:          creator,
		participants:   append([][20]byte(nil), participants...),
		contribution:   new(big.Int).Set(contribution),
		guarantee:      new(big.Int).Set(guarantee),
		phase:          PhaseInitializing,
		totalPrincipal: big.NewInt(0),
		estimatedYield: big.NewInt(0),
		roundBalances:  make(map[[20]byte]*big.Int, len(participants)),
		guaranteePaid:  make(map[[20]byte]bool, len(participants)),
		createdAt:      now,
		lastActivity:   now,
	}
	if vault != nil {
		t.fiatVault = *vault
		t.hasFiatVault = true
	}
	for _, p := range t.participants {
		t.roundBalances[p] = big.NewInt(0)
		t.guaranteePaid[p] = false
	}
	capability := newAdminCap(t.id)
	evts := []events.Event{Created{
		TandaID:      t.id,
		Admin:        t.admin,
		Participants: t.Participants(),
		Contribution: t.Contribution(),
		Guarantee:    t.Guarantee(),
		TotalRounds:  uint64(len(t.participants)),
	}}
	return t, capability, evts, nil
}

func (t *Tanda) ID() [32]byte    { return t.id }
func (t *Tanda) Admin() [20]byte { return t.admin }

// Participants returns the turn order.
func (t *Tanda) Participants() [][20]byte {
	return append([][20]byte(nil), t.participants...)
}

func (t *Tanda) Contribution() *big.Int { return new(big.Int).Set(t.contribution) }
func (t *Tanda) Guarantee() *big.Int    { return new(big.Int).Set(t.guarantee) }
func (t *Tanda) CurrentRound() uint64   { return t.currentRound }
func (t *Tanda) Phase() Phase           { return t.phase }
func (t *Tanda) TotalRounds() uint64    { return uint64(len(t.participants)) }

func (t *Tanda) TotalPrincipal() *big.Int { return new(big.Int).Set(t.totalPrincipal) }

// EstimatedYield is always zero: yield accrual is not part of this module.
func (t *Tanda) EstimatedYield() *big.Int { return new(big.Int).Set(t.estimatedYield) }

// RoundBalance reports what addr has paid in the current round.
func (t *Tanda) RoundBalance(addr [20]byte) *big.Int {
	if v, ok := t.roundBalances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (t *Tanda) GuaranteePaid(addr [20]byte) bool { return t.guaranteePaid[addr] }

func (t *Tanda) GuaranteeBalance() *big.Int { return t.guaranteeBalance.Value() }
func (t *Tanda) PrincipalBalance() *big.Int { return t.principalBalance.Value() }

// FiatVault returns the configured vault, if any.
func (t *Tanda) FiatVault() ([20]byte, bool) { return t.fiatVault, t.hasFiatVault }

func (t *Tanda) CreatedAt() int64    { return t.createdAt }
func (t *Tanda) LastActivity() int64 { return t.lastActivity }

// CurrentBeneficiary is the participant entitled to the payout of the open
// round.
func (t *Tanda) CurrentBeneficiary() [20]byte {
	return t.participants[t.currentRound%uint64(len(t.participants))]
}

// RoundPool is the amount paid out by a complete round.
func (t *Tanda) RoundPool() *big.Int {
	return new(big.Int).Mul(t.contribution, big.NewInt(int64(len(t.participants))))
}

func (t *Tanda) isParticipant(addr [20]byte) bool {
	_, ok := t.roundBalances[addr]
	return ok
}

func (t *Tanda) roundComplete() bool {
	for _, p := range t.participants {
		if t.roundBalances[p].Cmp(t.contribution) != 0 {
			return false
		}
	}
	return true
}

// Snapshot is a plain-value copy of a tanda, safe to hand to callers and to
// compare for equality.
type Snapshot struct {
	ID               [32]byte
	Admin            [20]byte
	Participants     [][20]byte
	Contribution     *big.Int
	Guarantee        *big.Int
	CurrentRound     uint64
	Phase            Phase
	TotalPrincipal   *big.Int
	EstimatedYield   *big.Int
	RoundBalances    map[[20]byte]*big.Int
	GuaranteePaid    map[[20]byte]bool
	GuaranteeBalance *big.Int
	PrincipalBalance *big.Int
	FiatVault        *[20]byte
	CreatedAt        int64
	LastActivity     int64
}

// Snapshot copies the full observable state.
func (t *Tanda) Snapshot() Snapshot {
	s := Snapshot{
		ID:               t.id,
		Admin:            t.admin,
		Participants:     t.Participants(),
		Contribution:     t.Contribution(),
		Guarantee:        t.Guarantee(),
		CurrentRound:     t.currentRound,
		Phase:            t.phase,
		TotalPrincipal:   t.TotalPrincipal(),
		EstimatedYield:   t.EstimatedYield(),
		RoundBalances:    make(map[[20]byte]*big.Int, len(t.roundBalances)),
		GuaranteePaid:    make(map[[20]byte]bool, len(t.guaranteePaid)),
		GuaranteeBalance: t.GuaranteeBalance(),
		PrincipalBalance: t.PrincipalBalance(),
		CreatedAt:        t.createdAt,
		LastActivity:     t.lastActivity,
	}
	for k, v := range t.roundBalances {
		s.RoundBalances[k] = new(big.Int).Set(v)
	}
	for k, v := range t.guaranteePaid {
		s.GuaranteePaid[k] = v
	}
	if t.hasFiatVault {
		vault := t.fiatVault
		s.FiatVault = &vault
	}
	return s
}
