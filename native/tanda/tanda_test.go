package tanda

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tandachain/core/coin"
	"tandachain/core/events"
)

var (
	alice   = newTestAddress(0xA1)
	bob     = newTestAddress(0xB2)
	carol   = newTestAddress(0xC3)
	backend = newTestAddress(0xBE)
	vault   = newTestAddress(0xF1)
	outside = newTestAddress(0x0D)
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func mustMint(t *testing.T, amount int64) *coin.Balance {
	t.Helper()
	b, err := coin.Mint(big.NewInt(amount))
	require.NoError(t, err)
	return b
}

func newTestTanda(t *testing.T, withVault bool) (*Tanda, *AdminCap) {
	t.Helper()
	var v *[20]byte
	if withVault {
		vv := vault
		v = &vv
	}
	td, capability, evts, err := Create([][20]byte{alice, bob, carol}, big.NewInt(1000), big.NewInt(500), v, alice, 0, 100)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	return td, capability
}

func activate(t *testing.T, td *Tanda) {
	t.Helper()
	for _, p := range [][20]byte{alice, bob, carol} {
		_, err := td.DepositGuarantee(p, mustMint(t, 500), 101)
		require.NoError(t, err)
	}
	require.Equal(t, PhaseActive, td.Phase())
}

func fundRound(t *testing.T, td *Tanda) {
	t.Helper()
	for _, p := range td.Participants() {
		_, err := td.DepositPayment(p, p, mustMint(t, 1000), 102)
		require.NoError(t, err)
	}
}

// snapshotView renders a snapshot with every big value and map in canonical
// form so two snapshots can be compared for equality.
func snapshotView(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id=%x admin=%x participants=%x ", s.ID, s.Admin, s.Participants)
	fmt.Fprintf(&b, "contribution=%s guarantee=%s round=%d phase=%s ", s.Contribution, s.Guarantee, s.CurrentRound, s.Phase)
	fmt.Fprintf(&b, "principal=%s yield=%s gbal=%s pbal=%s ", s.TotalPrincipal, s.EstimatedYield, s.GuaranteeBalance, s.PrincipalBalance)
	keys := make([]string, 0, len(s.RoundBalances))
	for k, v := range s.RoundBalances {
		keys = append(keys, fmt.Sprintf("%x:%s:%t", k, v, s.GuaranteePaid[k]))
	}
	sort.Strings(keys)
	fmt.Fprintf(&b, "ledger=%v ", keys)
	if s.FiatVault != nil {
		fmt.Fprintf(&b, "vault=%x ", *s.FiatVault)
	}
	fmt.Fprintf(&b, "created=%d activity=%d", s.CreatedAt, s.LastActivity)
	return b.String()
}

func requireUnchanged(t *testing.T, before Snapshot, td *Tanda) {
	t.Helper()
	require.Equal(t, snapshotView(before), snapshotView(td.Snapshot()))
}

func eventTypes(evts []events.Event) []string {
	out := make([]string, len(evts))
	for i, evt := range evts {
		out[i] = evt.EventType()
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	one := big.NewInt(1)
	cases := []struct {
		name         string
		participants [][20]byte
		contribution *big.Int
		guarantee    *big.Int
		want         error
	}{
		{"no participants", nil, one, one, ErrTooFewParticipants},
		{"single participant", [][20]byte{alice}, one, one, ErrTooFewParticipants},
		{"zero contribution", [][20]byte{alice, bob}, big.NewInt(0), one, ErrNonPositiveContribution},
		{"negative contribution", [][20]byte{alice, bob}, big.NewInt(-5), one, ErrNonPositiveContribution},
		{"nil guarantee", [][20]byte{alice, bob}, one, nil, ErrNonPositiveGuarantee},
		{"zero guarantee", [][20]byte{alice, bob}, one, big.NewInt(0), ErrNonPositiveGuarantee},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			td, capability, evts, err := Create(tc.participants, tc.contribution, tc.guarantee, nil, alice, 0, 1)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, ErrValidation)
			require.Nil(t, td)
			require.Nil(t, capability)
			require.Empty(t, evts)
		})
	}
}

func TestCreateInitialState(t *testing.T) {
	td, capability, evts, err := Create([][20]byte{alice, bob, carol}, big.NewInt(1000), big.NewInt(500), nil, backend, 7, 42)
	require.NoError(t, err)

	require.Equal(t, DeriveID(backend, 7), td.ID())
	require.NotEqual(t, DeriveID(backend, 8), td.ID())
	require.Equal(t, backend, td.Admin())
	require.Equal(t, PhaseInitializing, td.Phase())
	require.Zero(t, td.CurrentRound())
	require.Equal(t, uint64(3), td.TotalRounds())
	require.Zero(t, td.TotalPrincipal().Sign())
	require.Zero(t, td.EstimatedYield().Sign())
	require.Zero(t, td.GuaranteeBalance().Sign())
	require.Zero(t, td.PrincipalBalance().Sign())
	require.Equal(t, int64(42), td.CreatedAt())
	require.Equal(t, int64(42), td.LastActivity())
	require.Equal(t, [][20]byte{alice, bob, carol}, td.Outstanding())
	_, hasVault := td.FiatVault()
	require.False(t, hasVault)
	for _, p := range td.Participants() {
		require.Zero(t, td.RoundBalance(p).Sign())
		require.False(t, td.GuaranteePaid(p))
	}

	require.Equal(t, td.ID(), capability.TandaID())
	require.True(t, capability.authorizes(td))

	require.Len(t, evts, 1)
	created, ok := evts[0].(Created)
	require.True(t, ok)
	require.Equal(t, uint64(3), created.TotalRounds)
	wire := created.Event()
	require.Equal(t, EventTypeCreated, wire.Type)
	require.Equal(t, "1000", wire.Attributes["contribution"])
	require.Equal(t, "500", wire.Attributes["guarantee"])
	require.Equal(t, "3", wire.Attributes["totalRounds"])
	require.Len(t, strings.Split(wire.Attributes["participants"], ","), 3)
}

func TestCreateCopiesInputs(t *testing.T) {
	participants := [][20]byte{alice, bob}
	contribution := big.NewInt(10)
	td, _, _, err := Create(participants, contribution, big.NewInt(5), nil, alice, 0, 0)
	require.NoError(t, err)
	participants[0] = carol
	contribution.SetInt64(99)
	require.Equal(t, alice, td.Participants()[0])
	require.Equal(t, int64(10), td.Contribution().Int64())
}

func TestActivation(t *testing.T) {
	td, _ := newTestTanda(t, false)

	evts, err := td.DepositGuarantee(alice, mustMint(t, 500), 110)
	require.NoError(t, err)
	require.Equal(t, []string{EventTypeGuaranteeDeposited}, eventTypes(evts))
	_, err = td.DepositGuarantee(bob, mustMint(t, 500), 111)
	require.NoError(t, err)
	require.Equal(t, PhaseInitializing, td.Phase())
	require.Equal(t, [][20]byte{carol}, td.Outstanding())

	evts, err = td.DepositGuarantee(carol, mustMint(t, 500), 112)
	require.NoError(t, err)
	require.Equal(t, []string{EventTypeGuaranteeDeposited, EventTypePhaseChanged}, eventTypes(evts))
	changed := evts[1].(PhaseChanged)
	require.Equal(t, PhaseInitializing, changed.From)
	require.Equal(t, PhaseActive, changed.To)

	require.Equal(t, PhaseActive, td.Phase())
	require.Equal(t, int64(1500), td.GuaranteeBalance().Int64())
	require.Equal(t, int64(112), td.LastActivity())
	require.Empty(t, td.Outstanding())
}

func TestGuaranteeExcessIsRetained(t *testing.T) {
	td, _ := newTestTanda(t, false)
	payment := mustMint(t, 800)
	evts, err := td.DepositGuarantee(alice, payment, 1)
	require.NoError(t, err)
	require.True(t, payment.IsZero())
	require.Equal(t, int64(800), td.GuaranteeBalance().Int64())
	require.Equal(t, int64(800), evts[0].(GuaranteeDeposited).Amount.Int64())
}

func TestGuaranteePreconditions(t *testing.T) {
	td, _ := newTestTanda(t, false)
	_, err := td.DepositGuarantee(alice, mustMint(t, 500), 1)
	require.NoError(t, err)

	cases := []struct {
		name        string
		participant [20]byte
		amount      int64
		want        error
		kind        error
	}{
		{"outsider", outside, 500, ErrNotParticipant, ErrAuthorization},
		{"already paid", alice, 500, ErrGuaranteeAlreadyPaid, ErrLedger},
		{"below guarantee", bob, 499, ErrGuaranteeTooLow, ErrValidation},
		{"zero", bob, 0, ErrGuaranteeTooLow, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := td.Snapshot()
			payment := mustMint(t, tc.amount)
			evts, err := td.DepositGuarantee(tc.participant, payment, 99)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, tc.kind)
			require.Nil(t, evts)
			require.Equal(t, tc.amount, payment.Value().Int64())
			requireUnchanged(t, before, td)
		})
	}

	for _, p := range [][20]byte{bob, carol} {
		_, err := td.DepositGuarantee(p, mustMint(t, 500), 101)
		require.NoError(t, err)
	}
	require.Equal(t, PhaseActive, td.Phase())
	before := td.Snapshot()
	_, err = td.DepositGuarantee(bob, mustMint(t, 500), 99)
	require.ErrorIs(t, err, ErrWrongPhase)
	require.ErrorIs(t, err, ErrState)
	requireUnchanged(t, before, td)
}

func TestPayoutRound(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)
	fundRound(t, td)

	require.Equal(t, int64(3000), td.TotalPrincipal().Int64())
	for _, p := range td.Participants() {
		require.Equal(t, int64(1000), td.RoundBalance(p).Int64())
	}

	payout, evts, err := td.PayoutRound(alice, WithdrawalCrypto, 200)
	require.NoError(t, err)
	require.Equal(t, alice, payout.Recipient)
	require.Equal(t, int64(3000), payout.Funds.Value().Int64())
	require.Equal(t, []string{EventTypePayoutExecuted, EventTypeRoundAdvanced}, eventTypes(evts))
	executed := evts[0].(PayoutExecuted)
	require.Equal(t, uint64(0), executed.Round)
	require.Equal(t, WithdrawalCrypto, executed.WithdrawalType)
	require.Equal(t, uint64(1), evts[1].(RoundAdvanced).NewRound)

	require.Equal(t, uint64(1), td.CurrentRound())
	require.Equal(t, bob, td.CurrentBeneficiary())
	require.Zero(t, td.PrincipalBalance().Sign())
	require.Equal(t, int64(200), td.LastActivity())
	for _, p := range td.Participants() {
		require.Zero(t, td.RoundBalance(p).Sign())
	}
	// total principal is cumulative across rounds
	require.Equal(t, int64(3000), td.TotalPrincipal().Int64())
}

func TestPayoutWrongTurn(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)
	fundRound(t, td)
	before := td.Snapshot()

	payout, evts, err := td.PayoutRound(bob, WithdrawalCrypto, 300)
	require.ErrorIs(t, err, ErrWrongTurn)
	require.ErrorIs(t, err, ErrAuthorization)
	require.Contains(t, err.Error(), "wrong turn")
	require.Nil(t, payout)
	require.Nil(t, evts)
	requireUnchanged(t, before, td)
}

func TestPayoutIncompleteRound(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)
	_, err := td.DepositPayment(alice, alice, mustMint(t, 1000), 150)
	require.NoError(t, err)
	before := td.Snapshot()

	_, _, err = td.PayoutRound(alice, WithdrawalCrypto, 300)
	require.ErrorIs(t, err, ErrRoundIncomplete)
	require.ErrorIs(t, err, ErrLedger)
	require.Contains(t, err.Error(), "round not complete")
	requireUnchanged(t, before, td)
}

func TestPayoutPreconditionOrder(t *testing.T) {
	td, _ := newTestTanda(t, false)

	// INITIALIZING beats every other failure.
	_, _, err := td.PayoutRound(bob, WithdrawalType(9), 1)
	require.ErrorIs(t, err, ErrWrongPhase)

	activate(t, td)
	// wrong turn beats incomplete round.
	_, _, err = td.PayoutRound(bob, WithdrawalCrypto, 1)
	require.ErrorIs(t, err, ErrWrongTurn)
	// incomplete round beats the routing check.
	_, _, err = td.PayoutRound(alice, WithdrawalFiat, 1)
	require.ErrorIs(t, err, ErrRoundIncomplete)

	fundRound(t, td)
	before := td.Snapshot()
	_, _, err = td.PayoutRound(alice, WithdrawalFiat, 1)
	require.ErrorIs(t, err, ErrVaultNotConfigured)
	require.ErrorIs(t, err, ErrConfiguration)
	_, _, err = td.PayoutRound(alice, WithdrawalType(9), 1)
	require.ErrorIs(t, err, ErrUnknownWithdrawalType)
	require.ErrorIs(t, err, ErrValidation)
	requireUnchanged(t, before, td)
}

func TestPayoutFiat(t *testing.T) {
	td, _ := newTestTanda(t, true)
	activate(t, td)
	fundRound(t, td)

	payout, evts, err := td.PayoutRound(alice, WithdrawalFiat, 400)
	require.NoError(t, err)
	require.Equal(t, vault, payout.Recipient)
	require.Equal(t, int64(3000), payout.Funds.Value().Int64())
	require.Equal(t, []string{EventTypeWithdrawalRequested, EventTypePayoutExecuted, EventTypeRoundAdvanced}, eventTypes(evts))

	requested := evts[0].(WithdrawalRequested)
	require.Equal(t, alice, requested.Participant)
	require.Equal(t, vault, requested.Vault)
	require.Equal(t, int64(3000), requested.Amount.Int64())
	require.Equal(t, int64(400), requested.Timestamp)

	parsed, err := ParseWithdrawalRequested(requested.Event())
	require.NoError(t, err)
	require.Equal(t, requested.TandaID, parsed.TandaID)
	require.Equal(t, requested.Participant, parsed.Participant)
	require.Equal(t, requested.Vault, parsed.Vault)
	require.Zero(t, requested.Amount.Cmp(parsed.Amount))
	require.Equal(t, requested.Round, parsed.Round)
	require.Equal(t, requested.Timestamp, parsed.Timestamp)

	executed := evts[1].(PayoutExecuted)
	require.Equal(t, vault, executed.Recipient)
	require.Equal(t, "FIAT", executed.Event().Attributes["withdrawalType"])
}

func TestParseWithdrawalRequestedRejectsOtherEvents(t *testing.T) {
	_, err := ParseWithdrawalRequested(RoundAdvanced{NewRound: 1}.Event())
	require.Error(t, err)
	_, err = ParseWithdrawalRequested(nil)
	require.Error(t, err)
}

func TestDelegatedDeposit(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)

	evts, err := td.DepositPayment(backend, alice, mustMint(t, 1000), 500)
	require.NoError(t, err)
	deposited := evts[0].(PaymentDeposited)
	require.Equal(t, backend, deposited.Payer)
	require.Equal(t, alice, deposited.Beneficiary)
	require.Equal(t, int64(1000), td.RoundBalance(alice).Int64())
	require.Zero(t, td.RoundBalance(backend).Sign())
	require.Equal(t, int64(1000), td.PrincipalBalance().Int64())
}

func TestPartialPayments(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)

	_, err := td.DepositPayment(bob, bob, mustMint(t, 400), 1)
	require.NoError(t, err)
	_, err = td.DepositPayment(bob, bob, mustMint(t, 600), 2)
	require.NoError(t, err)
	require.Equal(t, int64(1000), td.RoundBalance(bob).Int64())

	before := td.Snapshot()
	_, err = td.DepositPayment(bob, bob, mustMint(t, 1), 3)
	require.ErrorIs(t, err, ErrRoundAlreadyPaid)
	requireUnchanged(t, before, td)
}

func TestOverpaymentIsDonatedToPool(t *testing.T) {
	td, _ := newTestTanda(t, false)
	activate(t, td)

	payment := mustMint(t, 1500)
	evts, err := td.DepositPayment(alice, alice, payment, 1)
	require.NoError(t, err)
	require.True(t, payment.IsZero())
	require.Equal(t, int64(1000), td.RoundBalance(alice).Int64())
	require.Equal(t, int64(1000), td.TotalPrincipal().Int64())
	require.Equal(t, int64(1500), td.PrincipalBalance().Int64())
	require.Equal(t, int64(1500), evts[0].(PaymentDeposited).Amount.Int64())
}

func TestPaymentPreconditions(t *testing.T) {
	td, _ := newTestTanda(t, false)

	before := td.Snapshot()
	_, err := td.DepositPayment(alice, alice, mustMint(t, 1000), 1)
	require.ErrorIs(t, err, ErrWrongPhase)
	requireUnchanged(t, before, td)

	activate(t, td)
	cases := []struct {
		name        string
		beneficiary [20]byte
		amount      int64
		want        error
	}{
		{"outsider beneficiary", outside, 1000, ErrNotParticipant},
		{"empty payment", alice, 0, ErrEmptyPayment},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := td.Snapshot()
			payment := mustMint(t, tc.amount)
			_, err := td.DepositPayment(alice, tc.beneficiary, payment, 2)
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, tc.amount, payment.Value().Int64())
			requireUnchanged(t, before, td)
		})
	}
}

func TestFullCycleAndClose(t *testing.T) {
	td, capability := newTestTanda(t, false)
	activate(t, td)

	var last []events.Event
	for round, p := range td.Participants() {
		fundRound(t, td)
		payout, evts, err := td.PayoutRound(p, WithdrawalCrypto, int64(1000+round))
		require.NoError(t, err)
		require.Equal(t, p, payout.Recipient)
		last = evts
	}
	require.Equal(t, []string{EventTypePayoutExecuted, EventTypePhaseChanged, EventTypeRoundAdvanced}, eventTypes(last))
	require.Equal(t, PhaseCompleted, td.Phase())
	require.Equal(t, uint64(3), td.CurrentRound())
	require.Equal(t, int64(9000), td.TotalPrincipal().Int64())

	refunds, evts, err := td.Close(capability, 2000)
	require.NoError(t, err)
	require.Len(t, refunds, 3)
	for i, p := range [][20]byte{alice, bob, carol} {
		require.Equal(t, p, refunds[i].Recipient)
		require.Equal(t, int64(500), refunds[i].Funds.Value().Int64())
	}
	require.Equal(t, []string{EventTypePhaseChanged, EventTypeClosed}, eventTypes(evts))
	closed := evts[1].(Closed)
	require.Equal(t, uint64(3), closed.ParticipantsRefunded)
	require.Zero(t, closed.TotalYield.Sign())
	require.Equal(t, PhaseClosed, td.Phase())
	require.Zero(t, td.GuaranteeBalance().Sign())

	// Terminal: every mutating call is a state error.
	before := td.Snapshot()
	_, err = td.DepositGuarantee(alice, mustMint(t, 500), 1)
	require.ErrorIs(t, err, ErrState)
	_, err = td.DepositPayment(alice, alice, mustMint(t, 1000), 1)
	require.ErrorIs(t, err, ErrState)
	_, _, err = td.PayoutRound(alice, WithdrawalCrypto, 1)
	require.ErrorIs(t, err, ErrState)
	_, _, err = td.Close(capability, 1)
	require.ErrorIs(t, err, ErrState)
	requireUnchanged(t, before, td)
}

func TestCloseRequiresCompletedAndBoundCapability(t *testing.T) {
	td, capability := newTestTanda(t, false)
	other, otherCap, _, err := Create([][20]byte{alice, bob}, big.NewInt(1), big.NewInt(1), nil, bob, 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, other.ID(), td.ID())

	_, _, err = td.Close(capability, 1)
	require.ErrorIs(t, err, ErrWrongPhase)

	activate(t, td)
	for _, p := range td.Participants() {
		fundRound(t, td)
		_, _, err := td.PayoutRound(p, WithdrawalCrypto, 1)
		require.NoError(t, err)
	}

	before := td.Snapshot()
	_, _, err = td.Close(otherCap, 5)
	require.ErrorIs(t, err, ErrCapabilityMismatch)
	require.ErrorIs(t, err, ErrAuthorization)
	_, _, err = td.Close(nil, 5)
	require.ErrorIs(t, err, ErrCapabilityMismatch)
	_, _, err = td.Close(&AdminCap{}, 5)
	require.ErrorIs(t, err, ErrCapabilityMismatch)
	requireUnchanged(t, before, td)

	_, _, err = td.Close(capability, 5)
	require.NoError(t, err)
}

func TestDuplicateParticipantsShareLedger(t *testing.T) {
	td, _, _, err := Create([][20]byte{alice, alice, bob}, big.NewInt(100), big.NewInt(50), nil, alice, 0, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(3), td.TotalRounds())

	_, err = td.DepositGuarantee(alice, mustMint(t, 50), 1)
	require.NoError(t, err)
	_, err = td.DepositGuarantee(alice, mustMint(t, 50), 1)
	require.ErrorIs(t, err, ErrGuaranteeAlreadyPaid)
	_, err = td.DepositGuarantee(bob, mustMint(t, 50), 1)
	require.NoError(t, err)
	require.Equal(t, PhaseActive, td.Phase())

	for _, p := range [][20]byte{alice, bob} {
		_, err := td.DepositPayment(p, p, mustMint(t, 100), 2)
		require.NoError(t, err)
	}
	// The shared entry satisfies both of alice's slots, but the pool is sized
	// for three payments.
	_, _, err = td.PayoutRound(alice, WithdrawalCrypto, 3)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransitionIsMonotonic(t *testing.T) {
	td, _ := newTestTanda(t, false)
	for _, next := range []Phase{PhaseInitializing, PhaseCompleted, PhaseClosed, Phase(7)} {
		_, err := td.transition(next)
		require.ErrorIs(t, err, ErrWrongPhase, "transition to %s", next)
		require.Equal(t, PhaseInitializing, td.Phase())
	}
	changed, err := td.transition(PhaseActive)
	require.NoError(t, err)
	require.Equal(t, PhaseInitializing, changed.From)
	require.Equal(t, PhaseActive, changed.To)
	_, err = td.transition(PhaseInitializing)
	require.ErrorIs(t, err, ErrWrongPhase)
}

func TestParsePhaseAndWithdrawalType(t *testing.T) {
	for _, p := range []Phase{PhaseInitializing, PhaseActive, PhaseCompleted, PhaseClosed} {
		parsed, err := ParsePhase(strings.ToLower(p.String()))
		require.NoError(t, err)
		require.Equal(t, p, parsed)
	}
	_, err := ParsePhase("paused")
	require.Error(t, err)

	w, err := ParseWithdrawalType(" fiat ")
	require.NoError(t, err)
	require.Equal(t, WithdrawalFiat, w)
	_, err = ParseWithdrawalType("wire")
	require.ErrorIs(t, err, ErrUnknownWithdrawalType)
}

func TestErrorCodes(t *testing.T) {
	require.Equal(t, "wrong_turn", Code(ErrWrongTurn))
	require.Equal(t, "wrong_phase", Code(fmt.Errorf("outer: %w", ErrWrongPhase)))
	require.Empty(t, Code(errors.New("boom")))
	require.Equal(t, ErrLedger, ErrRoundIncomplete.Kind())
	require.False(t, errors.Is(ErrRoundIncomplete, ErrValidation))
}
