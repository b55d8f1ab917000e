package tanda

import (
	"fmt"
	"math/big"

	"tandachain/core/coin"
	"tandachain/core/events"
)

// DepositGuarantee accepts participant's security deposit. The whole payment,
// including anything above the required guarantee, is kept in the guarantee
// pool. When the last outstanding participant pays, the tanda becomes ACTIVE
// within the same call. On error payment is left untouched.
func (t *Tanda) DepositGuarantee(participant [20]byte, payment *coin.Balance, now int64) ([]events.Event, error) {
	amount := payment.Value()
	if err := t.CheckGuaranteeDeposit(participant, amount); err != nil {
		return nil, err
	}
	if err := t.guaranteeBalance.Join(payment); err != nil {
		return nil, err
	}
	t.guaranteePaid[participant] = true
	t.lastActivity = now

	evts := []events.Event{GuaranteeDeposited{TandaID: t.id, Participant: participant, Amount: amount}}
	changed, err := t.settle()
	if err != nil {
		return nil, err
	}
	if changed != nil {
		evts = append(evts, *changed)
	}
	return evts, nil
}

// CheckGuaranteeDeposit runs the guarantee preconditions without touching
// any state.
func (t *Tanda) CheckGuaranteeDeposit(participant [20]byte, amount *big.Int) error {
	if err := t.requirePhase(PhaseInitializing); err != nil {
		return err
	}
	if !t.isParticipant(participant) {
		return ErrNotParticipant
	}
	if t.guaranteePaid[participant] {
		return ErrGuaranteeAlreadyPaid
	}
	if amount == nil || amount.Cmp(t.guarantee) < 0 {
		return fmt.Errorf("%w: got %s, need %s", ErrGuaranteeTooLow, amountString(amount), t.guarantee)
	}
	return nil
}

// Outstanding lists participants that have not yet paid their guarantee, in
// turn order.
func (t *Tanda) Outstanding() [][20]byte {
	out := make([][20]byte, 0)
	for _, p := range t.participants {
		if !t.guaranteePaid[p] {
			out = append(out, p)
		}
	}
	return out
}
