package tanda

import (
	"math/big"

	"tandachain/core/coin"
	"tandachain/core/events"
)

// DepositPayment credits beneficiary's contribution for the open round with
// funds supplied by payer. payer and beneficiary may differ, which is how a
// relayer pays on behalf of a participant.
//
// The credited amount is capped at what beneficiary still owes, but the whole
// payment joins the principal pool: any excess stays there and is not
// returned to payer.
func (t *Tanda) DepositPayment(payer, beneficiary [20]byte, payment *coin.Balance, now int64) ([]events.Event, error) {
	supplied := payment.Value()
	if err := t.CheckPaymentDeposit(beneficiary, supplied); err != nil {
		return nil, err
	}
	paid := t.roundBalances[beneficiary]
	accepted := new(big.Int).Sub(t.contribution, paid)
	if supplied.Cmp(accepted) < 0 {
		accepted.Set(supplied)
	}
	if err := t.principalBalance.Join(payment); err != nil {
		return nil, err
	}
	t.roundBalances[beneficiary] = new(big.Int).Add(paid, accepted)
	t.totalPrincipal.Add(t.totalPrincipal, accepted)
	t.lastActivity = now

	return []events.Event{PaymentDeposited{
		TandaID:     t.id,
		Payer:       payer,
		Beneficiary: beneficiary,
		Amount:      supplied,
		Round:       t.currentRound,
	}}, nil
}

// CheckPaymentDeposit runs the contribution preconditions without touching
// any state.
func (t *Tanda) CheckPaymentDeposit(beneficiary [20]byte, amount *big.Int) error {
	if err := t.requirePhase(PhaseActive); err != nil {
		return err
	}
	if !t.isParticipant(beneficiary) {
		return ErrNotParticipant
	}
	if t.roundBalances[beneficiary].Cmp(t.contribution) >= 0 {
		return ErrRoundAlreadyPaid
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrEmptyPayment
	}
	return nil
}

// RoundTotal sums the current round's contributions across distinct
// participants.
func (t *Tanda) RoundTotal() *big.Int {
	total := big.NewInt(0)
	for _, v := range t.roundBalances {
		total.Add(total, v)
	}
	return total
}
