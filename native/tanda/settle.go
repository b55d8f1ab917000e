package tanda

import (
	"math/big"

	"tandachain/core/events"
)

// Close refunds every participant's guarantee and moves the tanda to its
// terminal CLOSED phase. capability must have been minted for this instance.
// Refunds are paid in turn order for as long as the guarantee pool covers a
// full guarantee; the count of refunds is reported in the Closed event.
func (t *Tanda) Close(capability *AdminCap, now int64) ([]Payout, []events.Event, error) {
	if err := t.requirePhase(PhaseCompleted); err != nil {
		return nil, nil, err
	}
	if !capability.authorizes(t) {
		return nil, nil, ErrCapabilityMismatch
	}
	refunds := make([]Payout, 0, len(t.participants))
	for _, p := range t.participants {
		if t.guaranteeBalance.Cmp(t.guarantee) < 0 {
			continue
		}
		funds, err := t.guaranteeBalance.Split(t.guarantee)
		if err != nil {
			// Split cannot fail after the balance check; put back what was taken.
			for _, r := range refunds {
				_ = t.guaranteeBalance.Join(r.Funds)
			}
			return nil, nil, err
		}
		refunds = append(refunds, Payout{Recipient: p, Funds: funds})
	}
	changed, err := t.transition(PhaseClosed)
	if err != nil {
		for _, r := range refunds {
			_ = t.guaranteeBalance.Join(r.Funds)
		}
		return nil, nil, err
	}
	t.lastActivity = now

	evts := []events.Event{
		changed,
		Closed{
			TandaID:              t.id,
			TotalYield:           new(big.Int).Set(t.estimatedYield),
			ParticipantsRefunded: uint64(len(refunds)),
		},
	}
	return refunds, evts, nil
}
