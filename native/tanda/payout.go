package tanda

import (
	"fmt"
	"math/big"
	"strings"

	"tandachain/core/coin"
	"tandachain/core/events"
)

// WithdrawalType selects where a round payout is sent.
type WithdrawalType uint8

const (
	// WithdrawalCrypto pays the caller directly.
	WithdrawalCrypto WithdrawalType = iota
	// WithdrawalFiat pays the configured vault and asks the off-chain
	// settlement service to pay the caller.
	WithdrawalFiat
)

func (w WithdrawalType) String() string {
	switch w {
	case WithdrawalCrypto:
		return "CRYPTO"
	case WithdrawalFiat:
		return "FIAT"
	default:
		return fmt.Sprintf("WithdrawalType(%d)", uint8(w))
	}
}

// ParseWithdrawalType accepts "crypto" or "fiat" in any case.
func ParseWithdrawalType(s string) (WithdrawalType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRYPTO":
		return WithdrawalCrypto, nil
	case "FIAT":
		return WithdrawalFiat, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownWithdrawalType, s)
	}
}

// Payout is value released by the tanda together with its destination.
type Payout struct {
	Recipient [20]byte
	Funds     *coin.Balance
}

// PayoutRound pays the full round pool to the participant whose turn it is
// and opens the next round. After the last round the tanda is COMPLETED.
func (t *Tanda) PayoutRound(caller [20]byte, withdrawal WithdrawalType, now int64) (*Payout, []events.Event, error) {
	if err := t.requirePhase(PhaseActive); err != nil {
		return nil, nil, err
	}
	if caller != t.CurrentBeneficiary() {
		return nil, nil, ErrWrongTurn
	}
	if !t.roundComplete() {
		return nil, nil, ErrRoundIncomplete
	}
	amount := t.RoundPool()
	if t.principalBalance.Cmp(amount) < 0 {
		return nil, nil, ErrInsufficientBalance
	}
	var recipient [20]byte
	switch withdrawal {
	case WithdrawalCrypto:
		recipient = caller
	case WithdrawalFiat:
		if !t.hasFiatVault || t.fiatVault == ([20]byte{}) {
			return nil, nil, ErrVaultNotConfigured
		}
		recipient = t.fiatVault
	default:
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownWithdrawalType, withdrawal)
	}

	funds, err := t.principalBalance.Split(amount)
	if err != nil {
		return nil, nil, err
	}
	round := t.currentRound
	evts := make([]events.Event, 0, 4)
	if withdrawal == WithdrawalFiat {
		evts = append(evts, WithdrawalRequested{
			TandaID:     t.id,
			Participant: caller,
			Vault:       recipient,
			Amount:      new(big.Int).Set(amount),
			Round:       round,
			Timestamp:   now,
		})
	}
	evts = append(evts, PayoutExecuted{
		TandaID:        t.id,
		Recipient:      recipient,
		Amount:         new(big.Int).Set(amount),
		Round:          round,
		WithdrawalType: withdrawal,
	})

	for p := range t.roundBalances {
		t.roundBalances[p] = big.NewInt(0)
	}
	t.currentRound++
	changed, err := t.settle()
	if err != nil {
		return nil, nil, err
	}
	if changed != nil {
		evts = append(evts, *changed)
	}
	evts = append(evts, RoundAdvanced{TandaID: t.id, NewRound: t.currentRound})
	t.lastActivity = now

	return &Payout{Recipient: recipient, Funds: funds}, evts, nil
}
