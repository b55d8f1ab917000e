package tanda

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"tandachain/core/types"
)

const (
	EventTypeCreated             = "tanda.created"
	EventTypeGuaranteeDeposited  = "tanda.guarantee_deposited"
	EventTypePaymentDeposited    = "tanda.payment_deposited"
	EventTypePayoutExecuted      = "tanda.payout_executed"
	EventTypeWithdrawalRequested = "tanda.withdrawal_requested"
	EventTypePhaseChanged        = "tanda.phase_changed"
	EventTypeRoundAdvanced       = "tanda.round_advanced"
	EventTypeClosed              = "tanda.closed"
)

// Created is emitted once per instance.
type Created struct {
	TandaID      [32]byte
	Admin        [20]byte
	Participants [][20]byte
	Contribution *big.Int
	Guarantee    *big.Int
	TotalRounds  uint64
}

func (Created) EventType() string { return EventTypeCreated }

func (e Created) Event() *types.Event {
	members := make([]string, len(e.Participants))
	for i, p := range e.Participants {
		members[i] = hex.EncodeToString(p[:])
	}
	return newEvent(EventTypeCreated, e.TandaID, map[string]string{
		"admin":        hex.EncodeToString(e.Admin[:]),
		"participants": strings.Join(members, ","),
		"contribution": amountString(e.Contribution),
		"guarantee":    amountString(e.Guarantee),
		"totalRounds":  strconv.FormatUint(e.TotalRounds, 10),
	})
}

// GuaranteeDeposited records an accepted guarantee payment.
type GuaranteeDeposited struct {
	TandaID     [32]byte
	Participant [20]byte
	Amount      *big.Int
}

func (GuaranteeDeposited) EventType() string { return EventTypeGuaranteeDeposited }

func (e GuaranteeDeposited) Event() *types.Event {
	return newEvent(EventTypeGuaranteeDeposited, e.TandaID, map[string]string{
		"participant": hex.EncodeToString(e.Participant[:]),
		"amount":      amountString(e.Amount),
	})
}

// PaymentDeposited records a round contribution. Amount is the full amount
// supplied by the payer.
type PaymentDeposited struct {
	TandaID     [32]byte
	Payer       [20]byte
	Beneficiary [20]byte
	Amount      *big.Int
	Round       uint64
}

func (PaymentDeposited) EventType() string { return EventTypePaymentDeposited }

func (e PaymentDeposited) Event() *types.Event {
	return newEvent(EventTypePaymentDeposited, e.TandaID, map[string]string{
		"payer":       hex.EncodeToString(e.Payer[:]),
		"beneficiary": hex.EncodeToString(e.Beneficiary[:]),
		"amount":      amountString(e.Amount),
		"round":       strconv.FormatUint(e.Round, 10),
	})
}

// PayoutExecuted records a round pool leaving the tanda.
type PayoutExecuted struct {
	TandaID        [32]byte
	Recipient      [20]byte
	Amount         *big.Int
	Round          uint64
	WithdrawalType WithdrawalType
}

func (PayoutExecuted) EventType() string { return EventTypePayoutExecuted }

func (e PayoutExecuted) Event() *types.Event {
	return newEvent(EventTypePayoutExecuted, e.TandaID, map[string]string{
		"recipient":      hex.EncodeToString(e.Recipient[:]),
		"amount":         amountString(e.Amount),
		"round":          strconv.FormatUint(e.Round, 10),
		"withdrawalType": e.WithdrawalType.String(),
	})
}

// WithdrawalRequested asks an off-chain settlement service to pay the
// participant in fiat from the vault.
type WithdrawalRequested struct {
	TandaID     [32]byte
	Participant [20]byte
	Vault       [20]byte
	Amount      *big.Int
	Round       uint64
	Timestamp   int64
}

func (WithdrawalRequested) EventType() string { return EventTypeWithdrawalRequested }

func (e WithdrawalRequested) Event() *types.Event {
	return newEvent(EventTypeWithdrawalRequested, e.TandaID, map[string]string{
		"participant": hex.EncodeToString(e.Participant[:]),
		"vault":       hex.EncodeToString(e.Vault[:]),
		"amount":      amountString(e.Amount),
		"round":       strconv.FormatUint(e.Round, 10),
		"timestamp":   strconv.FormatInt(e.Timestamp, 10),
	})
}

// ParseWithdrawalRequested rebuilds the structured event from its wire form.
func ParseWithdrawalRequested(evt *types.Event) (WithdrawalRequested, error) {
	var out WithdrawalRequested
	if evt == nil || evt.Type != EventTypeWithdrawalRequested {
		return out, fmt.Errorf("tanda: not a %s event", EventTypeWithdrawalRequested)
	}
	var err error
	if out.TandaID, err = decodeFixed32(evt.Attr("id")); err != nil {
		return out, fmt.Errorf("tanda: id: %w", err)
	}
	if out.Participant, err = decodeFixed20(evt.Attr("participant")); err != nil {
		return out, fmt.Errorf("tanda: participant: %w", err)
	}
	if out.Vault, err = decodeFixed20(evt.Attr("vault")); err != nil {
		return out, fmt.Errorf("tanda: vault: %w", err)
	}
	amount, ok := new(big.Int).SetString(evt.Attr("amount"), 10)
	if !ok || amount.Sign() <= 0 {
		return out, fmt.Errorf("tanda: invalid amount %q", evt.Attr("amount"))
	}
	out.Amount = amount
	if out.Round, err = strconv.ParseUint(evt.Attr("round"), 10, 64); err != nil {
		return out, fmt.Errorf("tanda: round: %w", err)
	}
	if out.Timestamp, err = strconv.ParseInt(evt.Attr("timestamp"), 10, 64); err != nil {
		return out, fmt.Errorf("tanda: timestamp: %w", err)
	}
	return out, nil
}

// PhaseChanged records a lifecycle transition.
type PhaseChanged struct {
	TandaID [32]byte
	From    Phase
	To      Phase
}

func (PhaseChanged) EventType() string { return EventTypePhaseChanged }

func (e PhaseChanged) Event() *types.Event {
	return newEvent(EventTypePhaseChanged, e.TandaID, map[string]string{
		"oldPhase": e.From.String(),
		"newPhase": e.To.String(),
	})
}

// RoundAdvanced records the new round index after a payout.
type RoundAdvanced struct {
	TandaID  [32]byte
	NewRound uint64
}

func (RoundAdvanced) EventType() string { return EventTypeRoundAdvanced }

func (e RoundAdvanced) Event() *types.Event {
	return newEvent(EventTypeRoundAdvanced, e.TandaID, map[string]string{
		"newRound": strconv.FormatUint(e.NewRound, 10),
	})
}

// Closed records terminal settlement.
type Closed struct {
	TandaID              [32]byte
	TotalYield           *big.Int
	ParticipantsRefunded uint64
}

func (Closed) EventType() string { return EventTypeClosed }

func (e Closed) Event() *types.Event {
	return newEvent(EventTypeClosed, e.TandaID, map[string]string{
		"totalYield":           amountString(e.TotalYield),
		"participantsRefunded": strconv.FormatUint(e.ParticipantsRefunded, 10),
	})
}

func newEvent(eventType string, id [32]byte, attrs map[string]string) *types.Event {
	attrs["id"] = hex.EncodeToString(id[:])
	return &types.Event{Type: eventType, Attributes: attrs}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func decodeFixed20(raw string) ([20]byte, error) {
	var out [20]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

func decodeFixed32(raw string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}
