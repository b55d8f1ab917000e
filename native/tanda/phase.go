package tanda

import (
	"fmt"
	"strings"
)

// Phase is the lifecycle state of a tanda. Phases only move forward, one
// step at a time.
type Phase uint8

const (
	PhaseInitializing Phase = iota
	PhaseActive
	PhaseCompleted
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "INITIALIZING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Valid reports whether the phase value is within the supported range.
func (p Phase) Valid() bool { return p <= PhaseClosed }

// ParsePhase accepts the canonical upper-case names, case-insensitively.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INITIALIZING":
		return PhaseInitializing, nil
	case "ACTIVE":
		return PhaseActive, nil
	case "COMPLETED":
		return PhaseCompleted, nil
	case "CLOSED":
		return PhaseClosed, nil
	default:
		return 0, fmt.Errorf("tanda: unknown phase %q", s)
	}
}

func (t *Tanda) requirePhase(want Phase) error {
	if t.phase != want {
		return fmt.Errorf("%w: have %s, need %s", ErrWrongPhase, t.phase, want)
	}
	return nil
}

// transition moves the tanda to next, which must be the immediate successor
// of the current phase. It is the only place phase is written after
// creation.
func (t *Tanda) transition(next Phase) (PhaseChanged, error) {
	if !next.Valid() || next != t.phase+1 {
		return PhaseChanged{}, fmt.Errorf("%w: illegal transition %s -> %s", ErrWrongPhase, t.phase, next)
	}
	evt := PhaseChanged{TandaID: t.id, From: t.phase, To: next}
	t.phase = next
	return evt, nil
}

// pendingTransition reports the transition that the current ledger state
// calls for, if any. Settlement is never automatic.
func (t *Tanda) pendingTransition() (Phase, bool) {
	switch t.phase {
	case PhaseInitializing:
		for _, p := range t.participants {
			if !t.guaranteePaid[p] {
				return 0, false
			}
		}
		return PhaseActive, true
	case PhaseActive:
		if t.currentRound == uint64(len(t.participants)) {
			return PhaseCompleted, true
		}
	}
	return 0, false
}

// settle applies the pending transition, if any. Called as the final step of
// the escrow and payout operations.
func (t *Tanda) settle() (*PhaseChanged, error) {
	next, ok := t.pendingTransition()
	if !ok {
		return nil, nil
	}
	evt, err := t.transition(next)
	if err != nil {
		return nil, err
	}
	return &evt, nil
}
