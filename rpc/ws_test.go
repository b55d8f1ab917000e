package rpc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"tandachain/native/tanda"
)

func TestHubFiltersByType(t *testing.T) {
	hub := NewHub(nil)
	sub, cancel := hub.subscribe([]string{tanda.EventTypeRoundAdvanced})
	defer cancel()

	hub.Emit(tanda.GuaranteeDeposited{Participant: alice, Amount: big.NewInt(5)})
	hub.Emit(tanda.RoundAdvanced{NewRound: 2})
	require.Len(t, sub.ch, 1)
	evt := <-sub.ch
	require.Equal(t, tanda.EventTypeRoundAdvanced, evt.Type)
	require.Equal(t, "2", evt.Attributes["newRound"])
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	sub, cancel := hub.subscribe(nil)
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Emit(tanda.RoundAdvanced{NewRound: uint64(i)})
	}
	require.Len(t, sub.ch, subscriberBuffer)
	require.Equal(t, 1, hub.Subscribers())
	cancel()
	require.Zero(t, hub.Subscribers())
}

func TestHubHoldsWithdrawalRequestsForSlowSubscriber(t *testing.T) {
	hub := NewHub(nil)
	sub, cancel := hub.subscribe(nil)
	defer cancel()
	for i := 0; i < subscriberBuffer; i++ {
		hub.Emit(tanda.RoundAdvanced{NewRound: uint64(i)})
	}
	hub.Emit(tanda.RoundAdvanced{NewRound: 99})
	hub.Emit(tanda.WithdrawalRequested{Participant: alice, Vault: alice, Amount: big.NewInt(3000), Round: 4})

	require.Len(t, sub.ch, subscriberBuffer)
	require.Len(t, sub.ready, 1)
	held := sub.takeHeld()
	require.Len(t, held, 1)
	require.Equal(t, tanda.EventTypeWithdrawalRequested, held[0].Type)
	require.Equal(t, "4", held[0].Attributes["round"])
	require.Empty(t, sub.takeHeld())
}
