package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type namedEvent string

func (e namedEvent) EventType() string { return string(e) }

func TestTandaMetrics(t *testing.T) {
	m := Tanda()
	m.ObserveOperation("payout_round", "ok", time.Millisecond)
	m.ObserveOperation("payout_round", " ", time.Millisecond)
	m.RecordPayout("FIAT")
	m.RecordRefunds(3)

	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("payout_round", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("payout_round", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.payouts.WithLabelValues("fiat")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.refunds))

	var disabled *TandaMetrics
	disabled.ObserveOperation("x", "ok", 0)
	disabled.RecordTransition("ACTIVE")
}

func TestRelayerCapUtilisation(t *testing.T) {
	m := Relayer()
	m.RecordCap("VaultA", big.NewInt(250), big.NewInt(1000))
	require.Equal(t, 250.0, testutil.ToFloat64(m.capRemaining.WithLabelValues("vaulta")))
	require.InDelta(t, 0.75, testutil.ToFloat64(m.capUtilization.WithLabelValues("vaulta")), 1e-9)

	m.RecordCap("", nil, big.NewInt(0))
	require.Equal(t, 0.0, testutil.ToFloat64(m.capUtilization.WithLabelValues("unknown")))
}

func TestEventCounter(t *testing.T) {
	before := testutil.ToFloat64(Events().emitted.WithLabelValues("tanda.closed"))
	EventCounter{}.Emit(namedEvent("Tanda.Closed"))
	require.Equal(t, before+1, testutil.ToFloat64(Events().emitted.WithLabelValues("tanda.closed")))
}
