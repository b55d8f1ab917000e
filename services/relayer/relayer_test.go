package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"gorm.io/gorm"

	"tandachain/crypto"
	"tandachain/native/tanda"
)

func fill20(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func fill32(b byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = b
	}
	return out
}

var (
	testVault       = fill20(0xF1)
	testParticipant = fill20(0xA1)
	fixedNow        = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

type recordingRail struct {
	mu        sync.Mutex
	transfers []Transfer
	fail      error
}

func (r *recordingRail) Pay(_ context.Context, transfer Transfer) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.transfers = append(r.transfers, transfer)
	return fmt.Sprintf("rail-%d", len(r.transfers)), nil
}

func (r *recordingRail) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

func newTestProcessor(t *testing.T, dailyCap int64, opts ...ProcessorOption) (*Processor, *Store, *recordingRail) {
	t.Helper()
	store := setupStore(t)
	enforcer, err := NewPolicyEnforcer([]Policy{{Vault: testVault, DailyCap: big.NewInt(dailyCap)}})
	require.NoError(t, err)
	rail := &recordingRail{}
	proc := NewProcessor(store, enforcer, append([]ProcessorOption{
		WithRail(rail),
		WithOperator(crypto.FromRaw(fill20(0x0E))),
		WithClock(func() time.Time { return fixedNow }),
	}, opts...)...)
	return proc, store, rail
}

func withdrawal(round uint64, amount int64) tanda.WithdrawalRequested {
	return tanda.WithdrawalRequested{
		TandaID:     fill32(0x11),
		Participant: testParticipant,
		Vault:       testVault,
		Amount:      big.NewInt(amount),
		Round:       round,
		Timestamp:   fixedNow.Unix(),
	}
}

func TestProcessorSettlesOncePerRound(t *testing.T) {
	proc, store, rail := newTestProcessor(t, 10_000)
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, withdrawal(0, 3000)))
	require.NoError(t, proc.Process(ctx, withdrawal(0, 3000)))
	require.Equal(t, 1, rail.count())

	transfer := rail.transfers[0]
	require.Equal(t, SettlementReference(fill32(0x11), 0, testParticipant), transfer.Reference)
	require.Equal(t, int64(3000), transfer.Amount.Int64())

	settlement, err := store.Get(ctx, fmt.Sprintf("%x", fill32(0x11)), 0)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, settlement.Status)
	require.Equal(t, "rail-1", settlement.RailReference)
	require.Equal(t, crypto.FromRaw(fill20(0x0E)).String(), settlement.Operator)
	require.NotNil(t, settlement.SettledAt)

	status, err := proc.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), status.Settled)
	require.Equal(t, "7000", status.CapRemaining[crypto.FromRaw(testVault).String()])
}

func TestProcessorEnforcesDailyCap(t *testing.T) {
	proc, _, rail := newTestProcessor(t, 5000)
	ctx := context.Background()
	require.NoError(t, proc.Process(ctx, withdrawal(0, 3000)))
	err := proc.Process(ctx, withdrawal(1, 3000))
	require.ErrorIs(t, err, ErrDailyCapExceeded)
	require.Equal(t, 1, rail.count())
}

func TestProcessorRejectsUnknownVaultAndPause(t *testing.T) {
	proc, store, rail := newTestProcessor(t, 5000)
	ctx := context.Background()

	req := withdrawal(0, 100)
	req.Vault = fill20(0x99)
	require.ErrorIs(t, proc.Process(ctx, req), ErrPolicyNotFound)

	proc.Pause()
	require.ErrorIs(t, proc.Process(ctx, withdrawal(1, 100)), ErrProcessorPaused)
	require.Equal(t, 0, rail.count())

	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)

	proc.Resume()
	require.NoError(t, proc.Process(ctx, withdrawal(2, 100)))
	require.Equal(t, 1, rail.count())
}

func TestProcessorRetriesRequestsRefusedWhilePaused(t *testing.T) {
	proc, store, rail := newTestProcessor(t, 5000)
	ctx := context.Background()

	proc.Pause()
	require.ErrorIs(t, proc.Process(ctx, withdrawal(0, 100)), ErrProcessorPaused)
	done, err := proc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Zero(t, done)

	proc.Resume()
	done, err = proc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, done)
	require.Equal(t, 1, rail.count())

	settlement, err := store.Get(ctx, fmt.Sprintf("%x", fill32(0x11)), 0)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, settlement.Status)
	require.Equal(t, 2, settlement.Attempts)
}

func TestProcessorSettlesCappedRequestNextDay(t *testing.T) {
	var mu sync.Mutex
	now := fixedNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	proc, store, rail := newTestProcessor(t, 5000, WithClock(clock))
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, withdrawal(0, 3000)))
	require.ErrorIs(t, proc.Process(ctx, withdrawal(1, 3000)), ErrDailyCapExceeded)

	done, err := proc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Zero(t, done)

	mu.Lock()
	now = fixedNow.Add(24 * time.Hour)
	mu.Unlock()
	done, err = proc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, done)
	require.Equal(t, 2, rail.count())

	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestProcessorConcurrentSettlementsRespectCap(t *testing.T) {
	proc, store, rail := newTestProcessor(t, 5000)
	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for round := uint64(0); round < 2; round++ {
		wg.Add(1)
		go func(round uint64) {
			defer wg.Done()
			errs <- proc.Process(ctx, withdrawal(round, 3000))
		}(round)
	}
	wg.Wait()
	close(errs)

	var capped int
	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, ErrDailyCapExceeded)
			capped++
		}
	}
	require.Equal(t, 1, capped)
	require.Equal(t, 1, rail.count())
}

func TestProcessorReleasesCapOnRailFailure(t *testing.T) {
	proc, _, rail := newTestProcessor(t, 5000)
	ctx := context.Background()
	rail.fail = errors.New("bank offline")
	require.Error(t, proc.Process(ctx, withdrawal(0, 3000)))
	require.Equal(t, int64(5000), proc.policies.RemainingCap(testVault, fixedNow).Int64())

	rail.fail = nil
	require.NoError(t, proc.Process(ctx, withdrawal(1, 3000)))
	require.Equal(t, int64(2000), proc.policies.RemainingCap(testVault, fixedNow).Int64())
}

func TestProcessorTracesSettlement(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	proc, _, rail := newTestProcessor(t, 10_000, WithTracer(provider.Tracer("test")))
	ctx := context.Background()

	require.NoError(t, proc.Process(ctx, withdrawal(0, 3000)))
	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "relayer.rail_pay", spans[0].Name())
	require.Equal(t, "relayer.process", spans[1].Name())
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	rail.fail = errors.New("bank offline")
	require.Error(t, proc.Process(ctx, withdrawal(1, 3000)))
	spans = recorder.Ended()
	require.Len(t, spans, 4)
	require.Equal(t, codes.Error, spans[3].Status().Code)
	require.Equal(t, "bank offline", spans[3].Status().Description)
}

func TestProcessorRetriesFailedTransfers(t *testing.T) {
	proc, store, rail := newTestProcessor(t, 10_000)
	ctx := context.Background()
	rail.fail = errors.New("bank offline")

	require.Error(t, proc.Process(ctx, withdrawal(2, 3000)))
	failed, err := store.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "bank offline", failed[0].FailureReason)

	rail.fail = nil
	done, err := proc.RetryFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, done)

	settlement, err := store.Get(ctx, failed[0].TandaID, 2)
	require.NoError(t, err)
	require.Equal(t, StatusSettled, settlement.Status)
	require.Equal(t, 2, settlement.Attempts)
	require.Equal(t, 1, rail.count())
}

func TestStoreRequeueInterrupted(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	_, claimed, err := store.Claim(ctx, &Settlement{TandaID: "aa", Round: 1, Reference: "ref", RequestedAt: fixedNow})
	require.NoError(t, err)
	require.True(t, claimed)

	_, claimed, err = store.Claim(ctx, &Settlement{TandaID: "aa", Round: 1, Reference: "ref", RequestedAt: fixedNow})
	require.NoError(t, err)
	require.False(t, claimed)

	n, err := store.RequeueInterrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, claimed, err = store.Claim(ctx, &Settlement{TandaID: "aa", Round: 1, Reference: "ref", RequestedAt: fixedNow})
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestSettlementReference(t *testing.T) {
	a := SettlementReference(fill32(1), 0, fill20(2))
	require.Len(t, a, 64)
	require.Equal(t, a, SettlementReference(fill32(1), 0, fill20(2)))
	require.NotEqual(t, a, SettlementReference(fill32(1), 1, fill20(2)))
	require.NotEqual(t, a, SettlementReference(fill32(1), 0, fill20(3)))
}

func TestPolicyEnforcerWindows(t *testing.T) {
	enforcer, err := NewPolicyEnforcer([]Policy{{Vault: testVault, DailyCap: big.NewInt(100)}})
	require.NoError(t, err)
	require.NoError(t, enforcer.Validate(testVault, big.NewInt(100), fixedNow))
	enforcer.Record(testVault, big.NewInt(80), fixedNow)
	require.ErrorIs(t, enforcer.Validate(testVault, big.NewInt(21), fixedNow), ErrDailyCapExceeded)
	require.Equal(t, int64(20), enforcer.RemainingCap(testVault, fixedNow).Int64())

	tomorrow := fixedNow.Add(24 * time.Hour)
	require.Equal(t, int64(100), enforcer.RemainingCap(testVault, tomorrow).Int64())
	require.Error(t, enforcer.Validate(testVault, big.NewInt(0), fixedNow))

	_, err = NewPolicyEnforcer(nil)
	require.Error(t, err)
	_, err = NewPolicyEnforcer([]Policy{{Vault: testVault}, {Vault: testVault}})
	require.Error(t, err)
}

func TestParsePolicies(t *testing.T) {
	vault := crypto.FromRaw(testVault).String()
	policies, err := parsePolicies([]policyFile{{Vault: vault, DailyCap: "5000"}})
	require.NoError(t, err)
	require.Len(t, policies, 1)
	require.Equal(t, testVault, policies[0].Vault)
	require.Equal(t, int64(5000), policies[0].DailyCap.Int64())

	_, err = parsePolicies([]policyFile{{Vault: vault}, {Vault: vault}})
	require.Error(t, err)
	_, err = parsePolicies([]policyFile{{Vault: "nope"}})
	require.Error(t, err)
	_, err = parsePolicies([]policyFile{{Vault: vault, DailyCap: "-1"}})
	require.Error(t, err)
}
