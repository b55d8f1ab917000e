package relayer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"tandachain/crypto"
	"tandachain/native/tanda"
	"tandachain/observability"
	"tandachain/observability/logging"
)

// ErrProcessorPaused is returned when a settlement is attempted while the
// processor is paused.
var ErrProcessorPaused = errors.New("relayer: processor paused")

// Processor turns withdrawal requests into fiat transfers. It never calls
// back into the node: the on-chain side of the payout already happened.
type Processor struct {
	store    *Store
	rail     FiatRail
	policies *PolicyEnforcer
	operator string
	metrics  *observability.RelayerMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	paused bool
}

// ProcessorOption customises the processor instance.
type ProcessorOption func(*Processor)

// WithRail supplies the fiat rail implementation.
func WithRail(r FiatRail) ProcessorOption {
	return func(p *Processor) { p.rail = r }
}

// WithOperator records the relayer identity on every settlement.
func WithOperator(addr crypto.Address) ProcessorOption {
	return func(p *Processor) { p.operator = addr.String() }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithTracer overrides the tracer used for settlement spans.
func WithTracer(t trace.Tracer) ProcessorOption {
	return func(p *Processor) { p.tracer = t }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ProcessorOption {
	return func(p *Processor) { p.now = clock }
}

// NewProcessor constructs a processor enforcing the supplied policies.
func NewProcessor(store *Store, policies *PolicyEnforcer, opts ...ProcessorOption) *Processor {
	proc := &Processor{
		store:    store,
		policies: policies,
		metrics:  observability.Relayer(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("tanda/relayer"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(proc)
	}
	if proc.logger == nil {
		proc.logger = slog.Default()
	}
	if proc.tracer == nil {
		proc.tracer = otel.Tracer("tanda/relayer")
	}
	return proc
}

var (
	rejectionsOnce    sync.Once
	rejectionsCounter metric.Int64Counter
)

// rejections counts requests parked as failed before reaching the rail.
func rejections() metric.Int64Counter {
	rejectionsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("tanda/relayer")
		counter, err := meter.Int64Counter("tanda.relayer.rejections")
		if err != nil {
			counter, _ = noop.NewMeterProvider().Meter("tanda/relayer").Int64Counter("tanda.relayer.rejections")
		}
		rejectionsCounter = counter
	})
	return rejectionsCounter
}

func policyReason(err error) string {
	switch {
	case errors.Is(err, ErrDailyCapExceeded):
		return "daily_cap"
	case errors.Is(err, ErrPolicyNotFound):
		return "unknown_vault"
	default:
		return "policy"
	}
}

// Process settles one withdrawal request. Replays of a round that is
// pending or already settled are accepted silently. A request refused while
// paused or by policy is stored as failed so RetryFailed can settle it once
// the processor resumes or the cap resets.
func (p *Processor) Process(ctx context.Context, req tanda.WithdrawalRequested) (err error) {
	vault := crypto.FromRaw(req.Vault).String()
	tandaID := hex.EncodeToString(req.TandaID[:])
	ctx, span := p.tracer.Start(ctx, "relayer.process",
		trace.WithAttributes(
			attribute.String("tanda.id", tandaID),
			attribute.Int64("tanda.round", int64(req.Round)),
			attribute.String("relayer.vault", vault)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return fmt.Errorf("relayer: amount must be positive")
	}
	if p.store == nil || p.policies == nil {
		p.metrics.RecordError(vault, "config")
		return fmt.Errorf("relayer: processor not configured")
	}
	now := p.now()
	reference := SettlementReference(req.TandaID, req.Round, req.Participant)

	p.mu.Lock()
	record, claimed, err := p.store.Claim(ctx, &Settlement{
		TandaID:     tandaID,
		Round:       req.Round,
		Participant: crypto.FromRaw(req.Participant).String(),
		Vault:       vault,
		Amount:      req.Amount.String(),
		Reference:   reference,
		Operator:    p.operator,
		RequestedAt: time.Unix(req.Timestamp, 0).UTC(),
	})
	if err != nil {
		p.mu.Unlock()
		p.metrics.RecordError(vault, "store")
		return err
	}
	if !claimed {
		p.mu.Unlock()
		p.logger.Debug("settlement already handled",
			slog.String("tanda", record.TandaID),
			slog.Uint64("round", record.Round),
			slog.String("status", string(record.Status)))
		return nil
	}
	if p.paused {
		p.mu.Unlock()
		return p.park(ctx, record, "paused", ErrProcessorPaused)
	}
	if err := p.policies.Validate(req.Vault, req.Amount, now); err != nil {
		p.mu.Unlock()
		return p.park(ctx, record, policyReason(err), err)
	}
	// Reserve the amount before the lock is released; a failed transfer
	// hands it back.
	p.policies.Record(req.Vault, req.Amount, now)
	p.mu.Unlock()

	start := p.now()
	if p.rail == nil {
		p.policies.Release(req.Vault, req.Amount, now)
		_ = p.store.MarkFailed(ctx, record.ID, "rail not configured")
		p.metrics.RecordError(vault, "config")
		return fmt.Errorf("relayer: fiat rail not configured")
	}
	railRef, err := p.pay(ctx, Transfer{
		Reference:   reference,
		TandaID:     req.TandaID,
		Round:       req.Round,
		Participant: req.Participant,
		Vault:       req.Vault,
		Amount:      req.Amount,
	})
	if err != nil {
		p.policies.Release(req.Vault, req.Amount, now)
		if markErr := p.store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			p.logger.Error("record failed settlement", slog.Any("error", markErr))
		}
		p.metrics.RecordError(vault, "rail")
		p.logger.Warn("fiat transfer failed",
			slog.String("tanda", record.TandaID),
			slog.Uint64("round", record.Round),
			slog.Any("error", err))
		return err
	}
	if err := p.store.MarkSettled(ctx, record.ID, railRef, p.now()); err != nil {
		p.metrics.RecordError(vault, "store")
		return err
	}

	p.metrics.RecordCap(vault, p.policies.RemainingCap(req.Vault, now), p.policies.DailyCap(req.Vault))
	p.metrics.ObserveSettlement(vault, p.now().Sub(start))
	p.logger.Info("settlement completed",
		slog.String("tanda", record.TandaID),
		slog.Uint64("round", record.Round),
		logging.MaskField("participant", record.Participant),
		slog.String("amount", record.Amount),
		logging.MaskField("rail_reference", railRef))
	return nil
}

func (p *Processor) pay(ctx context.Context, transfer Transfer) (string, error) {
	ctx, span := p.tracer.Start(ctx, "relayer.rail_pay",
		trace.WithAttributes(attribute.String("settlement.reference", transfer.Reference)))
	defer span.End()
	railRef, err := p.rail.Pay(ctx, transfer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return railRef, err
}

// park marks a claimed settlement failed without touching the rail.
func (p *Processor) park(ctx context.Context, record *Settlement, reason string, cause error) error {
	if err := p.store.MarkFailed(ctx, record.ID, cause.Error()); err != nil {
		p.logger.Error("record refused settlement", slog.Any("error", err))
	}
	p.metrics.RecordError(record.Vault, reason)
	rejections().Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	p.logger.Warn("settlement deferred",
		slog.String("tanda", record.TandaID),
		slog.Uint64("round", record.Round),
		slog.String("reason", reason))
	return cause
}

// Pause halts new settlements.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPause(true)
}

// Resume re-enables settlements.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPause(false)
}

// Status summarises processor state for administrative endpoints.
type Status struct {
	Paused       bool              `json:"paused"`
	Settled      int64             `json:"settled"`
	Pending      int64             `json:"pending"`
	Failed       int64             `json:"failed"`
	CapRemaining map[string]string `json:"cap_remaining"`
}

// Status reports the current processor status snapshot.
func (p *Processor) Status(ctx context.Context) (Status, error) {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	status := Status{Paused: paused, CapRemaining: make(map[string]string)}
	if p.store != nil {
		counts, err := p.store.Counts(ctx)
		if err != nil {
			return status, err
		}
		status.Settled = counts[StatusSettled]
		status.Pending = counts[StatusPending]
		status.Failed = counts[StatusFailed]
	}
	if p.policies != nil {
		for vault, remaining := range p.policies.Snapshot(p.now()) {
			status.CapRemaining[vault] = remaining.String()
		}
	}
	return status, nil
}

// RetryFailed re-attempts every failed settlement. It returns the number
// that completed.
func (p *Processor) RetryFailed(ctx context.Context) (int, error) {
	if p.store == nil {
		return 0, fmt.Errorf("relayer: processor not configured")
	}
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		return 0, nil
	}
	failed, err := p.store.Failed(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, s := range failed {
		req, err := s.request()
		if err != nil {
			p.logger.Error("unreadable settlement record", slog.String("id", s.ID.String()), slog.Any("error", err))
			continue
		}
		if err := p.Process(ctx, req); err != nil {
			if errors.Is(err, ErrProcessorPaused) {
				return done, nil
			}
			continue
		}
		done++
	}
	return done, nil
}

// request rebuilds the withdrawal request a settlement was created from.
func (s Settlement) request() (tanda.WithdrawalRequested, error) {
	var out tanda.WithdrawalRequested
	raw, err := hex.DecodeString(s.TandaID)
	if err != nil || len(raw) != len(out.TandaID) {
		return out, fmt.Errorf("invalid tanda id %q", s.TandaID)
	}
	copy(out.TandaID[:], raw)
	if out.Participant, err = crypto.ParseAddress(s.Participant); err != nil {
		return out, err
	}
	if out.Vault, err = crypto.ParseAddress(s.Vault); err != nil {
		return out, err
	}
	amount, err := parseDecimal(s.Amount)
	if err != nil {
		return out, err
	}
	out.Amount = amount
	out.Round = s.Round
	out.Timestamp = s.RequestedAt.Unix()
	return out, nil
}
