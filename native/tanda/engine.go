package tanda

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"tandachain/core/coin"
	"tandachain/core/events"
	"tandachain/observability"
)

var (
	errNilState      = errors.New("tanda engine: state not configured")
	ErrTandaNotFound = errors.New("tanda engine: tanda not found")
)

// StateTx is a staged view of host state. Nothing becomes visible until
// Commit; Discard drops every staged change.
type StateTx interface {
	TandaGet(id [32]byte) (*Tanda, bool, error)
	TandaPut(t *Tanda) error
	AdminCapGet(capID [32]byte) (tandaID [32]byte, owner [20]byte, ok bool, err error)
	AdminCapPut(capID, tandaID [32]byte, owner [20]byte) error
	NextNonce(addr [20]byte) (uint64, error)
	Withdraw(addr [20]byte, amount *big.Int) (*coin.Balance, error)
	Deposit(addr [20]byte, funds *coin.Balance) error
	Balance(addr [20]byte) (*big.Int, error)
	Commit() error
	Discard()
}

type engineState interface {
	Begin() StateTx
}

// Engine hosts tanda instances: it gives each instance exclusive access for
// the duration of an operation, commits every field and account change of a
// successful operation together, and emits the resulting events only after
// the commit.
type Engine struct {
	state   engineState
	emitter events.Emitter
	logger  *slog.Logger
	metrics *observability.TandaMetrics
	nowFn   func() int64

	locksMu  sync.Mutex
	locks    map[[32]byte]*sync.Mutex
	createMu sync.Mutex
}

// NewEngine creates an engine with a no-op emitter. Callers wire state and
// collaborators through the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[[32]byte]*sync.Mutex),
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Timestamps are advisory only.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetLogger configures the structured logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetMetrics configures the metrics registry. Nil disables metrics.
func (e *Engine) SetMetrics(m *observability.TandaMetrics) { e.metrics = m }

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) lock(id [32]byte) func() {
	e.locksMu.Lock()
	mu, ok := e.locks[id]
	if !ok {
		mu = new(sync.Mutex)
		e.locks[id] = mu
	}
	e.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// emit publishes committed events and records their metrics.
func (e *Engine) emit(evts []events.Event) {
	for _, evt := range evts {
		switch evt := evt.(type) {
		case PhaseChanged:
			e.metrics.RecordTransition(evt.To.String())
		case PayoutExecuted:
			e.metrics.RecordPayout(evt.WithdrawalType.String())
		case Closed:
			e.metrics.RecordRefunds(evt.ParticipantsRefunded)
		}
		e.emitter.Emit(evt)
	}
}

func (e *Engine) observe(op string, id [32]byte, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = Code(err)
		if result == "" {
			result = "error"
		}
		e.logger.Warn("tanda operation rejected",
			slog.String("operation", op),
			slog.String("tanda", hex.EncodeToString(id[:])),
			slog.String("code", result),
			slog.Any("error", err))
	} else {
		e.logger.Debug("tanda operation applied",
			slog.String("operation", op),
			slog.String("tanda", hex.EncodeToString(id[:])))
	}
	e.metrics.ObserveOperation(op, result, time.Since(start))
}

// mutate runs fn against the stored instance under its lock and commits the
// instance together with whatever fn staged on tx.
func (e *Engine) mutate(op string, id [32]byte, fn func(tx StateTx, t *Tanda, now int64) ([]events.Event, error)) (err error) {
	start := time.Now()
	defer func() { e.observe(op, id, start, err) }()
	if e.state == nil {
		return errNilState
	}
	unlock := e.lock(id)
	defer unlock()

	tx := e.state.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()
	t, ok, err := tx.TandaGet(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTandaNotFound
	}
	evts, err := fn(tx, t, e.now())
	if err != nil {
		return err
	}
	if err := tx.TandaPut(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	e.emit(evts)
	return nil
}

// Create registers a new tanda owned by creator and hands creator the admin
// capability. It returns the new instance's snapshot and the capability id.
func (e *Engine) Create(creator [20]byte, participants [][20]byte, contribution, guarantee *big.Int, vault *[20]byte) (snap Snapshot, capID [32]byte, err error) {
	start := time.Now()
	var id [32]byte
	defer func() { e.observe("create", id, start, err) }()
	if e.state == nil {
		return Snapshot{}, capID, errNilState
	}
	e.createMu.Lock()
	defer e.createMu.Unlock()

	tx := e.state.Begin()
	committed := false
	defer func() {
		if !committed {
			tx.Discard()
		}
	}()
	nonce, err := tx.NextNonce(creator)
	if err != nil {
		return Snapshot{}, capID, err
	}
	t, capability, evts, err := Create(participants, contribution, guarantee, vault, creator, nonce, e.now())
	if err != nil {
		return Snapshot{}, capID, err
	}
	id = t.ID()
	if err := tx.TandaPut(t); err != nil {
		return Snapshot{}, capID, err
	}
	if err := tx.AdminCapPut(capability.ID(), capability.TandaID(), creator); err != nil {
		return Snapshot{}, capID, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, capID, err
	}
	committed = true
	e.emit(evts)
	return t.Snapshot(), capability.ID(), nil
}

// DepositGuarantee moves amount from participant's account into the
// guarantee pool of the tanda.
func (e *Engine) DepositGuarantee(id [32]byte, participant [20]byte, amount *big.Int) error {
	return e.mutate("deposit_guarantee", id, func(tx StateTx, t *Tanda, now int64) ([]events.Event, error) {
		if err := t.CheckGuaranteeDeposit(participant, amount); err != nil {
			return nil, err
		}
		funds, err := tx.Withdraw(participant, amount)
		if err != nil {
			return nil, err
		}
		return t.DepositGuarantee(participant, funds, now)
	})
}

// DepositPayment pays caller's own round contribution.
func (e *Engine) DepositPayment(id [32]byte, caller [20]byte, amount *big.Int) error {
	return e.depositPayment("deposit_payment", id, caller, caller, amount)
}

// DepositPaymentFor pays beneficiary's round contribution from payer's
// account.
func (e *Engine) DepositPaymentFor(id [32]byte, payer, beneficiary [20]byte, amount *big.Int) error {
	return e.depositPayment("deposit_payment_for", id, payer, beneficiary, amount)
}

func (e *Engine) depositPayment(op string, id [32]byte, payer, beneficiary [20]byte, amount *big.Int) error {
	return e.mutate(op, id, func(tx StateTx, t *Tanda, now int64) ([]events.Event, error) {
		if err := t.CheckPaymentDeposit(beneficiary, amount); err != nil {
			return nil, err
		}
		funds, err := tx.Withdraw(payer, amount)
		if err != nil {
			return nil, err
		}
		return t.DepositPayment(payer, beneficiary, funds, now)
	})
}

// PayoutRound releases the round pool to caller (crypto) or to the tanda's
// vault (fiat).
func (e *Engine) PayoutRound(id [32]byte, caller [20]byte, withdrawal WithdrawalType) error {
	return e.mutate("payout_round", id, func(tx StateTx, t *Tanda, now int64) ([]events.Event, error) {
		payout, evts, err := t.PayoutRound(caller, withdrawal, now)
		if err != nil {
			return nil, err
		}
		if err := tx.Deposit(payout.Recipient, payout.Funds); err != nil {
			return nil, err
		}
		return evts, nil
	})
}

// Close settles a completed tanda. caller must hold capID, and capID must
// be bound to id. The phase is checked before the capability.
func (e *Engine) Close(id [32]byte, capID [32]byte, caller [20]byte) error {
	return e.mutate("close", id, func(tx StateTx, t *Tanda, now int64) ([]events.Event, error) {
		if err := t.requirePhase(PhaseCompleted); err != nil {
			return nil, err
		}
		capability, err := loadAdminCap(tx, capID, caller)
		if err != nil {
			return nil, err
		}
		refunds, evts, err := t.Close(capability, now)
		if err != nil {
			return nil, err
		}
		for _, refund := range refunds {
			if err := tx.Deposit(refund.Recipient, refund.Funds); err != nil {
				return nil, err
			}
		}
		return evts, nil
	})
}

func loadAdminCap(tx StateTx, capID [32]byte, caller [20]byte) (*AdminCap, error) {
	tandaID, owner, ok, err := tx.AdminCapGet(capID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAdminCapUnknown
	}
	if owner != caller {
		return nil, ErrCapabilityNotOwned
	}
	capability := newAdminCap(tandaID)
	if capability.ID() != capID {
		return nil, ErrCapabilityMismatch
	}
	return capability, nil
}

// Get returns a snapshot of the stored instance.
func (e *Engine) Get(id [32]byte) (Snapshot, error) {
	if e.state == nil {
		return Snapshot{}, errNilState
	}
	tx := e.state.Begin()
	defer tx.Discard()
	t, ok, err := tx.TandaGet(id)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, ErrTandaNotFound
	}
	return t.Snapshot(), nil
}

// AdminCapOwner reports which tanda capID is bound to and who holds it.
func (e *Engine) AdminCapOwner(capID [32]byte) (tandaID [32]byte, owner [20]byte, err error) {
	if e.state == nil {
		return tandaID, owner, errNilState
	}
	tx := e.state.Begin()
	defer tx.Discard()
	tandaID, owner, ok, err := tx.AdminCapGet(capID)
	if err != nil {
		return tandaID, owner, err
	}
	if !ok {
		return tandaID, owner, ErrAdminCapUnknown
	}
	return tandaID, owner, nil
}

// Faucet credits amount of newly minted value to addr. It exists for
// development networks and genesis funding.
func (e *Engine) Faucet(addr [20]byte, amount *big.Int) (err error) {
	start := time.Now()
	defer func() { e.observe("faucet", [32]byte{}, start, err) }()
	if e.state == nil {
		return errNilState
	}
	funds, err := coin.Mint(amount)
	if err != nil {
		return err
	}
	tx := e.state.Begin()
	if err := tx.Deposit(addr, funds); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// Balance returns the committed account balance of addr.
func (e *Engine) Balance(addr [20]byte) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	tx := e.state.Begin()
	defer tx.Discard()
	return tx.Balance(addr)
}
