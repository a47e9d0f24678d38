package escrow

import (
	"fmt"
	"math/big"
	"time"

	"escrowd/core/events"
	nativecommon "escrowd/native/common"
)

const simpleModuleName = "escrow.simple"

type simpleEngineState interface {
	engineState
	SimplePut(*SimpleAgreement) error
	SimpleGet(id uint64) (*SimpleAgreement, bool)
	NextSimpleID() (uint64, error)
}

// SimpleEngine implements the two-party deliver-or-refund escrow. It is a
// strict subset of the multi-party lifecycle: one buyer who funds at
// creation, one seller, and a binary outcome settled by the parties or the
// arbiter. No service fee applies on this path.
type SimpleEngine struct {
	state   simpleEngineState
	emitter events.Emitter
	policy  Policy
	pauses  nativecommon.PauseView
	nowFn   func() int64
	locked  bool
}

// NewSimpleEngine creates a two-party escrow engine with a no-op emitter.
func NewSimpleEngine() *SimpleEngine {
	return &SimpleEngine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *SimpleEngine) SetState(state simpleEngineState) { e.state = state }

// SetArbiter configures the identity allowed to resolve disputes.
func (e *SimpleEngine) SetArbiter(addr [20]byte) { e.policy.Admin = addr }

// SetPauses configures the module pause view.
func (e *SimpleEngine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *SimpleEngine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine.
func (e *SimpleEngine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *SimpleEngine) emitEvent(evtType string, s *SimpleAgreement) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: newSimpleEvent(evtType, s)})
}

func (e *SimpleEngine) lockTransfers() error {
	if e.locked {
		return ErrReentrancy
	}
	e.locked = true
	return nil
}

func (e *SimpleEngine) unlockTransfers() { e.locked = false }

func (e *SimpleEngine) loadSimple(id uint64) (*SimpleAgreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok := e.state.SimpleGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return agreement, nil
}

func (e *SimpleEngine) transfer(from, to [20]byte, amount *big.Int) error {
	helper := &Engine{state: e.state}
	return helper.transfer(from, to, amount)
}

// Create accepts custody of amount from the buyer and persists a new
// two-party escrow awaiting delivery confirmation.
func (e *SimpleEngine) Create(buyer, seller [20]byte, amount *big.Int) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, simpleModuleName); err != nil {
		return 0, err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if buyer == seller {
		return 0, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidState)
	}
	if err := e.lockTransfers(); err != nil {
		return 0, err
	}
	defer e.unlockTransfers()
	if err := e.transfer(buyer, e.state.VaultAddress(), amt); err != nil {
		return 0, err
	}
	id, err := e.state.NextSimpleID()
	if err != nil {
		return 0, err
	}
	agreement := &SimpleAgreement{
		ID:        id,
		Buyer:     buyer,
		Seller:    seller,
		Amount:    amt,
		Status:    SimpleAwaitingDelivery,
		CreatedAt: e.nowFn(),
	}
	if err := e.state.SimplePut(agreement); err != nil {
		return 0, err
	}
	e.emitEvent(EventTypeSimpleCreated, agreement)
	return id, nil
}

// Get returns a snapshot of the two-party escrow.
func (e *SimpleEngine) Get(id uint64) (*SimpleAgreement, error) {
	agreement, err := e.loadSimple(id)
	if err != nil {
		return nil, err
	}
	return agreement.Clone(), nil
}

// ConfirmDelivery releases the full amount to the seller. Buyer only.
func (e *SimpleEngine) ConfirmDelivery(id uint64, caller [20]byte) error {
	if err := nativecommon.Guard(e.pauses, simpleModuleName); err != nil {
		return err
	}
	agreement, err := e.loadSimple(id)
	if err != nil {
		return err
	}
	if caller != agreement.Buyer {
		return fmt.Errorf("%w: only the buyer can confirm delivery", ErrUnauthorized)
	}
	if agreement.Status != SimpleAwaitingDelivery {
		return fmt.Errorf("%w: cannot confirm delivery in status %d", ErrInvalidState, agreement.Status)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()
	if err := e.transfer(e.state.VaultAddress(), agreement.Seller, agreement.Amount); err != nil {
		return err
	}
	agreement.Status = SimpleComplete
	if err := e.state.SimplePut(agreement); err != nil {
		return err
	}
	e.emitEvent(EventTypeSimpleDelivered, agreement)
	e.emitEvent(EventTypeSimpleReleased, agreement)
	return nil
}

// RefundBuyer returns the full amount to the buyer. Seller only.
func (e *SimpleEngine) RefundBuyer(id uint64, caller [20]byte) error {
	if err := nativecommon.Guard(e.pauses, simpleModuleName); err != nil {
		return err
	}
	agreement, err := e.loadSimple(id)
	if err != nil {
		return err
	}
	if caller != agreement.Seller {
		return fmt.Errorf("%w: only the seller can refund", ErrUnauthorized)
	}
	if agreement.Status != SimpleAwaitingDelivery {
		return fmt.Errorf("%w: cannot refund in status %d", ErrInvalidState, agreement.Status)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()
	if err := e.transfer(e.state.VaultAddress(), agreement.Buyer, agreement.Amount); err != nil {
		return err
	}
	agreement.Status = SimpleRefunded
	if err := e.state.SimplePut(agreement); err != nil {
		return err
	}
	e.emitEvent(EventTypeSimpleRefunded, agreement)
	return nil
}

// RaiseDispute flags the escrow as contested. Buyer or seller only; no
// funds move.
func (e *SimpleEngine) RaiseDispute(id uint64, caller [20]byte) error {
	if err := nativecommon.Guard(e.pauses, simpleModuleName); err != nil {
		return err
	}
	agreement, err := e.loadSimple(id)
	if err != nil {
		return err
	}
	if caller != agreement.Buyer && caller != agreement.Seller {
		return fmt.Errorf("%w: only the buyer or seller can raise a dispute", ErrNotParty)
	}
	if agreement.Status != SimpleAwaitingDelivery {
		return fmt.Errorf("%w: cannot dispute in status %d", ErrInvalidState, agreement.Status)
	}
	agreement.Status = SimpleDisputed
	if err := e.state.SimplePut(agreement); err != nil {
		return err
	}
	e.emitEvent(EventTypeSimpleDisputed, agreement)
	return nil
}

// Resolve settles a disputed escrow in favour of the winner, who must be
// one of the two parties. Arbiter only.
func (e *SimpleEngine) Resolve(id uint64, caller, winner [20]byte) error {
	if err := nativecommon.Guard(e.pauses, simpleModuleName); err != nil {
		return err
	}
	agreement, err := e.loadSimple(id)
	if err != nil {
		return err
	}
	if !e.policy.IsAdmin(caller) {
		return fmt.Errorf("%w: only the arbiter can resolve disputes", ErrUnauthorized)
	}
	if agreement.Status != SimpleDisputed {
		return fmt.Errorf("%w: cannot resolve in status %d", ErrInvalidState, agreement.Status)
	}
	if winner != agreement.Buyer && winner != agreement.Seller {
		return fmt.Errorf("%w: winner must be the buyer or seller", ErrNotParty)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()
	if err := e.transfer(e.state.VaultAddress(), winner, agreement.Amount); err != nil {
		return err
	}
	agreement.Status = SimpleComplete
	if err := e.state.SimplePut(agreement); err != nil {
		return err
	}
	if e.emitter != nil {
		e.emitter.Emit(escrowEvent{evt: NewSimpleResolvedEvent(agreement, winner)})
	}
	return nil
}
