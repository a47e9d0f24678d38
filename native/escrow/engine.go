package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
	nativecommon "escrowd/native/common"
	"escrowd/native/fees"
)

const moduleName = "escrow"

var (
	errNilState = errors.New("escrow engine: state not configured")
	errNilAdmin = errors.New("escrow engine: administrator not configured")
)

type engineState interface {
	AgreementPut(*Agreement) error
	AgreementGet(id uint64) (*Agreement, bool)
	NextAgreementID() (uint64, error)
	StakeGet(id uint64, addr [20]byte) (*big.Int, error)
	StakePut(id uint64, addr [20]byte, amount *big.Int) error
	ServiceFeeBps() (uint32, error)
	SetServiceFeeBps(uint32) error
	VaultAddress() [20]byte
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine implements the multi-party agreement lifecycle: creation, the
// unanimous-approval release gate, the stake ledger and the dispute and
// cancellation paths. It validates every operation against the access
// policy before touching state and emits one notification per completed
// mutation.
type Engine struct {
	state   engineState
	emitter events.Emitter
	policy  Policy
	pauses  nativecommon.PauseView
	nowFn   func() int64

	// locked guards fund-moving operations against reentrant calls while a
	// transfer is in flight.
	locked bool
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAdmin configures the administrator identity consulted by the access
// policy.
func (e *Engine) SetAdmin(addr [20]byte) { e.policy.Admin = addr }

// SetPauses configures the module pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// lockTransfers marks the engine as executing a fund-moving operation. A
// nested call arriving before unlockTransfers observes the flag and fails
// instead of seeing half-applied accounting.
func (e *Engine) lockTransfers() error {
	if e.locked {
		return ErrReentrancy
	}
	e.locked = true
	return nil
}

func (e *Engine) unlockTransfers() { e.locked = false }

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	if acc.Stake == nil {
		acc.Stake = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadAgreement(id uint64) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	agreement, ok := e.state.AgreementGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return agreement, nil
}

func (e *Engine) expired(a *Agreement) bool {
	return a != nil && e.now() >= a.Expiration
}

// balanceDraft stages account balance mutations in memory. A multi-leg
// settlement transfers against the draft and commits once every leg has
// succeeded, so a refused leg leaves no persisted trace of the earlier ones.
type balanceDraft struct {
	state    engineState
	accounts map[[20]byte]*types.Account
	order    [][20]byte
}

func newBalanceDraft(state engineState) *balanceDraft {
	return &balanceDraft{
		state:    state,
		accounts: make(map[[20]byte]*types.Account),
	}
}

func (d *balanceDraft) account(addr [20]byte) (*types.Account, error) {
	if acc, ok := d.accounts[addr]; ok {
		return acc, nil
	}
	acc, err := d.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	acc = ensureAccount(acc)
	d.accounts[addr] = acc
	d.order = append(d.order, addr)
	return acc, nil
}

// transfer moves custody units between accounts within the draft. Zero
// amounts are a no-op; negative amounts and insufficient balances abort.
func (d *balanceDraft) transfer(from, to [20]byte, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrInvalidAmount)
	}
	fromAcc, err := d.account(from)
	if err != nil {
		return err
	}
	toAcc, err := d.account(to)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrInvalidAmount)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	return nil
}

// commit writes the staged accounts back in first-touch order.
func (d *balanceDraft) commit() error {
	for _, addr := range d.order {
		if err := d.state.PutAccount(addr[:], d.accounts[addr]); err != nil {
			return err
		}
	}
	return nil
}

// transfer moves custody units between accounts and persists the result.
func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	draft := newBalanceDraft(e.state)
	if err := draft.transfer(from, to, amount); err != nil {
		return err
	}
	return draft.commit()
}

// custodyBalance returns the total custody pool held by the vault across
// all agreements.
func (e *Engine) custodyBalance() (*big.Int, error) {
	vaultAddr := e.state.VaultAddress()
	vault, err := e.state.GetAccount(vaultAddr[:])
	if err != nil {
		return nil, err
	}
	return cloneBigInt(ensureAccount(vault).Balance), nil
}

// CreateAgreement validates the parameters, assigns the next identifier and
// persists a new agreement with all approval flags cleared.
func (e *Engine) CreateAgreement(buyers, sellers [][20]byte, amount *big.Int, expiration int64) (uint64, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, err
	}
	if len(buyers) == 0 || len(sellers) == 0 {
		return 0, ErrEmptyParties
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	now := e.now()
	if expiration <= now {
		return 0, ErrInvalidExpiration
	}
	id, err := e.state.NextAgreementID()
	if err != nil {
		return 0, err
	}
	agreement := &Agreement{
		ID:         id,
		Buyers:     make([]Party, len(buyers)),
		Sellers:    make([]Party, len(sellers)),
		Amount:     amt,
		Expiration: expiration,
		Released:   big.NewInt(0),
		Staked:     big.NewInt(0),
		CreatedAt:  now,
	}
	for i, addr := range buyers {
		agreement.Buyers[i] = Party{Address: addr}
	}
	for i, addr := range sellers {
		agreement.Sellers[i] = Party{Address: addr}
	}
	if err := e.state.AgreementPut(agreement); err != nil {
		return 0, err
	}
	e.emit(NewCreatedEvent(agreement))
	return id, nil
}

// AgreementDetails returns a snapshot of the agreement's fields.
func (e *Engine) AgreementDetails(id uint64) (*Agreement, error) {
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return nil, err
	}
	return agreement.Clone(), nil
}

// StakeOf returns the accumulated stake recorded for the party within the
// agreement.
func (e *Engine) StakeOf(id uint64, addr [20]byte) (*big.Int, error) {
	if _, err := e.loadAgreement(id); err != nil {
		return nil, err
	}
	return e.state.StakeGet(id, addr)
}

// ServiceFeeBps returns the current service fee in basis points.
func (e *Engine) ServiceFeeBps() (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	return e.state.ServiceFeeBps()
}

// SetServiceFee replaces the service-fee singleton. Administrator only,
// bounded by the fees cap.
func (e *Engine) SetServiceFee(caller [20]byte, bps uint32) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.policy.Admin == ([20]byte{}) {
		return errNilAdmin
	}
	if !e.policy.IsAdmin(caller) {
		return fmt.Errorf("%w: only the administrator can set the fee", ErrUnauthorized)
	}
	if err := fees.ValidateBps(bps); err != nil {
		return fmt.Errorf("%w: %d bps", ErrFeeOutOfBounds, bps)
	}
	return e.state.SetServiceFeeBps(bps)
}

// DepositFunds accepts custody of value from a buyer. The deposit is
// recorded in the custody pool and announced, but it does not feed the
// release accounting; the agreement amount is a declared target, not a
// funded balance.
func (e *Engine) DepositFunds(id uint64, caller [20]byte, value *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if agreement.Cancelled {
		return fmt.Errorf("%w: agreement cancelled", ErrInvalidState)
	}
	if e.expired(agreement) {
		return fmt.Errorf("%w: agreement expired", ErrInvalidState)
	}
	if !IsBuyer(agreement, caller) {
		return fmt.Errorf("%w: only buyers can deposit funds", ErrUnauthorized)
	}
	amt := cloneBigInt(value)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: deposit must be greater than zero", ErrInvalidAmount)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()
	if err := e.transfer(caller, e.state.VaultAddress(), amt); err != nil {
		return err
	}
	e.emit(NewDepositedEvent(id, caller, amt.String()))
	return nil
}

// ReleaseFunds records the caller's approval for the proposed tranche and,
// once every buyer has approved, settles it: the fee goes to the
// administrator, the remainder is split evenly across sellers, and integer
// division remainders stay in custody.
//
// Approval flags survive a completed release. A later tranche therefore
// passes the gate on its first call because all flags are still set from
// the prior round; this mirrors the system being modelled and is a
// documented sharp edge rather than an accident.
func (e *Engine) ReleaseFunds(id uint64, caller [20]byte, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if agreement.Disputed {
		return fmt.Errorf("%w: agreement disputed", ErrInvalidState)
	}
	if agreement.Cancelled {
		return fmt.Errorf("%w: agreement cancelled", ErrInvalidState)
	}
	if e.expired(agreement) {
		return fmt.Errorf("%w: agreement expired", ErrInvalidState)
	}
	if !IsBuyer(agreement, caller) {
		return fmt.Errorf("%w: only buyers can release funds", ErrUnauthorized)
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: release must be greater than zero", ErrInvalidAmount)
	}
	if amt.Cmp(agreement.Remaining()) > 0 {
		return fmt.Errorf("%w: release exceeds remaining balance", ErrInvalidAmount)
	}

	for i := range agreement.Buyers {
		if agreement.Buyers[i].Address == caller {
			agreement.Buyers[i].Approved = true
			break
		}
	}
	unanimous := true
	for _, buyer := range agreement.Buyers {
		if !buyer.Approved {
			unanimous = false
			break
		}
	}
	if !unanimous {
		if err := e.state.AgreementPut(agreement); err != nil {
			return err
		}
		e.emit(NewApprovedEvent(id, caller, amt.String()))
		return nil
	}

	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()

	bps, err := e.state.ServiceFeeBps()
	if err != nil {
		return err
	}
	settlement := fees.Apply(amt, bps)
	share, _ := fees.SplitEven(settlement.Net, len(agreement.Sellers))
	vault := e.state.VaultAddress()

	// Every leg runs against a draft that commits only after the last one
	// succeeds, so a refused payment aborts the whole operation with no
	// account touched and releasedAmount unchanged.
	draft := newBalanceDraft(e.state)
	for _, seller := range agreement.Sellers {
		if err := draft.transfer(vault, seller.Address, share); err != nil {
			return err
		}
	}
	if err := draft.transfer(vault, e.policy.Admin, settlement.Fee); err != nil {
		return err
	}
	if err := draft.commit(); err != nil {
		return err
	}
	agreement.Released = new(big.Int).Add(agreement.Released, amt)
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	for _, seller := range agreement.Sellers {
		e.emit(NewReleasedEvent(id, seller.Address, share.String()))
	}
	return nil
}

// InitiateDispute flags the agreement as contested. Any party may raise it;
// no funds move.
func (e *Engine) InitiateDispute(id uint64, caller [20]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if agreement.Disputed {
		return fmt.Errorf("%w: agreement already disputed", ErrInvalidState)
	}
	if agreement.Cancelled {
		return fmt.Errorf("%w: agreement cancelled", ErrInvalidState)
	}
	if e.expired(agreement) {
		return fmt.Errorf("%w: agreement expired", ErrInvalidState)
	}
	if !IsParty(agreement, caller) {
		return fmt.Errorf("%w: only agreement parties can initiate a dispute", ErrNotParty)
	}
	agreement.Disputed = true
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	e.emit(NewDisputedEvent(id, caller))
	return nil
}

// ResolveDispute settles a contested agreement: the winner receives the
// whole custody pool minus the service fee, which goes to the
// administrator. The pool is shared across agreements; resolution drains it
// rather than the agreement's own escrowed amount (preserved behaviour of
// the modelled system, recorded in DESIGN.md). Resolution works after
// expiration, so stuck disputes can always be closed.
func (e *Engine) ResolveDispute(id uint64, caller, winner [20]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.policy.IsAdmin(caller) {
		return fmt.Errorf("%w: only the administrator can resolve disputes", ErrUnauthorized)
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if !agreement.Disputed {
		return fmt.Errorf("%w: agreement is not disputed", ErrInvalidState)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()

	pool, err := e.custodyBalance()
	if err != nil {
		return err
	}
	bps, err := e.state.ServiceFeeBps()
	if err != nil {
		return err
	}
	settlement := fees.Apply(pool, bps)
	vault := e.state.VaultAddress()
	draft := newBalanceDraft(e.state)
	if err := draft.transfer(vault, winner, settlement.Net); err != nil {
		return err
	}
	if err := draft.transfer(vault, e.policy.Admin, settlement.Fee); err != nil {
		return err
	}
	if err := draft.commit(); err != nil {
		return err
	}
	agreement.Disputed = false
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	e.emit(NewResolvedEvent(id, winner, settlement.Net.String()))
	return nil
}

// CancelAgreement withdraws an undisputed, unexpired agreement and refunds
// the custody pool evenly across its buyers; no fee applies. Cancellation
// is terminal. The whole-pool scoping matches ResolveDispute.
func (e *Engine) CancelAgreement(id uint64, caller [20]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if agreement.Disputed {
		return fmt.Errorf("%w: agreement disputed", ErrInvalidState)
	}
	if agreement.Cancelled {
		return fmt.Errorf("%w: agreement already cancelled", ErrInvalidState)
	}
	if e.expired(agreement) {
		return fmt.Errorf("%w: agreement expired", ErrInvalidState)
	}
	if !IsParty(agreement, caller) {
		return fmt.Errorf("%w: only agreement parties can cancel", ErrNotParty)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()

	pool, err := e.custodyBalance()
	if err != nil {
		return err
	}
	share, _ := fees.SplitEven(pool, len(agreement.Buyers))
	vault := e.state.VaultAddress()
	draft := newBalanceDraft(e.state)
	for _, buyer := range agreement.Buyers {
		if err := draft.transfer(vault, buyer.Address, share); err != nil {
			return err
		}
	}
	if err := draft.commit(); err != nil {
		return err
	}
	agreement.Cancelled = true
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	e.emit(NewCancelledEvent(id, caller))
	return nil
}

// DepositStake accepts a side deposit from any party and records it in the
// per-(agreement, party) ledger. Stakes accumulate; no operation withdraws
// or applies them.
func (e *Engine) DepositStake(id uint64, caller [20]byte, value *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	agreement, err := e.loadAgreement(id)
	if err != nil {
		return err
	}
	if agreement.Cancelled {
		return fmt.Errorf("%w: agreement cancelled", ErrInvalidState)
	}
	if e.expired(agreement) {
		return fmt.Errorf("%w: agreement expired", ErrInvalidState)
	}
	if !IsParty(agreement, caller) {
		return fmt.Errorf("%w: only agreement parties can stake", ErrNotParty)
	}
	amt := cloneBigInt(value)
	if amt.Sign() <= 0 {
		return fmt.Errorf("%w: stake must be greater than zero", ErrInvalidAmount)
	}
	if err := e.lockTransfers(); err != nil {
		return err
	}
	defer e.unlockTransfers()

	if err := e.transfer(caller, e.state.VaultAddress(), amt); err != nil {
		return err
	}
	staked, err := e.state.StakeGet(id, caller)
	if err != nil {
		return err
	}
	if err := e.state.StakePut(id, caller, new(big.Int).Add(staked, amt)); err != nil {
		return err
	}
	agreement.Staked = new(big.Int).Add(agreement.Staked, amt)
	if err := e.state.AgreementPut(agreement); err != nil {
		return err
	}
	callerAcc, err := e.state.GetAccount(caller[:])
	if err != nil {
		return err
	}
	callerAcc = ensureAccount(callerAcc)
	callerAcc.Stake = new(big.Int).Add(callerAcc.Stake, amt)
	if err := e.state.PutAccount(caller[:], callerAcc); err != nil {
		return err
	}
	e.emit(NewStakeDepositedEvent(id, caller, amt.String()))
	return nil
}
