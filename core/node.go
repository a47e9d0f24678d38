package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"escrowd/core/events"
	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/observability"
	"escrowd/observability/metrics"
	"escrowd/state"
	"escrowd/storage"
)

// Node owns the state manager and both escrow engines and serializes every
// public operation behind a single mutex, so each operation runs to
// completion against a consistent state before the next one starts.
type Node struct {
	mu sync.Mutex

	state  *state.Manager
	engine *escrow.Engine
	simple *escrow.SimpleEngine
	admin  [20]byte
	log    *events.Log
	logger *slog.Logger
	pauses *modulePauses
}

// modulePauses is an in-memory pause switchboard satisfying the native
// common.PauseView interface.
type modulePauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func newModulePauses() *modulePauses {
	return &modulePauses{paused: make(map[string]bool)}
}

func (p *modulePauses) IsPaused(module string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}

func (p *modulePauses) set(module string, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[module] = paused
}

// slogEmitter logs every emitted event with its attributes.
type slogEmitter struct {
	logger *slog.Logger
}

func (s slogEmitter) Emit(evt events.Event) {
	if s.logger == nil || evt == nil {
		return
	}
	attrs := []any{slog.String("event", evt.EventType())}
	if typed, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := typed.Event(); payload != nil {
			for k, v := range payload.Attributes {
				attrs = append(attrs, slog.String(k, v))
			}
		}
	}
	s.logger.Info("escrow event", attrs...)
}

// metricsEmitter feeds the prometheus event counters.
type metricsEmitter struct{}

func (metricsEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordEvent(evt.EventType())
	m := metrics.Escrow()
	switch evt.EventType() {
	case escrow.EventTypeAgreementCreated:
		m.RecordAgreementCreated()
	case escrow.EventTypeFundsReleased:
		m.RecordReleaseSettled()
	case escrow.EventTypeAgreementDisputed:
		m.RecordDisputeOpened()
	case escrow.EventTypeDisputeResolved:
		m.RecordDisputeResolved()
	case escrow.EventTypeAgreementCancelled:
		m.RecordCancellation()
	}
}

// NewNode wires the engines against the supplied database. The configured
// default fee is seeded into state exactly once; later administrator
// updates win over the config value.
func NewNode(db storage.Database, admin [20]byte, defaultFeeBps uint32, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("node: database must not be nil")
	}
	if admin == ([20]byte{}) {
		return nil, fmt.Errorf("node: administrator address must be set")
	}
	manager := state.NewManager(db)

	seeded, err := manager.HasServiceFee()
	if err != nil {
		return nil, err
	}
	if !seeded {
		if err := manager.SetServiceFeeBps(defaultFeeBps); err != nil {
			return nil, err
		}
	}

	node := &Node{
		state:  manager,
		admin:  admin,
		log:    events.NewLog(),
		logger: logger,
		pauses: newModulePauses(),
	}
	emitter := events.Tee{node.log, metricsEmitter{}, slogEmitter{logger: logger}}

	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetAdmin(admin)
	engine.SetEmitter(emitter)
	engine.SetPauses(node.pauses)
	node.engine = engine

	simple := escrow.NewSimpleEngine()
	simple.SetState(manager)
	simple.SetArbiter(admin)
	simple.SetEmitter(emitter)
	simple.SetPauses(node.pauses)
	node.simple = simple

	return node, nil
}

// Admin returns the configured administrator address.
func (n *Node) Admin() [20]byte { return n.admin }

// Events returns the ordered notification log.
func (n *Node) Events() []events.Event {
	return n.log.Events()
}

// SetPaused toggles a module pause switch. Administrator only.
func (n *Node) SetPaused(caller [20]byte, module string, paused bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if caller != n.admin {
		return escrow.ErrUnauthorized
	}
	n.pauses.set(module, paused)
	return nil
}

// Credit introduces custody units into a party account. This models the
// inbound leg of the external value-transfer primitive; in production it is
// driven by the operator's settlement bridge. Administrator only.
func (n *Node) Credit(caller, addr [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if caller != n.admin {
		return escrow.ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return escrow.ErrInvalidAmount
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return err
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	account.Balance = new(big.Int).Add(account.Balance, amount)
	return n.state.PutAccount(addr[:], account)
}

// publishCustody refreshes the custody-pool gauge from the vault balance.
// Callers must hold n.mu.
func (n *Node) publishCustody() {
	vault := n.state.VaultAddress()
	account, err := n.state.GetAccount(vault[:])
	if err != nil || account.Balance == nil {
		return
	}
	units, _ := new(big.Float).SetInt(account.Balance).Float64()
	metrics.Escrow().SetCustodyPool(units)
}

// GetAccount returns the account snapshot for an address.
func (n *Node) GetAccount(addr [20]byte) (*types.Account, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state.GetAccount(addr[:])
}

// --- Multi-party agreement operations ---

func (n *Node) CreateAgreement(buyers, sellers [][20]byte, amount *big.Int, expiration int64) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.CreateAgreement(buyers, sellers, amount, expiration)
}

func (n *Node) GetAgreement(id uint64) (*escrow.Agreement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.AgreementDetails(id)
}

func (n *Node) DepositFunds(id uint64, caller [20]byte, value *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.engine.DepositFunds(id, caller, value)
}

func (n *Node) ReleaseFunds(id uint64, caller [20]byte, amount *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.engine.ReleaseFunds(id, caller, amount)
}

func (n *Node) InitiateDispute(id uint64, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.InitiateDispute(id, caller)
}

func (n *Node) ResolveDispute(id uint64, caller, winner [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.engine.ResolveDispute(id, caller, winner)
}

func (n *Node) CancelAgreement(id uint64, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.engine.CancelAgreement(id, caller)
}

func (n *Node) DepositStake(id uint64, caller [20]byte, value *big.Int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.engine.DepositStake(id, caller, value)
}

func (n *Node) StakeOf(id uint64, addr [20]byte) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.StakeOf(id, addr)
}

func (n *Node) ServiceFeeBps() (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.ServiceFeeBps()
}

func (n *Node) SetServiceFee(caller [20]byte, bps uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine.SetServiceFee(caller, bps)
}

// --- Two-party simple escrow operations ---

func (n *Node) SimpleCreate(buyer, seller [20]byte, amount *big.Int) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.simple.Create(buyer, seller, amount)
}

func (n *Node) SimpleGet(id uint64) (*escrow.SimpleAgreement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.simple.Get(id)
}

func (n *Node) SimpleConfirmDelivery(id uint64, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.simple.ConfirmDelivery(id, caller)
}

func (n *Node) SimpleRefund(id uint64, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.simple.RefundBuyer(id, caller)
}

func (n *Node) SimpleDispute(id uint64, caller [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.simple.RaiseDispute(id, caller)
}

func (n *Node) SimpleResolve(id uint64, caller, winner [20]byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	defer n.publishCustody()
	return n.simple.Resolve(id, caller, winner)
}
