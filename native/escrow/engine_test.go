package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"escrowd/core/events"
	"escrowd/core/types"
)

type mockState struct {
	agreements   map[uint64]*Agreement
	simples      map[uint64]*SimpleAgreement
	accounts     map[[20]byte]*types.Account
	stakes       map[string]*big.Int
	agreementSeq uint64
	simpleSeq    uint64
	feeBps       uint32
	vault        [20]byte
}

func newMockState() *mockState {
	return &mockState{
		agreements: make(map[uint64]*Agreement),
		simples:    make(map[uint64]*SimpleAgreement),
		accounts:   make(map[[20]byte]*types.Account),
		stakes:     make(map[string]*big.Int),
		vault:      newTestAddress(0xEE),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func stakeMapKey(id uint64, addr [20]byte) string {
	return fmt.Sprintf("%d/%x", id, addr)
}

func (m *mockState) AgreementPut(a *Agreement) error {
	sanitized, err := SanitizeAgreement(a)
	if err != nil {
		return err
	}
	m.agreements[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) AgreementGet(id uint64) (*Agreement, bool) {
	a, ok := m.agreements[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

func (m *mockState) NextAgreementID() (uint64, error) {
	id := m.agreementSeq
	m.agreementSeq++
	return id, nil
}

func (m *mockState) SimplePut(s *SimpleAgreement) error {
	sanitized, err := SanitizeSimple(s)
	if err != nil {
		return err
	}
	m.simples[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) SimpleGet(id uint64) (*SimpleAgreement, bool) {
	s, ok := m.simples[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (m *mockState) NextSimpleID() (uint64, error) {
	id := m.simpleSeq
	m.simpleSeq++
	return id, nil
}

func (m *mockState) StakeGet(id uint64, addr [20]byte) (*big.Int, error) {
	staked, ok := m.stakes[stakeMapKey(id, addr)]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(staked), nil
}

func (m *mockState) StakePut(id uint64, addr [20]byte, amount *big.Int) error {
	m.stakes[stakeMapKey(id, addr)] = new(big.Int).Set(amount)
	return nil
}

func (m *mockState) ServiceFeeBps() (uint32, error) { return m.feeBps, nil }

func (m *mockState) SetServiceFeeBps(bps uint32) error {
	m.feeBps = bps
	return nil
}

func (m *mockState) VaultAddress() [20]byte { return m.vault }

func (m *mockState) GetAccount(addr []byte) (*types.Account, error) {
	var key [20]byte
	copy(key[:], addr)
	acc, ok := m.accounts[key]
	if !ok {
		return &types.Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}, nil
	}
	return acc.Clone(), nil
}

func (m *mockState) PutAccount(addr []byte, account *types.Account) error {
	var key [20]byte
	copy(key[:], addr)
	m.accounts[key] = account.Clone()
	return nil
}

func (m *mockState) fund(addr [20]byte, amount int64) {
	m.accounts[addr] = &types.Account{Balance: big.NewInt(amount), Stake: big.NewInt(0)}
}

func (m *mockState) balance(addr [20]byte) *big.Int {
	acc, ok := m.accounts[addr]
	if !ok || acc.Balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(acc.Balance)
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	typed, ok := evt.(interface{ Event() *types.Event })
	if !ok {
		return
	}
	c.events = append(c.events, typed.Event())
}

func (c *capturingEmitter) types() []string {
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type
	}
	return out
}

const testNow int64 = 1_700_000_000

func newTestEngine(t *testing.T) (*Engine, *mockState, *capturingEmitter, [20]byte) {
	t.Helper()
	state := newMockState()
	emitter := &capturingEmitter{}
	admin := newTestAddress(0x99)
	engine := NewEngine()
	engine.SetState(state)
	engine.SetAdmin(admin)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(func() int64 { return testNow })
	return engine, state, emitter, admin
}

func testParties() ([][20]byte, [][20]byte) {
	buyers := [][20]byte{newTestAddress(0x01), newTestAddress(0x02)}
	sellers := [][20]byte{newTestAddress(0x03)}
	return buyers, sellers
}

func TestCreateAgreementValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	buyers, sellers := testParties()

	if _, err := engine.CreateAgreement(nil, sellers, big.NewInt(1000), testNow+86400); !errors.Is(err, ErrEmptyParties) {
		t.Fatalf("expected ErrEmptyParties, got %v", err)
	}
	if _, err := engine.CreateAgreement(buyers, nil, big.NewInt(1000), testNow+86400); !errors.Is(err, ErrEmptyParties) {
		t.Fatalf("expected ErrEmptyParties, got %v", err)
	}
	if _, err := engine.CreateAgreement(buyers, sellers, big.NewInt(0), testNow+86400); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow-1); !errors.Is(err, ErrInvalidExpiration) {
		t.Fatalf("expected ErrInvalidExpiration, got %v", err)
	}
}

func TestCreateAgreementAssignsSequentialIDs(t *testing.T) {
	engine, _, emitter, _ := newTestEngine(t)
	buyers, sellers := testParties()

	first, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := engine.CreateAgreement(buyers, sellers, big.NewInt(2000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first != 0 || second != 1 {
		t.Fatalf("expected ids 0 and 1, got %d and %d", first, second)
	}

	agreement, err := engine.AgreementDetails(first)
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if agreement.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("unexpected amount %s", agreement.Amount)
	}
	if agreement.Released.Sign() != 0 || agreement.Staked.Sign() != 0 {
		t.Fatalf("expected zero accounting on creation")
	}
	for _, buyer := range agreement.Buyers {
		if buyer.Approved {
			t.Fatalf("buyer approvals must start cleared")
		}
	}

	if len(emitter.events) != 2 || emitter.events[0].Type != EventTypeAgreementCreated {
		t.Fatalf("expected two created events, got %v", emitter.types())
	}
	if emitter.events[0].Attributes["agreementId"] != "0" {
		t.Fatalf("unexpected event id %q", emitter.events[0].Attributes["agreementId"])
	}
}

func TestAgreementDetailsUnknownID(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	if _, err := engine.AgreementDetails(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseFundsUnanimityGate(t *testing.T) {
	engine, state, emitter, admin := newTestEngine(t)
	buyers, sellers := testParties()
	state.feeBps = 200
	state.fund(state.vault, 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1000)); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if got := state.balance(sellers[0]); got.Sign() != 0 {
		t.Fatalf("no transfer expected before unanimity, seller has %s", got)
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeFundsApproved || last.Attributes["amount"] != "1000" {
		t.Fatalf("expected approval event with amount, got %+v", last)
	}

	if err := engine.ReleaseFunds(id, buyers[1], big.NewInt(1000)); err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if got := state.balance(sellers[0]); got.Cmp(big.NewInt(980)) != 0 {
		t.Fatalf("seller expected 980, got %s", got)
	}
	if got := state.balance(admin); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("admin fee expected 20, got %s", got)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("released expected 1000, got %s", agreement.Released)
	}
	if !agreement.FullyReleased() {
		t.Fatalf("agreement should be fully released")
	}
	last = emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeFundsReleased {
		t.Fatalf("expected release event, got %s", last.Type)
	}
}

func TestReleaseFundsRejectsExcessAmount(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	buyers, sellers := testParties()

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1001)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
}

func TestReleaseFundsSellerOnlyRejected(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	buyers, sellers := testParties()

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, sellers[0], big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestReleaseRemainderRetention(t *testing.T) {
	engine, state, _, admin := newTestEngine(t)
	buyers := [][20]byte{newTestAddress(0x01)}
	sellers := [][20]byte{newTestAddress(0x03), newTestAddress(0x04), newTestAddress(0x05)}
	state.feeBps = 200
	state.fund(state.vault, 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1000)); err != nil {
		t.Fatalf("release: %v", err)
	}
	// fee = 20, distributable = 980, per-seller share = 326, remainder 2
	// retained in the vault alongside any fee rounding.
	for _, seller := range sellers {
		if got := state.balance(seller); got.Cmp(big.NewInt(326)) != 0 {
			t.Fatalf("seller expected 326, got %s", got)
		}
	}
	if got := state.balance(admin); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("admin expected 20, got %s", got)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("vault should retain remainder 2, got %s", got)
	}
}

func TestReleaseApprovalIdempotent(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(state.vault, 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(500)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(500)); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if got := state.balance(sellers[0]); got.Sign() != 0 {
		t.Fatalf("re-approval must not satisfy the gate, seller has %s", got)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Sign() != 0 {
		t.Fatalf("released must stay zero, got %s", agreement.Released)
	}
}

func TestApprovalFlagsSurviveRelease(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(state.vault, 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(400)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[1], big.NewInt(400)); err != nil {
		t.Fatalf("release first tranche: %v", err)
	}
	// Flags stay set from the first round, so a single buyer can push a
	// second tranche through the gate alone.
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(600)); err != nil {
		t.Fatalf("release second tranche: %v", err)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("released expected 1000, got %s", agreement.Released)
	}
	if got := state.balance(sellers[0]); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("seller expected 1000 with zero fee, got %s", got)
	}
}

func TestInitiateDisputeNonParty(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	buyers, sellers := testParties()

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.InitiateDispute(id, newTestAddress(0x55)); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestDisputeBlocksReleaseAndCancel(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	buyers, sellers := testParties()

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.InitiateDispute(id, buyers[0]); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.InitiateDispute(id, buyers[1]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double dispute expected ErrInvalidState, got %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(100)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release under dispute expected ErrInvalidState, got %v", err)
	}
	if err := engine.CancelAgreement(id, buyers[0]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel under dispute expected ErrInvalidState, got %v", err)
	}
}

func TestResolveDisputePaysWholePool(t *testing.T) {
	engine, state, emitter, admin := newTestEngine(t)
	buyers, sellers := testParties()
	state.feeBps = 100
	// Custody accumulated across agreements: the pool is shared, and
	// resolution drains all of it.
	state.fund(state.vault, 4000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.InitiateDispute(id, buyers[0]); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := engine.ResolveDispute(id, buyers[0], sellers[0]); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin resolve expected ErrUnauthorized, got %v", err)
	}
	if err := engine.ResolveDispute(id, admin, sellers[0]); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := state.balance(sellers[0]); got.Cmp(big.NewInt(3960)) != 0 {
		t.Fatalf("winner expected 3960, got %s", got)
	}
	if got := state.balance(admin); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("admin fee expected 40, got %s", got)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Disputed {
		t.Fatalf("dispute flag must clear after resolution")
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeDisputeResolved || last.Attributes["amount"] != "3960" {
		t.Fatalf("unexpected resolved event %+v", last)
	}
}

func TestResolveDisputeRequiresDisputedState(t *testing.T) {
	engine, _, _, admin := newTestEngine(t)
	buyers, sellers := testParties()

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ResolveDispute(id, admin, sellers[0]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCancelAgreementSplitsPoolAcrossBuyers(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(state.vault, 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.CancelAgreement(id, newTestAddress(0x55)); !errors.Is(err, ErrNotParty) {
		t.Fatalf("non-party cancel expected ErrNotParty, got %v", err)
	}
	if err := engine.CancelAgreement(id, buyers[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, buyer := range buyers {
		if got := state.balance(buyer); got.Cmp(big.NewInt(500)) != 0 {
			t.Fatalf("buyer expected 500, got %s", got)
		}
	}
	agreement, _ := state.AgreementGet(id)
	if !agreement.Cancelled {
		t.Fatalf("cancelled flag must be set")
	}
}

func TestCancelledAgreementIsTerminal(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(state.vault, 1000)
	state.fund(buyers[0], 500)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.CancelAgreement(id, buyers[0]); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(100)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release after cancel expected ErrInvalidState, got %v", err)
	}
	if err := engine.InitiateDispute(id, buyers[0]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("dispute after cancel expected ErrInvalidState, got %v", err)
	}
	if err := engine.DepositStake(id, buyers[0], big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stake after cancel expected ErrInvalidState, got %v", err)
	}
	if err := engine.CancelAgreement(id, buyers[0]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double cancel expected ErrInvalidState, got %v", err)
	}
	if err := engine.DepositFunds(id, buyers[0], big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("deposit after cancel expected ErrInvalidState, got %v", err)
	}
}

func TestExpirationGuard(t *testing.T) {
	engine, state, _, admin := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(state.vault, 1000)
	state.fund(buyers[0], 500)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.InitiateDispute(id, buyers[0]); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	engine.SetNowFunc(func() int64 { return testNow + 100 })

	if err := engine.DepositFunds(id, buyers[0], big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("deposit after expiry expected ErrInvalidState, got %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("release after expiry expected ErrInvalidState, got %v", err)
	}
	if err := engine.CancelAgreement(id, buyers[0]); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel after expiry expected ErrInvalidState, got %v", err)
	}
	if err := engine.DepositStake(id, buyers[0], big.NewInt(10)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stake after expiry expected ErrInvalidState, got %v", err)
	}
	// Dispute resolution is exempt so stuck disputes can always close.
	if err := engine.ResolveDispute(id, admin, buyers[0]); err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
}

func TestDepositFundsBuyerOnly(t *testing.T) {
	engine, state, emitter, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(buyers[0], 2000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.DepositFunds(id, sellers[0], big.NewInt(100)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("seller deposit expected ErrUnauthorized, got %v", err)
	}
	if err := engine.DepositFunds(id, buyers[0], big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero deposit expected ErrInvalidAmount, got %v", err)
	}
	if err := engine.DepositFunds(id, buyers[0], big.NewInt(1500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("vault expected 1500, got %s", got)
	}
	// The deposit feeds the custody pool but never the release accounting.
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Sign() != 0 {
		t.Fatalf("deposit must not touch release accounting")
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type != EventTypeFundsDeposited || last.Attributes["amount"] != "1500" {
		t.Fatalf("unexpected deposit event %+v", last)
	}
}

func TestDepositStakeAccumulates(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	state.fund(buyers[0], 1000)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.DepositStake(id, newTestAddress(0x55), big.NewInt(100)); !errors.Is(err, ErrNotParty) {
		t.Fatalf("non-party stake expected ErrNotParty, got %v", err)
	}
	if err := engine.DepositStake(id, buyers[0], big.NewInt(100)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.DepositStake(id, buyers[0], big.NewInt(50)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	staked, err := engine.StakeOf(id, buyers[0])
	if err != nil {
		t.Fatalf("stake of: %v", err)
	}
	if staked.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("stake expected 150, got %s", staked)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Staked.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("aggregate stake expected 150, got %s", agreement.Staked)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("vault expected 150, got %s", got)
	}
}

func TestSetServiceFee(t *testing.T) {
	engine, state, _, admin := newTestEngine(t)

	if err := engine.SetServiceFee(newTestAddress(0x01), 200); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin fee change expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetServiceFee(admin, 1100); !errors.Is(err, ErrFeeOutOfBounds) {
		t.Fatalf("over-cap fee expected ErrFeeOutOfBounds, got %v", err)
	}
	if err := engine.SetServiceFee(admin, 200); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	if state.feeBps != 200 {
		t.Fatalf("fee expected 200 bps, got %d", state.feeBps)
	}
}

func TestReleaseInsufficientCustodyAborts(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers := [][20]byte{newTestAddress(0x01)}
	sellers := [][20]byte{newTestAddress(0x03)}
	// Nothing was ever deposited, so the vault cannot cover the payout.
	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1000)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected insufficient balance abort, got %v", err)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Sign() != 0 {
		t.Fatalf("released must stay zero after aborted transfer, got %s", agreement.Released)
	}
}

func TestReleaseFeeShortfallLeavesNoTrace(t *testing.T) {
	engine, state, emitter, admin := newTestEngine(t)
	buyers := [][20]byte{newTestAddress(0x01)}
	sellers := [][20]byte{newTestAddress(0x03)}
	state.feeBps = 200
	// The vault covers the seller share of 980 but not the 20 unit fee, so
	// the settlement fails on its last leg.
	state.fund(state.vault, 985)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1000)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected insufficient balance abort, got %v", err)
	}
	if got := state.balance(sellers[0]); got.Sign() != 0 {
		t.Fatalf("seller must not keep a payout from an aborted release, got %s", got)
	}
	if got := state.balance(admin); got.Sign() != 0 {
		t.Fatalf("admin must not keep a fee from an aborted release, got %s", got)
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(985)) != 0 {
		t.Fatalf("vault expected 985 untouched, got %s", got)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Sign() != 0 {
		t.Fatalf("released must stay zero, got %s", agreement.Released)
	}
	last := emitter.events[len(emitter.events)-1]
	if last.Type == EventTypeFundsReleased {
		t.Fatalf("aborted release must not announce a payout")
	}
}

func TestReleaseSellerShortfallLeavesNoTrace(t *testing.T) {
	engine, state, _, _ := newTestEngine(t)
	buyers := [][20]byte{newTestAddress(0x01)}
	sellers := [][20]byte{newTestAddress(0x03), newTestAddress(0x04), newTestAddress(0x05)}
	// Per-seller share is 333; the vault covers the first leg only.
	state.fund(state.vault, 400)

	id, err := engine.CreateAgreement(buyers, sellers, big.NewInt(1000), testNow+86400)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ReleaseFunds(id, buyers[0], big.NewInt(1000)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected insufficient balance abort, got %v", err)
	}
	for _, seller := range sellers {
		if got := state.balance(seller); got.Sign() != 0 {
			t.Fatalf("seller %x must not keep a payout from an aborted release, got %s", seller[:2], got)
		}
	}
	if got := state.balance(state.vault); got.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("vault expected 400 untouched, got %s", got)
	}
	agreement, _ := state.AgreementGet(id)
	if agreement.Released.Sign() != 0 {
		t.Fatalf("released must stay zero, got %s", agreement.Released)
	}
}

func TestInvariantFlagsNeverBothSet(t *testing.T) {
	_, state, _, _ := newTestEngine(t)
	buyers, sellers := testParties()
	bad := &Agreement{
		ID:         7,
		Buyers:     []Party{{Address: buyers[0]}},
		Sellers:    []Party{{Address: sellers[0]}},
		Amount:     big.NewInt(100),
		Expiration: testNow + 100,
		Disputed:   true,
		Cancelled:  true,
	}
	if err := state.AgreementPut(bad); err == nil {
		t.Fatalf("storing disputed+cancelled agreement must fail")
	}
}
