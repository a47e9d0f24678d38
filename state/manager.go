package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"escrowd/core/types"
	"escrowd/native/escrow"
	"escrowd/storage"
)

// Manager provides keyed access to the durable escrow state: the agreement
// collection, the stake ledger, party accounts and the service-fee
// singleton. Keys are hashed with keccak256 before hitting the underlying
// store and values are RLP encoded.
//
// Manager is not safe for concurrent use; the node serializes operations.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var (
	agreementPrefix     = []byte("escrow/agreement/")
	agreementCounterKey = []byte("escrow/agreement-counter")
	stakePrefix         = []byte("escrow/stake/")
	simplePrefix        = []byte("escrow/simple/")
	simpleCounterKey    = []byte("escrow/simple-counter")
	serviceFeeKey       = []byte("escrow/fees/service-bps")
	accountPrefix       = []byte("account/")
)

// vaultAddress is the module account that holds all custody units. Derived
// from a fixed label so every instance agrees on it without configuration.
var vaultAddress = func() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("escrow/module-vault"))[12:])
	return addr
}()

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func agreementKey(id uint64) []byte {
	buf := make([]byte, len(agreementPrefix)+8)
	copy(buf, agreementPrefix)
	binary.BigEndian.PutUint64(buf[len(agreementPrefix):], id)
	return buf
}

func stakeKey(id uint64, addr [20]byte) []byte {
	buf := make([]byte, len(stakePrefix)+8+1+len(addr))
	copy(buf, stakePrefix)
	binary.BigEndian.PutUint64(buf[len(stakePrefix):], id)
	buf[len(stakePrefix)+8] = ':'
	copy(buf[len(stakePrefix)+8+1:], addr[:])
	return buf
}

func simpleKey(id uint64) []byte {
	buf := make([]byte, len(simplePrefix)+8)
	copy(buf, simplePrefix)
	binary.BigEndian.PutUint64(buf[len(simplePrefix):], id)
	return buf
}

func accountKey(addr []byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr)
	return buf
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before insertion.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it
// into the provided destination. The boolean return value indicates whether
// the key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	ok, err := m.db.Has(hashed)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	data, err := m.db.Get(hashed)
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// --- Stored representations ---
//
// RLP cannot encode signed integers, so timestamps are persisted as uint64
// and converted back at the boundary.

type storedParty struct {
	Address  [20]byte
	Approved bool
}

type storedAgreement struct {
	ID         uint64
	Buyers     []storedParty
	Sellers    []storedParty
	Amount     *big.Int
	Expiration uint64
	Released   *big.Int
	Staked     *big.Int
	Disputed   bool
	Cancelled  bool
	CreatedAt  uint64
}

type storedSimple struct {
	ID        uint64
	Buyer     [20]byte
	Seller    [20]byte
	Amount    *big.Int
	Status    uint8
	CreatedAt uint64
}

func storedParties(parties []escrow.Party) []storedParty {
	out := make([]storedParty, len(parties))
	for i, p := range parties {
		out[i] = storedParty{Address: p.Address, Approved: p.Approved}
	}
	return out
}

func partiesFromStored(parties []storedParty) []escrow.Party {
	out := make([]escrow.Party, len(parties))
	for i, p := range parties {
		out[i] = escrow.Party{Address: p.Address, Approved: p.Approved}
	}
	return out
}

// --- Agreement registry ---

// AgreementPut validates and persists an agreement record.
func (m *Manager) AgreementPut(a *escrow.Agreement) error {
	sanitized, err := escrow.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	stored := storedAgreement{
		ID:         sanitized.ID,
		Buyers:     storedParties(sanitized.Buyers),
		Sellers:    storedParties(sanitized.Sellers),
		Amount:     sanitized.Amount,
		Expiration: uint64(sanitized.Expiration),
		Released:   sanitized.Released,
		Staked:     sanitized.Staked,
		Disputed:   sanitized.Disputed,
		Cancelled:  sanitized.Cancelled,
		CreatedAt:  uint64(sanitized.CreatedAt),
	}
	return m.KVPut(agreementKey(sanitized.ID), &stored)
}

// AgreementGet loads an agreement by identifier.
func (m *Manager) AgreementGet(id uint64) (*escrow.Agreement, bool) {
	var stored storedAgreement
	ok, err := m.KVGet(agreementKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	agreement := &escrow.Agreement{
		ID:         stored.ID,
		Buyers:     partiesFromStored(stored.Buyers),
		Sellers:    partiesFromStored(stored.Sellers),
		Amount:     stored.Amount,
		Expiration: int64(stored.Expiration),
		Released:   stored.Released,
		Staked:     stored.Staked,
		Disputed:   stored.Disputed,
		Cancelled:  stored.Cancelled,
		CreatedAt:  int64(stored.CreatedAt),
	}
	return agreement, true
}

// NextAgreementID returns the current counter value and advances it.
func (m *Manager) NextAgreementID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(agreementCounterKey, &counter); err != nil {
		return 0, err
	}
	if err := m.KVPut(agreementCounterKey, counter+1); err != nil {
		return 0, err
	}
	return counter, nil
}

// --- Stake ledger ---

// StakeGet returns the accumulated stake for the (agreement, party) pair.
// Missing entries read as zero.
func (m *Manager) StakeGet(id uint64, addr [20]byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.KVGet(stakeKey(id, addr), amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

// StakePut overwrites the accumulated stake for the (agreement, party) pair.
func (m *Manager) StakePut(id uint64, addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: stake amount must be non-negative")
	}
	return m.KVPut(stakeKey(id, addr), amount)
}

// --- Simple two-party escrows ---

// SimplePut validates and persists a two-party escrow record.
func (m *Manager) SimplePut(s *escrow.SimpleAgreement) error {
	sanitized, err := escrow.SanitizeSimple(s)
	if err != nil {
		return err
	}
	stored := storedSimple{
		ID:        sanitized.ID,
		Buyer:     sanitized.Buyer,
		Seller:    sanitized.Seller,
		Amount:    sanitized.Amount,
		Status:    uint8(sanitized.Status),
		CreatedAt: uint64(sanitized.CreatedAt),
	}
	return m.KVPut(simpleKey(sanitized.ID), &stored)
}

// SimpleGet loads a two-party escrow by identifier.
func (m *Manager) SimpleGet(id uint64) (*escrow.SimpleAgreement, bool) {
	var stored storedSimple
	ok, err := m.KVGet(simpleKey(id), &stored)
	if err != nil || !ok {
		return nil, false
	}
	return &escrow.SimpleAgreement{
		ID:        stored.ID,
		Buyer:     stored.Buyer,
		Seller:    stored.Seller,
		Amount:    stored.Amount,
		Status:    escrow.SimpleStatus(stored.Status),
		CreatedAt: int64(stored.CreatedAt),
	}, true
}

// NextSimpleID returns the current simple-escrow counter value and advances
// it.
func (m *Manager) NextSimpleID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(simpleCounterKey, &counter); err != nil {
		return 0, err
	}
	if err := m.KVPut(simpleCounterKey, counter+1); err != nil {
		return 0, err
	}
	return counter, nil
}

// --- Fee configuration ---

// ServiceFeeBps returns the persisted service fee. Unset reads as zero.
func (m *Manager) ServiceFeeBps() (uint32, error) {
	var bps uint32
	if _, err := m.KVGet(serviceFeeKey, &bps); err != nil {
		return 0, err
	}
	return bps, nil
}

// SetServiceFeeBps replaces the service-fee singleton. Bounds are enforced
// by the engine; the manager persists whatever it is handed.
func (m *Manager) SetServiceFeeBps(bps uint32) error {
	return m.KVPut(serviceFeeKey, bps)
}

// HasServiceFee reports whether a fee value has been persisted, so the node
// can seed the configured default exactly once.
func (m *Manager) HasServiceFee() (bool, error) {
	return m.KVGet(serviceFeeKey, nil)
}

// --- Accounts ---

// VaultAddress returns the module account holding all custody units.
func (m *Manager) VaultAddress() [20]byte {
	return vaultAddress
}

// GetAccount loads the account for the given address. Missing accounts read
// as zero-balance accounts.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("state: account address must not be empty")
	}
	account := new(types.Account)
	ok, err := m.KVGet(accountKey(addr), account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}, nil
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	if account.Stake == nil {
		account.Stake = big.NewInt(0)
	}
	return account, nil
}

// PutAccount persists the account for the given address.
func (m *Manager) PutAccount(addr []byte, account *types.Account) error {
	if len(addr) == 0 {
		return fmt.Errorf("state: account address must not be empty")
	}
	if account == nil {
		return fmt.Errorf("state: account must not be nil")
	}
	if account.Balance == nil {
		account.Balance = big.NewInt(0)
	}
	if account.Stake == nil {
		account.Stake = big.NewInt(0)
	}
	return m.KVPut(accountKey(addr), account)
}
