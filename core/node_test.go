package core

import (
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"escrowd/native/escrow"
	"escrowd/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addrOf(b byte) [20]byte {
	var addr [20]byte
	addr[0] = b
	addr[19] = b
	return addr
}

func newTestNode(t *testing.T) (*Node, [20]byte) {
	t.Helper()
	admin := addrOf(0xAD)
	node, err := NewNode(storage.NewMemDB(), admin, 200, testLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node, admin
}

func TestNewNodeRejectsBadInputs(t *testing.T) {
	if _, err := NewNode(nil, addrOf(1), 0, testLogger()); err == nil {
		t.Fatalf("expected error for nil database")
	}
	if _, err := NewNode(storage.NewMemDB(), [20]byte{}, 0, testLogger()); err == nil {
		t.Fatalf("expected error for zero admin")
	}
}

func TestNewNodeSeedsDefaultFeeOnce(t *testing.T) {
	db := storage.NewMemDB()
	admin := addrOf(0xAD)

	node, err := NewNode(db, admin, 200, testLogger())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	bps, err := node.ServiceFeeBps()
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	if bps != 200 {
		t.Fatalf("expected seeded fee 200 got %d", bps)
	}

	if err := node.SetServiceFee(admin, 450); err != nil {
		t.Fatalf("set fee: %v", err)
	}

	// Reopening over the same database must keep the operator's value, not
	// re-seed the default.
	reopened, err := NewNode(db, admin, 200, testLogger())
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	bps, err = reopened.ServiceFeeBps()
	if err != nil {
		t.Fatalf("fee after reopen: %v", err)
	}
	if bps != 450 {
		t.Fatalf("expected persisted fee 450 got %d", bps)
	}
}

func TestCreditRequiresAdmin(t *testing.T) {
	node, admin := newTestNode(t)
	target := addrOf(1)

	if err := node.Credit(addrOf(2), target, big.NewInt(100)); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := node.Credit(admin, target, big.NewInt(0)); !errors.Is(err, escrow.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if err := node.Credit(admin, target, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	account, err := node.GetAccount(target)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected balance 100 got %s", account.Balance)
	}
}

func TestSetPausedBlocksOperations(t *testing.T) {
	node, admin := newTestNode(t)

	if err := node.SetPaused(addrOf(1), "escrow", true); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := node.SetPaused(admin, "escrow", true); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, err := node.CreateAgreement(
		[][20]byte{addrOf(1)}, [][20]byte{addrOf(2)},
		big.NewInt(100), time.Now().Add(time.Hour).Unix(),
	)
	if err == nil {
		t.Fatalf("expected paused module to reject creation")
	}

	if err := node.SetPaused(admin, "escrow", false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := node.CreateAgreement(
		[][20]byte{addrOf(1)}, [][20]byte{addrOf(2)},
		big.NewInt(100), time.Now().Add(time.Hour).Unix(),
	); err != nil {
		t.Fatalf("create after unpause: %v", err)
	}
}

func TestEventLogOrdering(t *testing.T) {
	node, admin := newTestNode(t)
	buyer := addrOf(1)
	seller := addrOf(2)
	if err := node.Credit(admin, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	id, err := node.CreateAgreement(
		[][20]byte{buyer}, [][20]byte{seller},
		big.NewInt(1000), time.Now().Add(time.Hour).Unix(),
	)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := node.DepositFunds(id, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := node.ReleaseFunds(id, buyer, big.NewInt(1000)); err != nil {
		t.Fatalf("release: %v", err)
	}

	emitted := node.Events()
	types := make([]string, 0, len(emitted))
	for _, evt := range emitted {
		types = append(types, evt.EventType())
	}
	want := []string{
		escrow.EventTypeAgreementCreated,
		escrow.EventTypeFundsDeposited,
		escrow.EventTypeFundsReleased,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d events got %v", len(want), types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s got %s", i, want[i], types[i])
		}
	}
}

func TestConcurrentOperationsSerialize(t *testing.T) {
	node, _ := newTestNode(t)
	expiration := time.Now().Add(time.Hour).Unix()

	const workers = 8
	ids := make([]uint64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := node.CreateAgreement(
				[][20]byte{addrOf(byte(i + 1))}, [][20]byte{addrOf(byte(i + 100))},
				big.NewInt(10), expiration,
			)
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate agreement id %d", id)
		}
		seen[id] = true
	}
}
