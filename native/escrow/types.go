package escrow

import (
	"fmt"
	"math/big"
)

// Party is a buyer or seller identity attached to an agreement. The
// Approved flag is meaningful only for buyers: it records consent for the
// unanimous release gate. Party records are owned by their agreement and
// never shared, even when the same address appears in two agreements.
type Party struct {
	Address  [20]byte
	Approved bool
}

// Agreement captures one custody and settlement case: its parties, the
// required total amount, the release and stake accounting, and the dispute
// and cancellation flags. Agreements are never deleted; terminal states are
// retained for audit access.
type Agreement struct {
	ID         uint64
	Buyers     []Party
	Sellers    []Party
	Amount     *big.Int
	Expiration int64
	Released   *big.Int
	Staked     *big.Int
	Disputed   bool
	Cancelled  bool
	CreatedAt  int64
}

// Clone returns a deep copy of the agreement so callers can safely mutate
// the copy without affecting the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Buyers = append([]Party(nil), a.Buyers...)
	clone.Sellers = append([]Party(nil), a.Sellers...)
	if a.Amount != nil {
		clone.Amount = new(big.Int).Set(a.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if a.Released != nil {
		clone.Released = new(big.Int).Set(a.Released)
	} else {
		clone.Released = big.NewInt(0)
	}
	if a.Staked != nil {
		clone.Staked = new(big.Int).Set(a.Staked)
	} else {
		clone.Staked = big.NewInt(0)
	}
	return &clone
}

// Remaining returns the amount still releasable under the agreement.
func (a *Agreement) Remaining() *big.Int {
	if a == nil || a.Amount == nil {
		return big.NewInt(0)
	}
	released := a.Released
	if released == nil {
		released = big.NewInt(0)
	}
	return new(big.Int).Sub(a.Amount, released)
}

// FullyReleased reports whether the cumulative released amount has reached
// the agreement amount. There is no explicit flag for this terminal
// condition; further releases fail the amount-bound check.
func (a *Agreement) FullyReleased() bool {
	if a == nil || a.Amount == nil || a.Released == nil {
		return false
	}
	return a.Released.Cmp(a.Amount) >= 0
}

// SanitizeAgreement validates and normalises the supplied agreement,
// returning a cloned instance with non-nil amount fields. The function does
// not mutate the original value.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("nil agreement")
	}
	clone := a.Clone()
	if len(clone.Buyers) == 0 || len(clone.Sellers) == 0 {
		return nil, fmt.Errorf("agreement requires buyers and sellers")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("agreement amount must be positive")
	}
	if clone.Released.Sign() < 0 {
		return nil, fmt.Errorf("agreement released amount must be non-negative")
	}
	if clone.Released.Cmp(clone.Amount) > 0 {
		return nil, fmt.Errorf("agreement released amount exceeds total")
	}
	if clone.Staked.Sign() < 0 {
		return nil, fmt.Errorf("agreement staked amount must be non-negative")
	}
	if clone.Disputed && clone.Cancelled {
		return nil, fmt.Errorf("agreement cannot be disputed and cancelled")
	}
	return clone, nil
}

// SimpleStatus enumerates the lifecycle of a two-party escrow.
type SimpleStatus uint8

const (
	SimpleAwaitingPayment SimpleStatus = iota
	SimpleAwaitingDelivery
	SimpleComplete
	SimpleRefunded
	SimpleDisputed
)

// Valid reports whether the status value is within the supported range.
func (s SimpleStatus) Valid() bool {
	switch s {
	case SimpleAwaitingPayment, SimpleAwaitingDelivery, SimpleComplete, SimpleRefunded, SimpleDisputed:
		return true
	default:
		return false
	}
}

func (s SimpleStatus) String() string {
	switch s {
	case SimpleAwaitingPayment:
		return "awaiting_payment"
	case SimpleAwaitingDelivery:
		return "awaiting_delivery"
	case SimpleComplete:
		return "complete"
	case SimpleRefunded:
		return "refunded"
	case SimpleDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// SimpleAgreement is the binary deliver-or-refund escrow: a single buyer
// funds it at creation and either the delivery is confirmed, the seller
// refunds, or the arbiter settles a dispute.
type SimpleAgreement struct {
	ID        uint64
	Buyer     [20]byte
	Seller    [20]byte
	Amount    *big.Int
	Status    SimpleStatus
	CreatedAt int64
}

// Clone returns a deep copy of the simple agreement.
func (s *SimpleAgreement) Clone() *SimpleAgreement {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Amount != nil {
		clone.Amount = new(big.Int).Set(s.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeSimple validates and normalises the supplied simple agreement.
func SanitizeSimple(s *SimpleAgreement) (*SimpleAgreement, error) {
	if s == nil {
		return nil, fmt.Errorf("nil simple agreement")
	}
	clone := s.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("simple agreement amount must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid simple agreement status: %d", clone.Status)
	}
	return clone, nil
}
