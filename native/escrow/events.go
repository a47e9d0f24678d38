package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"escrowd/core/types"
)

const (
	EventTypeAgreementCreated   = "escrow.agreement.created"
	EventTypeFundsDeposited     = "escrow.funds.deposited"
	EventTypeFundsApproved      = "escrow.funds.approved"
	EventTypeFundsReleased      = "escrow.funds.released"
	EventTypeAgreementDisputed  = "escrow.agreement.disputed"
	EventTypeDisputeResolved    = "escrow.dispute.resolved"
	EventTypeAgreementCancelled = "escrow.agreement.cancelled"
	EventTypeStakeDeposited     = "escrow.stake.deposited"

	EventTypeSimpleCreated   = "escrow.simple.created"
	EventTypeSimpleDelivered = "escrow.simple.delivered"
	EventTypeSimpleReleased  = "escrow.simple.released"
	EventTypeSimpleRefunded  = "escrow.simple.refunded"
	EventTypeSimpleDisputed  = "escrow.simple.disputed"
	EventTypeSimpleResolved  = "escrow.simple.resolved"
)

func formatAddr(addr [20]byte) string {
	return hex.EncodeToString(addr[:])
}

func formatParties(parties []Party) string {
	encoded := make([]string, len(parties))
	for i, p := range parties {
		encoded[i] = formatAddr(p.Address)
	}
	return strings.Join(encoded, ",")
}

// NewCreatedEvent returns the canonical payload for a newly created
// agreement, carrying the full party lists, amount and expiration.
func NewCreatedEvent(a *Agreement) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: EventTypeAgreementCreated, Attributes: attrs}
	}
	attrs["agreementId"] = strconv.FormatUint(a.ID, 10)
	attrs["buyers"] = formatParties(a.Buyers)
	attrs["sellers"] = formatParties(a.Sellers)
	if a.Amount != nil {
		attrs["amount"] = a.Amount.String()
	}
	attrs["expiration"] = strconv.FormatInt(a.Expiration, 10)
	return &types.Event{Type: EventTypeAgreementCreated, Attributes: attrs}
}

// NewDepositedEvent returns the payload emitted when a buyer deposits funds
// into custody.
func NewDepositedEvent(id uint64, depositor [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeFundsDeposited, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"depositor":   formatAddr(depositor),
		"amount":      amount,
	}}
}

// NewApprovedEvent returns the payload emitted when a buyer approval is
// recorded without satisfying the unanimity gate.
func NewApprovedEvent(id uint64, approver [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeFundsApproved, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"approver":    formatAddr(approver),
		"amount":      amount,
	}}
}

// NewReleasedEvent returns the payload for one seller payment within a
// unanimous release.
func NewReleasedEvent(id uint64, seller [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeFundsReleased, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"seller":      formatAddr(seller),
		"amount":      amount,
	}}
}

// NewDisputedEvent returns the payload emitted when an agreement is marked
// as disputed.
func NewDisputedEvent(id uint64, initiator [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAgreementDisputed, Attributes: map[string]string{
		"agreementId":      strconv.FormatUint(id, 10),
		"disputeInitiator": formatAddr(initiator),
	}}
}

// NewResolvedEvent returns the payload emitted when the administrator
// settles a dispute in favour of a winner.
func NewResolvedEvent(id uint64, winner [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"winner":      formatAddr(winner),
		"amount":      amount,
	}}
}

// NewCancelledEvent returns the payload emitted when a party cancels an
// agreement.
func NewCancelledEvent(id uint64, initiator [20]byte) *types.Event {
	return &types.Event{Type: EventTypeAgreementCancelled, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"initiator":   formatAddr(initiator),
	}}
}

// NewStakeDepositedEvent returns the payload emitted when a party adds to
// its stake entry.
func NewStakeDepositedEvent(id uint64, staker [20]byte, amount string) *types.Event {
	return &types.Event{Type: EventTypeStakeDeposited, Attributes: map[string]string{
		"agreementId": strconv.FormatUint(id, 10),
		"staker":      formatAddr(staker),
		"amount":      amount,
	}}
}

func newSimpleEvent(eventType string, s *SimpleAgreement) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["agreementId"] = strconv.FormatUint(s.ID, 10)
	attrs["buyer"] = formatAddr(s.Buyer)
	attrs["seller"] = formatAddr(s.Seller)
	if s.Amount != nil {
		attrs["amount"] = s.Amount.String()
	}
	attrs["status"] = strconv.FormatUint(uint64(s.Status), 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewSimpleResolvedEvent returns the payload emitted when the arbiter
// settles a disputed two-party escrow.
func NewSimpleResolvedEvent(s *SimpleAgreement, winner [20]byte) *types.Event {
	evt := newSimpleEvent(EventTypeSimpleResolved, s)
	evt.Attributes["winner"] = formatAddr(winner)
	return evt
}
