package escrow

import "errors"

// Error taxonomy for escrow operations. Every public operation aborts with
// exactly one of these (possibly wrapped with detail); no partial effect
// survives a rejection.
var (
	// ErrNotFound indicates the agreement identifier is unknown.
	ErrNotFound = errors.New("escrow: agreement not found")
	// ErrUnauthorized indicates the caller lacks the required role.
	ErrUnauthorized = errors.New("escrow: caller lacks required role")
	// ErrNotParty indicates the caller is neither buyer nor seller of the
	// agreement.
	ErrNotParty = errors.New("escrow: caller is not a party to the agreement")
	// ErrInvalidState indicates the agreement is disputed, cancelled,
	// expired or otherwise in a state that forbids the operation.
	ErrInvalidState = errors.New("escrow: agreement state forbids operation")
	// ErrInvalidAmount indicates a zero, negative or over-bound amount.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrInvalidExpiration indicates an expiration not in the future.
	ErrInvalidExpiration = errors.New("escrow: expiration must be in the future")
	// ErrEmptyParties indicates creation with no buyers or no sellers.
	ErrEmptyParties = errors.New("escrow: buyers and sellers are both required")
	// ErrFeeOutOfBounds indicates a proposed fee above the administrator cap.
	ErrFeeOutOfBounds = errors.New("escrow: service fee exceeds cap")
	// ErrReentrancy indicates a nested call into the engine while a
	// fund-moving operation is in flight.
	ErrReentrancy = errors.New("escrow: reentrant call rejected")
)
