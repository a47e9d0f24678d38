package fees

import (
	"errors"
	"math/big"
)

// MaxServiceFeeBps caps the administrator-configurable service fee at 10%.
const MaxServiceFeeBps uint32 = 1000

// bpsDenominator converts basis points to a fraction (10000 = 100%).
var bpsDenominator = big.NewInt(10_000)

// ErrOutOfBounds is returned when a proposed fee exceeds MaxServiceFeeBps.
var ErrOutOfBounds = errors.New("fees: basis points exceed cap")

// ValidateBps checks a proposed service fee against the configured cap.
func ValidateBps(bps uint32) error {
	if bps > MaxServiceFeeBps {
		return ErrOutOfBounds
	}
	return nil
}

// Result summarises the fee computed for a gross settlement amount and the
// net amount left for distribution.
type Result struct {
	Fee *big.Int
	Net *big.Int
}

// Apply computes the service fee for the supplied gross amount using integer
// division. The division remainder is never paid out; it stays in custody.
func Apply(gross *big.Int, bps uint32) Result {
	result := Result{Fee: big.NewInt(0), Net: big.NewInt(0)}
	if gross == nil || gross.Sign() <= 0 {
		return result
	}
	result.Net = new(big.Int).Set(gross)
	if bps == 0 {
		return result
	}
	fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(uint64(bps)))
	fee.Div(fee, bpsDenominator)
	if fee.Sign() <= 0 {
		return result
	}
	if fee.Cmp(result.Net) >= 0 {
		result.Fee = new(big.Int).Set(result.Net)
		result.Net = big.NewInt(0)
		return result
	}
	result.Fee = fee
	result.Net = new(big.Int).Sub(result.Net, fee)
	return result
}

// SplitEven divides amount evenly across n recipients using integer
// division. The second return value is the undistributed remainder, which
// stays in custody.
func SplitEven(amount *big.Int, n int) (*big.Int, *big.Int) {
	if amount == nil || amount.Sign() <= 0 || n <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	share := new(big.Int)
	remainder := new(big.Int)
	share.QuoRem(amount, big.NewInt(int64(n)), remainder)
	return share, remainder
}
