package types

import "math/big"

// Account holds the balances tracked for a single address. Balance is the
// spendable custody-unit balance; Stake mirrors the cumulative amount the
// address has locked across escrow agreements and exists for account
// queries only.
type Account struct {
	Nonce   uint64   `json:"nonce"`
	Balance *big.Int `json:"balance"`
	Stake   *big.Int `json:"stake"`
}

// Clone returns a deep copy so callers can mutate the result without
// aliasing the stored account.
func (a *Account) Clone() *Account {
	if a == nil {
		return &Account{Balance: big.NewInt(0), Stake: big.NewInt(0)}
	}
	clone := &Account{Nonce: a.Nonce, Balance: big.NewInt(0), Stake: big.NewInt(0)}
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	}
	if a.Stake != nil {
		clone.Stake = new(big.Int).Set(a.Stake)
	}
	return clone
}
