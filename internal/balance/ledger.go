// Package balance defines the account-balance collaborator contract.
// The ledger itself is external to this service; implementations enlist
// in the surrounding store transaction so that a failed credit or debit
// unwinds every prior effect of the same operation.
package balance

import (
	"context"
	"errors"
)

var (
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAccount    = errors.New("account identifier is empty")
)

// Ledger is a single-asset account-balance service. All operations are
// atomic and report success or failure synchronously.
type Ledger interface {
	Credit(ctx context.Context, account string, amount uint64) error
	Debit(ctx context.Context, account string, amount uint64) error
	Transfer(ctx context.Context, from, to string, amount uint64) error
	Balance(ctx context.Context, account string) (uint64, error)
}
