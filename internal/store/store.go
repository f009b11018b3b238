// Package store provides transactional persistence for the claim
// ledger. Every mutating service operation runs inside WithinTx; the
// transaction either commits all staged changes or leaves no trace.
package store

import (
	"context"

	"github.com/voltmark/energy-claim-ledger/internal/balance"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
)

// Tx is the handle services use inside a transaction. Reads return
// private copies locked for the duration of the transaction; Put
// methods check the record version and fail with
// domain.ErrConcurrentModification on a lost update.
type Tx interface {
	Registry(ctx context.Context) (*domain.Registry, error)
	PutRegistry(ctx context.Context, r *domain.Registry) error

	User(ctx context.Context, account string) (*domain.User, error)
	InsertUser(ctx context.Context, u *domain.User) error
	PutUser(ctx context.Context, u *domain.User) error

	Meter(ctx context.Context, meterID string) (*domain.Meter, error)
	InsertMeter(ctx context.Context, m *domain.Meter) error
	PutMeter(ctx context.Context, m *domain.Meter) error

	Governance(ctx context.Context) (*domain.GovernanceConfig, error)
	PutGovernance(ctx context.Context, g *domain.GovernanceConfig) error

	Certificate(ctx context.Context, id string) (*domain.Certificate, error)
	InsertCertificate(ctx context.Context, c *domain.Certificate) error
	PutCertificate(ctx context.Context, c *domain.Certificate) error

	Market(ctx context.Context) (*domain.Market, error)
	PutMarket(ctx context.Context, m *domain.Market) error

	Order(ctx context.Context, id string) (*domain.Order, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	PutOrder(ctx context.Context, o *domain.Order) error

	InsertTrade(ctx context.Context, t *domain.TradeRecord) error
	InsertReading(ctx context.Context, r *domain.ReadingRecord) error

	// Payments is the fungible payment-unit ledger; Credits is the
	// energy-credit ledger. Both enlist in this transaction.
	Payments() balance.Ledger
	Credits() balance.Ledger
}

// Store is the top-level persistence contract. Read methods outside a
// transaction return point-in-time snapshots.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Registry(ctx context.Context) (*domain.Registry, error)
	User(ctx context.Context, account string) (*domain.User, error)
	Meter(ctx context.Context, meterID string) (*domain.Meter, error)
	Governance(ctx context.Context) (*domain.GovernanceConfig, error)
	Certificate(ctx context.Context, id string) (*domain.Certificate, error)
	Market(ctx context.Context) (*domain.Market, error)
	Order(ctx context.Context, id string) (*domain.Order, error)

	// OpenOrders returns orders in Active or PartiallyFilled status.
	OpenOrders(ctx context.Context) ([]*domain.Order, error)
	// ValidCertificates returns certificates in Valid status.
	ValidCertificates(ctx context.Context) ([]*domain.Certificate, error)
	// Trades returns the most recent trade records, newest first.
	Trades(ctx context.Context, limit int) ([]*domain.TradeRecord, error)
	// RecentReadings returns the latest audit rows for a meter, newest first.
	RecentReadings(ctx context.Context, meterID string, limit int) ([]*domain.ReadingRecord, error)

	PaymentBalance(ctx context.Context, account string) (uint64, error)
	CreditBalance(ctx context.Context, account string) (uint64, error)
}
