// Package events defines the domain events published after a committed
// transaction, and the publisher contract services depend on.
package events

import (
	"context"
	"time"
)

// Routing keys on the ledger events exchange.
const (
	KeyReadingAccepted   = "reading.accepted"
	KeyReadingRejected   = "reading.rejected"
	KeySettlementDone    = "settlement.completed"
	KeyCertIssued        = "certificate.issued"
	KeyCertValidated     = "certificate.validated"
	KeyCertRevoked       = "certificate.revoked"
	KeyCertTransferred   = "certificate.transferred"
	KeyOrderCreated      = "order.created"
	KeyOrderCancelled    = "order.cancelled"
	KeyOrderExpired      = "order.expired"
	KeyTradeExecuted     = "trade.executed"
)

// Publisher delivers a domain event. Publishing happens after commit;
// failures are logged by the caller, never rolled back.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Nop is a Publisher that discards events. Used in tests and when no
// broker is configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, routingKey string, event any) error { return nil }

// ReadingEvent reports an accepted or rejected oracle reading.
type ReadingEvent struct {
	MeterID          string    `json:"meter_id"`
	GenerationDelta  uint64    `json:"generation_delta"`
	ConsumptionDelta uint64    `json:"consumption_delta"`
	ReadingAt        time.Time `json:"reading_at"`
	Accepted         bool      `json:"accepted"`
	AnomalyScore     uint8     `json:"anomaly_score"`
	Reason           string    `json:"reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// SettlementEvent reports credits minted for a meter owner.
type SettlementEvent struct {
	MeterID   string    `json:"meter_id"`
	Owner     string    `json:"owner"`
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// CertificateEvent reports a certificate lifecycle transition.
type CertificateEvent struct {
	CertificateID string    `json:"certificate_id"`
	MeterID       string    `json:"meter_id,omitempty"`
	Owner         string    `json:"owner"`
	EnergyAmount  uint64    `json:"energy_amount"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// OrderEvent reports an order lifecycle transition.
type OrderEvent struct {
	OrderID   string    `json:"order_id"`
	Owner     string    `json:"owner"`
	Side      string    `json:"side"`
	Quantity  uint64    `json:"quantity"`
	UnitPrice uint64    `json:"unit_price"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeEvent reports a settled match.
type TradeEvent struct {
	TradeID     string    `json:"trade_id"`
	BuyOrderID  string    `json:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id"`
	Buyer       string    `json:"buyer"`
	Seller      string    `json:"seller"`
	Quantity    uint64    `json:"quantity"`
	UnitPrice   uint64    `json:"unit_price"`
	TotalValue  uint64    `json:"total_value"`
	Fee         uint64    `json:"fee"`
	Timestamp   time.Time `json:"timestamp"`
}
