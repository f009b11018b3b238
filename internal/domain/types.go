package domain

import (
	"math/bits"
	"time"
)

// DeviceKind identifies the class of metering hardware.
type DeviceKind string

const (
	DeviceSolar   DeviceKind = "solar"
	DeviceWind    DeviceKind = "wind"
	DeviceBattery DeviceKind = "battery"
	DeviceGrid    DeviceKind = "grid"
)

// MeterStatus is the lifecycle status of a meter.
type MeterStatus string

const (
	MeterActive      MeterStatus = "active"
	MeterInactive    MeterStatus = "inactive"
	MeterMaintenance MeterStatus = "maintenance"
)

// UserRole distinguishes producers (own generating meters) from pure consumers.
type UserRole string

const (
	RoleProducer UserRole = "producer"
	RoleConsumer UserRole = "consumer"
)

// UserStatus is the lifecycle status of a user account.
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserSuspended UserStatus = "suspended"
	UserInactive  UserStatus = "inactive"
)

// Meter is the per-device accounting record. All energy counters are
// cumulative and monotonically non-decreasing; the two claim trackers
// (SettledNetGeneration for credit minting, ClaimedCertGeneration for
// certificate issuance) are independent high-water marks bounded by the
// meter's net generation.
type Meter struct {
	MeterID               string
	Owner                 string
	Kind                  DeviceKind
	Status                MeterStatus
	RatedCapacity         uint64 // max plausible generation per hour, anomaly baseline
	RegisteredAt          time.Time
	LastReadingAt         time.Time
	TotalGeneration       uint64
	TotalConsumption      uint64
	SettledNetGeneration  uint64
	ClaimedCertGeneration uint64
	Version               uint64
}

// NetGeneration returns total generation minus total consumption,
// saturating at zero.
func (m *Meter) NetGeneration() uint64 {
	if m.TotalConsumption >= m.TotalGeneration {
		return 0
	}
	return m.TotalGeneration - m.TotalConsumption
}

// UnsettledBalance is the net generation not yet credited through settlement.
func (m *Meter) UnsettledBalance() uint64 {
	net := m.NetGeneration()
	if m.SettledNetGeneration >= net {
		return 0
	}
	return net - m.SettledNetGeneration
}

// UnclaimedGeneration is the net generation not yet backing a certificate.
func (m *Meter) UnclaimedGeneration() uint64 {
	net := m.NetGeneration()
	if m.ClaimedCertGeneration >= net {
		return 0
	}
	return net - m.ClaimedCertGeneration
}

// User is a registered trading participant.
type User struct {
	Account      string
	Role         UserRole
	Status       UserStatus
	MeterCount   uint32
	RegisteredAt time.Time
	Version      uint64
}

// Registry is the singleton admin record: who administers the system,
// which single identity may submit readings, and running counts.
type Registry struct {
	Authority        string
	OracleAuthority  string // empty until configured
	UserCount        uint64
	MeterCount       uint64
	ActiveMeterCount uint64
	CreatedAt        time.Time
	Version          uint64
}

// CertStatus is the lifecycle status of a certificate.
type CertStatus string

const (
	CertPending CertStatus = "pending"
	CertValid   CertStatus = "valid"
	CertExpired CertStatus = "expired"
	CertRevoked CertStatus = "revoked"
)

// Certificate is a renewable-origin claim against a meter's net
// generation. Immutable once revoked.
type Certificate struct {
	ID                  string
	Authority           string
	Owner               string
	MeterID             string
	EnergyAmount        uint64
	Source              string
	ValidationData      string
	IssuedAt            time.Time
	ExpiresAt           time.Time
	Status              CertStatus
	ValidatedForTrading bool
	TradingValidatedAt  time.Time
	RevocationReason    string
	RevokedAt           time.Time
	TransferCount       uint32
	LastTransferredAt   time.Time
	ListedEnergy        uint64 // consumed listing capacity when the debit-on-listing policy is on
	Version             uint64
}

// CanRevoke reports whether the certificate is in a revocable state.
func (c *Certificate) CanRevoke() bool {
	return c.Status == CertValid || c.Status == CertPending
}

// IsExpired reports whether the certificate is past its expiry at now.
func (c *Certificate) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CertificatePolicy holds the numeric bounds and feature switches for
// certificate issuance.
type CertificatePolicy struct {
	IssuanceEnabled         bool
	MinEnergyAmount         uint64
	MaxEnergyAmount         uint64
	ValidityPeriod          time.Duration
	AutoExpire              bool
	RequireOracleValidation bool
	MinOracleConfidence     uint8 // 0-100
	AllowTransfers          bool
	DebitCertificateOnListing bool
}

// MaxValidityPeriod caps certificate validity at two years.
const MaxValidityPeriod = 2 * 365 * 24 * time.Hour

// Validate checks the policy bounds.
func (p CertificatePolicy) Validate() error {
	if p.MinEnergyAmount == 0 {
		return ErrInvalidPolicy
	}
	if p.MaxEnergyAmount <= p.MinEnergyAmount {
		return ErrInvalidPolicy
	}
	if p.ValidityPeriod <= 0 || p.ValidityPeriod > MaxValidityPeriod {
		return ErrInvalidPolicy
	}
	if p.MinOracleConfidence > 100 {
		return ErrInvalidConfidence
	}
	return nil
}

// GovernanceConfig is the singleton certificate-authority record.
type GovernanceConfig struct {
	Authority     string
	AuthorityName string
	ContactInfo   string

	EmergencyPaused bool
	PausedReason    string
	PausedAt        time.Time
	MaintenanceMode bool

	Policy CertificatePolicy

	TotalIssued          uint64
	TotalValidated       uint64
	TotalRevoked         uint64
	TotalEnergyCertified uint64

	// Two-step authority handshake. PendingAuthority is empty when no
	// change is in flight.
	PendingAuthority          string
	PendingAuthorityProposedAt time.Time
	PendingAuthorityExpiresAt time.Time

	CreatedAt    time.Time
	LastUpdated  time.Time
	LastIssuedAt time.Time
	Version      uint64
}

// IsOperational reports whether certificate operations are allowed at all.
func (g *GovernanceConfig) IsOperational() bool {
	return !g.EmergencyPaused && !g.MaintenanceMode
}

// CanIssue reports whether new certificates may be issued.
func (g *GovernanceConfig) CanIssue() bool {
	return g.IsOperational() && g.Policy.IssuanceEnabled
}

// OrderSide is buy or sell.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderActive          OrderStatus = "active"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// Order is a resting buy or sell order. UnitPrice is the limit price for
// buys and the asking price for sells. A sell order may be linked to a
// certificate to advertise renewable origin.
type Order struct {
	ID            string
	Owner         string
	Side          OrderSide
	Quantity      uint64
	UnitPrice     uint64
	FilledQuantity uint64
	CertificateID string // optional, sell side only
	Status        OrderStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Version       uint64
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() uint64 {
	if o.FilledQuantity >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQuantity
}

// IsOpen reports whether the order can still be matched or cancelled.
func (o *Order) IsOpen() bool {
	return o.Status == OrderActive || o.Status == OrderPartiallyFilled
}

// IsExpired reports whether the order is past its expiry at now.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Market is the singleton marketplace record.
type Market struct {
	Authority         string
	FeeBps            uint16
	EscrowAccount     string
	FeeCollector      string
	Paused            bool
	ActiveOrders      uint64
	TotalTrades       uint64
	TotalVolume       uint64
	LastClearingPrice uint64
	CreatedAt         time.Time
	Version           uint64
}

// TradeFee computes the marketplace fee on a total trade value using
// integer basis-point math, truncating. The intermediate product is
// widened to 128 bits so large totals cannot wrap.
func TradeFee(totalValue uint64, feeBps uint16) uint64 {
	hi, lo := bits.Mul64(totalValue, uint64(feeBps))
	fee, _ := bits.Div64(hi, lo, 10000)
	return fee
}

// TradeRecord is the immutable receipt of one matched fill.
type TradeRecord struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	Buyer       string
	Seller      string
	Quantity    uint64
	UnitPrice   uint64
	TotalValue  uint64
	Fee         uint64
	ExecutedAt  time.Time
}

// ReadingRecord is the append-only audit row for one oracle reading,
// accepted or rejected.
type ReadingRecord struct {
	ID               string
	MeterID          string
	GenerationDelta  uint64
	ConsumptionDelta uint64
	ReadingAt        time.Time
	ReceivedAt       time.Time
	Accepted         bool
	AnomalyScore     uint8
	AnomalyReason    string
	RawPayload       []byte
}

// AddChecked returns a+b or ErrCounterOverflow.
func AddChecked(a, b uint64) (uint64, error) {
	if a > ^uint64(0)-b {
		return 0, ErrCounterOverflow
	}
	return a + b, nil
}

// MulChecked returns a*b or ErrCounterOverflow.
func MulChecked(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > ^uint64(0)/b {
		return 0, ErrCounterOverflow
	}
	return a * b, nil
}
