package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voltmark/energy-claim-ledger/internal/balance"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const (
	ledgerPayments = "payments"
	ledgerCredits  = "credits"
)

// Postgres implements Store on a pgx connection pool. Row locking uses
// SELECT ... FOR UPDATE inside the transaction plus a version column
// checked on every UPDATE, so a lost update surfaces as
// domain.ErrConcurrentModification instead of silently clobbering.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store on an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies the embedded schema. Safe to run at every startup.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithinTx runs fn inside a database transaction and commits only if fn
// returns nil.
func (s *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer pgtx.Rollback(ctx)

	t := &pgTx{tx: pgtx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const registryCols = `authority, oracle_authority, user_count, meter_count, active_meter_count, created_at, version`

func scanRegistry(row pgx.Row) (*domain.Registry, error) {
	var r domain.Registry
	err := row.Scan(&r.Authority, &r.OracleAuthority, &r.UserCount, &r.MeterCount, &r.ActiveMeterCount, &r.CreatedAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRegistryNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan registry: %w", err)
	}
	return &r, nil
}

func (t *pgTx) Registry(ctx context.Context) (*domain.Registry, error) {
	return scanRegistry(t.tx.QueryRow(ctx,
		`SELECT `+registryCols+` FROM registry WHERE id = 1 FOR UPDATE`))
}

func (t *pgTx) PutRegistry(ctx context.Context, r *domain.Registry) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE registry SET
			authority = $1, oracle_authority = $2, user_count = $3,
			meter_count = $4, active_meter_count = $5, version = version + 1
		WHERE id = 1 AND version = $6`,
		r.Authority, r.OracleAuthority, r.UserCount, r.MeterCount, r.ActiveMeterCount, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update registry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM registry WHERE id = 1)`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check registry: %w", err)
	}
	if exists {
		return domain.ErrConcurrentModification
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO registry (id, `+registryCols+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, 1)`,
		r.Authority, r.OracleAuthority, r.UserCount, r.MeterCount, r.ActiveMeterCount, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert registry: %w", err)
	}
	return nil
}

const userCols = `account, role, status, meter_count, registered_at, version`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.Account, &u.Role, &u.Status, &u.MeterCount, &u.RegisteredAt, &u.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

func (t *pgTx) User(ctx context.Context, account string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userCols+` FROM users WHERE account = $1 FOR UPDATE`, account))
}

func (t *pgTx) InsertUser(ctx context.Context, u *domain.User) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (account) DO NOTHING`,
		u.Account, u.Role, u.Status, u.MeterCount, u.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) PutUser(ctx context.Context, u *domain.User) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users SET role = $1, status = $2, meter_count = $3, version = version + 1
		WHERE account = $4 AND version = $5`,
		u.Role, u.Status, u.MeterCount, u.Account, u.Version)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return checkVersioned(ctx, t.tx, tag,
		`SELECT EXISTS(SELECT 1 FROM users WHERE account = $1)`, u.Account, domain.ErrUserNotFound)
}

const meterCols = `meter_id, owner_account, kind, status, rated_capacity, registered_at,
	last_reading_at, total_generation, total_consumption, settled_net_generation,
	claimed_cert_generation, version`

func scanMeter(row pgx.Row) (*domain.Meter, error) {
	var m domain.Meter
	var lastReading *time.Time
	err := row.Scan(&m.MeterID, &m.Owner, &m.Kind, &m.Status, &m.RatedCapacity, &m.RegisteredAt,
		&lastReading, &m.TotalGeneration, &m.TotalConsumption, &m.SettledNetGeneration,
		&m.ClaimedCertGeneration, &m.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMeterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan meter: %w", err)
	}
	if lastReading != nil {
		m.LastReadingAt = *lastReading
	}
	return &m, nil
}

func (t *pgTx) Meter(ctx context.Context, meterID string) (*domain.Meter, error) {
	return scanMeter(t.tx.QueryRow(ctx,
		`SELECT `+meterCols+` FROM meters WHERE meter_id = $1 FOR UPDATE`, meterID))
}

func (t *pgTx) InsertMeter(ctx context.Context, m *domain.Meter) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO meters (`+meterCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9, $10, 0)
		ON CONFLICT (meter_id) DO NOTHING`,
		m.MeterID, m.Owner, m.Kind, m.Status, m.RatedCapacity, m.RegisteredAt,
		m.TotalGeneration, m.TotalConsumption, m.SettledNetGeneration, m.ClaimedCertGeneration)
	if err != nil {
		return fmt.Errorf("failed to insert meter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) PutMeter(ctx context.Context, m *domain.Meter) error {
	var lastReading *time.Time
	if !m.LastReadingAt.IsZero() {
		lastReading = &m.LastReadingAt
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE meters SET
			owner_account = $1, kind = $2, status = $3, rated_capacity = $4,
			last_reading_at = $5, total_generation = $6, total_consumption = $7,
			settled_net_generation = $8, claimed_cert_generation = $9, version = version + 1
		WHERE meter_id = $10 AND version = $11`,
		m.Owner, m.Kind, m.Status, m.RatedCapacity,
		lastReading, m.TotalGeneration, m.TotalConsumption,
		m.SettledNetGeneration, m.ClaimedCertGeneration, m.MeterID, m.Version)
	if err != nil {
		return fmt.Errorf("failed to update meter: %w", err)
	}
	return checkVersioned(ctx, t.tx, tag,
		`SELECT EXISTS(SELECT 1 FROM meters WHERE meter_id = $1)`, m.MeterID, domain.ErrMeterNotFound)
}

const governanceCols = `authority, authority_name, contact_info,
	emergency_paused, paused_reason, paused_at, maintenance_mode,
	issuance_enabled, min_energy_amount, max_energy_amount, validity_period_secs,
	auto_expire, require_oracle, min_oracle_confidence, allow_transfers, debit_cert_on_listing,
	total_issued, total_validated, total_revoked, total_energy_certified,
	pending_authority, pending_proposed_at, pending_expires_at,
	created_at, last_updated, last_issued_at, version`

func scanGovernance(row pgx.Row) (*domain.GovernanceConfig, error) {
	var g domain.GovernanceConfig
	var pausedAt, proposedAt, pendingExpires, lastIssued *time.Time
	var validitySecs int64
	err := row.Scan(&g.Authority, &g.AuthorityName, &g.ContactInfo,
		&g.EmergencyPaused, &g.PausedReason, &pausedAt, &g.MaintenanceMode,
		&g.Policy.IssuanceEnabled, &g.Policy.MinEnergyAmount, &g.Policy.MaxEnergyAmount, &validitySecs,
		&g.Policy.AutoExpire, &g.Policy.RequireOracleValidation, &g.Policy.MinOracleConfidence,
		&g.Policy.AllowTransfers, &g.Policy.DebitCertificateOnListing,
		&g.TotalIssued, &g.TotalValidated, &g.TotalRevoked, &g.TotalEnergyCertified,
		&g.PendingAuthority, &proposedAt, &pendingExpires,
		&g.CreatedAt, &g.LastUpdated, &lastIssued, &g.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrGovernanceNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan governance: %w", err)
	}
	g.Policy.ValidityPeriod = time.Duration(validitySecs) * time.Second
	if pausedAt != nil {
		g.PausedAt = *pausedAt
	}
	if proposedAt != nil {
		g.PendingAuthorityProposedAt = *proposedAt
	}
	if pendingExpires != nil {
		g.PendingAuthorityExpiresAt = *pendingExpires
	}
	if lastIssued != nil {
		g.LastIssuedAt = *lastIssued
	}
	return &g, nil
}

func (t *pgTx) Governance(ctx context.Context) (*domain.GovernanceConfig, error) {
	return scanGovernance(t.tx.QueryRow(ctx,
		`SELECT `+governanceCols+` FROM governance WHERE id = 1 FOR UPDATE`))
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (t *pgTx) PutGovernance(ctx context.Context, g *domain.GovernanceConfig) error {
	validitySecs := int64(g.Policy.ValidityPeriod / time.Second)
	tag, err := t.tx.Exec(ctx, `
		UPDATE governance SET
			authority = $1, authority_name = $2, contact_info = $3,
			emergency_paused = $4, paused_reason = $5, paused_at = $6, maintenance_mode = $7,
			issuance_enabled = $8, min_energy_amount = $9, max_energy_amount = $10,
			validity_period_secs = $11, auto_expire = $12, require_oracle = $13,
			min_oracle_confidence = $14, allow_transfers = $15, debit_cert_on_listing = $16,
			total_issued = $17, total_validated = $18, total_revoked = $19,
			total_energy_certified = $20,
			pending_authority = $21, pending_proposed_at = $22, pending_expires_at = $23,
			last_updated = $24, last_issued_at = $25, version = version + 1
		WHERE id = 1 AND version = $26`,
		g.Authority, g.AuthorityName, g.ContactInfo,
		g.EmergencyPaused, g.PausedReason, optTime(g.PausedAt), g.MaintenanceMode,
		g.Policy.IssuanceEnabled, g.Policy.MinEnergyAmount, g.Policy.MaxEnergyAmount,
		validitySecs, g.Policy.AutoExpire, g.Policy.RequireOracleValidation,
		g.Policy.MinOracleConfidence, g.Policy.AllowTransfers, g.Policy.DebitCertificateOnListing,
		g.TotalIssued, g.TotalValidated, g.TotalRevoked, g.TotalEnergyCertified,
		g.PendingAuthority, optTime(g.PendingAuthorityProposedAt), optTime(g.PendingAuthorityExpiresAt),
		g.LastUpdated, optTime(g.LastIssuedAt), g.Version)
	if err != nil {
		return fmt.Errorf("failed to update governance: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM governance WHERE id = 1)`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check governance: %w", err)
	}
	if exists {
		return domain.ErrConcurrentModification
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO governance (id, `+governanceCols+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, 1)`,
		g.Authority, g.AuthorityName, g.ContactInfo,
		g.EmergencyPaused, g.PausedReason, optTime(g.PausedAt), g.MaintenanceMode,
		g.Policy.IssuanceEnabled, g.Policy.MinEnergyAmount, g.Policy.MaxEnergyAmount,
		validitySecs, g.Policy.AutoExpire, g.Policy.RequireOracleValidation,
		g.Policy.MinOracleConfidence, g.Policy.AllowTransfers, g.Policy.DebitCertificateOnListing,
		g.TotalIssued, g.TotalValidated, g.TotalRevoked, g.TotalEnergyCertified,
		g.PendingAuthority, optTime(g.PendingAuthorityProposedAt), optTime(g.PendingAuthorityExpiresAt),
		g.CreatedAt, g.LastUpdated, optTime(g.LastIssuedAt))
	if err != nil {
		return fmt.Errorf("failed to insert governance: %w", err)
	}
	return nil
}

const certCols = `id, authority, owner_account, meter_id, energy_amount, source, validation_data,
	issued_at, expires_at, status, validated_for_trading, trading_validated_at,
	revocation_reason, revoked_at, transfer_count, last_transferred_at, listed_energy, version`

func scanCertificate(row pgx.Row) (*domain.Certificate, error) {
	var c domain.Certificate
	var expiresAt, tradingValidated, revokedAt, lastTransferred *time.Time
	err := row.Scan(&c.ID, &c.Authority, &c.Owner, &c.MeterID, &c.EnergyAmount, &c.Source, &c.ValidationData,
		&c.IssuedAt, &expiresAt, &c.Status, &c.ValidatedForTrading, &tradingValidated,
		&c.RevocationReason, &revokedAt, &c.TransferCount, &lastTransferred, &c.ListedEnergy, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan certificate: %w", err)
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	if tradingValidated != nil {
		c.TradingValidatedAt = *tradingValidated
	}
	if revokedAt != nil {
		c.RevokedAt = *revokedAt
	}
	if lastTransferred != nil {
		c.LastTransferredAt = *lastTransferred
	}
	return &c, nil
}

func (t *pgTx) Certificate(ctx context.Context, id string) (*domain.Certificate, error) {
	return scanCertificate(t.tx.QueryRow(ctx,
		`SELECT `+certCols+` FROM certificates WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertCertificate(ctx context.Context, c *domain.Certificate) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO certificates (`+certCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 0)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.Authority, c.Owner, c.MeterID, c.EnergyAmount, c.Source, c.ValidationData,
		c.IssuedAt, optTime(c.ExpiresAt), c.Status, c.ValidatedForTrading, optTime(c.TradingValidatedAt),
		c.RevocationReason, optTime(c.RevokedAt), c.TransferCount, optTime(c.LastTransferredAt), c.ListedEnergy)
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) PutCertificate(ctx context.Context, c *domain.Certificate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE certificates SET
			owner_account = $1, status = $2, validated_for_trading = $3, trading_validated_at = $4,
			revocation_reason = $5, revoked_at = $6, transfer_count = $7, last_transferred_at = $8,
			listed_energy = $9, validation_data = $10, version = version + 1
		WHERE id = $11 AND version = $12`,
		c.Owner, c.Status, c.ValidatedForTrading, optTime(c.TradingValidatedAt),
		c.RevocationReason, optTime(c.RevokedAt), c.TransferCount, optTime(c.LastTransferredAt),
		c.ListedEnergy, c.ValidationData, c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update certificate: %w", err)
	}
	return checkVersioned(ctx, t.tx, tag,
		`SELECT EXISTS(SELECT 1 FROM certificates WHERE id = $1)`, c.ID, domain.ErrCertificateNotFound)
}

const marketCols = `authority, fee_bps, escrow_account, fee_collector, paused,
	active_orders, total_trades, total_volume, last_clearing_price, created_at, version`

func scanMarket(row pgx.Row) (*domain.Market, error) {
	var m domain.Market
	err := row.Scan(&m.Authority, &m.FeeBps, &m.EscrowAccount, &m.FeeCollector, &m.Paused,
		&m.ActiveOrders, &m.TotalTrades, &m.TotalVolume, &m.LastClearingPrice, &m.CreatedAt, &m.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMarketNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan market: %w", err)
	}
	return &m, nil
}

func (t *pgTx) Market(ctx context.Context) (*domain.Market, error) {
	return scanMarket(t.tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM market WHERE id = 1 FOR UPDATE`))
}

func (t *pgTx) PutMarket(ctx context.Context, m *domain.Market) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE market SET
			authority = $1, fee_bps = $2, escrow_account = $3, fee_collector = $4, paused = $5,
			active_orders = $6, total_trades = $7, total_volume = $8, last_clearing_price = $9,
			version = version + 1
		WHERE id = 1 AND version = $10`,
		m.Authority, m.FeeBps, m.EscrowAccount, m.FeeCollector, m.Paused,
		m.ActiveOrders, m.TotalTrades, m.TotalVolume, m.LastClearingPrice, m.Version)
	if err != nil {
		return fmt.Errorf("failed to update market: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM market WHERE id = 1)`).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check market: %w", err)
	}
	if exists {
		return domain.ErrConcurrentModification
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO market (id, `+marketCols+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)`,
		m.Authority, m.FeeBps, m.EscrowAccount, m.FeeCollector, m.Paused,
		m.ActiveOrders, m.TotalTrades, m.TotalVolume, m.LastClearingPrice, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert market: %w", err)
	}
	return nil
}

const orderCols = `id, owner_account, side, quantity, unit_price, filled_quantity,
	certificate_id, status, created_at, expires_at, version`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var expiresAt *time.Time
	err := row.Scan(&o.ID, &o.Owner, &o.Side, &o.Quantity, &o.UnitPrice, &o.FilledQuantity,
		&o.CertificateID, &o.Status, &o.CreatedAt, &expiresAt, &o.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	if expiresAt != nil {
		o.ExpiresAt = *expiresAt
	}
	return &o, nil
}

func (t *pgTx) Order(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO orders (`+orderCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.Owner, o.Side, o.Quantity, o.UnitPrice, o.FilledQuantity,
		o.CertificateID, o.Status, o.CreatedAt, optTime(o.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *pgTx) PutOrder(ctx context.Context, o *domain.Order) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET
			filled_quantity = $1, status = $2, version = version + 1
		WHERE id = $3 AND version = $4`,
		o.FilledQuantity, o.Status, o.ID, o.Version)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return checkVersioned(ctx, t.tx, tag,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID, domain.ErrOrderNotFound)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *domain.TradeRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO trades (id, buy_order_id, sell_order_id, buyer, seller,
			quantity, unit_price, total_value, fee, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tr.ID, tr.BuyOrderID, tr.SellOrderID, tr.Buyer, tr.Seller,
		tr.Quantity, tr.UnitPrice, tr.TotalValue, tr.Fee, tr.ExecutedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (t *pgTx) InsertReading(ctx context.Context, r *domain.ReadingRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO meter_readings (id, meter_id, generation_delta, consumption_delta,
			reading_at, received_at, accepted, anomaly_score, anomaly_reason, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.MeterID, r.GenerationDelta, r.ConsumptionDelta,
		r.ReadingAt, r.ReceivedAt, r.Accepted, r.AnomalyScore, r.AnomalyReason, r.RawPayload)
	if err != nil {
		return fmt.Errorf("failed to insert meter reading: %w", err)
	}
	return nil
}

func (t *pgTx) Payments() balance.Ledger { return &pgLedger{tx: t.tx, ledger: ledgerPayments} }
func (t *pgTx) Credits() balance.Ledger  { return &pgLedger{tx: t.tx, ledger: ledgerCredits} }

// pgLedger moves balances inside the surrounding transaction. Debits
// rely on the CHECK (amount >= 0) guard via a conditional UPDATE, so a
// shortfall reports ErrInsufficientFunds without touching the row.
type pgLedger struct {
	tx     pgx.Tx
	ledger string
}

func (l *pgLedger) Credit(ctx context.Context, account string, amount uint64) error {
	if account == "" {
		return balance.ErrInvalidAccount
	}
	_, err := l.tx.Exec(ctx, `
		INSERT INTO balances (ledger, account, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (ledger, account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		l.ledger, account, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s/%s: %w", l.ledger, account, err)
	}
	return nil
}

func (l *pgLedger) Debit(ctx context.Context, account string, amount uint64) error {
	if account == "" {
		return balance.ErrInvalidAccount
	}
	tag, err := l.tx.Exec(ctx, `
		UPDATE balances SET amount = amount - $3
		WHERE ledger = $1 AND account = $2 AND amount >= $3`,
		l.ledger, account, amount)
	if err != nil {
		return fmt.Errorf("failed to debit %s/%s: %w", l.ledger, account, err)
	}
	if tag.RowsAffected() == 0 {
		return balance.ErrInsufficientFunds
	}
	return nil
}

func (l *pgLedger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if err := l.Debit(ctx, from, amount); err != nil {
		return err
	}
	return l.Credit(ctx, to, amount)
}

func (l *pgLedger) Balance(ctx context.Context, account string) (uint64, error) {
	if account == "" {
		return 0, balance.ErrInvalidAccount
	}
	var amount uint64
	err := l.tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE ledger = $1 AND account = $2`,
		l.ledger, account).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance %s/%s: %w", l.ledger, account, err)
	}
	return amount, nil
}

// checkVersioned distinguishes a missing row from a version conflict
// after an UPDATE ... AND version = $n matched nothing.
func checkVersioned(ctx context.Context, tx pgx.Tx, tag interface{ RowsAffected() int64 }, existsQuery, key string, notFound error) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx, existsQuery, key).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check row existence: %w", err)
	}
	if !exists {
		return notFound
	}
	return domain.ErrConcurrentModification
}

// Read-only snapshot queries outside a transaction.

func (s *Postgres) Registry(ctx context.Context) (*domain.Registry, error) {
	return scanRegistry(s.pool.QueryRow(ctx, `SELECT `+registryCols+` FROM registry WHERE id = 1`))
}

func (s *Postgres) User(ctx context.Context, account string) (*domain.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE account = $1`, account))
}

func (s *Postgres) Meter(ctx context.Context, meterID string) (*domain.Meter, error) {
	return scanMeter(s.pool.QueryRow(ctx, `SELECT `+meterCols+` FROM meters WHERE meter_id = $1`, meterID))
}

func (s *Postgres) Governance(ctx context.Context) (*domain.GovernanceConfig, error) {
	return scanGovernance(s.pool.QueryRow(ctx, `SELECT `+governanceCols+` FROM governance WHERE id = 1`))
}

func (s *Postgres) Certificate(ctx context.Context, id string) (*domain.Certificate, error) {
	return scanCertificate(s.pool.QueryRow(ctx, `SELECT `+certCols+` FROM certificates WHERE id = $1`, id))
}

func (s *Postgres) Market(ctx context.Context) (*domain.Market, error) {
	return scanMarket(s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM market WHERE id = 1`))
}

func (s *Postgres) Order(ctx context.Context, id string) (*domain.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (s *Postgres) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE status IN ('active', 'partially_filled')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Postgres) ValidCertificates(ctx context.Context) ([]*domain.Certificate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+certCols+` FROM certificates
		WHERE status = 'valid'
		ORDER BY issued_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query valid certificates: %w", err)
	}
	defer rows.Close()

	var out []*domain.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Postgres) Trades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, buy_order_id, sell_order_id, buyer, seller,
			quantity, unit_price, total_value, fee, executed_at
		FROM trades
		ORDER BY executed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []*domain.TradeRecord
	for rows.Next() {
		var tr domain.TradeRecord
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.Buyer, &tr.Seller,
			&tr.Quantity, &tr.UnitPrice, &tr.TotalValue, &tr.Fee, &tr.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Postgres) RecentReadings(ctx context.Context, meterID string, limit int) ([]*domain.ReadingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, meter_id, generation_delta, consumption_delta,
			reading_at, received_at, accepted, anomaly_score, anomaly_reason, raw_payload
		FROM meter_readings
		WHERE meter_id = $1
		ORDER BY received_at DESC
		LIMIT $2`, meterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var out []*domain.ReadingRecord
	for rows.Next() {
		var r domain.ReadingRecord
		if err := rows.Scan(&r.ID, &r.MeterID, &r.GenerationDelta, &r.ConsumptionDelta,
			&r.ReadingAt, &r.ReceivedAt, &r.Accepted, &r.AnomalyScore, &r.AnomalyReason, &r.RawPayload); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *Postgres) balanceOf(ctx context.Context, ledger, account string) (uint64, error) {
	var amount uint64
	err := s.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE ledger = $1 AND account = $2`,
		ledger, account).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return amount, nil
}

func (s *Postgres) PaymentBalance(ctx context.Context, account string) (uint64, error) {
	return s.balanceOf(ctx, ledgerPayments, account)
}

func (s *Postgres) CreditBalance(ctx context.Context, account string) (uint64, error) {
	return s.balanceOf(ctx, ledgerCredits, account)
}
