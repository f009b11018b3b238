// Package market implements the energy-credit order book: escrowed buy
// and sell orders, atomic match settlement at the seller's asking
// price, and expiry sweeps that refund remaining escrow.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/metrics"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// OrderTTL is how long an order rests before it expires.
const OrderTTL = 24 * time.Hour

// Service manages the marketplace.
type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService creates the market service.
func NewService(st store.Store, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{store: st, publisher: publisher, logger: logger}
}

// Initialize creates the market singleton. Escrow and fee collector
// are ledger accounts owned by the marketplace itself.
func (s *Service) Initialize(ctx context.Context, authority string, feeBps uint16, escrowAccount, feeCollector string) (*domain.Market, error) {
	if authority == "" {
		return nil, domain.ErrUnauthorized
	}
	if feeBps > 10000 {
		return nil, domain.ErrInvalidFeeBps
	}
	if escrowAccount == "" || feeCollector == "" {
		return nil, domain.ErrInvalidPolicy
	}
	var out *domain.Market
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Market(ctx); err == nil {
			return domain.ErrAlreadyExists
		}
		m := &domain.Market{
			Authority:     authority,
			FeeBps:        feeBps,
			EscrowAccount: escrowAccount,
			FeeCollector:  feeCollector,
			CreatedAt:     time.Now().UTC(),
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market initialized",
		zap.String("authority", authority), zap.Uint16("fee_bps", feeBps))
	return out, nil
}

// UpdateParams adjusts the fee and pause switch. Authority only.
// Resting orders keep the parameters in force when they match.
func (s *Service) UpdateParams(ctx context.Context, caller string, feeBps uint16, paused bool) error {
	if feeBps > 10000 {
		return domain.ErrInvalidFeeBps
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if caller != m.Authority {
			return domain.ErrUnauthorized
		}
		m.FeeBps = feeBps
		m.Paused = paused
		return tx.PutMarket(ctx, m)
	})
}

// CreateSell places a sell order, escrowing the offered credits. An
// optional certificate advertises renewable origin; it must belong to
// the seller and be validated for trading, and the order quantity may
// not exceed its certified energy.
func (s *Service) CreateSell(ctx context.Context, caller string, quantity, unitPrice uint64, certificateID string) (*domain.Order, error) {
	if quantity == 0 {
		return nil, domain.ErrInvalidAmount
	}
	if unitPrice == 0 {
		return nil, domain.ErrInvalidPrice
	}
	var out *domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.Paused {
			return domain.ErrMarketPaused
		}
		user, err := tx.User(ctx, caller)
		if err != nil {
			return err
		}
		if user.Status != domain.UserActive {
			return domain.ErrUserNotActive
		}

		if certificateID != "" {
			if err := s.attachCertificate(ctx, tx, caller, certificateID, quantity); err != nil {
				return err
			}
		}

		if err := tx.Credits().Transfer(ctx, caller, m.EscrowAccount, quantity); err != nil {
			return err
		}

		now := time.Now().UTC()
		order := &domain.Order{
			ID:            uuid.New().String(),
			Owner:         caller,
			Side:          domain.SideSell,
			Quantity:      quantity,
			UnitPrice:     unitPrice,
			CertificateID: certificateID,
			Status:        domain.OrderActive,
			CreatedAt:     now,
			ExpiresAt:     now.Add(OrderTTL),
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		m.ActiveOrders++
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.created(ctx, out)
	return out, nil
}

func (s *Service) attachCertificate(ctx context.Context, tx store.Tx, caller, certificateID string, quantity uint64) error {
	g, err := tx.Governance(ctx)
	if err != nil {
		return err
	}
	cert, err := tx.Certificate(ctx, certificateID)
	if err != nil {
		return err
	}
	if cert.Owner != caller {
		return domain.ErrUnauthorized
	}
	if cert.Status != domain.CertValid {
		return domain.ErrInvalidCertStatus
	}
	if cert.IsExpired(time.Now().UTC()) {
		return domain.ErrCertificateExpired
	}
	if !cert.ValidatedForTrading {
		return domain.ErrNotValidatedForTrading
	}
	if g.Policy.DebitCertificateOnListing {
		available := cert.EnergyAmount - cert.ListedEnergy
		if quantity > available {
			return domain.ErrExceedsCertificateAmount
		}
		cert.ListedEnergy += quantity
		return tx.PutCertificate(ctx, cert)
	}
	if quantity > cert.EnergyAmount {
		return domain.ErrExceedsCertificateAmount
	}
	return nil
}

// CreateBuy places a buy order, escrowing quantity x maxUnitPrice in
// payment units. Any price improvement at match time is refunded.
func (s *Service) CreateBuy(ctx context.Context, caller string, quantity, maxUnitPrice uint64) (*domain.Order, error) {
	if quantity == 0 {
		return nil, domain.ErrInvalidAmount
	}
	if maxUnitPrice == 0 {
		return nil, domain.ErrInvalidPrice
	}
	escrow, err := domain.MulChecked(quantity, maxUnitPrice)
	if err != nil {
		return nil, err
	}
	var out *domain.Order
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.Paused {
			return domain.ErrMarketPaused
		}
		user, err := tx.User(ctx, caller)
		if err != nil {
			return err
		}
		if user.Status != domain.UserActive {
			return domain.ErrUserNotActive
		}

		if err := tx.Payments().Transfer(ctx, caller, m.EscrowAccount, escrow); err != nil {
			return err
		}

		now := time.Now().UTC()
		order := &domain.Order{
			ID:        uuid.New().String(),
			Owner:     caller,
			Side:      domain.SideBuy,
			Quantity:  quantity,
			UnitPrice: maxUnitPrice,
			Status:    domain.OrderActive,
			CreatedAt: now,
			ExpiresAt: now.Add(OrderTTL),
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		m.ActiveOrders++
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.created(ctx, out)
	return out, nil
}

// Match settles quantity units between a buy and a sell order at the
// seller's asking price. Anyone may submit a match; the checks make an
// invalid one impossible. All transfers and both order updates commit
// atomically.
func (s *Service) Match(ctx context.Context, buyOrderID, sellOrderID string, quantity uint64) (*domain.TradeRecord, error) {
	if quantity == 0 {
		return nil, domain.ErrInvalidAmount
	}
	var trade *domain.TradeRecord
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		if m.Paused {
			return domain.ErrMarketPaused
		}

		buy, err := tx.Order(ctx, buyOrderID)
		if err != nil {
			return err
		}
		sell, err := tx.Order(ctx, sellOrderID)
		if err != nil {
			return err
		}
		if buy.Side != domain.SideBuy || sell.Side != domain.SideSell {
			return domain.ErrOrderNotOpen
		}
		if !buy.IsOpen() || !sell.IsOpen() {
			return domain.ErrOrderNotOpen
		}
		now := time.Now().UTC()
		if buy.IsExpired(now) || sell.IsExpired(now) {
			return domain.ErrOrderExpired
		}
		if buy.Owner == sell.Owner {
			return domain.ErrSelfTrade
		}
		if buy.UnitPrice < sell.UnitPrice {
			return domain.ErrPriceMismatch
		}
		if quantity > buy.Remaining() || quantity > sell.Remaining() {
			return domain.ErrMatchExceedsRemaining
		}

		// Clearing price is the seller's ask. The buyer escrowed at
		// their limit, so the difference flows back to them.
		total, err := domain.MulChecked(quantity, sell.UnitPrice)
		if err != nil {
			return err
		}
		fee := domain.TradeFee(total, m.FeeBps)
		escrowed, err := domain.MulChecked(quantity, buy.UnitPrice)
		if err != nil {
			return err
		}

		pay := tx.Payments()
		if err := pay.Transfer(ctx, m.EscrowAccount, sell.Owner, total-fee); err != nil {
			return err
		}
		if fee > 0 {
			if err := pay.Transfer(ctx, m.EscrowAccount, m.FeeCollector, fee); err != nil {
				return err
			}
		}
		if refund := escrowed - total; refund > 0 {
			if err := pay.Transfer(ctx, m.EscrowAccount, buy.Owner, refund); err != nil {
				return err
			}
		}
		if err := tx.Credits().Transfer(ctx, m.EscrowAccount, buy.Owner, quantity); err != nil {
			return err
		}

		if err := s.fill(ctx, tx, m, buy, quantity); err != nil {
			return err
		}
		if err := s.fill(ctx, tx, m, sell, quantity); err != nil {
			return err
		}

		m.TotalTrades++
		volume, err := domain.AddChecked(m.TotalVolume, quantity)
		if err != nil {
			return err
		}
		m.TotalVolume = volume
		m.LastClearingPrice = sell.UnitPrice
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}

		trade = &domain.TradeRecord{
			ID:          uuid.New().String(),
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Buyer:       buy.Owner,
			Seller:      sell.Owner,
			Quantity:    quantity,
			UnitPrice:   sell.UnitPrice,
			TotalValue:  total,
			Fee:         fee,
			ExecutedAt:  now,
		}
		return tx.InsertTrade(ctx, trade)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			metrics.TxConflicts.Inc()
		}
		return nil, err
	}

	metrics.TradesExecuted.Inc()
	metrics.TradeVolume.Add(float64(trade.Quantity))
	s.logger.Info("trade executed",
		zap.String("trade_id", trade.ID),
		zap.String("buyer", trade.Buyer),
		zap.String("seller", trade.Seller),
		zap.Uint64("quantity", trade.Quantity),
		zap.Uint64("unit_price", trade.UnitPrice),
		zap.Uint64("fee", trade.Fee))

	event := events.TradeEvent{
		TradeID:     trade.ID,
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		Buyer:       trade.Buyer,
		Seller:      trade.Seller,
		Quantity:    trade.Quantity,
		UnitPrice:   trade.UnitPrice,
		TotalValue:  trade.TotalValue,
		Fee:         trade.Fee,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, events.KeyTradeExecuted, event); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish trade event", zap.String("trade_id", trade.ID), zap.Error(err))
	}
	return trade, nil
}

// fill advances an order's filled quantity and closes it when full.
func (s *Service) fill(ctx context.Context, tx store.Tx, m *domain.Market, o *domain.Order, quantity uint64) error {
	o.FilledQuantity += quantity
	if o.Remaining() == 0 {
		o.Status = domain.OrderFilled
		m.ActiveOrders--
	} else {
		o.Status = domain.OrderPartiallyFilled
	}
	return tx.PutOrder(ctx, o)
}

// Cancel closes an open order and refunds the remaining escrow to its
// owner.
func (s *Service) Cancel(ctx context.Context, caller, orderID string) error {
	var cancelled *domain.Order
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Market(ctx)
		if err != nil {
			return err
		}
		order, err := tx.Order(ctx, orderID)
		if err != nil {
			return err
		}
		if caller != order.Owner && caller != m.Authority {
			return domain.ErrUnauthorized
		}
		if !order.IsOpen() {
			return domain.ErrOrderNotOpen
		}
		// Expired orders are the sweep's to close; cancelling one would
		// record the wrong terminal status.
		if order.IsExpired(time.Now().UTC()) {
			return domain.ErrOrderExpired
		}
		if err := s.close(ctx, tx, m, order, domain.OrderCancelled); err != nil {
			return err
		}
		if err := tx.PutMarket(ctx, m); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("order cancelled", zap.String("order_id", orderID))
	s.orderEvent(ctx, events.KeyOrderCancelled, cancelled)
	return nil
}

// ExpireOrders sweeps open orders past their expiry, refunding
// remaining escrow. Returns how many orders were expired.
func (s *Service) ExpireOrders(ctx context.Context) (int, error) {
	open, err := s.store.OpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	expired := 0
	for _, o := range open {
		if !o.IsExpired(now) {
			continue
		}
		id := o.ID
		var swept *domain.Order
		err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			m, err := tx.Market(ctx)
			if err != nil {
				return err
			}
			order, err := tx.Order(ctx, id)
			if err != nil {
				return err
			}
			if !order.IsOpen() || !order.IsExpired(now) {
				return nil
			}
			if err := s.close(ctx, tx, m, order, domain.OrderExpired); err != nil {
				return err
			}
			if err := tx.PutMarket(ctx, m); err != nil {
				return err
			}
			swept = order
			return nil
		})
		if err != nil {
			s.logger.Error("failed to expire order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if swept != nil {
			expired++
			s.orderEvent(ctx, events.KeyOrderExpired, swept)
		}
	}
	if expired > 0 {
		s.logger.Info("expired orders", zap.Int("count", expired))
	}
	return expired, nil
}

// close refunds an open order's remaining escrow and moves it to the
// terminal status. Caller persists the market record.
func (s *Service) close(ctx context.Context, tx store.Tx, m *domain.Market, order *domain.Order, status domain.OrderStatus) error {
	remaining := order.Remaining()
	if remaining > 0 {
		switch order.Side {
		case domain.SideBuy:
			refund, err := domain.MulChecked(remaining, order.UnitPrice)
			if err != nil {
				return err
			}
			if err := tx.Payments().Transfer(ctx, m.EscrowAccount, order.Owner, refund); err != nil {
				return err
			}
		case domain.SideSell:
			if err := tx.Credits().Transfer(ctx, m.EscrowAccount, order.Owner, remaining); err != nil {
				return err
			}
			if order.CertificateID != "" {
				if err := s.releaseListing(ctx, tx, order.CertificateID, remaining); err != nil {
					return err
				}
			}
		}
	}
	order.Status = status
	m.ActiveOrders--
	return tx.PutOrder(ctx, order)
}

// releaseListing returns unfilled listed energy to the certificate
// when the debit-on-listing policy is active.
func (s *Service) releaseListing(ctx context.Context, tx store.Tx, certificateID string, remaining uint64) error {
	g, err := tx.Governance(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrGovernanceNotInitialized) {
			return nil
		}
		return err
	}
	if !g.Policy.DebitCertificateOnListing {
		return nil
	}
	cert, err := tx.Certificate(ctx, certificateID)
	if err != nil {
		return err
	}
	if cert.ListedEnergy >= remaining {
		cert.ListedEnergy -= remaining
	} else {
		cert.ListedEnergy = 0
	}
	return tx.PutCertificate(ctx, cert)
}

// Market returns the market snapshot.
func (s *Service) Market(ctx context.Context) (*domain.Market, error) {
	return s.store.Market(ctx)
}

// Order returns an order snapshot.
func (s *Service) Order(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.Order(ctx, id)
}

// OpenOrders returns all open orders, oldest first.
func (s *Service) OpenOrders(ctx context.Context) ([]*domain.Order, error) {
	return s.store.OpenOrders(ctx)
}

// Trades returns recent trades, newest first.
func (s *Service) Trades(ctx context.Context, limit int) ([]*domain.TradeRecord, error) {
	return s.store.Trades(ctx, limit)
}

func (s *Service) created(ctx context.Context, o *domain.Order) {
	metrics.OrdersCreated.WithLabelValues(string(o.Side)).Inc()
	s.logger.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.Uint64("quantity", o.Quantity),
		zap.Uint64("unit_price", o.UnitPrice))
	s.orderEvent(ctx, events.KeyOrderCreated, o)
}

func (s *Service) orderEvent(ctx context.Context, key string, o *domain.Order) {
	event := events.OrderEvent{
		OrderID:   o.ID,
		Owner:     o.Owner,
		Side:      string(o.Side),
		Quantity:  o.Quantity,
		UnitPrice: o.UnitPrice,
		Status:    string(o.Status),
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, key, event); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish order event", zap.String("order_id", o.ID), zap.Error(err))
	}
}
