// Package settlement converts a meter's unsettled net generation into
// energy credits. The settled tracker and the credit mint move in one
// transaction, so the same generation can never be credited twice.
package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/metrics"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// Service settles meter balances.
type Service struct {
	store     store.Store
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService creates the settlement service.
func NewService(st store.Store, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{store: st, publisher: publisher, logger: logger}
}

// Result reports one completed settlement.
type Result struct {
	MeterID string
	Owner   string
	Amount  uint64
}

// Settle credits the meter owner with the full unsettled balance and
// advances the settled tracker to the current net generation. Only the
// meter owner may settle. A second call with no new readings fails
// with ErrNothingToSettle, leaving balances untouched.
func (s *Service) Settle(ctx context.Context, caller, meterID string) (*Result, error) {
	var res Result
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		meter, err := tx.Meter(ctx, meterID)
		if err != nil {
			return err
		}
		if caller != meter.Owner {
			return domain.ErrUnauthorized
		}
		if meter.Status != domain.MeterActive {
			return domain.ErrMeterNotActive
		}

		amount := meter.UnsettledBalance()
		if amount == 0 {
			return domain.ErrNothingToSettle
		}

		meter.SettledNetGeneration = meter.NetGeneration()
		if err := tx.PutMeter(ctx, meter); err != nil {
			return err
		}
		if err := tx.Credits().Credit(ctx, meter.Owner, amount); err != nil {
			return err
		}

		res = Result{MeterID: meterID, Owner: meter.Owner, Amount: amount}
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			metrics.TxConflicts.Inc()
		}
		return nil, err
	}

	metrics.SettlementsTotal.Inc()
	metrics.SettledEnergy.Add(float64(res.Amount))
	s.logger.Info("meter settled",
		zap.String("meter_id", res.MeterID),
		zap.String("owner", res.Owner),
		zap.Uint64("amount", res.Amount))

	event := events.SettlementEvent{
		MeterID:   res.MeterID,
		Owner:     res.Owner,
		Amount:    res.Amount,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, events.KeySettlementDone, event); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish settlement event",
			zap.String("meter_id", res.MeterID), zap.Error(err))
	}
	return &res, nil
}

// Unsettled returns the currently claimable balance without settling.
func (s *Service) Unsettled(ctx context.Context, meterID string) (uint64, error) {
	meter, err := s.store.Meter(ctx, meterID)
	if err != nil {
		return 0, err
	}
	return meter.UnsettledBalance(), nil
}
