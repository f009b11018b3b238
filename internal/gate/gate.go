// Package gate implements the oracle-gated meter update rule. Every
// reading passes authorization, staleness, ceiling and anomaly checks
// before the meter counters advance; accepted and rejected readings
// both leave an audit row.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/anomaly"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/metrics"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

// MaxReadingDelta is the per-reading ceiling on either counter delta.
const MaxReadingDelta = 1_000_000_000_000

// historyWindow is how many recent accepted deltas feed spike detection.
const historyWindow = 12

// Reading is one oracle submission.
type Reading struct {
	MeterID          string
	GenerationDelta  uint64
	ConsumptionDelta uint64
	ReadingAt        time.Time
	RawPayload       []byte
}

// Service applies oracle readings to meters.
type Service struct {
	store     store.Store
	detector  *anomaly.Detector
	publisher events.Publisher
	logger    *zap.Logger
}

// NewService creates the gate service.
func NewService(st store.Store, detector *anomaly.Detector, publisher events.Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:     st,
		detector:  detector,
		publisher: publisher,
		logger:    logger,
	}
}

// SubmitReading validates and applies one reading on behalf of caller.
// The caller must be the registry's configured oracle authority. On a
// validation failure the reading is still recorded, marked rejected,
// and the validation error is returned.
func (s *Service) SubmitReading(ctx context.Context, caller string, r Reading) (*domain.ReadingRecord, error) {
	now := time.Now().UTC()

	// Spike history is advisory; read it outside the meter transaction.
	history, err := s.recentAcceptedDeltas(ctx, r.MeterID)
	if err != nil {
		return nil, err
	}

	record := &domain.ReadingRecord{
		ID:               uuid.New().String(),
		MeterID:          r.MeterID,
		GenerationDelta:  r.GenerationDelta,
		ConsumptionDelta: r.ConsumptionDelta,
		ReadingAt:        r.ReadingAt,
		ReceivedAt:       now,
		RawPayload:       r.RawPayload,
	}

	var verr error
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		reg, err := tx.Registry(ctx)
		if err != nil {
			return err
		}
		if reg.OracleAuthority == "" {
			return domain.ErrOracleNotConfigured
		}
		if caller != reg.OracleAuthority {
			return domain.ErrUnauthorizedOracle
		}

		meter, err := tx.Meter(ctx, r.MeterID)
		if err != nil {
			return err
		}

		verr = s.validate(meter, r, record, history)
		if verr != nil {
			// Keep the rejected audit row, discard the meter update.
			return tx.InsertReading(ctx, record)
		}

		totalGen, err := domain.AddChecked(meter.TotalGeneration, r.GenerationDelta)
		if err != nil {
			verr = err
			record.AnomalyReason = "generation counter overflow"
			return tx.InsertReading(ctx, record)
		}
		totalCons, err := domain.AddChecked(meter.TotalConsumption, r.ConsumptionDelta)
		if err != nil {
			verr = err
			record.AnomalyReason = "consumption counter overflow"
			return tx.InsertReading(ctx, record)
		}

		meter.TotalGeneration = totalGen
		meter.TotalConsumption = totalCons
		meter.LastReadingAt = r.ReadingAt
		record.Accepted = true

		if err := tx.InsertReading(ctx, record); err != nil {
			return err
		}
		return tx.PutMeter(ctx, meter)
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			metrics.TxConflicts.Inc()
		}
		return nil, err
	}

	s.observe(ctx, record, verr)
	if verr != nil {
		return record, verr
	}
	return record, nil
}

// validate runs the staleness, ceiling and anomaly checks, filling the
// audit record's anomaly fields. Returns the rejection error, if any.
func (s *Service) validate(meter *domain.Meter, r Reading, record *domain.ReadingRecord, history []uint64) error {
	if meter.Status != domain.MeterActive {
		record.AnomalyReason = "meter not active"
		return domain.ErrMeterNotActive
	}
	if !meter.LastReadingAt.IsZero() && !r.ReadingAt.After(meter.LastReadingAt) {
		record.AnomalyReason = "reading timestamp not newer than last reading"
		return domain.ErrStaleReading
	}
	if r.GenerationDelta > MaxReadingDelta || r.ConsumptionDelta > MaxReadingDelta {
		record.AnomalyReason = fmt.Sprintf("delta exceeds per-reading ceiling %d", uint64(MaxReadingDelta))
		return domain.ErrReadingTooLarge
	}

	elapsed := time.Duration(0)
	if !meter.LastReadingAt.IsZero() {
		elapsed = r.ReadingAt.Sub(meter.LastReadingAt)
	}
	score, reason := s.detector.Score(r.GenerationDelta, meter.RatedCapacity, elapsed, history)
	record.AnomalyScore = score
	record.AnomalyReason = reason
	if score >= s.detector.HardThreshold() {
		return domain.ErrReadingAnomalous
	}
	return nil
}

func (s *Service) recentAcceptedDeltas(ctx context.Context, meterID string) ([]uint64, error) {
	readings, err := s.store.RecentReadings(ctx, meterID, historyWindow*2)
	if err != nil {
		return nil, err
	}
	var deltas []uint64
	for _, rec := range readings {
		if !rec.Accepted {
			continue
		}
		deltas = append(deltas, rec.GenerationDelta)
		if len(deltas) >= historyWindow {
			break
		}
	}
	return deltas, nil
}

// rejectionLabel maps a validation error to a bounded metric label; the
// free-form reason stays on the audit row only.
func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrMeterNotActive):
		return "meter_not_active"
	case errors.Is(err, domain.ErrStaleReading):
		return "stale_timestamp"
	case errors.Is(err, domain.ErrReadingTooLarge):
		return "delta_ceiling"
	case errors.Is(err, domain.ErrReadingAnomalous):
		return "anomalous"
	case errors.Is(err, domain.ErrCounterOverflow):
		return "counter_overflow"
	default:
		return "other"
	}
}

// observe updates metrics and publishes the reading event after commit.
func (s *Service) observe(ctx context.Context, record *domain.ReadingRecord, verr error) {
	metrics.AnomalyScore.Observe(float64(record.AnomalyScore))
	key := events.KeyReadingRejected
	if record.Accepted {
		metrics.ReadingsProcessed.WithLabelValues("accepted").Inc()
		key = events.KeyReadingAccepted
	} else {
		metrics.ReadingsProcessed.WithLabelValues("rejected").Inc()
		metrics.ReadingRejections.WithLabelValues(rejectionLabel(verr)).Inc()
	}

	event := events.ReadingEvent{
		MeterID:          record.MeterID,
		GenerationDelta:  record.GenerationDelta,
		ConsumptionDelta: record.ConsumptionDelta,
		ReadingAt:        record.ReadingAt,
		Accepted:         record.Accepted,
		AnomalyScore:     record.AnomalyScore,
		Reason:           record.AnomalyReason,
		Timestamp:        time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, key, event); err != nil {
		metrics.EventPublishFailures.Inc()
		s.logger.Warn("failed to publish reading event",
			zap.String("meter_id", record.MeterID), zap.Error(err))
	}
}
