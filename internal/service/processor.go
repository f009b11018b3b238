// Package service wires the message-queue intake to the reading gate.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/config"
	"github.com/voltmark/energy-claim-ledger/internal/gate"
	"github.com/voltmark/energy-claim-ledger/internal/logging"
	"github.com/voltmark/energy-claim-ledger/tools/timeparser"
)

// ReadingMessage is the oracle submission arriving on the ingest queue.
type ReadingMessage struct {
	RequestID        string    `json:"request_id"`
	OracleID         string    `json:"oracle_id"`
	MeterID          string    `json:"meter_id"`
	GenerationDelta  uint64    `json:"generation_delta"`
	ConsumptionDelta uint64    `json:"consumption_delta"`
	ReadingTimestamp string    `json:"reading_timestamp"`
	ReceivedAt       time.Time `json:"received_at"`
}

// ProcessorService feeds queued oracle readings through the gate.
type ProcessorService struct {
	gate   *gate.Service
	cfg    *config.Config
	logger *zap.Logger
}

// NewProcessorService creates a new processor service.
func NewProcessorService(g *gate.Service, cfg *config.Config, logger *zap.Logger) *ProcessorService {
	return &ProcessorService{gate: g, cfg: cfg, logger: logger}
}

// ProcessMessage handles one queued message. A reading the gate
// rejects is already audited, so the message is still acknowledged;
// only malformed payloads and infrastructure failures propagate an
// error and land in the DLQ.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	var msg ReadingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing reading",
		zap.String("meter_id", msg.MeterID),
		zap.Uint64("generation_delta", msg.GenerationDelta),
		zap.Uint64("consumption_delta", msg.ConsumptionDelta),
	)

	readingAt, err := timeparser.ParseMeterTimestamp(msg.ReadingTimestamp)
	if err != nil {
		return fmt.Errorf("invalid reading timestamp: %w", err)
	}

	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	if !timeparser.IsWithinTolerance(readingAt, receivedAt, s.cfg.Validation.TimestampToleranceMinutes) {
		return fmt.Errorf("reading timestamp outside tolerance window (±%d minutes)",
			s.cfg.Validation.TimestampToleranceMinutes)
	}

	record, err := s.gate.SubmitReading(ctx, msg.OracleID, gate.Reading{
		MeterID:          msg.MeterID,
		GenerationDelta:  msg.GenerationDelta,
		ConsumptionDelta: msg.ConsumptionDelta,
		ReadingAt:        readingAt,
		RawPayload:       body,
	})
	if err != nil {
		if record != nil {
			// Rejected but audited. Ack the message.
			reqLogger.Warn("reading rejected",
				zap.String("meter_id", msg.MeterID),
				zap.String("reason", record.AnomalyReason),
				zap.Error(err),
			)
			return nil
		}
		reqLogger.Error("failed to apply reading", zap.Error(err))
		return fmt.Errorf("failed to apply reading: %w", err)
	}

	reqLogger.Info("reading accepted",
		zap.String("meter_id", msg.MeterID),
		zap.Uint8("anomaly_score", record.AnomalyScore),
	)
	return nil
}
