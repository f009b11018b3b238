package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/anomaly"
	"github.com/voltmark/energy-claim-ledger/internal/config"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/gate"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

const testOracle = "oracle-1"

func newTestProcessor(t *testing.T) (*ProcessorService, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutRegistry(ctx, &domain.Registry{
			Authority:       "admin",
			OracleAuthority: testOracle,
			CreatedAt:       time.Now().UTC(),
		}); err != nil {
			return err
		}
		return tx.InsertMeter(ctx, &domain.Meter{
			MeterID:       "m1",
			Owner:         "alice",
			Kind:          domain.DeviceSolar,
			Status:        domain.MeterActive,
			RatedCapacity: 10000,
			RegisteredAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("fixture setup failed: %v", err)
	}

	cfg := &config.Config{
		Validation: config.ValidationConfig{TimestampToleranceMinutes: 60},
	}
	g := gate.NewService(mem, anomaly.NewDetector(3.0, 3, 95), events.Nop{}, zap.NewNop())
	return NewProcessorService(g, cfg, zap.NewNop()), mem
}

func marshal(t *testing.T, msg ReadingMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestProcessMessage_Accepted(t *testing.T) {
	proc, mem := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	body := marshal(t, ReadingMessage{
		RequestID:        "req-1",
		OracleID:         testOracle,
		MeterID:          "m1",
		GenerationDelta:  1500,
		ConsumptionDelta: 200,
		ReadingTimestamp: now.Format(time.RFC3339),
		ReceivedAt:       now,
	})
	if err := proc.ProcessMessage(ctx, body); err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	m, _ := mem.Meter(ctx, "m1")
	if m.TotalGeneration != 1500 || m.TotalConsumption != 200 {
		t.Errorf("Counters not advanced: gen=%d cons=%d", m.TotalGeneration, m.TotalConsumption)
	}
}

func TestProcessMessage_MalformedPayload(t *testing.T) {
	proc, _ := newTestProcessor(t)

	if err := proc.ProcessMessage(context.Background(), []byte("not json")); err == nil {
		t.Fatal("Expected error for malformed payload")
	}
}

func TestProcessMessage_BadTimestamp(t *testing.T) {
	proc, _ := newTestProcessor(t)

	body := marshal(t, ReadingMessage{
		OracleID:         testOracle,
		MeterID:          "m1",
		GenerationDelta:  100,
		ReadingTimestamp: "yesterday-ish",
	})
	if err := proc.ProcessMessage(context.Background(), body); err == nil {
		t.Fatal("Expected error for unparseable timestamp")
	}
}

func TestProcessMessage_OutsideTolerance(t *testing.T) {
	proc, mem := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	body := marshal(t, ReadingMessage{
		OracleID:         testOracle,
		MeterID:          "m1",
		GenerationDelta:  100,
		ReadingTimestamp: now.Add(-3 * time.Hour).Format(time.RFC3339),
		ReceivedAt:       now,
	})
	if err := proc.ProcessMessage(ctx, body); err == nil {
		t.Fatal("Expected error for timestamp outside tolerance")
	}

	m, _ := mem.Meter(ctx, "m1")
	if m.TotalGeneration != 0 {
		t.Error("Counters must not move on tolerance rejection")
	}
}

func TestProcessMessage_GateRejectionIsAcked(t *testing.T) {
	proc, mem := newTestProcessor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := marshal(t, ReadingMessage{
		OracleID:         testOracle,
		MeterID:          "m1",
		GenerationDelta:  100,
		ReadingTimestamp: now.Format(time.RFC3339),
		ReceivedAt:       now,
	})
	if err := proc.ProcessMessage(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Older than the last reading: the gate rejects and audits, and the
	// processor swallows the error so the message is acknowledged.
	stale := marshal(t, ReadingMessage{
		OracleID:         testOracle,
		MeterID:          "m1",
		GenerationDelta:  100,
		ReadingTimestamp: now.Add(-time.Minute).Format(time.RFC3339),
		ReceivedAt:       now,
	})
	if err := proc.ProcessMessage(ctx, stale); err != nil {
		t.Fatalf("Audited rejection must not return an error, got %v", err)
	}

	readings, _ := mem.RecentReadings(ctx, "m1", 10)
	if len(readings) != 2 {
		t.Fatalf("Expected 2 audit rows, got %d", len(readings))
	}
	m, _ := mem.Meter(ctx, "m1")
	if m.TotalGeneration != 100 {
		t.Errorf("Rejected reading must not advance counters, got %d", m.TotalGeneration)
	}
}

func TestProcessMessage_UnknownOracleGoesToDLQ(t *testing.T) {
	proc, _ := newTestProcessor(t)
	now := time.Now().UTC()

	body := marshal(t, ReadingMessage{
		OracleID:         "intruder",
		MeterID:          "m1",
		GenerationDelta:  100,
		ReadingTimestamp: now.Format(time.RFC3339),
		ReceivedAt:       now,
	})
	if err := proc.ProcessMessage(context.Background(), body); err == nil {
		t.Fatal("Expected error for unauthorized oracle")
	}
}
