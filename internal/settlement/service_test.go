package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

func newTestSettlement(t *testing.T, gen, cons, settled uint64) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertMeter(ctx, &domain.Meter{
			MeterID:              "m1",
			Owner:                "alice",
			Status:               domain.MeterActive,
			RegisteredAt:         time.Now().UTC(),
			TotalGeneration:      gen,
			TotalConsumption:     cons,
			SettledNetGeneration: settled,
		})
	})
	if err != nil {
		t.Fatalf("fixture setup failed: %v", err)
	}
	return NewService(mem, events.Nop{}, zap.NewNop()), mem
}

func TestSettle_CreditsUnsettledBalance(t *testing.T) {
	// Generated 1000, consumed 300, already settled 400: claimable 300.
	svc, mem := newTestSettlement(t, 1000, 300, 400)
	ctx := context.Background()

	res, err := svc.Settle(ctx, "alice", "m1")
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if res.Amount != 300 {
		t.Errorf("Expected settlement amount 300, got %d", res.Amount)
	}

	bal, _ := mem.CreditBalance(ctx, "alice")
	if bal != 300 {
		t.Errorf("Expected credits 300, got %d", bal)
	}
	m, _ := mem.Meter(ctx, "m1")
	if m.SettledNetGeneration != 700 {
		t.Errorf("Expected settled tracker 700, got %d", m.SettledNetGeneration)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	svc, mem := newTestSettlement(t, 1000, 300, 0)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "alice", "m1"); err != nil {
		t.Fatalf("first settle failed: %v", err)
	}

	// Nothing new to settle: the call fails and balances stay put.
	_, err := svc.Settle(ctx, "alice", "m1")
	if !errors.Is(err, domain.ErrNothingToSettle) {
		t.Fatalf("Expected ErrNothingToSettle, got %v", err)
	}
	bal, _ := mem.CreditBalance(ctx, "alice")
	if bal != 700 {
		t.Errorf("Expected credits unchanged at 700, got %d", bal)
	}
}

func TestSettle_NotOwner(t *testing.T) {
	svc, mem := newTestSettlement(t, 1000, 0, 0)
	ctx := context.Background()

	_, err := svc.Settle(ctx, "mallory", "m1")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	bal, _ := mem.CreditBalance(ctx, "mallory")
	if bal != 0 {
		t.Error("No credits may be minted for a non-owner")
	}
}

func TestSettle_InactiveMeter(t *testing.T) {
	svc, mem := newTestSettlement(t, 1000, 300, 0)
	ctx := context.Background()

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Meter(ctx, "m1")
		if err != nil {
			return err
		}
		m.Status = domain.MeterInactive
		return tx.PutMeter(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Settle(ctx, "alice", "m1")
	if !errors.Is(err, domain.ErrMeterNotActive) {
		t.Fatalf("Expected ErrMeterNotActive, got %v", err)
	}
	bal, _ := mem.CreditBalance(ctx, "alice")
	if bal != 0 {
		t.Errorf("No credits may be minted for an inactive meter, got %d", bal)
	}
}

func TestSettle_ConsumptionExceedsGeneration(t *testing.T) {
	svc, _ := newTestSettlement(t, 200, 500, 0)
	ctx := context.Background()

	_, err := svc.Settle(ctx, "alice", "m1")
	if !errors.Is(err, domain.ErrNothingToSettle) {
		t.Fatalf("Expected ErrNothingToSettle for net consumer, got %v", err)
	}
}

func TestSettle_AfterNewReadings(t *testing.T) {
	svc, mem := newTestSettlement(t, 1000, 300, 0)
	ctx := context.Background()

	if _, err := svc.Settle(ctx, "alice", "m1"); err != nil {
		t.Fatal(err)
	}

	// More generation arrives; only the new portion settles.
	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.Meter(ctx, "m1")
		if err != nil {
			return err
		}
		m.TotalGeneration += 500
		return tx.PutMeter(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := svc.Settle(ctx, "alice", "m1")
	if err != nil {
		t.Fatalf("second settle failed: %v", err)
	}
	if res.Amount != 500 {
		t.Errorf("Expected incremental settlement 500, got %d", res.Amount)
	}
	bal, _ := mem.CreditBalance(ctx, "alice")
	if bal != 1200 {
		t.Errorf("Expected total credits 1200, got %d", bal)
	}
}

func TestUnsettled(t *testing.T) {
	svc, _ := newTestSettlement(t, 1000, 300, 400)
	ctx := context.Background()

	amount, err := svc.Unsettled(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if amount != 300 {
		t.Errorf("Expected unsettled 300, got %d", amount)
	}
}
