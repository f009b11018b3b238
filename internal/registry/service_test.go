package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

const admin = "admin"

func newTestRegistry(t *testing.T) *Service {
	t.Helper()
	svc := NewService(store.NewMemory(), zap.NewNop())
	if _, err := svc.Initialize(context.Background(), admin); err != nil {
		t.Fatalf("registry init failed: %v", err)
	}
	return svc
}

func TestInitialize_Twice(t *testing.T) {
	svc := newTestRegistry(t)

	_, err := svc.Initialize(context.Background(), "other-admin")
	if !errors.Is(err, domain.ErrRegistryAlreadyInitialized) {
		t.Fatalf("Expected ErrRegistryAlreadyInitialized, got %v", err)
	}

	reg, _ := svc.Registry(context.Background())
	if reg.Authority != admin {
		t.Errorf("Authority must not change, got %s", reg.Authority)
	}
}

func TestSetOracleAuthority(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	if err := svc.SetOracleAuthority(ctx, "intruder", "oracle-1"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if err := svc.SetOracleAuthority(ctx, admin, "oracle-1"); err != nil {
		t.Fatalf("SetOracleAuthority failed: %v", err)
	}

	reg, _ := svc.Registry(ctx)
	if reg.OracleAuthority != "oracle-1" {
		t.Errorf("Expected oracle-1, got %s", reg.OracleAuthority)
	}

	// Rotation replaces the previous oracle.
	if err := svc.SetOracleAuthority(ctx, admin, "oracle-2"); err != nil {
		t.Fatal(err)
	}
	reg, _ = svc.Registry(ctx)
	if reg.OracleAuthority != "oracle-2" {
		t.Errorf("Expected oracle-2 after rotation, got %s", reg.OracleAuthority)
	}
}

func TestRegisterUser(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	t.Run("self registration", func(t *testing.T) {
		user, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer)
		if err != nil {
			t.Fatalf("RegisterUser failed: %v", err)
		}
		if user.Status != domain.UserActive {
			t.Errorf("Expected active user, got %s", user.Status)
		}
	})

	t.Run("admin registers on behalf", func(t *testing.T) {
		if _, err := svc.RegisterUser(ctx, admin, "bob", domain.RoleConsumer); err != nil {
			t.Fatalf("RegisterUser by admin failed: %v", err)
		}
	})

	t.Run("third party rejected", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "alice", "carol", domain.RoleProducer)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("duplicate account", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("bad role", func(t *testing.T) {
		_, err := svc.RegisterUser(ctx, "dave", "dave", domain.UserRole("wizard"))
		if !errors.Is(err, domain.ErrInvalidPolicy) {
			t.Errorf("Expected ErrInvalidPolicy, got %v", err)
		}
	})

	reg, _ := svc.Registry(ctx)
	if reg.UserCount != 2 {
		t.Errorf("Expected user count 2, got %d", reg.UserCount)
	}
}

func TestUpdateUserStatus(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer); err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateUserStatus(ctx, "alice", "alice", domain.UserSuspended); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Users must not change their own status, got %v", err)
	}
	if err := svc.UpdateUserStatus(ctx, admin, "alice", domain.UserSuspended); err != nil {
		t.Fatalf("UpdateUserStatus failed: %v", err)
	}

	user, _ := svc.User(ctx, "alice")
	if user.Status != domain.UserSuspended {
		t.Errorf("Expected suspended, got %s", user.Status)
	}

	// A suspended producer cannot add meters.
	_, err := svc.RegisterMeter(ctx, "alice", "alice", "m1", domain.DeviceSolar, 5000)
	if !errors.Is(err, domain.ErrUserNotActive) {
		t.Errorf("Expected ErrUserNotActive, got %v", err)
	}
}

func TestRegisterMeter(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RegisterUser(ctx, "bob", "bob", domain.RoleConsumer); err != nil {
		t.Fatal(err)
	}

	meter, err := svc.RegisterMeter(ctx, "alice", "alice", "m1", domain.DeviceSolar, 10000)
	if err != nil {
		t.Fatalf("RegisterMeter failed: %v", err)
	}
	if meter.Status != domain.MeterActive {
		t.Errorf("Expected active meter, got %s", meter.Status)
	}

	t.Run("consumer cannot own meters", func(t *testing.T) {
		_, err := svc.RegisterMeter(ctx, "bob", "bob", "m2", domain.DeviceSolar, 10000)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("third party rejected", func(t *testing.T) {
		_, err := svc.RegisterMeter(ctx, "bob", "alice", "m3", domain.DeviceWind, 10000)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("Expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("duplicate meter id", func(t *testing.T) {
		_, err := svc.RegisterMeter(ctx, "alice", "alice", "m1", domain.DeviceSolar, 10000)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("Expected ErrAlreadyExists, got %v", err)
		}
	})

	user, _ := svc.User(ctx, "alice")
	if user.MeterCount != 1 {
		t.Errorf("Expected meter count 1, got %d", user.MeterCount)
	}
	reg, _ := svc.Registry(ctx)
	if reg.MeterCount != 1 || reg.ActiveMeterCount != 1 {
		t.Errorf("Registry counts wrong: meters=%d active=%d", reg.MeterCount, reg.ActiveMeterCount)
	}
}

func TestSetMeterStatus(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RegisterMeter(ctx, "alice", "alice", "m1", domain.DeviceSolar, 5000); err != nil {
		t.Fatal(err)
	}

	if err := svc.SetMeterStatus(ctx, "alice", "m1", domain.MeterMaintenance); err != nil {
		t.Fatalf("SetMeterStatus failed: %v", err)
	}
	reg, _ := svc.Registry(ctx)
	if reg.ActiveMeterCount != 0 {
		t.Errorf("Expected 0 active meters in maintenance, got %d", reg.ActiveMeterCount)
	}

	if err := svc.SetMeterStatus(ctx, admin, "m1", domain.MeterActive); err != nil {
		t.Fatalf("reactivation failed: %v", err)
	}
	reg, _ = svc.Registry(ctx)
	if reg.ActiveMeterCount != 1 {
		t.Errorf("Expected 1 active meter after reactivation, got %d", reg.ActiveMeterCount)
	}

	if err := svc.SetMeterStatus(ctx, "bob", "m1", domain.MeterMaintenance); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for stranger, got %v", err)
	}
}

func TestDeactivateMeter(t *testing.T) {
	svc := newTestRegistry(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "alice", "alice", domain.RoleProducer); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RegisterMeter(ctx, "alice", "alice", "m1", domain.DeviceSolar, 5000); err != nil {
		t.Fatal(err)
	}

	if err := svc.DeactivateMeter(ctx, "alice", "m1"); err != nil {
		t.Fatalf("DeactivateMeter failed: %v", err)
	}
	m, _ := svc.Meter(ctx, "m1")
	if m.Status != domain.MeterInactive {
		t.Errorf("Expected inactive, got %s", m.Status)
	}
	reg, _ := svc.Registry(ctx)
	if reg.ActiveMeterCount != 0 || reg.MeterCount != 1 {
		t.Errorf("Counts wrong after deactivation: active=%d total=%d", reg.ActiveMeterCount, reg.MeterCount)
	}

	// Deactivation is terminal.
	if err := svc.DeactivateMeter(ctx, "alice", "m1"); !errors.Is(err, domain.ErrAlreadyInactive) {
		t.Errorf("Expected ErrAlreadyInactive, got %v", err)
	}
	if err := svc.SetMeterStatus(ctx, admin, "m1", domain.MeterActive); !errors.Is(err, domain.ErrAlreadyInactive) {
		t.Errorf("Expected ErrAlreadyInactive on reactivation attempt, got %v", err)
	}
	if err := svc.SetMeterStatus(ctx, "alice", "m1", domain.MeterInactive); !errors.Is(err, domain.ErrAlreadyInactive) {
		t.Errorf("Expected ErrAlreadyInactive via status route, got %v", err)
	}
}
