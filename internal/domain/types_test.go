package domain

import (
	"errors"
	"testing"
	"time"
)

func TestMeterBalances(t *testing.T) {
	m := &Meter{
		TotalGeneration:       1000,
		TotalConsumption:      300,
		SettledNetGeneration:  400,
		ClaimedCertGeneration: 650,
	}
	if got := m.NetGeneration(); got != 700 {
		t.Errorf("NetGeneration = %d, want 700", got)
	}
	if got := m.UnsettledBalance(); got != 300 {
		t.Errorf("UnsettledBalance = %d, want 300", got)
	}
	if got := m.UnclaimedGeneration(); got != 50 {
		t.Errorf("UnclaimedGeneration = %d, want 50", got)
	}
}

func TestMeterBalances_NetConsumer(t *testing.T) {
	m := &Meter{TotalGeneration: 200, TotalConsumption: 500}
	if got := m.NetGeneration(); got != 0 {
		t.Errorf("NetGeneration must saturate at zero, got %d", got)
	}
	if got := m.UnsettledBalance(); got != 0 {
		t.Errorf("UnsettledBalance must saturate at zero, got %d", got)
	}
}

func TestTradeFee(t *testing.T) {
	cases := []struct {
		total uint64
		bps   uint16
		want  uint64
	}{
		{3_000_000_000, 100, 30_000_000},
		{10000, 25, 25},
		{999, 25, 2},   // truncates
		{100, 0, 0},
		{0, 500, 0},
		{100, 10000, 100}, // full-value fee
		// Large totals must not wrap the intermediate product.
		{2_000_000_000_000_000, 10000, 2_000_000_000_000_000},
		{^uint64(0), 10000, ^uint64(0)},
		{^uint64(0), 1, ^uint64(0) / 10000},
	}
	for _, c := range cases {
		if got := TradeFee(c.total, c.bps); got != c.want {
			t.Errorf("TradeFee(%d, %d) = %d, want %d", c.total, c.bps, got, c.want)
		}
	}
}

func TestAddChecked(t *testing.T) {
	if _, err := AddChecked(^uint64(0), 1); !errors.Is(err, ErrCounterOverflow) {
		t.Errorf("Expected overflow, got %v", err)
	}
	got, err := AddChecked(^uint64(0)-5, 5)
	if err != nil || got != ^uint64(0) {
		t.Errorf("AddChecked at the boundary failed: %d, %v", got, err)
	}
}

func TestMulChecked(t *testing.T) {
	if _, err := MulChecked(^uint64(0), 2); !errors.Is(err, ErrCounterOverflow) {
		t.Errorf("Expected overflow, got %v", err)
	}
	if got, err := MulChecked(0, ^uint64(0)); err != nil || got != 0 {
		t.Errorf("MulChecked(0, max) = %d, %v", got, err)
	}
	if got, err := MulChecked(1000, 3_000_000); err != nil || got != 3_000_000_000 {
		t.Errorf("MulChecked(1000, 3000000) = %d, %v", got, err)
	}
}

func TestOrderRemaining(t *testing.T) {
	o := &Order{Quantity: 100, FilledQuantity: 40}
	if got := o.Remaining(); got != 60 {
		t.Errorf("Remaining = %d, want 60", got)
	}
	o.FilledQuantity = 100
	if got := o.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	good := CertificatePolicy{
		MinEnergyAmount: 100,
		MaxEnergyAmount: 1_000_000,
		ValidityPeriod:  365 * 24 * time.Hour,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	bad := good
	bad.MinEnergyAmount = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("Expected ErrInvalidPolicy for zero minimum, got %v", err)
	}

	bad = good
	bad.MaxEnergyAmount = good.MinEnergyAmount
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("Expected ErrInvalidPolicy for max <= min, got %v", err)
	}

	bad = good
	bad.ValidityPeriod = MaxValidityPeriod + time.Hour
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("Expected ErrInvalidPolicy for overlong validity, got %v", err)
	}

	bad = good
	bad.MinOracleConfidence = 101
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfidence) {
		t.Errorf("Expected ErrInvalidConfidence, got %v", err)
	}
}

func TestCertificateExpiry(t *testing.T) {
	now := time.Now().UTC()
	c := &Certificate{ExpiresAt: now.Add(time.Hour)}
	if c.IsExpired(now) {
		t.Error("Certificate expired before its time")
	}
	if !c.IsExpired(now.Add(time.Hour)) {
		t.Error("Certificate must expire exactly at ExpiresAt")
	}
	perpetual := &Certificate{}
	if perpetual.IsExpired(now) {
		t.Error("Zero expiry means no expiry")
	}
}
