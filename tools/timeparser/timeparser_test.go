package timeparser

import (
	"testing"
	"time"
)

func TestParseMeterTimestamp_Format1(t *testing.T) {
	result, err := ParseMeterTimestamp("29/12/2025 10:30:45")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_Format2(t *testing.T) {
	result, err := ParseMeterTimestamp("29 10:30:45/12/2025")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_RFC3339(t *testing.T) {
	result, err := ParseMeterTimestamp("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseMeterTimestamp_Invalid(t *testing.T) {
	_, err := ParseMeterTimestamp("not a timestamp")
	if err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}

func TestIsWithinTolerance(t *testing.T) {
	base := time.Date(2025, 12, 29, 10, 0, 0, 0, time.UTC)

	if !IsWithinTolerance(base, base.Add(5*time.Minute), 10) {
		t.Error("Expected 5 minutes to be within 10 minute tolerance")
	}
	if IsWithinTolerance(base, base.Add(15*time.Minute), 10) {
		t.Error("Expected 15 minutes to be outside 10 minute tolerance")
	}
	// Tolerance is symmetric
	if !IsWithinTolerance(base.Add(5*time.Minute), base, 10) {
		t.Error("Expected tolerance to apply in both directions")
	}
}
