package anomaly

import (
	"testing"
	"time"
)

const (
	testSpikeThreshold = 3.0
	testMinDataPoints  = 3
	testHardThreshold  = 95
)

func newTestDetector() *Detector {
	return NewDetector(testSpikeThreshold, testMinDataPoints, testHardThreshold)
}

func TestScore_ZeroDelta(t *testing.T) {
	d := newTestDetector()

	score, reason := d.Score(0, 1000, time.Hour, []uint64{100, 105, 98})
	if score != 0 {
		t.Errorf("Expected score 0 for zero delta, got %d", score)
	}
	if reason != "" {
		t.Errorf("Expected empty reason, got '%s'", reason)
	}
}

func TestScore_ExceedsCapacityHard(t *testing.T) {
	d := newTestDetector()

	// 5000 units in one hour on a 1000/h device is far beyond plausible.
	score, reason := d.Score(5000, 1000, time.Hour, nil)
	if score != 100 {
		t.Errorf("Expected score 100, got %d", score)
	}
	if reason == "" {
		t.Error("Expected a reason for capacity breach")
	}
	if score < d.HardThreshold() {
		t.Error("Capacity breach should be at or above the hard threshold")
	}
}

func TestScore_ExceedsCapacitySoft(t *testing.T) {
	d := newTestDetector()

	// 1500 in one hour on 1000/h: over capacity but under 2x.
	score, _ := d.Score(1500, 1000, time.Hour, nil)
	if score != 80 {
		t.Errorf("Expected score 80, got %d", score)
	}
	if score >= d.HardThreshold() {
		t.Error("Soft capacity breach should be below the hard threshold")
	}
}

func TestScore_WithinCapacity(t *testing.T) {
	d := newTestDetector()

	score, reason := d.Score(500, 1000, time.Hour, nil)
	if score != 0 {
		t.Errorf("Expected score 0, got %d (reason: %s)", score, reason)
	}
}

func TestScore_SuddenSpike(t *testing.T) {
	d := newTestDetector()

	// Average 100, delta 400 is over the 3x threshold.
	score, reason := d.Score(400, 0, 0, []uint64{100, 105, 95})
	if score != 70 {
		t.Errorf("Expected score 70 for spike, got %d", score)
	}
	if reason == "" {
		t.Error("Expected a spike reason")
	}
}

func TestScore_ExtremeSpike(t *testing.T) {
	d := newTestDetector()

	// Delta over 2x the spike threshold scores just at the hard line.
	score, _ := d.Score(1000, 0, 0, []uint64{100, 105, 95})
	if score != 95 {
		t.Errorf("Expected score 95 for extreme spike, got %d", score)
	}
	if score < d.HardThreshold() {
		t.Error("Extreme spike should reach the hard threshold")
	}
}

func TestScore_InsufficientHistory(t *testing.T) {
	d := newTestDetector()

	// Two points is below the minimum, spike detection stays off.
	score, _ := d.Score(10000, 0, 0, []uint64{100, 105})
	if score != 0 {
		t.Errorf("Expected score 0 with insufficient history, got %d", score)
	}
}
