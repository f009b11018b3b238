package anomaly

import (
	"fmt"
	"time"
)

// Detector scores meter readings with configurable thresholds. Scores
// range 0-100; the gate rejects readings at or above the hard
// threshold and records the score on every audit row.
type Detector struct {
	spikeThreshold float64
	minDataPoints  int
	hardThreshold  uint8
}

// NewDetector creates a detector. spikeThreshold is the multiple of
// the rolling average that counts as a spike, minDataPoints is how
// much history spike detection needs, hardThreshold is the rejection
// score.
func NewDetector(spikeThreshold float64, minDataPoints int, hardThreshold uint8) *Detector {
	return &Detector{
		spikeThreshold: spikeThreshold,
		minDataPoints:  minDataPoints,
		hardThreshold:  hardThreshold,
	}
}

// HardThreshold returns the score at which a reading is rejected.
func (d *Detector) HardThreshold() uint8 {
	return d.hardThreshold
}

// Score rates a generation delta against the meter's rated capacity
// and its recent accepted deltas. elapsed is the time since the last
// accepted reading; ratedCapacity is the plausible generation per hour.
// A zero rated capacity disables the capacity check.
func (d *Detector) Score(generationDelta uint64, ratedCapacity uint64, elapsed time.Duration, history []uint64) (uint8, string) {
	if generationDelta == 0 {
		return 0, ""
	}

	var score uint8
	var reason string

	// A delta beyond what the device could physically generate in the
	// elapsed window is a hard anomaly.
	if ratedCapacity > 0 && elapsed > 0 {
		maxPlausible := float64(ratedCapacity) * elapsed.Hours()
		if maxPlausible > 0 {
			ratio := float64(generationDelta) / maxPlausible
			switch {
			case ratio > 2.0:
				return 100, fmt.Sprintf("generation delta %d exceeds 2x rated capacity for %.1fh window", generationDelta, elapsed.Hours())
			case ratio > 1.0:
				score = 80
				reason = fmt.Sprintf("generation delta %d exceeds rated capacity for %.1fh window", generationDelta, elapsed.Hours())
			case ratio > 0.9:
				score = 40
				reason = "generation delta near rated capacity"
			}
		}
	}

	// Detect sudden spike (>threshold x rolling average of recent
	// accepted deltas).
	if len(history) >= d.minDataPoints {
		sum := 0.0
		for _, v := range history {
			sum += float64(v)
		}
		average := sum / float64(len(history))
		if average > 0 && float64(generationDelta) > d.spikeThreshold*average {
			spikeScore := uint8(70)
			if float64(generationDelta) > 2*d.spikeThreshold*average {
				spikeScore = 95
			}
			if spikeScore > score {
				score = spikeScore
				reason = fmt.Sprintf("sudden spike detected: delta %d exceeds %.1fx rolling average %.2f",
					generationDelta, d.spikeThreshold, average)
			}
		}
	}

	return score, reason
}
