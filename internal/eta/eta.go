// Package eta implements the estimation pipeline stages: baseline from
// distance and speed, heuristic adjustments, historical calibration, fusion
// with an external routing estimate, and the bounded confidence score.
package eta

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"eta-predictor/internal/transit"
)

const (
	// Floor applied to speed when deriving the baseline; bounds the
	// estimate for stationary or crawling vehicles.
	minSpeedKmh = 5.0

	// Fusion weights for the internal vs oracle estimate.
	internalWeight = 0.7
	oracleWeight   = 0.3

	// Confidence multiplier when the oracle estimate is unavailable.
	fallbackPenalty = 0.8

	minConfidence = 0.1
	maxConfidence = 1.0
)

// Baseline converts distance and current speed into a naive ETA in minutes.
func Baseline(distKm, speedKmh float64) float64 {
	return distKm / math.Max(speedKmh, minSpeedKmh) * 60
}

// HeuristicAdjust applies multiplicative time-of-day, crowd and speed-regime
// corrections to a baseline estimate. Used whenever no calibration history
// exists for the (vehicle, stop) pair.
func HeuristicAdjust(base float64, at time.Time, crowd transit.CrowdLevel, speedKmh float64) float64 {
	adjusted := base

	hour := at.Hour()
	switch {
	case (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19):
		adjusted *= 1.3 // rush hour
	case hour >= 22 || hour <= 6:
		adjusted *= 0.9 // night
	}

	switch crowd {
	case transit.CrowdHigh:
		adjusted *= 1.2
	case transit.CrowdLow:
		adjusted *= 0.95
	}

	if speedKmh < 10 {
		adjusted *= 1.4 // likely congestion
	} else if speedKmh > 40 {
		adjusted *= 0.9 // clear road
	}

	return adjusted
}

// Calibrate corrects the baseline using the average prediction error of past
// samples for the same (vehicle, stop) pair. With no samples it delegates to
// HeuristicAdjust.
//
// TODO: confirm whether the per-sample error should be measured against the
// sample's own prediction timestamp instead of the calibration time; using
// `now` under- or over-corrects depending on how long ago the sample was
// recorded.
func Calibrate(base float64, samples []transit.HistoricalSample, now time.Time, crowd transit.CrowdLevel, speedKmh float64) float64 {
	if len(samples) == 0 {
		return HeuristicAdjust(base, now, crowd, speedKmh)
	}

	errs := make([]float64, 0, len(samples))
	for _, s := range samples {
		predicted := now.Add(time.Duration(s.EtaMinutes) * time.Minute)
		errs = append(errs, s.ActualArrival.Sub(predicted).Minutes())
	}
	avg := stat.Mean(errs, nil)

	return math.Max(base+avg, 1)
}

// Fuse blends the internal estimate with the oracle estimate and returns the
// final ETA in whole minutes, never below 1.
func Fuse(internalMin, oracleMin float64) int {
	return ClampMinutes(internalMin*internalWeight + oracleMin*oracleWeight)
}

// ClampMinutes rounds an estimate to whole minutes with a floor of 1. Used
// directly for the internal-only fallback path.
func ClampMinutes(min float64) int {
	m := int(math.Round(min))
	if m < 1 {
		return 1
	}
	return m
}

// Confidence derives a bounded confidence score from distance to the stop
// and speed stability.
func Confidence(distKm, speedKmh float64) float64 {
	c := math.Max(0.3, 1-distKm/10)

	if speedKmh > 5 && speedKmh < 60 {
		c *= 1.1 // stable operating regime
	} else if speedKmh < 2 {
		c *= 0.7 // stopped or crawling, ambiguous
	}

	return clampConfidence(c)
}

// DegradeConfidence applies the internal-only fallback penalty, keeping the
// result within bounds.
func DegradeConfidence(c float64) float64 {
	return clampConfidence(c * fallbackPenalty)
}

func clampConfidence(c float64) float64 {
	return math.Min(maxConfidence, math.Max(minConfidence, c))
}
