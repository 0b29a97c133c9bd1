package transit

import (
	"strings"
	"time"
)

// CrowdLevel is the reported onboard crowding for a vehicle.
type CrowdLevel string

const (
	CrowdLow    CrowdLevel = "low"
	CrowdMedium CrowdLevel = "medium"
	CrowdHigh   CrowdLevel = "high"
)

// ParseCrowdLevel normalizes free-form crowd values from the position feed.
// Unknown or empty values map to medium (neutral adjustment).
func ParseCrowdLevel(s string) CrowdLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return CrowdLow
	case "high":
		return CrowdHigh
	default:
		return CrowdMedium
	}
}

// VehiclePosition is one active vehicle as reported by the position source.
// Read-only to the engine.
type VehiclePosition struct {
	VehicleID  string
	RouteID    string // empty when no route is assigned
	Lat        float64
	Lon        float64
	SpeedKmh   float64 // >= 0
	Crowd      CrowdLevel
	ReportedAt time.Time
}

// Stop is immutable reference data within a route's stop sequence.
type Stop struct {
	StopID   string
	Lat      float64
	Lon      float64
	Sequence int
}

// PredictionRecord is one ETA prediction for a (vehicle, stop) pair.
// Created once per run; ActualArrival is filled in later by the external
// arrival-detection collaborator.
type PredictionRecord struct {
	VehicleID    string
	StopID       string
	RouteID      string
	StopSequence int
	EtaMinutes   int     // >= 1
	Confidence   float64 // [0.1, 1.0]
	ModelVersion string
	PredictedAt  time.Time
	Fallback     bool // oracle unavailable, internal-only estimate
}

// HistoricalSample is a past prediction with its observed arrival, used as
// read-only calibration input.
type HistoricalSample struct {
	EtaMinutes    int
	ActualArrival time.Time
}
