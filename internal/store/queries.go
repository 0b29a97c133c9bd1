package store

import (
	"context"
	"errors"
	"fmt"

	"eta-predictor/internal/transit"
)

// ActiveVehicles returns the current position snapshot for every tracked
// vehicle. Vehicles without an assigned route come back with an empty
// RouteID; the engine skips them.
func (s *Store) ActiveVehicles(ctx context.Context) ([]transit.VehiclePosition, error) {
	q := `
SELECT bp.bus_id,
       COALESCE(b.route_id::text, ''),
       bp.current_latitude,
       bp.current_longitude,
       COALESCE(bp.speed, 0),
       COALESCE(bp.crowd_level::text, ''),
       bp.last_updated
FROM bus_positions bp
LEFT JOIN buses b ON b.id = bp.bus_id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query bus_positions: %w", err)
	}
	defer rows.Close()

	var vehicles []transit.VehiclePosition
	for rows.Next() {
		var v transit.VehiclePosition
		var crowd string
		if err := rows.Scan(&v.VehicleID, &v.RouteID, &v.Lat, &v.Lon, &v.SpeedKmh, &crowd, &v.ReportedAt); err != nil {
			return nil, err
		}
		v.Crowd = transit.ParseCrowdLevel(crowd)
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

// RouteStops returns the route's stop sequence in authoritative order.
func (s *Store) RouteStops(ctx context.Context, routeID string) ([]transit.Stop, error) {
	q := `
SELECT bs.id, bs.latitude, bs.longitude, rs.stop_sequence
FROM route_stops rs
JOIN bus_stops bs ON bs.id = rs.stop_id
WHERE rs.route_id = $1
ORDER BY rs.stop_sequence`

	rows, err := s.db.QueryContext(ctx, q, routeID)
	if err != nil {
		return nil, fmt.Errorf("query route_stops: %w", err)
	}
	defer rows.Close()

	var stops []transit.Stop
	for rows.Next() {
		var st transit.Stop
		if err := rows.Scan(&st.StopID, &st.Lat, &st.Lon, &st.Sequence); err != nil {
			return nil, err
		}
		stops = append(stops, st)
	}
	return stops, rows.Err()
}

// RecentSamples returns up to limit past predictions with an observed
// arrival for the (vehicle, stop) pair, newest first.
func (s *Store) RecentSamples(ctx context.Context, vehicleID, stopID string, limit int) ([]transit.HistoricalSample, error) {
	q := `
SELECT predicted_eta, actual_arrival
FROM eta_predictions
WHERE bus_id = $1 AND stop_id = $2 AND actual_arrival IS NOT NULL
ORDER BY created_at DESC
LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, vehicleID, stopID, limit)
	if err != nil {
		return nil, fmt.Errorf("query eta_predictions history: %w", err)
	}
	defer rows.Close()

	var samples []transit.HistoricalSample
	for rows.Next() {
		var hs transit.HistoricalSample
		if err := rows.Scan(&hs.EtaMinutes, &hs.ActualArrival); err != nil {
			return nil, err
		}
		samples = append(samples, hs)
	}
	return samples, rows.Err()
}

// InsertPredictions persists a batch of prediction records. Rows are written
// independently; a failed row does not roll back the others. Returns the
// number stored alongside any row errors.
func (s *Store) InsertPredictions(ctx context.Context, records []transit.PredictionRecord) (int, error) {
	q := `
INSERT INTO eta_predictions (bus_id, stop_id, predicted_eta, confidence_score, model_version, prediction_timestamp)
VALUES ($1, $2, $3, $4, $5, $6)`

	stored := 0
	var errs []error
	for _, r := range records {
		if _, err := s.db.ExecContext(ctx, q, r.VehicleID, r.StopID, r.EtaMinutes, r.Confidence, r.ModelVersion, r.PredictedAt); err != nil {
			errs = append(errs, fmt.Errorf("insert prediction %s/%s: %w", r.VehicleID, r.StopID, err))
			continue
		}
		stored++
	}
	return stored, errors.Join(errs...)
}

// SetNextStopETA mirrors the chosen next-stop ETA onto the vehicle's live
// position row.
func (s *Store) SetNextStopETA(ctx context.Context, vehicleID string, etaMinutes int) error {
	q := `UPDATE bus_positions SET eta_next_stop = $1 WHERE bus_id = $2`
	if _, err := s.db.ExecContext(ctx, q, etaMinutes, vehicleID); err != nil {
		return fmt.Errorf("update eta_next_stop for %s: %w", vehicleID, err)
	}
	return nil
}

// StopPrediction is one row of the notification query below.
type StopPrediction struct {
	VehicleID  string
	EtaMinutes int
	Confidence float64
}

// TopPredictionsForStop returns the nearest predictions for a route+stop
// pair, ascending by ETA. The notification collaborator uses this to compose
// rider-facing messages.
func (s *Store) TopPredictionsForStop(ctx context.Context, routeID, stopID string, limit int) ([]StopPrediction, error) {
	q := `
SELECT ep.bus_id, ep.predicted_eta, COALESCE(ep.confidence_score, 0.5)
FROM eta_predictions ep
JOIN buses b ON b.id = ep.bus_id
WHERE b.route_id = $1 AND ep.stop_id = $2
ORDER BY ep.predicted_eta ASC
LIMIT $3`

	rows, err := s.db.QueryContext(ctx, q, routeID, stopID, limit)
	if err != nil {
		return nil, fmt.Errorf("query top predictions: %w", err)
	}
	defer rows.Close()

	var preds []StopPrediction
	for rows.Next() {
		var p StopPrediction
		if err := rows.Scan(&p.VehicleID, &p.EtaMinutes, &p.Confidence); err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, rows.Err()
}
