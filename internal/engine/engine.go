// Package engine orchestrates one prediction run: it walks every active
// vehicle and its upcoming stops through the estimation pipeline, isolates
// per-item failures, and hands the accumulated records to the persistence
// and publishing collaborators.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"eta-predictor/internal/eta"
	"eta-predictor/internal/geo"
	"eta-predictor/internal/metrics"
	"eta-predictor/internal/transit"
)

type PositionSource interface {
	ActiveVehicles(ctx context.Context) ([]transit.VehiclePosition, error)
}

type RouteTopology interface {
	RouteStops(ctx context.Context, routeID string) ([]transit.Stop, error)
}

type HistoricalStore interface {
	RecentSamples(ctx context.Context, vehicleID, stopID string, limit int) ([]transit.HistoricalSample, error)
	InsertPredictions(ctx context.Context, records []transit.PredictionRecord) (int, error)
}

type RouteOracle interface {
	TravelMinutes(ctx context.Context, from, to geo.Point) (float64, error)
}

type LiveStore interface {
	SetNextStopETA(ctx context.Context, vehicleID string, etaMinutes int) error
}

type Publisher interface {
	PublishPrediction(r transit.PredictionRecord) error
}

// Runner is the batch pipeline. Only fatal conditions (active-vehicle fetch)
// surface from Run; everything else degrades per item.
type Runner struct {
	Positions PositionSource
	Topology  RouteTopology
	History   HistoricalStore
	Oracle    RouteOracle
	Live      LiveStore
	Publisher Publisher          // optional
	Metrics   *metrics.Collector // optional

	Workers         int
	StopsPerVehicle int
	HistoryLimit    int
	ModelVersion    string
	Location        *time.Location
	Now             func() time.Time // overridable for tests
}

// Summary reports what a run produced.
type Summary struct {
	Vehicles    int
	Skipped     int
	Predictions int
	Fallbacks   int
	Stored      int
	Published   int
	Elapsed     time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("vehicles=%d skipped=%d predictions=%d fallbacks=%d stored=%d published=%d elapsed=%s",
		s.Vehicles, s.Skipped, s.Predictions, s.Fallbacks, s.Stored, s.Published, s.Elapsed.Round(time.Millisecond))
}

type vehicleOutcome struct {
	vehicleID  string
	records    []transit.PredictionRecord // in stop-sequence order
	skipReason string                     // non-empty when the vehicle was skipped
	fallbacks  int
}

func (r *Runner) now() time.Time {
	var t time.Time
	if r.Now != nil {
		t = r.Now()
	} else {
		t = time.Now()
	}
	if r.Location != nil {
		t = t.In(r.Location)
	}
	return t
}

// Run executes one full batch. Cancelling ctx stops issuing further pipeline
// work; records already computed are still persisted.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	defer func() {
		if r.Metrics != nil {
			r.Metrics.RunDuration.Observe(time.Since(start).Seconds())
		}
	}()

	vehicles, err := r.Positions.ActiveVehicles(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch active vehicles: %w", err)
	}
	if r.Metrics != nil {
		r.Metrics.ActiveVehicles.Set(float64(len(vehicles)))
	}

	summary := Summary{Vehicles: len(vehicles)}
	if len(vehicles) == 0 {
		summary.Elapsed = time.Since(start)
		return summary, nil
	}

	outcomes := r.runPool(ctx, vehicles)

	var records []transit.PredictionRecord
	nextETA := make(map[string]transit.PredictionRecord, len(outcomes))
	for _, o := range outcomes {
		if o.skipReason != "" {
			summary.Skipped++
			if r.Metrics != nil {
				r.Metrics.VehiclesSkipped.WithLabelValues(o.skipReason).Inc()
			}
			continue
		}
		summary.Fallbacks += o.fallbacks
		records = append(records, o.records...)
		if len(o.records) > 0 {
			// Stops are processed in sequence order, so the first record is
			// the minimum-sequence upcoming stop: that is the vehicle's
			// externally visible next-stop ETA.
			nextETA[o.vehicleID] = o.records[0]
		}
	}
	summary.Predictions = len(records)

	if len(records) > 0 {
		stored, err := r.History.InsertPredictions(ctx, records)
		summary.Stored = stored
		if err != nil {
			log.Printf("insert predictions: %v", err)
			if r.Metrics != nil {
				r.Metrics.WriteFailures.WithLabelValues("predictions").Inc()
			}
		}
		if r.Metrics != nil {
			r.Metrics.PredictionsStored.Add(float64(stored))
		}
	}

	for vehicleID, rec := range nextETA {
		if err := r.Live.SetNextStopETA(ctx, vehicleID, rec.EtaMinutes); err != nil {
			log.Printf("live eta update for %s: %v", vehicleID, err)
			if r.Metrics != nil {
				r.Metrics.WriteFailures.WithLabelValues("live").Inc()
			}
		}
	}

	if r.Publisher != nil {
		for _, rec := range records {
			if err := r.Publisher.PublishPrediction(rec); err != nil {
				log.Printf("publish prediction %s/%s: %v", rec.VehicleID, rec.StopID, err)
				continue
			}
			summary.Published++
		}
		if r.Metrics != nil {
			r.Metrics.PredictionsPublished.Add(float64(summary.Published))
		}
	}

	summary.Elapsed = time.Since(start)
	return summary, nil
}

// runPool fans vehicles out to a bounded worker pool. Vehicle pipelines are
// independent; no shared state is written during computation.
func (r *Runner) runPool(ctx context.Context, vehicles []transit.VehiclePosition) []vehicleOutcome {
	workers := r.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(vehicles) {
		workers = len(vehicles)
	}

	jobs := make(chan transit.VehiclePosition)
	results := make(chan vehicleOutcome, len(vehicles))

	go func() {
		defer close(jobs)
		for _, v := range vehicles {
			if ctx.Err() != nil {
				return
			}
			select {
			case jobs <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := range jobs {
				results <- r.processVehicle(ctx, v)
			}
		}()
	}
	wg.Wait()
	close(results)

	outcomes := make([]vehicleOutcome, 0, len(vehicles))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (r *Runner) processVehicle(ctx context.Context, v transit.VehiclePosition) vehicleOutcome {
	out := vehicleOutcome{vehicleID: v.VehicleID}

	if v.RouteID == "" {
		out.skipReason = "no_route"
		return out
	}

	stops, err := r.Topology.RouteStops(ctx, v.RouteID)
	if err != nil {
		log.Printf("route stops for vehicle %s (route %s): %v", v.VehicleID, v.RouteID, err)
		out.skipReason = "stops_error"
		return out
	}
	if len(stops) == 0 {
		out.skipReason = "no_stops"
		return out
	}

	// First N stops of the static sequence, not filtered by vehicle
	// progress. A nearest-stop selection would need the vehicle's progress
	// index along the route.
	limit := r.StopsPerVehicle
	if limit <= 0 {
		limit = 3
	}
	if limit > len(stops) {
		limit = len(stops)
	}

	for _, stop := range stops[:limit] {
		rec, fallback := r.predict(ctx, v, stop)
		out.records = append(out.records, rec)
		if fallback {
			out.fallbacks++
		}
		if r.Metrics != nil {
			r.Metrics.PredictionsGenerated.Inc()
		}
	}
	return out
}

// predict runs the full estimation pipeline for one (vehicle, stop) pair.
// It cannot fail: an oracle error degrades to the internal-only estimate.
func (r *Runner) predict(ctx context.Context, v transit.VehiclePosition, stop transit.Stop) (transit.PredictionRecord, bool) {
	now := r.now()
	from := geo.Point{Lat: v.Lat, Lon: v.Lon}
	to := geo.Point{Lat: stop.Lat, Lon: stop.Lon}

	dist := geo.DistanceKm(from, to)
	base := eta.Baseline(dist, v.SpeedKmh)

	historyLimit := r.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 10
	}
	samples, err := r.History.RecentSamples(ctx, v.VehicleID, stop.StopID, historyLimit)
	if err != nil {
		// Missing history is never fatal; the heuristic path covers it.
		log.Printf("history for %s/%s: %v", v.VehicleID, stop.StopID, err)
		samples = nil
	}
	internal := eta.Calibrate(base, samples, now, v.Crowd, v.SpeedKmh)

	confidence := eta.Confidence(dist, v.SpeedKmh)

	oracleStart := time.Now()
	oracleMin, oracleErr := r.Oracle.TravelMinutes(ctx, from, to)
	if r.Metrics != nil {
		r.Metrics.OracleCalls.Inc()
		r.Metrics.OracleDuration.Observe(time.Since(oracleStart).Seconds())
	}

	var minutes int
	fallback := false
	if oracleErr != nil {
		log.Printf("oracle for %s/%s: %v", v.VehicleID, stop.StopID, oracleErr)
		if r.Metrics != nil {
			r.Metrics.OracleFailures.Inc()
		}
		minutes = eta.ClampMinutes(internal)
		confidence = eta.DegradeConfidence(confidence)
		fallback = true
	} else {
		minutes = eta.Fuse(internal, oracleMin)
	}

	return transit.PredictionRecord{
		VehicleID:    v.VehicleID,
		StopID:       stop.StopID,
		RouteID:      v.RouteID,
		StopSequence: stop.Sequence,
		EtaMinutes:   minutes,
		Confidence:   confidence,
		ModelVersion: r.ModelVersion,
		PredictedAt:  now,
		Fallback:     fallback,
	}, fallback
}
