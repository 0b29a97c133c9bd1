package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"eta-predictor/internal/eta"
	"eta-predictor/internal/geo"
	"eta-predictor/internal/transit"
)

// --- fakes -----------------------------------------------------------------

type fakeSource struct {
	vehicles []transit.VehiclePosition
	err      error
}

func (f *fakeSource) ActiveVehicles(context.Context) ([]transit.VehiclePosition, error) {
	return f.vehicles, f.err
}

type fakeTopology struct {
	stops map[string][]transit.Stop
	errs  map[string]error
}

func (f *fakeTopology) RouteStops(_ context.Context, routeID string) ([]transit.Stop, error) {
	if err := f.errs[routeID]; err != nil {
		return nil, err
	}
	return f.stops[routeID], nil
}

type fakeHistory struct {
	mu        sync.Mutex
	samples   map[string][]transit.HistoricalSample // key: vehicleID/stopID
	readErr   error
	insertErr error
	inserted  []transit.PredictionRecord
}

func (f *fakeHistory) RecentSamples(_ context.Context, vehicleID, stopID string, _ int) ([]transit.HistoricalSample, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples[vehicleID+"/"+stopID], nil
}

func (f *fakeHistory) InsertPredictions(_ context.Context, records []transit.PredictionRecord) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserted = append(f.inserted, records...)
	return len(records), nil
}

type fakeOracle struct {
	mu      sync.Mutex
	minutes float64
	err     error
	calls   int
}

func (f *fakeOracle) TravelMinutes(context.Context, geo.Point, geo.Point) (float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.minutes, f.err
}

type fakeLive struct {
	mu   sync.Mutex
	etas map[string]int
	err  error
}

func (f *fakeLive) SetNextStopETA(_ context.Context, vehicleID string, etaMinutes int) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.etas == nil {
		f.etas = make(map[string]int)
	}
	f.etas[vehicleID] = etaMinutes
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []transit.PredictionRecord
	err       error
}

func (f *fakePublisher) PublishPrediction(r transit.PredictionRecord) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, r)
	return nil
}

// --- helpers ---------------------------------------------------------------

var noon = time.Date(2025, 3, 12, 12, 30, 0, 0, time.UTC)

func testVehicle(id, route string) transit.VehiclePosition {
	return transit.VehiclePosition{
		VehicleID: id,
		RouteID:   route,
		Lat:       40.7128,
		Lon:       -74.0060,
		SpeedKmh:  25,
		Crowd:     transit.CrowdMedium,
	}
}

func routeStops(n int) []transit.Stop {
	stops := make([]transit.Stop, 0, n)
	for i := 0; i < n; i++ {
		stops = append(stops, transit.Stop{
			StopID:   string(rune('A' + i)),
			Lat:      40.7128 + float64(i+1)*0.01,
			Lon:      -74.0060 + float64(i+1)*0.01,
			Sequence: i + 1,
		})
	}
	return stops
}

func newRunner(src *fakeSource, topo *fakeTopology, hist *fakeHistory, orc *fakeOracle, live *fakeLive, pub *fakePublisher) *Runner {
	r := &Runner{
		Positions:       src,
		Topology:        topo,
		History:         hist,
		Oracle:          orc,
		Live:            live,
		Workers:         4,
		StopsPerVehicle: 3,
		HistoryLimit:    10,
		ModelVersion:    "v1.0",
		Location:        time.UTC,
		Now:             func() time.Time { return noon },
	}
	if pub != nil {
		r.Publisher = pub
	}
	return r
}

// --- tests -----------------------------------------------------------------

func TestRunZeroVehicles(t *testing.T) {
	hist := &fakeHistory{}
	live := &fakeLive{}
	r := newRunner(&fakeSource{}, &fakeTopology{}, hist, &fakeOracle{minutes: 10}, live, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Predictions != 0 || s.Vehicles != 0 {
		t.Errorf("summary = %+v, want empty run", s)
	}
	if len(hist.inserted) != 0 {
		t.Errorf("inserted %d records, want 0", len(hist.inserted))
	}
}

func TestRunFatalOnVehicleFetchFailure(t *testing.T) {
	r := newRunner(&fakeSource{err: errors.New("db down")}, &fakeTopology{}, &fakeHistory{}, &fakeOracle{}, &fakeLive{}, nil)
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected run-level error")
	}
}

func TestRunHappyPath(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{testVehicle("bus-1", "route-1")}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(5)}}
	hist := &fakeHistory{}
	orc := &fakeOracle{minutes: 12}
	live := &fakeLive{}
	pub := &fakePublisher{}
	r := newRunner(src, topo, hist, orc, live, pub)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Only the first 3 of 5 stops are processed.
	if s.Predictions != 3 {
		t.Errorf("Predictions = %d, want 3", s.Predictions)
	}
	if s.Stored != 3 || s.Published != 3 || s.Skipped != 0 || s.Fallbacks != 0 {
		t.Errorf("summary = %+v", s)
	}
	if orc.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", orc.calls)
	}
	for _, rec := range hist.inserted {
		if rec.EtaMinutes < 1 {
			t.Errorf("record %s/%s eta %d < 1", rec.VehicleID, rec.StopID, rec.EtaMinutes)
		}
		if rec.Confidence < 0.1 || rec.Confidence > 1.0 {
			t.Errorf("record %s/%s confidence %v out of bounds", rec.VehicleID, rec.StopID, rec.Confidence)
		}
		if rec.ModelVersion != "v1.0" {
			t.Errorf("model version = %q", rec.ModelVersion)
		}
	}
	// Live ETA is the minimum-sequence stop's prediction.
	want := hist.inserted[0]
	for _, rec := range hist.inserted {
		if rec.StopSequence < want.StopSequence {
			want = rec
		}
	}
	if got := live.etas["bus-1"]; got != want.EtaMinutes {
		t.Errorf("live eta = %d, want %d (sequence %d)", got, want.EtaMinutes, want.StopSequence)
	}
}

func TestRunSkipsVehicleWithoutRoute(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{
		testVehicle("bus-1", ""),
		testVehicle("bus-2", "route-1"),
	}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(3)}}
	hist := &fakeHistory{}
	live := &fakeLive{}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, live, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", s.Skipped)
	}
	if s.Predictions != 3 {
		t.Errorf("Predictions = %d, want 3", s.Predictions)
	}
	if _, ok := live.etas["bus-1"]; ok {
		t.Error("skipped vehicle should have no live eta")
	}
}

func TestRunSkipsVehicleOnStopFetchFailure(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{
		testVehicle("bus-1", "route-bad"),
		testVehicle("bus-2", "route-empty"),
		testVehicle("bus-3", "route-ok"),
	}}
	topo := &fakeTopology{
		stops: map[string][]transit.Stop{"route-ok": routeStops(2)},
		errs:  map[string]error{"route-bad": errors.New("timeout")},
	}
	hist := &fakeHistory{}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, &fakeLive{}, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Skipped != 2 {
		t.Errorf("Skipped = %d, want 2", s.Skipped)
	}
	if s.Predictions != 2 {
		t.Errorf("Predictions = %d, want 2 (route-ok has 2 stops)", s.Predictions)
	}
}

func TestRunOracleFailureFallsBack(t *testing.T) {
	v := testVehicle("bus-1", "route-1")
	stop := transit.Stop{StopID: "S1", Lat: 40.7282, Lon: -73.9942, Sequence: 1}
	src := &fakeSource{vehicles: []transit.VehiclePosition{v}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": {stop}}}
	hist := &fakeHistory{}
	r := newRunner(src, topo, hist, &fakeOracle{err: errors.New("503")}, &fakeLive{}, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Fallbacks != 1 || s.Predictions != 1 {
		t.Errorf("summary = %+v", s)
	}

	rec := hist.inserted[0]
	if !rec.Fallback {
		t.Error("record not marked as fallback")
	}

	// No history and neutral heuristics: the internal estimate is the plain
	// baseline, rounded. Confidence carries the 0.8 fallback penalty.
	dist := geo.DistanceKm(geo.Point{Lat: v.Lat, Lon: v.Lon}, geo.Point{Lat: stop.Lat, Lon: stop.Lon})
	wantEta := eta.ClampMinutes(eta.Baseline(dist, v.SpeedKmh))
	if rec.EtaMinutes != wantEta {
		t.Errorf("eta = %d, want %d", rec.EtaMinutes, wantEta)
	}
	wantConf := eta.DegradeConfidence(eta.Confidence(dist, v.SpeedKmh))
	if math.Abs(rec.Confidence-wantConf) > 1e-9 {
		t.Errorf("confidence = %v, want %v", rec.Confidence, wantConf)
	}
	// Documented end-to-end expectation: ~2 km at 25 km/h, no multipliers.
	if rec.EtaMinutes != 5 {
		t.Errorf("eta = %d minutes, want 5", rec.EtaMinutes)
	}
	if rec.Confidence < 0.1 || rec.Confidence > 1.0 {
		t.Errorf("confidence %v out of bounds", rec.Confidence)
	}
}

func TestRunCalibratesFromHistory(t *testing.T) {
	v := testVehicle("bus-1", "route-1")
	stop := transit.Stop{StopID: "S1", Lat: 40.7282, Lon: -73.9942, Sequence: 1}
	// Two samples that both arrived 4 minutes late: avg error +4.
	samples := []transit.HistoricalSample{
		{EtaMinutes: 10, ActualArrival: noon.Add(14 * time.Minute)},
		{EtaMinutes: 10, ActualArrival: noon.Add(14 * time.Minute)},
	}
	src := &fakeSource{vehicles: []transit.VehiclePosition{v}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": {stop}}}
	hist := &fakeHistory{samples: map[string][]transit.HistoricalSample{"bus-1/S1": samples}}
	r := newRunner(src, topo, hist, &fakeOracle{err: errors.New("down")}, &fakeLive{}, nil)

	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dist := geo.DistanceKm(geo.Point{Lat: v.Lat, Lon: v.Lon}, geo.Point{Lat: stop.Lat, Lon: stop.Lon})
	want := eta.ClampMinutes(eta.Baseline(dist, v.SpeedKmh) + 4)
	if got := hist.inserted[0].EtaMinutes; got != want {
		t.Errorf("calibrated eta = %d, want %d", got, want)
	}
}

func TestRunHistoryReadFailureUsesHeuristics(t *testing.T) {
	v := testVehicle("bus-1", "route-1")
	stop := transit.Stop{StopID: "S1", Lat: 40.7282, Lon: -73.9942, Sequence: 1}
	src := &fakeSource{vehicles: []transit.VehiclePosition{v}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": {stop}}}
	hist := &fakeHistory{readErr: errors.New("history table busy")}
	orc := &fakeOracle{err: errors.New("down")}
	r := newRunner(src, topo, hist, orc, &fakeLive{}, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Predictions != 1 {
		t.Errorf("Predictions = %d, want 1 despite history failure", s.Predictions)
	}
}

func TestRunInsertFailureDoesNotAbort(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{testVehicle("bus-1", "route-1")}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(3)}}
	hist := &fakeHistory{insertErr: errors.New("disk full")}
	live := &fakeLive{}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, live, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Stored != 0 {
		t.Errorf("Stored = %d, want 0", s.Stored)
	}
	// Live updates still happen for computed predictions.
	if _, ok := live.etas["bus-1"]; !ok {
		t.Error("live eta missing after insert failure")
	}
}

func TestRunLiveUpdateFailureDoesNotAbort(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{testVehicle("bus-1", "route-1")}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(3)}}
	hist := &fakeHistory{}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, &fakeLive{err: errors.New("redis down")}, nil)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Stored != 3 {
		t.Errorf("Stored = %d, want 3", s.Stored)
	}
}

func TestRunPublishFailureDoesNotAbort(t *testing.T) {
	src := &fakeSource{vehicles: []transit.VehiclePosition{testVehicle("bus-1", "route-1")}}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(3)}}
	hist := &fakeHistory{}
	pub := &fakePublisher{err: errors.New("nats down")}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, &fakeLive{}, pub)

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Published != 0 {
		t.Errorf("Published = %d, want 0", s.Published)
	}
	if s.Stored != 3 {
		t.Errorf("Stored = %d, want 3", s.Stored)
	}
}

func TestRunProcessesAllVehiclesWithBoundedWorkers(t *testing.T) {
	var vehicles []transit.VehiclePosition
	stops := map[string][]transit.Stop{}
	for i := 0; i < 25; i++ {
		route := "route-" + string(rune('a'+i%5))
		v := testVehicle("bus-"+string(rune('a'+i)), route)
		vehicles = append(vehicles, v)
		stops[route] = routeStops(3)
	}
	src := &fakeSource{vehicles: vehicles}
	hist := &fakeHistory{}
	r := newRunner(src, &fakeTopology{stops: stops}, hist, &fakeOracle{minutes: 7}, &fakeLive{}, nil)
	r.Workers = 4

	s, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Predictions != 75 {
		t.Errorf("Predictions = %d, want 75", s.Predictions)
	}
	if len(hist.inserted) != 75 {
		t.Errorf("inserted = %d, want 75", len(hist.inserted))
	}
}

func TestRunCancelledContextStopsIssuingWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var vehicles []transit.VehiclePosition
	for i := 0; i < 50; i++ {
		vehicles = append(vehicles, testVehicle("bus", "route-1"))
	}
	src := &fakeSource{vehicles: vehicles}
	topo := &fakeTopology{stops: map[string][]transit.Stop{"route-1": routeStops(3)}}
	hist := &fakeHistory{}
	r := newRunner(src, topo, hist, &fakeOracle{minutes: 10}, &fakeLive{}, nil)

	s, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// With the context already cancelled the feeder issues no work.
	if s.Predictions != 0 {
		t.Errorf("Predictions = %d, want 0 after cancellation", s.Predictions)
	}
}
