package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveVehicles prometheus.Gauge

	PredictionsGenerated prometheus.Counter
	PredictionsStored    prometheus.Counter
	PredictionsPublished prometheus.Counter
	VehiclesSkipped      *prometheus.CounterVec // reason label: no_route|stops_error|no_stops
	OracleCalls          prometheus.Counter
	OracleFailures       prometheus.Counter
	WriteFailures        *prometheus.CounterVec // target label: predictions|live

	RunDuration     prometheus.Histogram
	OracleDuration  prometheus.Histogram
	PublishDuration prometheus.Histogram
	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	WorkerCount     prometheus.Gauge
	StopsPerVehicle prometheus.Gauge
}

func NewCollector(workers, stopsPerVehicle int) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_predictor_active_vehicles",
			Help: "Vehicles in the last fetched position snapshot.",
		}),
		PredictionsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_predictions_generated_total",
			Help: "Total predictions computed.",
		}),
		PredictionsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_predictions_stored_total",
			Help: "Total predictions stored in the database.",
		}),
		PredictionsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_predictions_published_total",
			Help: "Total predictions published downstream.",
		}),
		VehiclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_predictor_vehicles_skipped_total",
			Help: "Vehicles skipped during a run.",
		}, []string{"reason"}),
		OracleCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_oracle_calls_total",
			Help: "Total routing oracle requests.",
		}),
		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_oracle_failures_total",
			Help: "Oracle requests that fell back to the internal estimate.",
		}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eta_predictor_write_failures_total",
			Help: "Persistence failures, by target.",
		}, []string{"target"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eta_predictor_run_duration_seconds",
			Help:    "Duration of a full batch run.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		OracleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eta_predictor_oracle_duration_seconds",
			Help:    "Duration of a routing oracle call.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eta_predictor_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eta_predictor_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_predictor_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		WorkerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_predictor_workers",
			Help: "Configured pipeline worker count.",
		}),
		StopsPerVehicle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eta_predictor_stops_per_vehicle",
			Help: "Configured upcoming stops processed per vehicle.",
		}),
	}

	reg.MustRegister(
		c.ActiveVehicles,
		c.PredictionsGenerated, c.PredictionsStored, c.PredictionsPublished,
		c.VehiclesSkipped, c.OracleCalls, c.OracleFailures, c.WriteFailures,
		c.RunDuration, c.OracleDuration, c.PublishDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.WorkerCount, c.StopsPerVehicle,
	)

	c.WorkerCount.Set(float64(workers))
	c.StopsPerVehicle.Set(float64(stopsPerVehicle))

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
