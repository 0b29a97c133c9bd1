package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"eta-predictor/internal/config"
	"eta-predictor/internal/engine"
	"eta-predictor/internal/live"
	"eta-predictor/internal/metrics"
	"eta-predictor/internal/oracle"
	"eta-predictor/internal/publisher"
	"eta-predictor/internal/store"
)

func main() {
	// Load configuration from .env and environment. Missing oracle
	// credentials abort here, before any collaborator is touched.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	log.Printf("db connected")

	liveStore, err := live.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer liveStore.Close()
	if err := liveStore.Ping(ctx); err != nil {
		log.Fatalf("redis ping error: %v", err)
	}
	log.Printf("redis connected")

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.Workers, cfg.StopsPerVehicle)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// Optional NATS publisher for downstream consumers
	var pub engine.Publisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer np.Close()
		pub = np
	}

	runner := &engine.Runner{
		Positions: st,
		Topology:  st,
		History:   st,
		Oracle:    oracle.NewClient(cfg.OracleAPIKey, cfg.OracleBaseURL, cfg.OracleProfile, cfg.OracleTimeout),
		// The next-stop ETA lands both on the position row and in Redis.
		Live:            live.Multi{st, liveStore},
		Publisher:       pub,
		Metrics:         mcol,
		Workers:         cfg.Workers,
		StopsPerVehicle: cfg.StopsPerVehicle,
		HistoryLimit:    cfg.HistoryLimit,
		ModelVersion:    cfg.ModelVersion,
		Location:        cfg.Location,
	}

	// Single run by default (external scheduler triggers each batch);
	// RUN_INTERVAL_SEC > 0 keeps a ticker loop alive instead.
	runOnce(ctx, runner)
	if cfg.RunInterval <= 0 {
		return
	}

	ticker := time.NewTicker(cfg.RunInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runOnce(ctx, runner)
		case <-ctx.Done():
			log.Printf("shutting down")
			return
		}
	}
}

func runOnce(ctx context.Context, runner *engine.Runner) {
	summary, err := runner.Run(ctx)
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	log.Printf("run complete: %s", summary)
}

// wrapPublisherMetrics adapts the Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
