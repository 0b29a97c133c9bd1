package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	RedisURL        string
	NATSURL         string // empty disables publishing
	MetricsAddr     string // empty disables the metrics server
	OracleBaseURL   string
	OracleAPIKey    string
	OracleProfile   string
	OracleTimeout   time.Duration
	Workers         int
	StopsPerVehicle int
	HistoryLimit    int
	ModelVersion    string
	RunInterval     time.Duration // 0 = single run, then exit
	Location        *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.RedisURL = getenvDefault("REDIS_URL", "redis://localhost:6379/0")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Routing oracle credentials are required at startup; without them the
	// run is aborted before touching the database.
	cfg.OracleAPIKey = os.Getenv("ORS_API_KEY")
	if cfg.OracleAPIKey == "" {
		return nil, errors.New("ORS_API_KEY must be set")
	}
	cfg.OracleBaseURL = getenvDefault("ORS_BASE_URL", "https://api.openrouteservice.org")
	cfg.OracleProfile = getenvDefault("ORS_PROFILE", "driving-car")

	if v := os.Getenv("ORS_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid ORS_TIMEOUT_MS: %q", v)
		}
		cfg.OracleTimeout = time.Duration(ms) * time.Millisecond
	} else {
		cfg.OracleTimeout = 10 * time.Second
	}

	var err error
	if cfg.Workers, err = getenvPositiveInt("WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	if cfg.StopsPerVehicle, err = getenvPositiveInt("STOPS_PER_VEHICLE", 3); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit, err = getenvPositiveInt("HISTORY_LIMIT", 10); err != nil {
		return nil, err
	}

	cfg.ModelVersion = getenvDefault("MODEL_VERSION", "v1.0")

	// Run interval: 0 (default) runs a single batch and exits, for use with
	// an external scheduler; > 0 loops on a ticker.
	if v := os.Getenv("RUN_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid RUN_INTERVAL_SEC: %q", v)
		}
		cfg.RunInterval = time.Duration(sec) * time.Second
	}

	// Time zone: heuristic adjustments depend on the local hour.
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvPositiveInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
