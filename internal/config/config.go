package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"showtime-booking/shared"
)

const (
	EnvBookingPort       = "BOOKING_PORT"
	EnvEdgePort          = "EDGE_PORT"
	EnvBookingServiceURL = "BOOKING_SERVICE_URL"
	EnvNATSURL           = "NATS_URL"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
	EnvDatabaseURL       = "DATABASE_URL"
	EnvAMQPURL           = "AMQP_URL"
	EnvLeaseDuration     = "LEASE_DURATION"
	EnvSweepInterval     = "SWEEP_INTERVAL"
	EnvMaxSeatsPerHolder = "MAX_SEATS_PER_HOLDER"
	EnvBookingCutoff     = "BOOKING_CUTOFF"
	EnvCommitRetries     = "COMMIT_RETRIES"
	EnvSeatMapCacheTTL   = "SEATMAP_CACHE_TTL"
	EnvLogLevel          = "LOG_LEVEL"
	EnvLogFormat         = "LOG_FORMAT"
	EnvOtelCollectorURL  = "OTEL_COLLECTOR_URL"
	EnvShutdownTimeout   = "SHUTDOWN_TIMEOUT"
	EnvDemoPerformanceID = "DEMO_PERFORMANCE_ID"
	EnvDemoRows          = "DEMO_ROWS"
	EnvDemoCols          = "DEMO_COLS"
	EnvDemoStartsIn      = "DEMO_STARTS_IN"
)

type Config struct {
	BookingPort       string
	EdgePort          string
	BookingServiceURL string

	NATSURL       string
	RedisAddr     string
	RedisPassword string
	DatabaseURL   string
	AMQPURL       string

	LeaseDuration     time.Duration
	SweepInterval     time.Duration
	MaxSeatsPerHolder int
	BookingCutoff     time.Duration
	CommitRetries     int
	SeatMapCacheTTL   time.Duration

	LogLevel         string
	LogFormat        string
	OtelCollectorURL string
	ShutdownTimeout  time.Duration

	DemoPerformanceID string
	DemoRows          int
	DemoCols          int
	DemoStartsIn      time.Duration

	// values that were set but could not be parsed
	parseProblems []string
}

// Load reads the configuration from the environment, after loading a .env
// file when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	lease := env.duration(EnvLeaseDuration, shared.DefaultLeaseDuration)

	cfg := &Config{
		BookingPort:       env.str(EnvBookingPort, shared.DefaultBookingPort),
		EdgePort:          env.str(EnvEdgePort, shared.DefaultEdgePort),
		BookingServiceURL: env.str(EnvBookingServiceURL, "http://localhost:"+shared.DefaultBookingPort),

		NATSURL:       env.str(EnvNATSURL, "nats://127.0.0.1:4222"),
		RedisAddr:     env.str(EnvRedisAddr, ""),
		RedisPassword: env.str(EnvRedisPassword, ""),
		DatabaseURL:   env.str(EnvDatabaseURL, ""),
		AMQPURL:       env.str(EnvAMQPURL, ""),

		LeaseDuration:     lease,
		SweepInterval:     env.duration(EnvSweepInterval, lease/6),
		MaxSeatsPerHolder: env.integer(EnvMaxSeatsPerHolder, shared.DefaultMaxSeatsPerHolder),
		BookingCutoff:     env.duration(EnvBookingCutoff, shared.DefaultBookingCutoff),
		CommitRetries:     env.integer(EnvCommitRetries, shared.DefaultCommitRetries),
		SeatMapCacheTTL:   env.duration(EnvSeatMapCacheTTL, shared.DefaultSeatMapTTL),

		LogLevel:         env.str(EnvLogLevel, "info"),
		LogFormat:        env.str(EnvLogFormat, "json"),
		OtelCollectorURL: env.str(EnvOtelCollectorURL, ""),
		ShutdownTimeout:  env.duration(EnvShutdownTimeout, 30*time.Second),

		DemoPerformanceID: env.str(EnvDemoPerformanceID, shared.DemoPerformanceID),
		DemoRows:          env.integer(EnvDemoRows, shared.DemoRows),
		DemoCols:          env.integer(EnvDemoCols, shared.DemoCols),
		DemoStartsIn:      env.duration(EnvDemoStartsIn, 24*time.Hour),
	}
	cfg.parseProblems = env.problems

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (cfg *Config) Validate() error {
	problems := append([]string(nil), cfg.parseProblems...)

	for name, port := range map[string]string{EnvBookingPort: cfg.BookingPort, EnvEdgePort: cfg.EdgePort} {
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			problems = append(problems, fmt.Sprintf("%s must be between 1 and 65535, got: %s", name, port))
		}
	}

	if _, err := url.ParseRequestURI(cfg.BookingServiceURL); err != nil {
		problems = append(problems, fmt.Sprintf("%s is not a valid URL: %s", EnvBookingServiceURL, cfg.BookingServiceURL))
	}

	if cfg.LeaseDuration <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive, got: %s", EnvLeaseDuration, cfg.LeaseDuration))
	}
	if cfg.SweepInterval <= 0 || cfg.SweepInterval >= cfg.LeaseDuration {
		problems = append(problems, fmt.Sprintf("%s must be positive and shorter than %s, got: %s",
			EnvSweepInterval, EnvLeaseDuration, cfg.SweepInterval))
	}
	if cfg.MaxSeatsPerHolder < 1 {
		problems = append(problems, fmt.Sprintf("%s must be at least 1, got: %d", EnvMaxSeatsPerHolder, cfg.MaxSeatsPerHolder))
	}
	if cfg.BookingCutoff < 0 {
		problems = append(problems, fmt.Sprintf("%s cannot be negative, got: %s", EnvBookingCutoff, cfg.BookingCutoff))
	}
	if cfg.CommitRetries < 0 {
		problems = append(problems, fmt.Sprintf("%s cannot be negative, got: %d", EnvCommitRetries, cfg.CommitRetries))
	}
	if cfg.SeatMapCacheTTL <= 0 {
		problems = append(problems, fmt.Sprintf("%s must be positive, got: %s", EnvSeatMapCacheTTL, cfg.SeatMapCacheTTL))
	}
	if !shared.ValidPerformanceID(cfg.DemoPerformanceID) {
		problems = append(problems, fmt.Sprintf("%s must be non-empty without whitespace, '.', '*' or '>', got: %q",
			EnvDemoPerformanceID, cfg.DemoPerformanceID))
	}
	if cfg.DemoRows < 1 || cfg.DemoRows > 26 || cfg.DemoCols < 1 {
		problems = append(problems, fmt.Sprintf("demo venue must have 1-26 rows and at least 1 column, got: %dx%d",
			cfg.DemoRows, cfg.DemoCols))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}

	return nil
}

// envReader reads typed values and records the ones that are set but
// malformed, so Validate can report them with everything else.
type envReader struct {
	problems []string
}

func (r *envReader) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s must be an integer, got: %q", key, v))
		return fallback
	}
	return n
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a duration such as 5m or 90s, got: %q", key, v))
		return fallback
	}
	return d
}
