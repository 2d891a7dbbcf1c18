// Package config reads process configuration from CHRONICLE_* environment
// variables so main stays lean. Zero values select in-memory stores, which
// keeps local development free of external services.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	LogLevel        string
}

// Postgres captures the durable store connection.
type Postgres struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Redis captures the checkpoint store connection.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Delivery captures subscriber delivery tunables.
type Delivery struct {
	FailureThreshold         int
	OpenTimeout              time.Duration
	HalfOpenSuccessThreshold int
	QueueCapacity            int
	OverflowPolicy           string
	MaxRetryAttempts         int
	RetryBackoffBase         time.Duration
	DeliveryTimeout          time.Duration
	DrainTimeout             time.Duration
}

// Export captures the compliance export feed.
type Export struct {
	Brokers   []string
	Topic     string
	Name      string
	Tags      []string
	Interval  time.Duration
	BatchSize int
}

// Verify captures the scheduled integrity check.
type Verify struct {
	Interval time.Duration
	Window   time.Duration
}

// Config is the full process configuration.
type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	Delivery Delivery
	Export   Export
	Verify   Verify
}

// FromEnv builds the configuration from environment variables, applying
// defaults suitable for development.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envString("CHRONICLE_ADDR", ":8080"),
			ShutdownTimeout: envDuration("CHRONICLE_SHUTDOWN_TIMEOUT", 15*time.Second),
			LogLevel:        envString("CHRONICLE_LOG_LEVEL", "info"),
		},
		Postgres: Postgres{
			DSN:          os.Getenv("CHRONICLE_POSTGRES_DSN"),
			MaxOpenConns: envInt("CHRONICLE_POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("CHRONICLE_POSTGRES_MAX_IDLE_CONNS", 5),
		},
		Redis: Redis{
			URL:          os.Getenv("CHRONICLE_REDIS_URL"),
			PoolSize:     envInt("CHRONICLE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("CHRONICLE_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("CHRONICLE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("CHRONICLE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("CHRONICLE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Delivery: Delivery{
			FailureThreshold:         envInt("CHRONICLE_FAILURE_THRESHOLD", 5),
			OpenTimeout:              envDuration("CHRONICLE_OPEN_TIMEOUT", 30*time.Second),
			HalfOpenSuccessThreshold: envInt("CHRONICLE_HALF_OPEN_SUCCESSES", 2),
			QueueCapacity:            envInt("CHRONICLE_QUEUE_CAPACITY", 256),
			OverflowPolicy:           envString("CHRONICLE_OVERFLOW_POLICY", "spill"),
			MaxRetryAttempts:         envInt("CHRONICLE_MAX_RETRY_ATTEMPTS", 3),
			RetryBackoffBase:         envDuration("CHRONICLE_RETRY_BACKOFF_BASE", 100*time.Millisecond),
			DeliveryTimeout:          envDuration("CHRONICLE_DELIVERY_TIMEOUT", 10*time.Second),
			DrainTimeout:             envDuration("CHRONICLE_DRAIN_TIMEOUT", 15*time.Second),
		},
		Export: Export{
			Brokers:   envList("CHRONICLE_KAFKA_BROKERS"),
			Topic:     envString("CHRONICLE_EXPORT_TOPIC", "chronicle.audit.export"),
			Name:      envString("CHRONICLE_EXPORT_NAME", "siem"),
			Tags:      envList("CHRONICLE_EXPORT_TAGS"),
			Interval:  envDuration("CHRONICLE_EXPORT_INTERVAL", time.Minute),
			BatchSize: envInt("CHRONICLE_EXPORT_BATCH_SIZE", 500),
		},
		Verify: Verify{
			Interval: envDuration("CHRONICLE_VERIFY_INTERVAL", time.Hour),
			Window:   envDuration("CHRONICLE_VERIFY_WINDOW", 24*time.Hour),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
