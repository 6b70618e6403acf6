package audit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BusOption defines a functional option for configuring a Bus instance.
type BusOption func(*BusConfig)

// WithBufferSize sets the capacity of the bus queues.
//
// A larger buffer absorbs spikes in publish volume; a smaller one surfaces
// backpressure to publishers sooner, which sends them to the fallback path.
func WithBufferSize(n int) BusOption {
	return func(cfg *BusConfig) { cfg.BufferSize = n }
}

// WithWorkerCount sets the number of goroutines delivering payloads to
// subscribers.
func WithWorkerCount(n int) BusOption {
	return func(cfg *BusConfig) { cfg.WorkerCount = n }
}

// WithPublishTimeout sets how long Send waits for queue space before failing.
func WithPublishTimeout(d time.Duration) BusOption {
	return func(cfg *BusConfig) { cfg.PublishTimeout = d }
}

// WithRedeliveryBackoff sets the initial and maximum delay between delivery
// attempts of a payload whose handler failed.
func WithRedeliveryBackoff(initial, max time.Duration) BusOption {
	return func(cfg *BusConfig) {
		cfg.RetryInitial = initial
		cfg.RetryMax = max
	}
}

// WithDrainTimeout sets how long Close waits for queued payloads.
func WithDrainTimeout(d time.Duration) BusOption {
	return func(cfg *BusConfig) { cfg.DrainTimeout = d }
}

// WithBusLogger sets the bus logger.
func WithBusLogger(l *zap.Logger) BusOption {
	return func(cfg *BusConfig) { cfg.Logger = l }
}

// PipelineConfig holds configuration parameters for a Pipeline.
type PipelineConfig struct {
	Codec            Codec                // Payload encoding; JSONCodec when nil.
	Logger           *zap.Logger          // Structured logger; no-op when nil.
	Metrics          PipelineMetrics      // Metrics sink; no-op when nil.
	TracerProvider   trace.TracerProvider // Span source; the global provider when nil.
	CircuitTimeout   time.Duration        // How long the bus circuit stays open.
	CircuitMaxFails  int                  // Consecutive send failures that open the circuit.
	ConsumeRateLimit float64              // Consumed events per second; zero is unlimited.
	ConsumeBurst     int                  // Burst size of the consume limiter.
}

// DefaultPipelineConfig returns a PipelineConfig with sensible default values.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Codec:           JSONCodec{},
		Logger:          zap.NewNop(),
		Metrics:         nopMetrics{},
		CircuitTimeout:  30 * time.Second,
		CircuitMaxFails: 5,
		ConsumeBurst:    100,
	}
}

// PipelineOption defines a functional option for configuring a Pipeline.
type PipelineOption func(*PipelineConfig)

// WithCodec sets the payload codec.
func WithCodec(c Codec) PipelineOption {
	return func(cfg *PipelineConfig) { cfg.Codec = c }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *zap.Logger) PipelineOption {
	return func(cfg *PipelineConfig) { cfg.Logger = l }
}

// WithMetrics sets a custom metrics implementation.
func WithMetrics(m PipelineMetrics) PipelineOption {
	return func(cfg *PipelineConfig) { cfg.Metrics = m }
}

// WithMetricsRegisterer creates Prometheus metrics registered with registerer
// and sets them via WithMetrics.
func WithMetricsRegisterer(registerer prometheus.Registerer) PipelineOption {
	return func(cfg *PipelineConfig) { cfg.Metrics = NewPrometheusMetrics(registerer) }
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) PipelineOption {
	return func(cfg *PipelineConfig) { cfg.TracerProvider = tp }
}

// WithCircuitBreaker configures the circuit breaker around bus sends.
//
//   - timeout: How long the circuit stays open before sends are tried again.
//   - maxFails: Consecutive send failures that open the circuit. Zero disables it.
func WithCircuitBreaker(timeout time.Duration, maxFails int) PipelineOption {
	return func(cfg *PipelineConfig) {
		cfg.CircuitTimeout = timeout
		cfg.CircuitMaxFails = maxFails
	}
}

// WithConsumeRateLimit caps how fast inbound events are persisted.
func WithConsumeRateLimit(perSecond float64, burst int) PipelineOption {
	return func(cfg *PipelineConfig) {
		cfg.ConsumeRateLimit = perSecond
		cfg.ConsumeBurst = burst
	}
}

// Config is the process level configuration of the audit service.
type Config struct {
	HTTPAddr string

	// BaseURL is the public origin used for absolute next-page links. When
	// empty, links are built from the inbound request.
	BaseURL string

	// Authorization is roles (grant by X-Roles through RoleAuthorizer) or
	// none (AllowAll).
	Authorization string

	Store         string // sqlite, postgres, mongo or memory
	DatabaseDSN   string
	MongoURI      string
	MongoDatabase string

	Transport    string // local, kafka or redis
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	RedisURL     string
	RedisStream  string
	RedisGroup   string

	WorkerCount      int
	BufferSize       int
	ConsumeRateLimit float64
	CircuitMaxFails  int
	CircuitTimeout   time.Duration

	Log LogConfig
}

// DefaultConfig returns the configuration used when no variables are set: an
// in-process bus in front of a SQLite file.
func DefaultConfig() Config {
	bus := DefaultBusConfig()
	pipe := DefaultPipelineConfig()
	return Config{
		HTTPAddr:        ":8080",
		Authorization:   "roles",
		Store:           "sqlite",
		DatabaseDSN:     "file:audit.db?_busy_timeout=5000",
		MongoDatabase:   "audit",
		Transport:       "local",
		KafkaTopic:      "audit-events",
		KafkaGroup:      "audit-service",
		RedisStream:     "audit-events",
		RedisGroup:      "audit-service",
		WorkerCount:     bus.WorkerCount,
		BufferSize:      bus.BufferSize,
		CircuitMaxFails: pipe.CircuitMaxFails,
		CircuitTimeout:  pipe.CircuitTimeout,
		Log:             DefaultLogConfig(),
	}
}

// LoadConfigFromEnv builds a Config from AUDIT_* environment variables on top
// of DefaultConfig. A .env file in the working directory is loaded first if
// present; variables already set in the environment take precedence.
//
// Supported environment variables:
//   - AUDIT_HTTP_ADDR, AUDIT_BASE_URL, AUDIT_AUTHORIZATION (roles|none)
//   - AUDIT_STORE, AUDIT_DATABASE_DSN, AUDIT_MONGO_URI, AUDIT_MONGO_DATABASE
//   - AUDIT_TRANSPORT, AUDIT_KAFKA_BROKERS (comma separated), AUDIT_KAFKA_TOPIC,
//     AUDIT_KAFKA_GROUP, AUDIT_REDIS_URL, AUDIT_REDIS_STREAM, AUDIT_REDIS_GROUP
//   - AUDIT_WORKER_COUNT, AUDIT_BUFFER_SIZE, AUDIT_CONSUME_RATE_LIMIT
//   - AUDIT_CIRCUIT_MAX_FAILS, AUDIT_CIRCUIT_TIMEOUT (Go duration)
//   - AUDIT_LOG_FILE, AUDIT_LOG_LEVEL
func LoadConfigFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	setString(&cfg.HTTPAddr, "AUDIT_HTTP_ADDR")
	setString(&cfg.BaseURL, "AUDIT_BASE_URL")
	setString(&cfg.Authorization, "AUDIT_AUTHORIZATION")
	setString(&cfg.Store, "AUDIT_STORE")
	setString(&cfg.DatabaseDSN, "AUDIT_DATABASE_DSN")
	setString(&cfg.MongoURI, "AUDIT_MONGO_URI")
	setString(&cfg.MongoDatabase, "AUDIT_MONGO_DATABASE")
	setString(&cfg.Transport, "AUDIT_TRANSPORT")
	setString(&cfg.KafkaTopic, "AUDIT_KAFKA_TOPIC")
	setString(&cfg.KafkaGroup, "AUDIT_KAFKA_GROUP")
	setString(&cfg.RedisURL, "AUDIT_REDIS_URL")
	setString(&cfg.RedisStream, "AUDIT_REDIS_STREAM")
	setString(&cfg.RedisGroup, "AUDIT_REDIS_GROUP")
	setString(&cfg.Log.FilePath, "AUDIT_LOG_FILE")
	setString(&cfg.Log.Level, "AUDIT_LOG_LEVEL")
	if v := os.Getenv("AUDIT_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	var err error
	if cfg.WorkerCount, err = envInt("AUDIT_WORKER_COUNT", cfg.WorkerCount); err != nil {
		return Config{}, err
	}
	if cfg.BufferSize, err = envInt("AUDIT_BUFFER_SIZE", cfg.BufferSize); err != nil {
		return Config{}, err
	}
	if cfg.CircuitMaxFails, err = envInt("AUDIT_CIRCUIT_MAX_FAILS", cfg.CircuitMaxFails); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("AUDIT_CONSUME_RATE_LIMIT"); v != "" {
		if cfg.ConsumeRateLimit, err = strconv.ParseFloat(v, 64); err != nil {
			return Config{}, fmt.Errorf("AUDIT_CONSUME_RATE_LIMIT: %w", err)
		}
	}
	if v := os.Getenv("AUDIT_CIRCUIT_TIMEOUT"); v != "" {
		if cfg.CircuitTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("AUDIT_CIRCUIT_TIMEOUT: %w", err)
		}
	}

	switch cfg.Store {
	case "sqlite", "postgres", "mongo", "memory":
	default:
		return Config{}, fmt.Errorf("AUDIT_STORE: unsupported store %q", cfg.Store)
	}
	switch cfg.Transport {
	case "local", "kafka", "redis":
	default:
		return Config{}, fmt.Errorf("AUDIT_TRANSPORT: unsupported transport %q", cfg.Transport)
	}
	switch cfg.Authorization {
	case "roles", "none":
	default:
		return Config{}, fmt.Errorf("AUDIT_AUTHORIZATION: unsupported mode %q", cfg.Authorization)
	}
	if cfg.Transport == "kafka" && len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("AUDIT_KAFKA_BROKERS is required for the kafka transport")
	}
	if cfg.Transport == "redis" && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("AUDIT_REDIS_URL is required for the redis transport")
	}
	if cfg.Store == "mongo" && cfg.MongoURI == "" {
		return Config{}, fmt.Errorf("AUDIT_MONGO_URI is required for the mongo store")
	}
	return cfg, nil
}

// Authorizer returns the Authorizer selected by cfg.Authorization.
func (cfg Config) Authorizer() Authorizer {
	if cfg.Authorization == "none" {
		return AllowAll
	}
	return DefaultRoleAuthorizer()
}

// BusOptions returns the options for an in-process Bus built from cfg.
func (cfg Config) BusOptions(log *zap.Logger) []BusOption {
	return []BusOption{
		WithWorkerCount(cfg.WorkerCount),
		WithBufferSize(cfg.BufferSize),
		WithBusLogger(log),
	}
}

// PipelineOptions returns the pipeline options built from cfg.
func (cfg Config) PipelineOptions(log *zap.Logger, registerer prometheus.Registerer) []PipelineOption {
	return []PipelineOption{
		WithLogger(log),
		WithMetricsRegisterer(registerer),
		WithCircuitBreaker(cfg.CircuitTimeout, cfg.CircuitMaxFails),
		WithConsumeRateLimit(cfg.ConsumeRateLimit, DefaultPipelineConfig().ConsumeBurst),
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
