// Package config defines the delivery engine's configuration surface. It
// follows a layered priority: built-in defaults, then an optional config
// file (DELIVERY_CONFIG_FILE), then environment variables, then functional
// options — each layer overriding the last.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the detected or declared deployment profile. Several defaults
// (jitter, log format, pretty-print) depend on it.
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
	ProfileTest        Profile = "test"
)

// Config is the root configuration object for every runtime mode
// (scheduler, api, all). Env tags document the variable each field binds to;
// LoadFromEnv applies them explicitly rather than via reflection, matching
// the rest of this codebase's preference for explicit over magic.
type Config struct {
	Profile Profile `json:"profile" env:"DELIVERY_PROFILE" default:"development"`
	Mode    string  `json:"mode" env:"DELIVERY_MODE" default:"all"` // scheduler | api | all

	Redis      RedisConfig      `json:"redis"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Retry      RetryConfig      `json:"retry"`
	Breaker    BreakerConfig    `json:"breaker"`
	Alerting   AlertingConfig   `json:"alerting"`
	HTTP       HTTPConfig       `json:"http"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	Logging    LoggingConfig    `json:"logging"`
	Queue      QueueConfig      `json:"queue"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Security   SecurityConfig   `json:"security"`
}

type RedisConfig struct {
	URL          string        `json:"url" env:"DELIVERY_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
	KeyPrefix    string        `json:"keyPrefix" env:"DELIVERY_REDIS_PREFIX" default:"relaydeliver"`
	DialTimeout  time.Duration `json:"dialTimeout" env:"DELIVERY_REDIS_DIAL_TIMEOUT" default:"5s"`
	PoolSize     int           `json:"poolSize" env:"DELIVERY_REDIS_POOL_SIZE" default:"20"`
}

type SchedulerConfig struct {
	Workers            int           `json:"workers" env:"DELIVERY_WORKERS" default:"10"`
	PollInterval       time.Duration `json:"pollInterval" env:"DELIVERY_POLL_INTERVAL" default:"500ms"`
	DequeueBatchSize   int           `json:"dequeueBatchSize" env:"DELIVERY_DEQUEUE_BATCH" default:"20"`
	StuckThreshold     time.Duration `json:"stuckThreshold" env:"DELIVERY_STUCK_THRESHOLD" default:"5m"`
	StuckSweepInterval time.Duration `json:"stuckSweepInterval" env:"DELIVERY_STUCK_SWEEP_INTERVAL" default:"1m"`
	// DispatchTimeout bounds a single handler call. Spec default is 30s for
	// the webhook handler; other handler kinds may honour a shorter timeout
	// internally but never a longer one.
	DispatchTimeout time.Duration `json:"dispatchTimeout" env:"DELIVERY_DISPATCH_TIMEOUT" default:"30s"`
}

type RetryConfig struct {
	MaxAttempts     int           `json:"maxAttempts" env:"DELIVERY_RETRY_MAX_ATTEMPTS" default:"5"`
	InitialInterval time.Duration `json:"initialInterval" env:"DELIVERY_RETRY_INITIAL_INTERVAL" default:"1s"`
	MaxInterval     time.Duration `json:"maxInterval" env:"DELIVERY_RETRY_MAX_INTERVAL" default:"5m"`
	Multiplier      float64       `json:"multiplier" env:"DELIVERY_RETRY_MULTIPLIER" default:"2.0"`
	JitterFraction  float64       `json:"jitterFraction" env:"DELIVERY_RETRY_JITTER" default:"0.10"`
}

type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" env:"DELIVERY_BREAKER_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `json:"recoveryTimeout" env:"DELIVERY_BREAKER_RECOVERY_TIMEOUT" default:"60s"`
	SuccessThreshold int           `json:"successThreshold" env:"DELIVERY_BREAKER_SUCCESS_THRESHOLD" default:"3"`
	VolumeThreshold  int           `json:"volumeThreshold" env:"DELIVERY_BREAKER_VOLUME_THRESHOLD" default:"10"`
	MonitoringWindow time.Duration `json:"monitoringWindow" env:"DELIVERY_BREAKER_MONITORING_WINDOW" default:"5m"`
}

type AlertingConfig struct {
	Enabled            bool          `json:"enabled" env:"DELIVERY_ALERTING_ENABLED" default:"true"`
	DebounceWindow     time.Duration `json:"debounceWindow" env:"DELIVERY_ALERT_DEBOUNCE_WINDOW" default:"15m"`
	Cooldown           time.Duration `json:"cooldown" env:"DELIVERY_ALERT_COOLDOWN" default:"60m"`
	MaxAlertsPerWindow int           `json:"maxAlertsPerWindow" env:"DELIVERY_ALERT_MAX_PER_WINDOW" default:"3"`
	EscalationDelay    time.Duration `json:"escalationDelay" env:"DELIVERY_ALERT_ESCALATION_DELAY" default:"60m"`
	WebhookURL         string        `json:"webhookUrl" env:"DELIVERY_ALERT_WEBHOOK_URL"`
}

type HTTPConfig struct {
	Address         string        `json:"address" env:"DELIVERY_HTTP_ADDRESS" default:":8080"`
	ReadTimeout     time.Duration `json:"readTimeout" env:"DELIVERY_HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `json:"writeTimeout" env:"DELIVERY_HTTP_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" env:"DELIVERY_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	MaxPayloadBytes int64         `json:"maxPayloadBytes" env:"DELIVERY_HTTP_MAX_PAYLOAD_BYTES" default:"5242880"`
}

type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" env:"DELIVERY_TELEMETRY_ENABLED" default:"false"`
	Endpoint     string  `json:"endpoint" env:"DELIVERY_TELEMETRY_ENDPOINT,OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `json:"serviceName" env:"DELIVERY_TELEMETRY_SERVICE_NAME,OTEL_SERVICE_NAME" default:"relaydeliver-engine"`
	SamplingRate float64 `json:"samplingRate" env:"DELIVERY_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure     bool    `json:"insecure" env:"DELIVERY_TELEMETRY_INSECURE" default:"true"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"DELIVERY_LOG_LEVEL" default:"info"`
	Pretty bool   `json:"pretty" env:"DELIVERY_LOG_PRETTY" default:"false"`
}

type QueueConfig struct {
	TerminalRetention   time.Duration `json:"terminalRetention" env:"DELIVERY_QUEUE_TERMINAL_RETENTION" default:"72h"`
	CleanupInterval     time.Duration `json:"cleanupInterval" env:"DELIVERY_QUEUE_CLEANUP_INTERVAL" default:"15m"`
	BacklogWarnThreshold int          `json:"backlogWarnThreshold" env:"DELIVERY_QUEUE_BACKLOG_WARN" default:"1000"`
	BacklogCritThreshold int          `json:"backlogCritThreshold" env:"DELIVERY_QUEUE_BACKLOG_CRIT" default:"5000"`

	// Retention per terminal status. When
	// zero, TerminalRetention above is used for that status.
	CompletedRetention time.Duration `json:"completedRetention" env:"DELIVERY_QUEUE_COMPLETED_RETENTION" default:"24h"`
	FailedRetention    time.Duration `json:"failedRetention" env:"DELIVERY_QUEUE_FAILED_RETENTION" default:"168h"`
	CancelledRetention time.Duration `json:"cancelledRetention" env:"DELIVERY_QUEUE_CANCELLED_RETENTION" default:"24h"`

	// MetricsSampleInterval is how often the queue manager samples depth,
	// status distribution, and processing rate.
	MetricsSampleInterval time.Duration `json:"metricsSampleInterval" env:"DELIVERY_QUEUE_METRICS_INTERVAL" default:"30s"`

	// OldestPendingAgeWarnThreshold / ProcessingTimeWarnThreshold /
	// FailureRatePercentWarnThreshold feed the queue manager's threshold
	// alerting: value >= threshold*3 is critical, *2 is
	// high, *1.5 is medium.
	OldestPendingAgeWarnThreshold  time.Duration `json:"oldestPendingAgeWarnThreshold" env:"DELIVERY_QUEUE_OLDEST_PENDING_WARN" default:"10m"`
	ProcessingTimeWarnThreshold    time.Duration `json:"processingTimeWarnThreshold" env:"DELIVERY_QUEUE_PROCESSING_TIME_WARN" default:"30s"`
	FailureRatePercentWarnThreshold float64      `json:"failureRatePercentWarnThreshold" env:"DELIVERY_QUEUE_FAILURE_RATE_WARN" default:"10"`
}

// CoordinatorConfig bounds a single delivery request: payload size cap and
// max destinations per request.
type CoordinatorConfig struct {
	PayloadSizeLimitBytes     int64 `json:"payloadSizeLimitBytes" env:"DELIVERY_PAYLOAD_SIZE_LIMIT" default:"10485760"`
	MaxDestinationsPerRequest int   `json:"maxDestinationsPerRequest" env:"DELIVERY_MAX_DESTINATIONS_PER_REQUEST" default:"50"`
	IdempotencyTTL            time.Duration `json:"idempotencyTtl" env:"DELIVERY_IDEMPOTENCY_TTL" default:"168h"`
}

// SecurityConfig carries the engine's secret-management tunables: the
// encryption key is mandatory in production, and the webhook secret rotates
// on an interval.
type SecurityConfig struct {
	EncryptionKey          string        `json:"-" env:"DELIVERY_ENCRYPTION_KEY"`
	WebhookSecretRotation  time.Duration `json:"webhookSecretRotation" env:"DELIVERY_WEBHOOK_SECRET_ROTATION" default:"720h"`
}

// Option mutates a Config during NewConfig, applied after defaults and
// environment variables so options always win.
type Option func(*Config) error

// WithProfile overrides the detected profile.
func WithProfile(p Profile) Option {
	return func(c *Config) error {
		c.Profile = p
		return nil
	}
}

// WithMode overrides the runtime mode ("scheduler", "api", or "all").
func WithMode(mode string) Option {
	return func(c *Config) error {
		switch mode {
		case "scheduler", "api", "all":
			c.Mode = mode
			return nil
		default:
			return fmt.Errorf("config: invalid mode %q", mode)
		}
	}
}

// WithRedisURL overrides the Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithWorkers overrides the scheduler worker pool size.
func WithWorkers(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return fmt.Errorf("config: workers must be positive, got %d", n)
		}
		c.Scheduler.Workers = n
		return nil
	}
}

// DefaultConfig returns a Config populated with built-in defaults and an
// auto-detected profile, before environment variables are applied.
func DefaultConfig() *Config {
	cfg := &Config{
		Profile: ProfileDevelopment,
		Mode:    "all",
		Redis: RedisConfig{
			URL:         "redis://localhost:6379",
			KeyPrefix:   "relaydeliver",
			DialTimeout: 5 * time.Second,
			PoolSize:    20,
		},
		Scheduler: SchedulerConfig{
			Workers:            10,
			PollInterval:       500 * time.Millisecond,
			DequeueBatchSize:   20,
			StuckThreshold:     5 * time.Minute,
			StuckSweepInterval: time.Minute,
			DispatchTimeout:    30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:     5,
			InitialInterval: 1 * time.Second,
			MaxInterval:     5 * time.Minute,
			Multiplier:      2.0,
			JitterFraction:  0.10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 3,
			VolumeThreshold:  10,
			MonitoringWindow: 5 * time.Minute,
		},
		Alerting: AlertingConfig{
			Enabled:            true,
			DebounceWindow:     15 * time.Minute,
			Cooldown:           60 * time.Minute,
			MaxAlertsPerWindow: 3,
			EscalationDelay:    60 * time.Minute,
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxPayloadBytes: 5 << 20,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "relaydeliver-engine",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
		Queue: QueueConfig{
			TerminalRetention:    72 * time.Hour,
			CleanupInterval:      15 * time.Minute,
			BacklogWarnThreshold: 1000,
			BacklogCritThreshold: 5000,
			CompletedRetention:   24 * time.Hour,
			FailedRetention:      7 * 24 * time.Hour,
			CancelledRetention:   24 * time.Hour,
			MetricsSampleInterval:           30 * time.Second,
			OldestPendingAgeWarnThreshold:   10 * time.Minute,
			ProcessingTimeWarnThreshold:     30 * time.Second,
			FailureRatePercentWarnThreshold: 10,
		},
		Coordinator: CoordinatorConfig{
			PayloadSizeLimitBytes:     10 << 20,
			MaxDestinationsPerRequest: 50,
			IdempotencyTTL:            7 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			WebhookSecretRotation: 30 * 24 * time.Hour,
		},
	}

	cfg.detectProfile()
	return cfg
}

// detectProfile adjusts defaults for the environment it infers from
// conventional variables (DELIVERY_PROFILE, with CI as a secondary signal).
func (c *Config) detectProfile() {
	switch strings.ToLower(os.Getenv("DELIVERY_PROFILE")) {
	case "production", "prod":
		c.Profile = ProfileProduction
	case "staging":
		c.Profile = ProfileStaging
	case "test":
		c.Profile = ProfileTest
	case "development", "dev", "":
		if os.Getenv("CI") != "" {
			c.Profile = ProfileTest
			return
		}
		c.Profile = ProfileDevelopment
	}

	if c.Profile == ProfileProduction {
		c.Logging.Pretty = false
		c.Telemetry.Enabled = true
	}
	if c.Profile == ProfileDevelopment {
		c.Logging.Pretty = true
	}
}

func getenvAny(names ...string) (string, bool) {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v, true
		}
	}
	return "", false
}

func setDuration(dst *time.Duration, names ...string) error {
	v, ok := getenvAny(names...)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: invalid duration for %s: %w", names[0], err)
	}
	*dst = d
	return nil
}

func setInt(dst *int, names ...string) error {
	v, ok := getenvAny(names...)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: invalid int for %s: %w", names[0], err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, names ...string) error {
	v, ok := getenvAny(names...)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid int64 for %s: %w", names[0], err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, names ...string) error {
	v, ok := getenvAny(names...)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("config: invalid float for %s: %w", names[0], err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, names ...string) error {
	v, ok := getenvAny(names...)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: invalid bool for %s: %w", names[0], err)
	}
	*dst = b
	return nil
}

func setString(dst *string, names ...string) {
	if v, ok := getenvAny(names...); ok {
		*dst = v
	}
}

// LoadFromFile overlays a JSON or YAML config file onto c, overriding
// defaults but yielding to environment variables and functional options.
// The extension selects the decoder; any other extension is rejected.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config: unsupported config file extension %s", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("config: failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: failed to parse JSON config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config: failed to parse YAML config file: %w", err)
		}
	}
	return nil
}

// LoadFromEnv overlays environment variables onto c, overriding defaults.
// Unset variables leave the existing value untouched.
func (c *Config) LoadFromEnv() error {
	setString(&c.Mode, "DELIVERY_MODE")

	setString(&c.Redis.URL, "DELIVERY_REDIS_URL", "REDIS_URL")
	setString(&c.Redis.KeyPrefix, "DELIVERY_REDIS_PREFIX")
	if err := setDuration(&c.Redis.DialTimeout, "DELIVERY_REDIS_DIAL_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&c.Redis.PoolSize, "DELIVERY_REDIS_POOL_SIZE"); err != nil {
		return err
	}

	if err := setInt(&c.Scheduler.Workers, "DELIVERY_WORKERS"); err != nil {
		return err
	}
	if err := setDuration(&c.Scheduler.PollInterval, "DELIVERY_POLL_INTERVAL"); err != nil {
		return err
	}
	if err := setInt(&c.Scheduler.DequeueBatchSize, "DELIVERY_DEQUEUE_BATCH"); err != nil {
		return err
	}
	if err := setDuration(&c.Scheduler.StuckThreshold, "DELIVERY_STUCK_THRESHOLD"); err != nil {
		return err
	}
	if err := setDuration(&c.Scheduler.StuckSweepInterval, "DELIVERY_STUCK_SWEEP_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Scheduler.DispatchTimeout, "DELIVERY_DISPATCH_TIMEOUT"); err != nil {
		return err
	}

	if err := setInt(&c.Retry.MaxAttempts, "DELIVERY_RETRY_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := setDuration(&c.Retry.InitialInterval, "DELIVERY_RETRY_INITIAL_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Retry.MaxInterval, "DELIVERY_RETRY_MAX_INTERVAL"); err != nil {
		return err
	}
	if err := setFloat(&c.Retry.Multiplier, "DELIVERY_RETRY_MULTIPLIER"); err != nil {
		return err
	}
	if err := setFloat(&c.Retry.JitterFraction, "DELIVERY_RETRY_JITTER"); err != nil {
		return err
	}

	if err := setInt(&c.Breaker.FailureThreshold, "DELIVERY_BREAKER_FAILURE_THRESHOLD"); err != nil {
		return err
	}
	if err := setDuration(&c.Breaker.RecoveryTimeout, "DELIVERY_BREAKER_RECOVERY_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt(&c.Breaker.SuccessThreshold, "DELIVERY_BREAKER_SUCCESS_THRESHOLD"); err != nil {
		return err
	}
	if err := setInt(&c.Breaker.VolumeThreshold, "DELIVERY_BREAKER_VOLUME_THRESHOLD"); err != nil {
		return err
	}
	if err := setDuration(&c.Breaker.MonitoringWindow, "DELIVERY_BREAKER_MONITORING_WINDOW"); err != nil {
		return err
	}

	if err := setBool(&c.Alerting.Enabled, "DELIVERY_ALERTING_ENABLED"); err != nil {
		return err
	}
	if err := setDuration(&c.Alerting.DebounceWindow, "DELIVERY_ALERT_DEBOUNCE_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&c.Alerting.Cooldown, "DELIVERY_ALERT_COOLDOWN"); err != nil {
		return err
	}
	if err := setInt(&c.Alerting.MaxAlertsPerWindow, "DELIVERY_ALERT_MAX_PER_WINDOW"); err != nil {
		return err
	}
	if err := setDuration(&c.Alerting.EscalationDelay, "DELIVERY_ALERT_ESCALATION_DELAY"); err != nil {
		return err
	}
	setString(&c.Alerting.WebhookURL, "DELIVERY_ALERT_WEBHOOK_URL")

	setString(&c.HTTP.Address, "DELIVERY_HTTP_ADDRESS")
	if err := setDuration(&c.HTTP.ReadTimeout, "DELIVERY_HTTP_READ_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.WriteTimeout, "DELIVERY_HTTP_WRITE_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.HTTP.ShutdownTimeout, "DELIVERY_HTTP_SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}
	if err := setInt64(&c.HTTP.MaxPayloadBytes, "DELIVERY_HTTP_MAX_PAYLOAD_BYTES"); err != nil {
		return err
	}

	if err := setBool(&c.Telemetry.Enabled, "DELIVERY_TELEMETRY_ENABLED"); err != nil {
		return err
	}
	setString(&c.Telemetry.Endpoint, "DELIVERY_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Telemetry.ServiceName, "DELIVERY_TELEMETRY_SERVICE_NAME", "OTEL_SERVICE_NAME")
	if err := setFloat(&c.Telemetry.SamplingRate, "DELIVERY_TELEMETRY_SAMPLING_RATE"); err != nil {
		return err
	}
	if err := setBool(&c.Telemetry.Insecure, "DELIVERY_TELEMETRY_INSECURE"); err != nil {
		return err
	}

	setString(&c.Logging.Level, "DELIVERY_LOG_LEVEL")
	if err := setBool(&c.Logging.Pretty, "DELIVERY_LOG_PRETTY"); err != nil {
		return err
	}

	if err := setDuration(&c.Queue.TerminalRetention, "DELIVERY_QUEUE_TERMINAL_RETENTION"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.CleanupInterval, "DELIVERY_QUEUE_CLEANUP_INTERVAL"); err != nil {
		return err
	}
	if err := setInt(&c.Queue.BacklogWarnThreshold, "DELIVERY_QUEUE_BACKLOG_WARN"); err != nil {
		return err
	}
	if err := setInt(&c.Queue.BacklogCritThreshold, "DELIVERY_QUEUE_BACKLOG_CRIT"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.CompletedRetention, "DELIVERY_QUEUE_COMPLETED_RETENTION"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.FailedRetention, "DELIVERY_QUEUE_FAILED_RETENTION"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.CancelledRetention, "DELIVERY_QUEUE_CANCELLED_RETENTION"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.MetricsSampleInterval, "DELIVERY_QUEUE_METRICS_INTERVAL"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.OldestPendingAgeWarnThreshold, "DELIVERY_QUEUE_OLDEST_PENDING_WARN"); err != nil {
		return err
	}
	if err := setDuration(&c.Queue.ProcessingTimeWarnThreshold, "DELIVERY_QUEUE_PROCESSING_TIME_WARN"); err != nil {
		return err
	}
	if err := setFloat(&c.Queue.FailureRatePercentWarnThreshold, "DELIVERY_QUEUE_FAILURE_RATE_WARN"); err != nil {
		return err
	}

	if err := setInt64(&c.Coordinator.PayloadSizeLimitBytes, "DELIVERY_PAYLOAD_SIZE_LIMIT"); err != nil {
		return err
	}
	if err := setInt(&c.Coordinator.MaxDestinationsPerRequest, "DELIVERY_MAX_DESTINATIONS_PER_REQUEST"); err != nil {
		return err
	}
	if err := setDuration(&c.Coordinator.IdempotencyTTL, "DELIVERY_IDEMPOTENCY_TTL"); err != nil {
		return err
	}

	setString(&c.Security.EncryptionKey, "DELIVERY_ENCRYPTION_KEY")
	if err := setDuration(&c.Security.WebhookSecretRotation, "DELIVERY_WEBHOOK_SECRET_ROTATION"); err != nil {
		return err
	}

	return nil
}

// Validate checks invariants that must hold regardless of how the config
// was assembled.
func (c *Config) Validate() error {
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("config: scheduler.workers must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.maxAttempts must be >= 0")
	}
	if c.Retry.Multiplier <= 1.0 {
		return fmt.Errorf("config: retry.multiplier must be > 1.0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failureThreshold must be positive")
	}
	if c.Breaker.SuccessThreshold <= 0 {
		return fmt.Errorf("config: breaker.successThreshold must be positive")
	}
	if c.Breaker.VolumeThreshold <= 0 {
		return fmt.Errorf("config: breaker.volumeThreshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: breaker.recoveryTimeout must be positive")
	}
	if c.HTTP.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: http.maxPayloadBytes must be positive")
	}
	switch c.Mode {
	case "scheduler", "api", "all":
	default:
		return fmt.Errorf("config: mode must be one of scheduler|api|all, got %q", c.Mode)
	}
	if c.Coordinator.PayloadSizeLimitBytes <= 0 {
		return fmt.Errorf("config: coordinator.payloadSizeLimitBytes must be positive")
	}
	if c.Coordinator.MaxDestinationsPerRequest <= 0 {
		return fmt.Errorf("config: coordinator.maxDestinationsPerRequest must be positive")
	}
	if c.Profile == ProfileProduction && c.Security.EncryptionKey == "" {
		return fmt.Errorf("config: security.encryptionKey is mandatory in production")
	}
	return nil
}

// NewConfig assembles a Config from defaults, an optional config file,
// environment variables, and functional options, in that priority order,
// validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("DELIVERY_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("config: failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("config: failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}
