package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide configuration for an engine instance.
// It supports the same three-layer priority as the rest of the ambient
// stack:
//  1. Default values (lowest priority)
//  2. Environment variables
//  3. Functional options (highest priority)
type Config struct {
	// Name identifies this engine instance, used in logs and as the
	// default lease owner identity.
	Name string `json:"name" env:"ENGINE_NAME" default:"workflow-engine"`

	// Checkpoint configures the durable checkpoint store backend.
	Checkpoint CheckpointConfig `json:"checkpoint"`

	// Quota configures tenant and global concurrency bounds (C8).
	Quota QuotaConfig `json:"quota"`

	// Execution configures defaults applied to every StepSpec/WorkflowDef
	// that does not set its own value.
	Execution ExecutionConfig `json:"execution"`

	// Resilience configures retry/circuit-breaker defaults for action dispatch.
	Resilience ResilienceConfig `json:"resilience"`

	// Logging configures the ambient structured logger.
	Logging LoggingConfig `json:"logging"`

	// Development enables developer-friendly defaults.
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// CheckpointConfig selects and configures the checkpoint store (C7).
type CheckpointConfig struct {
	Backend     string        `json:"backend" env:"ENGINE_CHECKPOINT_BACKEND" default:"memory"` // memory|redis|postgres
	RedisURL    string        `json:"redis_url" env:"ENGINE_REDIS_URL,REDIS_URL"`
	PostgresDSN string        `json:"postgres_dsn" env:"ENGINE_POSTGRES_DSN"`
	KeyPrefix   string        `json:"key_prefix" env:"ENGINE_CHECKPOINT_PREFIX" default:"wfengine"`
	TTL         time.Duration `json:"ttl" env:"ENGINE_CHECKPOINT_TTL" default:"168h"`
	LeaseTTL    time.Duration `json:"lease_ttl" env:"ENGINE_LEASE_TTL" default:"30s"`
}

// QuotaConfig bounds concurrent steps/runs engine-wide and per tenant (C8).
type QuotaConfig struct {
	GlobalMaxInFlightSteps   int `json:"global_max_in_flight_steps" env:"ENGINE_GLOBAL_MAX_STEPS" default:"512"`
	TenantMaxConcurrentSteps int `json:"tenant_max_concurrent_steps" env:"ENGINE_TENANT_MAX_STEPS" default:"32"`
	TenantMaxConcurrentRuns  int `json:"tenant_max_concurrent_runs" env:"ENGINE_TENANT_MAX_RUNS" default:"8"`
}

// ExecutionConfig supplies fallbacks for WorkflowDef/StepSpec fields.
type ExecutionConfig struct {
	DefaultConcurrencyLimit int           `json:"default_concurrency_limit" env:"ENGINE_DEFAULT_CONCURRENCY" default:"8"`
	DefaultStepTimeout      time.Duration `json:"default_step_timeout" env:"ENGINE_DEFAULT_STEP_TIMEOUT" default:"60s"`
	GracePeriod             time.Duration `json:"grace_period" env:"ENGINE_GRACE_PERIOD" default:"2s"`
}

// ResilienceConfig defines retry/circuit-breaker defaults for action dispatch.
type ResilienceConfig struct {
	CircuitBreakerEnabled   bool          `json:"circuit_breaker_enabled" env:"ENGINE_CB_ENABLED" default:"false"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" env:"ENGINE_CB_THRESHOLD" default:"5"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout" env:"ENGINE_CB_TIMEOUT" default:"30s"`
	RetryMaxAttempts        int           `json:"retry_max_attempts" env:"ENGINE_RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialInterval    time.Duration `json:"retry_initial_interval" env:"ENGINE_RETRY_INITIAL_INTERVAL" default:"500ms"`
	RetryMaxInterval        time.Duration `json:"retry_max_interval" env:"ENGINE_RETRY_MAX_INTERVAL" default:"30s"`
	RetryMultiplier         float64       `json:"retry_multiplier" env:"ENGINE_RETRY_MULTIPLIER" default:"2.0"`
}

// LoggingConfig configures the ProductionLogger.
type LoggingConfig struct {
	Level  string `json:"level" env:"ENGINE_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"ENGINE_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"ENGINE_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig enables developer-friendly defaults.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"ENGINE_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"ENGINE_DEBUG" default:"false"`
}

// Option is a functional option for Config.
type Option func(*Config) error

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Name: "workflow-engine",
		Checkpoint: CheckpointConfig{
			Backend:   "memory",
			KeyPrefix: "wfengine",
			TTL:       7 * 24 * time.Hour,
			LeaseTTL:  30 * time.Second,
		},
		Quota: QuotaConfig{
			GlobalMaxInFlightSteps:   512,
			TenantMaxConcurrentSteps: 32,
			TenantMaxConcurrentRuns:  8,
		},
		Execution: ExecutionConfig{
			DefaultConcurrencyLimit: 8,
			DefaultStepTimeout:      60 * time.Second,
			GracePeriod:             2 * time.Second,
		},
		Resilience: ResilienceConfig{
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
			RetryMaxAttempts:        3,
			RetryInitialInterval:    500 * time.Millisecond,
			RetryMaxInterval:        30 * time.Second,
			RetryMultiplier:         2.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays environment variables onto the configuration.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ENGINE_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("ENGINE_CHECKPOINT_BACKEND"); v != "" {
		c.Checkpoint.Backend = v
	}
	if v := os.Getenv("ENGINE_REDIS_URL"); v != "" {
		c.Checkpoint.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Checkpoint.RedisURL = v
	}
	if v := os.Getenv("ENGINE_POSTGRES_DSN"); v != "" {
		c.Checkpoint.PostgresDSN = v
	}
	if v := os.Getenv("ENGINE_CHECKPOINT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Checkpoint.TTL = d
		}
	}
	if v := os.Getenv("ENGINE_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Checkpoint.LeaseTTL = d
		}
	}
	if v := os.Getenv("ENGINE_GLOBAL_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Quota.GlobalMaxInFlightSteps = n
		}
	}
	if v := os.Getenv("ENGINE_TENANT_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Quota.TenantMaxConcurrentSteps = n
		}
	}
	if v := os.Getenv("ENGINE_TENANT_MAX_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Quota.TenantMaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("ENGINE_DEFAULT_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.DefaultConcurrencyLimit = n
		}
	}
	if v := os.Getenv("ENGINE_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Execution.GracePeriod = d
		}
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ENGINE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ENGINE_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
	}
	if v := os.Getenv("ENGINE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}

	return c.Validate()
}

// LoadFromFile loads JSON configuration from path, overriding defaults/env.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}
	if !filepath.IsAbs(cleanPath) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cleanPath = filepath.Join(wd, cleanPath)
	}
	data, err := os.ReadFile(cleanPath) // nosec G304 -- path is cleaned above
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse JSON config file: %w", ErrInvalidConfiguration)
	}
	return nil
}

// Validate checks invariants on the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: "engine name is required", Err: ErrMissingConfiguration}
	}
	switch c.Checkpoint.Backend {
	case "memory":
	case "redis":
		if c.Checkpoint.RedisURL == "" {
			return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: "redis URL is required for the redis checkpoint backend", Err: ErrMissingConfiguration}
		}
	case "postgres":
		if c.Checkpoint.PostgresDSN == "" {
			return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: "postgres DSN is required for the postgres checkpoint backend", Err: ErrMissingConfiguration}
		}
	default:
		return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: fmt.Sprintf("unknown checkpoint backend %q", c.Checkpoint.Backend), Err: ErrInvalidConfiguration}
	}
	if c.Quota.GlobalMaxInFlightSteps < 1 {
		return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: "global_max_in_flight_steps must be >= 1", Err: ErrInvalidConfiguration}
	}
	if c.Execution.DefaultConcurrencyLimit < 1 {
		return &EngineError{Op: "Config.Validate", Class: "permanent", Code: "config", Message: "default_concurrency_limit must be >= 1", Err: ErrInvalidConfiguration}
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional options

func WithEngineName(name string) Option {
	return func(c *Config) error { c.Name = name; return nil }
}

func WithRedisCheckpoint(url string) Option {
	return func(c *Config) error {
		c.Checkpoint.Backend = "redis"
		c.Checkpoint.RedisURL = url
		return nil
	}
}

func WithPostgresCheckpoint(dsn string) Option {
	return func(c *Config) error {
		c.Checkpoint.Backend = "postgres"
		c.Checkpoint.PostgresDSN = dsn
		return nil
	}
}

func WithGlobalMaxInFlightSteps(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &EngineError{Op: "WithGlobalMaxInFlightSteps", Class: "permanent", Code: "config", Message: "must be >= 1", Err: ErrInvalidConfiguration}
		}
		c.Quota.GlobalMaxInFlightSteps = n
		return nil
	}
}

func WithTenantQuota(maxSteps, maxRuns int) Option {
	return func(c *Config) error {
		c.Quota.TenantMaxConcurrentSteps = maxSteps
		c.Quota.TenantMaxConcurrentRuns = maxRuns
		return nil
	}
}

func WithDefaultConcurrencyLimit(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return &EngineError{Op: "WithDefaultConcurrencyLimit", Class: "permanent", Code: "config", Message: "must be >= 1", Err: ErrInvalidConfiguration}
		}
		c.Execution.DefaultConcurrencyLimit = n
		return nil
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(c *Config) error { c.Execution.GracePeriod = d; return nil }
}

func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

func WithLogFormat(format string) Option {
	return func(c *Config) error { c.Logging.Format = format; return nil }
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

func WithConfigFile(path string) Option {
	return func(c *Config) error { return c.LoadFromFile(path) }
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

// NewConfig builds a Config from defaults, environment variables, then
// functional options (highest priority), validating the final result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		logger := NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
		if prodLogger, ok := logger.(*ProductionLogger); ok {
			trackLogger(prodLogger)
		}
		cfg.logger = logger
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the logger resolved during NewConfig.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// ============================================================================
// ProductionLogger
// ============================================================================

// ProductionLogger is the default Logger/ComponentAwareLogger implementation:
// JSON or text structured logs. When a MetricsRegistry has been installed
// via SetMetricsRegistry, the *WithContext methods merge its baggage into
// the logged fields; the logger itself emits no metrics.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	component   string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

// WithComponent returns a logger tagged with the given component name.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

// EnableMetrics is called once a MetricsRegistry is installed.
func (p *ProductionLogger) EnableMetrics() { p.metricsEnabled = true }

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, p.withTraceFields(ctx, fields))
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, p.withTraceFields(ctx, fields))
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, p.withTraceFields(ctx, fields))
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, p.withTraceFields(ctx, fields))
	}
}

func (p *ProductionLogger) withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	if globalMetricsRegistry == nil {
		return fields
	}
	baggage := globalMetricsRegistry.GetBaggage(ctx)
	if len(baggage) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+len(baggage))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range baggage {
		merged[k] = v
	}
	return merged
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		if p.component != "" {
			entry["component"] = p.component
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for k, v := range fields {
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	component := p.component
	if component == "" {
		component = p.serviceName
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, component, msg, b.String())
}
