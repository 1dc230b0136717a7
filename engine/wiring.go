package engine

import (
	"github.com/flowkit/engine/checkpoint"
	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/resilience"
)

// newCheckpointStore selects a Checkpoint Store implementation from
// cfg.Checkpoint.Backend, matching the three backends the specification
// names in §4.7: an in-memory store for tests and single-process demos,
// Redis for low-latency durability, Postgres for queryable durability.
func newCheckpointStore(cfg *core.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "", "memory":
		return checkpoint.NewMemoryStore(), nil
	case "redis":
		return checkpoint.NewRedisStore(
			checkpoint.WithRedisURL(cfg.Checkpoint.RedisURL),
			checkpoint.WithKeyPrefix(cfg.Checkpoint.KeyPrefix),
			checkpoint.WithEventTTL(cfg.Checkpoint.TTL),
			checkpoint.WithStoreLogger(componentLogger(cfg.Logger(), "checkpoint.redis")),
		)
	case "postgres":
		return checkpoint.NewPostgresStore(cfg.Checkpoint.PostgresDSN)
	default:
		return nil, core.NewEngineError("engine.newCheckpointStore", "permanent", "config", core.ErrInvalidConfiguration)
	}
}

// newCircuitBreaker builds a resilience.CircuitBreaker named after the
// action kind it protects, sized from cfg.Resilience. ErrorClassifier is
// narrowed to the outcomes the Step Executor actually hands the breaker
// (core.IsRetryable) instead of resilience.DefaultErrorClassifier's
// generic infra-vs-user-error guess, so a step's own permanent_error
// (bad input, failed validation) never counts toward tripping the
// breaker — only the retriable failures a breaker is meant to shed load
// from do. Metrics is wired to a structured-logging collector rather
// than left at noopMetrics: this repo carries no otel/telemetry package
// (see DESIGN.md), so circuit breaker observability flows through
// core.Logger instead.
func newCircuitBreaker(cfg *core.Config, actionKind string, logger core.Logger) (core.CircuitBreaker, error) {
	cbLogger := componentLogger(logger, "resilience.circuit_breaker."+actionKind)

	cbConfig := resilience.DefaultConfig()
	cbConfig.Name = actionKind
	cbConfig.VolumeThreshold = cfg.Resilience.CircuitBreakerThreshold
	cbConfig.SleepWindow = cfg.Resilience.CircuitBreakerTimeout
	cbConfig.Logger = cbLogger
	cbConfig.ErrorClassifier = func(err error) bool { return core.IsRetryable(err) }
	cbConfig.Metrics = &loggingMetrics{logger: cbLogger}
	return resilience.NewCircuitBreaker(cbConfig)
}

// loggingMetrics implements resilience.MetricsCollector over core.Logger.
type loggingMetrics struct {
	logger core.Logger
}

func (m *loggingMetrics) RecordSuccess(name string) {}

func (m *loggingMetrics) RecordFailure(name string, errorType string) {
	m.logger.Debug("circuit breaker recorded failure", map[string]interface{}{"breaker": name, "error_type": errorType})
}

func (m *loggingMetrics) RecordStateChange(name string, from, to string) {
	m.logger.Info("circuit breaker state change", map[string]interface{}{"breaker": name, "from": from, "to": to})
}

func (m *loggingMetrics) RecordRejection(name string) {
	m.logger.Warn("circuit breaker rejected request", map[string]interface{}{"breaker": name})
}

// componentLogger tags logger with component if it supports tagging,
// otherwise returns it unchanged. Config.Logger() always returns a
// ComponentAwareLogger once built through core.NewConfig, but a
// zero-value core.Config falls back to core.NoOpLogger, which doesn't.
func componentLogger(logger core.Logger, component string) core.Logger {
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
