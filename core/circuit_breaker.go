// Package core provides fundamental abstractions and interfaces shared
// across the workflow engine.
//
// This file defines the CircuitBreaker interface and related types used
// to protect action dispatch (C5, the Step Executor) from cascading
// failures in downstream tool/agent calls.
//
// Circuit Breaker Pattern:
// The circuit breaker acts as a proxy that monitors failures and temporarily
// blocks requests when a failure threshold is reached. States:
// 1. Closed: Normal operation, requests pass through
// 2. Open: Threshold exceeded, requests fail immediately
// 3. Half-Open: Testing if service recovered, limited requests allowed
package core

import (
	"context"
	"time"
)

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// Implementations should protect against cascading failures by temporarily
// blocking requests when a threshold of failures is reached.
type CircuitBreaker interface {
	// Execute runs the provided function with circuit breaker protection.
	// If the circuit is open, it returns ErrCircuitBreakerOpen immediately.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs the function with both circuit breaker protection
	// and a timeout. This is useful for operations that might hang.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current circuit breaker state as a string.
	// Possible values: "closed", "open", "half-open"
	GetState() string

	// GetMetrics returns current metrics about the circuit breaker.
	GetMetrics() map[string]interface{}

	// Reset manually resets the circuit breaker to closed state.
	Reset()

	// CanExecute returns true if the circuit breaker would allow execution.
	CanExecute() bool
}

// CircuitBreakerParams provides parameters for circuit breaker implementations.
type CircuitBreakerParams struct {
	// Name identifies the circuit breaker (for logging/metrics), typically
	// the action kind it protects, e.g. "invoke_agent", "run_command".
	Name string

	Config ResilienceConfig

	Logger    Logger
	Telemetry Telemetry
}

// DefaultCircuitBreakerParams returns sensible defaults for a circuit
// breaker named after the action kind it protects.
func DefaultCircuitBreakerParams(name string) CircuitBreakerParams {
	return CircuitBreakerParams{
		Name: name,
		Config: ResilienceConfig{
			CircuitBreakerEnabled:   true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   30 * time.Second,
		},
	}
}
