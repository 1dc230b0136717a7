package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrRetriable is retryable", ErrRetriable, true},
		{"ErrTimedOut is retryable", ErrTimedOut, true},
		{"ErrCheckpointUnavailable is retryable", ErrCheckpointUnavailable, true},
		{"wrapped retriable error is retryable", fmt.Errorf("call failed: %w", ErrRetriable), true},
		{"ErrPermanent is not retryable", ErrPermanent, false},
		{"ErrInvalidConfiguration is not retryable", ErrInvalidConfiguration, false},
		{"custom error is not retryable", errors.New("custom error"), false},
		{"nil error is not retryable", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrPermanent is permanent", ErrPermanent, true},
		{"ErrUnbound is permanent", ErrUnbound, true},
		{"ErrExprType is permanent", ErrExprType, true},
		{"ErrOutOfRange is permanent", ErrOutOfRange, true},
		{"ErrPromptInjectionBlocked is permanent", ErrPromptInjectionBlocked, true},
		{"wrapped permanent error is detected", fmt.Errorf("resolve failed: %w", ErrUnbound), true},
		{"ErrRetriable is not permanent", ErrRetriable, false},
		{"nil error is not permanent", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.expected {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsDefinitionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrCycle is a definition error", ErrCycle, true},
		{"ErrUnknownAction is a definition error", ErrUnknownAction, true},
		{"ErrMissingDep is a definition error", ErrMissingDep, true},
		{"ErrDuplicateStep is a definition error", ErrDuplicateStep, true},
		{"ErrRetriable is not a definition error", ErrRetriable, false},
		{"nil error is not a definition error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDefinitionError(tt.err); got != tt.expected {
				t.Errorf("IsDefinitionError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsConfigurationError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrInvalidConfiguration is configuration error", ErrInvalidConfiguration, true},
		{"ErrMissingConfiguration is configuration error", ErrMissingConfiguration, true},
		{"wrapped configuration error is detected", fmt.Errorf("config validation failed: %w", ErrInvalidConfiguration), true},
		{"ErrCycle is not configuration error", ErrCycle, false},
		{"custom error is not configuration error", errors.New("random error"), false},
		{"nil error is not configuration error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConfigurationError(tt.err); got != tt.expected {
				t.Errorf("IsConfigurationError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	baseErr := ErrUnbound
	wrappedOnce := fmt.Errorf("resolving inputs.name failed: %w", baseErr)
	wrappedTwice := fmt.Errorf("step activation failed: %w", wrappedOnce)

	if !IsPermanent(baseErr) || !IsPermanent(wrappedOnce) || !IsPermanent(wrappedTwice) {
		t.Error("unbound expression error should be permanent at every wrapping depth")
	}
	if !errors.Is(wrappedTwice, ErrUnbound) {
		t.Error("errors.Is should work through multiple wrapping layers")
	}
}

func TestEngineError(t *testing.T) {
	base := errors.New("connection refused")
	e := NewEngineError("executor.RunStep", "retriable", "transport_error", base)
	e.StepID = "fetch-weather"

	if !errors.Is(e, base) {
		t.Error("EngineError should unwrap to its cause")
	}
	want := "executor.RunStep [step=fetch-weather]: transport_error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func BenchmarkIsRetryable(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrTimedOut)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsRetryable(err)
	}
}

func BenchmarkIsPermanent(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", ErrUnbound)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsPermanent(err)
	}
}
