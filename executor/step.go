// Package executor implements the Step Executor (C5) and Workflow
// Executor (C6): resolving a step's inputs, dispatching to the Action
// Registry with retry/backoff and circuit-breaker protection, and
// driving a run's DAG to completion against the Checkpoint Store and
// Tenant Scheduler.
//
// Grounded on the teacher's SmartExecutor (orchestration/executor.go)
// for the overall retry-then-classify loop shape, generalized from its
// fixed routing-plan step types to the open Action Registry, and wired to
// a per-action-kind core.CircuitBreaker (resilience.NewCircuitBreaker)
// around dispatch. sleepBackoff implements its own exponential-backoff-
// with-jitter rather than calling resilience.Retry: that helper retries a
// bare fn() error to success/exhaustion and has no hook for checkpointing
// each attempt transition or classifying an outcome into the five-way
// success/cancelled/timed_out/retriable/permanent split this loop needs,
// so the two aren't interchangeable.
package executor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/flowkit/engine/action"
	"github.com/flowkit/engine/checkpoint"
	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

// StepResult is the terminal outcome of one step activation (possibly
// after several internal retries).
type StepResult struct {
	StepID   string
	Attempts int
	Outcome  action.Outcome
	Output   value.Value
	Err      error
	Partial  bool // true if the step was cancelled because the run's context was cancelled; no grace period is applied
}

// StepExecutor runs one step to a terminal outcome.
type StepExecutor struct {
	registry *action.Registry
	store    checkpoint.Store
	breakers map[string]core.CircuitBreaker
	logger   core.Logger
	rand     *rand.Rand
}

// StepExecutorOption configures a StepExecutor.
type StepExecutorOption func(*StepExecutor)

// WithCircuitBreaker installs a circuit breaker that guards dispatch of
// actionKind, per the specification's circuit-breaker-around-handlers
// supplemented feature. Kinds without a configured breaker dispatch
// directly.
func WithCircuitBreaker(actionKind string, cb core.CircuitBreaker) StepExecutorOption {
	return func(e *StepExecutor) { e.breakers[actionKind] = cb }
}

func WithStepLogger(logger core.Logger) StepExecutorOption {
	return func(e *StepExecutor) { e.logger = logger }
}

// NewStepExecutor builds a StepExecutor dispatching through registry and
// checkpointing to store.
func NewStepExecutor(registry *action.Registry, store checkpoint.Store, opts ...StepExecutorOption) *StepExecutor {
	e := &StepExecutor{
		registry: registry,
		store:    store,
		breakers: make(map[string]core.CircuitBreaker),
		rand:     rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Activation carries everything Run needs beyond the StepSpec itself:
// the run this step belongs to, the already-expression-resolved input
// Value (the caller owns expression evaluation against the run's
// Steps/Inputs/Vars/Context scope), and attemptBucket — constant across
// every retry of this activation, incrementing only if the Workflow
// Executor restarts the step from a crash-recovery replay. Run derives the
// inputs' content hash itself, from Inputs.
type Activation struct {
	RunID         string
	Spec          workflow.StepSpec
	Inputs        value.Value
	AttemptBucket int
	GlobalDeadline time.Time
}

// Run drives one step activation to a terminal StepResult, retrying
// retriable_error/timed_out outcomes per the step's RetryPolicy and
// checkpointing every transition per §4.5.
func (e *StepExecutor) Run(ctx context.Context, act Activation) StepResult {
	contentHash := act.Inputs.Hash()
	key := action.IdempotencyKey{
		RunID:         act.RunID,
		StepID:        act.Spec.ID,
		AttemptBucket: act.AttemptBucket,
		ContentHash:   contentHash,
	}

	policy := act.Spec.Retry
	if policy.MaxAttempts < 1 {
		policy = workflow.DefaultRetryPolicy()
	}

	for attempt := 1; ; attempt++ {
		deadline := act.Spec.Timeout
		stepDeadline := time.Now().Add(deadline)
		if !act.GlobalDeadline.IsZero() && act.GlobalDeadline.Before(stepDeadline) {
			stepDeadline = act.GlobalDeadline
		}
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(stepDeadline) {
			stepDeadline = ctxDeadline
		}

		stepCtx, cancel := context.WithDeadline(ctx, stepDeadline)
		e.checkpoint(stepCtx, act.RunID, checkpoint.StepRunning, act.Spec.ID, attempt, value.Null())

		result := e.dispatch(stepCtx, act.Spec.ActionKind, key, act.Spec.Config, act.Inputs)
		cancel()

		switch result.Outcome {
		case action.Success:
			e.checkpoint(ctx, act.RunID, checkpoint.StepSucceeded, act.Spec.ID, attempt, result.Output)
			return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.Success, Output: result.Output}

		case action.Cancelled:
			e.checkpoint(ctx, act.RunID, checkpoint.StepCancelled, act.Spec.ID, attempt, value.Null())
			return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.Cancelled, Err: result.Err, Partial: ctx.Err() != nil}

		case action.TimedOut:
			if !policy.OnTimeout || attempt >= policy.MaxAttempts {
				e.checkpoint(ctx, act.RunID, checkpoint.StepFailed, act.Spec.ID, attempt, failurePayload(result.Err))
				return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.TimedOut, Err: result.Err}
			}
			if !e.sleepBackoff(ctx, policy, attempt, act.RunID, act.Spec.ID) {
				return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.Cancelled, Err: core.NewEngineError("executor.Run", "cancelled", "action_cancelled", core.ErrCancelled)}
			}
			continue

		case action.RetriableError:
			if attempt >= policy.MaxAttempts {
				e.checkpoint(ctx, act.RunID, checkpoint.StepFailed, act.Spec.ID, attempt, failurePayload(result.Err))
				return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.RetriableError, Err: result.Err}
			}
			if !e.sleepBackoff(ctx, policy, attempt, act.RunID, act.Spec.ID) {
				return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.Cancelled, Err: core.NewEngineError("executor.Run", "cancelled", "action_cancelled", core.ErrCancelled)}
			}
			continue

		default: // action.PermanentError
			e.checkpoint(ctx, act.RunID, checkpoint.StepFailed, act.Spec.ID, attempt, failurePayload(result.Err))
			return StepResult{StepID: act.Spec.ID, Attempts: attempt, Outcome: action.PermanentError, Err: result.Err}
		}
	}
}

// EstimatedCost forwards to the underlying Action Registry, so the
// Workflow Executor can pass a step's real cost to the Tenant Scheduler
// without reaching into the registry directly.
func (e *StepExecutor) EstimatedCost(actionKind string, config value.Value) float64 {
	return e.registry.EstimatedCost(actionKind, config)
}

func (e *StepExecutor) dispatch(ctx context.Context, actionKind string, key action.IdempotencyKey, config, inputs value.Value) action.Result {
	kind, ok := e.registry.Get(actionKind)
	if !ok {
		return action.Result{Outcome: action.PermanentError, Err: core.NewEngineError("executor.dispatch", "permanent", "action_unknown", core.ErrUnknownAction)}
	}

	if cb, ok := e.breakers[actionKind]; ok {
		var result action.Result
		err := cb.Execute(ctx, func() error {
			result = kind.Run(ctx, key, config, inputs)
			if result.Outcome == action.RetriableError || result.Outcome == action.TimedOut {
				return result.Err
			}
			return nil
		})
		if err != nil && errIsCircuitOpen(err) {
			return action.Result{Outcome: action.RetriableError, Err: core.NewEngineError("executor.dispatch", "retriable", "action_circuit_open", core.ErrCircuitBreakerOpen)}
		}
		return result
	}

	return kind.Run(ctx, key, config, inputs)
}

func errIsCircuitOpen(err error) bool {
	return err != nil && errors.Is(err, core.ErrCircuitBreakerOpen)
}

// sleepBackoff waits min(initial * multiplier^(attempt-1), max) * (1 ± jitter),
// cancellably. Returns false if ctx was cancelled first.
func (e *StepExecutor) sleepBackoff(ctx context.Context, policy workflow.RetryPolicy, attempt int, runID, stepID string) bool {
	delay := time.Duration(float64(policy.InitialBackoff) * math.Pow(policy.Multiplier, float64(attempt-1)))
	if delay > policy.MaxBackoff {
		delay = policy.MaxBackoff
	}
	if policy.JitterFraction > 0 {
		jitter := (e.rand.Float64()*2 - 1) * policy.JitterFraction
		delay = time.Duration(float64(delay) * (1 + jitter))
	}
	if delay < 0 {
		delay = 0
	}

	e.checkpoint(ctx, runID, checkpoint.StepRetryScheduled, stepID, attempt+1, value.Null())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *StepExecutor) checkpoint(ctx context.Context, runID string, eventType checkpoint.EventType, stepID string, attempt int, payload value.Value) {
	if e.store == nil {
		return
	}
	_, err := e.store.Append(ctx, checkpoint.Event{
		RunID:   runID,
		Type:    eventType,
		StepID:  stepID,
		Attempt: attempt,
		Payload: payload,
	})
	if err != nil && e.logger != nil {
		e.logger.Warn("checkpoint append failed", map[string]interface{}{"run_id": runID, "step_id": stepID, "event": string(eventType), "error": err.Error()})
	}
}

func failurePayload(err error) value.Value {
	if err == nil {
		return value.Null()
	}
	return value.Map(map[string]value.Value{"error": value.Text(err.Error())})
}
