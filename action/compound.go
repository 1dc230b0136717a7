package action

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// parallel_group is a compound action kind: fanning N child step
// activations out into the DAG is the Workflow Executor's responsibility
// (it owns the planner and the concurrency slots), not this handler's.
// executor.expandGroups splices a parallel_group step into its children
// plus a join (using ExpandChildIDs to name them) before the DAG Planner
// ever sees it, so Run here only guards the case a group step reaches
// the Action Registry directly — expansion skipped, or dispatched
// outside a Workflow Executor entirely — which is always a defect.
func parallelGroupKind() *Kind {
	return &Kind{
		Name: "parallel_group",
		ValidateConfig: func(config value.Value) error {
			children, ok := configField(config, "children")
			if !ok {
				return fmt.Errorf("config.children is required")
			}
			if list, ok := children.AsList(); !ok || len(list) == 0 {
				return fmt.Errorf("config.children must be a non-empty list")
			}
			policy := optionalTextField(config, "completion_policy", "first_failure")
			if policy != "all_success" && policy != "first_failure" {
				return fmt.Errorf("config.completion_policy must be all_success or first_failure")
			}
			return nil
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			return Result{Outcome: PermanentError, Err: &core.EngineError{Op: "action.parallel_group", Class: "permanent", Code: "action_must_be_expanded", Message: "parallel_group must be expanded by the workflow executor, not dispatched directly", Err: core.ErrPermanent}}
		},
		EstimatedCost: func(config value.Value) float64 {
			if children, ok := configField(config, "children"); ok {
				if list, ok := children.AsList(); ok {
					return float64(len(list))
				}
			}
			return 1.0
		},
	}
}

// ExpandChildIDs returns the deterministic child step ids a
// parallel_group step expands into, sharing the parent id as a prefix,
// so the Workflow Executor and DAG Planner agree on naming without this
// package depending on either.
func ExpandChildIDs(parentStepID string, childCount int) []string {
	ids := make([]string, childCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s/%d", parentStepID, i)
	}
	return ids
}

// CompletionPolicy reads a parallel_group's configured completion policy.
func CompletionPolicy(config value.Value) string {
	return optionalTextField(config, "completion_policy", "first_failure")
}

// wait suspends for a wall-clock duration (config.duration_seconds) or
// for an external signal (config.signal_name). The Workflow Executor
// admits a wait step through the Tenant Scheduler like any other step, so
// the step holds its tenant and global step slots, and a run concurrency
// slot, for the whole suspension. Both suspension forms are cancellable
// via ctx.
func waitKind(c *collaborators) *Kind {
	return &Kind{
		Name: "wait",
		ValidateConfig: func(config value.Value) error {
			_, hasDuration := configField(config, "duration_seconds")
			_, hasSignal := configField(config, "signal_name")
			if hasDuration == hasSignal {
				return fmt.Errorf("exactly one of config.duration_seconds or config.signal_name must be set")
			}
			return nil
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if signalName := optionalTextField(config, "signal_name", ""); signalName != "" {
				if c.signals == nil {
					return Result{Outcome: PermanentError, Err: core.NewEngineError("action.wait", "permanent", "action_unconfigured", core.ErrMissingConfiguration)}
				}
				payload, err := c.signals.WaitForSignal(ctx, key.RunID, signalName)
				if err != nil {
					if ctx.Err() != nil {
						return Result{Outcome: Cancelled, Err: core.NewEngineError("action.wait", "cancelled", "action_cancelled", core.ErrCancelled)}
					}
					return Result{Outcome: RetriableError, Err: core.NewEngineError("action.wait", "retriable", "action_signal_wait_failed", err)}
				}
				return Result{Outcome: Success, Output: payload}
			}

			seconds := int64(0)
			if f, ok := configField(config, "duration_seconds"); ok {
				seconds, _ = f.AsInt()
			}
			timer := time.NewTimer(time.Duration(seconds) * time.Second)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Result{Outcome: Cancelled, Err: core.NewEngineError("action.wait", "cancelled", "action_cancelled", core.ErrCancelled)}
			case <-timer.C:
				return Result{Outcome: Success, Output: value.Null()}
			}
		},
		EstimatedCost: func(config value.Value) float64 { return 0.0 },
	}
}

// sub_workflow invokes another WorkflowDef with mapped inputs; the
// supplied SubWorkflowRunner is responsible for propagating ctx
// cancellation transitively into the nested run.
func subWorkflowKind(c *collaborators) *Kind {
	return &Kind{
		Name: "sub_workflow",
		ValidateConfig: func(config value.Value) error {
			_, err := requireTextField(config, "workflow_id")
			return err
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if c.subRun == nil {
				return Result{Outcome: PermanentError, Err: core.NewEngineError("action.sub_workflow", "permanent", "action_unconfigured", core.ErrMissingConfiguration)}
			}
			workflowID, _ := requireTextField(config, "workflow_id")
			out, err := c.subRun.RunSubWorkflow(ctx, workflowID, inputs)
			if err != nil {
				if ctx.Err() != nil {
					return Result{Outcome: Cancelled, Err: core.NewEngineError("action.sub_workflow", "cancelled", "action_cancelled", core.ErrCancelled)}
				}
				if core.IsPermanent(err) {
					return Result{Outcome: PermanentError, Err: core.NewEngineError("action.sub_workflow", "permanent", "action_sub_workflow_failed", err)}
				}
				return Result{Outcome: RetriableError, Err: core.NewEngineError("action.sub_workflow", "retriable", "action_sub_workflow_failed", err)}
			}
			return Result{Outcome: Success, Output: out}
		},
		EstimatedCost: func(config value.Value) float64 { return 2.0 },
	}
}
