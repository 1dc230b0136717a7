// The Workflow Executor (C6) drives one run's dag.Planner to completion:
// computing ready-sets, admitting steps through the Tenant Scheduler,
// dispatching them through the StepExecutor, folding outputs back into
// the expression scope, and checkpointing run-level transitions.
//
// Grounded on the teacher's WorkflowEngine (orchestration/workflow_dag.go
// and orchestration/executor.go) for the ready-loop-over-a-planner shape,
// generalized to drive an open dag.Planner/action.Registry pair instead
// of the teacher's fixed routing plan, and wired to quota.Scheduler for
// the tenant admission control the teacher's engine didn't have.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowkit/engine/action"
	"github.com/flowkit/engine/checkpoint"
	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/dag"
	"github.com/flowkit/engine/expr"
	"github.com/flowkit/engine/quota"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

// RunOutcome is the terminal result of one workflow run.
type RunOutcome struct {
	RunID      string
	Status     string // "succeeded" | "failed" | "cancelled"
	FailedStep string
	Steps      map[string]StepResult
}

// WorkflowExecutor drives runs of any WorkflowDef to completion.
type WorkflowExecutor struct {
	steps     *StepExecutor
	scheduler *quota.Scheduler
	store     checkpoint.Store
	logger    core.Logger
}

// WorkflowExecutorOption configures a WorkflowExecutor.
type WorkflowExecutorOption func(*WorkflowExecutor)

func WithWorkflowLogger(logger core.Logger) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.logger = logger }
}

// NewWorkflowExecutor builds a WorkflowExecutor that dispatches steps
// through steps, admits concurrency through scheduler, and checkpoints to
// store.
func NewWorkflowExecutor(steps *StepExecutor, scheduler *quota.Scheduler, store checkpoint.Store, opts ...WorkflowExecutorOption) *WorkflowExecutor {
	e := &WorkflowExecutor{steps: steps, scheduler: scheduler, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type tenantCtxKey struct{}

// ContextTenantID recovers the tenant id Execute stamped onto ctx, so a
// collaborator invoked deep in the dispatch chain (notably
// action.SubWorkflowRunner, which the specification's sub_workflow action
// kind calls into) can recurse into another Execute call under the same
// tenant without threading tenantID through every intervening signature.
func ContextTenantID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantCtxKey{}).(string)
	return v, ok
}

// runContext carries the mutable state one Execute call threads through
// its ready-loop: the planner, the growing expression scope, and the
// concurrency gate each launched step must release when it finishes.
type runContext struct {
	runID      string
	tenantID   string
	def        *workflow.WorkflowDef
	planner    *dag.Planner
	scope      *expr.Scope
	globalDead time.Time
	groups     map[string]groupInfo

	mu      sync.Mutex
	results map[string]StepResult
}

// Execute runs def to completion for runID under tenantID, seeding the
// expression scope's inputs/context roots from inputs and ctxVars, and
// returns once every step has reached a terminal state or ctx ends the
// run early.
func (e *WorkflowExecutor) Execute(ctx context.Context, runID, tenantID string, def *workflow.WorkflowDef, inputs map[string]value.Value, ctxVars map[string]value.Value) (RunOutcome, error) {
	ctx = context.WithValue(ctx, tenantCtxKey{}, tenantID)

	expandedDef, groups, err := expandGroups(def)
	if err != nil {
		return RunOutcome{RunID: runID, Status: "failed"}, err
	}
	def = expandedDef

	planner, err := dag.New(def)
	if err != nil {
		return RunOutcome{RunID: runID, Status: "failed"}, err
	}

	scope := expr.NewScope()
	for k, v := range inputs {
		scope.Inputs[k] = v
	}
	for k, v := range ctxVars {
		scope.Context[k] = v
	}
	scope.Context["run_id"] = value.Text(runID)
	scope.Context["tenant_id"] = value.Text(tenantID)

	var globalDeadline time.Time
	if def.GlobalTimeout > 0 {
		globalDeadline = time.Now().Add(def.GlobalTimeout)
	}

	rc := &runContext{
		runID:      runID,
		tenantID:   tenantID,
		def:        def,
		planner:    planner,
		scope:      scope,
		globalDead: globalDeadline,
		groups:     groups,
		results:    make(map[string]StepResult),
	}

	e.checkpoint(ctx, runID, checkpoint.RunCreated, "", 0, value.Null())
	e.checkpoint(ctx, runID, checkpoint.RunStarted, "", 0, value.Null())

	if !globalDeadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, globalDeadline)
		defer cancel()
	}

	e.runLoop(ctx, rc)

	outcome := e.finalize(rc)
	e.checkpoint(context.Background(), runID, checkpoint.RunFinished, "", 0,
		value.Map(map[string]value.Value{"status": value.Text(outcome.Status)}))
	return outcome, nil
}

// runLoop repeatedly computes the ready-set, admits and launches every
// ready step concurrently (bounded by def.ConcurrencyLimit and the Tenant
// Scheduler), and waits for at least one to finish before recomputing,
// until the planner reports every step terminal or ctx ends.
func (e *WorkflowExecutor) runLoop(ctx context.Context, rc *runContext) {
	inFlight := make(chan struct{}, rc.def.ConcurrencyLimit)
	done := make(chan string, len(rc.def.Steps)+1)
	launched := make(map[string]bool)

	for {
		if rc.planner.Done() {
			return
		}
		if ctx.Err() != nil {
			e.cancelRemaining(rc)
			return
		}

		for _, spec := range rc.planner.Ready() {
			if launched[spec.ID] {
				continue
			}
			launched[spec.ID] = true
			rc.planner.MarkRunning(spec.ID)
			e.checkpoint(ctx, rc.runID, checkpoint.StepReady, spec.ID, 0, value.Null())

			spec := spec
			inFlight <- struct{}{}
			go func() {
				defer func() { <-inFlight }()
				e.runOneStep(ctx, rc, spec)
				done <- spec.ID
			}()
		}

		select {
		case <-done:
		case <-ctx.Done():
			e.cancelRemaining(rc)
			return
		}
	}
}

// runOneStep admits quota for one step, dispatches it through the
// StepExecutor once its inputs resolve, folds the outcome back into the
// shared scope, and applies its on_error policy to the planner. A
// parallel_group step never reaches the Action Registry: expandGroups
// rewired it to depend on its own expanded children, so by the time it is
// ready every child result is already in rc.results, and runOneStep's
// only job is to fold them into one join result per the group's
// completion policy.
func (e *WorkflowExecutor) runOneStep(ctx context.Context, rc *runContext, spec workflow.StepSpec) {
	if group, ok := rc.groups[spec.ID]; ok {
		e.runGroupJoin(rc, spec, group)
		return
	}

	cost := e.steps.EstimatedCost(spec.ActionKind, spec.Config)
	decision, release, err := e.scheduler.AdmitStep(ctx, rc.tenantID, cost)
	if err != nil {
		e.recordFailure(rc, spec, err)
		return
	}
	if decision == quota.Wait {
		release, err = e.scheduler.WaitForStep(ctx, rc.tenantID, cost)
		if err != nil {
			e.recordFailure(rc, spec, err)
			return
		}
	}
	defer release()

	inputs, err := e.resolveInputs(rc, spec)
	if err != nil {
		e.recordFailure(rc, spec, err)
		return
	}

	result := e.steps.Run(ctx, Activation{
		RunID:          rc.runID,
		Spec:           spec,
		Inputs:         inputs,
		AttemptBucket:  0,
		GlobalDeadline: rc.globalDead,
	})

	rc.mu.Lock()
	rc.results[spec.ID] = result
	rc.mu.Unlock()

	switch result.Outcome {
	case action.Success:
		rc.mu.Lock()
		rc.scope.Steps[spec.ID] = value.Map(map[string]value.Value{"output": result.Output})
		rc.mu.Unlock()
		rc.planner.MarkSucceeded(spec.ID)
	case action.Cancelled:
		rc.planner.MarkCancelled(spec.ID)
	default:
		e.applyOnError(rc, spec, result)
	}
}

// runGroupJoin folds a parallel_group's already-terminal children
// (guaranteed terminal because expandGroups made the join depend on all
// of them) into one StepResult per the group's completion_policy, then
// dispositions it exactly like a dispatched step: success publishes an
// output list (one entry per child, in config order) to the scope, any
// child cancellation cancels the group, and any child failure routes
// through applyOnError so the group's own on_error mode still governs its
// dependents.
func (e *WorkflowExecutor) runGroupJoin(rc *runContext, spec workflow.StepSpec, group groupInfo) {
	rc.mu.Lock()
	childResults := make([]StepResult, len(group.childIDs))
	for i, id := range group.childIDs {
		childResults[i] = rc.results[id]
	}
	rc.mu.Unlock()

	result := foldGroupResult(spec.ID, group, childResults)

	rc.mu.Lock()
	rc.results[spec.ID] = result
	rc.mu.Unlock()

	switch result.Outcome {
	case action.Success:
		rc.mu.Lock()
		rc.scope.Steps[spec.ID] = value.Map(map[string]value.Value{"output": result.Output})
		rc.mu.Unlock()
		rc.planner.MarkSucceeded(spec.ID)
	case action.Cancelled:
		rc.planner.MarkCancelled(spec.ID)
	default:
		e.applyOnError(rc, spec, result)
	}
}

// foldGroupResult implements the group's all-success-or-fail semantics:
// the group succeeds only if every child succeeded; any child
// cancellation cancels the group outright (global deadline / run
// cancellation already hit every in-flight child); otherwise the group
// fails, reporting either just the first child's error
// (completion_policy: first_failure, the §9 default) or every failing
// child's error joined together (all_success).
func foldGroupResult(groupID string, group groupInfo, childResults []StepResult) StepResult {
	outputs := make([]value.Value, len(childResults))
	var failed []StepResult
	cancelled := false

	for i, r := range childResults {
		outputs[i] = r.Output
		switch r.Outcome {
		case action.Success:
		case action.Cancelled:
			cancelled = true
		default:
			failed = append(failed, r)
		}
	}

	if cancelled {
		return StepResult{StepID: groupID, Outcome: action.Cancelled, Err: core.NewEngineError("executor.parallel_group", "cancelled", "action_cancelled", core.ErrCancelled)}
	}
	if len(failed) > 0 {
		return StepResult{StepID: groupID, Outcome: action.PermanentError, Err: groupFailureError(group.completionPolicy, failed)}
	}
	return StepResult{StepID: groupID, Outcome: action.Success, Output: value.List(outputs)}
}

func groupFailureError(policy string, failed []StepResult) error {
	if policy == "first_failure" || len(failed) == 1 {
		return &core.EngineError{Op: "executor.parallel_group", Class: "permanent", Code: "action_group_child_failed", StepID: failed[0].StepID, Message: failed[0].Err.Error(), Err: core.ErrPermanent}
	}
	msgs := make([]string, len(failed))
	for i, r := range failed {
		msgs[i] = fmt.Sprintf("%s: %v", r.StepID, r.Err)
	}
	return &core.EngineError{Op: "executor.parallel_group", Class: "permanent", Code: "action_group_children_failed", Message: strings.Join(msgs, "; "), Err: core.ErrPermanent}
}

// applyOnError dispositions a failed/timed-out step per its declared
// OnError mode: fail cascades a skip to every descendant, continue treats
// the step as satisfied-but-errored so dependents still become ready, and
// route_to force-readies the designated recovery step regardless of its
// own declared dependencies.
func (e *WorkflowExecutor) applyOnError(rc *runContext, spec workflow.StepSpec, result StepResult) {
	switch spec.OnError.Mode {
	case workflow.OnErrorContinue:
		rc.planner.MarkFailedContinue(spec.ID)
		rc.mu.Lock()
		rc.scope.Steps[spec.ID] = failurePayload(result.Err)
		rc.mu.Unlock()
	case workflow.OnErrorRouteTo:
		rc.planner.MarkFailedContinue(spec.ID)
		rc.planner.ForceReady(spec.OnError.RouteToID)
	default: // workflow.OnErrorFail
		rc.planner.MarkFailed(spec.ID, true)
	}
}

func (e *WorkflowExecutor) recordFailure(rc *runContext, spec workflow.StepSpec, err error) {
	rc.mu.Lock()
	rc.results[spec.ID] = StepResult{StepID: spec.ID, Outcome: action.PermanentError, Err: err}
	rc.mu.Unlock()

	switch spec.OnError.Mode {
	case workflow.OnErrorContinue:
		rc.planner.MarkFailedContinue(spec.ID)
	case workflow.OnErrorRouteTo:
		rc.planner.MarkFailedContinue(spec.ID)
		rc.planner.ForceReady(spec.OnError.RouteToID)
	default:
		rc.planner.MarkFailed(spec.ID, true)
	}
}

// resolveInputs evaluates every templated input against the run's current
// scope, returning a single Value map the Action Registry's handlers
// receive as their `inputs` argument.
func (e *WorkflowExecutor) resolveInputs(rc *runContext, spec workflow.StepSpec) (value.Value, error) {
	resolved := make(map[string]value.Value, len(spec.Inputs))
	rc.mu.Lock()
	snapshotSteps := make(map[string]value.Value, len(rc.scope.Steps))
	for k, v := range rc.scope.Steps {
		snapshotSteps[k] = v
	}
	rc.mu.Unlock()

	localScope := &expr.Scope{
		Steps:   snapshotSteps,
		Inputs:  rc.scope.Inputs,
		Vars:    rc.scope.Vars,
		Context: rc.scope.Context,
	}

	for name, template := range spec.Inputs {
		v, err := expr.Evaluate(template, localScope)
		if err != nil {
			return value.Null(), err
		}
		resolved[name] = v
	}
	return value.Map(resolved), nil
}

// cancelRemaining marks every step still pending or ready as cancelled
// once ctx ends (workflow-level cancellation or global timeout), without
// cascading skips since cancellation is not a definitional failure.
func (e *WorkflowExecutor) cancelRemaining(rc *runContext) {
	for _, spec := range rc.def.Steps {
		if status, ok := rc.planner.Status(spec.ID); ok && !status.Terminal() {
			rc.planner.MarkCancelled(spec.ID)
		}
	}
}

// finalize derives the run's terminal RunOutcome from the planner's final
// state: any cancelled step makes the run cancelled, any failed step
// (with no surviving route_to recovery) makes it failed, otherwise
// succeeded.
func (e *WorkflowExecutor) finalize(rc *runContext) RunOutcome {
	rc.mu.Lock()
	results := make(map[string]StepResult, len(rc.results))
	for k, v := range rc.results {
		results[k] = v
	}
	rc.mu.Unlock()

	status := "succeeded"
	failedStep := ""
	for _, spec := range rc.def.Steps {
		st, _ := rc.planner.Status(spec.ID)
		if st == dag.StatusCancelled {
			status = "cancelled"
		}
	}
	if status != "cancelled" {
		if failed := rc.planner.Failed(); len(failed) > 0 {
			hardFailed := firstHardFailure(rc, failed)
			if hardFailed != "" {
				status = "failed"
				failedStep = hardFailed
			}
		}
	}

	return RunOutcome{RunID: rc.runID, Status: status, FailedStep: failedStep, Steps: results}
}

// firstHardFailure returns the first failed step id (ascending, per
// dag.Planner.Failed's order) whose on_error mode is "fail" rather than
// continue/route_to, since those modes deliberately absorb the failure
// rather than letting it fail the whole run.
func firstHardFailure(rc *runContext, failed []string) string {
	specByID := make(map[string]workflow.StepSpec, len(rc.def.Steps))
	for _, s := range rc.def.Steps {
		specByID[s.ID] = s
	}
	for _, id := range failed {
		if spec, ok := specByID[id]; ok && spec.OnError.Mode == workflow.OnErrorFail {
			return id
		}
	}
	return ""
}

func (e *WorkflowExecutor) checkpoint(ctx context.Context, runID string, eventType checkpoint.EventType, stepID string, attempt int, payload value.Value) {
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
		e.logger.Warn("checkpoint append failed", map[string]interface{}{"run_id": runID, "event": string(eventType), "error": err.Error()})
	}
}
