// Package engine wires the Action Registry, Checkpoint Store, Tenant
// Scheduler, and Step/Workflow Executors behind the Submission API
// (§6 of the specification): submit, get_run, cancel_run, send_signal,
// list_runs. It is the top-level entry point an HTTP layer or CLI would
// embed; the HTTP layer itself is out of scope.
//
// Grounded on the teacher's Orchestrator (orchestration/orchestrator.go)
// for the wiring-constructor shape (one struct holding every collaborator,
// built once at process startup from a core.Config) and its run-registry
// bookkeeping, generalized from the teacher's single in-process run model
// to the specification's tenant-scoped submission/cancel/signal/list API.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowkit/engine/action"
	"github.com/flowkit/engine/checkpoint"
	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/executor"
	"github.com/flowkit/engine/quota"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

// RunSummary is the lightweight projection list_runs returns.
type RunSummary struct {
	RunID      string
	TenantID   string
	WorkflowID string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkflowRun is get_run's full projection: the materialized checkpoint
// view plus the submission metadata not present in the event log itself.
type WorkflowRun struct {
	checkpoint.RunState
	TenantID   string
	WorkflowID string
}

// RunFilter narrows list_runs; a zero value matches every run for the
// tenant.
type RunFilter struct {
	Status string // "" matches any
}

// Engine is the process-wide entry point: one Engine serves every tenant
// and every workflow definition submitted to it.
type Engine struct {
	cfg       *core.Config
	registry  *action.Registry
	store     checkpoint.Store
	scheduler *quota.Scheduler
	workflows *executor.WorkflowExecutor
	signals   *signalBroker
	logger    core.Logger

	mu   sync.Mutex
	runs map[string]*runRecord
	defs map[string]*workflow.WorkflowDef
}

type runRecord struct {
	tenantID   string
	workflowID string
	def        *workflow.WorkflowDef
	cancel     context.CancelFunc
	createdAt  time.Time
}

// New builds an Engine from cfg, wiring the Checkpoint Store backend
// cfg.Checkpoint.Backend selects, a Tenant Scheduler sized from
// cfg.Quota, and an Action Registry whose collaborators are supplied via
// opts (agent router, sandbox runner, tool allowlist, ...). The Engine
// itself satisfies action.SubWorkflowRunner, so sub_workflow steps run
// their child workflow synchronously through the same Workflow Executor
// (not through Submit) without a separate wiring path.
func New(cfg *core.Config, opts ...action.Option) (*Engine, error) {
	store, err := newCheckpointStore(cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		logger:  cfg.Logger(),
		signals: newSignalBroker(),
		runs:    make(map[string]*runRecord),
		defs:    make(map[string]*workflow.WorkflowDef),
	}

	allOpts := append([]action.Option{action.WithSignalWaiter(e.signals), action.WithSubWorkflowRunner(e)}, opts...)
	e.registry = action.NewRegistry(allOpts...)

	e.scheduler = quota.NewScheduler(int64(cfg.Quota.GlobalMaxInFlightSteps), quota.TenantLimits{
		MaxConcurrentSteps: cfg.Quota.TenantMaxConcurrentSteps,
		MaxConcurrentRuns:  cfg.Quota.TenantMaxConcurrentRuns,
	})

	var stepOpts []executor.StepExecutorOption
	stepOpts = append(stepOpts, executor.WithStepLogger(componentLogger(e.logger, "executor.step")))
	if cfg.Resilience.CircuitBreakerEnabled {
		for _, kind := range []string{"invoke_agent", "execute_code", "run_command"} {
			cb, err := newCircuitBreaker(cfg, kind, e.logger)
			if err != nil {
				return nil, err
			}
			stepOpts = append(stepOpts, executor.WithCircuitBreaker(kind, cb))
		}
	}

	stepExec := executor.NewStepExecutor(e.registry, e.store, stepOpts...)
	e.workflows = executor.NewWorkflowExecutor(stepExec, e.scheduler, e.store,
		executor.WithWorkflowLogger(componentLogger(e.logger, "executor.workflow")))

	return e, nil
}

// RegisterWorkflow makes def callable by id from a sub_workflow step
// without first being submitted as a top-level run. Submit also
// registers the definitions it runs, so pre-registration is only needed
// for a workflow that is exclusively invoked as a sub-workflow.
func (e *Engine) RegisterWorkflow(def *workflow.WorkflowDef) error {
	if def == nil {
		return core.NewEngineError("engine.RegisterWorkflow", "permanent", "def_schema", core.ErrMissingConfiguration)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.defs[def.ID] = def
	e.mu.Unlock()
	return nil
}

// Submit validates def, assigns a new run id, and launches execution in
// the background, returning immediately per §6 (submit does not block on
// completion). The caller observes progress via GetRun.
func (e *Engine) Submit(ctx context.Context, tenantID string, def *workflow.WorkflowDef, inputs map[string]value.Value) (string, error) {
	if tenantID == "" {
		return "", core.NewEngineError("engine.Submit", "permanent", "def_schema", core.ErrMissingConfiguration)
	}
	if def == nil {
		return "", core.NewEngineError("engine.Submit", "permanent", "def_schema", core.ErrMissingConfiguration)
	}
	if err := def.Validate(); err != nil {
		return "", err
	}
	for _, step := range def.Steps {
		if err := e.registry.ValidateStepConfig(step.ActionKind, step.ID, step.Config); err != nil {
			return "", err
		}
	}

	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())

	e.mu.Lock()
	e.runs[runID] = &runRecord{tenantID: tenantID, workflowID: def.ID, def: def, cancel: cancel, createdAt: time.Now()}
	e.defs[def.ID] = def
	e.mu.Unlock()

	go func() {
		defer cancel()
		if _, err := e.workflows.Execute(runCtx, runID, tenantID, def, inputs, nil); err != nil {
			e.logger.Error("run execution failed", map[string]interface{}{"run_id": runID, "tenant_id": tenantID, "error": err.Error()})
		}
	}()

	return runID, nil
}

// GetRun materializes runID's current state from the Checkpoint Store.
func (e *Engine) GetRun(ctx context.Context, runID string) (WorkflowRun, error) {
	e.mu.Lock()
	rec, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return WorkflowRun{}, core.NewEngineError("engine.GetRun", "permanent", "run_not_found", core.ErrNotFound)
	}

	events, err := e.store.Load(ctx, runID)
	if err != nil {
		return WorkflowRun{}, err
	}
	state := checkpoint.Materialize(runID, events)
	return WorkflowRun{RunState: state, TenantID: rec.tenantID, WorkflowID: rec.workflowID}, nil
}

// CancelRun propagates cancellation down runID's context tree; reason is
// logged but not otherwise interpreted.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) error {
	e.mu.Lock()
	rec, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return core.NewEngineError("engine.CancelRun", "permanent", "run_not_found", core.ErrNotFound)
	}
	e.logger.Info("cancelling run", map[string]interface{}{"run_id": runID, "reason": reason})
	rec.cancel()
	return nil
}

// SendSignal delivers payload to any step currently suspended in a
// config.signal_name == signalName wait action for runID.
func (e *Engine) SendSignal(ctx context.Context, runID, signalName string, payload value.Value) error {
	e.mu.Lock()
	_, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return core.NewEngineError("engine.SendSignal", "permanent", "run_not_found", core.ErrNotFound)
	}
	e.signals.Send(runID, signalName, payload)
	return nil
}

// ListRuns returns every known run for tenantID matching filter, most
// recently created first.
func (e *Engine) ListRuns(ctx context.Context, tenantID string, filter RunFilter) ([]RunSummary, error) {
	e.mu.Lock()
	type entry struct {
		runID string
		rec   *runRecord
	}
	var entries []entry
	for runID, rec := range e.runs {
		if rec.tenantID == tenantID {
			entries = append(entries, entry{runID, rec})
		}
	}
	e.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].rec.createdAt.After(entries[j].rec.createdAt) })

	out := make([]RunSummary, 0, len(entries))
	for _, en := range entries {
		events, err := e.store.Load(ctx, en.runID)
		if err != nil {
			continue
		}
		state := checkpoint.Materialize(en.runID, events)
		if filter.Status != "" && state.Status != filter.Status {
			continue
		}
		out = append(out, RunSummary{
			RunID:      en.runID,
			TenantID:   en.rec.tenantID,
			WorkflowID: en.rec.workflowID,
			Status:     state.Status,
			CreatedAt:  en.rec.createdAt,
			UpdatedAt:  state.UpdatedAt,
		})
	}
	return out, nil
}

// RunSubWorkflow implements action.SubWorkflowRunner: the sub_workflow
// action kind recurses back into this Engine, blocking its own step
// activation until the nested run reaches a terminal state. The nested
// run executes under the calling run's tenant, recovered from ctx (see
// executor.ContextTenantID), so it is subject to that tenant's quota
// exactly like any top-level submission.
func (e *Engine) RunSubWorkflow(ctx context.Context, workflowID string, inputs value.Value) (value.Value, error) {
	e.mu.Lock()
	def, ok := e.defs[workflowID]
	e.mu.Unlock()
	if !ok {
		return value.Null(), core.NewEngineError("engine.RunSubWorkflow", "permanent", "def_not_found",
			fmt.Errorf("%w: workflow id %q is not registered", core.ErrNotFound, workflowID))
	}

	tenantID, ok := executor.ContextTenantID(ctx)
	if !ok {
		return value.Null(), core.NewEngineError("engine.RunSubWorkflow", "permanent", "action_unconfigured", core.ErrMissingConfiguration)
	}

	inputMap, _ := inputs.AsMap()
	subRunID := uuid.NewString()

	e.mu.Lock()
	e.runs[subRunID] = &runRecord{tenantID: tenantID, workflowID: def.ID, def: def, cancel: func() {}, createdAt: time.Now()}
	e.mu.Unlock()

	outcome, err := e.workflows.Execute(ctx, subRunID, tenantID, def, inputMap, nil)
	if err != nil {
		return value.Null(), err
	}
	if outcome.Status != "succeeded" {
		return value.Null(), core.NewEngineError("engine.RunSubWorkflow", "permanent", "sub_workflow_failed",
			fmt.Errorf("%w: sub-workflow %q finished with status %q", core.ErrPermanent, workflowID, outcome.Status))
	}

	outputs := make(map[string]value.Value, len(outcome.Steps))
	for stepID, result := range outcome.Steps {
		outputs[stepID] = result.Output
	}
	return value.Map(outputs), nil
}
