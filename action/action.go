// Package action implements the Action Registry (C4): a pluggable dispatch
// table from action_kind to handler, with per-kind config validation and
// cost estimation for the Tenant Scheduler.
//
// Grounded on the teacher's SmartExecutor (orchestration/executor.go),
// which dispatches a RoutingStep to one of a fixed set of execution paths
// based on a type tag; this package generalizes that switch into an open,
// registrable table so new action kinds don't require touching the
// executor, and adds the config-schema-validator half the teacher's
// switch never had.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// configValidator checks struct tags on a handler's decoded config, e.g.
// `validate:"required,oneof=python js"`. Shared across handlers since
// validator.Validate caches struct reflection per type internally.
var configValidator = validator.New()

// decodeConfig decodes a StepSpec's declared config (config.Field(...)
// access is fine for one or two fields, but handlers with several typed
// fields and defaults decode once into target instead), then runs
// validator struct tags against it. target must be a pointer to a struct
// with mapstructure/validate tags.
func decodeConfig(config value.Value, target interface{}) error {
	raw, err := config.MarshalJSON()
	if err != nil {
		return fmt.Errorf("config marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("config unmarshal: %w", err)
	}
	if err := mapstructure.Decode(generic, target); err != nil {
		return fmt.Errorf("config decode: %w", err)
	}
	if err := configValidator.Struct(target); err != nil {
		return fmt.Errorf("config validate: %w", err)
	}
	return nil
}

// Outcome is the terminal classification a handler reports for one
// attempt, matching §4.4 of the specification.
type Outcome int

const (
	Success Outcome = iota
	RetriableError
	PermanentError
	Cancelled
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetriableError:
		return "retriable_error"
	case PermanentError:
		return "permanent_error"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is what a handler returns for one attempt.
type Result struct {
	Output  value.Value
	Outcome Outcome
	Err     error
}

// IdempotencyKey identifies one attempt of one step within one run, per
// §5's idempotency contract. ContentHash additionally carries the hash of
// the step's resolved inputs, filled by the Step Executor; the built-in
// handlers do not read it.
type IdempotencyKey struct {
	RunID         string
	StepID        string
	AttemptBucket int
	ContentHash   string
}

func (k IdempotencyKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.RunID, k.StepID, k.AttemptBucket)
}

// Handler executes one action kind. config is the StepSpec's declared
// config Value; inputs is the already-expression-resolved input map for
// this step.
type Handler func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result

// ConfigValidator checks a StepSpec's declared config against a kind's
// schema at definition-validation time, before any run exists.
type ConfigValidator func(config value.Value) error

// CostEstimator returns the relative resource weight of one invocation,
// used by the Tenant Scheduler's weighted fair-share accounting.
type CostEstimator func(config value.Value) float64

// Kind bundles one action kind's full contract.
type Kind struct {
	Name           string
	ValidateConfig ConfigValidator
	Run            Handler
	EstimatedCost  CostEstimator
}

// Registry is the dispatch table. A Registry is safe for concurrent use;
// Register is expected to happen once at startup, Get/Validate happen on
// every step activation.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

// NewRegistry returns a Registry pre-populated with the nine action kinds
// named in §4.4. Collaborators (LLM router, sandbox, tool governance,
// sub-workflow runner, signal waiter) default to unconfigured stubs that
// fail permanently until wired via the With* options.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{kinds: make(map[string]*Kind, 16)}
	cfg := &collaborators{}
	for _, opt := range opts {
		opt(cfg)
	}

	r.mustRegister(invokeAgentKind(cfg))
	r.mustRegister(executeCodeKind(cfg))
	r.mustRegister(runCommandKind(cfg))
	r.mustRegister(validateKind())
	r.mustRegister(transformKind())
	r.mustRegister(conditionalKind())
	r.mustRegister(parallelGroupKind())
	r.mustRegister(waitKind(cfg))
	r.mustRegister(subWorkflowKind(cfg))
	return r
}

// Register adds or replaces one action kind. Used both by NewRegistry and
// by callers extending the registry with workflow-specific kinds beyond
// the nine built in.
func (r *Registry) Register(k *Kind) error {
	if k.Name == "" {
		return core.NewEngineError("action.Register", "permanent", "action_schema", core.ErrInvalidConfiguration)
	}
	if k.Run == nil {
		return core.NewEngineError("action.Register", "permanent", "action_schema", core.ErrInvalidConfiguration)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k.Name] = k
	return nil
}

func (r *Registry) mustRegister(k *Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Get returns the registered Kind, or (nil, false) if action_kind is
// unknown.
func (r *Registry) Get(name string) (*Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Known reports whether name is a registered action kind.
func (r *Registry) Known(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// ValidateStepConfig runs the kind's ConfigValidator, if any, against a
// step's declared config, and rejects an action kind the registry does not
// know. engine.Submit calls it for every step after
// workflow.WorkflowDef.Validate, which does not check action kinds.
func (r *Registry) ValidateStepConfig(actionKind, stepID string, config value.Value) error {
	k, ok := r.Get(actionKind)
	if !ok {
		return &core.EngineError{Op: "action.ValidateStepConfig", Class: "permanent", Code: "def_unknown_action", StepID: stepID, Message: fmt.Sprintf("unknown action kind %q", actionKind), Err: core.ErrUnknownAction}
	}
	if k.ValidateConfig == nil {
		return nil
	}
	if err := k.ValidateConfig(config); err != nil {
		return &core.EngineError{Op: "action.ValidateStepConfig", Class: "permanent", Code: "def_schema", StepID: stepID, Message: err.Error(), Err: core.ErrSchema}
	}
	return nil
}

// EstimatedCost returns the kind's declared cost for config, or 1.0 if
// the kind has no EstimatedCost or is unknown.
func (r *Registry) EstimatedCost(actionKind string, config value.Value) float64 {
	k, ok := r.Get(actionKind)
	if !ok || k.EstimatedCost == nil {
		return 1.0
	}
	return k.EstimatedCost(config)
}

func configField(config value.Value, name string) (value.Value, bool) {
	return config.Field(name)
}

func requireTextField(config value.Value, name string) (string, error) {
	f, ok := configField(config, name)
	if !ok {
		return "", fmt.Errorf("config.%s is required", name)
	}
	s, ok := f.AsText()
	if !ok {
		return "", fmt.Errorf("config.%s must be text", name)
	}
	return s, nil
}

func optionalTextField(config value.Value, name, def string) string {
	f, ok := configField(config, name)
	if !ok {
		return def
	}
	s, ok := f.AsText()
	if !ok {
		return def
	}
	return s
}

func optionalBoolField(config value.Value, name string, def bool) bool {
	f, ok := configField(config, name)
	if !ok {
		return def
	}
	b, ok := f.AsBool()
	if !ok {
		return def
	}
	return b
}
