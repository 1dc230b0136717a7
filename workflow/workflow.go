// Package workflow defines the declarative WorkflowDef/StepSpec document
// (C2) and its structural validation against the invariants in §3 of the
// specification: unique step ids and acyclic dependencies, plus a content
// hash of the definition. Action kinds are checked by the Action Registry,
// not here.
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

var stepIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// OnError selects how the Workflow Executor reacts to a step's terminal
// failure.
type OnError struct {
	Mode       string // "fail" | "continue" | "route_to"
	RouteToID  string // set when Mode == "route_to"
}

const (
	OnErrorFail     = "fail"
	OnErrorContinue = "continue"
	OnErrorRouteTo  = "route_to"
)

// RetryPolicy configures the Step Executor's retry loop for one step.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts"`
	InitialBackoff  time.Duration `json:"initial_backoff"`
	Multiplier      float64       `json:"multiplier"`
	MaxBackoff      time.Duration `json:"max_backoff"`
	JitterFraction  float64       `json:"jitter"`          // in [0,1]
	RetriableCodes  []string      `json:"retriable"`
	OnTimeout       bool          `json:"on_timeout"` // true => timed_out is retriable (default)
}

// DefaultRetryPolicy matches the teacher's retry defaults (resilience.DefaultRetryConfig),
// adapted to the step-level policy shape.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.1,
		OnTimeout:      true,
	}
}

// StepSpec is one node of a WorkflowDef.
type StepSpec struct {
	ID         string                 `json:"id"`
	ActionKind string                 `json:"action_kind"`
	Config     value.Value            `json:"config"`
	DependsOn  []string               `json:"depends_on"`
	Inputs     map[string]string      `json:"inputs"` // template string or literal text
	Retry      RetryPolicy            `json:"retry"`
	Timeout    time.Duration          `json:"timeout"`
	OnError    OnError                `json:"on_error"`
}

// InputParam describes one declared workflow input.
type InputParam struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"`
	Required bool        `json:"required"`
	Default  value.Value `json:"default"`
}

// WorkflowDef is the immutable declarative specification for a run.
type WorkflowDef struct {
	ID               string       `json:"id"`
	Version          string       `json:"version"`
	Steps            []StepSpec   `json:"steps"`
	InputsSchema     []InputParam `json:"inputs_schema"`
	ConcurrencyLimit int          `json:"concurrency_limit"`
	GlobalTimeout    time.Duration `json:"global_timeout"`
}

// KnownActionKinds lists the action kinds the core Action Registry ships.
// Validate does not consult it; unknown kinds are rejected by
// action.Registry.ValidateStepConfig.
var KnownActionKinds = map[string]bool{
	"invoke_agent":   true,
	"execute_code":   true,
	"run_command":    true,
	"validate":       true,
	"transform":      true,
	"conditional":    true,
	"parallel_group": true,
	"wait":           true,
	"sub_workflow":   true,
}

// Validate checks the §3 structural invariants. It does not require an
// Action Registry and does not check action kinds or per-kind config;
// action.Registry.ValidateStepConfig does that per step (engine.Submit
// calls both).
func (w *WorkflowDef) Validate() error {
	if w.ID == "" {
		return defErr("def_schema", "workflow id is required")
	}
	if len(w.Steps) == 0 {
		return defErr("def_schema", "workflow must declare at least one step")
	}
	if w.ConcurrencyLimit <= 0 {
		w.ConcurrencyLimit = 8
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if !stepIDPattern.MatchString(s.ID) {
			return defErr("def_schema", fmt.Sprintf("invalid step id %q", s.ID))
		}
		if seen[s.ID] {
			return &core.EngineError{Op: "WorkflowDef.Validate", Class: "permanent", Code: "def_schema", StepID: s.ID, Message: fmt.Sprintf("duplicate step id %q", s.ID), Err: core.ErrDuplicateStep}
		}
		seen[s.ID] = true
	}

	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &core.EngineError{Op: "WorkflowDef.Validate", Class: "permanent", Code: "def_missing_dep", StepID: s.ID, Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep), Err: core.ErrMissingDep}
			}
		}
		if s.Retry.MaxAttempts < 1 {
			return defErrStep(s.ID, "def_schema", "retry.max_attempts must be >= 1")
		}
		if s.Retry.JitterFraction < 0 || s.Retry.JitterFraction > 1 {
			return defErrStep(s.ID, "def_schema", "retry.jitter must be within [0,1]")
		}
		if s.Timeout <= 0 {
			return defErrStep(s.ID, "def_schema", "timeout must be > 0")
		}
		if s.OnError.Mode == "" {
			s.OnError.Mode = OnErrorFail
		}
		if s.OnError.Mode != OnErrorFail && s.OnError.Mode != OnErrorContinue && s.OnError.Mode != OnErrorRouteTo {
			return defErrStep(s.ID, "def_schema", fmt.Sprintf("unknown on_error mode %q", s.OnError.Mode))
		}
		if s.OnError.Mode == OnErrorRouteTo && !seen[s.OnError.RouteToID] {
			return defErrStep(s.ID, "def_missing_dep", fmt.Sprintf("on_error route_to references unknown step %q", s.OnError.RouteToID))
		}
	}

	if err := checkAcyclic(w.Steps); err != nil {
		return err
	}

	if w.GlobalTimeout > 0 {
		for _, s := range w.Steps {
			worstCase := worstCaseRetryDuration(s.Retry)
			if worstCase > w.GlobalTimeout {
				// Warning-only per §3 invariant (v); not a validation failure.
				_ = worstCase
			}
		}
	}

	return nil
}

func worstCaseRetryDuration(r RetryPolicy) time.Duration {
	total := r.InitialBackoff
	cur := r.InitialBackoff
	for i := 1; i < r.MaxAttempts; i++ {
		cur = time.Duration(float64(cur) * r.Multiplier)
		if cur > r.MaxBackoff {
			cur = r.MaxBackoff
		}
		total += cur
	}
	return total
}

func checkAcyclic(steps []StepSpec) error {
	byID := make(map[string]StepSpec, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	ids := make([]string, 0, len(steps))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)

		deps := byID[id].DependsOn
		sortedDeps := append([]string(nil), deps...)
		sort.Strings(sortedDeps)
		for _, dep := range sortedDeps {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				cycle := append(append([]string(nil), stack...), dep)
				return &core.EngineError{Op: "WorkflowDef.Validate", Class: "permanent", Code: "def_cycle", Message: fmt.Sprintf("cycle detected: %v", cycle), Err: core.ErrCycle}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func defErr(code, msg string) error {
	return &core.EngineError{Op: "WorkflowDef.Validate", Class: "permanent", Code: code, Message: msg, Err: core.ErrSchema}
}

func defErrStep(stepID, code, msg string) error {
	return &core.EngineError{Op: "WorkflowDef.Validate", Class: "permanent", Code: code, StepID: stepID, Message: msg, Err: core.ErrSchema}
}

// Hash returns the content hash of the definition (definition_hash). It is
// computed over a canonical JSON encoding so that field order never
// affects the result. The encoding covers the id, version,
// concurrency_limit and global_timeout, and for each step (sorted by id)
// its id, action_kind, sorted depends_on and timeout; step config, inputs,
// inputs_schema, retry and on_error do not affect the hash.
func (w *WorkflowDef) Hash() string {
	canonical := canonicalDef{
		ID:               w.ID,
		Version:          w.Version,
		ConcurrencyLimit: w.ConcurrencyLimit,
		GlobalTimeout:    w.GlobalTimeout.String(),
	}
	steps := append([]StepSpec(nil), w.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	for _, s := range steps {
		deps := append([]string(nil), s.DependsOn...)
		sort.Strings(deps)
		canonical.Steps = append(canonical.Steps, canonicalStep{
			ID:         s.ID,
			ActionKind: s.ActionKind,
			DependsOn:  deps,
			Timeout:    s.Timeout.String(),
		})
	}

	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type canonicalStep struct {
	ID         string   `json:"id"`
	ActionKind string   `json:"action_kind"`
	DependsOn  []string `json:"depends_on"`
	Timeout    string   `json:"timeout"`
}

type canonicalDef struct {
	ID               string          `json:"id"`
	Version          string          `json:"version"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	GlobalTimeout    string          `json:"global_timeout"`
	Steps            []canonicalStep `json:"steps"`
}
