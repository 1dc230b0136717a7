package executor

import (
	"fmt"

	"github.com/flowkit/engine/action"
	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

// groupInfo records what a parallel_group step expanded into, so
// runOneStep can recognize the step as a synthetic join rather than
// dispatching it through the Action Registry.
type groupInfo struct {
	childIDs         []string
	completionPolicy string
}

// expandGroups rewrites every parallel_group step in def into its N child
// step activations (action.ExpandChildIDs for naming) plus a join step
// that keeps the parent's original id and on_error policy, so the rest of
// the run loop treats a parallel_group exactly like any other DAG node:
// its dependents become ready only once the join settles.
//
// Grounded on the teacher's WorkflowDAG.AddNode splicing pattern
// (orchestration/workflow_dag.go builds its graph incrementally rather
// than accepting it fully-formed); here the splice happens once, up
// front, against an already-validated WorkflowDef, rather than
// incrementally against a running plan.
func expandGroups(def *workflow.WorkflowDef) (*workflow.WorkflowDef, map[string]groupInfo, error) {
	groups := make(map[string]groupInfo)
	expanded := &workflow.WorkflowDef{
		ID:               def.ID,
		Version:          def.Version,
		InputsSchema:     def.InputsSchema,
		ConcurrencyLimit: def.ConcurrencyLimit,
		GlobalTimeout:    def.GlobalTimeout,
	}

	for _, step := range def.Steps {
		if step.ActionKind != "parallel_group" {
			expanded.Steps = append(expanded.Steps, step)
			continue
		}

		children, err := decodeGroupChildren(step.Config)
		if err != nil {
			return nil, nil, &core.EngineError{Op: "executor.expandGroups", Class: "permanent", Code: "def_schema", StepID: step.ID, Message: err.Error(), Err: core.ErrSchema}
		}

		childIDs := action.ExpandChildIDs(step.ID, len(children))
		for i, child := range children {
			expanded.Steps = append(expanded.Steps, workflow.StepSpec{
				ID:         childIDs[i],
				ActionKind: child.actionKind,
				Config:     child.config,
				DependsOn:  step.DependsOn,
				Inputs:     child.inputs,
				Retry:      step.Retry,
				Timeout:    step.Timeout,
				OnError:    workflow.OnError{Mode: workflow.OnErrorContinue},
			})
		}

		groups[step.ID] = groupInfo{childIDs: childIDs, completionPolicy: action.CompletionPolicy(step.Config)}
		expanded.Steps = append(expanded.Steps, workflow.StepSpec{
			ID:         step.ID,
			ActionKind: step.ActionKind,
			Config:     step.Config,
			DependsOn:  childIDs,
			Retry:      step.Retry,
			Timeout:    step.Timeout,
			OnError:    step.OnError,
		})
	}

	return expanded, groups, nil
}

type groupChild struct {
	actionKind string
	config     value.Value
	inputs     map[string]string
}

// decodeGroupChildren parses config.children (a list of maps shaped like
// a StepSpec minus id/depends_on, which the group synthesizes) into the
// child specs expandGroups splices into the DAG.
func decodeGroupChildren(config value.Value) ([]groupChild, error) {
	raw, ok := configField(config, "children")
	if !ok {
		return nil, fmt.Errorf("config.children is required")
	}
	list, ok := raw.AsList()
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("config.children must be a non-empty list")
	}

	children := make([]groupChild, len(list))
	for i, item := range list {
		obj, ok := item.AsMap()
		if !ok {
			return nil, fmt.Errorf("config.children[%d] must be a map", i)
		}
		kind, ok := obj["action_kind"]
		if !ok {
			return nil, fmt.Errorf("config.children[%d].action_kind is required", i)
		}
		kindText, ok := kind.AsText()
		if !ok || kindText == "" {
			return nil, fmt.Errorf("config.children[%d].action_kind must be a non-empty string", i)
		}

		inputs := map[string]string{}
		if rawInputs, ok := obj["inputs"]; ok {
			if m, ok := rawInputs.AsMap(); ok {
				for k, v := range m {
					if text, ok := v.AsText(); ok {
						inputs[k] = text
					}
				}
			}
		}

		children[i] = groupChild{actionKind: kindText, config: obj["config"], inputs: inputs}
	}
	return children, nil
}

func configField(config value.Value, name string) (value.Value, bool) {
	m, ok := config.AsMap()
	if !ok {
		return value.Null(), false
	}
	v, ok := m[name]
	return v, ok
}
