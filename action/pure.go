package action

import (
	"context"
	"fmt"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// validate applies a declared predicate to inputs: config.required lists
// field names that must be present (and non-null) on the input map;
// config.kind, if set, additionally requires the input to be of that
// Kind. Pure and side-effect-free, never retriable.
func validateKind() *Kind {
	return &Kind{
		Name: "validate",
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if kindName := optionalTextField(config, "kind", ""); kindName != "" {
				if !inputs.IsNull() && kindName != kindOf(inputs) {
					return Result{Outcome: PermanentError, Err: &core.EngineError{Op: "action.validate", Class: "permanent", Code: "action_validate_kind", Message: fmt.Sprintf("expected kind %q, got %q", kindName, kindOf(inputs)), Err: core.ErrPermanent}}
				}
			}
			for _, field := range textListField(config, "required") {
				f, ok := inputs.Field(field)
				if !ok || f.IsNull() {
					return Result{Outcome: PermanentError, Err: &core.EngineError{Op: "action.validate", Class: "permanent", Code: "action_validate_required", Message: fmt.Sprintf("missing required field %q", field), Err: core.ErrPermanent}}
				}
			}
			return Result{Outcome: Success, Output: inputs}
		},
		EstimatedCost: func(config value.Value) float64 { return 0.1 },
	}
}

func kindOf(v value.Value) string {
	return v.Kind().String()
}

// transform applies a declared projection (config.pick: field names to
// keep) and/or a set of gjson/sjson field assignments (config.set: a map
// of dotted path -> literal or ${...} template already resolved by the
// Step Executor into inputs) to produce a new Value. Pure, never
// retriable.
func transformKind() *Kind {
	return &Kind{
		Name: "transform",
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			obj, ok := inputs.AsMap()
			if !ok {
				obj = map[string]value.Value{"value": inputs}
			}

			if picks := textListField(config, "pick"); len(picks) > 0 {
				projected := make(map[string]value.Value, len(picks))
				for _, field := range picks {
					if f, ok := obj[field]; ok {
						projected[field] = f
					}
				}
				obj = projected
			}

			if sets, ok := configField(config, "set"); ok {
				setMap, ok := sets.AsMap()
				if ok {
					merged, err := applySets(obj, setMap)
					if err != nil {
						return Result{Outcome: PermanentError, Err: &core.EngineError{Op: "action.transform", Class: "permanent", Code: "action_transform_set", Message: err.Error(), Err: core.ErrPermanent}}
					}
					obj = merged
				}
			}

			return Result{Outcome: Success, Output: value.Map(obj)}
		},
		EstimatedCost: func(config value.Value) float64 { return 0.1 },
	}
}

// applySets merges each (path, literal) pair from sets into base using
// gjson/sjson's dotted-path addressing, letting transform express deep
// field assignment without a bespoke path parser.
func applySets(base map[string]value.Value, sets map[string]value.Value) (map[string]value.Value, error) {
	var data []byte
	data = mustMarshal(value.Map(base))
	for path, v := range sets {
		raw := mustMarshal(v)
		updated, err := sjson.SetRawBytes(data, path, raw)
		if err != nil {
			return nil, err
		}
		data = updated
	}

	result := gjson.ParseBytes(data)
	out := value.FromAny(result.Value())
	merged, ok := out.AsMap()
	if !ok {
		return base, nil
	}
	return merged, nil
}

func mustMarshal(v value.Value) []byte {
	data, err := v.MarshalJSON()
	if err != nil {
		return []byte("null")
	}
	return data
}

// conditional chooses one of several downstream branches based on a
// simple equality predicate over inputs: config.field, config.operator
// ("eq" | "neq" | "exists"), config.value, config.then_branch,
// config.else_branch. Output carries the chosen branch id. The Workflow
// Executor does not read that output: steps of the untaken branch are not
// marked skipped and run like any other step once their dependencies
// are satisfied.
func conditionalKind() *Kind {
	return &Kind{
		Name: "conditional",
		ValidateConfig: func(config value.Value) error {
			if _, err := requireTextField(config, "field"); err != nil {
				return err
			}
			if _, err := requireTextField(config, "then_branch"); err != nil {
				return err
			}
			return nil
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			field, _ := requireTextField(config, "field")
			operator := optionalTextField(config, "operator", "eq")
			thenBranch, _ := requireTextField(config, "then_branch")
			elseBranch := optionalTextField(config, "else_branch", "")

			actual, present := inputs.Field(field)
			matched := false
			switch operator {
			case "exists":
				matched = present && !actual.IsNull()
			case "neq":
				expected, _ := configField(config, "value")
				matched = !present || !value.Equal(actual, expected)
			default: // "eq"
				expected, _ := configField(config, "value")
				matched = present && value.Equal(actual, expected)
			}

			branch := elseBranch
			if matched {
				branch = thenBranch
			}
			return Result{Outcome: Success, Output: value.Map(map[string]value.Value{
				"branch":  value.Text(branch),
				"matched": value.Bool(matched),
			})}
		},
		EstimatedCost: func(config value.Value) float64 { return 0.1 },
	}
}
