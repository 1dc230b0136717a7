// Package expr implements the engine's expression evaluator: binding a
// StepSpec's input templates to prior step outputs, submission inputs,
// workflow variables, and run context.
//
// A template is a text string that may contain one or more ${…} segments;
// outside ${…} the text is literal. If the whole template is a single
// ${ref}, the result preserves the referenced value's type; otherwise
// every ${ref} is coerced to text and concatenated with the surrounding
// literal text.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// refPattern matches ${ref} where ref is segment('.'segment | '['index']')*.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*(?:(?:\.[a-zA-Z_][a-zA-Z0-9_]*)|(?:\[(?:\d+|"[^"]*")\]))*)\}`)

// segPattern splits a resolved ref body into its path segments.
var segPattern = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)|\[(\d+|"[^"]*")\]`)

// Scope is the resolution environment for a single step activation,
// exposed in precedence order: steps, inputs, vars, context.
type Scope struct {
	Steps   map[string]value.Value // step_id -> {"output": result}, or {"error": text} for a failed step that was continued
	Inputs  map[string]value.Value // workflow submission inputs
	Vars    map[string]value.Value // workflow-level variables
	Context map[string]value.Value // run context (run_id, tenant_id, attempt, ...)
}

// NewScope returns an empty Scope with initialized maps.
func NewScope() *Scope {
	return &Scope{
		Steps:   make(map[string]value.Value),
		Inputs:  make(map[string]value.Value),
		Vars:    make(map[string]value.Value),
		Context: make(map[string]value.Value),
	}
}

// Evaluate resolves every ${…} segment in template against scope.
func Evaluate(template string, scope *Scope) (value.Value, error) {
	matches := refPattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return value.Text(template), nil
	}

	// Whole-template single reference: preserve the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(template) {
		ref := template[matches[0][2]:matches[0][3]]
		return resolveRef(ref, scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		refStart, refEnd := m[2], m[3]
		b.WriteString(template[last:start])

		resolved, err := resolveRef(template[refStart:refEnd], scope)
		if err != nil {
			return value.Null(), err
		}
		b.WriteString(coerceToText(resolved))
		last = end
	}
	b.WriteString(template[last:])
	return value.Text(b.String()), nil
}

// resolveRef walks the segment chain for a single ${ref} body.
func resolveRef(ref string, scope *Scope) (value.Value, error) {
	segs := segPattern.FindAllStringSubmatch(ref, -1)
	if len(segs) == 0 {
		return value.Null(), &core.EngineError{Op: "expr.Evaluate", Class: "permanent", Code: "expr_unbound", Message: fmt.Sprintf("malformed reference %q", ref), Err: core.ErrUnbound}
	}

	root := segs[0][1]
	var current value.Value
	var ok bool

	switch root {
	case "steps":
		if len(segs) < 2 {
			return value.Null(), unbound(ref, "steps reference requires a step id")
		}
		stepID := segs[1][1]
		current, ok = scope.Steps[stepID]
		if !ok {
			return value.Null(), unbound(ref, fmt.Sprintf("step %q has not completed or does not exist", stepID))
		}
		segs = segs[2:]
	case "inputs":
		if len(segs) < 2 {
			return value.Null(), unbound(ref, "inputs reference requires a name")
		}
		name := segs[1][1]
		current, ok = scope.Inputs[name]
		if !ok {
			return value.Null(), unbound(ref, fmt.Sprintf("input %q is not defined", name))
		}
		segs = segs[2:]
	case "vars":
		if len(segs) < 2 {
			return value.Null(), unbound(ref, "vars reference requires a name")
		}
		name := segs[1][1]
		current, ok = scope.Vars[name]
		if !ok {
			return value.Null(), unbound(ref, fmt.Sprintf("var %q is not defined", name))
		}
		segs = segs[2:]
	case "context":
		if len(segs) < 2 {
			return value.Null(), unbound(ref, "context reference requires a name")
		}
		name := segs[1][1]
		current, ok = scope.Context[name]
		if !ok {
			return value.Null(), unbound(ref, fmt.Sprintf("context %q is not defined", name))
		}
		segs = segs[2:]
	default:
		return value.Null(), unbound(ref, fmt.Sprintf("unknown root %q (must be steps|inputs|vars|context)", root))
	}

	for _, seg := range segs {
		switch {
		case seg[1] != "": // map field
			field := seg[1]
			next, ok := current.Field(field)
			if !ok {
				if current.Kind() != value.KindMap {
					return value.Null(), exprType(ref, fmt.Sprintf("cannot access field %q on %s", field, current.Kind()))
				}
				return value.Null(), unbound(ref, fmt.Sprintf("field %q not present", field))
			}
			current = next
		case seg[2] != "": // list index or quoted map key
			idxTok := seg[2]
			if strings.HasPrefix(idxTok, `"`) {
				key := strings.Trim(idxTok, `"`)
				next, ok := current.Field(key)
				if !ok {
					if current.Kind() != value.KindMap {
						return value.Null(), exprType(ref, fmt.Sprintf("cannot access key %q on %s", key, current.Kind()))
					}
					return value.Null(), unbound(ref, fmt.Sprintf("key %q not present", key))
				}
				current = next
				continue
			}
			if current.Kind() != value.KindList {
				return value.Null(), exprType(ref, fmt.Sprintf("cannot index into %s", current.Kind()))
			}
			n, err := strconv.Atoi(idxTok)
			if err != nil {
				return value.Null(), exprType(ref, fmt.Sprintf("invalid index %q", idxTok))
			}
			next, ok := current.Index(n)
			if !ok {
				return value.Null(), outOfRange(ref, n)
			}
			current = next
		}
	}

	return current, nil
}

func coerceToText(v value.Value) string {
	switch v.Kind() {
	case value.KindText:
		s, _ := v.AsText()
		return s
	case value.KindInt:
		i, _ := v.AsInt()
		return strconv.FormatInt(i, 10)
	case value.KindFloat:
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case value.KindBool:
		b, _ := v.AsBool()
		return strconv.FormatBool(b)
	case value.KindNull:
		return ""
	default:
		data, _ := v.MarshalJSON()
		return string(data)
	}
}

func unbound(ref, msg string) error {
	return &core.EngineError{Op: "expr.Evaluate", Class: "permanent", Code: "expr_unbound", Message: fmt.Sprintf("%s: ${%s}", msg, ref), Err: core.ErrUnbound}
}

func exprType(ref, msg string) error {
	return &core.EngineError{Op: "expr.Evaluate", Class: "permanent", Code: "expr_type", Message: fmt.Sprintf("%s: ${%s}", msg, ref), Err: core.ErrExprType}
}

func outOfRange(ref string, idx int) error {
	return &core.EngineError{Op: "expr.Evaluate", Class: "permanent", Code: "expr_out_of_range", Message: fmt.Sprintf("index %d out of range: ${%s}", idx, ref), Err: core.ErrOutOfRange}
}

// HasTemplate reports whether s contains at least one ${…} segment,
// used by the planner to decide whether a StepSpec input needs
// evaluation or can be treated as a literal.
func HasTemplate(s string) bool {
	return refPattern.MatchString(s)
}
