package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowkit/engine/value"
)

// yamlDef mirrors WorkflowDef for YAML authoring: durations are authored
// as strings ("30s", "2m") rather than nanosecond integers, and step
// config/defaults are authored as plain YAML mappings, converted to
// value.Value after decoding.
type yamlDef struct {
	ID               string          `yaml:"id"`
	Version          string          `yaml:"version"`
	ConcurrencyLimit int             `yaml:"concurrency_limit"`
	GlobalTimeout    string          `yaml:"global_timeout"`
	InputsSchema     []yamlInput     `yaml:"inputs_schema"`
	Steps            []yamlStepSpec  `yaml:"steps"`
}

type yamlInput struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Required bool        `yaml:"required"`
	Default  interface{} `yaml:"default"`
}

type yamlStepSpec struct {
	ID         string            `yaml:"id"`
	ActionKind string            `yaml:"action_kind"`
	Config     interface{}       `yaml:"config"`
	DependsOn  []string          `yaml:"depends_on"`
	Inputs     map[string]string `yaml:"inputs"`
	Retry      yamlRetryPolicy   `yaml:"retry"`
	Timeout    string            `yaml:"timeout"`
	OnError    yamlOnError       `yaml:"on_error"`
}

type yamlRetryPolicy struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff string   `yaml:"initial_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	MaxBackoff     string   `yaml:"max_backoff"`
	Jitter         float64  `yaml:"jitter"`
	Retriable      []string `yaml:"retriable"`
	OnTimeout      *bool    `yaml:"on_timeout"`
}

type yamlOnError struct {
	Mode      string `yaml:"mode"`
	RouteToID string `yaml:"route_to_id"`
}

// LoadDefinitionYAML parses a WorkflowDef document authored in the YAML
// form operators hand-write (durations as strings, config as nested
// mappings) and validates the result.
func LoadDefinitionYAML(data []byte) (*WorkflowDef, error) {
	var doc yamlDef
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Op: "workflow.LoadDefinitionYAML", Err: fmt.Errorf("invalid yaml: %w", err)}
	}

	def := &WorkflowDef{
		ID:               doc.ID,
		Version:          doc.Version,
		ConcurrencyLimit: doc.ConcurrencyLimit,
	}

	if doc.GlobalTimeout != "" {
		d, err := time.ParseDuration(doc.GlobalTimeout)
		if err != nil {
			return nil, &ParseError{Op: "workflow.LoadDefinitionYAML", Err: fmt.Errorf("global_timeout: %w", err)}
		}
		def.GlobalTimeout = d
	}

	for _, in := range doc.InputsSchema {
		def.InputsSchema = append(def.InputsSchema, InputParam{
			Name:     in.Name,
			Type:     in.Type,
			Required: in.Required,
			Default:  value.FromAny(in.Default),
		})
	}

	for _, s := range doc.Steps {
		step, err := s.toStepSpec()
		if err != nil {
			return nil, err
		}
		def.Steps = append(def.Steps, step)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (s yamlStepSpec) toStepSpec() (StepSpec, error) {
	timeout, err := parseDurationOrDefault(s.Timeout)
	if err != nil {
		return StepSpec{}, &ParseError{Op: "workflow.LoadDefinitionYAML", StepID: s.ID, Err: fmt.Errorf("timeout: %w", err)}
	}

	retry, err := s.Retry.toRetryPolicy()
	if err != nil {
		return StepSpec{}, &ParseError{Op: "workflow.LoadDefinitionYAML", StepID: s.ID, Err: err}
	}

	return StepSpec{
		ID:         s.ID,
		ActionKind: s.ActionKind,
		Config:     value.FromAny(s.Config),
		DependsOn:  s.DependsOn,
		Inputs:     s.Inputs,
		Retry:      retry,
		Timeout:    timeout,
		OnError:    OnError{Mode: s.OnError.Mode, RouteToID: s.OnError.RouteToID},
	}, nil
}

func (r yamlRetryPolicy) toRetryPolicy() (RetryPolicy, error) {
	policy := DefaultRetryPolicy()
	if r.MaxAttempts > 0 {
		policy.MaxAttempts = r.MaxAttempts
	}
	if r.Multiplier > 0 {
		policy.Multiplier = r.Multiplier
	}
	if r.Jitter > 0 {
		policy.JitterFraction = r.Jitter
	}
	policy.RetriableCodes = r.Retriable
	if r.OnTimeout != nil {
		policy.OnTimeout = *r.OnTimeout
	}

	var err error
	if r.InitialBackoff != "" {
		if policy.InitialBackoff, err = time.ParseDuration(r.InitialBackoff); err != nil {
			return policy, fmt.Errorf("retry.initial_backoff: %w", err)
		}
	}
	if r.MaxBackoff != "" {
		if policy.MaxBackoff, err = time.ParseDuration(r.MaxBackoff); err != nil {
			return policy, fmt.Errorf("retry.max_backoff: %w", err)
		}
	}
	return policy, nil
}

func parseDurationOrDefault(s string) (time.Duration, error) {
	if s == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(s)
}

// ParseError wraps a YAML definition parsing failure with the step it
// occurred on, if any.
type ParseError struct {
	Op     string
	StepID string
	Err    error
}

func (e *ParseError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s [step=%s]: %v", e.Op, e.StepID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
