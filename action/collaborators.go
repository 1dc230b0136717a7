package action

import (
	"context"

	"github.com/flowkit/engine/value"
)

// AgentRouter is the LLM routing collaborator invoke_agent calls into.
// Implementations typically wrap an HTTP client to an external routing
// service; the registry only depends on this narrow interface so tests
// can supply a fake.
type AgentRouter interface {
	Invoke(ctx context.Context, agentID, prompt string, tools []string) (value.Value, error)
}

// SandboxRunner is the code-execution collaborator execute_code calls
// into.
type SandboxRunner interface {
	Run(ctx context.Context, language, code, stdin string, timeoutSeconds int) (stdout string, exitCode int, artifacts []string, err error)
}

// SignalWaiter lets the wait action kind suspend for an external signal
// keyed by (run_id, signal_name). The engine package's in-process
// signalBroker implements it; signals are held in memory only and are not
// recorded in the Checkpoint Store.
type SignalWaiter interface {
	WaitForSignal(ctx context.Context, runID, signalName string) (value.Value, error)
}

// SubWorkflowRunner invokes another WorkflowDef to completion and returns
// its outputs. The engine package is the natural implementer, since it
// owns the submission/run lifecycle that sub_workflow needs to recurse
// into.
type SubWorkflowRunner interface {
	RunSubWorkflow(ctx context.Context, workflowID string, inputs value.Value) (value.Value, error)
}

type collaborators struct {
	agents   AgentRouter
	sandbox  SandboxRunner
	signals  SignalWaiter
	subRun   SubWorkflowRunner
	toolAllow map[string]bool
}

// Option configures the collaborators a Registry's built-in action kinds
// dispatch into. Kinds left unconfigured report permanent_error when
// invoked rather than panicking, so a Registry is always safe to build
// and validate definitions against even before collaborators exist.
type Option func(*collaborators)

func WithAgentRouter(r AgentRouter) Option {
	return func(c *collaborators) { c.agents = r }
}

func WithSandboxRunner(r SandboxRunner) Option {
	return func(c *collaborators) { c.sandbox = r }
}

func WithSignalWaiter(w SignalWaiter) Option {
	return func(c *collaborators) { c.signals = w }
}

func WithSubWorkflowRunner(r SubWorkflowRunner) Option {
	return func(c *collaborators) { c.subRun = r }
}

// WithAllowedCommands restricts run_command's shell path to a fixed
// allowlist of binaries, enforced by the tool governance layer described
// in §4.4. An empty/unset allowlist means run_command's shell path is
// always rejected; the HTTP path is unaffected.
func WithAllowedCommands(names ...string) Option {
	return func(c *collaborators) {
		c.toolAllow = make(map[string]bool, len(names))
		for _, n := range names {
			c.toolAllow[n] = true
		}
	}
}
