package action

import (
	"context"
	"errors"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// invoke_agent calls the LLM routing collaborator. config carries
// agent_id (text, required), prompt (text, required; already expression
// resolved by the Step Executor before this handler runs), and an
// optional tools list. Retriable on transport errors, permanent on
// policy-block, per §4.4.
func invokeAgentKind(c *collaborators) *Kind {
	return &Kind{
		Name: "invoke_agent",
		ValidateConfig: func(config value.Value) error {
			if _, err := requireTextField(config, "agent_id"); err != nil {
				return err
			}
			if _, err := requireTextField(config, "prompt"); err != nil {
				return err
			}
			return nil
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if c.agents == nil {
				return Result{Outcome: PermanentError, Err: core.NewEngineError("action.invoke_agent", "permanent", "action_unconfigured", core.ErrMissingConfiguration)}
			}
			agentID, _ := requireTextField(config, "agent_id")
			prompt, _ := requireTextField(config, "prompt")
			tools := textListField(config, "tools")

			resp, err := c.agents.Invoke(ctx, agentID, prompt, tools)
			if err != nil {
				if ctx.Err() != nil {
					return Result{Outcome: Cancelled, Err: core.NewEngineError("action.invoke_agent", "cancelled", "action_cancelled", core.ErrCancelled)}
				}
				if errors.Is(err, core.ErrPromptInjectionBlocked) || errors.Is(err, core.ErrToolNotAllowed) {
					return Result{Outcome: PermanentError, Err: core.NewEngineError("action.invoke_agent", "permanent", "action_policy_block", err)}
				}
				return Result{Outcome: RetriableError, Err: core.NewEngineError("action.invoke_agent", "retriable", "action_transport", err)}
			}
			return Result{Outcome: Success, Output: resp}
		},
		EstimatedCost: func(config value.Value) float64 { return 5.0 },
	}
}

func textListField(config value.Value, name string) []string {
	f, ok := configField(config, name)
	if !ok {
		return nil
	}
	items, ok := f.AsList()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.AsText(); ok {
			out = append(out, s)
		}
	}
	return out
}
