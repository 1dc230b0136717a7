package action

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	resty "github.com/go-resty/resty/v2"
)

// run_command invokes either an HTTP endpoint (config.url set) or a
// governed shell command (config.command set) via the tool governance
// layer. Exactly one of the two must be set.
func runCommandKind(c *collaborators) *Kind {
	return &Kind{
		Name: "run_command",
		ValidateConfig: func(config value.Value) error {
			_, hasURL := configField(config, "url")
			_, hasCmd := configField(config, "command")
			if hasURL == hasCmd {
				return core.ErrSchema
			}
			return nil
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if _, hasURL := configField(config, "url"); hasURL {
				return runHTTPCommand(ctx, config)
			}
			return runShellCommand(ctx, c, config)
		},
		EstimatedCost: func(config value.Value) float64 { return 1.0 },
	}
}

func runHTTPCommand(ctx context.Context, config value.Value) Result {
	url, _ := requireTextField(config, "url")
	method := optionalTextField(config, "method", "GET")
	body := optionalTextField(config, "body", "")

	client := resty.New().SetTimeout(30 * time.Second)
	req := client.R().SetContext(ctx)
	if body != "" {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: Cancelled, Err: core.NewEngineError("action.run_command", "cancelled", "action_cancelled", core.ErrCancelled)}
		}
		return Result{Outcome: RetriableError, Err: core.NewEngineError("action.run_command", "retriable", "action_transport", err)}
	}

	out := value.Map(map[string]value.Value{
		"status_code": value.Int(int64(resp.StatusCode())),
		"body":        value.Text(string(resp.Body())),
	})
	if resp.StatusCode() >= 500 {
		return Result{Outcome: RetriableError, Output: out, Err: core.NewEngineError("action.run_command", "retriable", "action_http_5xx", core.ErrRetriable)}
	}
	if resp.StatusCode() >= 400 {
		return Result{Outcome: PermanentError, Output: out, Err: core.NewEngineError("action.run_command", "permanent", "action_http_4xx", core.ErrPermanent)}
	}
	return Result{Outcome: Success, Output: out}
}

func runShellCommand(ctx context.Context, c *collaborators, config value.Value) Result {
	command, _ := requireTextField(config, "command")
	args := textListField(config, "args")

	if len(c.toolAllow) == 0 || !c.toolAllow[command] {
		return Result{Outcome: PermanentError, Err: core.NewEngineError("action.run_command", "permanent", "action_tool_not_allowed", core.ErrToolNotAllowed)}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return Result{Outcome: Cancelled, Err: core.NewEngineError("action.run_command", "cancelled", "action_cancelled", core.ErrCancelled)}
	}

	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		return Result{Outcome: RetriableError, Err: core.NewEngineError("action.run_command", "retriable", "action_exec_failed", err)}
	}

	out := value.Map(map[string]value.Value{
		"stdout":    value.Text(stdout.String()),
		"stderr":    value.Text(stderr.String()),
		"exit_code": value.Int(int64(exitCode)),
	})
	if exitCode != 0 {
		return Result{Outcome: PermanentError, Output: out, Err: core.NewEngineError("action.run_command", "permanent", "action_nonzero_exit", core.ErrPermanent)}
	}
	return Result{Outcome: Success, Output: out}
}
