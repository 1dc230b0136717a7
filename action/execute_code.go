package action

import (
	"context"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// executeCodeConfig is execute_code's declared config shape, decoded via
// mapstructure from the StepSpec's config.Value and checked with
// validator struct tags before any sandbox call is attempted.
type executeCodeConfig struct {
	Language       string `mapstructure:"language" validate:"required"`
	Code           string `mapstructure:"code" validate:"required"`
	Stdin          string `mapstructure:"stdin"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RetryOnNonzero bool   `mapstructure:"retry_on_nonzero"`
}

// execute_code submits code to the sandbox collaborator with a declared
// contract: language, code, optional stdin, and a timeout in seconds.
// Retriable on infrastructure errors (sandbox unreachable, provisioning
// failure); permanent on a non-zero exit code unless config.retry_on_nonzero
// is true, per §4.4.
func executeCodeKind(c *collaborators) *Kind {
	return &Kind{
		Name: "execute_code",
		ValidateConfig: func(config value.Value) error {
			var cfg executeCodeConfig
			return decodeConfig(config, &cfg)
		},
		Run: func(ctx context.Context, key IdempotencyKey, config, inputs value.Value) Result {
			if c.sandbox == nil {
				return Result{Outcome: PermanentError, Err: core.NewEngineError("action.execute_code", "permanent", "action_unconfigured", core.ErrMissingConfiguration)}
			}
			var cfg executeCodeConfig
			if err := decodeConfig(config, &cfg); err != nil {
				return Result{Outcome: PermanentError, Err: core.NewEngineError("action.execute_code", "permanent", "action_schema", core.ErrSchema)}
			}
			if cfg.TimeoutSeconds <= 0 {
				cfg.TimeoutSeconds = 30
			}

			stdout, exitCode, artifacts, err := c.sandbox.Run(ctx, cfg.Language, cfg.Code, cfg.Stdin, cfg.TimeoutSeconds)
			if err != nil {
				if ctx.Err() != nil {
					return Result{Outcome: Cancelled, Err: core.NewEngineError("action.execute_code", "cancelled", "action_cancelled", core.ErrCancelled)}
				}
				return Result{Outcome: RetriableError, Err: core.NewEngineError("action.execute_code", "retriable", "action_sandbox_unavailable", err)}
			}

			artifactValues := make([]value.Value, len(artifacts))
			for i, a := range artifacts {
				artifactValues[i] = value.Text(a)
			}
			out := value.Map(map[string]value.Value{
				"stdout":    value.Text(stdout),
				"exit_code": value.Int(int64(exitCode)),
				"artifacts": value.List(artifactValues),
			})

			if exitCode != 0 && !cfg.RetryOnNonzero {
				return Result{Outcome: PermanentError, Output: out, Err: core.NewEngineError("action.execute_code", "permanent", "action_nonzero_exit", core.ErrPermanent)}
			}
			if exitCode != 0 {
				return Result{Outcome: RetriableError, Output: out, Err: core.NewEngineError("action.execute_code", "retriable", "action_nonzero_exit", core.ErrRetriable)}
			}
			return Result{Outcome: Success, Output: out}
		},
		EstimatedCost: func(config value.Value) float64 { return 3.0 },
	}
}
