// Command engine is a thin wiring demo for the workflow engine: it
// builds an Engine from environment configuration, submits one sample
// workflow definition, and polls until it reaches a terminal state. It
// is not a server or CLI framework; an HTTP front end over the
// Submission API is left to the embedding application.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/engine"
	"github.com/flowkit/engine/pkg/logger"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

func main() {
	log := logger.NewSimpleLogger()

	cfg, err := core.NewConfig(
		core.WithEngineName("flowkit-demo"),
		core.WithDevelopmentMode(true),
	)
	if err != nil {
		log.Error("failed to build engine configuration", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		log.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	def := sampleWorkflow()
	runID, err := eng.Submit(ctx, "demo-tenant", def, map[string]value.Value{
		"greeting": value.Text("hello from the sample run"),
	})
	if err != nil {
		log.Error("submit failed", "error", err)
		os.Exit(1)
	}
	log.Info("submitted run", "run_id", runID, "workflow_id", def.ID)

	pollUntilTerminal(ctx, log, eng, runID)
}

func sampleWorkflow() *workflow.WorkflowDef {
	return &workflow.WorkflowDef{
		ID:               "sample-greeting",
		Version:          "1",
		ConcurrencyLimit: 2,
		GlobalTimeout:    2 * time.Minute,
		Steps: []workflow.StepSpec{
			{
				ID:         "announce",
				ActionKind: "transform",
				Config: value.Map(map[string]value.Value{
					"pick": value.List([]value.Value{value.Text("message")}),
				}),
				Inputs: map[string]string{
					"message": "${inputs.greeting}",
				},
				Timeout: 10 * time.Second,
				Retry:   workflow.DefaultRetryPolicy(),
				OnError: workflow.OnError{Mode: workflow.OnErrorFail},
			},
			{
				ID:         "pause",
				ActionKind: "wait",
				Config:     value.Map(map[string]value.Value{"duration_seconds": value.Int(1)}),
				DependsOn:  []string{"announce"},
				Timeout:    10 * time.Second,
				Retry:      workflow.DefaultRetryPolicy(),
				OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}
}

func pollUntilTerminal(ctx context.Context, log logger.Logger, eng *engine.Engine, runID string) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down before run completion", "run_id", runID)
			return
		case <-ticker.C:
			run, err := eng.GetRun(ctx, runID)
			if err != nil {
				log.Error("get_run failed", "error", err)
				return
			}
			if run.Status == "running" {
				continue
			}
			log.Info("run finished", "run_id", runID, "status", run.Status)
			return
		}
	}
}
