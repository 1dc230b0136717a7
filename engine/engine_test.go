package engine

import (
	"context"
	"testing"
	"time"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg, err := core.NewConfig(core.WithDevelopmentMode(true), core.WithLogLevel("error"))
	if err != nil {
		t.Fatalf("NewConfig() error: %v", err)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return e
}

func waitDef(onTimeoutSeconds int64) *workflow.WorkflowDef {
	return &workflow.WorkflowDef{
		ID:               "demo",
		ConcurrencyLimit: 2,
		Steps: []workflow.StepSpec{
			{
				ID:         "pause",
				ActionKind: "wait",
				Config:     value.Map(map[string]value.Value{"duration_seconds": value.Int(onTimeoutSeconds)}),
				Timeout:    5 * time.Second,
				Retry:      workflow.DefaultRetryPolicy(),
				OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}
}

func TestSubmit_RejectsInvalidDefinition(t *testing.T) {
	e := newTestEngine(t)
	bad := &workflow.WorkflowDef{ID: "", Steps: nil}
	if _, err := e.Submit(context.Background(), "tenant-a", bad, nil); err == nil {
		t.Fatal("expected Submit to reject an invalid definition")
	}
}

func TestSubmit_RejectsEmptyTenant(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Submit(context.Background(), "", waitDef(0), nil); err == nil {
		t.Fatal("expected Submit to reject an empty tenant id")
	}
}

func TestSubmitAndGetRun_RunsToCompletion(t *testing.T) {
	e := newTestEngine(t)
	runID, err := e.Submit(context.Background(), "tenant-a", waitDef(0), nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if runID == "" {
		t.Fatal("Submit() returned empty run id")
	}

	deadline := time.Now().Add(2 * time.Second)
	var run WorkflowRun
	for time.Now().Before(deadline) {
		run, err = e.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if run.Status != "running" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if run.Status != "succeeded" {
		t.Fatalf("run.Status = %q, want succeeded", run.Status)
	}
	if run.TenantID != "tenant-a" || run.WorkflowID != "demo" {
		t.Fatalf("unexpected run metadata: %+v", run)
	}
}

func TestGetRun_UnknownRunIDFails(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.GetRun(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected GetRun to fail for an unknown run id")
	}
}

func TestCancelRun_StopsAWaitingRun(t *testing.T) {
	e := newTestEngine(t)
	runID, err := e.Submit(context.Background(), "tenant-b", waitDef(30), nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := e.CancelRun(context.Background(), runID, "test cancellation"); err != nil {
		t.Fatalf("CancelRun() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var run WorkflowRun
	for time.Now().Before(deadline) {
		run, err = e.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if run.Status != "running" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if run.Status != "cancelled" {
		t.Fatalf("run.Status = %q, want cancelled", run.Status)
	}
}

func TestSendSignal_UnblocksAWaitingStep(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.WorkflowDef{
		ID:               "signal-demo",
		ConcurrencyLimit: 1,
		Steps: []workflow.StepSpec{
			{
				ID:         "approval",
				ActionKind: "wait",
				Config:     value.Map(map[string]value.Value{"signal_name": value.Text("approved")}),
				Timeout:    5 * time.Second,
				Retry:      workflow.DefaultRetryPolicy(),
				OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}

	runID, err := e.Submit(context.Background(), "tenant-c", def, nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := e.SendSignal(context.Background(), runID, "approved", value.Text("ok")); err != nil {
		t.Fatalf("SendSignal() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var run WorkflowRun
	for time.Now().Before(deadline) {
		run, err = e.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if run.Status != "running" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if run.Status != "succeeded" {
		t.Fatalf("run.Status = %q, want succeeded", run.Status)
	}
}

func TestSubmit_SubWorkflowRecursesIntoRegisteredDefinition(t *testing.T) {
	e := newTestEngine(t)

	child := &workflow.WorkflowDef{
		ID:               "child",
		ConcurrencyLimit: 1,
		Steps: []workflow.StepSpec{
			{
				ID:         "pick",
				ActionKind: "transform",
				Config: value.Map(map[string]value.Value{
					"pick": value.List([]value.Value{value.Text("note")}),
				}),
				Inputs:  map[string]string{"note": "${inputs.note}"},
				Timeout: 5 * time.Second,
				Retry:   workflow.DefaultRetryPolicy(),
				OnError: workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}
	if err := e.RegisterWorkflow(child); err != nil {
		t.Fatalf("RegisterWorkflow() error: %v", err)
	}

	parent := &workflow.WorkflowDef{
		ID:               "parent",
		ConcurrencyLimit: 1,
		Steps: []workflow.StepSpec{
			{
				ID:         "delegate",
				ActionKind: "sub_workflow",
				Config: value.Map(map[string]value.Value{
					"workflow_id": value.Text("child"),
				}),
				Inputs:  map[string]string{"note": "${inputs.note}"},
				Timeout: 5 * time.Second,
				Retry:   workflow.DefaultRetryPolicy(),
				OnError: workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}

	runID, err := e.Submit(context.Background(), "tenant-f", parent, map[string]value.Value{
		"note": value.Text("delegated"),
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var run WorkflowRun
	for time.Now().Before(deadline) {
		run, err = e.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun() error: %v", err)
		}
		if run.Status != "running" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if run.Status != "succeeded" {
		t.Fatalf("run.Status = %q, want succeeded", run.Status)
	}
}

func TestListRuns_FiltersByTenantAndStatus(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Submit(context.Background(), "tenant-d", waitDef(0), nil); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if _, err := e.Submit(context.Background(), "tenant-e", waitDef(0), nil); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := e.ListRuns(context.Background(), "tenant-d", RunFilter{Status: "succeeded"})
		if err != nil {
			t.Fatalf("ListRuns() error: %v", err)
		}
		if len(runs) == 1 {
			if runs[0].TenantID != "tenant-d" {
				t.Fatalf("ListRuns leaked a run from another tenant: %+v", runs[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tenant-d's run never reached succeeded within the deadline")
}
