package executor

import (
	"context"
	"testing"
	"time"

	"github.com/flowkit/engine/action"
	"github.com/flowkit/engine/checkpoint"
	"github.com/flowkit/engine/value"
	"github.com/flowkit/engine/workflow"
)

func groupChildSpec(actionKind string, pick string) value.Value {
	return value.Map(map[string]value.Value{
		"action_kind": value.Text(actionKind),
		"config":      value.Map(map[string]value.Value{"pick": value.List([]value.Value{value.Text(pick)})}),
		"inputs":      value.Map(map[string]value.Value{pick: value.Text("${inputs." + pick + "}")}),
	})
}

func TestExecute_ParallelGroupAllSucceed(t *testing.T) {
	wfExec, _ := newTestWorkflowExecutor()

	def := &workflow.WorkflowDef{
		ID:               "fan-out",
		ConcurrencyLimit: 4,
		Steps: []workflow.StepSpec{
			{
				ID:         "fan",
				ActionKind: "parallel_group",
				Config: value.Map(map[string]value.Value{
					"completion_policy": value.Text("first_failure"),
					"children": value.List([]value.Value{
						groupChildSpec("transform", "a"),
						groupChildSpec("transform", "b"),
					}),
				}),
				Retry:   fastRetry(),
				Timeout: time.Second,
				OnError: workflow.OnError{Mode: workflow.OnErrorFail},
			},
			{
				ID:         "after",
				ActionKind: "validate",
				DependsOn:  []string{"fan"},
				Inputs:     map[string]string{},
				Retry:      fastRetry(),
				Timeout:    time.Second,
				OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}

	outcome, err := wfExec.Execute(context.Background(), "run-group-1", "tenant-a", def,
		map[string]value.Value{"a": value.Text("x"), "b": value.Text("y")}, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if outcome.Status != "succeeded" {
		t.Fatalf("Status = %q, want succeeded", outcome.Status)
	}
	fanResult, ok := outcome.Steps["fan"]
	if !ok {
		t.Fatal("expected a result for the group's own step id")
	}
	if fanResult.Outcome != action.Success {
		t.Fatalf("fan outcome = %v, want Success", fanResult.Outcome)
	}
	items, ok := fanResult.Output.AsList()
	if !ok || len(items) != 2 {
		t.Fatalf("fan output = %+v, want a 2-item list", fanResult.Output)
	}
	if _, ran := outcome.Steps["after"]; !ran {
		t.Error("after should have run once the group joined successfully")
	}
	if _, ranChild := outcome.Steps["fan/0"]; !ranChild {
		t.Error("expected child step fan/0 to have run and recorded a result")
	}
}

func TestExecute_ParallelGroupFirstFailureFailsGroup(t *testing.T) {
	wfExec, store := newTestWorkflowExecutor()

	okChild := value.Map(map[string]value.Value{
		"action_kind": value.Text("validate"),
		"config":      value.Map(map[string]value.Value{"required": value.List([]value.Value{value.Text("present")})}),
		"inputs":      value.Map(map[string]value.Value{"present": value.Text("${inputs.present}")}),
	})
	failChild := value.Map(map[string]value.Value{
		"action_kind": value.Text("validate"),
		"config":      value.Map(map[string]value.Value{"required": value.List([]value.Value{value.Text("missing")})}),
		"inputs":      value.Map(map[string]value.Value{}),
	})

	def := &workflow.WorkflowDef{
		ID:               "fan-out-fail",
		ConcurrencyLimit: 4,
		Steps: []workflow.StepSpec{
			{
				ID:         "fan",
				ActionKind: "parallel_group",
				Config: value.Map(map[string]value.Value{
					"completion_policy": value.Text("first_failure"),
					"children":          value.List([]value.Value{okChild, failChild}),
				}),
				Retry:   fastRetry(),
				Timeout: time.Second,
				OnError: workflow.OnError{Mode: workflow.OnErrorFail},
			},
			{
				ID:         "after",
				ActionKind: "validate",
				DependsOn:  []string{"fan"},
				Inputs:     map[string]string{},
				Retry:      fastRetry(),
				Timeout:    time.Second,
				OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
			},
		},
	}

	// okChild's required field ("present") resolves from the run's
	// inputs; failChild requires a field ("missing") nothing supplies,
	// so it fails validation and the group fails despite okChild
	// succeeding.
	outcome, err := wfExec.Execute(context.Background(), "run-group-2", "tenant-a", def,
		map[string]value.Value{"present": value.Text("x")}, nil)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if outcome.Status != "failed" {
		t.Fatalf("Status = %q, want failed", outcome.Status)
	}
	if outcome.FailedStep != "fan" {
		t.Errorf("FailedStep = %q, want fan", outcome.FailedStep)
	}
	if _, ran := outcome.Steps["after"]; ran {
		t.Error("after should have been skipped once the group failed")
	}

	events, err := store.Load(context.Background(), "run-group-2")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if checkpoint.Materialize("run-group-2", events).Status != "failed" {
		t.Error("materialized status should be failed")
	}
}

func TestDecodeGroupChildren_RejectsEmptyOrMalformed(t *testing.T) {
	if _, err := decodeGroupChildren(value.Map(map[string]value.Value{})); err == nil {
		t.Error("expected an error when config.children is missing")
	}
	if _, err := decodeGroupChildren(value.Map(map[string]value.Value{
		"children": value.List(nil),
	})); err == nil {
		t.Error("expected an error when config.children is empty")
	}
	if _, err := decodeGroupChildren(value.Map(map[string]value.Value{
		"children": value.List([]value.Value{value.Map(map[string]value.Value{})}),
	})); err == nil {
		t.Error("expected an error when a child is missing action_kind")
	}
}

func TestExpandGroups_JoinDependsOnExpandedChildren(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID: "expand-only",
		Steps: []workflow.StepSpec{
			{
				ID:         "fan",
				ActionKind: "parallel_group",
				Config: value.Map(map[string]value.Value{
					"children": value.List([]value.Value{
						groupChildSpec("transform", "a"),
						groupChildSpec("transform", "b"),
						groupChildSpec("transform", "c"),
					}),
				}),
				Timeout: time.Second,
				Retry:   fastRetry(),
			},
		},
	}

	expanded, groups, err := expandGroups(def)
	if err != nil {
		t.Fatalf("expandGroups() error: %v", err)
	}
	group, ok := groups["fan"]
	if !ok {
		t.Fatal("expected group metadata for step \"fan\"")
	}
	if len(group.childIDs) != 3 {
		t.Fatalf("len(childIDs) = %d, want 3", len(group.childIDs))
	}
	if len(expanded.Steps) != 4 {
		t.Fatalf("len(expanded.Steps) = %d, want 4 (3 children + join)", len(expanded.Steps))
	}

	var join *workflow.StepSpec
	for i := range expanded.Steps {
		if expanded.Steps[i].ID == "fan" {
			join = &expanded.Steps[i]
		}
	}
	if join == nil {
		t.Fatal("expected the join step to keep the group's original id")
	}
	if len(join.DependsOn) != 3 {
		t.Fatalf("join.DependsOn = %v, want the 3 child ids", join.DependsOn)
	}
}
