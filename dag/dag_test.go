package dag

import (
	"testing"
	"time"

	"github.com/flowkit/engine/workflow"
)

func step(id string, deps ...string) workflow.StepSpec {
	return workflow.StepSpec{
		ID:         id,
		ActionKind: "validate",
		DependsOn:  deps,
		Retry:      workflow.DefaultRetryPolicy(),
		Timeout:    time.Second,
		OnError:    workflow.OnError{Mode: workflow.OnErrorFail},
	}
}

func TestNew_RejectsCycle(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID:    "cyclic",
		Steps: []workflow.StepSpec{step("a", "b"), step("b", "a")},
	}
	_, err := New(def)
	if err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestReady_LinearChain(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID:    "linear",
		Steps: []workflow.StepSpec{step("a"), step("b", "a")},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ready := p.Ready()
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("Ready() = %v, want [a]", ready)
	}

	p.MarkRunning("a")
	if ready := p.Ready(); len(ready) != 0 {
		t.Fatalf("Ready() while a is running = %v, want empty", ready)
	}

	p.MarkSucceeded("a")
	ready = p.Ready()
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Fatalf("Ready() after a succeeds = %v, want [b]", ready)
	}
}

func TestReady_DiamondParallelism(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID: "diamond",
		Steps: []workflow.StepSpec{
			step("a"),
			step("b", "a"),
			step("c", "a"),
			step("d", "b", "c"),
		},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p.MarkRunning("a")
	p.MarkSucceeded("a")

	ready := p.Ready()
	if len(ready) != 2 || ready[0].ID != "b" || ready[1].ID != "c" {
		t.Fatalf("Ready() after a succeeds = %v, want [b c]", ready)
	}

	p.MarkRunning("b")
	p.MarkRunning("c")
	p.MarkSucceeded("b")
	if ready := p.Ready(); len(ready) != 0 {
		t.Fatalf("Ready() with c still running = %v, want empty", ready)
	}
	p.MarkSucceeded("c")

	ready = p.Ready()
	if len(ready) != 1 || ready[0].ID != "d" {
		t.Fatalf("Ready() after b,c succeed = %v, want [d]", ready)
	}
}

func TestReady_DeterministicTieBreak(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID:    "fan-out",
		Steps: []workflow.StepSpec{step("a"), step("z", "a"), step("m", "a"), step("b", "a")},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	p.MarkRunning("a")
	p.MarkSucceeded("a")

	ready := p.Ready()
	want := []string{"b", "m", "z"}
	if len(ready) != len(want) {
		t.Fatalf("Ready() length = %d, want %d", len(ready), len(want))
	}
	for i, id := range want {
		if ready[i].ID != id {
			t.Errorf("Ready()[%d] = %q, want %q", i, ready[i].ID, id)
		}
	}
}

func TestMarkFailed_CascadesSkipToDescendants(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID: "fail-cascade",
		Steps: []workflow.StepSpec{
			step("a"),
			step("b", "a"),
			step("c", "b"),
		},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	p.MarkRunning("a")
	p.MarkFailed("a", true)

	if status, _ := p.Status("b"); status != StatusSkipped {
		t.Errorf("Status(b) = %v, want Skipped", status)
	}
	if status, _ := p.Status("c"); status != StatusSkipped {
		t.Errorf("Status(c) = %v, want Skipped", status)
	}
	if !p.Done() {
		t.Error("Done() = false, want true once descendants are skipped")
	}
	if failed := p.Failed(); len(failed) != 1 || failed[0] != "a" {
		t.Errorf("Failed() = %v, want [a]", failed)
	}
}

func TestLayers_DiamondHasThreeLevels(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID: "diamond",
		Steps: []workflow.StepSpec{
			step("a"),
			step("b", "a"),
			step("c", "a"),
			step("d", "b", "c"),
		},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	layers := p.Layers()
	if len(layers) != 3 {
		t.Fatalf("Layers() length = %d, want 3", len(layers))
	}
	if len(layers[1]) != 2 || layers[1][0] != "b" || layers[1][1] != "c" {
		t.Errorf("Layers()[1] = %v, want [b c]", layers[1])
	}
}

func TestForceReady_BypassesUnsatisfiedDependency(t *testing.T) {
	def := &workflow.WorkflowDef{
		ID: "route",
		Steps: []workflow.StepSpec{
			step("a"),
			step("recover", "a"),
		},
	}
	p, err := New(def)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if ready := p.Ready(); len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("Ready() = %v, want [a]", ready)
	}

	p.ForceReady("recover")
	ready := p.Ready()
	if len(ready) != 2 || ready[0].ID != "a" || ready[1].ID != "recover" {
		t.Fatalf("Ready() after ForceReady = %v, want [a recover]", ready)
	}
}
