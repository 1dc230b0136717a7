// Package dag implements the DAG Planner (C3): validates a workflow
// definition's dependency graph, computes a deterministic layered
// topological order, and derives ready-sets as steps complete.
//
// Grounded on the teacher's WorkflowDAG (orchestration/workflow_dag.go):
// the same node/dependents bookkeeping and Kahn's-algorithm layering,
// generalized with an explicit ascending-id tie-break so replays of the
// same definition and completion timings produce the same step start
// order, and specialized cycle detection that surfaces def_cycle instead
// of a generic error.
package dag

import (
	"sort"
	"sync"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/workflow"
)

// NodeStatus mirrors the StepState machine in §3 of the specification.
type NodeStatus int

const (
	StatusPending NodeStatus = iota
	StatusReady
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
	StatusCancelled
)

func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

type node struct {
	step       workflow.StepSpec
	dependents []string
	status     NodeStatus
	forced     bool // set by ForceReady, used by on_error=route_to
}

// Planner holds the node graph for one WorkflowDef instance (one per
// WorkflowRun; Planners are not shared across runs).
type Planner struct {
	mu    sync.RWMutex
	nodes map[string]*node
	order []string // ids in insertion order, used for deterministic discovery
}

// New builds a Planner from a WorkflowDef. The def is assumed to have
// already passed workflow.WorkflowDef.Validate; New re-derives the
// reverse (dependents) edges needed for fail-fast cancellation and
// re-validates acyclicity defensively.
func New(def *workflow.WorkflowDef) (*Planner, error) {
	p := &Planner{nodes: make(map[string]*node, len(def.Steps))}

	ids := make([]string, 0, len(def.Steps))
	for _, s := range def.Steps {
		p.nodes[s.ID] = &node{step: s, status: StatusPending}
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	p.order = ids

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			depNode, ok := p.nodes[dep]
			if !ok {
				return nil, &core.EngineError{Op: "dag.New", Class: "permanent", Code: "def_missing_dep", StepID: s.ID, Message: "dependency does not exist", Err: core.ErrMissingDep}
			}
			depNode.dependents = append(depNode.dependents, s.ID)
		}
	}
	for _, n := range p.nodes {
		sort.Strings(n.dependents)
	}

	if err := p.detectCycle(); err != nil {
		return nil, err
	}
	return p, nil
}

// detectCycle runs DFS over dependents in ascending-id discovery order,
// so the reported cycle is deterministic across runs of the same def.
func (p *Planner) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(p.nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)

		for _, dep := range p.nodes[id].dependents {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return &core.EngineError{Op: "dag.detectCycle", Class: "permanent", Code: "def_cycle", Message: "cycle in step dependency graph", Err: core.ErrCycle}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range p.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Layers returns the topological order grouped by execution level (Kahn's
// algorithm), ties broken by ascending step id within each level.
func (p *Planner) Layers() [][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	inDegree := make(map[string]int, len(p.nodes))
	for id, n := range p.nodes {
		inDegree[id] = len(n.step.DependsOn)
	}

	var layers [][]string
	remaining := len(p.nodes)
	for remaining > 0 {
		var layer []string
		for _, id := range p.order {
			if inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			break // cycle; New() should already have rejected this
		}
		sort.Strings(layer)
		layers = append(layers, layer)

		for _, id := range layer {
			inDegree[id] = -1 // mark processed
			remaining--
			for _, dependent := range p.nodes[id].dependents {
				if inDegree[dependent] > 0 {
					inDegree[dependent]--
				}
			}
		}
	}
	return layers
}

// Ready returns every step whose dependencies are all in a terminal
// success state (succeeded or skipped-but-satisfied via on_error=continue)
// and which is not already ready, running, or terminal. The returned
// slice is sorted by ascending step id for deterministic scheduling.
func (p *Planner) Ready() []workflow.StepSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var ready []string
	for _, id := range p.order {
		n := p.nodes[id]
		if n.status != StatusPending {
			continue
		}
		if p.dependenciesSatisfied(n) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	out := make([]workflow.StepSpec, len(ready))
	for i, id := range ready {
		out[i] = p.nodes[id].step
	}
	return out
}

func (p *Planner) dependenciesSatisfied(n *node) bool {
	if n.forced {
		return true
	}
	for _, dep := range n.step.DependsOn {
		depNode := p.nodes[dep]
		if depNode.status != StatusSucceeded && depNode.status != StatusSkipped {
			return false
		}
	}
	return true
}

// ForceReady bypasses id's dependency check so it appears in the next
// Ready() call regardless of whether its declared dependencies have
// completed. Used by the Workflow Executor to implement on_error=route_to:
// the failing step's route target becomes eligible immediately rather
// than waiting on a dependency chain it may never satisfy.
func (p *Planner) ForceReady(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[id]; ok {
		n.forced = true
	}
}

// MarkReady, MarkRunning, MarkSucceeded, MarkCancelled set a step's
// status. MarkFailed additionally cascades skip to all descendants when
// cascadeSkip is true (on_error == fail).
func (p *Planner) MarkReady(id string)     { p.setStatus(id, StatusReady) }
func (p *Planner) MarkRunning(id string)   { p.setStatus(id, StatusRunning) }
func (p *Planner) MarkSucceeded(id string) { p.setStatus(id, StatusSucceeded) }
func (p *Planner) MarkCancelled(id string) { p.setStatus(id, StatusCancelled) }

// MarkFailedContinue records id as failed-but-satisfied for on_error ==
// continue: the step itself is terminal (it does not retry further or
// re-enter Ready), but dependenciesSatisfied treats StatusSkipped the
// same as StatusSucceeded, so its dependents still become ready instead
// of being cascade-skipped like a hard failure.
func (p *Planner) MarkFailedContinue(id string) { p.setStatus(id, StatusSkipped) }

func (p *Planner) MarkFailed(id string, cascadeSkip bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n, ok := p.nodes[id]; ok {
		n.status = StatusFailed
		if cascadeSkip {
			p.skipDescendants(id)
		}
	}
}

func (p *Planner) skipDescendants(id string) {
	n, ok := p.nodes[id]
	if !ok {
		return
	}
	for _, dependent := range n.dependents {
		depNode := p.nodes[dependent]
		if depNode.status == StatusPending || depNode.status == StatusReady {
			depNode.status = StatusSkipped
			p.skipDescendants(dependent)
		}
	}
}

func (p *Planner) setStatus(id string, status NodeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.nodes[id]; ok {
		n.status = status
	}
}

// Status returns the current status of a step, or (StatusPending, false)
// if the id is unknown.
func (p *Planner) Status(id string) (NodeStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n, ok := p.nodes[id]
	if !ok {
		return StatusPending, false
	}
	return n.status, true
}

// Done reports whether every step has reached a terminal state.
func (p *Planner) Done() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if !n.status.Terminal() {
			return false
		}
	}
	return true
}

// Failed reports the ids of every step currently in StatusFailed, sorted
// ascending; used by the Workflow Executor to derive the run's terminal
// classification and first-failing-step identity.
func (p *Planner) Failed() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for _, id := range p.order {
		if p.nodes[id].status == StatusFailed {
			ids = append(ids, id)
		}
	}
	return ids
}
