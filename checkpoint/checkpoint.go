// Package checkpoint implements the Checkpoint Store (C7): an append-only
// event log per run, a last-write-wins materialized view derived from it,
// and a lease/ownership model used for crash recovery.
//
// Grounded on the teacher's RedisCheckpointStore
// (orchestration/hitl_checkpoint_store.go) for the key-format and
// functional-options conventions; generalized from a single-purpose
// human-in-the-loop checkpoint into the general workflow-run event log
// described in §4.7, and given a second, Postgres-backed implementation
// per the specification's durability requirements for step_succeeded and
// step_failed events.
package checkpoint

import (
	"context"
	"sort"
	"time"

	"github.com/flowkit/engine/value"
)

// EventType enumerates the checkpoint event kinds in §4.7.
type EventType string

const (
	RunCreated         EventType = "run_created"
	RunStarted         EventType = "run_started"
	StepReady          EventType = "step_ready"
	StepRunning        EventType = "step_running"
	StepSucceeded      EventType = "step_succeeded"
	StepFailed         EventType = "step_failed"
	StepCancelled      EventType = "step_cancelled"
	StepSkipped        EventType = "step_skipped"
	StepRetryScheduled EventType = "step_retry_scheduled"
	RunFinished        EventType = "run_finished"
)

// durable reports whether an event type must be fsynced/acknowledged
// before the Step/Workflow Executor proceeds, per §4.7's durability
// contract. step_running is best-effort: losing the most recent one just
// means a crash-recovery scan re-observes the step as not yet started.
func (e EventType) durable() bool {
	switch e {
	case StepRunning:
		return false
	default:
		return true
	}
}

// Event is one append-only log entry for a single run.
type Event struct {
	RunID     string
	Seq       int64
	Type      EventType
	StepID    string // empty for run-scoped events
	Attempt   int
	Payload   value.Value
	Timestamp time.Time
}

// Durable reports whether this event must be durably persisted before
// the caller proceeds (see EventType.durable).
func (e Event) Durable() bool { return e.Type.durable() }

// StepState is the materialized, last-write-wins view of one step within
// a run.
type StepState struct {
	StepID        string
	Status        string // mirrors dag.NodeStatus.String-like values
	Attempt       int
	Output        value.Value
	Err           string
	LastEventSeq  int64
	LastUpdatedAt time.Time
}

// RunState is the materialized view of an entire run, derived by folding
// a run's event log.
type RunState struct {
	RunID         string
	Status        string // "running" | "succeeded" | "failed" | "cancelled"
	Steps         map[string]StepState
	CheckpointSeq int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Materialize folds an ordered event log into a RunState using
// last-write-wins per step id. Events must be supplied in ascending Seq
// order; Materialize does not re-sort beyond a defensive stable sort, so
// callers that read from a Store should rely on its own ordering
// guarantee rather than this fallback.
func Materialize(runID string, events []Event) RunState {
	sorted := append([]Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	state := RunState{RunID: runID, Status: "running", Steps: make(map[string]StepState)}
	for _, ev := range sorted {
		state.CheckpointSeq = ev.Seq
		state.UpdatedAt = ev.Timestamp
		if state.CreatedAt.IsZero() {
			state.CreatedAt = ev.Timestamp
		}

		switch ev.Type {
		case RunCreated:
			state.Status = "running"
		case RunFinished:
			if status, ok := ev.Payload.Field("status"); ok {
				if s, ok := status.AsText(); ok {
					state.Status = s
				}
			}
		case StepReady, StepRunning, StepSucceeded, StepFailed, StepCancelled, StepSkipped, StepRetryScheduled:
			s := state.Steps[ev.StepID]
			s.StepID = ev.StepID
			s.Attempt = ev.Attempt
			s.LastEventSeq = ev.Seq
			s.LastUpdatedAt = ev.Timestamp
			s.Status = stepStatusFor(ev.Type)
			if ev.Type == StepSucceeded {
				s.Output = ev.Payload
				s.Err = ""
			}
			if ev.Type == StepFailed {
				if msg, ok := ev.Payload.Field("error"); ok {
					if m, ok := msg.AsText(); ok {
						s.Err = m
					}
				}
			}
			state.Steps[ev.StepID] = s
		}
	}
	return state
}

func stepStatusFor(t EventType) string {
	switch t {
	case StepReady:
		return "ready"
	case StepRunning:
		return "running"
	case StepSucceeded:
		return "succeeded"
	case StepFailed:
		return "failed"
	case StepCancelled:
		return "cancelled"
	case StepSkipped:
		return "skipped"
	case StepRetryScheduled:
		return "retry_scheduled"
	default:
		return "pending"
	}
}

// Lease represents ownership of a run by one executor instance, used so
// exactly one worker drives a given run's steps at a time and so a crash
// can be detected and the run reclaimed after the lease expires.
type Lease struct {
	RunID     string
	OwnerID   string
	ExpiresAt time.Time
}

// Store is the Checkpoint Store contract. Implementations must append
// events durably for event types where Event.Durable() is true before
// returning from Append; step_running may be written best-effort (e.g.
// buffered or fire-and-forget) since losing it only costs a redundant
// recovery scan.
type Store interface {
	// Append writes one event to runID's log, assigning it the next
	// sequence number.
	Append(ctx context.Context, event Event) (seq int64, err error)

	// Load returns every event for runID in ascending Seq order.
	Load(ctx context.Context, runID string) ([]Event, error)

	// AcquireLease grants ownership of runID to ownerID for ttl if no
	// other owner currently holds an unexpired lease, or if ownerID
	// already holds it (renewal). Returns false, nil if another owner
	// holds the lease.
	AcquireLease(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error)

	// ReleaseLease drops ownerID's lease on runID, if it still holds it.
	ReleaseLease(ctx context.Context, runID, ownerID string) error

	// ScanExpiredLeases returns the ids of runs whose lease has expired,
	// for crash recovery: a surviving executor instance re-acquires the
	// lease and resumes from the materialized view.
	ScanExpiredLeases(ctx context.Context) ([]string, error)
}
