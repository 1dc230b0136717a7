package engine

import (
	"context"
	"sync"

	"github.com/flowkit/engine/core"
	"github.com/flowkit/engine/value"
)

// signalBroker implements action.SignalWaiter: the wait action kind's
// signal path blocks on WaitForSignal until a matching SendSignal call
// arrives or ctx ends. The waiting step keeps the Tenant Scheduler slot
// the Workflow Executor admitted it with for the whole wait.
//
// Grounded on the teacher's RedisCommandStore.SubscribeCommand
// (orchestration/hitl_command_store.go), generalized from a Redis-backed,
// checkpoint-keyed command subscription to an in-process, single-delivery
// rendezvous keyed by (run_id, signal_name): at most one waiter is
// released per send. Signals live only in memory; none are written to
// the Checkpoint Store.
type signalBroker struct {
	mu      sync.Mutex
	waiters map[string]chan value.Value
}

func newSignalBroker() *signalBroker {
	return &signalBroker{waiters: make(map[string]chan value.Value)}
}

func signalKey(runID, signalName string) string {
	return runID + "\x00" + signalName
}

// WaitForSignal blocks until SendSignal delivers a payload for
// (runID, signalName), or ctx ends first.
func (b *signalBroker) WaitForSignal(ctx context.Context, runID, signalName string) (value.Value, error) {
	key := signalKey(runID, signalName)

	b.mu.Lock()
	ch, ok := b.waiters[key]
	if !ok {
		ch = make(chan value.Value, 1)
		b.waiters[key] = ch
	}
	b.mu.Unlock()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		return value.Null(), core.NewEngineError("engine.signalBroker.WaitForSignal", "cancelled", "action_cancelled", ctx.Err())
	}
}

// Send delivers payload to the next waiter for (runID, signalName). If no
// step is currently suspended on this signal, the delivery is buffered
// for the next WaitForSignal call to pick up.
func (b *signalBroker) Send(runID, signalName string, payload value.Value) {
	key := signalKey(runID, signalName)

	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[key]
	if !ok {
		ch = make(chan value.Value, 1)
		b.waiters[key] = ch
	}
	select {
	case ch <- payload:
	default:
		// a delivery is already buffered; last-write-wins, matching the
		// wait action's single-payload contract.
		select {
		case <-ch:
		default:
		}
		ch <- payload
	}
}
