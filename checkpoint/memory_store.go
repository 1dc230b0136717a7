package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/flowkit/engine/core"
)

// MemoryStore is an in-process Store, used by the "memory" checkpoint
// backend (tests and single-process development) where durability only
// needs to survive the process, not a crash.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]Event
	leases map[string]Lease
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string][]Event),
		leases: make(map[string]Lease),
	}
}

func (m *MemoryStore) Append(ctx context.Context, event Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := int64(len(m.events[event.RunID])) + 1
	event.Seq = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	m.events[event.RunID] = append(m.events[event.RunID], event)
	return seq, nil
}

func (m *MemoryStore) Load(ctx context.Context, runID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.events[runID]
	if events == nil {
		return nil, core.NewEngineError("checkpoint.MemoryStore.Load", "permanent", "checkpoint_not_found", core.ErrNotFound)
	}
	return append([]Event(nil), events...), nil
}

func (m *MemoryStore) AcquireLease(ctx context.Context, runID, ownerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.leases[runID]; ok {
		if existing.OwnerID != ownerID && existing.ExpiresAt.After(now) {
			return false, nil
		}
	}
	m.leases[runID] = Lease{RunID: runID, OwnerID: ownerID, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(ctx context.Context, runID, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.leases[runID]; ok && existing.OwnerID == ownerID {
		delete(m.leases, runID)
	}
	return nil
}

func (m *MemoryStore) ScanExpiredLeases(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var ids []string
	for runID, lease := range m.leases {
		if lease.ExpiresAt.Before(now) {
			ids = append(ids, runID)
		}
	}
	return ids, nil
}
