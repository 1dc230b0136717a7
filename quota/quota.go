// Package quota implements the Tenant Scheduler (C8): per-tenant run and
// step concurrency caps, a weighted fair-share token bucket, and a single
// engine-wide absolute cap on in-flight steps. Admission is always
// non-blocking at the call site (grant | wait); a caller that gets `wait`
// parks in WaitForRun or WaitForStep, which hold no slot while parked.
//
// Grounded on golang.org/x/sync/semaphore for the counting admission
// primitive (weighted acquire matches a step's estimated_cost from the
// Action Registry) and golang.org/x/time/rate for the per-tenant fair
// share limiter, both already present in the dependency pack.
package quota

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/flowkit/engine/core"
)

// Decision is the outcome of an admission attempt.
type Decision int

const (
	Grant Decision = iota
	Wait
)

// TenantLimits configures one tenant's caps.
type TenantLimits struct {
	MaxConcurrentSteps int
	MaxConcurrentRuns  int
	// FairShareWeight biases the weighted round-robin across tenants
	// when the global cap is contended; higher weight gets proportionally
	// more of the shared budget. Defaults to 1 if <= 0.
	FairShareWeight float64
}

// tenantState's semaphores serve waiters in FIFO order (a documented
// property of golang.org/x/sync/semaphore), which is what gives a
// tenant's own queued steps starvation-free ordering; weighted
// round-robin across tenants comes from each tenant having an
// independent semaphore plus its own rate.Limiter share of the global cap.
type tenantState struct {
	runSem  *semaphore.Weighted
	stepSem *semaphore.Weighted
	limiter *rate.Limiter
	weight  float64
}

// Scheduler is the C8 Tenant Scheduler. One Scheduler instance serves the
// whole engine; tenants register lazily via their first admission call
// using defaultLimits unless RegisterTenant was called first.
type Scheduler struct {
	mu            sync.Mutex
	tenants       map[string]*tenantState
	defaultLimits TenantLimits
	globalSteps   *semaphore.Weighted
}

// NewScheduler builds a Scheduler with globalMaxInFlightSteps as the
// engine-wide absolute cap and defaultLimits applied to any tenant not
// explicitly registered.
func NewScheduler(globalMaxInFlightSteps int64, defaultLimits TenantLimits) *Scheduler {
	if defaultLimits.FairShareWeight <= 0 {
		defaultLimits.FairShareWeight = 1
	}
	return &Scheduler{
		tenants:       make(map[string]*tenantState),
		defaultLimits: defaultLimits,
		globalSteps:   semaphore.NewWeighted(globalMaxInFlightSteps),
	}
}

// RegisterTenant installs explicit limits for tenantID, overriding the
// scheduler's default. Must be called before the tenant's first
// admission request to take effect; calling it again resets counters, so
// callers should only do this at startup.
func (s *Scheduler) RegisterTenant(tenantID string, limits TenantLimits) {
	if limits.FairShareWeight <= 0 {
		limits.FairShareWeight = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenantID] = newTenantState(limits)
}

func newTenantState(limits TenantLimits) *tenantState {
	return &tenantState{
		runSem:  semaphore.NewWeighted(int64(limits.MaxConcurrentRuns)),
		stepSem: semaphore.NewWeighted(int64(limits.MaxConcurrentSteps)),
		limiter: rate.NewLimiter(rate.Limit(limits.FairShareWeight), int(limits.FairShareWeight)+1),
		weight:  limits.FairShareWeight,
	}
}

func (s *Scheduler) tenant(tenantID string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = newTenantState(s.defaultLimits)
		s.tenants[tenantID] = t
	}
	return t
}

// AdmitRun attempts to acquire one run slot for tenantID. On success it
// returns Grant and a release function to call when the run finishes. On
// contention it returns Wait and a no-op release function; no slot is
// held.
//
// Per §4.8, admission itself is non-blocking: Wait means "park on ctx /
// retry later", never "block here".
func (s *Scheduler) AdmitRun(ctx context.Context, tenantID string) (Decision, func(), error) {
	t := s.tenant(tenantID)
	if t.runSem.TryAcquire(1) {
		return Grant, func() { t.runSem.Release(1) }, nil
	}
	return Wait, func() {}, nil
}

// WaitForRun blocks (cancellably) until tenantID has a free run slot, for
// callers that have already decided to wait rather than poll AdmitRun.
// It holds no slot while parked.
func (s *Scheduler) WaitForRun(ctx context.Context, tenantID string) (func(), error) {
	t := s.tenant(tenantID)
	if err := t.runSem.Acquire(ctx, 1); err != nil {
		return func() {}, toEngineErr(err)
	}
	return func() { t.runSem.Release(1) }, nil
}

// AdmitStep attempts to acquire both a tenant step slot and a global
// step slot, weighted by cost (typically the Action Registry's
// estimated_cost for the step's action kind). Both must succeed for the
// step to be admitted; if the global cap is the blocker, the tenant slot
// already acquired is released before returning Wait, so a busy tenant
// never starves others while parked on the global cap.
func (s *Scheduler) AdmitStep(ctx context.Context, tenantID string, cost float64) (Decision, func(), error) {
	if cost <= 0 {
		cost = 1
	}
	weight := int64(cost)
	if weight < 1 {
		weight = 1
	}

	t := s.tenant(tenantID)
	if !t.stepSem.TryAcquire(weight) {
		return Wait, func() {}, nil
	}
	if !s.globalSteps.TryAcquire(weight) {
		t.stepSem.Release(weight)
		return Wait, func() {}, nil
	}
	if !t.limiter.Allow() {
		s.globalSteps.Release(weight)
		t.stepSem.Release(weight)
		return Wait, func() {}, nil
	}

	release := func() {
		s.globalSteps.Release(weight)
		t.stepSem.Release(weight)
	}
	return Grant, release, nil
}

// WaitForStep blocks (cancellably) until tenantID's step slot, the
// global slot, and the fair-share limiter all admit cost, for callers
// that have already decided to wait rather than poll AdmitStep. It holds
// no slot while parked.
func (s *Scheduler) WaitForStep(ctx context.Context, tenantID string, cost float64) (func(), error) {
	if cost <= 0 {
		cost = 1
	}
	weight := int64(cost)
	if weight < 1 {
		weight = 1
	}

	t := s.tenant(tenantID)
	if err := t.stepSem.Acquire(ctx, weight); err != nil {
		return func() {}, toEngineErr(err)
	}
	if err := s.globalSteps.Acquire(ctx, weight); err != nil {
		t.stepSem.Release(weight)
		return func() {}, toEngineErr(err)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		s.globalSteps.Release(weight)
		t.stepSem.Release(weight)
		return func() {}, toEngineErr(err)
	}

	return func() {
		s.globalSteps.Release(weight)
		t.stepSem.Release(weight)
	}, nil
}

func toEngineErr(err error) error {
	if err == nil {
		return nil
	}
	return core.NewEngineError("quota.Scheduler", "cancelled", "quota_wait_cancelled", core.ErrCancelled)
}

// SnapshotTenants returns the ids of every tenant the scheduler has seen,
// sorted, for diagnostics.
func (s *Scheduler) SnapshotTenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
