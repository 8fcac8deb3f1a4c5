// Package loadbalancer implements the LoadBalancer (spec.md §4.6): an
// executor-local heuristic that reduces duplicate execution attempts
// among competing executors without being a correctness mechanism — the
// chain's at-most-one landing is what actually prevents double
// execution.
package loadbalancer

import (
	"sync"
	"time"

	"github.com/luxfi/automaton/types"
)

// LoadBalancer decides, per observed thread, whether this executor
// should attempt execution.
type LoadBalancer struct {
	self types.Pubkey

	enabled           bool
	capacityThreshold uint32
	takeoverDelay     time.Duration

	mu         sync.Mutex
	tracking   map[types.Pubkey]*types.ThreadTracking
	atCapacity bool
}

// New builds a LoadBalancer for the given executor identity.
func New(self types.Pubkey, enabled bool, capacityThreshold uint32, takeoverDelay time.Duration) *LoadBalancer {
	return &LoadBalancer{
		self:              self,
		enabled:           enabled,
		capacityThreshold: capacityThreshold,
		takeoverDelay:     takeoverDelay,
		tracking:          make(map[types.Pubkey]*types.ThreadTracking),
	}
}

func (lb *LoadBalancer) trackingFor(thread types.Pubkey) *types.ThreadTracking {
	t, ok := lb.tracking[thread]
	if !ok {
		t = &types.ThreadTracking{}
		lb.tracking[thread] = t
	}
	return t
}

// ShouldProcess implements spec.md §4.6's decision table.
func (lb *LoadBalancer) ShouldProcess(thread types.Pubkey, lastExecutor types.Pubkey, isOverdue bool, overdueSeconds int64) types.LoadBalancerDecision {
	if !lb.enabled {
		return types.DecisionProcess
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	t := lb.trackingFor(thread)

	switch {
	case lastExecutor == lb.self:
		t.Owned = true
		t.ConsecutiveLosses = 0
	case !lastExecutor.IsZero():
		if t.Owned {
			t.ConsecutiveLosses++
			if t.ConsecutiveLosses >= lb.capacityThreshold {
				t.Owned = false
				t.ConsecutiveLosses = 0
			}
		}
	}
	lb.recomputeCapacity()

	overdue := time.Duration(overdueSeconds) * time.Second
	switch {
	case t.Owned:
		return types.DecisionProcess
	case isOverdue && overdue > lb.takeoverDelay:
		return types.DecisionProcess
	case lb.atCapacity && overdue > lb.takeoverDelay*3/2:
		return types.DecisionProcess
	case lb.atCapacity:
		return types.DecisionAtCapacity
	case lastExecutor.IsZero():
		return types.DecisionProcess
	default:
		return types.DecisionSkip
	}
}

// RecordExecutionResult updates ownership bookkeeping after a worker
// completes (spec.md §4.6).
func (lb *LoadBalancer) RecordExecutionResult(thread types.Pubkey, success bool, at time.Time) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	t := lb.trackingFor(thread)
	t.LastAttempt = at

	if success {
		t.Owned = true
		t.ConsecutiveLosses = 0
	} else if t.Owned {
		t.ConsecutiveLosses++
		if t.ConsecutiveLosses >= lb.capacityThreshold {
			t.Owned = false
			t.ConsecutiveLosses = 0
		}
	}
	lb.recomputeCapacity()
}

// recomputeCapacity implements spec.md §4.6 step 4: at_capacity is true
// when owned_threads > 0 AND threads_losing (owned threads currently on
// a losing streak) > owned/2. Tracking sets rarely exceed a few
// thousand entries, so a full scan per decision is cheap and avoids the
// bookkeeping bugs an incremental counter invites.
func (lb *LoadBalancer) recomputeCapacity() {
	owned, losing := 0, 0
	for _, t := range lb.tracking {
		if !t.Owned {
			continue
		}
		owned++
		if t.ConsecutiveLosses > 0 {
			losing++
		}
	}
	lb.atCapacity = owned > 0 && losing > owned/2
}

// Tracking returns a snapshot of a thread's bookkeeping, for tests and
// observability.
func (lb *LoadBalancer) Tracking(thread types.Pubkey) types.ThreadTracking {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if t, ok := lb.tracking[thread]; ok {
		return *t
	}
	return types.ThreadTracking{}
}

// OwnedThreads returns the threads this executor currently considers
// itself the owner of, for observability snapshots.
func (lb *LoadBalancer) OwnedThreads() []types.Pubkey {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]types.Pubkey, 0, len(lb.tracking))
	for thread, t := range lb.tracking {
		if t.Owned {
			out = append(out, thread)
		}
	}
	return out
}

// Forget drops tracking for a thread observed deleted on-chain.
func (lb *LoadBalancer) Forget(thread types.Pubkey) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.tracking, thread)
	lb.recomputeCapacity()
}
