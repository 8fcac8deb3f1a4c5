// Package processor implements the ProcessorFactory (spec.md §4.4): the
// admission gate between Staging's ready-thread stream and the bounded
// pool of WorkerActor goroutines that actually build and submit
// transactions.
//
// The concurrency permit is golang.org/x/sync/semaphore's weighted
// semaphore, the same dependency family (golang.org/x/sync) the
// teacher's go.mod already carries, rather than a hand-rolled counting
// channel.
package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/luxfi/automaton/cache"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/metrics"
	"github.com/luxfi/automaton/types"
)

// Cache is the minimal read path the processor needs to validate a
// ready thread's exec_count before spawning a worker.
type Cache interface {
	GetThreadOrFetch(ctx context.Context, key types.Pubkey, rpc cache.RPCFetcher, codec cache.ThreadCodec) (*types.Thread, error)
}

// StagingNotifier is Staging's completion callback.
type StagingNotifier interface {
	ThreadCompleted(types.Pubkey, types.CompletionReason)
}

// Worker is one spawned WorkerActor's run loop (spec.md §4.5). Run
// blocks until the actor reaches a terminal state.
type Worker interface {
	Run(ctx context.Context) types.ExecutionResult
}

// WorkerArgs is everything a WorkerFactory needs to build a Worker for
// one admitted ReadyThread.
type WorkerArgs struct {
	Pubkey         types.Pubkey
	Thread         *types.Thread
	IsOverdue      bool
	OverdueSeconds int64
	Cancelled      *atomic.Bool
}

// WorkerFactory builds a Worker for one admitted ReadyThread. The
// worker package supplies the concrete implementation; Processor only
// depends on this function type to avoid a processor<->worker import
// cycle.
type WorkerFactory func(WorkerArgs) Worker

type activeEntry struct {
	cancelled *atomic.Bool
}

// Processor is the ProcessorFactory.
type Processor struct {
	sem           *semaphore.Weighted
	cache         Cache
	rpc           cache.RPCFetcher
	codec         cache.ThreadCodec
	staging       StagingNotifier
	newWorker     WorkerFactory
	logger        automatonlog.Logger
	metrics       *metrics.Registry
	runCtx        context.Context
	wg            sync.WaitGroup

	mu      sync.Mutex
	pending []types.ReadyThread
	active  map[types.Pubkey]*activeEntry
}

// New builds a ProcessorFactory with maxConcurrent worker permits.
// runCtx bounds every spawned worker's lifetime (process shutdown);
// per-thread cancellation is cooperative via WorkerArgs.Cancelled, not
// this context, matching spec.md §4.4's "atomic flag at safe points".
func New(runCtx context.Context, maxConcurrent int, c Cache, rpc cache.RPCFetcher, codec cache.ThreadCodec, staging StagingNotifier, newWorker WorkerFactory, logger automatonlog.Logger, reg *metrics.Registry) *Processor {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Processor{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		cache:     c,
		rpc:       rpc,
		codec:     codec,
		staging:   staging,
		newWorker: newWorker,
		logger:    automatonlog.Component(logger, "processor"),
		metrics:   reg,
		runCtx:    runCtx,
		active:    make(map[types.Pubkey]*activeEntry),
	}
}

// ProcessReady implements staging.Processor.
func (p *Processor) ProcessReady(ready types.ReadyThread) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, ready)
	p.metrics.PendingScheduleSize.Set(float64(len(p.pending)))
	p.trySpawnNextWorker()
	return nil
}

// CancelThread implements staging.Processor.
func (p *Processor) CancelThread(pubkey types.Pubkey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.pending {
		if r.Thread == pubkey {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.metrics.PendingScheduleSize.Set(float64(len(p.pending)))
			break
		}
	}
	if e, ok := p.active[pubkey]; ok {
		e.cancelled.Store(true)
	}
}

// trySpawnNextWorker implements spec.md §4.4's try_spawn_next_worker.
// Caller holds p.mu.
func (p *Processor) trySpawnNextWorker() {
	for {
		if !p.sem.TryAcquire(1) {
			return
		}

		if len(p.pending) == 0 {
			p.sem.Release(1)
			return
		}
		ready := p.pending[0]
		p.pending = p.pending[1:]
		p.metrics.PendingScheduleSize.Set(float64(len(p.pending)))

		thread, err := p.cache.GetThreadOrFetch(p.runCtx, ready.Thread, p.rpc, p.codec)
		if err != nil || thread == nil {
			p.sem.Release(1)
			p.logger.Debug("dropping ready thread missing from cache", "pubkey", ready.Thread.String())
			p.staging.ThreadCompleted(ready.Thread, types.ReasonExecuted)
			continue
		}
		if thread.ExecCount != ready.ExecCount {
			p.sem.Release(1)
			p.logger.Debug("dropping stale ready thread", "pubkey", ready.Thread.String(), "ready_exec_count", ready.ExecCount, "cached_exec_count", thread.ExecCount)
			p.staging.ThreadCompleted(ready.Thread, types.ReasonExecuted)
			continue
		}

		cancelled := &atomic.Bool{}
		p.active[ready.Thread] = &activeEntry{cancelled: cancelled}
		p.metrics.ActiveWorkers.Set(float64(len(p.active)))

		w := p.newWorker(WorkerArgs{
			Pubkey:         ready.Thread,
			Thread:         thread,
			IsOverdue:      ready.IsOverdue,
			OverdueSeconds: ready.OverdueSeconds,
			Cancelled:      cancelled,
		})

		p.wg.Add(1)
		go p.runWorker(w)
		return
	}
}

func (p *Processor) runWorker(w Worker) {
	defer p.wg.Done()
	result := w.Run(p.runCtx)
	p.WorkerCompleted(result)
}

// WorkerCompleted implements spec.md §4.4's worker_completed callback.
func (p *Processor) WorkerCompleted(result types.ExecutionResult) {
	p.mu.Lock()
	delete(p.active, result.Thread)
	p.metrics.ActiveWorkers.Set(float64(len(p.active)))
	p.sem.Release(1)
	p.mu.Unlock()

	switch result.Reason {
	case types.ReasonFailed:
		p.metrics.TxsFailed.Inc()
	}

	p.staging.ThreadCompleted(result.Thread, result.Reason)

	p.mu.Lock()
	p.trySpawnNextWorker()
	p.mu.Unlock()
}

// Wait blocks until every spawned worker goroutine has returned, for
// tests and graceful shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// PendingLen reports the current pending-queue depth, for tests and
// observability.
func (p *Processor) PendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// ActiveLen reports the current active-worker count, for tests and
// observability.
func (p *Processor) ActiveLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}
