// Package staging implements the StagingScheduler (spec.md §4.3): the
// three trigger-ordered priority queues, the tracked-thread dedup
// table, and the clock-tick handler that turns due entries into
// ReadyThread handoffs for the processor.
package staging

import (
	"container/heap"
	"context"
	"sync"
	"time"

	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/metrics"
	"github.com/luxfi/automaton/types"
)

// Projector classifies raw account bytes and extracts the minimal
// thread projection Staging needs. Full Thread decoding lives behind
// the cache; Staging only needs enough to dedup and schedule.
type Projector interface {
	Discriminate(data []byte) (types.AccountDiscriminator, error)
	ProjectThread(data []byte) (trigger types.TriggerKind, schedule types.Schedule, execCount uint64, err error)
}

// Processor is the downstream admission stage.
type Processor interface {
	ProcessReady(types.ReadyThread) error
	CancelThread(types.Pubkey)
}

// EvictionSource is the cache's notification channel.
type EvictionSource interface {
	Evicted() <-chan types.Pubkey
}

// ThreadRehydrator refetches a thread's current on-chain projection
// after its cache entry has been evicted (spec.md §4.3 step 2 of the
// clock-tick handler).
type ThreadRehydrator interface {
	RefetchThread(ctx context.Context, pubkey types.Pubkey) (trigger types.TriggerKind, schedule types.Schedule, execCount uint64, found bool, err error)
}

// entryHeap is a min-heap over ScheduledEntry ordered by TriggerValue.
type entryHeap []types.ScheduledEntry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].TriggerValue < h[j].TriggerValue }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(types.ScheduledEntry)) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Staging is the StagingScheduler.
type Staging struct {
	projector  Projector
	rehydrator ThreadRehydrator
	evictions  EvictionSource
	processor  Processor
	logger     automatonlog.Logger
	metrics    *metrics.Registry

	rehydrateTimeout time.Duration

	mu                sync.Mutex
	tracked           map[types.Pubkey]types.TrackedThread
	timeQueue         entryHeap
	slotQueue         entryHeap
	epochQueue        entryHeap
	queuedThreads     map[types.Pubkey]struct{}
	lastProcessedSlot uint64
}

// New builds a StagingScheduler.
func New(projector Projector, rehydrator ThreadRehydrator, evictions EvictionSource, processor Processor, logger automatonlog.Logger, reg *metrics.Registry) *Staging {
	if reg == nil {
		reg = metrics.Noop()
	}
	return &Staging{
		projector:        projector,
		rehydrator:       rehydrator,
		evictions:        evictions,
		processor:        processor,
		logger:           automatonlog.Component(logger, "staging"),
		metrics:          reg,
		rehydrateTimeout: 5 * time.Second,
		tracked:          make(map[types.Pubkey]types.TrackedThread),
		queuedThreads:    make(map[types.Pubkey]struct{}),
	}
}

// DeliverAccountUpdate implements datasource.Sink (spec.md §4.3 "On
// AccountUpdate").
func (s *Staging) DeliverAccountUpdate(update types.AccountUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleAccountUpdate(update.Pubkey, update.Data)
}

func (s *Staging) handleAccountUpdate(pubkey types.Pubkey, data []byte) {
	kind, err := s.projector.Discriminate(data)
	if err != nil {
		s.logger.Debug("dropping unclassifiable account", "pubkey", pubkey.String(), "error", err.Error())
		return
	}

	switch kind {
	case types.AccountDeleted:
		delete(s.tracked, pubkey)
		return
	case types.AccountThread:
	default:
		return
	}

	trigger, schedule, execCount, err := s.projector.ProjectThread(data)
	if err != nil {
		s.logger.Debug("dropping unparseable thread account", "pubkey", pubkey.String(), "error", err.Error())
		return
	}
	s.scheduleThread(pubkey, trigger, schedule, execCount)
}

// scheduleThread applies the dedup/cancel/enqueue sequence shared by
// live AccountUpdates and eviction-driven rehydration. Caller holds s.mu.
func (s *Staging) scheduleThread(pubkey types.Pubkey, trigger types.TriggerKind, schedule types.Schedule, execCount uint64) {
	existing, tracked := s.tracked[pubkey]
	if tracked && execCount <= existing.ExecCount && schedule.Equal(existing.Schedule) {
		return
	}

	if tracked {
		if _, queued := s.queuedThreads[pubkey]; queued {
			s.processor.CancelThread(pubkey)
		}
	}

	s.tracked[pubkey] = types.TrackedThread{ExecCount: execCount, Schedule: schedule}

	switch trigger {
	case types.TriggerTime, types.TriggerImmediate:
		heap.Push(&s.timeQueue, types.ScheduledEntry{TriggerValue: schedule.NextTs, Thread: pubkey, ExecCount: execCount})
	case types.TriggerSlot:
		heap.Push(&s.slotQueue, types.ScheduledEntry{TriggerValue: schedule.NextSlot, Thread: pubkey, ExecCount: execCount})
	case types.TriggerEpoch:
		heap.Push(&s.epochQueue, types.ScheduledEntry{TriggerValue: schedule.NextEpoch, Thread: pubkey, ExecCount: execCount})
	case types.TriggerAccount:
		// Not yet supported: neither queued nor fired. Matches
		// crates/client/src/actors/staging.rs's handling of Trigger::Account.
		s.logger.Debug("account triggers not yet supported", "pubkey", pubkey.String())
	}
}

// DeliverClockTick implements datasource.Sink (spec.md §4.3 "On
// ClockTick").
func (s *Staging) DeliverClockTick(tick types.ClockTick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tick.Slot <= s.lastProcessedSlot {
		return
	}
	s.lastProcessedSlot = tick.Slot

	s.drainEvictions()
	s.collectReady(tick)
}

// drainEvictions refetches every pubkey the cache evicted since the
// last tick and reschedules it, or drops tracking if the thread is
// gone. Caller holds s.mu.
func (s *Staging) drainEvictions() {
	for {
		select {
		case pubkey := <-s.evictions.Evicted():
			ctx, cancel := context.WithTimeout(context.Background(), s.rehydrateTimeout)
			trigger, schedule, execCount, found, err := s.rehydrator.RefetchThread(ctx, pubkey)
			cancel()
			if err != nil {
				s.logger.Debug("dropping tracking after rehydrate error", "pubkey", pubkey.String(), "error", err.Error())
				delete(s.tracked, pubkey)
				continue
			}
			if !found {
				delete(s.tracked, pubkey)
				continue
			}
			s.scheduleThread(pubkey, trigger, schedule, execCount)
		default:
			return
		}
	}
}

// collectReady pops every due entry across the three queues and emits
// ReadyThread for each surviving one. Caller holds s.mu.
func (s *Staging) collectReady(tick types.ClockTick) {
	seen := make(map[types.Pubkey]struct{})
	now := time.Now().Unix()

	for s.timeQueue.Len() > 0 && s.timeQueue[0].TriggerValue <= uint64(tick.UnixTimestamp) {
		e := heap.Pop(&s.timeQueue).(types.ScheduledEntry)
		s.considerReady(e, seen, now-int64(e.TriggerValue))
	}
	for s.slotQueue.Len() > 0 && s.slotQueue[0].TriggerValue <= tick.Slot {
		e := heap.Pop(&s.slotQueue).(types.ScheduledEntry)
		s.considerReady(e, seen, 0)
	}
	for s.epochQueue.Len() > 0 && s.epochQueue[0].TriggerValue <= tick.Epoch {
		e := heap.Pop(&s.epochQueue).(types.ScheduledEntry)
		s.considerReady(e, seen, 0)
	}
}

func (s *Staging) considerReady(e types.ScheduledEntry, seen map[types.Pubkey]struct{}, overdueSeconds int64) {
	if _, dup := seen[e.Thread]; dup {
		return
	}
	seen[e.Thread] = struct{}{}

	tracked, ok := s.tracked[e.Thread]
	if !ok || e.ExecCount != tracked.ExecCount {
		return
	}
	s.emitReady(e.Thread, e.ExecCount, overdueSeconds > 0, overdueSeconds)
}

// emitReady enforces the queued_threads dedup and hands the ready
// thread to the processor, per spec.md §4.3 step 4. Caller holds s.mu.
func (s *Staging) emitReady(pubkey types.Pubkey, execCount uint64, isOverdue bool, overdueSeconds int64) {
	if _, queued := s.queuedThreads[pubkey]; queued {
		return
	}
	s.queuedThreads[pubkey] = struct{}{}
	s.metrics.ThreadsTriggered.Inc()
	s.metrics.PendingCheckSize.Set(float64(len(s.queuedThreads)))

	rt := types.ReadyThread{Thread: pubkey, ExecCount: execCount, IsOverdue: isOverdue, OverdueSeconds: overdueSeconds}
	if err := s.processor.ProcessReady(rt); err != nil {
		delete(s.queuedThreads, pubkey)
		s.metrics.PendingCheckSize.Set(float64(len(s.queuedThreads)))
		s.logger.Warn("processor rejected ready thread", "pubkey", pubkey.String(), "error", err.Error())
	}
}

// ThreadCompleted clears a thread's admission gate so a later qualifying
// update can re-queue it (spec.md §4.3).
func (s *Staging) ThreadCompleted(pubkey types.Pubkey, reason types.CompletionReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queuedThreads, pubkey)
	s.metrics.PendingCheckSize.Set(float64(len(s.queuedThreads)))
}

// TrackedCount reports how many threads Staging currently tracks, for
// tests and observability.
func (s *Staging) TrackedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}
