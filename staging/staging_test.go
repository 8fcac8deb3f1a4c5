package staging

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/types"
)

func testLogger(t *testing.T) automatonlog.Logger {
	t.Helper()
	l, err := automatonlog.New("error")
	require.NoError(t, err)
	return l
}

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

// fakeProjector treats every account's first byte as a discriminator
// tag and the rest as a fixed little-endian exec_count + schedule.
type fakeProjector struct {
	discriminator map[types.Pubkey]types.AccountDiscriminator
	trigger       map[types.Pubkey]types.TriggerKind
	schedule      map[types.Pubkey]types.Schedule
	execCount     map[types.Pubkey]uint64
}

func newFakeProjector() *fakeProjector {
	return &fakeProjector{
		discriminator: map[types.Pubkey]types.AccountDiscriminator{},
		trigger:       map[types.Pubkey]types.TriggerKind{},
		schedule:      map[types.Pubkey]types.Schedule{},
		execCount:     map[types.Pubkey]uint64{},
	}
}

// key extracts the pubkey this fake test harness embedded as the first
// 32 bytes of the payload, so Discriminate/ProjectThread can look up
// per-pubkey fixtures without a real wire format.
func key(data []byte) types.Pubkey {
	var p types.Pubkey
	copy(p[:], data)
	return p
}

func (f *fakeProjector) Discriminate(data []byte) (types.AccountDiscriminator, error) {
	return f.discriminator[key(data)], nil
}

func (f *fakeProjector) ProjectThread(data []byte) (types.TriggerKind, types.Schedule, uint64, error) {
	k := key(data)
	return f.trigger[k], f.schedule[k], f.execCount[k], nil
}

type fakeRehydrator struct {
	mu    sync.Mutex
	found map[types.Pubkey]bool
	proj  *fakeProjector
}

func (r *fakeRehydrator) RefetchThread(ctx context.Context, pubkey types.Pubkey) (types.TriggerKind, types.Schedule, uint64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.found[pubkey] {
		return 0, types.Schedule{}, 0, false, nil
	}
	return r.proj.trigger[pubkey], r.proj.schedule[pubkey], r.proj.execCount[pubkey], true, nil
}

type fakeEvictions struct {
	ch chan types.Pubkey
}

func (f *fakeEvictions) Evicted() <-chan types.Pubkey { return f.ch }

type fakeProcessor struct {
	mu        sync.Mutex
	ready     []types.ReadyThread
	cancelled []types.Pubkey
	reject    bool
}

func (f *fakeProcessor) ProcessReady(rt types.ReadyThread) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return context.Canceled
	}
	f.ready = append(f.ready, rt)
	return nil
}

func (f *fakeProcessor) CancelThread(pubkey types.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, pubkey)
}

func newStaging(t *testing.T, proj *fakeProjector, proc *fakeProcessor) (*Staging, *fakeEvictions) {
	t.Helper()
	ev := &fakeEvictions{ch: make(chan types.Pubkey, 16)}
	reh := &fakeRehydrator{found: map[types.Pubkey]bool{}, proj: proj}
	return New(proj, reh, ev, proc, testLogger(t), nil), ev
}

func threadPayload(pubkey types.Pubkey) []byte {
	return pubkey[:]
}

func TestAccountUpdateSchedulesTimeTrigger(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)

	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	require.Equal(t, 1, s.TrackedCount())

	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.ready, 1)
	require.Equal(t, p, proc.ready[0].Thread)
}

func TestNoOpUpdateIgnored(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)

	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})

	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.ready, 1)
}

func TestDeletedAccountDropsTracking(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	require.Equal(t, 1, s.TrackedCount())

	proj.discriminator[p] = types.AccountDeleted
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	require.Equal(t, 0, s.TrackedCount())
}

func TestClockTickDedupBySlot(t *testing.T) {
	proj := newFakeProjector()
	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)

	s.DeliverClockTick(types.ClockTick{Slot: 5, UnixTimestamp: 100})
	s.DeliverClockTick(types.ClockTick{Slot: 5, UnixTimestamp: 200})
	require.Equal(t, uint64(5), s.lastProcessedSlot)
}

func TestAccountTriggerIsNeitherQueuedNorFiredImmediately(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerAccount
	proj.schedule[p] = types.Schedule{Kind: types.TriggerAccount}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.ready, 0)
	require.Equal(t, 0, s.timeQueue.Len())
	require.Equal(t, 0, s.slotQueue.Len())
	require.Equal(t, 0, s.epochQueue.Len())
}

func TestCancelSentOnVersionChangeWhileQueued(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	proj.execCount[p] = 1
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 200}
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.cancelled, 1)
	require.Equal(t, p, proc.cancelled[0])
}

func TestThreadCompletedClearsQueuedGate(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	require.Len(t, s.queuedThreads, 1)
	s.ThreadCompleted(p, types.ReasonExecuted)
	require.Len(t, s.queuedThreads, 0)
}

func TestStaleEntryDroppedOnPop(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})

	// Bump tracked exec_count without pushing a fresh queue entry for
	// it, so the original, now-stale entry must be dropped on pop.
	s.mu.Lock()
	s.tracked[p] = types.TrackedThread{ExecCount: 1, Schedule: proj.schedule[p]}
	s.mu.Unlock()

	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.ready, 0)
}

func TestEvictionRehydratesAndReschedules(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}
	proj.execCount[p] = 0

	proc := &fakeProcessor{}
	ev := &fakeEvictions{ch: make(chan types.Pubkey, 16)}
	reh := &fakeRehydrator{found: map[types.Pubkey]bool{p: true}, proj: proj}
	s := New(proj, reh, ev, proc, testLogger(t), nil)

	ev.ch <- p
	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.ready, 1)
}

func TestRejectedProcessReadyRemovedFromQueuedSet(t *testing.T) {
	proj := newFakeProjector()
	p := pk(1)
	proj.discriminator[p] = types.AccountThread
	proj.trigger[p] = types.TriggerTime
	proj.schedule[p] = types.Schedule{Kind: types.TriggerTime, NextTs: 100}

	proc := &fakeProcessor{reject: true}
	s, _ := newStaging(t, proj, proc)
	s.DeliverAccountUpdate(types.AccountUpdate{Pubkey: p, Data: threadPayload(p)})
	s.DeliverClockTick(types.ClockTick{Slot: 1, UnixTimestamp: 100})

	require.Len(t, s.queuedThreads, 0)
}
