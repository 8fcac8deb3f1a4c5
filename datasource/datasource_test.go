package datasource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

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

type fakeCache struct {
	mu    sync.Mutex
	calls []types.Pubkey
	allow bool
}

func (f *fakeCache) PutIfNewer(key types.Pubkey, data []byte, slot uint64, trigger types.AccountCacheTrigger, nextTs uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	return f.allow
}

type fakeClassifier struct {
	err error
}

func (f *fakeClassifier) Classify(data []byte) (types.AccountCacheTrigger, uint64, error) {
	return types.CacheTriggerAccount, 0, f.err
}

type fakeSink struct {
	mu      sync.Mutex
	updates []types.AccountUpdate
	ticks   []types.ClockTick
}

func (f *fakeSink) DeliverAccountUpdate(u types.AccountUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeSink) DeliverClockTick(c types.ClockTick) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, c)
}

func (f *fakeSink) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

type fakeSubscriber struct {
	ch chan types.AccountUpdate
}

func (f *fakeSubscriber) ProgramSubscribe(ctx context.Context, program types.Pubkey, filters []types.MemcmpFilter, commitment string) (<-chan types.AccountUpdate, func() error, error) {
	return f.ch, func() error { return nil }, nil
}

func (f *fakeSubscriber) AccountSubscribe(ctx context.Context, pubkey types.Pubkey, commitment string) (<-chan types.AccountUpdate, func() error, error) {
	return f.ch, func() error { return nil }, nil
}

func pk(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

func TestProgramDatasourceWriteThroughThenForward(t *testing.T) {
	ch := make(chan types.AccountUpdate, 1)
	sub := &fakeSubscriber{ch: ch}
	cache := &fakeCache{allow: true}
	sink := &fakeSink{}

	ds := NewProgramDatasource(sub, pk(1), nil, "confirmed", cache, &fakeClassifier{}, sink, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ds.Run(ctx) }()

	ch <- types.AccountUpdate{Pubkey: pk(2), Data: []byte("x"), Slot: 1}

	require.Eventually(t, func() bool { return sink.updateCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestProgramDatasourceDropsWhenCacheRejects(t *testing.T) {
	ch := make(chan types.AccountUpdate, 1)
	sub := &fakeSubscriber{ch: ch}
	cache := &fakeCache{allow: false}
	sink := &fakeSink{}

	ds := NewProgramDatasource(sub, pk(1), nil, "confirmed", cache, &fakeClassifier{}, sink, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ds.Run(ctx) }()

	ch <- types.AccountUpdate{Pubkey: pk(2), Data: []byte("x"), Slot: 1}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.updateCount())

	cancel()
	<-done
}

func TestProgramDatasourceDropsUnclassifiableUpdate(t *testing.T) {
	ch := make(chan types.AccountUpdate, 1)
	sub := &fakeSubscriber{ch: ch}
	cache := &fakeCache{allow: true}
	sink := &fakeSink{}

	ds := NewProgramDatasource(sub, pk(1), nil, "confirmed", cache, &fakeClassifier{err: errors.New("bad data")}, sink, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ds.Run(ctx) }()

	ch <- types.AccountUpdate{Pubkey: pk(2), Data: []byte("x"), Slot: 1}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.updateCount())

	cancel()
	<-done
}

type fakeClockDecoder struct{}

func (fakeClockDecoder) DecodeClock(data []byte) (types.ClockTick, error) {
	return types.ClockTick{Slot: 7, Epoch: 1, UnixTimestamp: 100}, nil
}

func TestClockDatasourceForwardsTicks(t *testing.T) {
	ch := make(chan types.AccountUpdate, 1)
	sub := &fakeSubscriber{ch: ch}
	sink := &fakeSink{}

	ds := NewClockDatasource(sub, pk(1), "confirmed", fakeClockDecoder{}, sink, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ds.Run(ctx) }()

	ch <- types.AccountUpdate{Pubkey: pk(1), Data: []byte("clock"), Slot: 7}

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.ticks) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPluginPushWriteThrough(t *testing.T) {
	cache := &fakeCache{allow: true}
	sink := &fakeSink{}
	p := NewPluginPush(cache, &fakeClassifier{}, sink, testLogger(t))

	accounts := make(chan types.AccountUpdate, 1)
	ticks := make(chan types.ClockTick, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, accounts, ticks) }()

	accounts <- types.AccountUpdate{Pubkey: pk(3), Data: []byte("y"), Slot: 2}
	ticks <- types.ClockTick{Slot: 5}

	require.Eventually(t, func() bool { return sink.updateCount() == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.ticks) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
