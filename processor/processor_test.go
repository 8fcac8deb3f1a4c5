package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luxfi/automaton/cache"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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

type fakeCache struct {
	mu      sync.Mutex
	threads map[types.Pubkey]*types.Thread
}

func (f *fakeCache) GetThreadOrFetch(ctx context.Context, key types.Pubkey, rpc cache.RPCFetcher, codec cache.ThreadCodec) (*types.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.threads[key]
	if !ok {
		return nil, nil
	}
	return th, nil
}

type fakeStaging struct {
	mu        sync.Mutex
	completed []types.Pubkey
}

func (f *fakeStaging) ThreadCompleted(pubkey types.Pubkey, reason types.CompletionReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, pubkey)
}

func (f *fakeStaging) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

// blockingWorker waits until release is closed before returning a fixed
// result, so tests can hold the semaphore open and observe queueing.
type blockingWorker struct {
	pubkey  types.Pubkey
	release chan struct{}
	result  types.ExecutionResult
}

func (w *blockingWorker) Run(ctx context.Context) types.ExecutionResult {
	<-w.release
	return w.result
}

func newBlockingFactory(release chan struct{}, started *int32) WorkerFactory {
	return func(args WorkerArgs) Worker {
		atomic.AddInt32(started, 1)
		return &blockingWorker{
			pubkey:  args.Pubkey,
			release: release,
			result:  types.ExecutionResult{Thread: args.Pubkey, Success: true, Reason: types.ReasonExecuted},
		}
	}
}

func TestProcessReadySpawnsWithinCapacity(t *testing.T) {
	release := make(chan struct{})
	var started int32

	fc := &fakeCache{threads: map[types.Pubkey]*types.Thread{
		pk(1): {ExecCount: 0},
		pk(2): {ExecCount: 0},
	}}
	fs := &fakeStaging{}
	p := New(context.Background(), 1, fc, nil, nil, fs, newBlockingFactory(release, &started), testLogger(t), nil)

	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(1), ExecCount: 0}))
	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(2), ExecCount: 0}))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, p.ActiveLen())
	require.Equal(t, 1, p.PendingLen())

	close(release)
	p.Wait()

	require.Eventually(t, func() bool { return fs.completedCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, p.ActiveLen())
	require.Equal(t, 0, p.PendingLen())
}

func TestProcessReadyDropsMissingThread(t *testing.T) {
	fc := &fakeCache{threads: map[types.Pubkey]*types.Thread{}}
	fs := &fakeStaging{}
	var started int32
	p := New(context.Background(), 2, fc, nil, nil, fs, newBlockingFactory(make(chan struct{}), &started), testLogger(t), nil)

	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(1), ExecCount: 0}))

	require.Equal(t, int32(0), atomic.LoadInt32(&started))
	require.Equal(t, 1, fs.completedCount())
	require.Equal(t, 0, p.ActiveLen())
}

func TestProcessReadyDropsStaleExecCount(t *testing.T) {
	fc := &fakeCache{threads: map[types.Pubkey]*types.Thread{pk(1): {ExecCount: 5}}}
	fs := &fakeStaging{}
	var started int32
	p := New(context.Background(), 2, fc, nil, nil, fs, newBlockingFactory(make(chan struct{}), &started), testLogger(t), nil)

	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(1), ExecCount: 1}))

	require.Equal(t, int32(0), atomic.LoadInt32(&started))
	require.Equal(t, 1, fs.completedCount())
}

func TestCancelThreadRemovesFromPendingQueue(t *testing.T) {
	release := make(chan struct{})
	var started int32
	fc := &fakeCache{threads: map[types.Pubkey]*types.Thread{
		pk(1): {ExecCount: 0},
		pk(2): {ExecCount: 0},
	}}
	fs := &fakeStaging{}
	p := New(context.Background(), 1, fc, nil, nil, fs, newBlockingFactory(release, &started), testLogger(t), nil)

	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(1), ExecCount: 0}))
	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(2), ExecCount: 0}))
	require.Equal(t, 1, p.PendingLen())

	p.CancelThread(pk(2))
	require.Equal(t, 0, p.PendingLen())

	close(release)
	p.Wait()
}

func TestCancelThreadSetsFlagOnActiveWorker(t *testing.T) {
	release := make(chan struct{})
	var started int32
	var observedFlag atomic.Bool
	fc := &fakeCache{threads: map[types.Pubkey]*types.Thread{pk(1): {ExecCount: 0}}}
	fs := &fakeStaging{}

	factory := func(args WorkerArgs) Worker {
		atomic.AddInt32(&started, 1)
		return &flagCapturingWorker{pubkey: args.Pubkey, flag: args.Cancelled, captured: &observedFlag, release: release}
	}
	p := New(context.Background(), 1, fc, nil, nil, fs, factory, testLogger(t), nil)

	require.NoError(t, p.ProcessReady(types.ReadyThread{Thread: pk(1), ExecCount: 0}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&started) == 1 }, time.Second, 5*time.Millisecond)

	p.CancelThread(pk(1))
	close(release)
	p.Wait()

	require.True(t, observedFlag.Load())
}

type flagCapturingWorker struct {
	pubkey   types.Pubkey
	flag     *atomic.Bool
	captured *atomic.Bool
	release  chan struct{}
}

func (w *flagCapturingWorker) Run(ctx context.Context) types.ExecutionResult {
	<-w.release
	w.captured.Store(w.flag.Load())
	return types.ExecutionResult{Thread: w.pubkey, Reason: types.ReasonCancelled}
}
