package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/automaton/config"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/rpcpool"
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

type fakeFiberStore struct {
	fibers map[types.Pubkey]*types.Fiber
}

func (f *fakeFiberStore) GetExternalFiber(ctx context.Context, address types.Pubkey) (*types.Fiber, error) {
	return f.fibers[address], nil
}

type fakeDeriver struct{}

func (fakeDeriver) FiberAddress(thread types.Pubkey, fiberID uint32) (types.Pubkey, error) {
	p := pk(100 + byte(fiberID))
	return p, nil
}

func (fakeDeriver) CloseFiberAddress(thread types.Pubkey) (types.Pubkey, error) {
	return pk(200), nil
}

type fakeSimulator struct{}

func (fakeSimulator) SimulateTransaction(context.Context, string, []string) (rpcpool.SimulateResult, error) {
	return rpcpool.SimulateResult{}, nil
}

func TestStartingFiberUsesInlineDefault(t *testing.T) {
	b := New(pk(1), pk(2), pk(3), pk(4), &fakeFiberStore{}, fakeDeriver{}, nil, nil, false, testLogger(t))
	thread := &types.Thread{
		FiberCursor:             0,
		DefaultFiber:            &types.Fiber{ProgramID: pk(9)},
		DefaultFiberPriorityFee: 42,
	}
	fiber, addr, fee, err := b.startingFiber(context.Background(), pk(1), thread)
	require.NoError(t, err)
	require.Nil(t, addr)
	require.Equal(t, uint64(42), fee)
	require.Equal(t, pk(9), fiber.ProgramID)
}

func TestStartingFiberFetchesExternal(t *testing.T) {
	fiberAddr := pk(101)
	store := &fakeFiberStore{fibers: map[types.Pubkey]*types.Fiber{
		fiberAddr: {ProgramID: pk(9), PriorityFee: 7},
	}}
	b := New(pk(1), pk(2), pk(3), pk(4), store, fakeDeriver{}, nil, nil, false, testLogger(t))
	thread := &types.Thread{FiberCursor: 1}

	fiber, addr, fee, err := b.startingFiber(context.Background(), pk(1), thread)
	require.NoError(t, err)
	require.NotNil(t, addr)
	require.Equal(t, fiberAddr, *addr)
	require.Equal(t, uint64(7), fee)
	require.Equal(t, pk(9), fiber.ProgramID)
}

func TestResolveAccountsReplacesSentinelAndFlags(t *testing.T) {
	b := New(pk(1), pk(2), pk(3), pk(4), &fakeFiberStore{}, fakeDeriver{}, nil, nil, false, testLogger(t))
	fiber := types.Fiber{
		Accounts: []types.FiberAccount{
			{Pubkey: types.PayerSentinel},
			{Pubkey: pk(5)},
			{Pubkey: pk(6)},
			{Pubkey: pk(7)},
		},
		Layout: types.FiberAccountLayout{NumRwSigners: 1, NumRoSigners: 1, NumRwNonSigners: 1, NumRoNonSigners: 1},
	}
	metas := b.resolveAccounts(fiber)
	require.Len(t, metas, 4)
	require.Equal(t, b.executor, metas[0].Pubkey)
	require.True(t, metas[0].IsWritable) // rw-signer region
	require.False(t, metas[0].IsSigner)  // outer tx never marks remaining accounts as signers
	require.False(t, metas[1].IsWritable) // ro-signer region
	require.True(t, metas[2].IsWritable)  // rw-nonsigner region
	require.False(t, metas[3].IsWritable) // ro-nonsigner region
}

func TestComputeBudgetInstructionEncodesUnitLimit(t *testing.T) {
	ix := computeBudgetInstruction(computeBudgetSetUnitLimit, 1000)
	require.Equal(t, computeBudgetProgramID, ix.ProgramID)
	require.Len(t, ix.Data, 5)
	require.Equal(t, computeBudgetSetUnitLimit, ix.Data[0])
}

func TestFiberInstructionDataEncodesForgoCommissionByte(t *testing.T) {
	without := fiberInstructionData(0, 7, false)
	with := fiberInstructionData(0, 7, true)
	require.Len(t, without, 6)
	require.Equal(t, byte(0), without[5])
	require.Equal(t, byte(1), with[5])
}

// accountSimResult builds a SimulateResult whose single returned account
// decodes successfully, without needing rpcpool's unexported uiAccount
// type: encoding/json's reflection can populate it through the exported
// Accounts field regardless of visibility.
func accountSimResult(t *testing.T) rpcpool.SimulateResult {
	t.Helper()
	var res rpcpool.SimulateResult
	raw := []byte(`{"accounts":[{"data":["","base64"]}]}`)
	require.NoError(t, json.Unmarshal(raw, &res))
	return res
}

type chainSimulator struct {
	result rpcpool.SimulateResult
}

func (s chainSimulator) SimulateTransaction(context.Context, string, []string) (rpcpool.SimulateResult, error) {
	return s.result, nil
}

// fixedThreadDecoder returns results[i] on the i-th call, clamping to the
// last entry once exhausted, so an indefinitely-chaining thread can be
// modeled with a single repeated result.
type fixedThreadDecoder struct {
	results []*types.Thread
	calls   int
}

func (f *fixedThreadDecoder) DecodeThread([]byte) (*types.Thread, error) {
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	return f.results[idx], nil
}

func countThreadExecs(instrs []types.Instruction, threadProgramID types.Pubkey) int {
	n := 0
	for _, ix := range instrs {
		if ix.ProgramID == threadProgramID {
			n++
		}
	}
	return n
}

func TestBuildChainsToSecondFiberThenFinalizes(t *testing.T) {
	threadProgramID := pk(2)
	store := &fakeFiberStore{fibers: map[types.Pubkey]*types.Fiber{
		pk(101): {ProgramID: pk(9), PriorityFee: 1},
	}}
	decoder := &fixedThreadDecoder{results: []*types.Thread{
		{FiberSignal: types.SignalChain, FiberCursor: 0, FiberIDs: []uint32{0, 1}},
		{FiberSignal: types.SignalNone, FiberCursor: 1, FiberIDs: []uint32{0, 1}},
	}}
	b := New(pk(1), threadProgramID, pk(3), pk(4), store, fakeDeriver{}, chainSimulator{accountSimResult(t)}, decoder, false, testLogger(t))

	thread := &types.Thread{
		FiberCursor:  0,
		DefaultFiber: &types.Fiber{ProgramID: pk(9)},
	}
	result, err := b.Build(context.Background(), pk(1), thread)
	require.NoError(t, err)
	require.Equal(t, 2, countThreadExecs(result.Instructions, threadProgramID))
}

func TestBuildCapsIndefiniteChainAtMaxBatchedFibers(t *testing.T) {
	threadProgramID := pk(2)
	store := &fakeFiberStore{fibers: map[types.Pubkey]*types.Fiber{
		pk(101): {ProgramID: pk(9), PriorityFee: 1},
	}}
	decoder := &fixedThreadDecoder{results: []*types.Thread{
		{FiberSignal: types.SignalChain, FiberCursor: 0, FiberIDs: []uint32{0, 1}},
	}}
	b := New(pk(1), threadProgramID, pk(3), pk(4), store, fakeDeriver{}, chainSimulator{accountSimResult(t)}, decoder, false, testLogger(t))

	thread := &types.Thread{
		FiberCursor:  0,
		DefaultFiber: &types.Fiber{ProgramID: pk(9)},
	}
	result, err := b.Build(context.Background(), pk(1), thread)
	require.NoError(t, err)
	require.Equal(t, config.MaxBatchedFibers, countThreadExecs(result.Instructions, threadProgramID))
}

func TestNonceAdvanceInstructionPrecedesComputeBudget(t *testing.T) {
	store := &fakeFiberStore{}
	b := New(pk(1), pk(2), pk(3), pk(4), store, fakeDeriver{}, fakeSimulator{}, nil, false, testLogger(t))
	nonce := pk(50)

	result, err := b.finalize(context.Background(), []types.Instruction{{ProgramID: pk(9)}}, 0, 1000, &nonce)
	require.NoError(t, err)
	require.Equal(t, systemProgramID, result.Instructions[0].ProgramID)
	require.Equal(t, nonce, result.Instructions[0].Accounts[0].Pubkey)
	require.Equal(t, computeBudgetProgramID, result.Instructions[1].ProgramID)
}
