// Package executor implements the Executor transaction builder (spec.md
// §4.7): it turns a Thread's current fiber cursor into a chain of
// thread_exec instructions, following the on-chain signal returned by
// simulation until the thread settles on a terminal signal or the
// batching cap is reached.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/luxfi/automaton/config"
	"github.com/luxfi/automaton/errs"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/rpcpool"
	"github.com/luxfi/automaton/txbuild"
	"github.com/luxfi/automaton/types"
)

func mustPubkey(s string) types.Pubkey {
	p, err := types.PubkeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return p
}

var (
	systemProgramID        = mustPubkey("11111111111111111111111111111111")
	computeBudgetProgramID = mustPubkey("ComputeBudget111111111111111111111111111111")
	sysvarRecentBlockhashes = mustPubkey("SysvarRecentB1ockHashes11111111111111111111")
)

const (
	computeBudgetSetUnitLimit uint8 = 2
	computeBudgetSetUnitPrice uint8 = 3
)

// systemAdvanceNonceAccount is the system program's AdvanceNonceAccount
// instruction discriminant.
const systemAdvanceNonceAccount uint32 = 4

// FiberStore fetches an externally stored fiber account (spec.md §4.7
// step 1, the non-inline path).
type FiberStore interface {
	GetExternalFiber(ctx context.Context, address types.Pubkey) (*types.Fiber, error)
}

// AddressDeriver derives the program-derived addresses the thread
// program's instructions reference. The exact seed scheme is owned by
// the on-chain program, so this module only defines the capability an
// outer shell wires with the real chain SDK's PDA derivation.
type AddressDeriver interface {
	FiberAddress(thread types.Pubkey, fiberID uint32) (types.Pubkey, error)
	CloseFiberAddress(thread types.Pubkey) (types.Pubkey, error)
}

// Simulator is the RpcPool capability the Executor needs.
type Simulator interface {
	SimulateTransaction(ctx context.Context, txBase64 string, returnAccounts []string) (rpcpool.SimulateResult, error)
}

// ThreadDecoder re-reads the thread account after simulation to observe
// the signal the on-chain program wrote back.
type ThreadDecoder interface {
	DecodeThread(data []byte) (*types.Thread, error)
}

// Builder is the Executor.
type Builder struct {
	executor        types.Pubkey
	threadProgramID types.Pubkey
	configAccount   types.Pubkey
	adminAccount    types.Pubkey

	fibers          FiberStore
	deriver         AddressDeriver
	simulator       Simulator
	decoder         ThreadDecoder
	forgoCommission bool
	logger          automatonlog.Logger
}

// New builds an Executor transaction builder. forgoCommission mirrors
// config.ExecutorConfig.ForgoCommission, threaded into every thread_exec
// instruction's trailing byte (spec.md §12 supplement, grounded on
// original_source/programs/thread).
func New(executor, threadProgramID, configAccount, adminAccount types.Pubkey, fibers FiberStore, deriver AddressDeriver, simulator Simulator, decoder ThreadDecoder, forgoCommission bool, logger automatonlog.Logger) *Builder {
	return &Builder{
		executor:        executor,
		threadProgramID: threadProgramID,
		configAccount:   configAccount,
		adminAccount:    adminAccount,
		fibers:          fibers,
		deriver:         deriver,
		simulator:       simulator,
		decoder:         decoder,
		forgoCommission: forgoCommission,
		logger:          automatonlog.Component(logger, "executor"),
	}
}

// fiberInstructionData is a minimal instruction-data encoding carrying
// just enough for the on-chain program to locate the fiber the
// instruction targets, plus the forgo-commission flag (spec.md §12
// supplement); the real discriminator/layout belongs to the deployed
// program and is out of this module's scope.
func fiberInstructionData(tag uint8, fiberID uint32, forgoCommission bool) []byte {
	b := make([]byte, 6)
	b[0] = tag
	binary.LittleEndian.PutUint32(b[1:5], fiberID)
	if forgoCommission {
		b[5] = 1
	}
	return b
}

// nonceAdvanceInstruction builds the system program's AdvanceNonceAccount
// instruction. The original implementation always places this ahead of
// the compute-budget instructions (spec.md §12 supplement, resolved from
// original_source since spec.md §6 is silent on the ordering).
func nonceAdvanceInstruction(nonce, authority types.Pubkey) types.Instruction {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, systemAdvanceNonceAccount)
	return types.Instruction{
		ProgramID: systemProgramID,
		Accounts: []types.AccountMeta{
			{Pubkey: nonce, IsWritable: true},
			{Pubkey: sysvarRecentBlockhashes},
			{Pubkey: authority, IsSigner: true},
		},
		Data: data,
	}
}

func (b *Builder) resolveAccounts(fiber types.Fiber) []types.AccountMeta {
	out := make([]types.AccountMeta, len(fiber.Accounts))
	n := len(fiber.Accounts)
	for i, acc := range fiber.Accounts {
		pk := acc.Pubkey
		if pk == types.PayerSentinel {
			pk = b.executor
		}
		meta := types.AccountMeta{Pubkey: pk}
		switch {
		case i < fiber.Layout.NumRwSigners:
			meta.IsSigner, meta.IsWritable = true, true
		case i < fiber.Layout.NumRwSigners+fiber.Layout.NumRoSigners:
			meta.IsSigner, meta.IsWritable = true, false
		case i < n-fiber.Layout.NumRoNonSigners:
			meta.IsSigner, meta.IsWritable = false, true
		default:
			meta.IsSigner, meta.IsWritable = false, false
		}
		// The on-chain program re-signs thread-owned accounts via CPI;
		// at the outer transaction level no remaining account is a
		// signer (spec.md §4.7 step 2).
		meta.IsSigner = false
		out[i] = meta
	}
	return out
}

func (b *Builder) threadExecInstruction(threadPubkey types.Pubkey, fiberAddr *types.Pubkey, fiber types.Fiber, fiberID uint32, nonce *types.Pubkey) types.Instruction {
	accounts := []types.AccountMeta{
		{Pubkey: b.executor, IsSigner: true, IsWritable: true},
		{Pubkey: threadPubkey, IsWritable: true},
	}
	if fiberAddr != nil {
		accounts = append(accounts, types.AccountMeta{Pubkey: *fiberAddr, IsWritable: true})
	}
	accounts = append(accounts,
		types.AccountMeta{Pubkey: b.configAccount},
		types.AccountMeta{Pubkey: b.adminAccount},
	)
	if nonce != nil {
		accounts = append(accounts,
			types.AccountMeta{Pubkey: *nonce, IsWritable: true},
			types.AccountMeta{Pubkey: sysvarRecentBlockhashes},
		)
	}
	accounts = append(accounts, types.AccountMeta{Pubkey: systemProgramID})
	accounts = append(accounts, b.resolveAccounts(fiber)...)

	return types.Instruction{
		ProgramID: b.threadProgramID,
		Accounts:  accounts,
		Data:      fiberInstructionData(0, fiberID, b.forgoCommission),
	}
}

func (b *Builder) closeInstruction(threadPubkey types.Pubkey, thread *types.Thread, closeFiber types.Fiber, externalFibers []types.Pubkey) types.Instruction {
	accounts := []types.AccountMeta{
		{Pubkey: b.executor, IsSigner: true, IsWritable: true},
		{Pubkey: threadPubkey, IsWritable: true},
		{Pubkey: thread.CloseAuthority, IsWritable: true},
		{Pubkey: b.threadProgramID},
	}
	for _, f := range externalFibers {
		accounts = append(accounts, types.AccountMeta{Pubkey: f, IsWritable: true})
	}
	accounts = append(accounts, b.resolveAccounts(closeFiber)...)

	return types.Instruction{
		ProgramID: b.threadProgramID,
		Accounts:  accounts,
		Data:      []byte{1},
	}
}

func computeBudgetInstruction(tag uint8, value uint64) types.Instruction {
	data := make([]byte, 9)
	data[0] = tag
	binary.LittleEndian.PutUint64(data[1:], value)
	if tag == computeBudgetSetUnitLimit {
		data = data[:5]
		binary.LittleEndian.PutUint32(data[1:], uint32(value))
	}
	return types.Instruction{ProgramID: computeBudgetProgramID, Data: data}
}

// buildSimulationTx compiles a throwaway transaction for
// simulateTransaction's replaceRecentBlockhash=true, sigVerify=false
// path: the placeholder blockhash and zero signature are never checked
// by the chain, only the real submission in the worker package is.
func buildSimulationTx(payer types.Pubkey, instrs []types.Instruction) (string, error) {
	message, _, err := txbuild.Compile(payer, instrs, "11111111111111111111111111111111")
	if err != nil {
		return "", fmt.Errorf("executor: compiling simulation message: %w", err)
	}
	tx := txbuild.Serialize([][64]byte{{}}, message)
	return base64.StdEncoding.EncodeToString(tx), nil
}

// Build produces the final instruction list and priority fee for one
// WorkerActor run; the worker reuses it across all of that run's
// attempts (spec.md §4.7).
func (b *Builder) Build(ctx context.Context, pubkey types.Pubkey, thread *types.Thread) (types.CompiledTransaction, error) {
	b.logger.Debug("building transaction", "pubkey", pubkey.String(), "fiber_cursor", thread.FiberCursor)

	fiber, fiberAddr, priorityFee, err := b.startingFiber(ctx, pubkey, thread)
	if err != nil {
		return types.CompiledTransaction{}, err
	}

	instrs := []types.Instruction{b.threadExecInstruction(pubkey, fiberAddr, *fiber, thread.FiberCursor, thread.NonceAccount)}

	var lastUnits uint64
	var lastSignal types.Signal
	var externalFibers []types.Pubkey
	if fiberAddr != nil {
		externalFibers = append(externalFibers, *fiberAddr)
	}

	for len(instrs) < config.MaxBatchedFibers {
		txBase64, err := buildSimulationTx(b.executor, instrs)
		if err != nil {
			return types.CompiledTransaction{}, err
		}
		sim, err := b.simulator.SimulateTransaction(ctx, txBase64, []string{pubkey.String()})
		if err != nil {
			return types.CompiledTransaction{}, fmt.Errorf("executor: simulating transaction: %w", err)
		}
		if sim.Failed() {
			return types.CompiledTransaction{}, fmt.Errorf("executor: %w: %s", errs.ErrSimulation, string(sim.Err))
		}
		if sim.UnitsConsumed != nil {
			lastUnits = *sim.UnitsConsumed
		}

		accounts, err := sim.DecodedAccounts()
		if err != nil {
			return types.CompiledTransaction{}, err
		}
		if len(accounts) == 0 || accounts[0] == nil {
			break
		}
		postThread, err := b.decoder.DecodeThread(accounts[0])
		if err != nil {
			return types.CompiledTransaction{}, err
		}
		lastSignal = postThread.FiberSignal

		switch lastSignal {
		case types.SignalChain:
			nextID := postThread.NextFiberIndex()
			nextFiber, nextAddr, _, err := b.fiberAt(ctx, pubkey, postThread, nextID)
			if err != nil {
				return types.CompiledTransaction{}, err
			}
			instrs = append(instrs, b.threadExecInstruction(pubkey, nextAddr, *nextFiber, nextID, postThread.NonceAccount))
			if nextAddr != nil {
				externalFibers = append(externalFibers, *nextAddr)
			}
			continue
		case types.SignalClose:
			b.logger.Debug("thread signalled close", "pubkey", pubkey.String())
			closeFiberAddr, err := b.deriver.CloseFiberAddress(pubkey)
			if err != nil {
				return types.CompiledTransaction{}, fmt.Errorf("executor: deriving close-fiber address: %w", err)
			}
			closeFiber, err := b.fibers.GetExternalFiber(ctx, closeFiberAddr)
			if err != nil {
				return types.CompiledTransaction{}, fmt.Errorf("executor: fetching close fiber: %w", err)
			}
			instrs = append(instrs, b.closeInstruction(pubkey, postThread, *closeFiber, externalFibers))
			return b.finalize(ctx, instrs, priorityFee, lastUnits, thread.NonceAccount)
		default:
			return b.finalize(ctx, instrs, priorityFee, lastUnits, thread.NonceAccount)
		}
	}

	return b.finalize(ctx, instrs, priorityFee, lastUnits, thread.NonceAccount)
}

func (b *Builder) finalize(ctx context.Context, instrs []types.Instruction, priorityFee, lastUnits uint64, nonce *types.Pubkey) (types.CompiledTransaction, error) {
	txBase64, err := buildSimulationTx(b.executor, instrs)
	if err != nil {
		return types.CompiledTransaction{}, err
	}
	sim, err := b.simulator.SimulateTransaction(ctx, txBase64, nil)
	if err != nil {
		return types.CompiledTransaction{}, fmt.Errorf("executor: final simulation: %w", err)
	}
	if sim.Failed() {
		return types.CompiledTransaction{}, fmt.Errorf("executor: final simulation: %w: %s", errs.ErrSimulation, string(sim.Err))
	}
	units := lastUnits
	if sim.UnitsConsumed != nil {
		units = *sim.UnitsConsumed
	}

	budgeted := make([]types.Instruction, 0, len(instrs)+3)
	if nonce != nil {
		budgeted = append(budgeted, nonceAdvanceInstruction(*nonce, b.executor))
	}
	budgeted = append(budgeted, computeBudgetInstruction(computeBudgetSetUnitLimit, units+units/10))
	if priorityFee > 0 {
		budgeted = append(budgeted, computeBudgetInstruction(computeBudgetSetUnitPrice, priorityFee))
	}
	budgeted = append(budgeted, instrs...)

	return types.CompiledTransaction{Instructions: budgeted, PriorityFee: priorityFee, UnitsConsumed: units}, nil
}

func (b *Builder) startingFiber(ctx context.Context, pubkey types.Pubkey, thread *types.Thread) (*types.Fiber, *types.Pubkey, uint64, error) {
	if thread.FiberCursor == 0 && thread.DefaultFiber != nil {
		return thread.DefaultFiber, nil, thread.DefaultFiberPriorityFee, nil
	}
	return b.fiberAt(ctx, pubkey, thread, thread.FiberCursor)
}

func (b *Builder) fiberAt(ctx context.Context, pubkey types.Pubkey, thread *types.Thread, fiberID uint32) (*types.Fiber, *types.Pubkey, uint64, error) {
	addr, err := b.deriver.FiberAddress(pubkey, fiberID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("executor: deriving fiber address: %w", err)
	}
	fiber, err := b.fibers.GetExternalFiber(ctx, addr)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("executor: fetching fiber %s: %w", addr.String(), err)
	}
	return fiber, &addr, fiber.PriorityFee, nil
}
