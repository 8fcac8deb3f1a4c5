// Package types holds the on-chain and in-process data model shared by
// every stage of the execution pipeline: the Thread/Fiber shapes read
// from the chain, and the CachedAccount/TrackedThread/ScheduledEntry/
// ReadyThread/ExecutionResult/ThreadTracking records that exist only
// inside this process.
package types

import (
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte account address, the address space of the chain
// this executor targets. base58 is the wire/display encoding (grounded
// on the mr-tron/base58 dependency carried by the teacher's go.mod).
type Pubkey [32]byte

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// PubkeyFromBase58 decodes a base58 address into a Pubkey.
func PubkeyFromBase58(s string) (Pubkey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Pubkey{}, fmt.Errorf("decoding base58 pubkey: %w", err)
	}
	if len(b) != 32 {
		return Pubkey{}, fmt.Errorf("decoded pubkey has %d bytes, want 32", len(b))
	}
	var p Pubkey
	copy(p[:], b)
	return p, nil
}

// PayerSentinel stands in for "the executor pubkey at build time" inside
// a compiled fiber's account list. The Executor rewrites it to the real
// signer before submission and it must never be treated as a real
// on-chain account (spec.md §9).
var PayerSentinel = Pubkey{1}

// MaxScheduleValue is the sentinel meaning "no next firing" for a
// timestamp, slot, or epoch schedule value.
const MaxScheduleValue = ^uint64(0)

// TriggerKind discriminates how a Thread's schedule is interpreted.
type TriggerKind int

const (
	TriggerUnknown TriggerKind = iota
	TriggerTime                // cron / interval / fixed timestamp
	TriggerSlot                // slot-based (block) trigger
	TriggerEpoch
	TriggerAccount // account-change trigger; no schedule queue entry
	TriggerImmediate
)

// AccountCacheTrigger is the trigger classification the account cache
// uses purely to pick a TTL policy (spec.md §3, CachedAccount).
type AccountCacheTrigger int

const (
	CacheTriggerUnknown AccountCacheTrigger = iota
	CacheTriggerTime
	CacheTriggerBlock
	CacheTriggerAccount
)

// Schedule is the next eligible firing moment for a Thread, expressed
// in exactly one of the three domains.
type Schedule struct {
	Kind      TriggerKind
	NextTs    uint64 // unix seconds, valid when Kind == TriggerTime or TriggerImmediate
	NextSlot  uint64 // valid when Kind == TriggerSlot
	NextEpoch uint64 // valid when Kind == TriggerEpoch
}

func (s Schedule) Equal(o Schedule) bool {
	return s == o
}

// Signal is the post-execution hint the on-chain program writes back
// into the Thread account, read by the Executor after simulation to
// decide whether to batch another fiber into the same transaction.
type Signal int

const (
	SignalNone Signal = iota
	SignalRepeat
	SignalNext
	SignalChain
	SignalClose
	SignalUpdateTrigger
)

// Fiber is a pre-compiled instruction: program id, a pre-sorted account
// list, a data blob, and a priority fee (spec.md §3).
type Fiber struct {
	ProgramID   Pubkey
	Accounts    []FiberAccount
	Layout      FiberAccountLayout
	Data        []byte
	PriorityFee uint64
}

// FiberAccount is one entry of a Fiber's pre-sorted account list. The
// list is sorted rw-signer, ro-signer, rw-nonsigner, ro-nonsigner; the
// counts on the owning Fiber (via FiberAccountLayout) say where each
// region ends.
type FiberAccount struct {
	Pubkey Pubkey
}

// FiberAccountLayout records how many of a Fiber's accounts fall into
// each of the four sorted regions, per spec.md §4.7 step 2.
type FiberAccountLayout struct {
	NumRwSigners   int
	NumRoSigners   int
	NumRwNonSigners int
	NumRoNonSigners int
}

// Thread is the core on-chain account this executor reads (spec.md §3).
// This process never writes it; the on-chain program owns all mutation.
type Thread struct {
	Pubkey         Pubkey
	Authority      Pubkey
	ID             string
	Paused         bool
	ExecCount      uint64
	LastExecutor   Pubkey
	Trigger        TriggerKind
	Schedule       Schedule
	FiberIDs       []uint32 // indices of external fiber accounts
	DefaultFiber   *Fiber   // inline fiber payload, optional
	DefaultFiberPriorityFee uint64
	FiberCursor    uint32
	FiberSignal    Signal
	NonceAccount   *Pubkey // optional durable nonce
	CloseAuthority Pubkey
}

// NextFiberIndex returns the fiber id the Chain signal should advance
// to, wrapping around the end of FiberIDs (spec.md §4.7 step 4).
func (t *Thread) NextFiberIndex() uint32 {
	if len(t.FiberIDs) == 0 {
		return t.FiberCursor
	}
	for i, id := range t.FiberIDs {
		if id == t.FiberCursor && i+1 < len(t.FiberIDs) {
			return t.FiberIDs[i+1]
		}
	}
	return t.FiberIDs[0]
}

// CachedAccount is the in-process record the AccountCache stores for
// every observed pubkey (spec.md §3).
type CachedAccount struct {
	Data        []byte
	Slot        uint64
	ContentHash [32]byte
	Trigger     AccountCacheTrigger
	NextTs      uint64 // only meaningful when Trigger == CacheTriggerTime
}

// TrackedThread is Staging's minimal projection of a Thread (spec.md §3).
type TrackedThread struct {
	ExecCount uint64
	Schedule  Schedule
}

// ScheduledEntry is one element of a Staging priority queue (spec.md §3).
type ScheduledEntry struct {
	TriggerValue uint64
	Thread       Pubkey
	ExecCount    uint64
}

// ReadyThread is the handoff record Staging emits to the Processor. It
// carries no account data; the processor re-reads the cache.
type ReadyThread struct {
	Thread        Pubkey
	ExecCount     uint64
	IsOverdue     bool
	OverdueSeconds int64
}

// CompletionReason tags why a worker stopped, for Staging's queued-set
// cleanup and for metrics.
type CompletionReason int

const (
	ReasonExecuted CompletionReason = iota
	ReasonSkipped
	ReasonFailed
	ReasonCancelled
)

func (r CompletionReason) String() string {
	switch r {
	case ReasonExecuted:
		return "executed"
	case ReasonSkipped:
		return "skipped"
	case ReasonFailed:
		return "failed"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExecutionResult is the terminal outcome of one worker's lifecycle
// (spec.md §3).
type ExecutionResult struct {
	Thread        Pubkey
	Success       bool
	Reason        CompletionReason
	AttemptCount  int
	ErrorMessage  string
}

// ThreadTracking is the LoadBalancer's per-thread ownership bookkeeping
// (spec.md §3).
type ThreadTracking struct {
	Owned             bool
	ConsecutiveLosses uint32
	LastAttempt       time.Time
}

// AccountUpdate is a chain account-change event delivered by a
// Datasource (spec.md §6).
type AccountUpdate struct {
	Pubkey Pubkey
	Data   []byte
	Slot   uint64
}

// ClockTick is a chain clock tick delivered by a Datasource (spec.md §6).
type ClockTick struct {
	Slot          uint64
	Epoch         uint64
	UnixTimestamp int64
}

// LoadBalancerDecision is the outcome of LoadBalancer.ShouldProcess.
type LoadBalancerDecision int

const (
	DecisionProcess LoadBalancerDecision = iota
	DecisionSkip
	DecisionAtCapacity
)

func (d LoadBalancerDecision) String() string {
	switch d {
	case DecisionProcess:
		return "process"
	case DecisionSkip:
		return "skip"
	case DecisionAtCapacity:
		return "at_capacity"
	default:
		return "unknown"
	}
}

// MemcmpFilter restricts a program-accounts query or subscription to
// accounts whose bytes match at a given offset.
type MemcmpFilter struct {
	Offset int    `json:"offset"`
	Bytes  string `json:"bytes"` // base58
}

// AccountDiscriminator classifies raw account bytes during staging's
// AccountUpdate handling (spec.md §4.3 step 1).
type AccountDiscriminator int

const (
	AccountOther AccountDiscriminator = iota
	AccountThread
	AccountClock
	AccountDeleted
)

// AccountMeta is one account reference inside a compiled instruction,
// carrying the signer/writable flags the Executor derives from a
// fiber's pre-sorted account list (spec.md §4.7 step 2).
type AccountMeta struct {
	Pubkey     Pubkey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a single on-chain instruction: a program id, its
// ordered account list, and opaque instruction data.
type Instruction struct {
	ProgramID Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// CompiledTransaction is the Executor's output for one WorkerActor
// attempt: a fully ordered instruction list (compute-budget
// instructions already prepended) plus the priority fee used to build
// them, ready to be wrapped with a blockhash and signed (spec.md §4.7
// step 7).
type CompiledTransaction struct {
	Instructions []Instruction
	PriorityFee  uint64
	UnitsConsumed uint64
}
