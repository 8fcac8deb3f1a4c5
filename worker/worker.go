// Package worker implements the WorkerActor (spec.md §4.5): the
// per-ready-thread state machine that gates through the LoadBalancer,
// builds a transaction via the Executor, and drives the submit/confirm
// retry loop until the thread lands, permanently fails, or is
// cancelled.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	"github.com/luxfi/automaton/config"
	"github.com/luxfi/automaton/errs"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/metrics"
	"github.com/luxfi/automaton/processor"
	"github.com/luxfi/automaton/rpcpool"
	"github.com/luxfi/automaton/txbuild"
	"github.com/luxfi/automaton/types"
)

// LoadBalancer is the Phase-0 gate a Worker consults before building
// anything.
type LoadBalancer interface {
	ShouldProcess(thread types.Pubkey, lastExecutor types.Pubkey, isOverdue bool, overdueSeconds int64) types.LoadBalancerDecision
	RecordExecutionResult(thread types.Pubkey, success bool, at time.Time)
}

// Builder is the Phase-1 transaction assembler.
type Builder interface {
	Build(ctx context.Context, pubkey types.Pubkey, thread *types.Thread) (types.CompiledTransaction, error)
}

// BlockhashSource supplies the recent blockhash each attempt re-signs
// against.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context) (hash string, lastValidBlockHeight uint64, err error)
}

// Submitter sends a signed transaction and polls for its landing
// status.
type Submitter interface {
	SendTransaction(ctx context.Context, txBase64 string) (string, error)
	GetSignatureStatus(ctx context.Context, signature string) (*rpcpool.SignatureStatus, error)
}

// TPUClient is the optional low-latency leader-forwarding path (spec.md
// §4.5 step 4). When nil or Send fails, a Worker falls back to
// Submitter.SendTransaction over RPC.
type TPUClient interface {
	Send(ctx context.Context, wireTx []byte) error
}

// Signer produces the executor's detached signature over a compiled
// message.
type Signer interface {
	Pubkey() types.Pubkey
	Sign(message []byte) [64]byte
}

// Worker drives one admitted ReadyThread through to a terminal
// types.ExecutionResult. It satisfies processor.Worker.
type Worker struct {
	pubkey         types.Pubkey
	thread         *types.Thread
	isOverdue      bool
	overdueSeconds int64
	cancelled      *atomic.Bool

	lb        LoadBalancer
	builder   Builder
	blockhash BlockhashSource
	submitter Submitter
	tpu       TPUClient
	signer    Signer
	tpuCfg    config.TPUConfig

	logger  automatonlog.Logger
	metrics *metrics.Registry
}

// Deps bundles the shared collaborators every Worker spawned by one
// Processor uses.
type Deps struct {
	LoadBalancer LoadBalancer
	Builder      Builder
	Blockhash    BlockhashSource
	Submitter    Submitter
	TPU          TPUClient
	Signer       Signer
	TPUConfig    config.TPUConfig
	Logger       automatonlog.Logger
	Metrics      *metrics.Registry
}

// NewFactory returns a processor.WorkerFactory bound to a fixed set of
// collaborators, one per running Processor.
func NewFactory(d Deps) processor.WorkerFactory {
	reg := d.Metrics
	if reg == nil {
		reg = metrics.Noop()
	}
	logger := automatonlog.Component(d.Logger, "worker")
	return func(a processor.WorkerArgs) processor.Worker {
		return &Worker{
			pubkey:         a.Pubkey,
			thread:         a.Thread,
			isOverdue:      a.IsOverdue,
			overdueSeconds: a.OverdueSeconds,
			cancelled:      a.Cancelled,
			lb:             d.LoadBalancer,
			builder:        d.Builder,
			blockhash:      d.Blockhash,
			submitter:      d.Submitter,
			tpu:            d.TPU,
			signer:         d.Signer,
			tpuCfg:         d.TPUConfig,
			logger:         logger,
			metrics:        reg,
		}
	}
}

func (w *Worker) isCancelled() bool {
	return w.cancelled != nil && w.cancelled.Load()
}

// Run executes the full three-phase lifecycle (spec.md §4.5).
func (w *Worker) Run(ctx context.Context) types.ExecutionResult {
	result := types.ExecutionResult{Thread: w.pubkey}

	decision := w.lb.ShouldProcess(w.pubkey, w.thread.LastExecutor, w.isOverdue, w.overdueSeconds)
	switch decision {
	case types.DecisionSkip, types.DecisionAtCapacity:
		w.logger.Debug("load balancer gate declined thread", "pubkey", w.pubkey.String(), "decision", decision.String())
		result.Reason = types.ReasonSkipped
		return result
	}

	if w.isCancelled() {
		result.Reason = types.ReasonCancelled
		return result
	}

	compiled, err := w.builder.Build(ctx, w.pubkey, w.thread)
	if err != nil {
		w.logger.Warn("build failed", "pubkey", w.pubkey.String(), "error", err.Error())
		result.Reason = types.ReasonFailed
		result.ErrorMessage = err.Error()
		w.lb.RecordExecutionResult(w.pubkey, false, time.Now())
		return result
	}

	result = w.attemptLoop(ctx, compiled)
	w.recordAttempts(result)
	w.lb.RecordExecutionResult(w.pubkey, result.Success, time.Now())
	return result
}

// attemptLoop implements spec.md §4.5's submit/confirm retry loop: up to
// config.MaxAttempts tries, each bounded by config.ConfirmationTimeout,
// with exponential backoff seeded at config.RetryBaseDelay between
// tries and a config.TPUResendCadence resend while a poll is in flight.
func (w *Worker) attemptLoop(ctx context.Context, compiled types.CompiledTransaction) types.ExecutionResult {
	result := types.ExecutionResult{Thread: w.pubkey}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.AttemptCount = attempt

		if w.isCancelled() {
			result.Reason = types.ReasonCancelled
			return result
		}

		signature, wireTx, err := w.signAttempt(ctx, compiled)
		if err != nil && !errs.Retryable(err) {
			result.Reason = types.ReasonFailed
			result.ErrorMessage = err.Error()
			return result
		}

		confirmed, failedPermanently := false, false
		if err == nil {
			confirmed, failedPermanently, err = w.submitAndConfirm(ctx, signature, wireTx)
		} else {
			result.ErrorMessage = err.Error()
		}
		switch {
		case confirmed:
			w.metrics.TxsConfirmed.Inc()
			result.Success = true
			result.Reason = types.ReasonExecuted
			return result
		case failedPermanently:
			result.Reason = types.ReasonFailed
			result.ErrorMessage = err.Error()
			return result
		}

		if err != nil {
			w.logger.Debug("attempt did not land, retrying", "pubkey", w.pubkey.String(), "attempt", attempt, "error", err.Error())
		}

		if attempt == config.MaxAttempts {
			break
		}
		backoff := config.RetryBaseDelay * time.Duration(1<<uint(attempt-1))
		select {
		case <-ctx.Done():
			result.Reason = types.ReasonFailed
			result.ErrorMessage = ctx.Err().Error()
			return result
		case <-time.After(backoff):
		}
	}

	result.Reason = types.ReasonFailed
	if result.ErrorMessage == "" {
		result.ErrorMessage = "confirmation timed out after max attempts"
	}
	return result
}

func (w *Worker) recordAttempts(result types.ExecutionResult) {
	w.metrics.WorkerAttempts.Observe(float64(result.AttemptCount))
}

// signAttempt re-fetches a fresh blockhash and produces the signed wire
// transaction for one attempt (spec.md §4.7 step 7: every attempt signs
// against its own blockhash, it is never reused across attempts).
func (w *Worker) signAttempt(ctx context.Context, compiled types.CompiledTransaction) (signature string, wireTx []byte, err error) {
	blockhash, _, err := w.blockhash.GetLatestBlockhash(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("worker: fetching blockhash: %w: %w", errs.ErrBlockhashUnavailable, err)
	}

	message, _, err := txbuild.Compile(w.signer.Pubkey(), compiled.Instructions, blockhash)
	if err != nil {
		return "", nil, fmt.Errorf("worker: compiling message: %w", err)
	}

	sig := w.signer.Sign(message)
	wireTx = txbuild.Serialize([][64]byte{sig}, message)
	return base58.Encode(sig[:]), wireTx, nil
}

// submitAndConfirm sends wireTx (TPU-preferred, RPC fallback) and polls
// for its landing status until config.ConfirmationTimeout elapses
// (spec.md §4.5 step 5). failedPermanently distinguishes an on-chain
// rejection (stop retrying) from a plain timeout (retry with a fresh
// blockhash).
func (w *Worker) submitAndConfirm(ctx context.Context, signature string, wireTx []byte) (confirmed, failedPermanently bool, err error) {
	confirmCtx, cancel := context.WithTimeout(ctx, config.ConfirmationTimeout)
	defer cancel()

	if err := w.send(confirmCtx, wireTx); err != nil {
		return false, false, err
	}
	w.metrics.TxsSubmitted.Inc()

	resendTicker := time.NewTicker(config.TPUResendCadence)
	defer resendTicker.Stop()
	pollTicker := time.NewTicker(config.SignatureStatusPollRate)
	defer pollTicker.Stop()

	for {
		select {
		case <-confirmCtx.Done():
			return false, false, fmt.Errorf("worker: %w", context.DeadlineExceeded)
		case <-resendTicker.C:
			_ = w.send(confirmCtx, wireTx)
		case <-pollTicker.C:
			status, serr := w.submitter.GetSignatureStatus(confirmCtx, signature)
			if serr != nil || status == nil {
				continue
			}
			if len(status.Err) > 0 && string(status.Err) != "null" {
				return false, true, fmt.Errorf("worker: transaction rejected on-chain: %s", string(status.Err))
			}
			if status.Confirmed {
				return true, false, nil
			}
		}
	}
}

// send prefers the TPU path when enabled and available, falling back to
// RPC submission on any TPU error (spec.md §4.5 step 4).
func (w *Worker) send(ctx context.Context, wireTx []byte) error {
	if w.tpuCfg.Enabled && w.tpu != nil {
		if err := w.tpu.Send(ctx, wireTx); err == nil {
			return nil
		}
		w.logger.Debug("tpu send failed, falling back to rpc", "pubkey", w.pubkey.String())
	}
	txBase64 := base64.StdEncoding.EncodeToString(wireTx)
	_, err := w.submitter.SendTransaction(ctx, txBase64)
	return err
}
