// Package errs defines the error taxonomy of the execution pipeline as
// sentinel errors, so that retry, fail-fast and cleanup policy can be
// decided with errors.Is instead of string matching. The cache, rpcpool,
// executor and worker wrap their failures around these sentinels.
package errs

import "errors"

var (
	// ErrTransientRpc covers network hiccups and endpoint outages. The
	// worker retry loop absorbs this kind with backoff.
	ErrTransientRpc = errors.New("transient rpc error")

	// ErrBlockhashUnavailable means the rpc pool could not produce a
	// recent blockhash from any endpoint.
	ErrBlockhashUnavailable = errors.New("blockhash unavailable")

	// ErrSimulation is a non-zero `err` from simulate_transaction. The
	// worker fails fast and does not submit.
	ErrSimulation = errors.New("simulation error")

	// ErrOnChainFailure is a confirmed transaction with a non-ok status.
	// The nonce has already advanced, so retrying is pointless.
	ErrOnChainFailure = errors.New("on-chain execution failure")

	// ErrConfirmationTimeout means 30s elapsed without a confirmed or
	// failed signature status. The worker retries with a fresh blockhash.
	ErrConfirmationTimeout = errors.New("confirmation timeout")

	// ErrCancelled is returned when a worker observes its cancellation
	// flag set. No further side effects follow.
	ErrCancelled = errors.New("cancelled")

	// ErrCacheMiss is a permanent miss: the rpc confirmed the thread
	// does not exist. Tracking is cleaned up, not retried.
	ErrCacheMiss = errors.New("account not found")

	// ErrPermanentData is a deserialization failure on account bytes
	// that are otherwise present. Tracking for that pubkey is dropped.
	ErrPermanentData = errors.New("permanent data error")

	// ErrNoHealthyEndpoints means every candidate endpoint for an
	// operation is unhealthy or absent.
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints")

	// ErrAtCapacity names the load balancer's at-capacity outcome; it is
	// not a worker failure. The load balancer itself reports that outcome
	// as types.DecisionAtCapacity, which WorkerActor turns into a Skipped
	// completion.
	ErrAtCapacity = errors.New("load balancer at capacity")
)

// Kind classifies an error for logging and metrics without requiring the
// caller to unwrap a specific sentinel.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientRpc
	KindBlockhashUnavailable
	KindSimulation
	KindOnChainFailure
	KindConfirmationTimeout
	KindCancelled
	KindCacheMiss
	KindPermanentData
)

func (k Kind) String() string {
	switch k {
	case KindTransientRpc:
		return "transient_rpc"
	case KindBlockhashUnavailable:
		return "blockhash_unavailable"
	case KindSimulation:
		return "simulation_error"
	case KindOnChainFailure:
		return "on_chain_failure"
	case KindConfirmationTimeout:
		return "confirmation_timeout"
	case KindCancelled:
		return "cancelled"
	case KindCacheMiss:
		return "cache_miss"
	case KindPermanentData:
		return "permanent_data"
	default:
		return "unknown"
	}
}

// Classify maps an error to its Kind by walking the sentinel chain with
// errors.Is. Errors not wrapped around one of the package sentinels
// classify as KindUnknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransientRpc):
		return KindTransientRpc
	case errors.Is(err, ErrBlockhashUnavailable):
		return KindBlockhashUnavailable
	case errors.Is(err, ErrSimulation):
		return KindSimulation
	case errors.Is(err, ErrOnChainFailure):
		return KindOnChainFailure
	case errors.Is(err, ErrConfirmationTimeout):
		return KindConfirmationTimeout
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrCacheMiss):
		return KindCacheMiss
	case errors.Is(err, ErrPermanentData):
		return KindPermanentData
	default:
		return KindUnknown
	}
}

// Retryable reports whether the worker's retry loop should attempt
// another pass after seeing this error.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransientRpc, KindBlockhashUnavailable, KindConfirmationTimeout:
		return true
	default:
		return false
	}
}
