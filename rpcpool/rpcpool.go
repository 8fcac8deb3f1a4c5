// Package rpcpool implements the RpcPool (spec.md §4.8): a
// multi-endpoint JSON-RPC client with per-endpoint health tracking,
// configurable candidate ordering, and the uniform account-decoding
// rules the rest of the pipeline depends on.
//
// Wire encoding/decoding uses github.com/gorilla/rpc's json2 codec for
// the response envelope, the same library the teacher's
// utils/rpc/json.go reaches for, rather than hand-rolling a JSON-RPC
// client from net/http alone.
package rpcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/luxfi/automaton/config"
	"github.com/luxfi/automaton/errs"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/types"
)

// Pool is the RpcPool. It is safe for concurrent use and is intended to
// be shared, unmodified, across every component that talks to the
// chain (spec.md §5, "RpcPool is immutably shared").
type Pool struct {
	endpoints []*endpoint
	strategy  config.Strategy
	client    *http.Client
	logger    automatonlog.Logger

	rrMu sync.Mutex
	rr   int
}

// New builds a Pool from configuration. It does not dial anything; WS
// connections are established lazily by AccountSubscribe and
// ProgramSubscribe.
func New(cfg config.RPCConfig, logger automatonlog.Logger) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: at least one endpoint is required")
	}
	p := &Pool{
		strategy: cfg.Strategy,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   automatonlog.Component(logger, "rpcpool"),
	}
	for _, ec := range cfg.Endpoints {
		e, err := newEndpoint(ec)
		if err != nil {
			return nil, fmt.Errorf("rpcpool: configuring endpoint %q: %w", ec.URL, err)
		}
		p.endpoints = append(p.endpoints, e)
	}
	return p, nil
}

// candidates returns endpoints usable for the given capability, ordered
// per the configured strategy (spec.md §4.8).
func (p *Pool) candidates(needSubmit bool) []*endpoint {
	var out []*endpoint
	for _, e := range p.endpoints {
		if needSubmit && !e.canSubmit() {
			continue
		}
		if !needSubmit && !e.canFetch() {
			continue
		}
		if !e.available() {
			continue
		}
		out = append(out, e)
	}

	switch p.strategy {
	case config.StrategyPriority:
		sort.SliceStable(out, func(i, j int) bool { return out[i].cfg.Priority < out[j].cfg.Priority })
	case config.StrategyLeastLatency:
		sort.SliceStable(out, func(i, j int) bool {
			_, li := out[i].snapshot()
			_, lj := out[j].snapshot()
			return li < lj
		})
	case config.StrategyWeightedRoundRobin:
		out = p.weightedOrder(out)
	case config.StrategyRoundRobin:
		out = p.rotate(out, 1)
	}
	return out
}

// rotate advances the pool's round-robin cursor by step and returns out
// rotated so iteration starts after the previously used endpoint.
func (p *Pool) rotate(out []*endpoint, step int) []*endpoint {
	if len(out) == 0 {
		return out
	}
	p.rrMu.Lock()
	offset := p.rr % len(out)
	p.rr += step
	p.rrMu.Unlock()

	rotated := make([]*endpoint, len(out))
	for i := range out {
		rotated[i] = out[(offset+i)%len(out)]
	}
	return rotated
}

// weightedOrder picks the next endpoint by smooth weighted round robin
// (weight = worst-priority - this endpoint's priority + 1, so a
// priority-1 endpoint is picked several times more often than a
// priority-N one) and puts it first; the remaining candidates follow in
// priority order as the failover fallback sequence.
func (p *Pool) weightedOrder(out []*endpoint) []*endpoint {
	if len(out) <= 1 {
		return out
	}
	worst := out[0].cfg.Priority
	for _, e := range out {
		if e.cfg.Priority > worst {
			worst = e.cfg.Priority
		}
	}

	p.rrMu.Lock()
	var best *endpoint
	total := 0
	for _, e := range out {
		weight := worst - e.cfg.Priority + 1
		e.currentWeight += weight
		total += weight
		if best == nil || e.currentWeight > best.currentWeight {
			best = e
		}
	}
	best.currentWeight -= total
	p.rrMu.Unlock()

	rest := make([]*endpoint, 0, len(out)-1)
	for _, e := range out {
		if e != best {
			rest = append(rest, e)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].cfg.Priority < rest[j].cfg.Priority })
	return append([]*endpoint{best}, rest...)
}

// attempt runs fn against the first candidate that succeeds, recording
// health/latency on every call, per spec.md §4.8's selection algorithm.
func (p *Pool) attempt(ctx context.Context, needSubmit bool, fn func(ctx context.Context, e *endpoint) error) error {
	cands := p.candidates(needSubmit)
	if len(cands) == 0 {
		return errs.ErrNoHealthyEndpoints
	}

	var errsAgg *multierror.Error
	for _, e := range cands {
		start := time.Now()
		err := fn(ctx, e)
		if err == nil {
			e.recordSuccess(time.Since(start))
			return nil
		}
		e.recordFailure()
		p.logger.Debug("rpc candidate failed", "url", e.cfg.URL, "error", err.Error())
		errsAgg = multierror.Append(errsAgg, err)
	}
	if errsAgg != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransientRpc, errsAgg.ErrorOrNil())
	}
	return errs.ErrNoHealthyEndpoints
}

// GetLatestBlockhash fetches a recent blockhash (spec.md §4.8).
func (p *Pool) GetLatestBlockhash(ctx context.Context) (hash string, lastValidBlockHeight uint64, err error) {
	type value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}
	type withContext struct {
		Value value `json:"value"`
	}
	var reply withContext

	cfg := map[string]interface{}{"commitment": "confirmed"}
	callErr := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "getLatestBlockhash", []interface{}{cfg}, &reply)
	})
	if callErr != nil {
		return "", 0, callErr
	}
	return reply.Value.Blockhash, reply.Value.LastValidBlockHeight, nil
}

// GetAccount satisfies cache.RPCFetcher: it fetches one account and
// returns its decoded bytes plus source slot. A missing account returns
// (nil, slot, nil).
func (p *Pool) GetAccount(ctx context.Context, pubkey types.Pubkey) ([]byte, uint64, error) {
	var reply accountWithContext
	params := []interface{}{pubkey.String(), map[string]interface{}{"encoding": "base64"}}

	err := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "getAccountInfo", params, &reply)
	})
	if err != nil {
		return nil, 0, err
	}
	if reply.Value == nil {
		return nil, reply.Context.Slot, nil
	}
	data, err := decodeUiAccount(reply.Value)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", errs.ErrPermanentData, err)
	}
	return data, reply.Context.Slot, nil
}

// MultiAccount is one slot of a get_multiple_accounts response; Data is
// nil when the chain reports no account at that address.
type MultiAccount struct {
	Pubkey string
	Data   []byte
}

// GetMultipleAccounts fetches several accounts in one round trip.
func (p *Pool) GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]MultiAccount, uint64, error) {
	type withContext struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value []*uiAccount `json:"value"`
	}
	var reply withContext
	params := []interface{}{pubkeys, map[string]interface{}{"encoding": "base64"}}

	err := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "getMultipleAccounts", params, &reply)
	})
	if err != nil {
		return nil, 0, err
	}

	out := make([]MultiAccount, len(reply.Value))
	for i, v := range reply.Value {
		out[i].Pubkey = pubkeys[i]
		if v == nil {
			continue
		}
		data, derr := decodeUiAccount(v)
		if derr != nil {
			return nil, 0, fmt.Errorf("%w: %v", errs.ErrPermanentData, derr)
		}
		out[i].Data = data
	}
	return out, reply.Context.Slot, nil
}

// ProgramAccount is one entry of a get_program_accounts response.
type ProgramAccount struct {
	Pubkey string
	Data   []byte
}

// MemcmpFilter is the get_program_accounts / programSubscribe filter
// shape; aliased from types so callers across packages share one type.
type MemcmpFilter = types.MemcmpFilter

// GetProgramAccounts fetches every account owned by program matching
// filters.
func (p *Pool) GetProgramAccounts(ctx context.Context, program string, filters []MemcmpFilter) ([]ProgramAccount, error) {
	type entry struct {
		Pubkey  string     `json:"pubkey"`
		Account *uiAccount `json:"account"`
	}
	var reply []entry

	cfg := map[string]interface{}{"encoding": "base64"}
	if len(filters) > 0 {
		rpcFilters := make([]map[string]interface{}, len(filters))
		for i, f := range filters {
			rpcFilters[i] = map[string]interface{}{"memcmp": f}
		}
		cfg["filters"] = rpcFilters
	}
	params := []interface{}{program, cfg}

	err := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "getProgramAccounts", params, &reply)
	})
	if err != nil {
		return nil, err
	}

	out := make([]ProgramAccount, 0, len(reply))
	for _, e := range reply {
		data, derr := decodeUiAccount(e.Account)
		if derr != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPermanentData, derr)
		}
		out = append(out, ProgramAccount{Pubkey: e.Pubkey, Data: data})
	}
	return out, nil
}

// SendTransaction submits a base64-encoded signed transaction and
// returns its signature.
func (p *Pool) SendTransaction(ctx context.Context, txBase64 string) (string, error) {
	var signature string
	cfg := map[string]interface{}{"encoding": "base64", "skipPreflight": true}
	params := []interface{}{txBase64, cfg}

	err := p.attempt(ctx, true, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "sendTransaction", params, &signature)
	})
	return signature, err
}

// SimulateResult is the decoded response of simulate_transaction
// (spec.md §4.8, §4.7).
type SimulateResult struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed *uint64         `json:"unitsConsumed"`
	Accounts      []*uiAccount    `json:"accounts"`
}

// DecodedAccounts decodes every returned account slot, preserving nils
// for slots the chain reported empty.
func (r *SimulateResult) DecodedAccounts() ([][]byte, error) {
	out := make([][]byte, len(r.Accounts))
	for i, a := range r.Accounts {
		data, err := decodeUiAccount(a)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPermanentData, err)
		}
		out[i] = data
	}
	return out, nil
}

// Failed reports whether the simulation's err field is non-null.
func (r *SimulateResult) Failed() bool {
	return len(r.Err) > 0 && string(r.Err) != "null"
}

// SimulateTransaction simulates txBase64, optionally requesting the
// post-simulation state of returnAccounts back with base64+zstd
// encoding (spec.md §4.7 step 3).
func (p *Pool) SimulateTransaction(ctx context.Context, txBase64 string, returnAccounts []string) (SimulateResult, error) {
	var reply struct {
		Value SimulateResult `json:"value"`
	}

	cfg := map[string]interface{}{
		"encoding":               "base64",
		"replaceRecentBlockhash": true,
		"commitment":             "processed",
		"sigVerify":              false,
	}
	if len(returnAccounts) > 0 {
		cfg["accounts"] = encodeAccountDataRequest(returnAccounts)
	}
	params := []interface{}{txBase64, cfg}

	err := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "simulateTransaction", params, &reply)
	})
	return reply.Value, err
}

// SignatureStatus is the decoded outcome of get_signature_status.
type SignatureStatus struct {
	Confirmed bool
	Err       json.RawMessage
}

// GetSignatureStatus polls for a transaction's confirmation state. A
// nil result means the signature is not yet seen or has not yet reached
// confirmed or finalized commitment (spec.md §4.8).
func (p *Pool) GetSignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	type statusValue struct {
		ConfirmationStatus string          `json:"confirmationStatus"`
		Err                json.RawMessage `json:"err"`
	}
	var reply struct {
		Value []*statusValue `json:"value"`
	}
	params := []interface{}{[]string{signature}, map[string]interface{}{"searchTransactionHistory": true}}

	err := p.attempt(ctx, false, func(ctx context.Context, e *endpoint) error {
		return call(ctx, p.client, e.httpURL.String(), "getSignatureStatuses", params, &reply)
	})
	if err != nil {
		return nil, err
	}
	if len(reply.Value) == 0 || reply.Value[0] == nil {
		return nil, nil
	}
	v := reply.Value[0]
	if v.ConfirmationStatus != "confirmed" && v.ConfirmationStatus != "finalized" {
		return nil, nil
	}
	return &SignatureStatus{Confirmed: true, Err: v.Err}, nil
}

// Snapshot reports current endpoint health, for observability.
type EndpointSnapshot struct {
	URL     string
	Health  Health
	Latency time.Duration
}

func (p *Pool) Snapshot() []EndpointSnapshot {
	out := make([]EndpointSnapshot, len(p.endpoints))
	for i, e := range p.endpoints {
		h, l := e.snapshot()
		out[i] = EndpointSnapshot{URL: e.cfg.URL, Health: h, Latency: l}
	}
	return out
}
