// Package datasource implements spec.md §4.2's Datasources: the chain
// subscription layer that writes newly observed account bytes into the
// cache before ever forwarding them onward, and that owns its own
// reconnection with backoff.
//
// Reconnect backoff uses github.com/cenkalti/backoff/v5, the same
// library family (cenkalti/backoff) the broader dependency pack favors
// for retry scheduling, rather than a hand-rolled sleep loop.
package datasource

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/types"
)

// Sink is what a datasource forwards observed events to. Staging
// implements this.
type Sink interface {
	DeliverAccountUpdate(types.AccountUpdate)
	DeliverClockTick(types.ClockTick)
}

// AccountCache is the minimal cache capability a datasource needs: it
// must write through before forwarding (spec.md §4.2).
type AccountCache interface {
	PutIfNewer(key types.Pubkey, data []byte, slot uint64, trigger types.AccountCacheTrigger, nextTs uint64) bool
}

// Classifier assigns a cache TTL trigger to raw account bytes. Clock
// accounts are classified as CacheTriggerBlock by convention: the sweep
// never expires them on its own, matching spec.md §4.1's rule that only
// Time triggers carry a TTL.
type Classifier interface {
	Classify(data []byte) (trigger types.AccountCacheTrigger, nextTs uint64, err error)
}

// ClockDecoder extracts a ClockTick from the chain's clock sysvar
// account bytes. The wire layout is chain-specific and outside this
// module's scope; callers inject a concrete decoder.
type ClockDecoder interface {
	DecodeClock(data []byte) (types.ClockTick, error)
}

// Subscriber is the capability ProgramDatasource needs from the RPC
// pool: rpcpool.Pool satisfies this.
type Subscriber interface {
	ProgramSubscribe(ctx context.Context, program types.Pubkey, filters []types.MemcmpFilter, commitment string) (<-chan types.AccountUpdate, func() error, error)
	AccountSubscribe(ctx context.Context, pubkey types.Pubkey, commitment string) (<-chan types.AccountUpdate, func() error, error)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	return b
}

// ProgramDatasource subscribes to every account owned by a program
// (threads and fibers live here) and pushes updates through the cache
// write-through gate before forwarding to Staging.
type ProgramDatasource struct {
	pool       Subscriber
	program    types.Pubkey
	filters    []types.MemcmpFilter
	commitment string

	cache      AccountCache
	classifier Classifier
	sink       Sink
	logger     automatonlog.Logger
}

// NewProgramDatasource builds a subscriber over a program's accounts.
func NewProgramDatasource(pool Subscriber, program types.Pubkey, filters []types.MemcmpFilter, commitment string, cache AccountCache, classifier Classifier, sink Sink, logger automatonlog.Logger) *ProgramDatasource {
	return &ProgramDatasource{
		pool:       pool,
		program:    program,
		filters:    filters,
		commitment: commitment,
		cache:      cache,
		classifier: classifier,
		sink:       sink,
		logger:     automatonlog.Component(logger, "datasource.program"),
	}
}

// Run subscribes and forwards updates until ctx is cancelled,
// reconnecting with backoff on every disconnect. Subscription always
// resumes "from now" — spec.md §4.2 explicitly forgoes replay, so the
// cache may be stale until the next live update lands.
func (d *ProgramDatasource) Run(ctx context.Context) error {
	b := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, unsubscribe, err := d.pool.ProgramSubscribe(ctx, d.program, d.filters, d.commitment)
		if err != nil {
			d.logger.Warn("program subscribe failed, retrying", "error", err.Error())
			if !d.sleep(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()

		d.drain(ctx, updates)
		if unsubscribe != nil {
			_ = unsubscribe()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn("program subscription closed, reconnecting")
	}
}

func (d *ProgramDatasource) drain(ctx context.Context, updates <-chan types.AccountUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			d.forward(update)
		}
	}
}

func (d *ProgramDatasource) forward(update types.AccountUpdate) {
	trigger, nextTs, err := d.classifier.Classify(update.Data)
	if err != nil {
		d.logger.Debug("dropping update with unclassifiable data", "pubkey", update.Pubkey.String(), "error", err.Error())
		return
	}
	if !d.cache.PutIfNewer(update.Pubkey, update.Data, update.Slot, trigger, nextTs) {
		return
	}
	d.sink.DeliverAccountUpdate(update)
}

func (d *ProgramDatasource) sleep(ctx context.Context, d2 time.Duration) bool {
	t := time.NewTimer(d2)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ClockDatasource subscribes to the chain's clock sysvar account and
// translates every update into a ClockTick for Staging. Clock ticks are
// never cached (spec.md §4.2).
type ClockDatasource struct {
	pool       Subscriber
	clockAddr  types.Pubkey
	commitment string

	decoder ClockDecoder
	sink    Sink
	logger  automatonlog.Logger
}

func NewClockDatasource(pool Subscriber, clockAddr types.Pubkey, commitment string, decoder ClockDecoder, sink Sink, logger automatonlog.Logger) *ClockDatasource {
	return &ClockDatasource{
		pool:       pool,
		clockAddr:  clockAddr,
		commitment: commitment,
		decoder:    decoder,
		sink:       sink,
		logger:     automatonlog.Component(logger, "datasource.clock"),
	}
}

func (d *ClockDatasource) Run(ctx context.Context) error {
	b := newBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		updates, unsubscribe, err := d.pool.AccountSubscribe(ctx, d.clockAddr, d.commitment)
		if err != nil {
			d.logger.Warn("clock subscribe failed, retrying", "error", err.Error())
			if !sleepCtx(ctx, b.NextBackOff()) {
				return ctx.Err()
			}
			continue
		}
		b.Reset()

		for {
			select {
			case <-ctx.Done():
				if unsubscribe != nil {
					_ = unsubscribe()
				}
				return ctx.Err()
			case update, ok := <-updates:
				if !ok {
					goto reconnect
				}
				tick, err := d.decoder.DecodeClock(update.Data)
				if err != nil {
					d.logger.Debug("dropping unparseable clock update", "error", err.Error())
					continue
				}
				d.sink.DeliverClockTick(tick)
			}
		}
	reconnect:
		if unsubscribe != nil {
			_ = unsubscribe()
		}
		d.logger.Warn("clock subscription closed, reconnecting")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// PluginPush is the embedded-plugin variant of spec.md §4.2: events
// arrive on channels owned by an outer host process instead of over a
// WebSocket this module dials itself.
type PluginPush struct {
	cache      AccountCache
	classifier Classifier
	sink       Sink
	logger     automatonlog.Logger
}

func NewPluginPush(cache AccountCache, classifier Classifier, sink Sink, logger automatonlog.Logger) *PluginPush {
	return &PluginPush{cache: cache, classifier: classifier, sink: sink, logger: automatonlog.Component(logger, "datasource.plugin")}
}

// Run applies the same write-through-then-forward contract as
// ProgramDatasource, driven by host-supplied channels instead of a
// dialed subscription.
func (p *PluginPush) Run(ctx context.Context, accountUpdates <-chan types.AccountUpdate, clockTicks <-chan types.ClockTick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-accountUpdates:
			if !ok {
				return nil
			}
			trigger, nextTs, err := p.classifier.Classify(update.Data)
			if err != nil {
				p.logger.Debug("dropping update with unclassifiable data", "pubkey", update.Pubkey.String(), "error", err.Error())
				continue
			}
			if p.cache.PutIfNewer(update.Pubkey, update.Data, update.Slot, trigger, nextTs) {
				p.sink.DeliverAccountUpdate(update)
			}
		case tick, ok := <-clockTicks:
			if !ok {
				return nil
			}
			p.sink.DeliverClockTick(tick)
		}
	}
}
