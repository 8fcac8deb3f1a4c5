// Package cache implements the AccountCache (spec.md §4.1): the single
// source of truth for account data, bounded by capacity with LRU
// eviction, and additionally expired per-entry by a trigger-aware TTL.
//
// Capacity-pressure eviction is delegated to
// github.com/hashicorp/golang-lru, the same "wrap a well-tested LRU and
// hook its eviction callback" idiom the teacher's utils/metered_cache.go
// uses for its own cache wrapper (there wired to VictoriaMetrics
// fastcache and luxfi/metric; here wired to golang-lru and this
// module's metrics package). TTL-based eviction is layered on top with
// a background sweep that removes expired entries through the same
// code path, so both eviction reasons emit through one notification
// channel.
package cache

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/luxfi/automaton/config"
	"github.com/luxfi/automaton/errs"
	automatonlog "github.com/luxfi/automaton/log"
	"github.com/luxfi/automaton/metrics"
	"github.com/luxfi/automaton/types"
)

// RPCFetcher is the minimal RPC capability AccountCache needs to
// rehydrate a miss. rpcpool.Pool satisfies this interface.
type RPCFetcher interface {
	GetAccount(ctx context.Context, pubkey types.Pubkey) (data []byte, slot uint64, err error)
}

// ThreadCodec decodes raw account bytes into a Thread and classifies
// the cache trigger type for TTL purposes. The wire format of the
// chain's account encoding is out of this module's scope (spec.md §1);
// callers inject a concrete codec.
type ThreadCodec interface {
	DecodeThread(data []byte) (*types.Thread, error)
	Classify(data []byte) (trigger types.AccountCacheTrigger, nextTs uint64, err error)
}

// entry is what the cache stores internally; it wraps the public
// CachedAccount with the bookkeeping the sweep needs.
type entry struct {
	account types.CachedAccount
	expiry  time.Time // zero means "no expiration"
	index   int       // position in the expiry heap, -1 when not scheduled
}

// expiryHeap is a min-heap over entries ordered by expiry time. Only
// entries with a non-zero expiry are ever pushed onto it.
type expiryHeap []*entry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Cache is the AccountCache of spec.md §4.1.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache
	entries  map[types.Pubkey]*entry
	expiries expiryHeap

	evicted chan types.Pubkey

	gracePeriod time.Duration
	logger      automatonlog.Logger
	metrics     *metrics.Registry

	sweepInterval time.Duration
	closeOnce     sync.Once
	closeCh       chan struct{}
	doneCh        chan struct{}
}

// New builds an AccountCache with the given capacity and grace period
// (config.LoadBalancer.GracePeriodSecs, which spec.md §6 says both
// extends cache TTL for time triggers and informs takeover).
func New(capacity int, gracePeriod time.Duration, logger automatonlog.Logger, reg *metrics.Registry) *Cache {
	if reg == nil {
		reg = metrics.Noop()
	}
	c := &Cache{
		entries:       make(map[types.Pubkey]*entry, capacity),
		evicted:       make(chan types.Pubkey, 1024),
		gracePeriod:   gracePeriod,
		logger:        automatonlog.Component(logger, "cache"),
		metrics:       reg,
		sweepInterval: time.Second,
		closeCh:       make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	heap.Init(&c.expiries)

	l, _ := lru.NewWithEvict(capacity, func(key, _ interface{}) {
		pk := key.(types.Pubkey)
		c.removeLocked(pk, true)
	})
	c.lru = l

	go c.sweepLoop()
	return c
}

// Close stops the background TTL sweep. The eviction channel is left
// open so a final drain by the caller still observes pending events.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
		<-c.doneCh
	})
}

// Evicted returns the channel Staging drains on every clock tick
// (spec.md §4.1, "Eviction notification"). It is unbounded in the
// conservative sense described in spec.md §9: backed by a generously
// sized buffer rather than truly unbounded, which bounds memory growth
// in pathological eviction storms while still never blocking a sweep.
func (c *Cache) Evicted() <-chan types.Pubkey {
	return c.evicted
}

func contentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Get looks up a cached account without fetching. The second result is
// false on a miss.
func (c *Cache) Get(key types.Pubkey) (types.CachedAccount, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.metrics.CacheMisses.Inc()
		return types.CachedAccount{}, false
	}
	c.lru.Get(key) // bump recency
	c.metrics.CacheHits.Inc()
	return e.account, true
}

// Put unconditionally inserts data, replacing whatever was cached.
func (c *Cache) Put(key types.Pubkey, data []byte, slot uint64, trigger types.AccountCacheTrigger, nextTs uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, data, slot, trigger, nextTs)
}

func (c *Cache) putLocked(key types.Pubkey, data []byte, slot uint64, trigger types.AccountCacheTrigger, nextTs uint64) {
	acc := types.CachedAccount{
		Data:        data,
		Slot:        slot,
		ContentHash: contentHash(data),
		Trigger:     trigger,
		NextTs:      nextTs,
	}

	e, existed := c.entries[key]
	if !existed {
		e = &entry{index: -1}
		c.entries[key] = e
	} else if e.index >= 0 {
		heap.Remove(&c.expiries, e.index)
	}
	e.account = acc
	e.expiry = c.expiryFor(acc)

	if !e.expiry.IsZero() {
		heap.Push(&c.expiries, e)
	} else {
		e.index = -1
	}

	c.lru.Add(key, struct{}{})
	c.metrics.CacheEntries.Set(float64(len(c.entries)))
}

// expiryFor computes the wall-clock expiry for an entry per spec.md
// §4.1: Time triggers expire max(1, next_ts+grace+buffer-now), clamped
// to 1 day; next_ts == 0 or MaxScheduleValue means "no expiration";
// Block/Account/Unknown triggers never expire on their own.
func (c *Cache) expiryFor(acc types.CachedAccount) time.Time {
	if acc.Trigger != types.CacheTriggerTime {
		return time.Time{}
	}
	if acc.NextTs == 0 || acc.NextTs == types.MaxScheduleValue {
		return time.Time{}
	}
	now := time.Now()
	target := time.Unix(int64(acc.NextTs), 0).Add(c.gracePeriod).Add(config.EvictionBuffer)
	ttl := target.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if ttl > config.MaxCacheTTL {
		ttl = config.MaxCacheTTL
	}
	return now.Add(ttl)
}

// PutIfNewer inserts and returns true only if there is no existing
// entry, or the content hash differs and the slot is not older
// (spec.md §4.1, §8 round-trip property).
func (c *Cache) PutIfNewer(key types.Pubkey, data []byte, slot uint64, trigger types.AccountCacheTrigger, nextTs uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		h := contentHash(data)
		if h == e.account.ContentHash {
			return false
		}
		if slot < e.account.Slot {
			return false
		}
	}
	c.putLocked(key, data, slot, trigger, nextTs)
	return true
}

// Invalidate removes an entry unconditionally.
func (c *Cache) Invalidate(key types.Pubkey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key, false)
	c.lru.Remove(key)
}

// removeLocked drops bookkeeping for key. notify controls whether an
// eviction event is emitted — capacity/TTL evictions notify, explicit
// Invalidate calls do not (spec.md §4.1 only documents "eviction
// notification" for expiry/capacity pressure, not deliberate removal).
func (c *Cache) removeLocked(key types.Pubkey, notify bool) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.index >= 0 {
		heap.Remove(&c.expiries, e.index)
	}
	delete(c.entries, key)
	c.metrics.CacheEntries.Set(float64(len(c.entries)))

	if notify {
		c.metrics.CacheEvicted.Inc()
		select {
		case c.evicted <- key:
		default:
			c.logger.Warn("eviction channel full, dropping notification", "pubkey", key.String())
		}
	}
}

// GetThreadOrFetch returns the decoded Thread at key, served from cache
// on a hit or rehydrated via RPC on a miss (spec.md §4.1).
func (c *Cache) GetThreadOrFetch(ctx context.Context, key types.Pubkey, rpc RPCFetcher, codec ThreadCodec) (*types.Thread, error) {
	if acc, ok := c.Get(key); ok {
		th, err := codec.DecodeThread(acc.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPermanentData, err)
		}
		return th, nil
	}

	data, slot, err := rpc.GetAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errs.ErrCacheMiss
	}

	trigger, nextTs, err := codec.Classify(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPermanentData, err)
	}
	th, err := codec.DecodeThread(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPermanentData, err)
	}

	c.Put(key, data, slot, trigger, nextTs)
	return th, nil
}

// sweepLoop periodically evicts entries whose TTL has elapsed. Capacity
// eviction happens synchronously inside Put via the lru's own callback;
// this goroutine only handles wall-clock expiry, the eviction path that
// has no other trigger (spec.md §8: "the entry has been evicted within
// one tick of the next clock update").
func (c *Cache) sweepLoop() {
	defer close(c.doneCh)
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case <-t.C:
			c.sweepOnce()
		}
	}
}

func (c *Cache) sweepOnce() {
	now := time.Now()
	var expired []types.Pubkey

	c.mu.Lock()
	for c.expiries.Len() > 0 {
		e := c.expiries[0]
		if e.expiry.After(now) {
			break
		}
		heap.Pop(&c.expiries)
		for k, v := range c.entries {
			if v == e {
				expired = append(expired, k)
				break
			}
		}
	}
	for _, k := range expired {
		c.removeLocked(k, true)
		c.lru.Remove(k)
	}
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
