// Package enrich coordinates per-item lookups across server instances. The
// shared coordination store carries both the result cache and an advisory
// lock per item key, so at most one worker in the whole deployment performs
// a given lookup at a time.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/metrics"
	"github.com/tgoebel/beacon/internal/store"
)

const (
	cacheKeyPrefix = "enrich:"
	lockKeyPrefix  = "enrichlock:"
)

// record is the cached lookup outcome. NOT_FOUND records carry no URL and
// live on a much shorter TTL than FOUND ones, so transient misses retry soon
// while confirmed hits stay warm.
type record struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

func (r record) patch() event.Patch {
	p := event.Patch{Status: r.Status}
	if r.Status == event.ItemFound {
		url := r.URL
		p.URL = &url
	}
	return p
}

// Publisher delivers patch events to subscribers. *broker.Hub satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel, key string, ev event.Event) error
}

// Options configures the coordinator. Zero values pick the defaults below.
type Options struct {
	FoundTTL      time.Duration // default 30 days
	NotFoundTTL   time.Duration // default 24h
	LockTTL       time.Duration // default 30s
	LookupTimeout time.Duration // default 20s per provider call
	Workers       int           // default 8 concurrent lookups
}

func (o Options) withDefaults() Options {
	if o.FoundTTL <= 0 {
		o.FoundTTL = 30 * 24 * time.Hour
	}
	if o.NotFoundTTL <= 0 {
		o.NotFoundTTL = 24 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 30 * time.Second
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 20 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	return o
}

// Coordinator schedules enrichment work. Every dispatched key terminates
// with either a published patch or a live lock holder elsewhere that will
// publish in its place; no path leaves a subscriber waiting forever.
type Coordinator struct {
	kv       store.Store
	provider Provider
	pub      Publisher
	log      *slog.Logger
	metrics  *metrics.Collector
	opts     Options

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator creates a coordinator. metrics may be nil.
func NewCoordinator(kv store.Store, p Provider, pub Publisher, opts Options, log *slog.Logger, m *metrics.Collector) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Coordinator{
		kv:       kv,
		provider: p,
		pub:      pub,
		log:      log,
		metrics:  m,
		opts:     opts,
		sem:      make(chan struct{}, opts.Workers),
		inflight: make(map[string]struct{}),
	}
}

// Resolve checks the shared cache for an item key. On a hit the cached patch
// is returned and nothing is scheduled; on a miss background enrichment is
// dispatched and the patch arrives later on the search channel for the
// request. A cache read failure counts as a miss.
func (c *Coordinator) Resolve(ctx context.Context, requestID, itemKey string) (*event.Patch, error) {
	p, err := c.cached(ctx, itemKey)
	if err != nil {
		c.log.Warn("enrichment cache read failed", "item_key", itemKey, "error", err)
	}
	if p != nil {
		return p, nil
	}
	c.dispatch(requestID, itemKey)
	return nil, nil
}

// EnrichBatch resolves a set of item keys for one request. Cached outcomes
// are returned immediately, keyed by item; the rest are dispatched and their
// patches arrive on the search channel.
func (c *Coordinator) EnrichBatch(ctx context.Context, requestID string, itemKeys []string) (map[string]event.Patch, error) {
	attached := make(map[string]event.Patch, len(itemKeys))
	for _, key := range itemKeys {
		p, err := c.Resolve(ctx, requestID, key)
		if err != nil {
			return attached, err
		}
		if p != nil {
			attached[key] = *p
		}
	}
	return attached, nil
}

// Wait blocks until all dispatched work has finished. Used on shutdown.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) cached(ctx context.Context, itemKey string) (*event.Patch, error) {
	raw, ok, err := c.kv.Get(ctx, cacheKeyPrefix+itemKey)
	if err != nil || !ok {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode enrichment record %s: %w", itemKey, err)
	}
	p := rec.patch()
	return &p, nil
}

// dispatch queues background enrichment for a key, deduplicating against
// work already in flight in this process.
func (c *Coordinator) dispatch(requestID, itemKey string) {
	c.mu.Lock()
	if _, busy := c.inflight[itemKey]; busy {
		c.mu.Unlock()
		return
	}
	c.inflight[itemKey] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, itemKey)
			c.mu.Unlock()
		}()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		c.run(requestID, itemKey)
	}()
}

// run performs one enrichment attempt. Exit paths:
//   - cache filled while queued: publish the cached patch
//   - lock attempt failed (store unavailable): publish NOT_FOUND, no lookup
//   - lock held elsewhere: stop, the holder publishes
//   - lookup succeeded: cache the outcome, publish it, unlock
//   - lookup failed or panicked: negative-cache NOT_FOUND, publish it, unlock
func (c *Coordinator) run(requestID, itemKey string) {
	ctx := context.Background()

	if p, err := c.cached(ctx, itemKey); err == nil && p != nil {
		c.publish(ctx, requestID, itemKey, *p)
		return
	}

	got, err := c.kv.SetNX(ctx, lockKeyPrefix+itemKey, requestID, c.opts.LockTTL)
	if err != nil {
		// Coordination unavailable. A lookup without the lock risks a
		// duplicate against the external source, so report the item as not
		// found and let the short negative window retry it later.
		c.log.Warn("enrichment lock unavailable", "item_key", itemKey, "error", err)
		c.publish(ctx, requestID, itemKey, record{Status: event.ItemNotFound}.patch())
		return
	}
	if !got {
		c.log.Debug("enrichment lock held elsewhere", "item_key", itemKey)
		return
	}
	defer c.unlock(itemKey)

	start := time.Now()
	res, err := c.lookup(ctx, itemKey)
	if err != nil {
		c.metrics.RecordFailure(metrics.OpLookup)
		c.log.Warn("enrichment lookup failed", "item_key", itemKey, "error", err)
		rec := record{Status: event.ItemNotFound}
		c.cache(ctx, itemKey, rec, c.opts.NotFoundTTL)
		c.publish(ctx, requestID, itemKey, rec.patch())
		return
	}
	c.metrics.RecordTiming(metrics.OpLookup, time.Since(start))

	rec := record{Status: event.ItemNotFound}
	ttl := c.opts.NotFoundTTL
	if res.Found {
		rec = record{Status: event.ItemFound, URL: res.URL}
		ttl = c.opts.FoundTTL
	}
	c.cache(ctx, itemKey, rec, ttl)
	c.publish(ctx, requestID, itemKey, rec.patch())
}

// lookup calls the provider, converting a panic into an error so one bad
// lookup cannot take the worker down.
func (c *Coordinator) lookup(ctx context.Context, itemKey string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lookup panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, c.opts.LookupTimeout)
	defer cancel()
	return c.provider.Lookup(ctx, itemKey)
}

// cache writes the record. A failed write is logged and swallowed; the patch
// is published regardless.
func (c *Coordinator) cache(ctx context.Context, itemKey string, rec record, ttl time.Duration) {
	raw, err := json.Marshal(rec)
	if err != nil {
		c.log.Warn("encode enrichment record failed", "item_key", itemKey, "error", err)
		return
	}
	start := time.Now()
	if err := c.kv.Set(ctx, cacheKeyPrefix+itemKey, string(raw), ttl); err != nil {
		c.metrics.RecordFailure(metrics.OpStore)
		c.log.Warn("enrichment cache write failed", "item_key", itemKey, "error", err)
		return
	}
	c.metrics.RecordTiming(metrics.OpStore, time.Since(start))
}

func (c *Coordinator) publish(ctx context.Context, requestID, itemKey string, p event.Patch) {
	ev := event.NewPatchEvent(requestID, itemKey, p.Status, p.URL)
	if err := c.pub.Publish(ctx, event.ChannelSearch, requestID, ev); err != nil {
		c.log.Warn("patch publish failed", "request_id", requestID, "item_key", itemKey, "error", err)
	}
}

func (c *Coordinator) unlock(itemKey string) {
	if err := c.kv.Delete(context.Background(), lockKeyPrefix+itemKey); err != nil {
		// The lock TTL bounds how long a leaked lock blocks other workers.
		c.log.Warn("enrichment unlock failed", "item_key", itemKey, "error", err)
	}
}
