// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lookup chains the cache tiers and the store into the redirect hot
// path: negative marker, process memory, Redis, Postgres, in that order. Reads
// never block on cross-tier writes; per-code write ordering is kept by a
// sharded mutex.
package lookup

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/cache"
)

// Source names the tier that answered a lookup.
type Source string

const (
	SourceMemory      Source = "memory"
	SourceDistributed Source = "distributed"
	SourceStore       Source = "store"
	SourceNone        Source = "none"
)

// MappingReader is the slice of the store the resolver needs.
type MappingReader interface {
	GetByCode(ctx context.Context, code string) (*shortlink.Mapping, error)
	TouchAccess(ctx context.Context, code string, at time.Time) error
	HottestMappings(ctx context.Context, asOf time.Time, limit int) ([]shortlink.Mapping, error)
}

// Options configure the resolver.
type Options struct {
	// TouchQueue bounds the async access-count queue; overflow drops touches.
	TouchQueue int
	// TouchTimeout bounds each store touch issued by the drain worker.
	TouchTimeout time.Duration
	// PopulateTimeout bounds the fire-and-forget Redis population after a
	// store hit.
	PopulateTimeout time.Duration
	Logger          logrus.FieldLogger
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.TouchQueue <= 0 {
		o.TouchQueue = 1024
	}
	if o.TouchTimeout <= 0 {
		o.TouchTimeout = 2 * time.Second
	}
	if o.PopulateTimeout <= 0 {
		o.PopulateTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

const writeShards = 64

// shard serializes writes for a slice of the code space. gen counts the
// mutations applied under mu; the read path snapshots it before touching any
// tier and skips its populates when a mutation landed in between, so a lookup
// that raced Invalidate/Update can never re-plant the pre-mutation mapping.
type shard struct {
	mu  sync.Mutex
	gen uint64
}

func (s *shard) snapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Resolver is the multi-layer lookup. Construct with New, stop with Close.
type Resolver struct {
	local *cache.Local
	dist  *cache.Redis
	store MappingReader
	opts  Options
	log   logrus.FieldLogger

	shards [writeShards]shard

	touchCh chan string
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once

	memHits   atomic.Int64
	distHits  atomic.Int64
	storeHits atomic.Int64
	misses    atomic.Int64
	expired   atomic.Int64
	touchDrop atomic.Int64
}

// New builds the resolver and starts its touch drain worker.
func New(local *cache.Local, dist *cache.Redis, store MappingReader, opts Options) *Resolver {
	opts.setDefaults()
	r := &Resolver{
		local:   local,
		dist:    dist,
		store:   store,
		opts:    opts,
		log:     opts.Logger,
		touchCh: make(chan string, opts.TouchQueue),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.drainTouches()
	return r
}

// Close stops the touch worker after draining what is already queued.
func (r *Resolver) Close() {
	r.once.Do(func() {
		close(r.stopCh)
		<-r.doneCh
	})
}

// Lookup resolves a short code to its mapping and reports which tier served
// it. Unknown, tombstoned, and expired codes return a not-found kind error;
// expired ones additionally leave a negative marker so the next lookup stops
// at Redis.
func (r *Resolver) Lookup(ctx context.Context, code string) (*shortlink.Mapping, Source, error) {
	if !shortlink.ValidCode(code) {
		return nil, SourceNone, errors.Wrapf(shortlink.ErrValidation, "lookup %q", code)
	}
	now := r.opts.Clock()
	sh := r.shardFor(code)
	gen := sh.snapshot()

	if r.dist != nil && r.dist.IsMarkedExpired(ctx, code) {
		r.expired.Add(1)
		return nil, SourceNone, errors.Wrapf(shortlink.ErrExpired, "lookup %s", code)
	}

	if m, ok := r.local.Get(code); ok {
		if m.Live(now) {
			r.memHits.Add(1)
			r.enqueueTouch(code)
			return m, SourceMemory, nil
		}
		// The entry outlived the mapping; retire it and fall through.
		r.local.Delete(code)
	}

	if r.dist != nil {
		if m, ok := r.dist.GetMapping(ctx, code); ok && m.Live(now) {
			r.populateLocal(sh, gen, code, m)
			r.distHits.Add(1)
			r.enqueueTouch(code)
			return m, SourceDistributed, nil
		}
	}

	m, err := r.store.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, shortlink.ErrNotFound) {
			r.misses.Add(1)
			return nil, SourceNone, err
		}
		return nil, SourceNone, errors.Wrapf(err, "lookup %s", code)
	}

	switch {
	case m.IsDeleted:
		r.misses.Add(1)
		return nil, SourceNone, errors.Wrapf(shortlink.ErrNotFound, "lookup %s", code)
	case m.Expired(now):
		r.expired.Add(1)
		r.MarkExpired(ctx, code)
		return nil, SourceNone, errors.Wrapf(shortlink.ErrExpired, "lookup %s", code)
	}

	r.populateLocal(sh, gen, code, m)
	if r.dist != nil {
		// Fire and forget; the adapter swallows its own failures.
		go func(m shortlink.Mapping) {
			pctx, cancel := context.WithTimeout(context.Background(), r.opts.PopulateTimeout)
			defer cancel()
			sh.mu.Lock()
			defer sh.mu.Unlock()
			if sh.gen != gen {
				return
			}
			r.dist.CacheMapping(pctx, &m, now)
		}(*m)
	}
	r.storeHits.Add(1)
	r.enqueueTouch(code)
	return m, SourceStore, nil
}

// populateLocal writes a read-path hit into the local tier unless a mutation
// landed on the shard since the lookup snapshotted it.
func (r *Resolver) populateLocal(sh *shard, gen uint64, code string, m *shortlink.Mapping) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.gen != gen {
		return
	}
	r.local.Set(code, m)
}

// Populate write-through caches a live mapping in both tiers.
func (r *Resolver) Populate(ctx context.Context, m *shortlink.Mapping) {
	sh := r.shardFor(m.ShortCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.gen++
	r.local.Set(m.ShortCode, m)
	if r.dist != nil {
		r.dist.CacheMapping(ctx, m, r.opts.Clock())
	}
}

// Invalidate removes the code from both tiers, clearing any negative marker.
func (r *Resolver) Invalidate(ctx context.Context, code string) {
	sh := r.shardFor(code)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.gen++
	r.local.Delete(code)
	if r.dist != nil {
		r.dist.Invalidate(ctx, code)
	}
}

// Update replaces the cached mapping under one critical section, so readers
// racing an update see either the old or the new entry but never a mix.
func (r *Resolver) Update(ctx context.Context, m *shortlink.Mapping) {
	sh := r.shardFor(m.ShortCode)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.gen++
	r.local.Delete(m.ShortCode)
	if r.dist != nil {
		r.dist.Invalidate(ctx, m.ShortCode)
		r.dist.CacheMapping(ctx, m, r.opts.Clock())
	}
	r.local.Set(m.ShortCode, m)
}

// MarkExpired retires a code: both tiers dropped, negative marker written.
func (r *Resolver) MarkExpired(ctx context.Context, code string) {
	sh := r.shardFor(code)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.gen++
	r.local.Delete(code)
	if r.dist != nil {
		r.dist.Invalidate(ctx, code)
		r.dist.MarkExpired(ctx, code)
	}
}

// WarmUp fills both tiers with the hottest live mappings and returns how many
// it loaded.
func (r *Resolver) WarmUp(ctx context.Context, topN int) (int, error) {
	now := r.opts.Clock()
	hot, err := r.store.HottestMappings(ctx, now, topN)
	if err != nil {
		return 0, errors.Wrap(err, "warm up")
	}
	for i := range hot {
		r.local.Set(hot[i].ShortCode, &hot[i])
	}
	if r.dist != nil {
		r.dist.CacheBatch(ctx, hot, now)
	}
	return len(hot), nil
}

// Stats is a snapshot of resolver counters for logs and collectors.
type Stats struct {
	MemoryHits      int64
	DistributedHits int64
	StoreHits       int64
	Misses          int64
	Expired         int64
	TouchDrops      int64
	Local           cache.Stats
}

func (r *Resolver) Stats() Stats {
	return Stats{
		MemoryHits:      r.memHits.Load(),
		DistributedHits: r.distHits.Load(),
		StoreHits:       r.storeHits.Load(),
		Misses:          r.misses.Load(),
		Expired:         r.expired.Load(),
		TouchDrops:      r.touchDrop.Load(),
		Local:           r.local.Stats(),
	}
}

// enqueueTouch queues an access-count bump, dropping when the queue is full.
func (r *Resolver) enqueueTouch(code string) {
	select {
	case r.touchCh <- code:
	default:
		r.touchDrop.Add(1)
	}
}

// drainTouches applies queued bumps one by one. Failures are logged and
// dropped; the counter is best effort by contract.
func (r *Resolver) drainTouches() {
	defer close(r.doneCh)
	for {
		select {
		case code := <-r.touchCh:
			r.touch(code)
		case <-r.stopCh:
			for {
				select {
				case code := <-r.touchCh:
					r.touch(code)
				default:
					return
				}
			}
		}
	}
}

func (r *Resolver) touch(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.TouchTimeout)
	defer cancel()
	if err := r.store.TouchAccess(ctx, code, r.opts.Clock()); err != nil {
		r.log.WithError(err).WithField("code", code).Debug("access touch dropped")
	}
}

func (r *Resolver) shardFor(code string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(code))
	return &r.shards[h.Sum32()%writeShards]
}
