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

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/aggregate"
	"shortlink/internal/shortener/bus"
	"shortlink/internal/shortener/cache"
	"shortlink/internal/shortener/clicks"
	"shortlink/internal/shortener/expiry"
	"shortlink/internal/shortener/ids"
	"shortlink/internal/shortener/lookup"
	"shortlink/internal/shortener/store"
)

func main() {
	// In plain words (what this tool does):
	//   - shortlink-sim runs the whole shortener core in one process with no
	//     external services: an in-memory store stands in for Postgres and the
	//     loopback bus stands in for Redis Streams/Kafka.
	//   - It mints a batch of short links (forcing a counter outage partway
	//     through so you can watch the breaker open and hash fallback take
	//     over), replays a click load through the producer → bus → aggregation
	//     pipeline, resolves codes through the cache tiers, expires a slice of
	//     the links, runs the soft-expire sweep, and prints what happened.
	//
	// What to look for in the output:
	//   - Minting: how many codes came from the counter vs the hash fallback,
	//     and the breaker transitions along the way.
	//   - Clicks: events published vs delivered vs folded into windows, and
	//     the per-code click totals after the windows flush.
	//   - Lookups: hit distribution across memory / store, and that expired
	//     codes stop resolving after the sweep.
	//
	// Usage (quick start):
	//   go run ./cmd/shortlink-sim -links 200 -clicks 5000 -outage_at 50
	links := flag.Int("links", 200, "short links to mint")
	outageAt := flag.Int("outage_at", 50, "mint index where the counter outage starts; <0 disables")
	outageLen := flag.Int("outage_len", 30, "mints the counter outage lasts")
	clickCount := flag.Int("clicks", 5000, "click events to replay")
	lookups := flag.Int("lookups", 2000, "lookups to run against the minted codes")
	window := flag.Duration("window", time.Second, "aggregation window size")
	expireFrac := flag.Float64("expire_frac", 0.2, "fraction of links expired before the sweep (0..1)")
	seed := flag.Int64("seed", 42, "PRNG seed")
	verbose := flag.Bool("v", false, "show component logs")
	flag.Parse()

	if *links <= 0 {
		*links = 200
	}
	if *clickCount < 0 {
		*clickCount = 0
	}
	if *lookups < 0 {
		*lookups = 0
	}
	if *expireFrac < 0 {
		*expireFrac = 0
	}
	if *expireFrac > 1 {
		*expireFrac = 1
	}
	if *window <= 0 {
		*window = time.Second
	}

	log := logrus.New()
	if !*verbose {
		log.SetOutput(io.Discard)
	}
	rng := rand.New(rand.NewSource(*seed))

	st := newMemStore()
	svc, err := ids.NewService(st, st, ids.ServiceOptions{
		RangeSize:     100,
		TripThreshold: 3,
		OpenTimeout:   50 * time.Millisecond,
		OnModeChange: func(from, to string) {
			fmt.Printf("  breaker: %s -> %s\n", from, to)
		},
		Logger: log,
	})
	if err != nil {
		panic(err)
	}

	// Mint, with the counter knocked over partway through.
	fmt.Printf("minting %d links (outage at %d for %d mints)\n", *links, *outageAt, *outageLen)
	ctx := context.Background()
	var counterMints, hashMints int
	codes := make([]string, 0, *links)
	for i := 0; i < *links; i++ {
		if *outageAt >= 0 && i == *outageAt {
			st.setCounterDown(true)
		}
		if *outageAt >= 0 && i == *outageAt+*outageLen {
			st.setCounterDown(false)
		}
		url := fmt.Sprintf("https://example.com/article/%d", i)
		code, err := svc.MintCode(ctx, url)
		if err != nil {
			fmt.Printf("  mint %d failed: %v\n", i, err)
			continue
		}
		if svc.Mode() == ids.ModeCounter {
			counterMints++
		} else {
			hashMints++
		}
		st.insert(code, url)
		codes = append(codes, code)
	}
	fmt.Printf("  minted %d (counter≈%d, fallback≈%d), final mode %s\n\n",
		len(codes), counterMints, hashMints, svc.Mode())

	// Click pipeline: producer → loopback bus → windowed aggregation.
	lb := bus.NewLoopback(4)
	producer := clicks.NewProducer(lb, clicks.ProducerOptions{
		FlushInterval: 50 * time.Millisecond,
		Logger:        log,
	})
	producer.Start()
	agg := aggregate.New(lb, st, st, aggregate.Options{
		Window:        *window,
		LateGrace:     0,
		FlushInterval: 50 * time.Millisecond,
		Logger:        log,
	})
	agg.Start()

	fmt.Printf("replaying %d clicks through the bus\n", *clickCount)
	countries := []string{"US", "DE", "BR", "JP", "IN"}
	devices := []string{"desktop", "mobile", "tablet"}
	for i := 0; i < *clickCount; i++ {
		code := codes[rng.Intn(len(codes))]
		producer.Publish(shortlink.ClickEvent{
			ShortCode:   code,
			IPAddress:   fmt.Sprintf("203.0.113.%d", rng.Intn(200)),
			Referrer:    "https://news.ycombinator.com/item",
			CountryCode: countries[rng.Intn(len(countries))],
			DeviceType:  devices[rng.Intn(len(devices))],
			Browser:     "Firefox",
		})
	}
	if err := producer.Close(); err != nil {
		fmt.Printf("  producer close: %v\n", err)
	}
	// Give the consumer a moment past the window edge, then drain.
	time.Sleep(*window)
	if err := agg.Close(); err != nil {
		fmt.Printf("  consumer close: %v\n", err)
	}
	ps, as := producer.Stats(), agg.Stats()
	fmt.Printf("  published=%d delivered=%d dropped=%d | folded=%d windows_flushed=%d replays=%d\n",
		ps.Published, ps.Delivered, ps.Dropped, as.Events, as.Flushed, as.Replays)
	st.printTopClicks(5)
	fmt.Println()

	// Lookups through the cache tiers. No Redis here, so hits split between
	// the process LRU and the store.
	resolver := lookup.New(cache.NewLocal(1024), nil, st, lookup.Options{Logger: log})
	fmt.Printf("running %d lookups\n", *lookups)
	for i := 0; i < *lookups; i++ {
		code := codes[rng.Intn(len(codes))]
		if _, _, err := resolver.Lookup(ctx, code); err != nil {
			fmt.Printf("  lookup %s failed: %v\n", code, err)
		}
	}
	ls := resolver.Stats()
	fmt.Printf("  memory=%d store=%d misses=%d lru_hit_rate=%.2f\n\n",
		ls.MemoryHits, ls.StoreHits, ls.Misses, ls.Local.HitRate)

	// Expire a slice of the links and sweep.
	expired := int(float64(len(codes)) * *expireFrac)
	past := time.Now().Add(-time.Hour)
	for _, code := range codes[:expired] {
		st.setExpiry(code, past)
	}
	mgr := expiry.New(st, resolver, nil, expiry.Options{Logger: log})
	run := mgr.RunSoftExpireOnce(ctx)
	fmt.Printf("soft-expire sweep: processed=%d tombstoned=%d errors=%d in %s\n",
		run.Processed, run.Affected, run.Errors, run.Duration.Round(time.Millisecond))

	if expired > 0 {
		_, _, err := resolver.Lookup(ctx, codes[0])
		fmt.Printf("  lookup of expired %s after sweep: %v\n", codes[0], err)
	}
	resolver.Close()
}

// memStore is the in-memory stand-in for every store dependency the pipeline
// has: ID ranges, code probes, mappings, window flushes, and the lifecycle
// sweeps.
type memStore struct {
	mu          sync.Mutex
	nextID      uint64
	counterDown bool
	mappings    map[string]*shortlink.Mapping
	clicks      map[string]int64
	flushed     map[string]struct{}
	events      int64
}

func newMemStore() *memStore {
	return &memStore{
		nextID:   1_000_000,
		mappings: make(map[string]*shortlink.Mapping),
		clicks:   make(map[string]int64),
		flushed:  make(map[string]struct{}),
	}
}

func (s *memStore) setCounterDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counterDown = down
}

func (s *memStore) insert(code, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[code] = &shortlink.Mapping{
		ShortCode: code,
		LongURL:   url,
		CreatedAt: time.Now(),
	}
}

func (s *memStore) setExpiry(code string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[code]; ok {
		m.ExpiresAt = &at
	}
}

func (s *memStore) printTopClicks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type cc struct {
		code   string
		clicks int64
	}
	top := make([]cc, 0, len(s.clicks))
	for code, clicks := range s.clicks {
		top = append(top, cc{code, clicks})
	}
	sort.Slice(top, func(i, j int) bool { return top[i].clicks > top[j].clicks })
	if len(top) > n {
		top = top[:n]
	}
	fmt.Printf("  top codes by aggregated clicks:")
	for _, t := range top {
		fmt.Printf(" %s=%d", t.code, t.clicks)
	}
	fmt.Println()
}

// ReserveRange implements ids.RangeReserver. End is exclusive.
func (s *memStore) ReserveRange(_ context.Context, size uint64) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counterDown {
		return 0, 0, errors.New("counter store unavailable")
	}
	start := s.nextID
	s.nextID += size
	return start, s.nextID, nil
}

// CodeExists implements ids.CodeProber.
func (s *memStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mappings[code]
	return ok, nil
}

// GetByCode implements lookup.MappingReader.
func (s *memStore) GetByCode(_ context.Context, code string) (*shortlink.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[code]
	if !ok {
		return nil, errors.Wrapf(shortlink.ErrNotFound, "get %s", code)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) TouchAccess(_ context.Context, code string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mappings[code]; ok {
		m.AccessCount++
		m.LastAccessedAt = &at
	}
	return nil
}

func (s *memStore) HottestMappings(context.Context, time.Time, int) ([]shortlink.Mapping, error) {
	return nil, nil
}

// ApplyWindow implements aggregate.SummaryApplier with the same marker
// semantics as the real store: a replayed window reports applied=false.
func (s *memStore) ApplyWindow(_ context.Context, d store.WindowDelta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := fmt.Sprintf("%s@%d", d.ShortCode, d.WindowStart.Unix())
	if _, seen := s.flushed[marker]; seen {
		return false, nil
	}
	s.flushed[marker] = struct{}{}
	s.clicks[d.ShortCode] += d.Clicks
	return true, nil
}

// InsertBatch implements aggregate.EventSink.
func (s *memStore) InsertBatch(_ context.Context, events []shortlink.ClickEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events += int64(len(events))
	return int64(len(events)), nil
}

// ExpiredBatch implements expiry.Lifecycle.
func (s *memStore) ExpiredBatch(_ context.Context, asOf time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for code, m := range s.mappings {
		if !m.IsDeleted && m.Expired(asOf) {
			out = append(out, code)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) SoftDeleteCodes(_ context.Context, codes []string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, code := range codes {
		if m, ok := s.mappings[code]; ok && !m.IsDeleted {
			m.IsDeleted = true
			m.DeletedAt = &at
			n++
		}
	}
	return n, nil
}

func (s *memStore) HardDeleteCandidates(_ context.Context, olderThan time.Time, limit int) ([]shortlink.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shortlink.Mapping
	for _, m := range s.mappings {
		if m.IsDeleted && m.DeletedAt != nil && m.DeletedAt.Before(olderThan) {
			out = append(out, *m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) HardDeleteBatch(_ context.Context, codes []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, code := range codes {
		if _, ok := s.mappings[code]; ok {
			delete(s.mappings, code)
			n++
		}
	}
	return n, nil
}
