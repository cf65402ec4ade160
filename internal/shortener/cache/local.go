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

// Package cache provides the two lookup tiers in front of the store: a
// process-local LRU for sub-microsecond hits and a shared Redis adapter whose
// failures degrade to misses instead of errors.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"shortlink"
)

// DefaultLocalSize is the in-process entry cap when the caller passes none.
const DefaultLocalSize = 10_000

// localEntry timestamps a cached mapping so age-based eviction can run
// without touching the store.
type localEntry struct {
	mapping  *shortlink.Mapping
	storedAt time.Time
}

// Local is the first lookup tier: a fixed-capacity LRU of mappings keyed by
// short code. All methods are safe for concurrent use.
type Local struct {
	mu   sync.Mutex // guards cache pointer swaps and maxSize during Resize
	c    *lru.Cache[string, localEntry]
	max  int
	now  func() time.Time
	hits atomic.Int64
	miss atomic.Int64
	evic atomic.Int64
}

// NewLocal builds a Local holding at most size entries; size <= 0 falls back
// to DefaultLocalSize.
func NewLocal(size int) *Local {
	if size <= 0 {
		size = DefaultLocalSize
	}
	l := &Local{max: size, now: time.Now}
	// Never fails for a positive size.
	l.c, _ = lru.NewWithEvict[string, localEntry](size, func(string, localEntry) {
		l.evic.Add(1)
	})
	return l
}

// Get returns the cached mapping and whether it was present, bumping recency
// on hit.
func (l *Local) Get(code string) (*shortlink.Mapping, bool) {
	e, ok := l.c.Get(code)
	if !ok {
		l.miss.Add(1)
		return nil, false
	}
	l.hits.Add(1)
	return e.mapping, true
}

// Set stores or refreshes the mapping, evicting the least recently used entry
// at capacity.
func (l *Local) Set(code string, m *shortlink.Mapping) {
	l.c.Add(code, localEntry{mapping: m, storedAt: l.now()})
}

// Delete drops the entry if present.
func (l *Local) Delete(code string) {
	l.c.Remove(code)
}

// Clear empties the cache. Counters keep accumulating across clears.
func (l *Local) Clear() {
	l.c.Purge()
}

// Len returns the current entry count.
func (l *Local) Len() int {
	return l.c.Len()
}

// Resize changes the capacity, evicting oldest entries when shrinking.
func (l *Local) Resize(size int) {
	if size <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Resize(size)
	l.max = size
}

// EvictOlderThan removes entries stored before the cutoff and returns how
// many went. It runs against a snapshot of the key set, so entries refreshed
// concurrently survive.
func (l *Local) EvictOlderThan(cutoff time.Time) int {
	removed := 0
	for _, code := range l.c.Keys() {
		e, ok := l.c.Peek(code)
		if !ok {
			continue
		}
		if e.storedAt.Before(cutoff) {
			if l.c.Remove(code) {
				removed++
			}
		}
	}
	return removed
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	Size      int
	MaxSize   int
	Evictions int64
}

// Stats reports hit/miss counters since construction. Evictions counts every
// entry dropped, whether by capacity pressure, Delete, Clear, or age sweeps.
func (l *Local) Stats() Stats {
	l.mu.Lock()
	max := l.max
	l.mu.Unlock()

	h, m := l.hits.Load(), l.miss.Load()
	var rate float64
	if total := h + m; total > 0 {
		rate = float64(h) / float64(total)
	}
	return Stats{
		Hits:      h,
		Misses:    m,
		HitRate:   rate,
		Size:      l.c.Len(),
		MaxSize:   max,
		Evictions: l.evic.Load(),
	}
}
