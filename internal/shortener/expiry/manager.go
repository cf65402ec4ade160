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

// Package expiry runs the mapping lifecycle sweeps: soft-expire tombstones
// rows past their expires-at and invalidates every cache layer; hard-delete
// physically removes rows tombstoned longer than the retention window,
// optionally archiving them first. Sweeps are idempotent, chunk failures are
// isolated, and both can run as a daemon or be triggered one-shot.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shortlink"
)

// Lifecycle is the store dependency for both sweeps.
type Lifecycle interface {
	ExpiredBatch(ctx context.Context, asOf time.Time, limit int) ([]string, error)
	SoftDeleteCodes(ctx context.Context, codes []string, at time.Time) (int64, error)
	HardDeleteCandidates(ctx context.Context, olderThan time.Time, limit int) ([]shortlink.Mapping, error)
	HardDeleteBatch(ctx context.Context, codes []string) (int64, error)
}

// Invalidator is the cache dependency: drop a tombstoned code from every
// layer and leave a negative marker so the next lookup stops at Redis.
type Invalidator interface {
	Invalidate(ctx context.Context, code string)
	MarkExpired(ctx context.Context, code string)
}

// Archiver optionally receives rows before hard deletion (cold storage).
// A nil archiver skips the step; an archiver error skips deleting that chunk
// so nothing is lost.
type Archiver interface {
	Archive(ctx context.Context, rows []shortlink.Mapping) error
}

// Options tune the manager.
type Options struct {
	// SoftInterval paces the soft-expire sweep in daemon mode. Default 5m.
	SoftInterval time.Duration
	// HardInterval paces the hard-delete sweep in daemon mode. Default 24h.
	HardInterval time.Duration
	// BatchSize is the per-query row bound. Default 10000.
	BatchSize int
	// ChunkSize is the per-transaction row bound inside a batch. Default 1000.
	ChunkSize int
	// Retention is how long tombstoned rows linger before hard deletion.
	// Default 30 days.
	Retention time.Duration
	// SweepTimeout bounds one whole sweep run. Default 10m.
	SweepTimeout time.Duration
	Logger       logrus.FieldLogger
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.SoftInterval <= 0 {
		o.SoftInterval = 5 * time.Minute
	}
	if o.HardInterval <= 0 {
		o.HardInterval = 24 * time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1000
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.SweepTimeout <= 0 {
		o.SweepTimeout = 10 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// RunStats summarizes one sweep run.
type RunStats struct {
	Kind      string // "soft-expire" or "hard-delete"
	Processed int    // rows examined
	Affected  int64  // rows tombstoned or deleted
	Errors    int    // failed chunks
	Duration  time.Duration
}

// Manager owns both sweeps. Construct with New; Start/Stop run the daemon
// mode, RunSoftExpireOnce/RunHardDeleteOnce are the operator triggers.
type Manager struct {
	store    Lifecycle
	caches   Invalidator
	archiver Archiver
	opts     Options
	log      logrus.FieldLogger

	mu       sync.Mutex
	lastSoft RunStats
	lastHard RunStats
	runs     int64
	totalDur time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds the manager. archiver may be nil.
func New(store Lifecycle, caches Invalidator, archiver Archiver, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		store:    store,
		caches:   caches,
		archiver: archiver,
		opts:     opts,
		log:      opts.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the scheduled sweeps.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop halts the daemon loop. Safe to call without Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.Start()
		close(m.stopCh)
		<-m.doneCh
	})
}

func (m *Manager) run() {
	defer close(m.doneCh)
	soft := time.NewTicker(m.opts.SoftInterval)
	defer soft.Stop()
	hard := time.NewTicker(m.opts.HardInterval)
	defer hard.Stop()
	m.log.WithFields(logrus.Fields{
		"soft": m.opts.SoftInterval.String(), "hard": m.opts.HardInterval.String(),
	}).Info("expiry manager started")
	for {
		select {
		case <-m.stopCh:
			m.log.Info("expiry manager stopped")
			return
		case <-soft.C:
			m.sweep(m.RunSoftExpireOnce)
		case <-hard.C:
			m.sweep(m.RunHardDeleteOnce)
		}
	}
}

func (m *Manager) sweep(run func(context.Context) RunStats) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SweepTimeout)
	defer cancel()
	run(ctx)
}

// RunSoftExpireOnce tombstones every mapping past its expires-at, chunk by
// chunk, invalidating caches as it goes. It loops until a batch comes back
// short, so a backlog larger than one batch still clears in a single run.
func (m *Manager) RunSoftExpireOnce(ctx context.Context) RunStats {
	started := m.opts.Clock()
	stats := RunStats{Kind: "soft-expire"}

	for {
		codes, err := m.store.ExpiredBatch(ctx, m.opts.Clock(), m.opts.BatchSize)
		if err != nil {
			stats.Errors++
			m.log.WithError(errors.Wrap(err, "query expired batch")).Warn("soft-expire batch failed")
			break
		}
		if len(codes) == 0 {
			break
		}
		stats.Processed += len(codes)
		affectedBefore := stats.Affected

		for _, chunk := range chunks(codes, m.opts.ChunkSize) {
			affected, err := m.store.SoftDeleteCodes(ctx, chunk, m.opts.Clock())
			if err != nil {
				// Chunk failures are isolated; the sweep moves on.
				stats.Errors++
				m.log.WithError(err).WithField("chunk", len(chunk)).Warn("soft-delete chunk failed")
				continue
			}
			stats.Affected += affected
			for _, code := range chunk {
				m.caches.Invalidate(ctx, code)
				m.caches.MarkExpired(ctx, code)
			}
		}

		// A full batch that tombstoned nothing would re-query the same rows
		// forever; stop and let the next scheduled run retry.
		if len(codes) < m.opts.BatchSize || stats.Affected == affectedBefore {
			break
		}
	}

	stats.Duration = m.opts.Clock().Sub(started)
	m.record(stats)
	return stats
}

// RunHardDeleteOnce removes rows tombstoned longer than the retention
// window. With an archiver configured, a chunk is deleted only after its
// archive call succeeds.
func (m *Manager) RunHardDeleteOnce(ctx context.Context) RunStats {
	started := m.opts.Clock()
	stats := RunStats{Kind: "hard-delete"}
	cutoff := m.opts.Clock().Add(-m.opts.Retention)

	for {
		rows, err := m.store.HardDeleteCandidates(ctx, cutoff, m.opts.BatchSize)
		if err != nil {
			stats.Errors++
			m.log.WithError(errors.Wrap(err, "query hard-delete candidates")).Warn("hard-delete batch failed")
			break
		}
		if len(rows) == 0 {
			break
		}
		stats.Processed += len(rows)
		affectedBefore := stats.Affected

		for _, chunk := range chunkRows(rows, m.opts.ChunkSize) {
			if m.archiver != nil {
				if err := m.archiver.Archive(ctx, chunk); err != nil {
					stats.Errors++
					m.log.WithError(err).WithField("chunk", len(chunk)).Warn("archive failed; chunk kept")
					continue
				}
			}
			codes := make([]string, len(chunk))
			for i := range chunk {
				codes[i] = chunk[i].ShortCode
			}
			affected, err := m.store.HardDeleteBatch(ctx, codes)
			if err != nil {
				stats.Errors++
				m.log.WithError(err).WithField("chunk", len(chunk)).Warn("hard-delete chunk failed")
				continue
			}
			stats.Affected += affected
		}

		if len(rows) < m.opts.BatchSize || stats.Affected == affectedBefore {
			break
		}
	}

	stats.Duration = m.opts.Clock().Sub(started)
	m.record(stats)
	return stats
}

func (m *Manager) record(stats RunStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch stats.Kind {
	case "soft-expire":
		m.lastSoft = stats
	case "hard-delete":
		m.lastHard = stats
	}
	m.runs++
	m.totalDur += stats.Duration
	m.log.WithFields(logrus.Fields{
		"kind":      stats.Kind,
		"processed": stats.Processed,
		"affected":  stats.Affected,
		"errors":    stats.Errors,
		"duration":  stats.Duration.String(),
	}).Info("sweep finished")
}

// Stats reports the last run of each sweep plus the running average duration
// across all runs.
type Stats struct {
	LastSoft    RunStats
	LastHard    RunStats
	Runs        int64
	AvgDuration time.Duration
}

// Stats snapshots the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{LastSoft: m.lastSoft, LastHard: m.lastHard, Runs: m.runs}
	if m.runs > 0 {
		s.AvgDuration = m.totalDur / time.Duration(m.runs)
	}
	return s
}

func chunks(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func chunkRows(items []shortlink.Mapping, size int) [][]shortlink.Mapping {
	var out [][]shortlink.Mapping
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
