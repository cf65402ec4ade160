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

// Package telemetry exposes the core's Prometheus metrics. Components stay
// free of metrics plumbing: they publish Stats snapshots, and the exporter
// loop here mirrors those snapshots into collectors on a fixed interval.
// Event-driven signals (breaker transitions) have explicit Observe hooks.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shortlink/internal/shortener/aggregate"
	"shortlink/internal/shortener/cache"
	"shortlink/internal/shortener/clicks"
	"shortlink/internal/shortener/expiry"
	"shortlink/internal/shortener/geoip"
	"shortlink/internal/shortener/lookup"
)

var (
	lookupHits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shortlink_lookup_hits_total",
		Help: "Lookups served, by tier (memory, distributed, store) plus misses",
	}, []string{"source"})

	lruEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_lru_entries",
		Help: "Mappings currently held in the process-local LRU",
	})
	lruHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_lru_hit_rate",
		Help: "Hit rate of the process-local LRU since start",
	})
	lruEvictions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_lru_evictions_total",
		Help: "Evictions from the process-local LRU since start",
	})

	producerBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_clicks_buffered",
		Help: "Click events waiting in the producer buffer",
	})
	producerDelivered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_clicks_delivered_total",
		Help: "Click events confirmed by the bus since start",
	})
	producerDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_clicks_dropped_total",
		Help: "Click events lost to buffer overflow since start",
	})

	consumerEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_aggregate_events_total",
		Help: "Click events folded into windows since start",
	})
	consumerWindows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_aggregate_active_windows",
		Help: "Aggregation windows currently held in memory",
	})
	consumerFlushed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_aggregate_windows_flushed_total",
		Help: "Windows flushed to daily summaries since start",
	})
	consumerFlushErrors = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_aggregate_flush_errors_total",
		Help: "Window flush failures since start",
	})

	sweepAffected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shortlink_expiry_last_affected",
		Help: "Rows affected by the most recent sweep, by kind",
	}, []string{"kind"})
	sweepDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shortlink_expiry_last_duration_seconds",
		Help: "Duration of the most recent sweep, by kind",
	}, []string{"kind"})

	geoQueue = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_geoip_queue_depth",
		Help: "Pending async GeoIP lookups",
	})
	geoExternal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shortlink_geoip_external_calls_total",
		Help: "Calls made to the external GeoIP service since start",
	})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shortlink_id_breaker_transitions_total",
		Help: "ID-service circuit breaker transitions, by target mode",
	}, []string{"to"})
)

func init() {
	prometheus.MustRegister(
		lookupHits, lruEntries, lruHitRate, lruEvictions,
		producerBuffered, producerDelivered, producerDropped,
		consumerEvents, consumerWindows, consumerFlushed, consumerFlushErrors,
		sweepAffected, sweepDuration, geoQueue, geoExternal,
		breakerTransitions,
	)
}

// ObserveBreakerTransition records one ID-service mode change. Wire it to
// ids.ServiceOptions.OnModeChange.
func ObserveBreakerTransition(from, to string) {
	_ = from
	breakerTransitions.WithLabelValues(to).Inc()
}

// Sources are the snapshot providers the exporter polls. Nil fields are
// skipped, so a process exports only the components it runs.
type Sources struct {
	Lookup   func() lookup.Stats
	Local    func() cache.Stats
	Producer func() clicks.Stats
	Consumer func() aggregate.Stats
	Sweeps   func() expiry.Stats
	Geo      func() geoip.Stats
}

// Exporter mirrors snapshots into the collectors on an interval.
type Exporter struct {
	sources  Sources
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartExporter launches the snapshot loop. interval <= 0 defaults to 15s.
func StartExporter(sources Sources, interval time.Duration) *Exporter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	e := &Exporter{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Stop halts the loop after one final publish.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}

func (e *Exporter) run() {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			e.publish()
			return
		case <-ticker.C:
			e.publish()
		}
	}
}

func (e *Exporter) publish() {
	if e.sources.Lookup != nil {
		s := e.sources.Lookup()
		lookupHits.WithLabelValues("memory").Set(float64(s.MemoryHits))
		lookupHits.WithLabelValues("distributed").Set(float64(s.DistributedHits))
		lookupHits.WithLabelValues("store").Set(float64(s.StoreHits))
		lookupHits.WithLabelValues("miss").Set(float64(s.Misses))
	}
	if e.sources.Local != nil {
		s := e.sources.Local()
		lruEntries.Set(float64(s.Size))
		lruHitRate.Set(s.HitRate)
		lruEvictions.Set(float64(s.Evictions))
	}
	if e.sources.Producer != nil {
		s := e.sources.Producer()
		producerBuffered.Set(float64(s.Buffered))
		producerDelivered.Set(float64(s.Delivered))
		producerDropped.Set(float64(s.Dropped))
	}
	if e.sources.Consumer != nil {
		s := e.sources.Consumer()
		consumerEvents.Set(float64(s.Events))
		consumerWindows.Set(float64(s.ActiveWindows))
		consumerFlushed.Set(float64(s.Flushed))
		consumerFlushErrors.Set(float64(s.FlushErrors))
	}
	if e.sources.Sweeps != nil {
		s := e.sources.Sweeps()
		sweepAffected.WithLabelValues("soft-expire").Set(float64(s.LastSoft.Affected))
		sweepAffected.WithLabelValues("hard-delete").Set(float64(s.LastHard.Affected))
		sweepDuration.WithLabelValues("soft-expire").Set(s.LastSoft.Duration.Seconds())
		sweepDuration.WithLabelValues("hard-delete").Set(s.LastHard.Duration.Seconds())
	}
	if e.sources.Geo != nil {
		s := e.sources.Geo()
		geoQueue.Set(float64(s.QueueLen))
		geoExternal.Set(float64(s.External))
	}
}

// StartMetricsEndpoint serves /metrics on addr in a background goroutine.
// Leave addr empty if the process exposes Prometheus elsewhere.
func StartMetricsEndpoint(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
