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

// Package aggregate consumes the click stream and folds events into tumbling
// per-code windows, flushing completed windows into the daily-summary store.
// Delivery is at-least-once: a replayed event merges into a live window, and
// the store's window-flush marker makes a replayed flush a no-op, so totals
// stay exact without exactly-once transport.
package aggregate

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/bus"
	"shortlink/internal/shortener/store"
)

// SummaryApplier is the store dependency: fold one window into its daily
// summary, idempotently. The bool reports whether the delta was applied
// (false when the window-flush marker already existed).
type SummaryApplier interface {
	ApplyWindow(ctx context.Context, d store.WindowDelta) (bool, error)
}

// EventSink optionally retains raw events for the realtime query window.
// Insert failures are logged and swallowed; summaries are the system of
// record.
type EventSink interface {
	InsertBatch(ctx context.Context, events []shortlink.ClickEvent) (int64, error)
}

// Options tune the consumer.
type Options struct {
	// Window is the tumbling window length. Default 5m.
	Window time.Duration
	// LateGrace keeps a completed window in memory so stragglers can still
	// merge before the flush. Default 60s.
	LateGrace time.Duration
	// FlushInterval paces the background flusher. Default 60s.
	FlushInterval time.Duration
	// PollMax bounds one bus poll. Default 256.
	PollMax int
	// FlushTimeout bounds one ApplyWindow call. Default 10s.
	FlushTimeout time.Duration
	Logger       logrus.FieldLogger
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (o *Options) setDefaults() {
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	if o.LateGrace <= 0 {
		o.LateGrace = time.Minute
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Minute
	}
	if o.PollMax <= 0 {
		o.PollMax = 256
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

type windowKey struct {
	code  string
	start int64 // unix seconds
}

// window accumulates one (code, window-start) aggregate plus the deliveries
// that fed it; those are acked only after the window flushes.
type window struct {
	start      time.Time
	clicks     int64
	ips        map[string]struct{}
	referrers  map[string]int64
	countries  map[string]int64
	devices    map[string]int64
	browsers   map[string]int64
	deliveries []bus.Delivery
}

// Consumer is the aggregation worker. Construct with New, run with Start,
// stop with Close; Close flushes every live window regardless of grace.
type Consumer struct {
	bus     bus.Consumer
	applier SummaryApplier
	sink    EventSink
	opts    Options
	log     logrus.FieldLogger

	mu      sync.Mutex
	windows map[windowKey]*window

	events      int64
	malformed   int64
	flushed     int64
	replays     int64
	flushErrors int64
	lastFlush   time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New builds a consumer over the bus and summary store. sink may be nil.
func New(b bus.Consumer, applier SummaryApplier, sink EventSink, opts Options) *Consumer {
	opts.setDefaults()
	return &Consumer{
		bus:     b,
		applier: applier,
		sink:    sink,
		opts:    opts,
		log:     opts.Logger,
		windows: make(map[windowKey]*window),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the poll loop and the window flusher.
func (c *Consumer) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops both loops, flushes every remaining window, and closes the bus
// consumer.
func (c *Consumer) Close() error {
	var err error
	c.stopOnce.Do(func() {
		c.Start()
		close(c.stopCh)
		<-c.doneCh
		err = c.bus.Close()
	})
	return err
}

func (c *Consumer) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-c.stopCh:
			c.flush(ctx, true)
			return
		case <-ticker.C:
			c.flush(ctx, false)
		default:
		}

		deliveries, err := c.bus.Poll(ctx, c.opts.PollMax)
		if err != nil {
			c.log.WithError(err).Warn("click poll failed")
			select {
			case <-c.stopCh:
				c.flush(ctx, true)
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if len(deliveries) == 0 {
			// Non-blocking transports (loopback) would otherwise spin.
			select {
			case <-c.stopCh:
				c.flush(ctx, true)
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		c.ingest(ctx, deliveries)
	}
}

// ingest folds one polled batch into the window table. Malformed payloads
// are counted and acked immediately so they cannot wedge the stream.
func (c *Consumer) ingest(ctx context.Context, deliveries []bus.Delivery) {
	if len(deliveries) == 0 {
		return
	}
	var events []shortlink.ClickEvent
	var junk []bus.Delivery

	c.mu.Lock()
	for _, d := range deliveries {
		var ev shortlink.ClickEvent
		if err := json.Unmarshal(d.Value, &ev); err != nil || ev.ShortCode == "" {
			c.malformed++
			junk = append(junk, d)
			continue
		}
		c.events++
		events = append(events, ev)
		c.observe(ev, d)
	}
	c.mu.Unlock()

	if len(junk) > 0 {
		if err := c.bus.Ack(ctx, junk); err != nil {
			c.log.WithError(err).Warn("ack of malformed deliveries failed")
		}
	}
	if c.sink != nil && len(events) > 0 {
		if _, err := c.sink.InsertBatch(ctx, events); err != nil {
			c.log.WithError(err).Warn("raw event retention failed")
		}
	}
}

// observe merges one event into its window. Caller holds c.mu.
func (c *Consumer) observe(ev shortlink.ClickEvent, d bus.Delivery) {
	ts := ev.Timestamp.Time()
	start := ts.Truncate(c.opts.Window)
	key := windowKey{code: ev.ShortCode, start: start.Unix()}
	w := c.windows[key]
	if w == nil {
		w = &window{
			start:     start,
			ips:       make(map[string]struct{}),
			referrers: make(map[string]int64),
			countries: make(map[string]int64),
			devices:   make(map[string]int64),
			browsers:  make(map[string]int64),
		}
		c.windows[key] = w
	}
	w.clicks++
	if ev.IPAddress != "" {
		w.ips[ev.IPAddress] = struct{}{}
	}
	w.referrers[ReferrerDomain(ev.Referrer)]++
	w.countries[dimension(ev.CountryCode)]++
	w.devices[dimension(ev.DeviceType)]++
	w.browsers[dimension(ev.Browser)]++
	w.deliveries = append(w.deliveries, d)
}

// flush applies every eligible window to the store and acks its deliveries.
// force flushes everything, grace or not (shutdown path). A failed apply
// keeps the window, its deliveries unacked, for the next cycle.
func (c *Consumer) flush(ctx context.Context, force bool) {
	now := c.opts.Clock()

	c.mu.Lock()
	type pending struct {
		key windowKey
		w   *window
	}
	var due []pending
	for key, w := range c.windows {
		end := w.start.Add(c.opts.Window)
		if force || now.Sub(end) > c.opts.LateGrace {
			due = append(due, pending{key, w})
		}
	}
	c.mu.Unlock()

	for _, p := range due {
		delta := store.WindowDelta{
			ShortCode:   p.key.code,
			WindowStart: p.w.start,
			Clicks:      p.w.clicks,
			UniqueIPs:   int64(len(p.w.ips)),
			Referrers:   p.w.referrers,
			Countries:   p.w.countries,
			Devices:     p.w.devices,
			Browsers:    p.w.browsers,
		}
		fctx, cancel := context.WithTimeout(ctx, c.opts.FlushTimeout)
		applied, err := c.applier.ApplyWindow(fctx, delta)
		cancel()
		if err != nil {
			c.mu.Lock()
			c.flushErrors++
			c.mu.Unlock()
			c.log.WithError(err).WithFields(logrus.Fields{
				"code": p.key.code, "window": p.w.start.Format(time.RFC3339),
			}).Warn("window flush failed; retrying next cycle")
			continue
		}
		if err := c.bus.Ack(ctx, p.w.deliveries); err != nil {
			c.log.WithError(err).Warn("window ack failed; deliveries will replay")
		}
		c.mu.Lock()
		delete(c.windows, p.key)
		c.flushed++
		if !applied {
			c.replays++
		}
		c.lastFlush = now
		c.mu.Unlock()
	}
}

// FlushNow runs one flush cycle outside the ticker: force flushes windows
// still inside their grace. Intended for operators and tests.
func (c *Consumer) FlushNow(ctx context.Context, force bool) {
	c.flush(ctx, force)
}

// Stats is a read-only snapshot of the consumer.
type Stats struct {
	Events        int64
	Malformed     int64
	ActiveWindows int
	Flushed       int64
	Replays       int64
	FlushErrors   int64
	LastFlush     time.Time
}

// Stats snapshots the consumer counters.
func (c *Consumer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Events:        c.events,
		Malformed:     c.malformed,
		ActiveWindows: len(c.windows),
		Flushed:       c.flushed,
		Replays:       c.replays,
		FlushErrors:   c.flushErrors,
		LastFlush:     c.lastFlush,
	}
}

// ReferrerDomain reduces a raw referrer URL to its host, dropping a leading
// "www.". Unparseable or empty referrers collapse to "unknown".
func ReferrerDomain(referrer string) string {
	if referrer == "" {
		return "unknown"
	}
	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func dimension(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
