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

// Package clicks buffers redirect events and flushes them to the partitioned
// bus. Publishing never blocks the redirect path: events queue in a bounded
// in-memory buffer and a background flusher drains it, so a bus outage costs
// at most the buffer's worth of events.
package clicks

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/bus"
)

// SchemaVersion is stamped on every message header.
const SchemaVersion = "1.0"

// ProducerOptions tune the buffering producer.
type ProducerOptions struct {
	// Capacity bounds the in-memory buffer. Default 10000.
	Capacity int
	// FlushInterval paces the background flusher. Default 5s.
	FlushInterval time.Duration
	// FlushTimeout bounds one bus publish. Default 10s.
	FlushTimeout time.Duration
	// ConnectAttempts bounds the startup connection wait; the backoff
	// doubles from ConnectBackoff between attempts. Publishing before the
	// bus is up only buffers. Defaults 5 and 500ms.
	ConnectAttempts int
	ConnectBackoff  time.Duration
	Logger          logrus.FieldLogger
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (o *ProducerOptions) setDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 10000
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.ConnectAttempts <= 0 {
		o.ConnectAttempts = 5
	}
	if o.ConnectBackoff <= 0 {
		o.ConnectBackoff = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Producer is the buffered click publisher. Construct with NewProducer, call
// Start once, stop with Close; Close flushes whatever is still buffered.
type Producer struct {
	bus  bus.Producer
	opts ProducerOptions
	log  logrus.FieldLogger

	mu     sync.Mutex
	buffer []shortlink.ClickEvent

	published atomic.Int64 // accepted into the buffer
	delivered atomic.Int64 // confirmed by the bus
	dropped   atomic.Int64 // lost to cap overflow
	failures  atomic.Int64 // failed flush attempts

	flushing  atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewProducer wraps a bus producer with buffering.
func NewProducer(b bus.Producer, opts ProducerOptions) *Producer {
	opts.setDefaults()
	return &Producer{
		bus:    b,
		opts:   opts,
		log:    opts.Logger,
		buffer: make([]shortlink.ClickEvent, 0, opts.Capacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start waits for the bus with exponential backoff, then runs the flusher.
// An unreachable bus is not fatal: events keep buffering and the flusher
// retries on its own schedule.
func (p *Producer) Start() {
	p.startOnce.Do(func() {
		go func() {
			defer close(p.doneCh)
			p.awaitBus()
			p.flushLoop()
		}()
	})
}

func (p *Producer) awaitBus() {
	backoff := p.opts.ConnectBackoff
	for attempt := 1; attempt <= p.opts.ConnectAttempts; attempt++ {
		if p.bus.Connected() {
			p.log.WithField("attempt", attempt).Info("click bus connected")
			return
		}
		select {
		case <-p.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	p.log.WithField("attempts", p.opts.ConnectAttempts).
		Warn("click bus unreachable at startup; buffering until it recovers")
}

// Publish queues one event, assigning an event ID and timestamp when absent.
// At capacity the oldest buffered event is dropped to admit the new one.
// When the bus is up, a non-empty buffer opportunistically triggers an async
// flush so bursts drain ahead of the ticker.
func (p *Producer) Publish(ev shortlink.ClickEvent) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.Time().IsZero() {
		ev.Timestamp = shortlink.WireTime(p.opts.Clock())
	}

	p.mu.Lock()
	if len(p.buffer) >= p.opts.Capacity {
		p.buffer = p.buffer[1:]
		p.dropped.Add(1)
	}
	p.buffer = append(p.buffer, ev)
	pending := len(p.buffer)
	p.mu.Unlock()
	p.published.Add(1)

	if pending > 0 && p.bus.Connected() {
		go p.Flush(context.Background())
	}
}

// Flush drains the buffer to the bus. The snapshot is taken under the lock,
// the publish happens outside it. On failure the batch is re-prepended up to
// remaining capacity, newest overflow dropped and counted. Concurrent calls
// collapse into one.
func (p *Producer) Flush(ctx context.Context) {
	if !p.flushing.CompareAndSwap(false, true) {
		return
	}
	defer p.flushing.Store(false)

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]shortlink.ClickEvent, 0, p.opts.Capacity)
	p.mu.Unlock()

	msgs := make([]bus.Message, 0, len(batch))
	for _, ev := range batch {
		payload, err := json.Marshal(ev)
		if err != nil {
			// Should be unreachable for a ClickEvent; count and skip.
			p.dropped.Add(1)
			continue
		}
		msgs = append(msgs, bus.Message{
			Key:   ev.ShortCode,
			Value: payload,
			Headers: map[string]string{
				bus.HeaderEventType: "click",
				bus.HeaderVersion:   SchemaVersion,
				bus.HeaderEventID:   ev.EventID,
			},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.FlushTimeout)
	defer cancel()
	if err := p.bus.Publish(ctx, msgs); err != nil {
		p.failures.Add(1)
		p.requeue(batch)
		p.log.WithError(err).WithField("batch", len(batch)).Warn("click flush failed; batch re-queued")
		return
	}
	p.delivered.Add(int64(len(msgs)))
}

// requeue puts a failed batch back at the front of the buffer, oldest events
// first, dropping whatever no longer fits.
func (p *Producer) requeue(batch []shortlink.ClickEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room := p.opts.Capacity - len(p.buffer)
	if room <= 0 {
		p.dropped.Add(int64(len(batch)))
		return
	}
	if len(batch) > room {
		p.dropped.Add(int64(len(batch) - room))
		batch = batch[:room]
	}
	p.buffer = append(batch, p.buffer...)
}

func (p *Producer) flushLoop() {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			p.Flush(context.Background())
			return
		case <-ticker.C:
			p.Flush(context.Background())
		}
	}
}

// Close stops the flusher, performs a final synchronous flush, and
// disconnects from the bus.
func (p *Producer) Close() error {
	var err error
	p.stopOnce.Do(func() {
		p.Start() // a producer closed before Start still drains once
		close(p.stopCh)
		<-p.doneCh
		err = p.bus.Close()
	})
	return err
}

// Stats is a point-in-time view of the producer for logs and collectors.
type Stats struct {
	Buffered  int
	Published int64
	Delivered int64
	Dropped   int64
	Failures  int64
	Connected bool
}

// Stats snapshots the producer counters.
func (p *Producer) Stats() Stats {
	p.mu.Lock()
	buffered := len(p.buffer)
	p.mu.Unlock()
	return Stats{
		Buffered:  buffered,
		Published: p.published.Load(),
		Delivered: p.delivered.Load(),
		Dropped:   p.dropped.Load(),
		Failures:  p.failures.Load(),
		Connected: p.bus.Connected(),
	}
}
