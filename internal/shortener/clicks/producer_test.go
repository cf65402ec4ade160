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

package clicks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/bus"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestProducer(capacity int) (*Producer, *bus.Loopback) {
	lb := bus.NewLoopback(4)
	p := NewProducer(lb, ProducerOptions{
		Capacity: capacity,
		// Long intervals: tests drive flushes explicitly.
		FlushInterval:  time.Hour,
		ConnectBackoff: time.Millisecond,
		Logger:         quietLogger(),
	})
	return p, lb
}

func event(code string) shortlink.ClickEvent {
	return shortlink.ClickEvent{
		ShortCode: code,
		Timestamp: shortlink.WireTime(time.Date(2026, 8, 24, 10, 1, 0, 0, time.UTC)),
		IPAddress: "1.1.1.1",
	}
}

// TestProducer_FlushDeliversWireFormat checks the full message surface: JSON
// payload, headers, and the short-code partition key.
func TestProducer_FlushDeliversWireFormat(t *testing.T) {
	p, lb := newTestProducer(100)

	ev := event("0004C92")
	ev.Referrer = "https://news.example.com/post"
	p.Publish(ev)
	p.Flush(context.Background())

	// Publish may have raced an opportunistic async flush with ours; either
	// way exactly one message must come out.
	deadline := time.Now().Add(2 * time.Second)
	for lb.Published() != 1 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	got, err := lb.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got))
	}
	d := got[0]
	if d.Key != "0004C92" {
		t.Fatalf("partition key = %q, want short code", d.Key)
	}
	if d.Headers[bus.HeaderEventType] != "click" || d.Headers[bus.HeaderVersion] != SchemaVersion {
		t.Fatalf("headers = %v", d.Headers)
	}
	var decoded shortlink.ClickEvent
	if err := json.Unmarshal(d.Value, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.EventID == "" {
		t.Fatal("event ID was not assigned")
	}
	if d.Headers[bus.HeaderEventID] != decoded.EventID {
		t.Fatal("header event ID does not match payload")
	}
	if decoded.ShortCode != "0004C92" || decoded.Referrer != "https://news.example.com/post" {
		t.Fatalf("payload fields lost: %+v", decoded)
	}

	st := p.Stats()
	if st.Published != 1 || st.Delivered != 1 || st.Buffered != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestProducer_OutageBuffersThenDrains publishes during a bus outage and
// expects one flush after recovery to deliver everything.
func TestProducer_OutageBuffersThenDrains(t *testing.T) {
	p, lb := newTestProducer(200)
	lb.SetDown(true)

	for i := 0; i < 100; i++ {
		p.Publish(event(fmt.Sprintf("code%03d", i)))
	}
	if st := p.Stats(); st.Buffered != 100 {
		t.Fatalf("buffered = %d, want 100", st.Buffered)
	}

	// A flush against the dead bus re-queues the whole batch.
	p.Flush(context.Background())
	st := p.Stats()
	if st.Buffered != 100 || st.Failures != 1 || st.Dropped != 0 {
		t.Fatalf("after failed flush: %+v", st)
	}

	lb.SetDown(false)
	p.Flush(context.Background())
	if got := lb.Published(); got != 100 {
		t.Fatalf("delivered %d after recovery, want 100", got)
	}
	if st := p.Stats(); st.Buffered != 0 || st.Delivered != 100 {
		t.Fatalf("after recovery: %+v", st)
	}
}

// TestProducer_CapacityDropsOldest fills the buffer past capacity during an
// outage; the overflow event must displace the oldest one.
func TestProducer_CapacityDropsOldest(t *testing.T) {
	p, lb := newTestProducer(10)
	lb.SetDown(true)

	for i := 0; i < 11; i++ {
		p.Publish(event(fmt.Sprintf("code%02d", i)))
	}
	st := p.Stats()
	if st.Buffered != 10 || st.Dropped != 1 {
		t.Fatalf("stats = %+v, want 10 buffered / 1 dropped", st)
	}

	lb.SetDown(false)
	p.Flush(context.Background())
	got, err := lb.Poll(context.Background(), 20)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("delivered %d, want 10", len(got))
	}
	for _, d := range got {
		if d.Key == "code00" {
			t.Fatal("oldest event survived the cap; should have been dropped")
		}
	}
}

// TestProducer_RequeuePreservesOrder checks that a failed batch goes back in
// front of events published during the flush, keeping per-code order.
func TestProducer_RequeuePreservesOrder(t *testing.T) {
	p, lb := newTestProducer(100)
	lb.SetDown(true)

	p.Publish(event("aaa"))
	p.Flush(context.Background()) // fails, re-queues "aaa"
	p.Publish(event("aaa"))

	lb.SetDown(false)
	p.Flush(context.Background())

	got, err := lb.Poll(context.Background(), 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d, want 2", len(got))
	}
	var first, second shortlink.ClickEvent
	if err := json.Unmarshal(got[0].Value, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := json.Unmarshal(got[1].Value, &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.EventID == second.EventID {
		t.Fatal("distinct publishes shared an event ID")
	}
}

// TestProducer_CloseFlushesRemainder publishes without an explicit flush and
// relies on Close to drain.
func TestProducer_CloseFlushesRemainder(t *testing.T) {
	p, lb := newTestProducer(100)
	p.Start()
	for i := 0; i < 7; i++ {
		p.Publish(event("0004C92"))
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Opportunistic flushes may have raced Close; between them everything
	// must have been delivered.
	deadline := time.Now().Add(2 * time.Second)
	for lb.Published() != 7 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := lb.Published(); got != 7 {
		t.Fatalf("delivered %d after close, want 7", got)
	}
}
