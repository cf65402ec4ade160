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

package bus

import (
	"context"
	"testing"
)

// TestPartitionFor_StableAndBounded checks that partition assignment is
// deterministic and inside range, and that a single key always maps to one
// partition (the per-key ordering precondition).
func TestPartitionFor_StableAndBounded(t *testing.T) {
	keys := []string{"0004C92", "promo", "a", "zzzzzzz", ""}
	for _, key := range keys {
		first := PartitionFor(key, 8)
		if first < 0 || first >= 8 {
			t.Fatalf("PartitionFor(%q, 8) = %d, out of range", key, first)
		}
		for i := 0; i < 10; i++ {
			if got := PartitionFor(key, 8); got != first {
				t.Fatalf("PartitionFor(%q) unstable: %d then %d", key, first, got)
			}
		}
	}
	if got := PartitionFor("anything", 1); got != 0 {
		t.Fatalf("single partition must map to 0, got %d", got)
	}
	if got := PartitionFor("anything", 0); got != 0 {
		t.Fatalf("degenerate partition count must map to 0, got %d", got)
	}
}

// TestLoopback_PublishPollAck exercises the loopback's at-least-once
// contract: unacked deliveries come back after a rewind, acked ones do not.
func TestLoopback_PublishPollAck(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback(4)

	msgs := []Message{
		{Key: "aaa", Value: []byte("1"), Headers: map[string]string{HeaderEventType: "click"}},
		{Key: "bbb", Value: []byte("2")},
		{Key: "aaa", Value: []byte("3")},
	}
	if err := lb.Publish(ctx, msgs); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := lb.Published(); got != 3 {
		t.Fatalf("published = %d, want 3", got)
	}

	got, err := lb.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("polled %d deliveries, want 3", len(got))
	}

	// Same-key deliveries must appear in publish order.
	var aaa []string
	for _, d := range got {
		if d.Key == "aaa" {
			aaa = append(aaa, string(d.Value))
		}
	}
	if len(aaa) != 2 || aaa[0] != "1" || aaa[1] != "3" {
		t.Fatalf("per-key order broken: %v", aaa)
	}

	// Ack only the first delivery; a rewind must redeliver the other two.
	if err := lb.Ack(ctx, got[:1]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	lb.Rewind()
	redelivered, err := lb.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll after rewind: %v", err)
	}
	if len(redelivered) != 2 {
		t.Fatalf("redelivered %d, want 2", len(redelivered))
	}
}

// TestLoopback_IDsSurviveRewind publishes across a rewind and acks an old
// delivery afterwards: the ack must only retire the message it names, never a
// message published after the compaction.
func TestLoopback_IDsSurviveRewind(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback(1)

	if err := lb.Publish(ctx, []Message{
		{Key: "k", Value: []byte("1")},
		{Key: "k", Value: []byte("2")},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first, err := lb.Poll(ctx, 10)
	if err != nil || len(first) != 2 {
		t.Fatalf("poll = (%d, %v), want 2 deliveries", len(first), err)
	}

	// Ack the head, compact, then publish a third message.
	if err := lb.Ack(ctx, first[:1]); err != nil {
		t.Fatalf("ack: %v", err)
	}
	lb.Rewind()
	if err := lb.Publish(ctx, []Message{{Key: "k", Value: []byte("3")}}); err != nil {
		t.Fatalf("publish after rewind: %v", err)
	}

	second, err := lb.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("poll after rewind: %v", err)
	}
	if len(second) != 2 || string(second[0].Value) != "2" || string(second[1].Value) != "3" {
		t.Fatalf("redelivery = %v, want [2 3]", second)
	}
	if second[0].ID == second[1].ID {
		t.Fatalf("delivery ID %q reused after compaction", second[0].ID)
	}

	// Retire only the redelivered "2"; "3" must come back again.
	if err := lb.Ack(ctx, second[:1]); err != nil {
		t.Fatalf("ack redelivery: %v", err)
	}
	lb.Rewind()
	third, err := lb.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if len(third) != 1 || string(third[0].Value) != "3" {
		t.Fatalf("final redelivery = %v, want just [3]", third)
	}
}

// TestLoopback_Down checks the simulated outage path used by producer tests.
func TestLoopback_Down(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback(2)
	lb.SetDown(true)
	if lb.Connected() {
		t.Fatal("down loopback reports connected")
	}
	if err := lb.Publish(ctx, []Message{{Key: "k"}}); err == nil {
		t.Fatal("publish while down must fail")
	}
	lb.SetDown(false)
	if err := lb.Publish(ctx, []Message{{Key: "k"}}); err != nil {
		t.Fatalf("publish after recovery: %v", err)
	}
}
