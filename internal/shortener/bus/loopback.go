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
	"strconv"
	"sync"
)

// Loopback is an in-process bus for the demo sim and tests: partitioned
// in-memory queues with the same at-least-once ack contract as the real
// adapters. One Loopback serves as both Producer and Consumer.
type Loopback struct {
	mu         sync.Mutex
	partitions []loopPartition
	down       bool
	published  int
}

type loopPartition struct {
	entries []Delivery
	// acked is the count of entries confirmed from the head; unacked
	// entries are redelivered on the next Poll after Rewind.
	cursor int
	acked  map[string]struct{}
	// seq only grows, so an ID is never reissued after Rewind compacts the
	// queue; a stale ack can then never hit a later message.
	seq int
}

// NewLoopback builds an in-memory bus with the given partition count.
func NewLoopback(partitions int) *Loopback {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	l := &Loopback{partitions: make([]loopPartition, partitions)}
	for i := range l.partitions {
		l.partitions[i].acked = make(map[string]struct{})
	}
	return l
}

// SetDown toggles simulated transport failure: Publish errors and Connected
// reports false while down.
func (l *Loopback) SetDown(down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = down
}

// Publish appends the batch to the partition queues.
func (l *Loopback) Publish(ctx context.Context, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return errLoopbackDown
	}
	for _, m := range msgs {
		p := PartitionFor(m.Key, len(l.partitions))
		part := &l.partitions[p]
		part.entries = append(part.entries, Delivery{
			Message:   m,
			Partition: p,
			ID:        strconv.Itoa(p) + "-" + strconv.Itoa(part.seq),
		})
		part.seq++
		l.published++
	}
	return nil
}

// Connected reports the simulated transport state.
func (l *Loopback) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.down
}

// Close is a no-op.
func (l *Loopback) Close() error { return nil }

// Poll returns up to max undelivered entries across partitions.
func (l *Loopback) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Delivery
	for i := range l.partitions {
		part := &l.partitions[i]
		for part.cursor < len(part.entries) && len(out) < max {
			out = append(out, part.entries[part.cursor])
			part.cursor++
		}
	}
	return out, nil
}

// Ack marks deliveries as confirmed.
func (l *Loopback) Ack(ctx context.Context, deliveries []Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range deliveries {
		l.partitions[d.Partition].acked[d.ID] = struct{}{}
	}
	return nil
}

// Rewind resets delivery cursors past acked entries, simulating the
// redelivery a crashed consumer sees on restart.
func (l *Loopback) Rewind() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.partitions {
		part := &l.partitions[i]
		part.cursor = 0
		kept := part.entries[:0]
		for _, e := range part.entries {
			if _, ok := part.acked[e.ID]; !ok {
				kept = append(kept, e)
			}
		}
		part.entries = kept
		part.acked = make(map[string]struct{})
	}
}

// Published reports how many messages were accepted in total.
func (l *Loopback) Published() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.published
}

type loopbackErr string

func (e loopbackErr) Error() string { return string(e) }

const errLoopbackDown = loopbackErr("loopback bus is down")
