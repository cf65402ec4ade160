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

// Package bus abstracts the partitioned at-least-once click stream. Producers
// publish key-partitioned messages; consumers poll in a named group and ack
// manually, so a delivery survives a crash until its window is flushed.
// Adapters exist for Redis Streams, Kafka, and an in-process loopback.
package bus

import (
	"context"
	"hash/fnv"
)

// Standard header names on click messages.
const (
	HeaderEventType = "eventType"
	HeaderVersion   = "version"
	HeaderEventID   = "eventId"
)

// Message is one record to publish. Key selects the partition; every message
// sharing a key lands on the same partition, which is what preserves per-key
// order end to end.
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Delivery is one consumed record plus the position needed to ack it.
type Delivery struct {
	Message
	Partition int
	// ID is the adapter-specific position: a stream entry ID for Redis,
	// a topic/partition/offset triple rendered as text for Kafka.
	ID string
}

// Producer publishes messages to the stream.
type Producer interface {
	// Publish sends the batch. Partial failure is reported as an error for
	// the whole batch; callers re-queue and retry.
	Publish(ctx context.Context, msgs []Message) error
	// Connected reports whether the transport is currently reachable.
	Connected() bool
	Close() error
}

// Consumer reads the stream within a consumer group. Deliveries must be acked
// after processing; unacked deliveries are redelivered (at-least-once).
type Consumer interface {
	Poll(ctx context.Context, max int) ([]Delivery, error)
	Ack(ctx context.Context, deliveries []Delivery) error
	Close() error
}

// PartitionFor maps a message key onto [0, partitions) with FNV-1a. The hash
// is stable across processes, so producers and consumers agree on placement
// without coordination.
func PartitionFor(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(partitions))
}
