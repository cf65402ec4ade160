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
	"time"

	"github.com/pkg/errors"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

// Kafka adapter. The broker partitions by message key, which gives the same
// per-key ordering contract as the Redis Streams adapter. Offsets are
// committed manually after the owning window flushes.

// KafkaOptions configure both ends of the Kafka transport.
type KafkaOptions struct {
	Brokers string
	Topic   string
	// FlushTimeout bounds the producer's delivery-confirmation wait per
	// batch. Default 10s.
	FlushTimeout time.Duration
	// PollTimeout bounds one consumer read when no messages are ready.
	// Default 1s.
	PollTimeout time.Duration
}

func (o *KafkaOptions) setDefaults() {
	if o.Topic == "" {
		o.Topic = DefaultStreamPrefix
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
}

// KafkaProducer publishes with idempotence enabled and waits for per-message
// delivery confirmation, so a reported success really reached the broker.
type KafkaProducer struct {
	p    *kafka.Producer
	opts KafkaOptions
}

// NewKafkaProducer connects an idempotent producer to the brokers.
func NewKafkaProducer(opts KafkaOptions) (*KafkaProducer, error) {
	opts.setDefaults()
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  opts.Brokers,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &KafkaProducer{p: p, opts: opts}, nil
}

// Publish produces the batch keyed by Message.Key and waits for every
// delivery report within FlushTimeout.
func (k *KafkaProducer) Publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	deliveries := make(chan kafka.Event, len(msgs))
	topic := k.opts.Topic
	for _, m := range msgs {
		headers := make([]kafka.Header, 0, len(m.Headers))
		for name, v := range m.Headers {
			headers = append(headers, kafka.Header{Key: name, Value: []byte(v)})
		}
		err := k.p.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            []byte(m.Key),
			Value:          m.Value,
			Headers:        headers,
		}, deliveries)
		if err != nil {
			return errors.Wrapf(err, "produce key=%s", m.Key)
		}
	}

	deadline := time.NewTimer(k.opts.FlushTimeout)
	defer deadline.Stop()
	for confirmed := 0; confirmed < len(msgs); {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.Errorf("kafka delivery confirmation timed out after %d/%d", confirmed, len(msgs))
		case ev := <-deliveries:
			m, ok := ev.(*kafka.Message)
			if !ok {
				continue
			}
			if m.TopicPartition.Error != nil {
				return errors.Wrap(m.TopicPartition.Error, "kafka delivery failed")
			}
			confirmed++
		}
	}
	return nil
}

// Connected reports broker reachability via a metadata probe.
func (k *KafkaProducer) Connected() bool {
	_, err := k.p.GetMetadata(&k.opts.Topic, false, 1000)
	return err == nil
}

// Close flushes outstanding messages and releases the producer.
func (k *KafkaProducer) Close() error {
	k.p.Flush(int(k.opts.FlushTimeout / time.Millisecond))
	k.p.Close()
	return nil
}

// ackTracker orders manual commits for one partition. Kafka commits are
// per-partition watermarks, so committing a late offset would implicitly
// cover every earlier one, acked or not; the tracker records deliveries in
// offset order and only ever exposes the lowest contiguous acked prefix.
type ackTracker struct {
	queue []int64 // delivered, uncommitted offsets in delivery order
	acked map[int64]struct{}
}

func newAckTracker() *ackTracker {
	return &ackTracker{acked: make(map[int64]struct{})}
}

func (t *ackTracker) deliver(off int64) {
	t.queue = append(t.queue, off)
}

func (t *ackTracker) ack(off int64) {
	t.acked[off] = struct{}{}
}

// commitWatermark pops the contiguous acked prefix and returns one past the
// last popped offset. ok is false while the head of the queue is unacked, no
// matter how many later offsets are.
func (t *ackTracker) commitWatermark() (int64, bool) {
	var last int64
	moved := false
	for len(t.queue) > 0 {
		head := t.queue[0]
		if _, hit := t.acked[head]; !hit {
			break
		}
		delete(t.acked, head)
		t.queue = t.queue[1:]
		last = head
		moved = true
	}
	return last + 1, moved
}

// KafkaConsumer reads the clicks topic with manual offset commits.
type KafkaConsumer struct {
	c    *kafka.Consumer
	opts KafkaOptions

	mu      sync.Mutex
	pending map[string]kafka.TopicPartition
	parts   map[int32]*ackTracker
}

// NewKafkaConsumer subscribes within the group with auto-commit disabled.
func NewKafkaConsumer(group string, opts KafkaOptions) (*KafkaConsumer, error) {
	opts.setDefaults()
	if group == "" {
		return nil, errors.New("bus: consumer group is required")
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  opts.Brokers,
		"group.id":           group,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, errors.Wrap(err, "create kafka consumer")
	}
	if err := c.Subscribe(opts.Topic, nil); err != nil {
		_ = c.Close()
		return nil, errors.Wrapf(err, "subscribe %s", opts.Topic)
	}
	return &KafkaConsumer{
		c:       c,
		opts:    opts,
		pending: make(map[string]kafka.TopicPartition),
		parts:   make(map[int32]*ackTracker),
	}, nil
}

// Poll reads up to max messages, returning early once the poll timeout
// elapses with nothing further buffered.
func (k *KafkaConsumer) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 100
	}
	var out []Delivery
	for len(out) < max {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, err := k.c.ReadMessage(k.opts.PollTimeout)
		if err != nil {
			if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
				break
			}
			return out, errors.Wrap(err, "kafka read")
		}
		d := Delivery{
			Partition: int(msg.TopicPartition.Partition),
			ID:        strconv.Itoa(int(msg.TopicPartition.Partition)) + "@" + msg.TopicPartition.Offset.String(),
		}
		d.Key = string(msg.Key)
		d.Value = msg.Value
		if len(msg.Headers) > 0 {
			d.Headers = make(map[string]string, len(msg.Headers))
			for _, h := range msg.Headers {
				d.Headers[h.Key] = string(h.Value)
			}
		}
		k.mu.Lock()
		k.pending[d.ID] = msg.TopicPartition
		tracker, ok := k.parts[msg.TopicPartition.Partition]
		if !ok {
			tracker = newAckTracker()
			k.parts[msg.TopicPartition.Partition] = tracker
		}
		tracker.deliver(int64(msg.TopicPartition.Offset))
		k.mu.Unlock()
		out = append(out, d)
	}
	return out, nil
}

// Ack marks the deliveries and commits each touched partition's watermark:
// the lowest contiguous acked offset. A selectively acked batch never covers
// an earlier unacked offset, so an unflushed window's events survive a crash
// and are redelivered.
func (k *KafkaConsumer) Ack(ctx context.Context, deliveries []Delivery) error {
	k.mu.Lock()
	touched := make(map[int32]struct{})
	for _, d := range deliveries {
		tp, ok := k.pending[d.ID]
		if !ok {
			continue
		}
		delete(k.pending, d.ID)
		k.parts[tp.Partition].ack(int64(tp.Offset))
		touched[tp.Partition] = struct{}{}
	}
	var commits []kafka.TopicPartition
	topic := k.opts.Topic
	for p := range touched {
		next, moved := k.parts[p].commitWatermark()
		if moved {
			commits = append(commits, kafka.TopicPartition{
				Topic:     &topic,
				Partition: p,
				Offset:    kafka.Offset(next),
			})
		}
	}
	k.mu.Unlock()

	if len(commits) == 0 {
		return nil
	}
	if _, err := k.c.CommitOffsets(commits); err != nil {
		return errors.Wrap(err, "commit offsets")
	}
	return nil
}

// Close leaves the group and releases the consumer.
func (k *KafkaConsumer) Close() error {
	return k.c.Close()
}
