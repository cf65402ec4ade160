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
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis Streams adapter. Each partition is its own stream named
// <prefix>:<p>; per-key order holds because PartitionFor pins a key to one
// stream and XADD appends in arrival order. Consumer groups give manual-ack,
// at-least-once delivery via the pending entries list.

const (
	// DefaultStreamPrefix names the click partition streams.
	DefaultStreamPrefix = "clicks"
	// DefaultPartitions is the stream fan-out when unconfigured.
	DefaultPartitions = 8

	// headerField prefixes message headers inside a stream entry, keeping
	// them apart from the reserved key/value fields.
	headerField = "h:"
)

// StreamOptions configure both ends of the Redis Streams transport.
type StreamOptions struct {
	// Prefix names the partition streams. Default DefaultStreamPrefix.
	Prefix string
	// Partitions is the stream count. Producer and consumer must agree.
	Partitions int
	// MaxLen, when > 0, caps each stream with approximate trimming on XADD.
	MaxLen int64
	// Block bounds one consumer poll when no entries are ready. Default 1s.
	Block time.Duration
}

func (o *StreamOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = DefaultStreamPrefix
	}
	if o.Partitions <= 0 {
		o.Partitions = DefaultPartitions
	}
	if o.Block <= 0 {
		o.Block = time.Second
	}
}

func (o *StreamOptions) stream(p int) string {
	return o.Prefix + ":" + itoa(p)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// StreamProducer publishes to the partition streams.
type StreamProducer struct {
	client redis.Cmdable
	opts   StreamOptions
}

// NewStreamProducer wraps an existing Redis client.
func NewStreamProducer(client redis.Cmdable, opts StreamOptions) *StreamProducer {
	opts.setDefaults()
	return &StreamProducer{client: client, opts: opts}
}

// Publish XADDs the batch through one pipeline, partitioned by message key.
func (p *StreamProducer) Publish(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, m := range msgs {
		values := map[string]interface{}{
			"key":   m.Key,
			"value": string(m.Value),
		}
		for name, v := range m.Headers {
			values[headerField+name] = v
		}
		args := &redis.XAddArgs{
			Stream: p.opts.stream(PartitionFor(m.Key, p.opts.Partitions)),
			Values: values,
		}
		if p.opts.MaxLen > 0 {
			args.MaxLen = p.opts.MaxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "xadd click batch")
	}
	return nil
}

// Connected pings the server with a short deadline.
func (p *StreamProducer) Connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

// Close releases the client when we own a closable one.
func (p *StreamProducer) Close() error {
	if c, ok := p.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// StreamConsumer reads every partition stream inside one consumer group.
type StreamConsumer struct {
	client   redis.Cmdable
	opts     StreamOptions
	group    string
	consumer string

	// recovered flips after the first poll replayed this consumer's own
	// pending entries, so a restart re-sees deliveries it never acked.
	recovered bool
}

// NewStreamConsumer wraps a Redis client and bootstraps the consumer group on
// every partition stream (MKSTREAM, idempotent on restart).
func NewStreamConsumer(ctx context.Context, client redis.Cmdable, group, consumer string, opts StreamOptions) (*StreamConsumer, error) {
	opts.setDefaults()
	if group == "" || consumer == "" {
		return nil, errors.New("bus: consumer group and name are required")
	}
	c := &StreamConsumer{client: client, opts: opts, group: group, consumer: consumer}
	for p := 0; p < opts.Partitions; p++ {
		err := client.XGroupCreateMkStream(ctx, opts.stream(p), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, errors.Wrapf(err, "create group %s on %s", group, opts.stream(p))
		}
	}
	return c, nil
}

// Poll reads up to max deliveries across all partitions. The first call after
// construction replays this consumer's unacked backlog before reading new
// entries.
func (c *StreamConsumer) Poll(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 100
	}
	start := ">"
	if !c.recovered {
		start = "0"
	}
	streams := make([]string, 0, c.opts.Partitions*2)
	for p := 0; p < c.opts.Partitions; p++ {
		streams = append(streams, c.opts.stream(p))
	}
	for p := 0; p < c.opts.Partitions; p++ {
		streams = append(streams, start)
	}

	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  streams,
		Count:    int64(max),
		Block:    c.opts.Block,
	}).Result()
	if err == redis.Nil {
		c.recovered = true
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "xreadgroup")
	}

	var out []Delivery
	for _, s := range res {
		p := partitionOf(s.Stream, c.opts.Prefix)
		for _, entry := range s.Messages {
			out = append(out, deliveryFromEntry(entry, p))
		}
	}
	if !c.recovered {
		c.recovered = true
		// The backlog read may have returned empty streams; new entries
		// arrive on the next poll with ">".
		if len(out) == 0 {
			return c.Poll(ctx, max)
		}
	}
	return out, nil
}

// Ack XACKs the deliveries, grouped per partition stream.
func (c *StreamConsumer) Ack(ctx context.Context, deliveries []Delivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	byStream := make(map[string][]string)
	for _, d := range deliveries {
		s := c.opts.stream(d.Partition)
		byStream[s] = append(byStream[s], d.ID)
	}
	pipe := c.client.Pipeline()
	for s, ids := range byStream {
		pipe.XAck(ctx, s, c.group, ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "xack")
	}
	return nil
}

// Close releases the client when we own a closable one.
func (c *StreamConsumer) Close() error {
	if cl, ok := c.client.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func partitionOf(stream, prefix string) int {
	s := strings.TrimPrefix(stream, prefix+":")
	p := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		p = p*10 + int(r-'0')
	}
	return p
}

func deliveryFromEntry(entry redis.XMessage, partition int) Delivery {
	d := Delivery{Partition: partition, ID: entry.ID}
	for field, raw := range entry.Values {
		v, _ := raw.(string)
		switch {
		case field == "key":
			d.Key = v
		case field == "value":
			d.Value = []byte(v)
		case strings.HasPrefix(field, headerField):
			if d.Headers == nil {
				d.Headers = make(map[string]string)
			}
			d.Headers[strings.TrimPrefix(field, headerField)] = v
		}
	}
	return d
}
