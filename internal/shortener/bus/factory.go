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

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// BuildOptions select and configure a transport by name. Supported kinds:
//   - "redis": Redis Streams (RedisAddr + Stream options)
//   - "kafka": Kafka (Kafka options)
//   - "loopback": in-process queues for demos and tests
type BuildOptions struct {
	RedisAddr string
	Stream    StreamOptions
	Kafka     KafkaOptions
}

// BuildProducer constructs a Producer from a string selector, so cmds can
// switch transports with a flag.
func BuildProducer(kind string, opts BuildOptions) (Producer, error) {
	switch kind {
	case "", "redis":
		return NewStreamProducer(redis.NewClient(&redis.Options{Addr: opts.RedisAddr}), opts.Stream), nil
	case "kafka":
		return NewKafkaProducer(opts.Kafka)
	case "loopback":
		return NewLoopback(opts.Stream.Partitions), nil
	default:
		return nil, errors.Errorf("unknown bus kind: %s", kind)
	}
}

// BuildConsumer constructs a Consumer in the named group from a string
// selector.
func BuildConsumer(ctx context.Context, kind, group, consumer string, opts BuildOptions) (Consumer, error) {
	switch kind {
	case "", "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		return NewStreamConsumer(ctx, client, group, consumer, opts.Stream)
	case "kafka":
		return NewKafkaConsumer(group, opts.Kafka)
	case "loopback":
		return NewLoopback(opts.Stream.Partitions), nil
	default:
		return nil, errors.Errorf("unknown bus kind: %s", kind)
	}
}
