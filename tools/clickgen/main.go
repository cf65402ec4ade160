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

// clickgen publishes synthetic click events through the real producer onto a
// real bus, so an aggregator can be soak-tested without a redirect frontend.
// The code distribution is deterministically skewed: hot_every=5 sends 4 of
// every 5 clicks to the hot code and spreads the rest round-robin.
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"shortlink"
	"shortlink/internal/shortener/bus"
	"shortlink/internal/shortener/clicks"
)

func main() {
	var (
		busKind      = flag.String("bus", "redis", "transport: redis|kafka|loopback")
		redisAddr    = flag.String("redis_addr", "127.0.0.1:6379", "Redis address (redis bus)")
		kafkaBrokers = flag.String("kafka_brokers", "127.0.0.1:9092", "Kafka bootstrap servers (kafka bus)")
		topic        = flag.String("topic", bus.DefaultStreamPrefix, "stream prefix / Kafka topic")
		partitions   = flag.Int("partitions", bus.DefaultPartitions, "partition count (redis bus)")
		n            = flag.Int("n", 50000, "total clicks to publish")
		qps          = flag.Int("qps", 5000, "target clicks per second; 0 for unthrottled")
		codesN       = flag.Int("codes", 100, "distinct short codes")
		hotCode      = flag.String("hot_code", "", "hot code; default first generated")
		hotEvery     = flag.Int("hot_every", 5, "skew period: all but 1 of this period hit the hot code (min 2)")
		seed         = flag.Int64("seed", 1, "PRNG seed for dimensions")
		verbose      = flag.Bool("v", false, "show producer logs")
	)
	flag.Parse()

	if *n <= 0 || *codesN <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -codes must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}

	log := logrus.New()
	if !*verbose {
		log.SetOutput(io.Discard)
	}

	producer, err := bus.BuildProducer(*busKind, bus.BuildOptions{
		RedisAddr: *redisAddr,
		Stream:    bus.StreamOptions{Prefix: *topic, Partitions: *partitions},
		Kafka:     bus.KafkaOptions{Brokers: *kafkaBrokers, Topic: *topic},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "build producer: %v\n", err)
		os.Exit(1)
	}
	p := clicks.NewProducer(producer, clicks.ProducerOptions{Logger: log})
	p.Start()

	// Codes the way the counter mints them, so downstream tooling that
	// validates Base62 stays happy.
	codes := make([]string, *codesN)
	for i := range codes {
		codes[i] = shortlink.Encode(uint64(1_000_000+i), 7)
	}
	hot := codes[0]
	if *hotCode != "" {
		hot = *hotCode
	}

	rng := rand.New(rand.NewSource(*seed))
	countries := []string{"US", "GB", "DE", "BR", "JP", "IN", "FR"}
	devices := []string{"desktop", "mobile", "tablet"}
	browsers := []string{"Chrome", "Firefox", "Safari", "Edge"}
	referrers := []string{
		"https://news.ycombinator.com/item?id=1",
		"https://www.reddit.com/r/golang/",
		"https://t.co/abc",
		"", // direct
	}

	var throttle <-chan time.Time
	if *qps > 0 {
		t := time.NewTicker(time.Second / time.Duration(*qps))
		defer t.Stop()
		throttle = t.C
	}

	start := time.Now()
	for i := 0; i < *n; i++ {
		if throttle != nil {
			<-throttle
		}
		code := hot
		if i%*hotEvery == 0 {
			code = codes[(i / *hotEvery)%len(codes)]
		}
		p.Publish(shortlink.ClickEvent{
			ShortCode:   code,
			IPAddress:   fmt.Sprintf("198.51.100.%d", rng.Intn(250)),
			UserAgent:   "clickgen/1.0",
			Referrer:    referrers[rng.Intn(len(referrers))],
			CountryCode: countries[rng.Intn(len(countries))],
			DeviceType:  devices[rng.Intn(len(devices))],
			Browser:     browsers[rng.Intn(len(browsers))],
		})
	}
	if err := p.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close producer: %v\n", err)
	}

	elapsed := time.Since(start)
	s := p.Stats()
	fmt.Printf("published=%d delivered=%d dropped=%d failures=%d in %s (%.0f/s) hot=%s skew=%d:1 bus=%s\n",
		s.Published, s.Delivered, s.Dropped, s.Failures,
		elapsed.Round(time.Millisecond), float64(*n)/elapsed.Seconds(),
		hot, *hotEvery-1, strings.ToLower(*busKind))
}
