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

// Command clicks-aggregator runs the click aggregation consumer as a
// standalone daemon: it joins the consumer group on the click stream, folds
// events into tumbling windows, and flushes completed windows into the
// daily-summary tables. It logs a stats line periodically and drains
// gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"shortlink/internal/shortener/aggregate"
	"shortlink/internal/shortener/bus"
	"shortlink/internal/shortener/store"
	"shortlink/internal/shortener/telemetry"
)

func main() {
	busKind := flag.String("bus", "redis", "click stream transport: redis | kafka")
	redisAddr := flag.String("redis_addr", "127.0.0.1:6379", "Redis address (redis bus)")
	kafkaBrokers := flag.String("kafka_brokers", "127.0.0.1:9092", "Kafka bootstrap servers (kafka bus)")
	topic := flag.String("topic", bus.DefaultStreamPrefix, "stream prefix / Kafka topic")
	partitions := flag.Int("partitions", bus.DefaultPartitions, "partition count (redis bus)")
	group := flag.String("group", "aggregators", "consumer group")
	consumerName := flag.String("consumer", hostnameOr("aggregator-1"), "consumer name within the group")
	pgDSN := flag.String("pg_dsn", "", "Postgres DSN for the summary store (required)")
	window := flag.Duration("window", 5*time.Minute, "tumbling window size")
	grace := flag.Duration("grace", time.Minute, "late-arrival grace before a window flushes")
	flushInterval := flag.Duration("flush_interval", time.Minute, "window flusher cadence")
	keepRaw := flag.Bool("keep_raw_events", true, "retain raw events for the realtime window")
	statsInterval := flag.Duration("stats_interval", 30*time.Second, "stats log cadence")
	metricsAddr := flag.String("metrics_addr", "", "Prometheus /metrics address; empty disables")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.WithField("component", "clicks-aggregator")
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *pgDSN == "" {
		log.Error("-pg_dsn is required")
		os.Exit(1)
	}

	db, err := sqlx.Connect("pgx", *pgDSN)
	if err != nil {
		log.WithError(err).Error("connect postgres")
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db, store.Options{})

	ctx := context.Background()
	consumer, err := bus.BuildConsumer(ctx, *busKind, *group, *consumerName, bus.BuildOptions{
		RedisAddr: *redisAddr,
		Stream:    bus.StreamOptions{Prefix: *topic, Partitions: *partitions},
		Kafka:     bus.KafkaOptions{Brokers: *kafkaBrokers, Topic: *topic},
	})
	if err != nil {
		log.WithError(err).Error("build bus consumer")
		os.Exit(1)
	}

	var sink aggregate.EventSink
	if *keepRaw {
		sink = st.Events
	}
	agg := aggregate.New(consumer, st.Summaries, sink, aggregate.Options{
		Window:        *window,
		LateGrace:     *grace,
		FlushInterval: *flushInterval,
		Logger:        log,
	})
	agg.Start()
	log.WithFields(logrus.Fields{
		"bus": *busKind, "group": *group, "window": window.String(),
	}).Info("aggregator started")

	telemetry.StartMetricsEndpoint(*metricsAddr)
	exporter := telemetry.StartExporter(telemetry.Sources{Consumer: agg.Stats}, *statsInterval)

	stats := time.NewTicker(*statsInterval)
	defer stats.Stop()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case s := <-sig:
			log.WithField("signal", s.String()).Info("shutting down")
			exporter.Stop()
			if err := agg.Close(); err != nil {
				log.WithError(err).Warn("consumer close")
			}
			log.Info("drained; bye")
			return
		case <-stats.C:
			s := agg.Stats()
			log.WithFields(logrus.Fields{
				"events":       s.Events,
				"windows":      s.ActiveWindows,
				"flushed":      s.Flushed,
				"replays":      s.Replays,
				"flush_errors": s.FlushErrors,
				"malformed":    s.Malformed,
			}).Info("aggregation stats")
		}
	}
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
