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

// Command expiry-sweeper runs the mapping lifecycle sweeps against the
// shortener store. One-shot mode (-once soft|hard|both) fires a sweep and
// exits, which fits cron; without -once it runs as a daemon on the configured
// intervals. Cache invalidation goes through the same resolver the redirect
// path uses, so tombstoned codes disappear from every tier.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shortlink/internal/shortener/cache"
	"shortlink/internal/shortener/expiry"
	"shortlink/internal/shortener/lookup"
	"shortlink/internal/shortener/store"
	"shortlink/internal/shortener/telemetry"
)

func main() {
	pgDSN := flag.String("pg_dsn", "", "Postgres DSN for the mapping store (required)")
	redisAddr := flag.String("redis_addr", "127.0.0.1:6379", "Redis address for cache invalidation")
	once := flag.String("once", "", "run one sweep and exit: soft | hard | both")
	softInterval := flag.Duration("soft_interval", 5*time.Minute, "soft-expire cadence (daemon mode)")
	hardInterval := flag.Duration("hard_interval", 24*time.Hour, "hard-delete cadence (daemon mode)")
	batchSize := flag.Int("batch_size", 10000, "rows per sweep query")
	chunkSize := flag.Int("chunk_size", 1000, "rows per delete transaction")
	retention := flag.Duration("retention", 30*24*time.Hour, "tombstone age before hard deletion")
	metricsAddr := flag.String("metrics_addr", "", "Prometheus /metrics address; empty disables")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log := logrus.WithField("component", "expiry-sweeper")
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

	// The sweeper needs the resolver only for its invalidation surface; the
	// tiny local LRU here never serves lookups.
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	resolver := lookup.New(
		cache.NewLocal(16),
		cache.NewRedis(rdb, cache.RedisOptions{Logger: log}),
		st.Mappings,
		lookup.Options{Logger: log},
	)
	defer resolver.Close()

	mgr := expiry.New(st.Mappings, resolver, nil, expiry.Options{
		SoftInterval: *softInterval,
		HardInterval: *hardInterval,
		BatchSize:    *batchSize,
		ChunkSize:    *chunkSize,
		Retention:    *retention,
		Logger:       log,
	})

	if *once != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		switch *once {
		case "soft":
			printRun(mgr.RunSoftExpireOnce(ctx))
		case "hard":
			printRun(mgr.RunHardDeleteOnce(ctx))
		case "both":
			printRun(mgr.RunSoftExpireOnce(ctx))
			printRun(mgr.RunHardDeleteOnce(ctx))
		default:
			log.WithField("once", *once).Error("unknown sweep kind")
			os.Exit(1)
		}
		return
	}

	telemetry.StartMetricsEndpoint(*metricsAddr)
	exporter := telemetry.StartExporter(telemetry.Sources{Sweeps: mgr.Stats}, 30*time.Second)
	mgr.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")
	mgr.Stop()
	exporter.Stop()
}

func printRun(r expiry.RunStats) {
	fmt.Printf("%-12s processed=%-6d affected=%-6d errors=%-3d duration=%s\n",
		r.Kind, r.Processed, r.Affected, r.Errors, r.Duration.Round(time.Millisecond))
}
