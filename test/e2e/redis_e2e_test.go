//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shortlink"
	"shortlink/internal/shortener/bus"
	"shortlink/internal/shortener/cache"
)

func liveRedis(t *testing.T) *redis.Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}
	return rc
}

// TestRedisCacheTierE2E runs the shared cache tier against a real Redis:
// cache, hit, negative marker, invalidate. Requires Redis at 127.0.0.1:6379.
func TestRedisCacheTierE2E(t *testing.T) {
	rc := liveRedis(t)
	ctx := context.Background()
	code := "e2eCach1"
	defer rc.Del(ctx, cache.MappingKey(code), cache.ExpiredMarkerKey(code))

	tier := cache.NewRedis(rc, cache.RedisOptions{DefaultTTL: time.Minute})
	now := time.Now()
	tier.CacheMapping(ctx, &shortlink.Mapping{
		ShortCode: code,
		LongURL:   "https://example.com/e2e",
		CreatedAt: now,
	}, now)

	got, ok := tier.GetMapping(ctx, code)
	if !ok {
		t.Fatal("cached mapping missed")
	}
	if got.LongURL != "https://example.com/e2e" {
		t.Fatalf("long URL = %q", got.LongURL)
	}
	if ttl := rc.TTL(ctx, cache.MappingKey(code)).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("entry TTL = %s, want (0, 1m]", ttl)
	}

	tier.MarkExpired(ctx, code)
	if !tier.IsMarkedExpired(ctx, code) {
		t.Fatal("negative marker not visible")
	}
	tier.Invalidate(ctx, code)
	if tier.IsMarkedExpired(ctx, code) {
		t.Fatal("invalidate left the negative marker")
	}
	if _, ok := tier.GetMapping(ctx, code); ok {
		t.Fatal("invalidate left the mapping entry")
	}
}

// TestRedisStreamBusE2E round-trips click events through real Redis Streams
// with a consumer group: publish, poll, ack, and verify an acked entry is not
// redelivered to a fresh consumer.
func TestRedisStreamBusE2E(t *testing.T) {
	rc := liveRedis(t)
	ctx := context.Background()
	opts := bus.StreamOptions{Prefix: fmt.Sprintf("e2e-clicks-%d", time.Now().UnixNano()), Partitions: 2}
	defer func() {
		for p := 0; p < opts.Partitions; p++ {
			rc.Del(ctx, fmt.Sprintf("%s:%d", opts.Prefix, p))
		}
	}()

	producer := bus.NewStreamProducer(rc, opts)
	msgs := []bus.Message{
		{Key: "aaaa111", Value: []byte(`{"n":1}`)},
		{Key: "bbbb222", Value: []byte(`{"n":2}`)},
		{Key: "aaaa111", Value: []byte(`{"n":3}`)},
	}
	if err := producer.Publish(ctx, msgs); err != nil {
		t.Fatalf("publish: %v", err)
	}

	consumer, err := bus.NewStreamConsumer(ctx, rc, "e2e-group", "c1", opts)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	var got []bus.Delivery
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < len(msgs) && time.Now().Before(deadline) {
		ds, err := consumer.Poll(ctx, 10)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		got = append(got, ds...)
	}
	if len(got) != len(msgs) {
		t.Fatalf("received %d deliveries, want %d", len(got), len(msgs))
	}
	// Same key lands on the same partition, in publish order.
	var aVals []string
	for _, d := range got {
		if d.Message.Key == "aaaa111" {
			aVals = append(aVals, string(d.Message.Value))
		}
	}
	if len(aVals) != 2 || aVals[0] != `{"n":1}` || aVals[1] != `{"n":3}` {
		t.Fatalf("per-key order broken: %v", aVals)
	}

	if err := consumer.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// A fresh consumer in the same group starts from the backlog; everything
	// acked must stay gone.
	fresh, err := bus.NewStreamConsumer(ctx, rc, "e2e-group", "c2", opts)
	if err != nil {
		t.Fatalf("fresh consumer: %v", err)
	}
	ds, err := fresh.Poll(ctx, 10)
	if err != nil {
		t.Fatalf("fresh poll: %v", err)
	}
	if len(ds) != 0 {
		t.Fatalf("acked entries redelivered: %d", len(ds))
	}
}
