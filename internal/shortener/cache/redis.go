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

package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"shortlink"
)

// Key layout helpers (public for interoperability with other components).
func MappingKey(code string) string       { return "url:" + code }
func ExpiredMarkerKey(code string) string { return "expired:" + code }

// RedisOptions tunes the shared tier.
type RedisOptions struct {
	// DefaultTTL caps how long an entry may live; entries for expiring
	// mappings get min(DefaultTTL, time to expiry).
	DefaultTTL time.Duration
	// MinRemaining skips caching mappings about to expire, so a stale entry
	// can never outlive the mapping by more than the clock skew budget.
	MinRemaining time.Duration
	// MarkerTTL bounds negative expired-markers against unbounded growth.
	MarkerTTL time.Duration
	// Logger receives degradation events. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

func (o *RedisOptions) setDefaults() {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = time.Hour
	}
	if o.MinRemaining <= 0 {
		o.MinRemaining = time.Minute
	}
	if o.MarkerTTL <= 0 {
		o.MarkerTTL = 7 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Redis is the second lookup tier. Every method treats Redis trouble as a
// degradation, not a failure: reads report misses, writes drop silently, and
// the error goes to the log. Callers never branch on a cache error.
type Redis struct {
	c    redis.Cmdable
	opts RedisOptions
	log  logrus.FieldLogger
}

// NewRedis wraps an existing client. Cmdable keeps it compatible with single
// nodes, clusters, and test servers alike.
func NewRedis(client redis.Cmdable, opts RedisOptions) *Redis {
	opts.setDefaults()
	return &Redis{c: client, opts: opts, log: opts.Logger}
}

// cacheEntry is the serialized shape of one mapping in Redis. Timestamps ride
// the canonical wire format; a payload that fails to decode is deleted and
// treated as a miss.
type cacheEntry struct {
	ShortCode     string              `json:"shortCode"`
	LongURL       string              `json:"longUrl"`
	CreatedAt     shortlink.WireTime  `json:"createdAt"`
	ExpiresAt     *shortlink.WireTime `json:"expiresAt,omitempty"`
	UserID        string              `json:"userId,omitempty"`
	IsCustomAlias bool                `json:"isCustomAlias,omitempty"`
	CachedAt      shortlink.WireTime  `json:"cachedAt"`
}

func entryFromMapping(m *shortlink.Mapping, now time.Time) cacheEntry {
	e := cacheEntry{
		ShortCode:     m.ShortCode,
		LongURL:       m.LongURL,
		CreatedAt:     shortlink.WireTime(m.CreatedAt),
		IsCustomAlias: m.IsCustomAlias,
		CachedAt:      shortlink.WireTime(now),
	}
	if m.ExpiresAt != nil {
		wt := shortlink.WireTime(*m.ExpiresAt)
		e.ExpiresAt = &wt
	}
	if m.UserID != nil {
		e.UserID = *m.UserID
	}
	return e
}

func (e *cacheEntry) toMapping() *shortlink.Mapping {
	m := &shortlink.Mapping{
		ShortCode:     e.ShortCode,
		LongURL:       e.LongURL,
		CreatedAt:     e.CreatedAt.Time(),
		IsCustomAlias: e.IsCustomAlias,
	}
	if e.ExpiresAt != nil {
		t := e.ExpiresAt.Time()
		m.ExpiresAt = &t
	}
	if e.UserID != "" {
		uid := e.UserID
		m.UserID = &uid
	}
	return m
}

// GetMapping fetches the cached mapping. The second return is false on miss,
// on malformed payloads (which are deleted), on entries whose mapping has
// expired (also deleted), and on any Redis error.
func (r *Redis) GetMapping(ctx context.Context, code string) (*shortlink.Mapping, bool) {
	raw, err := r.c.Get(ctx, MappingKey(code)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.log.WithError(err).WithField("code", code).Debug("redis get degraded to miss")
		return nil, false
	}

	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		r.log.WithError(err).WithField("code", code).Warn("malformed cache entry dropped")
		r.drop(ctx, code)
		return nil, false
	}
	m := e.toMapping()
	if m.Expired(time.Now()) {
		r.drop(ctx, code)
		return nil, false
	}
	return m, true
}

// CacheOptions override the TTL rule for a single CacheMapping call.
type CacheOptions struct {
	// TTL, when positive, replaces DefaultTTL for this entry. The remaining
	// lifetime still caps it.
	TTL time.Duration
	// Skip bypasses the cache entirely for this call.
	Skip bool
}

// CacheMapping stores the mapping under the TTL rule. Mappings within
// MinRemaining of expiry are not cached at all. At most one CacheOptions may
// be passed to override the rule for this call.
func (r *Redis) CacheMapping(ctx context.Context, m *shortlink.Mapping, now time.Time, opts ...CacheOptions) {
	var co CacheOptions
	if len(opts) > 0 {
		co = opts[0]
	}
	if co.Skip {
		return
	}
	ttl, ok := r.entryTTL(m, now, co.TTL)
	if !ok {
		return
	}
	raw, err := json.Marshal(entryFromMapping(m, now))
	if err != nil {
		r.log.WithError(err).WithField("code", m.ShortCode).Warn("cache entry encode failed")
		return
	}
	if err := r.c.Set(ctx, MappingKey(m.ShortCode), raw, ttl).Err(); err != nil {
		r.log.WithError(err).WithField("code", m.ShortCode).Debug("redis set degraded to no-op")
	}
}

// CacheBatch pipelines many mappings in one round trip, applying the same
// per-entry TTL rule. Used by warm-up.
func (r *Redis) CacheBatch(ctx context.Context, ms []shortlink.Mapping, now time.Time) {
	if len(ms) == 0 {
		return
	}
	_, err := r.c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range ms {
			m := &ms[i]
			ttl, ok := r.entryTTL(m, now, 0)
			if !ok {
				continue
			}
			raw, err := json.Marshal(entryFromMapping(m, now))
			if err != nil {
				continue
			}
			pipe.Set(ctx, MappingKey(m.ShortCode), raw, ttl)
		}
		return nil
	})
	if err != nil {
		r.log.WithError(err).WithField("count", len(ms)).Debug("redis batch set degraded to no-op")
	}
}

// entryTTL is min(base, remaining lifetime), where base is the per-call
// override when positive and DefaultTTL otherwise, and no caching at all when
// the remainder is within MinRemaining.
func (r *Redis) entryTTL(m *shortlink.Mapping, now time.Time, override time.Duration) (time.Duration, bool) {
	ttl := r.opts.DefaultTTL
	if override > 0 {
		ttl = override
	}
	if remaining, has := m.TimeToExpiry(now); has {
		if remaining <= r.opts.MinRemaining {
			return 0, false
		}
		if remaining < ttl {
			ttl = remaining
		}
	}
	return ttl, true
}

// Invalidate removes both the mapping entry and any expired marker, so a
// recreated code starts clean.
func (r *Redis) Invalidate(ctx context.Context, code string) {
	if err := r.c.Del(ctx, MappingKey(code), ExpiredMarkerKey(code)).Err(); err != nil {
		r.log.WithError(err).WithField("code", code).Debug("redis del degraded to no-op")
	}
}

// MarkExpired writes the negative marker that lets lookups short-circuit
// known-expired codes without touching the store.
func (r *Redis) MarkExpired(ctx context.Context, code string) {
	if err := r.c.Set(ctx, ExpiredMarkerKey(code), "1", r.opts.MarkerTTL).Err(); err != nil {
		r.log.WithError(err).WithField("code", code).Debug("redis marker set degraded to no-op")
	}
}

// IsMarkedExpired reports whether the negative marker exists; errors read as
// "not marked" so degradation never blocks a lookup.
func (r *Redis) IsMarkedExpired(ctx context.Context, code string) bool {
	n, err := r.c.Exists(ctx, ExpiredMarkerKey(code)).Result()
	if err != nil {
		if err != redis.Nil {
			r.log.WithError(err).WithField("code", code).Debug("redis marker probe degraded to miss")
		}
		return false
	}
	return n > 0
}

// Ping reports connectivity; the only method that surfaces an error, for
// health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

// drop removes a bad entry; failures only get logged.
func (r *Redis) drop(ctx context.Context, code string) {
	if err := r.c.Del(ctx, MappingKey(code)).Err(); err != nil {
		r.log.WithError(err).WithField("code", code).Debug("redis del degraded to no-op")
	}
}
