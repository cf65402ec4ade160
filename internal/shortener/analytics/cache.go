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

// Package analytics memoizes expensive aggregated report queries in two
// tiers: a process-local TTL cache and a shared Redis tier under the
// "analytics:" prefix. The query assembly itself lives elsewhere; callers
// hand in a loader and this package decides whether to run it. Cache
// failures never fail a report, loader failures always do.
package analytics

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Report types with distinct freshness needs.
const (
	ReportURL      = "url"      // per-URL analytics
	ReportGlobal   = "global"   // per-user / global rollups
	ReportRealtime = "realtime" // last-N-hours counters
)

// KeyPrefix namespaces every shared-tier key.
const KeyPrefix = "analytics:"

// Request identifies one memoizable report.
type Request struct {
	// Type is one of the Report* constants; unknown types get the URL TTL.
	Type string
	// Identifier scopes the report: a short code for ReportURL, a user ID
	// for ReportGlobal.
	Identifier string
	// Params are the remaining query parameters. Key order does not matter:
	// the cache key sorts them.
	Params map[string]string
}

// Key renders the canonical cache key: analytics:<type>:<id>:<k=v&k=v> with
// parameters sorted by name, so equivalent requests hit the same entry.
func (r Request) Key() string {
	var b strings.Builder
	b.WriteString(KeyPrefix)
	b.WriteString(r.Type)
	b.WriteByte(':')
	b.WriteString(r.Identifier)
	if len(r.Params) > 0 {
		names := make([]string, 0, len(r.Params))
		for name := range r.Params {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteByte(':')
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(r.Params[name])
		}
	}
	return b.String()
}

// Options tune the cache.
type Options struct {
	// URLTTL, GlobalTTL, RealtimeTTL are the per-report-type freshness
	// bounds. Defaults 5m, 10m, 1m.
	URLTTL      time.Duration
	GlobalTTL   time.Duration
	RealtimeTTL time.Duration
	// Timeout bounds one shared-tier call. Default 3s.
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.URLTTL <= 0 {
		o.URLTTL = 5 * time.Minute
	}
	if o.GlobalTTL <= 0 {
		o.GlobalTTL = 10 * time.Minute
	}
	if o.RealtimeTTL <= 0 {
		o.RealtimeTTL = time.Minute
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Cache is the two-tier memo. client may be nil, degrading to local-only.
type Cache struct {
	local  *gocache.Cache
	client redis.Cmdable
	opts   Options
	log    logrus.FieldLogger
}

// New builds the cache.
func New(client redis.Cmdable, opts Options) *Cache {
	opts.setDefaults()
	return &Cache{
		local:  gocache.New(opts.URLTTL, 10*time.Minute),
		client: client,
		opts:   opts,
		log:    opts.Logger,
	}
}

func (c *Cache) ttlFor(reportType string) time.Duration {
	switch reportType {
	case ReportGlobal:
		return c.opts.GlobalTTL
	case ReportRealtime:
		return c.opts.RealtimeTTL
	default:
		return c.opts.URLTTL
	}
}

// GetOrCompute returns the memoized report for req into dest, running loader
// only on a full miss. Both tiers store the loader's JSON encoding; a local
// hit skips Redis entirely, a Redis hit backfills the local tier.
func (c *Cache) GetOrCompute(ctx context.Context, req Request, dest any, loader func(context.Context) (any, error)) error {
	key := req.Key()
	ttl := c.ttlFor(req.Type)

	if raw, ok := c.local.Get(key); ok {
		if err := json.Unmarshal(raw.([]byte), dest); err == nil {
			return nil
		}
		c.local.Delete(key)
	}

	if c.client != nil {
		rctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		raw, err := c.client.Get(rctx, key).Bytes()
		cancel()
		switch {
		case err == nil:
			if uerr := json.Unmarshal(raw, dest); uerr == nil {
				c.local.Set(key, raw, ttl)
				return nil
			}
			// Malformed shared entry: drop and recompute.
			c.del(ctx, key)
		case err != redis.Nil:
			c.log.WithError(err).Debug("analytics cache read failed")
		}
	}

	value, err := loader(ctx)
	if err != nil {
		return errors.Wrap(err, "load report")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Wrap(err, "decode report")
	}

	c.local.Set(key, raw, ttl)
	if c.client != nil {
		rctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		if err := c.client.Set(rctx, key, raw, ttl).Err(); err != nil {
			c.log.WithError(err).Debug("analytics cache write failed")
		}
		cancel()
	}
	return nil
}

// InvalidateURL drops every memoized report scoped to the short code.
func (c *Cache) InvalidateURL(ctx context.Context, code string) {
	c.invalidatePrefix(ctx, KeyPrefix+ReportURL+":"+code)
	c.invalidatePrefix(ctx, KeyPrefix+ReportRealtime+":"+code)
}

// InvalidateUser drops every memoized report scoped to the user.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	c.invalidatePrefix(ctx, KeyPrefix+ReportGlobal+":"+userID)
}

// invalidatePrefix removes matching entries from both tiers. The shared tier
// uses a KEYS pattern; prefixes are narrow (one code or user), which keeps
// the scan cheap.
func (c *Cache) invalidatePrefix(ctx context.Context, prefix string) {
	for key := range c.local.Items() {
		if strings.HasPrefix(key, prefix) {
			c.local.Delete(key)
		}
	}
	if c.client == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	keys, err := c.client.Keys(rctx, prefix+"*").Result()
	if err != nil {
		c.log.WithError(err).Debug("analytics cache invalidation scan failed")
		return
	}
	if len(keys) > 0 {
		c.del(rctx, keys...)
	}
}

func (c *Cache) del(ctx context.Context, keys ...string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Debug("analytics cache delete failed")
	}
}
