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

// Package geoip enriches click events with coarse location data from an
// external HTTP service. Lookups on the hot path never block: they serve
// from a bounded TTL cache or a zero value, while a rate-limited background
// queue fills the cache for next time. The external service allows 45
// requests a minute; the drain pacing stays under that client-side.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Location is the subset of geographic fields the click pipeline uses. The
// zero value stands for "unknown" and is what private or unresolved IPs get.
type Location struct {
	CountryCode string
	Region      string
	City        string
}

// Client calls the external JSON endpoint (ip-api shape):
// GET <base>/json/<ip>?fields=status,message,countryCode,region,city
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a client against the service base URL, e.g.
// "http://ip-api.com".
func NewClient(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

type apiResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	Region      string `json:"region"`
	City        string `json:"city"`
}

// Lookup fetches the location for one IP. A non-"success" status is not an
// error: it returns the zero Location so the caller negative-caches it.
func (c *Client) Lookup(ctx context.Context, ip string) (Location, error) {
	url := fmt.Sprintf("%s/json/%s?fields=status,message,countryCode,region,city", c.base, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Location{}, errors.Wrap(err, "build geoip request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, errors.Wrap(err, "geoip request")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Location{}, errors.Errorf("geoip status %d", resp.StatusCode)
	}
	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Location{}, errors.Wrap(err, "decode geoip response")
	}
	if body.Status != "success" {
		return Location{}, nil
	}
	return Location{CountryCode: body.CountryCode, Region: body.Region, City: body.City}, nil
}

// Options tune the enricher.
type Options struct {
	// CacheSize bounds the location cache. Default 10000.
	CacheSize int
	// CacheTTL ages entries out. Default 24h.
	CacheTTL time.Duration
	// MinInterval spaces external requests. Default 1400ms, which keeps a
	// busy process under the service's 45-rpm cap.
	MinInterval time.Duration
	// QueueSize bounds the async lookup queue; overflow is dropped and
	// counted. Default 1000.
	QueueSize int
	Logger    logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = 10000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 24 * time.Hour
	}
	if o.MinInterval <= 0 {
		o.MinInterval = 1400 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Enricher is the cached, rate-limited lookup service. Construct with New,
// stop with Close.
type Enricher struct {
	client  *Client
	opts    Options
	log     logrus.FieldLogger
	cache   *expirable.LRU[string, Location]
	limiter *rate.Limiter

	queue    chan string
	inflight sync.Map // ip -> struct{}, dedups queued lookups

	hits     atomic.Int64
	misses   atomic.Int64
	external atomic.Int64
	dropped  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds the enricher and starts its drain worker.
func New(client *Client, opts Options) *Enricher {
	opts.setDefaults()
	e := &Enricher{
		client:  client,
		opts:    opts,
		log:     opts.Logger,
		cache:   expirable.NewLRU[string, Location](opts.CacheSize, nil, opts.CacheTTL),
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		queue:   make(chan string, opts.QueueSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go e.drain()
	return e
}

// Close stops the drain worker.
func (e *Enricher) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.doneCh
	})
}

// Lookup never blocks: cached value on hit; otherwise the zero Location now,
// with an async external lookup queued for public IPs so a later click on
// the same address resolves.
func (e *Enricher) Lookup(ip string) Location {
	if !PublicIP(ip) {
		return Location{}
	}
	if loc, ok := e.cache.Get(ip); ok {
		e.hits.Add(1)
		return loc
	}
	e.misses.Add(1)
	e.enqueue(ip)
	return Location{}
}

// LookupSync resolves through the cache or races one external call against
// the timeout, returning the zero Location when the clock wins. The call
// still honors the global pacing.
func (e *Enricher) LookupSync(ctx context.Context, ip string, timeout time.Duration) Location {
	if !PublicIP(ip) {
		return Location{}
	}
	if loc, ok := e.cache.Get(ip); ok {
		e.hits.Add(1)
		return loc
	}
	e.misses.Add(1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := e.limiter.Wait(ctx); err != nil {
		e.enqueue(ip) // resolve async instead
		return Location{}
	}
	loc, err := e.fetch(ctx, ip)
	if err != nil {
		return Location{}
	}
	return loc
}

func (e *Enricher) enqueue(ip string) {
	if _, already := e.inflight.LoadOrStore(ip, struct{}{}); already {
		return
	}
	select {
	case e.queue <- ip:
	default:
		e.inflight.Delete(ip)
		e.dropped.Add(1)
	}
}

func (e *Enricher) drain() {
	defer close(e.doneCh)
	for {
		select {
		case <-e.stopCh:
			return
		case ip := <-e.queue:
			if _, ok := e.cache.Get(ip); ok {
				e.inflight.Delete(ip)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := e.limiter.Wait(ctx)
			if err == nil {
				_, err = e.fetch(ctx, ip)
			}
			cancel()
			e.inflight.Delete(ip)
			if err != nil {
				e.log.WithError(err).WithField("ip", ip).Debug("async geoip lookup failed")
			}
		}
	}
}

// fetch performs one external call and caches the outcome, zero value
// included, so failures and unknown IPs are negative-cached for the TTL.
func (e *Enricher) fetch(ctx context.Context, ip string) (Location, error) {
	e.external.Add(1)
	loc, err := e.client.Lookup(ctx, ip)
	if err != nil {
		return Location{}, err
	}
	e.cache.Add(ip, loc)
	return loc, nil
}

// Stats is a point-in-time view of the enricher.
type Stats struct {
	CacheSize int
	Hits      int64
	Misses    int64
	External  int64
	Dropped   int64
	QueueLen  int
}

// Stats snapshots the enricher counters.
func (e *Enricher) Stats() Stats {
	return Stats{
		CacheSize: e.cache.Len(),
		Hits:      e.hits.Load(),
		Misses:    e.misses.Load(),
		External:  e.external.Load(),
		Dropped:   e.dropped.Load(),
		QueueLen:  len(e.queue),
	}
}

// PublicIP reports whether ip parses and is routable on the public internet.
// Loopback, private, link-local, and unspecified addresses short-circuit the
// enricher to the zero Location.
func PublicIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	switch {
	case parsed.IsLoopback(),
		parsed.IsPrivate(),
		parsed.IsLinkLocalUnicast(),
		parsed.IsLinkLocalMulticast(),
		parsed.IsMulticast(),
		parsed.IsUnspecified():
		return false
	}
	return true
}
