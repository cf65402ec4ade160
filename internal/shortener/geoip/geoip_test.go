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

package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestService(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ip := strings.TrimPrefix(r.URL.Path, "/json/")
		if r.URL.Query().Get("fields") == "" {
			t.Errorf("fields query parameter missing")
		}
		switch ip {
		case "8.8.8.8":
			fmt.Fprint(w, `{"status":"success","countryCode":"US","region":"CA","city":"Mountain View"}`)
		default:
			fmt.Fprint(w, `{"status":"fail","message":"reserved range"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestEnricher(t *testing.T, srv *httptest.Server, minInterval time.Duration) *Enricher {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	e := New(NewClient(srv.URL, time.Second), Options{
		CacheSize:   16,
		MinInterval: minInterval,
		QueueSize:   4,
		Logger:      quiet,
	})
	t.Cleanup(e.Close)
	return e
}

// TestPublicIP pins the short-circuit table.
func TestPublicIP(t *testing.T) {
	cases := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", true},
		{"2606:4700::1111", true},
		{"127.0.0.1", false},
		{"10.1.2.3", false},
		{"192.168.0.1", false},
		{"172.16.5.5", false},
		{"169.254.1.1", false},
		{"0.0.0.0", false},
		{"::1", false},
		{"not-an-ip", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := PublicIP(tc.ip); got != tc.want {
			t.Errorf("PublicIP(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}

// TestLookupSync_FetchesAndCaches resolves one IP synchronously and expects
// the second call to come from cache without another external request.
func TestLookupSync_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Millisecond)

	loc := e.LookupSync(context.Background(), "8.8.8.8", time.Second)
	if loc.CountryCode != "US" || loc.City != "Mountain View" {
		t.Fatalf("location = %+v", loc)
	}
	if e.LookupSync(context.Background(), "8.8.8.8", time.Second).CountryCode != "US" {
		t.Fatal("cached lookup lost the location")
	}
	if calls.Load() != 1 {
		t.Fatalf("external calls = %d, want 1", calls.Load())
	}
	st := e.Stats()
	if st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

// TestLookupSync_FailStatusNegativeCached: a "fail" answer caches the zero
// value so the service is not re-asked.
func TestLookupSync_FailStatusNegativeCached(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Millisecond)

	if loc := e.LookupSync(context.Background(), "203.0.113.9", time.Second); loc != (Location{}) {
		t.Fatalf("fail status should yield zero location, got %+v", loc)
	}
	if loc := e.LookupSync(context.Background(), "203.0.113.9", time.Second); loc != (Location{}) {
		t.Fatalf("negative cache lost, got %+v", loc)
	}
	if calls.Load() != 1 {
		t.Fatalf("external calls = %d, want 1", calls.Load())
	}
}

// TestLookup_AsyncResolves: the non-blocking path returns the default first,
// then the drained queue fills the cache.
func TestLookup_AsyncResolves(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Millisecond)

	if loc := e.Lookup("8.8.8.8"); loc != (Location{}) {
		t.Fatalf("first lookup must be the default, got %+v", loc)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if loc := e.Lookup("8.8.8.8"); loc.CountryCode == "US" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async lookup never populated the cache")
}

// TestLookup_PrivateShortCircuits: private IPs neither queue nor call out.
func TestLookup_PrivateShortCircuits(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Millisecond)

	if loc := e.Lookup("192.168.1.10"); loc != (Location{}) {
		t.Fatalf("private IP returned %+v", loc)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("external calls = %d for a private IP", calls.Load())
	}
	if st := e.Stats(); st.Misses != 0 {
		t.Fatalf("private IPs must not count as misses: %+v", st)
	}
}

// TestLookupSync_TimeoutReturnsDefault races a paced call against a clock
// that cannot win.
func TestLookupSync_TimeoutReturnsDefault(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Hour) // limiter token spent below

	// Spend the single burst token.
	e.LookupSync(context.Background(), "8.8.8.8", time.Second)
	// The next sync lookup cannot acquire a token within its timeout.
	loc := e.LookupSync(context.Background(), "203.0.113.7", 10*time.Millisecond)
	if loc != (Location{}) {
		t.Fatalf("timed-out lookup returned %+v", loc)
	}
}

// TestEnqueue_OverflowDropsAndCounts fills the bounded queue.
func TestEnqueue_OverflowDropsAndCounts(t *testing.T) {
	var calls atomic.Int64
	srv := newTestService(t, &calls)
	e := newTestEnricher(t, srv, time.Hour) // drain can never keep up

	// Burn the burst token so queued entries stay queued.
	e.LookupSync(context.Background(), "8.8.8.8", time.Second)
	for i := 0; i < 20; i++ {
		e.Lookup(fmt.Sprintf("203.0.113.%d", i+1))
	}
	if st := e.Stats(); st.Dropped == 0 {
		t.Fatalf("queue overflow not counted: %+v", st)
	}
}
