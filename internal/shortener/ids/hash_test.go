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

package ids

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shortlink"
)

// fakeProber answers collision probes from a set, optionally failing.
type fakeProber struct {
	mu       sync.Mutex
	existing map[string]bool
	probeErr error
	probes   int
}

func newFakeProber(codes ...string) *fakeProber {
	f := &fakeProber{existing: make(map[string]bool)}
	for _, c := range codes {
		f.existing[c] = true
	}
	return f
}

func (f *fakeProber) CodeExists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.existing[code], nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TestHashGenerator_MintsValidCode checks shape and determinism under a
// pinned clock.
func TestHashGenerator_MintsValidCode(t *testing.T) {
	clock := fixedClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	g, err := NewHashGenerator(newFakeProber(), HashOptions{Clock: clock})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	res, err := g.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Code) != 7 {
		t.Fatalf("code %q has length %d, want 7", res.Code, len(res.Code))
	}
	if !shortlink.IsValid(res.Code) {
		t.Fatalf("code %q is not Base62", res.Code)
	}
	if res.Collisions != 0 {
		t.Fatalf("collisions = %d, want 0", res.Collisions)
	}

	// Same input, same clock: the digest is reproducible.
	g2, _ := NewHashGenerator(newFakeProber(), HashOptions{Clock: clock})
	res2, err := g2.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("second generate: %v", err)
	}
	if res2.Code != res.Code {
		t.Fatalf("non-deterministic mint: %q vs %q", res.Code, res2.Code)
	}

	// A different URL hashes elsewhere.
	res3, err := g2.Generate(context.Background(), "https://example.com/y")
	if err != nil {
		t.Fatalf("third generate: %v", err)
	}
	if res3.Code == res.Code {
		t.Fatalf("distinct URLs collided on %q", res.Code)
	}
}

// TestHashGenerator_MD5MatchesAlgoSelection: md5 and sha256 derive different
// codes for the same input.
func TestHashGenerator_MD5MatchesAlgoSelection(t *testing.T) {
	clock := fixedClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	md, err := NewHashGenerator(newFakeProber(), HashOptions{Algo: "md5", Clock: clock})
	if err != nil {
		t.Fatalf("md5 generator: %v", err)
	}
	sha, err := NewHashGenerator(newFakeProber(), HashOptions{Algo: "sha256", Clock: clock})
	if err != nil {
		t.Fatalf("sha256 generator: %v", err)
	}

	a, err := md.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("md5 generate: %v", err)
	}
	b, err := sha.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("sha256 generate: %v", err)
	}
	if a.Code == b.Code {
		t.Fatalf("algos agreed on %q, want distinct digests", a.Code)
	}
}

// TestHashGenerator_RejectsUnknownAlgo pins the constructor's validation.
func TestHashGenerator_RejectsUnknownAlgo(t *testing.T) {
	_, err := NewHashGenerator(newFakeProber(), HashOptions{Algo: "crc32"})
	if !errors.Is(err, shortlink.ErrValidation) {
		t.Fatalf("err = %v, want validation kind", err)
	}
}

// TestHashGenerator_RetriesOnCollision seeds the store with the first
// attempt's code and expects a re-roll with the collision counted.
func TestHashGenerator_RetriesOnCollision(t *testing.T) {
	clock := fixedClock(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	probe, _ := NewHashGenerator(newFakeProber(), HashOptions{Clock: clock})
	first, err := probe.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("probe generate: %v", err)
	}

	f := newFakeProber(first.Code)
	g, _ := NewHashGenerator(f, HashOptions{Clock: clock})
	res, err := g.Generate(context.Background(), "https://example.com/x")
	if err != nil {
		t.Fatalf("generate with collision: %v", err)
	}
	if res.Collisions != 1 {
		t.Fatalf("collisions = %d, want 1", res.Collisions)
	}
	if res.Code == first.Code {
		t.Fatal("re-roll produced the colliding code again")
	}
}

// TestHashGenerator_ExhaustionIsConflict makes every probe collide.
func TestHashGenerator_ExhaustionIsConflict(t *testing.T) {
	all := &alwaysTaken{}
	g, _ := NewHashGenerator(all, HashOptions{MaxRetries: 3})
	res, err := g.Generate(context.Background(), "https://example.com/x")
	if !errors.Is(err, shortlink.ErrConflict) {
		t.Fatalf("err = %v, want conflict kind", err)
	}
	if res.Collisions != 3 {
		t.Fatalf("collisions = %d, want 3", res.Collisions)
	}
	if all.probes != 3 {
		t.Fatalf("probes = %d, want 3", all.probes)
	}
}

type alwaysTaken struct{ probes int }

func (a *alwaysTaken) CodeExists(context.Context, string) (bool, error) {
	a.probes++
	return true, nil
}

// TestHashGenerator_ProbeErrorPropagates: a store failure is not a conflict.
func TestHashGenerator_ProbeErrorPropagates(t *testing.T) {
	f := newFakeProber()
	f.probeErr = errors.New("store down")
	g, _ := NewHashGenerator(f, HashOptions{})
	_, err := g.Generate(context.Background(), "https://example.com/x")
	if err == nil || errors.Is(err, shortlink.ErrConflict) {
		t.Fatalf("err = %v, want plain store failure", err)
	}
}
