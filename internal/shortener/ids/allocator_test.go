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
)

// fakeReserver hands out sequential ranges, optionally failing the next few
// calls first.
type fakeReserver struct {
	mu        sync.Mutex
	next      uint64
	calls     int
	failNext  int
	failError error
}

func newFakeReserver(seed uint64) *fakeReserver {
	return &fakeReserver{next: seed, failError: errors.New("counter store down")}
}

func (f *fakeReserver) ReserveRange(_ context.Context, size uint64) (uint64, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return 0, 0, f.failError
	}
	start := f.next
	f.next += size
	return start, start + size, nil
}

func (f *fakeReserver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// TestAllocator_RangeBoundary draws exactly one range and one more ID: the
// R-th draw must not reserve again, the R+1-th must reserve exactly once.
func TestAllocator_RangeBoundary(t *testing.T) {
	f := newFakeReserver(1_000_000)
	a := NewAllocator(f, 1000)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		id, err := a.NextID(ctx)
		if err != nil {
			t.Fatalf("NextID %d returned error: %v", i, err)
		}
		if want := uint64(1_000_000 + i); id != want {
			t.Fatalf("NextID %d = %d, want %d", i, id, want)
		}
	}
	if f.callCount() != 1 {
		t.Fatalf("reservations after range exactly spent = %d, want 1", f.callCount())
	}
	if rem := a.Remaining(); rem != 0 {
		t.Fatalf("remaining = %d, want 0", rem)
	}

	id, err := a.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID past range returned error: %v", err)
	}
	if id != 1_001_000 {
		t.Fatalf("first ID of new range = %d, want 1001000", id)
	}
	if f.callCount() != 2 {
		t.Fatalf("reservations = %d, want 2", f.callCount())
	}
}

// TestAllocator_FailurePropagates checks a failed reservation leaves no
// partial state and a later success recovers cleanly.
func TestAllocator_FailurePropagates(t *testing.T) {
	f := newFakeReserver(1_000_000)
	f.failNext = 1
	a := NewAllocator(f, 100)
	ctx := context.Background()

	if _, err := a.NextID(ctx); err == nil {
		t.Fatal("NextID should propagate the reservation failure")
	}
	id, err := a.NextID(ctx)
	if err != nil {
		t.Fatalf("NextID after recovery returned error: %v", err)
	}
	if id != 1_000_000 {
		t.Fatalf("recovered ID = %d, want 1000000", id)
	}
}

// TestAllocator_ConcurrentUniqueness issues IDs from many goroutines and
// requires global uniqueness across range refills.
func TestAllocator_ConcurrentUniqueness(t *testing.T) {
	t.Parallel()
	f := newFakeReserver(1_000_000)
	a := NewAllocator(f, 100)
	ctx := context.Background()

	const goroutines, perG = 10, 100
	out := make(chan uint64, goroutines*perG)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				id, err := a.NextID(ctx)
				if err != nil {
					t.Errorf("NextID returned error: %v", err)
					return
				}
				out <- id
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[uint64]bool, goroutines*perG)
	for id := range out {
		if seen[id] {
			t.Fatalf("duplicate ID %d", id)
		}
		seen[id] = true
	}
	if len(seen) != goroutines*perG {
		t.Fatalf("issued %d unique IDs, want %d", len(seen), goroutines*perG)
	}
	if f.callCount() != goroutines*perG/100 {
		t.Fatalf("reservations = %d, want %d", f.callCount(), goroutines*perG/100)
	}
}
