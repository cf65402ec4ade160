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

// Package ids mints short codes. The primary path hands out sequential IDs
// from ranges reserved against the store; a hash-based generator stands in
// when the counter is unreachable, behind a circuit breaker.
package ids

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// DefaultRangeSize is how many IDs one reservation claims.
const DefaultRangeSize = 10000

// RangeReserver is the store dependency: reserve a half-open ID range.
type RangeReserver interface {
	ReserveRange(ctx context.Context, size uint64) (start, end uint64, err error)
}

// Allocator serves IDs from an in-process range and refills on exhaustion.
// A crashed process abandons the rest of its range; the resulting code-space
// gap is harmless.
type Allocator struct {
	mu       sync.Mutex
	next     uint64
	end      uint64
	size     uint64
	reserver RangeReserver
}

// NewAllocator builds an allocator drawing ranges of size from the reserver;
// size <= 0 falls back to DefaultRangeSize. The first NextID triggers the
// first reservation.
func NewAllocator(reserver RangeReserver, size int) *Allocator {
	if size <= 0 {
		size = DefaultRangeSize
	}
	return &Allocator{size: uint64(size), reserver: reserver}
}

// NextID returns the next ID, reserving a fresh range when the current one is
// spent. On reservation failure the allocator keeps no partial state and the
// error propagates to the caller.
func (a *Allocator) NextID(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= a.end {
		start, end, err := a.reserver.ReserveRange(ctx, a.size)
		if err != nil {
			return 0, errors.Wrap(err, "reserve id range")
		}
		a.next, a.end = start, end
	}
	id := a.next
	a.next++
	return id, nil
}

// Remaining reports how many IDs are left in the current range.
func (a *Allocator) Remaining() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end - a.next
}
