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

package store

import (
	"context"
	"database/sql"
)

// CounterStore reserves contiguous ID ranges off the single id_counter row.
// Every reservation is one serialized transaction; concurrent callers get
// disjoint ranges, and a range abandoned by a crashed process is simply a gap
// in the code space.
type CounterStore struct {
	base
}

// ReserveRange advances the counter by size and returns the half-open range
// [start, end) now owned by the caller. The first reservation against an
// empty table seeds the counter.
func (s *CounterStore) ReserveRange(ctx context.Context, size uint64) (start, end uint64, err error) {
	if size == 0 {
		size = 1
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, 0, classify(err, "begin reserve range")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Seed on first use; a concurrent seeder loses the conflict and both
	// proceed to lock the same row.
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO id_counter (id, next_value) VALUES (1, $1) ON CONFLICT DO NOTHING`,
		int64(s.opts.CounterSeed)); err != nil {
		return 0, 0, classify(err, "seed id counter")
	}

	var next int64
	if err = tx.GetContext(ctx, &next,
		`SELECT next_value FROM id_counter WHERE id = 1 FOR UPDATE`); err != nil {
		return 0, 0, classify(err, "lock id counter")
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE id_counter SET next_value = next_value + $1 WHERE id = 1`,
		int64(size)); err != nil {
		return 0, 0, classify(err, "advance id counter")
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, classify(err, "commit reserve range")
	}
	start = uint64(next)
	return start, start + size, nil
}
