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
	"time"

	"github.com/jmoiron/sqlx"

	"shortlink"
)

// MappingStore is the repository for short-code to URL records. Reads return
// rows regardless of lifecycle state; deciding whether a tombstoned or expired
// row is servable belongs to the lookup layer.
type MappingStore struct {
	base
}

const mappingColumns = `short_code, long_url, long_url_hash, created_at, expires_at,
	user_id, is_custom_alias, is_deleted, deleted_at, last_accessed_at, access_count`

// Create inserts a new mapping. A short-code collision surfaces as a
// conflict-kind error so minting paths can retry or report ErrAliasTaken.
func (s *MappingStore) Create(ctx context.Context, m *shortlink.Mapping) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (short_code, long_url, long_url_hash, created_at,
			expires_at, user_id, is_custom_alias)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ShortCode, m.LongURL, m.LongURLHash, m.CreatedAt.UTC(),
		m.ExpiresAt, m.UserID, m.IsCustomAlias)
	return classify(err, "create mapping "+m.ShortCode)
}

// GetByCode fetches one mapping by primary key.
func (s *MappingStore) GetByCode(ctx context.Context, code string) (*shortlink.Mapping, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var m shortlink.Mapping
	err := s.db.GetContext(ctx, &m,
		`SELECT `+mappingColumns+` FROM mappings WHERE short_code = $1`, code)
	if err != nil {
		return nil, classify(err, "get mapping "+code)
	}
	return &m, nil
}

// CodeExists reports whether any row, live or tombstoned, holds the code.
// Tombstoned codes stay reserved until the hard-delete sweep removes them.
func (s *MappingStore) CodeExists(ctx context.Context, code string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM mappings WHERE short_code = $1)`, code)
	if err != nil {
		return false, classify(err, "probe code "+code)
	}
	return exists, nil
}

// TouchAccess bumps the access counter and last-accessed stamp. Callers on the
// redirect path invoke it asynchronously and tolerate failure.
func (s *MappingStore) TouchAccess(ctx context.Context, code string, at time.Time) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE mappings
		SET last_accessed_at = $2, access_count = access_count + 1
		WHERE short_code = $1`, code, at.UTC())
	return classify(err, "touch mapping "+code)
}

// ExpiredBatch lists codes whose expires-at has passed and that are not yet
// tombstoned, oldest deadline first, capped at limit.
func (s *MappingStore) ExpiredBatch(ctx context.Context, asOf time.Time, limit int) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	codes := make([]string, 0, limit)
	err := s.db.SelectContext(ctx, &codes, `
		SELECT short_code FROM mappings
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND is_deleted = FALSE
		ORDER BY expires_at
		LIMIT $2`, asOf.UTC(), limit)
	if err != nil {
		return nil, classify(err, "list expired mappings")
	}
	return codes, nil
}

// SoftDeleteCodes tombstones the given codes and returns how many rows
// actually flipped. Re-running over already-tombstoned codes affects zero
// rows, which keeps the sweep idempotent.
func (s *MappingStore) SoftDeleteCodes(ctx context.Context, codes []string, at time.Time) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args, err := sqlx.In(`
		UPDATE mappings SET is_deleted = TRUE, deleted_at = ?
		WHERE short_code IN (?) AND is_deleted = FALSE`, at.UTC(), codes)
	if err != nil {
		return 0, classify(err, "soft delete expand")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, classify(err, "soft delete mappings")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HardDeleteCandidates lists tombstoned mappings whose deleted-at is older
// than the cutoff, for archival before removal.
func (s *MappingStore) HardDeleteCandidates(ctx context.Context, olderThan time.Time, limit int) ([]shortlink.Mapping, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out := make([]shortlink.Mapping, 0, limit)
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+mappingColumns+` FROM mappings
		WHERE is_deleted = TRUE AND deleted_at < $1
		ORDER BY deleted_at
		LIMIT $2`, olderThan.UTC(), limit)
	if err != nil {
		return nil, classify(err, "list hard-delete candidates")
	}
	return out, nil
}

// HardDeleteBatch removes rows for good and returns the count removed.
func (s *MappingStore) HardDeleteBatch(ctx context.Context, codes []string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query, args, err := sqlx.In(`DELETE FROM mappings WHERE short_code IN (?)`, codes)
	if err != nil {
		return 0, classify(err, "hard delete expand")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, classify(err, "hard delete mappings")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HottestMappings returns the most-accessed live mappings for cache warm-up.
func (s *MappingStore) HottestMappings(ctx context.Context, asOf time.Time, limit int) ([]shortlink.Mapping, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	out := make([]shortlink.Mapping, 0, limit)
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+mappingColumns+` FROM mappings
		WHERE is_deleted = FALSE AND (expires_at IS NULL OR expires_at > $1)
		ORDER BY access_count DESC, short_code
		LIMIT $2`, asOf.UTC(), limit)
	if err != nil {
		return nil, classify(err, "list hottest mappings")
	}
	return out, nil
}
