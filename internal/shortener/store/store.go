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

// Package store holds the Postgres repositories behind the shortener: URL
// mappings, the ID counter, daily analytics summaries, and the raw click
// retention window. Schema creation and migration are owned elsewhere; the
// DDL below is reference only.
package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"shortlink"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS mappings (
//   short_code       TEXT PRIMARY KEY,
//   long_url         TEXT NOT NULL,
//   long_url_hash    TEXT NOT NULL,
//   created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//   expires_at       TIMESTAMPTZ,
//   user_id          TEXT,
//   is_custom_alias  BOOLEAN NOT NULL DEFAULT FALSE,
//   is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
//   deleted_at       TIMESTAMPTZ,
//   last_accessed_at TIMESTAMPTZ,
//   access_count     BIGINT NOT NULL DEFAULT 0
// );
// CREATE INDEX IF NOT EXISTS idx_mappings_expires
//   ON mappings(expires_at) WHERE is_deleted = FALSE;
// CREATE INDEX IF NOT EXISTS idx_mappings_url_hash ON mappings(long_url_hash);
//
// CREATE TABLE IF NOT EXISTS id_counter (
//   id         INT PRIMARY KEY,
//   next_value BIGINT NOT NULL
// );
//
// CREATE TABLE IF NOT EXISTS daily_summaries (
//   short_code          TEXT NOT NULL,
//   date                DATE NOT NULL,
//   total_clicks        BIGINT NOT NULL DEFAULT 0,
//   unique_visitors     BIGINT NOT NULL DEFAULT 0,
//   top_countries       JSONB NOT NULL DEFAULT '[]',
//   top_referrers       JSONB NOT NULL DEFAULT '[]',
//   device_breakdown    JSONB NOT NULL DEFAULT '[]',
//   browser_breakdown   JSONB NOT NULL DEFAULT '[]',
//   hourly_distribution JSONB NOT NULL DEFAULT '[]',
//   peak_hour           INT NOT NULL DEFAULT 0,
//   avg_clicks_per_hour DOUBLE PRECISION NOT NULL DEFAULT 0,
//   PRIMARY KEY (short_code, date)
// );
//
// CREATE TABLE IF NOT EXISTS window_flushes (
//   short_code   TEXT NOT NULL,
//   window_start TIMESTAMPTZ NOT NULL,
//   flushed_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//   PRIMARY KEY (short_code, window_start)
// );
//
// CREATE TABLE IF NOT EXISTS click_events (
//   event_id    TEXT PRIMARY KEY,
//   short_code  TEXT NOT NULL,
//   occurred_at TIMESTAMPTZ NOT NULL,
//   country     TEXT,
//   referrer    TEXT,
//   device      TEXT,
//   browser     TEXT
// );
// CREATE INDEX IF NOT EXISTS idx_click_events_code_time
//   ON click_events(short_code, occurred_at);

// uniqueViolation is SQLSTATE 23505.
const uniqueViolation = "23505"

// Options tune every repository sharing the handle.
type Options struct {
	// QueryTimeout bounds statements whose caller context carries no deadline.
	QueryTimeout time.Duration
	// CounterSeed initializes the ID counter the first time a range is
	// reserved against an empty table.
	CounterSeed uint64
	// TopListLimit caps the per-dimension top lists kept on daily summaries.
	TopListLimit int
}

func (o *Options) setDefaults() {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.CounterSeed == 0 {
		o.CounterSeed = 1_000_000
	}
	if o.TopListLimit <= 0 {
		o.TopListLimit = 10
	}
}

// Store bundles the repositories over a single sqlx handle.
type Store struct {
	Mappings  *MappingStore
	Counter   *CounterStore
	Summaries *SummaryStore
	Events    *EventStore
}

// New wires the repositories. The handle should be opened with the pgx stdlib
// driver; pool sizing stays with the caller.
func New(db *sqlx.DB, opts Options) *Store {
	opts.setDefaults()
	b := base{db: db, opts: opts}
	return &Store{
		Mappings:  &MappingStore{base: b},
		Counter:   &CounterStore{base: b},
		Summaries: &SummaryStore{base: b},
		Events:    &EventStore{base: b},
	}
}

// base carries what every repository needs.
type base struct {
	db   *sqlx.DB
	opts Options
}

// bound applies the default timeout when the caller did not set a deadline.
func (b base) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && b.opts.QueryTimeout > 0 {
		return context.WithTimeout(ctx, b.opts.QueryTimeout)
	}
	return ctx, func() {}
}

// classify maps driver errors onto the shared kinds: missing rows become
// ErrNotFound, unique violations become ErrConflict, everything else keeps
// its cause with op context.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(shortlink.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Wrapf(shortlink.ErrConflict, "%s: unique violation on %s", op, pgErr.ConstraintName)
	}
	return errors.Wrap(err, op)
}
