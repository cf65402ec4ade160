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

	"shortlink"
)

// EventStore retains recent raw clicks for realtime queries. Rows are keyed by
// event ID, so at-least-once redelivery inserts at most one row per click; a
// prune pass keeps the window bounded.
type EventStore struct {
	base
}

type eventRow struct {
	EventID    string    `db:"event_id"`
	ShortCode  string    `db:"short_code"`
	OccurredAt time.Time `db:"occurred_at"`
	Country    *string   `db:"country"`
	Referrer   *string   `db:"referrer"`
	Device     *string   `db:"device"`
	Browser    *string   `db:"browser"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// InsertBatch stores the events, skipping IDs already present. Returns the
// number of new rows.
func (s *EventStore) InsertBatch(ctx context.Context, events []shortlink.ClickEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rows := make([]eventRow, len(events))
	for i, ev := range events {
		rows[i] = eventRow{
			EventID:    ev.EventID,
			ShortCode:  ev.ShortCode,
			OccurredAt: ev.Timestamp.Time(),
			Country:    optional(ev.CountryCode),
			Referrer:   optional(ev.Referrer),
			Device:     optional(ev.DeviceType),
			Browser:    optional(ev.Browser),
		}
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO click_events (event_id, short_code, occurred_at, country, referrer, device, browser)
		VALUES (:event_id, :short_code, :occurred_at, :country, :referrer, :device, :browser)
		ON CONFLICT (event_id) DO NOTHING`, rows)
	if err != nil {
		return 0, classify(err, "insert click events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountSince counts retained clicks for a code after the cutoff.
func (s *EventStore) CountSince(ctx context.Context, code string, since time.Time) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var n int64
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM click_events
		WHERE short_code = $1 AND occurred_at >= $2`, code, since.UTC())
	if err != nil {
		return 0, classify(err, "count clicks "+code)
	}
	return n, nil
}

// PruneBefore deletes up to limit rows older than the cutoff and reports how
// many went. Callers loop until it returns less than limit.
func (s *EventStore) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM click_events WHERE event_id IN (
			SELECT event_id FROM click_events WHERE occurred_at < $1
			ORDER BY occurred_at LIMIT $2
		)`, cutoff.UTC(), limit)
	if err != nil {
		return 0, classify(err, "prune click events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
