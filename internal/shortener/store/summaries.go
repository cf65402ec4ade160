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
	"encoding/json"
	stderrors "errors"
	"sort"
	"time"

	"github.com/pkg/errors"

	"shortlink"
)

// SummaryStore maintains the daily analytics rollups. ApplyWindow is its core:
// one flushed aggregation window folds into one (short_code, date) row inside
// a transaction fenced by a window-flush marker, so replaying the same window
// is a no-op and every applied merge is a commutative addition.
type SummaryStore struct {
	base
}

// WindowDelta is one aggregation window ready to fold into a daily summary.
// Counters are totals for the window, keyed by dimension value.
type WindowDelta struct {
	ShortCode   string
	WindowStart time.Time
	Clicks      int64
	UniqueIPs   int64
	Countries   map[string]int64
	Referrers   map[string]int64
	Devices     map[string]int64
	Browsers    map[string]int64
}

const summaryColumns = `short_code, date, total_clicks, unique_visitors,
	top_countries, top_referrers, device_breakdown, browser_breakdown,
	hourly_distribution, peak_hour, avg_clicks_per_hour`

// summaryRow is the scan target; JSONB columns arrive as raw bytes.
type summaryRow struct {
	ShortCode        string    `db:"short_code"`
	Date             time.Time `db:"date"`
	TotalClicks      int64     `db:"total_clicks"`
	UniqueVisitors   int64     `db:"unique_visitors"`
	TopCountries     []byte    `db:"top_countries"`
	TopReferrers     []byte    `db:"top_referrers"`
	DeviceBreakdown  []byte    `db:"device_breakdown"`
	BrowserBreakdown []byte    `db:"browser_breakdown"`
	Hourly           []byte    `db:"hourly_distribution"`
	PeakHour         int       `db:"peak_hour"`
	AvgClicksPerHour float64   `db:"avg_clicks_per_hour"`
}

func (r *summaryRow) toDomain() (*shortlink.DailySummary, error) {
	s := &shortlink.DailySummary{
		ShortCode:        r.ShortCode,
		Date:             shortlink.DayOf(r.Date),
		TotalClicks:      r.TotalClicks,
		UniqueVisitors:   r.UniqueVisitors,
		PeakHour:         r.PeakHour,
		AvgClicksPerHour: r.AvgClicksPerHour,
	}
	for _, col := range []struct {
		raw []byte
		out any
	}{
		{r.TopCountries, &s.TopCountries},
		{r.TopReferrers, &s.TopReferrers},
		{r.DeviceBreakdown, &s.DeviceBreakdown},
		{r.BrowserBreakdown, &s.BrowserBreakdown},
		{r.Hourly, &s.HourlyDistribution},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.out); err != nil {
			return nil, errors.Wrapf(err, "decode summary column for %s/%s", r.ShortCode, s.Date)
		}
	}
	return s, nil
}

// ApplyWindow folds one window into its daily summary. The returned bool is
// false when the window-flush marker already existed and the delta was
// skipped. Inside one transaction it:
//
//  1. inserts the (short_code, window_start) marker ON CONFLICT DO NOTHING and
//     stops if the insert affected zero rows;
//  2. locks the summary row, merges counters in memory (clicks add, uniques
//     take the maximum, dimension lists add by value, the hourly bucket for
//     the window's hour adds), recomputes peak hour and the hourly average;
//  3. writes the merged row back (insert or update).
func (s *SummaryStore) ApplyWindow(ctx context.Context, d WindowDelta) (bool, error) {
	if d.ShortCode == "" || d.WindowStart.IsZero() {
		return false, errors.Wrap(shortlink.ErrValidation, "window delta needs short code and window start")
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return false, classify(err, "begin apply window")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO window_flushes (short_code, window_start) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		d.ShortCode, d.WindowStart.UTC())
	if err != nil {
		return false, classify(err, "insert window marker")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already applied by a previous flush; nothing to merge.
		return false, classify(tx.Commit(), "commit replayed window")
	}

	day := shortlink.DayOf(d.WindowStart)
	var row summaryRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+summaryColumns+` FROM daily_summaries
		 WHERE short_code = $1 AND date = $2::date FOR UPDATE`,
		d.ShortCode, day)

	fresh := false
	var current *shortlink.DailySummary
	switch {
	case err == nil:
		if current, err = row.toDomain(); err != nil {
			return false, err
		}
	case stderrors.Is(err, sql.ErrNoRows):
		fresh = true
		current = &shortlink.DailySummary{ShortCode: d.ShortCode, Date: day}
	default:
		return false, classify(err, "lock summary row")
	}

	merged := mergeWindow(current, d, s.opts.TopListLimit)

	cols := make([][]byte, 0, 5)
	for _, v := range []any{
		merged.TopCountries, merged.TopReferrers, merged.DeviceBreakdown,
		merged.BrowserBreakdown, merged.HourlyDistribution,
	} {
		b, encErr := json.Marshal(v)
		if encErr != nil {
			return false, errors.Wrap(encErr, "encode summary column")
		}
		cols = append(cols, b)
	}

	if fresh {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_summaries (`+summaryColumns+`)
			VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			merged.ShortCode, merged.Date, merged.TotalClicks, merged.UniqueVisitors,
			cols[0], cols[1], cols[2], cols[3], cols[4],
			merged.PeakHour, merged.AvgClicksPerHour)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE daily_summaries SET total_clicks = $3, unique_visitors = $4,
				top_countries = $5, top_referrers = $6, device_breakdown = $7,
				browser_breakdown = $8, hourly_distribution = $9,
				peak_hour = $10, avg_clicks_per_hour = $11
			WHERE short_code = $1 AND date = $2::date`,
			merged.ShortCode, merged.Date, merged.TotalClicks, merged.UniqueVisitors,
			cols[0], cols[1], cols[2], cols[3], cols[4],
			merged.PeakHour, merged.AvgClicksPerHour)
	}
	if err != nil {
		return false, classify(err, "write summary row")
	}
	if err := tx.Commit(); err != nil {
		return false, classify(err, "commit apply window")
	}
	return true, nil
}

// GetDailySummaries returns rollups for one code across an inclusive day
// range, oldest first.
func (s *SummaryStore) GetDailySummaries(ctx context.Context, code string, from, to time.Time) ([]shortlink.DailySummary, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+summaryColumns+` FROM daily_summaries
		WHERE short_code = $1 AND date BETWEEN $2::date AND $3::date
		ORDER BY date`,
		code, shortlink.DayOf(from), shortlink.DayOf(to))
	if err != nil {
		return nil, classify(err, "list daily summaries "+code)
	}
	out := make([]shortlink.DailySummary, 0, len(rows))
	for i := range rows {
		s, convErr := rows[i].toDomain()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, *s)
	}
	return out, nil
}

// mergeWindow folds the delta into the summary. Pure so the arithmetic is
// testable without a database.
func mergeWindow(cur *shortlink.DailySummary, d WindowDelta, topLimit int) *shortlink.DailySummary {
	out := *cur
	out.TotalClicks += d.Clicks
	if d.UniqueIPs > out.UniqueVisitors {
		out.UniqueVisitors = d.UniqueIPs
	}

	out.TopCountries = topList(addCounts(toCounts(out.TopCountries,
		func(c shortlink.CountryClicks) (string, int64) { return c.Country, c.Clicks }), d.Countries),
		topLimit, func(k string, v int64) shortlink.CountryClicks {
			return shortlink.CountryClicks{Country: k, Clicks: v}
		})
	out.TopReferrers = topList(addCounts(toCounts(out.TopReferrers,
		func(c shortlink.ReferrerClicks) (string, int64) { return c.Referrer, c.Clicks }), d.Referrers),
		topLimit, func(k string, v int64) shortlink.ReferrerClicks {
			return shortlink.ReferrerClicks{Referrer: k, Clicks: v}
		})
	out.DeviceBreakdown = topList(addCounts(toCounts(out.DeviceBreakdown,
		func(c shortlink.DeviceClicks) (string, int64) { return c.Device, c.Clicks }), d.Devices),
		topLimit, func(k string, v int64) shortlink.DeviceClicks {
			return shortlink.DeviceClicks{Device: k, Clicks: v}
		})
	out.BrowserBreakdown = topList(addCounts(toCounts(out.BrowserBreakdown,
		func(c shortlink.BrowserClicks) (string, int64) { return c.Browser, c.Clicks }), d.Browsers),
		topLimit, func(k string, v int64) shortlink.BrowserClicks {
			return shortlink.BrowserClicks{Browser: k, Clicks: v}
		})

	var hours [24]int64
	for _, h := range cur.HourlyDistribution {
		if h.Hour >= 0 && h.Hour < 24 {
			hours[h.Hour] = h.Clicks
		}
	}
	hours[d.WindowStart.UTC().Hour()] += d.Clicks

	out.HourlyDistribution = make([]shortlink.HourClicks, 24)
	peak, best := 0, int64(-1)
	var total int64
	for h, clicks := range hours {
		out.HourlyDistribution[h] = shortlink.HourClicks{Hour: h, Clicks: clicks}
		total += clicks
		if clicks > best {
			best, peak = clicks, h
		}
	}
	out.PeakHour = peak
	out.AvgClicksPerHour = float64(total) / 24.0
	return &out
}

// toCounts flattens a dimension list into a value→clicks map.
func toCounts[T any](items []T, kv func(T) (string, int64)) map[string]int64 {
	m := make(map[string]int64, len(items))
	for _, it := range items {
		k, v := kv(it)
		m[k] += v
	}
	return m
}

// addCounts adds the window's counters into the accumulated map.
func addCounts(m, add map[string]int64) map[string]int64 {
	for k, v := range add {
		m[k] += v
	}
	return m
}

// topList renders a counter map as a list sorted by clicks descending (value
// ascending on ties) and capped at limit.
func topList[T any](m map[string]int64, limit int, mk func(string, int64) T) []T {
	type kv struct {
		k string
		v int64
	}
	flat := make([]kv, 0, len(m))
	for k, v := range m {
		flat = append(flat, kv{k, v})
	}
	sort.Slice(flat, func(i, j int) bool {
		if flat[i].v != flat[j].v {
			return flat[i].v > flat[j].v
		}
		return flat[i].k < flat[j].k
	})
	if limit > 0 && len(flat) > limit {
		flat = flat[:limit]
	}
	out := make([]T, len(flat))
	for i, e := range flat {
		out[i] = mk(e.k, e.v)
	}
	return out
}
