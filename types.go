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

// Package shortlink defines the shared vocabulary of the URL shortener core:
// the Base62 short-code codec, the persistent and wire-level record types, and
// the error kinds every subsystem classifies against. The packages under
// internal/shortener build the hot lookup path, the ID minting service, the
// click analytics pipeline, and the expiry lifecycle on top of these types.
package shortlink

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Short-code length policy. Generated codes are Base62 and seven characters by
// default; custom aliases additionally allow '_' and '-'.
const (
	MinCodeLen = 3
	MaxCodeLen = 30

	// MaxURLLength bounds accepted target URLs.
	MaxURLLength = 2048
)

// codePattern is the storage-key gate: every persisted short code, generated
// or aliased, matches it.
var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,30}$`)

// ValidCode reports whether s is acceptable as a stored short code. It is a
// superset of the Base62 alphabet because custom aliases may carry '_' and '-'.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// HashURL returns the canonical content hash of a target URL (hex-encoded
// SHA-256), persisted alongside the mapping for duplicate detection.
func HashURL(longURL string) string {
	sum := sha256.Sum256([]byte(longURL))
	return hex.EncodeToString(sum[:])
}

// Mapping is the persistent record binding a short code to a target URL plus
// lifecycle metadata. The store owns it; cache layers hold snapshots whose
// freshness is bounded by TTL and explicit invalidation.
type Mapping struct {
	ShortCode      string     `db:"short_code"`
	LongURL        string     `db:"long_url"`
	LongURLHash    string     `db:"long_url_hash"`
	CreatedAt      time.Time  `db:"created_at"`
	ExpiresAt      *time.Time `db:"expires_at"`
	UserID         *string    `db:"user_id"`
	IsCustomAlias  bool       `db:"is_custom_alias"`
	IsDeleted      bool       `db:"is_deleted"`
	DeletedAt      *time.Time `db:"deleted_at"`
	LastAccessedAt *time.Time `db:"last_accessed_at"`
	AccessCount    int64      `db:"access_count"`
}

// Expired reports whether the mapping's expires-at has passed. Mappings with
// no expires-at never expire.
func (m *Mapping) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Live reports whether the mapping may be served: not tombstoned and not expired.
func (m *Mapping) Live(now time.Time) bool {
	return !m.IsDeleted && !m.Expired(now)
}

// TimeToExpiry returns the remaining lifetime and true when expires-at is set,
// or (0, false) for non-expiring mappings. The remainder is clamped at zero.
func (m *Mapping) TimeToExpiry(now time.Time) (time.Duration, bool) {
	if m.ExpiresAt == nil {
		return 0, false
	}
	d := m.ExpiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// wireTimeLayout is the canonical timestamp format on every serialized
// boundary (bus messages, cache entries): UTC, millisecond precision.
const wireTimeLayout = "2006-01-02T15:04:05.000Z"

// WireTime wraps time.Time with the fixed serialization format. Unmarshaling
// accepts the canonical layout plus plain RFC 3339 variants; anything else is
// rejected so adapters can treat the entry as malformed.
type WireTime time.Time

// MarshalJSON renders the canonical UTC millisecond layout.
func (t WireTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format(wireTimeLayout) + `"`), nil
}

// UnmarshalJSON parses the canonical layout, falling back to RFC 3339 forms.
func (t *WireTime) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("timestamp is not a JSON string: %w", ErrValidation)
	}
	s := string(b[1 : len(b)-1])
	for _, layout := range []string{wireTimeLayout, time.RFC3339Nano, time.RFC3339} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = WireTime(parsed.UTC())
			return nil
		}
	}
	return fmt.Errorf("malformed timestamp %q: %w", s, ErrValidation)
}

// Time returns the underlying time.Time in UTC.
func (t WireTime) Time() time.Time { return time.Time(t).UTC() }

// ClickEvent is the canonical bus payload for one redirect. Events sharing a
// short code are delivered in partition order; across codes there is no global
// order. EventID is the at-least-once dedup handle.
type ClickEvent struct {
	EventID     string   `json:"eventId"`
	ShortCode   string   `json:"shortCode"`
	Timestamp   WireTime `json:"timestamp"`
	IPAddress   string   `json:"ipAddress,omitempty"`
	UserAgent   string   `json:"userAgent,omitempty"`
	Referrer    string   `json:"referrer,omitempty"`
	CountryCode string   `json:"countryCode,omitempty"`
	Region      string   `json:"region,omitempty"`
	City        string   `json:"city,omitempty"`
	DeviceType  string   `json:"deviceType,omitempty"`
	Browser     string   `json:"browser,omitempty"`
	OS          string   `json:"os,omitempty"`
}

// Per-dimension click tallies as persisted inside daily-summary JSON columns.
type (
	// CountryClicks is one entry of a summary's top-countries list.
	CountryClicks struct {
		Country string `json:"country"`
		Clicks  int64  `json:"clicks"`
	}
	// ReferrerClicks is one entry of a summary's top-referrers list.
	ReferrerClicks struct {
		Referrer string `json:"referrer"`
		Clicks   int64  `json:"clicks"`
	}
	// DeviceClicks is one entry of a summary's device breakdown.
	DeviceClicks struct {
		Device string `json:"device"`
		Clicks int64  `json:"clicks"`
	}
	// BrowserClicks is one entry of a summary's browser breakdown.
	BrowserClicks struct {
		Browser string `json:"browser"`
		Clicks  int64  `json:"clicks"`
	}
	// HourClicks is one bucket of a summary's 24-slot hourly distribution.
	HourClicks struct {
		Hour   int   `json:"hour"`
		Clicks int64 `json:"clicks"`
	}
)

// DailySummary is the system of record for historical analytics, keyed by
// (short code, UTC date). Updates are commutative additions so replayed
// window flushes cannot corrupt it.
type DailySummary struct {
	ShortCode          string
	Date               string // UTC day, "2006-01-02"
	TotalClicks        int64
	UniqueVisitors     int64
	TopCountries       []CountryClicks
	TopReferrers       []ReferrerClicks
	DeviceBreakdown    []DeviceClicks
	BrowserBreakdown   []BrowserClicks
	HourlyDistribution []HourClicks // exactly 24 buckets, hour 0..23
	PeakHour           int
	AvgClicksPerHour   float64
}

// DayOf formats t's UTC calendar day in the summary key layout.
func DayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
