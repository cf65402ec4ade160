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

package shortlink

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"
)

// TestEncode_KnownValues pins the codec to the canonical alphabet
// (digits, then uppercase, then lowercase). If any of these change,
// every short code already in the wild decodes to a different ID.
func TestEncode_KnownValues(t *testing.T) {
	testCases := []struct {
		n      uint64
		minLen int
		want   string
	}{
		{0, 1, "0"},
		{1, 1, "1"},
		{9, 1, "9"},
		{10, 1, "A"},
		{35, 1, "Z"},
		{36, 1, "a"},
		{61, 1, "z"},
		{62, 1, "10"},
		{125, 1, "21"},
		{3843, 1, "zz"},
		{3844, 1, "100"},
		{1000000, 1, "4C92"},
		{56800235583, 1, "zzzzzz"}, // largest six-character value
		{math.MaxUint64, 1, "LygHa16AHYF"},
		// Padding cases.
		{0, 7, "0000000"},
		{1000000, 7, "0004C92"},
		{math.MaxUint64, 7, "LygHa16AHYF"}, // already longer than minLen
	}

	for _, tc := range testCases {
		if got := Encode(tc.n, tc.minLen); got != tc.want {
			t.Errorf("Encode(%d, %d) = %q, want %q", tc.n, tc.minLen, got, tc.want)
		}
	}
}

// TestDecode_RoundTrip verifies Decode(Encode(n, k)) == n across boundary
// values and a deterministic pseudo-random sample, with and without padding.
func TestDecode_RoundTrip(t *testing.T) {
	values := []uint64{0, 1, 61, 62, 3843, 3844, 1000000, 56800235583, math.MaxUint64}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		values = append(values, rng.Uint64())
	}

	for _, n := range values {
		for _, minLen := range []int{1, 7, 11} {
			s := Encode(n, minLen)
			if minLen == 7 && len(s) < 7 {
				t.Fatalf("Encode(%d, 7) = %q, shorter than minLen", n, s)
			}
			got, err := Decode(s)
			if err != nil {
				t.Fatalf("Decode(%q) returned error: %v", s, err)
			}
			if got != n {
				t.Fatalf("Decode(Encode(%d, %d)) = %d, want %d", n, minLen, got, n)
			}
		}
	}
}

// TestDecode_LeadingZeros confirms padding never changes the decoded value,
// which is what makes minLen-padded codes safe to mint.
func TestDecode_LeadingZeros(t *testing.T) {
	for _, s := range []string{"4C92", "04C92", "0004C92", "00000004C92"} {
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("Decode(%q) returned error: %v", s, err)
		}
		if got != 1000000 {
			t.Errorf("Decode(%q) = %d, want 1000000", s, got)
		}
	}
}

// TestDecode_Rejects covers the three failure classes: empty input, bytes
// outside the alphabet, and values that do not fit in uint64. All must
// classify as validation errors.
func TestDecode_Rejects(t *testing.T) {
	testCases := []struct {
		name string
		in   string
	}{
		{"Empty", ""},
		{"Punctuation", "abc!"},
		{"Underscore", "abc_def"},
		{"Hyphen", "abc-def"},
		{"Space", "a b"},
		{"NonASCII", "abç"},
		{"OverflowByOne", "LygHa16AHYG"},
		{"OverflowLong", strings.Repeat("z", 12)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.in); err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", tc.in)
			} else if !errors.Is(err, ErrValidation) {
				t.Fatalf("Decode(%q) error %v is not a validation error", tc.in, err)
			}
		})
	}
}

// TestIsValid exercises the cheap alphabet gate used before any decode work.
func TestIsValid(t *testing.T) {
	valid := []string{"0", "z", "0004C92", "LygHa16AHYF", strings.Repeat("z", 30)}
	for _, s := range valid {
		if !IsValid(s) {
			t.Errorf("IsValid(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "has space", "semi;colon", "under_score", "dash-ed", "abç"}
	for _, s := range invalid {
		if IsValid(s) {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}

// TestEncode_Injective spot-checks that nearby IDs never collide at a fixed
// width, the property the allocator depends on when handing out ranges.
func TestEncode_Injective(t *testing.T) {
	seen := make(map[string]uint64, 2048)
	for n := uint64(999000); n < 1001048; n++ {
		s := Encode(n, 7)
		if prev, dup := seen[s]; dup {
			t.Fatalf("Encode collision: %d and %d both map to %q", prev, n, s)
		}
		seen[s] = n
	}
}

func BenchmarkEncode(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = Encode(1_000_000+uint64(i), 7)
	}
}

func BenchmarkDecode(b *testing.B) {
	code := Encode(1_000_000, 7)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(code)
	}
}
