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
	"math"
	"strings"

	"github.com/pkg/errors"
)

// base62Digits is the canonical alphabet for short codes: decimal digits first,
// then uppercase, then lowercase. The zero digit '0' doubles as the padding
// character, so left-padding never changes the decoded value.
const base62Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base62 = uint64(62)

// base62Index maps a byte to its digit value, or -1 for bytes outside the alphabet.
var base62Index [256]int8

func init() {
	for i := range base62Index {
		base62Index[i] = -1
	}
	for i := 0; i < len(base62Digits); i++ {
		base62Index[base62Digits[i]] = int8(i)
	}
}

// Encode renders n as a big-endian Base62 string, left-padded with '0' to at
// least minLen characters. Encoding is pure and injective: distinct inputs
// yield distinct outputs for any fixed minLen, and padding is reversible
// because '0' is the zero digit.
func Encode(n uint64, minLen int) string {
	// 64-bit values need at most 11 Base62 digits.
	var buf [11]byte
	i := len(buf)
	for {
		i--
		buf[i] = base62Digits[n%base62]
		n /= base62
		if n == 0 {
			break
		}
	}
	s := string(buf[i:])
	if pad := minLen - len(s); pad > 0 {
		s = strings.Repeat("0", pad) + s
	}
	return s
}

// Decode is the inverse of Encode. It rejects empty strings, characters outside
// the Base62 alphabet, and values that overflow uint64; all three surface as
// validation-kind errors.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, errors.Wrap(ErrValidation, "empty short code")
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		d := base62Index[s[i]]
		if d < 0 {
			return 0, errors.Wrapf(ErrValidation, "invalid base62 character %q at position %d", s[i], i)
		}
		// n*62+d must stay within uint64; the bound is exact, not a wrap probe.
		if n > (math.MaxUint64-uint64(d))/base62 {
			return 0, errors.Wrap(ErrValidation, "base62 value overflows uint64")
		}
		n = n*base62 + uint64(d)
	}
	return n, nil
}

// IsValid reports whether s is non-empty and contains only Base62 characters.
// It does not bound the length; code-length policy belongs to the caller.
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if base62Index[s[i]] < 0 {
			return false
		}
	}
	return true
}
