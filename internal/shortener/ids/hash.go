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
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"shortlink"
)

// CodeProber is the store dependency for collision checks.
type CodeProber interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// HashOptions tune the fallback generator.
type HashOptions struct {
	// Algo selects the digest: "md5" or "sha256". Default sha256.
	Algo string
	// MinLen left-pads the Base62 code. Default 7.
	MinLen int
	// MaxRetries bounds collision re-rolls. Default 3.
	MaxRetries int
	// Salt, when set, is mixed into every attempt.
	Salt string
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (o *HashOptions) setDefaults() {
	if o.Algo == "" {
		o.Algo = "sha256"
	}
	if o.MinLen <= 0 {
		o.MinLen = 7
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// HashResult carries the minted code plus how many collisions were re-rolled.
type HashResult struct {
	Code       string
	Collisions int
}

// HashGenerator mints codes by hashing the target URL with a timestamp nonce.
// Unlike the counter path it needs a store probe per attempt, which is why it
// is the fallback and not the default.
type HashGenerator struct {
	opts   HashOptions
	prober CodeProber
}

// NewHashGenerator builds the fallback generator.
func NewHashGenerator(prober CodeProber, opts HashOptions) (*HashGenerator, error) {
	opts.setDefaults()
	if opts.Algo != "md5" && opts.Algo != "sha256" {
		return nil, errors.Wrapf(shortlink.ErrValidation, "unsupported hash algo %q", opts.Algo)
	}
	return &HashGenerator{opts: opts, prober: prober}, nil
}

// Generate mints a code for input, re-rolling on collision up to MaxRetries.
// Exhausting every attempt reports a conflict-kind error.
func (g *HashGenerator) Generate(ctx context.Context, input string) (HashResult, error) {
	var res HashResult
	for attempt := 1; attempt <= g.opts.MaxRetries; attempt++ {
		code := g.mint(input, attempt)
		exists, err := g.prober.CodeExists(ctx, code)
		if err != nil {
			return res, errors.Wrap(err, "probe hash code")
		}
		if !exists {
			res.Code = code
			return res, nil
		}
		res.Collisions++
	}
	return res, errors.Wrapf(shortlink.ErrConflict,
		"hash generation exhausted after %d attempts", g.opts.MaxRetries)
}

// mint derives one candidate code. The attempt counter and nanosecond stamp
// decorrelate retries for the same URL.
func (g *HashGenerator) mint(input string, attempt int) string {
	payload := input
	if attempt > 1 {
		payload += "-attempt-" + strconv.Itoa(attempt)
	}
	if g.opts.Salt != "" {
		payload += "-salt-" + g.opts.Salt
	}
	payload += fmt.Sprintf("-ts-%d", g.opts.Clock().UnixNano())

	var hexDigest string
	switch g.opts.Algo {
	case "md5":
		hexDigest = fmt.Sprintf("%x", md5.Sum([]byte(payload)))
	default:
		hexDigest = fmt.Sprintf("%x", sha256.Sum256([]byte(payload)))
	}

	// First 40 bits of the digest keep the numeric value inside seven Base62
	// characters.
	n, _ := strconv.ParseUint(hexDigest[:10], 16, 64)
	return shortlink.Encode(n, g.opts.MinLen)
}
