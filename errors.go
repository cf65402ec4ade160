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
	"fmt"
)

// Error kinds shared across the module. Callers classify failures with
// errors.Is against these sentinels; packages add call-site context by
// wrapping. A failure in a non-critical side effect (cache write, click
// publish, enrichment) must never surface through these — those are logged
// and swallowed inside the owning component.
var (
	// ErrNotFound reports a lookup miss: unknown, expired, or tombstoned code.
	ErrNotFound = errors.New("short code not found")

	// ErrExpired refines ErrNotFound for mappings past their expires-at.
	// errors.Is(err, ErrNotFound) holds for expired codes too.
	ErrExpired = fmt.Errorf("mapping expired: %w", ErrNotFound)

	// ErrValidation reports rejected input (bad code characters, bad alias,
	// malformed parameters).
	ErrValidation = errors.New("validation failed")

	// ErrConflict reports a uniqueness collision that survived retries.
	ErrConflict = errors.New("conflict")

	// ErrAliasTaken refines ErrConflict for custom aliases that are already
	// bound to a live mapping.
	ErrAliasTaken = fmt.Errorf("alias already taken: %w", ErrConflict)

	// ErrIDUnavailable reports that neither the counter nor the hash fallback
	// can mint codes. It is the only breaker condition callers ever see; the
	// hash-fallback mode is transparent.
	ErrIDUnavailable = errors.New("id generation unavailable")
)
