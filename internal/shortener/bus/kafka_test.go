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

package bus

import "testing"

func deliverRange(t *ackTracker, from, to int64) {
	for off := from; off <= to; off++ {
		t.deliver(off)
	}
}

// TestAckTracker_HoldsBehindUnackedGap: acking offsets past a gap must not
// move the watermark over the gap. This is the window-flush case: one
// window's offsets flush and ack while an earlier window's flush failed;
// committing past the failed window would lose its clicks on a crash.
func TestAckTracker_HoldsBehindUnackedGap(t *testing.T) {
	tr := newAckTracker()
	deliverRange(tr, 90, 100)

	// 90-95 and 100 belong to the flushed window; 96-99 to the failed one.
	for off := int64(90); off <= 95; off++ {
		tr.ack(off)
	}
	tr.ack(100)

	next, moved := tr.commitWatermark()
	if !moved || next != 96 {
		t.Fatalf("watermark = (%d, %v), want (96, true): must stop at the unacked gap", next, moved)
	}

	// Acking 100 again later still cannot advance while 96-99 are open.
	if next, moved := tr.commitWatermark(); moved {
		t.Fatalf("watermark advanced to %d over the unacked gap", next)
	}

	// The failed window retries, flushes, and acks: now the rest commits.
	for off := int64(96); off <= 99; off++ {
		tr.ack(off)
	}
	next, moved = tr.commitWatermark()
	if !moved || next != 101 {
		t.Fatalf("watermark after retry = (%d, %v), want (101, true)", next, moved)
	}
}

// TestAckTracker_OutOfOrderAcksNeverRegress: acks arriving in any order
// produce a monotonic watermark.
func TestAckTracker_OutOfOrderAcksNeverRegress(t *testing.T) {
	tr := newAckTracker()
	deliverRange(tr, 0, 4)

	tr.ack(3)
	tr.ack(1)
	if next, moved := tr.commitWatermark(); moved {
		t.Fatalf("watermark = %d with head unacked, want no movement", next)
	}

	tr.ack(0)
	next, moved := tr.commitWatermark()
	if !moved || next != 2 {
		t.Fatalf("watermark = (%d, %v), want (2, true)", next, moved)
	}

	tr.ack(2)
	next, moved = tr.commitWatermark()
	if !moved || next != 4 {
		t.Fatalf("watermark = (%d, %v), want (4, true): 3 was acked earlier", next, moved)
	}

	tr.ack(4)
	next, moved = tr.commitWatermark()
	if !moved || next != 5 {
		t.Fatalf("watermark = (%d, %v), want (5, true)", next, moved)
	}
}

// TestAckTracker_EmptyAndUnknown: nothing delivered, nothing to commit.
func TestAckTracker_EmptyAndUnknown(t *testing.T) {
	tr := newAckTracker()
	if next, moved := tr.commitWatermark(); moved {
		t.Fatalf("empty tracker moved to %d", next)
	}
	tr.ack(7) // never delivered; must not fabricate a commit
	if next, moved := tr.commitWatermark(); moved {
		t.Fatalf("tracker committed %d for an undelivered offset", next)
	}
}
