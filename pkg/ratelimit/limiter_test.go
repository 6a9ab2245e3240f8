// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"testing"
	"time"
)

func TestBucketAllowsBurstUpToCapacity(t *testing.T) {
	b := NewBucket(5)
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("message %d rejected within burst capacity", i)
		}
	}
	if b.Allow() {
		t.Fatal("6th message allowed with an empty bucket")
	}
}

func TestBucketRefillsOverTime(t *testing.T) {
	clock := time.Unix(0, 0)
	b := NewBucket(60) // one token per second
	b.now = func() time.Time { return clock }
	b.last = clock
	b.tokens = 0

	if b.Allow() {
		t.Fatal("allowed with zero tokens")
	}

	clock = clock.Add(1500 * time.Millisecond)
	if !b.Allow() {
		t.Fatal("rejected after refill window elapsed")
	}
	if b.Allow() {
		t.Fatal("allowed twice after a single token refilled")
	}
}

func TestBucketRefillCapsAtCapacity(t *testing.T) {
	clock := time.Unix(0, 0)
	b := NewBucket(10)
	b.now = func() time.Time { return clock }
	b.last = clock
	b.tokens = 0

	clock = clock.Add(time.Hour)
	if got := b.Remaining(); got != 10 {
		t.Fatalf("Remaining() = %d, want 10", got)
	}
}

func TestUnlimitedBucket(t *testing.T) {
	b := NewBucket(0)
	for i := 0; i < 1000; i++ {
		if !b.Allow() {
			t.Fatalf("unlimited bucket rejected message %d", i)
		}
	}
}
