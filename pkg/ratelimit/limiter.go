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

// Package ratelimit provides the per-connection token bucket used by the
// gateway transport. The bucket refills continuously rather than on a
// fixed window, so a burst at a minute boundary cannot double the rate.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket sized to a per-minute message budget. The
// capacity equals the budget, so a fresh connection may burst up to one
// minute of traffic before refill pacing takes over.
type Bucket struct {
	mu     sync.Mutex
	tokens float64
	cap    float64
	rate   float64 // tokens per second
	last   time.Time

	now func() time.Time
}

// NewBucket creates a bucket allowing perMinute messages per minute.
// A non-positive budget yields an unlimited bucket.
func NewBucket(perMinute int) *Bucket {
	b := &Bucket{now: time.Now}
	if perMinute > 0 {
		b.cap = float64(perMinute)
		b.rate = float64(perMinute) / 60.0
		b.tokens = b.cap
	}
	b.last = b.now()
	return b
}

// Allow consumes one token, reporting whether the caller may proceed.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cap == 0 {
		return true
	}

	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.cap {
			b.tokens = b.cap
		}
		b.last = now
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining reports the whole tokens currently available.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cap == 0 {
		return int(^uint(0) >> 1)
	}
	now := b.now()
	tokens := b.tokens + now.Sub(b.last).Seconds()*b.rate
	if tokens > b.cap {
		tokens = b.cap
	}
	return int(tokens)
}
