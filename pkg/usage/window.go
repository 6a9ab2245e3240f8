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

package usage

import "time"

// windowMillis is the length of one usage window.
const windowMillis = 60_000

// Window holds the per-minute counters for one agent. WindowStart is epoch
// milliseconds; a zero-value Window is expired and rolls on first use.
type Window struct {
	WindowStart int64 `json:"windowStart"`
	Requests    int   `json:"requestsThisMinute"`
	ToolCalls   int   `json:"toolCallsThisMinute"`
	Tokens      int   `json:"tokensThisMinute"`
}

// Expired reports whether the window is at least one minute old.
func (w *Window) Expired(now time.Time) bool {
	return now.UnixMilli()-w.WindowStart >= windowMillis
}

// Roll resets the window when it has expired and reports whether it did.
func (w *Window) Roll(now time.Time) bool {
	if !w.Expired(now) {
		return false
	}
	*w = Window{WindowStart: now.UnixMilli()}
	return true
}

// Add folds d into the window. Counters never go below zero.
func (w *Window) Add(d Delta) {
	w.Requests = clampAdd(w.Requests, d.Requests)
	w.ToolCalls = clampAdd(w.ToolCalls, d.ToolCalls)
	w.Tokens = clampAdd(w.Tokens, d.Tokens)
}

// Delta is the amount one task folds into a usage window. Request and
// tool-call deltas must be non-negative; token deltas may be negative to
// correct an earlier estimate against reported provider usage.
type Delta struct {
	Requests  int
	ToolCalls int
	Tokens    int
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Negate returns the delta that reverses d.
func (d Delta) Negate() Delta {
	return Delta{Requests: -d.Requests, ToolCalls: -d.ToolCalls, Tokens: -d.Tokens}
}

func clampAdd(current, delta int) int {
	v := current + delta
	if v < 0 {
		return 0
	}
	return v
}
