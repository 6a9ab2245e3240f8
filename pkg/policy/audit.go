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

package policy

import (
	"sync"
	"time"
)

// AuditEntry records one evaluation. RuleID is empty when the default
// decision applied.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	Request  Request   `json:"request"`
	Decision Decision  `json:"decision"`
	RuleID   string    `json:"ruleId,omitempty"`
}

// auditRing is a fixed-size circular buffer of the most recent entries.
type auditRing struct {
	mu   sync.Mutex
	buf  []AuditEntry
	next int
	full bool
}

func newAuditRing(size int) *auditRing {
	if size <= 0 {
		size = 1
	}
	return &auditRing{buf: make([]AuditEntry, size)}
}

func (r *auditRing) add(e AuditEntry) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns the retained entries oldest first.
func (r *auditRing) snapshot() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]AuditEntry, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]AuditEntry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
