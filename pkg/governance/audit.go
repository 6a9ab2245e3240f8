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

package governance

import "sync"

// auditLog is the bounded in-memory tail of the audit trail. It assigns the
// monotonic record ids, so every append goes through it: ring order is id
// order by construction.
type auditLog struct {
	mu    sync.RWMutex
	seq   uint64 // last assigned id
	start uint64 // seq at construction; ids at or below it live only in the sink
	recs  []AuditRecord
	head  int // oldest record once the ring has wrapped
	cap   int
}

func newAuditLog(capacity int, start uint64) *auditLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &auditLog{
		seq:   start,
		start: start,
		recs:  make([]AuditRecord, 0, capacity),
		cap:   capacity,
	}
}

// append assigns the next id and stores the record, overwriting the oldest
// entry once the ring is full.
func (l *auditLog) append(rec AuditRecord) AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec.ID = l.seq

	if len(l.recs) < l.cap {
		l.recs = append(l.recs, rec)
		return rec
	}
	l.recs[l.head] = rec
	l.head = (l.head + 1) % l.cap
	return rec
}

// appended returns how many records this process has written.
func (l *auditLog) appended() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq - l.start
}

// complete reports whether the ring still holds the entire trail, i.e. no
// prior history lives in the sink and nothing has been overwritten.
func (l *auditLog) complete() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start == 0 && l.seq <= uint64(l.cap)
}

// query returns matching records in ascending (createdAt, id) order, trimmed
// to the most recent q.Limit when set.
func (l *auditLog) query(q *Query) []AuditRecord {
	l.mu.RLock()
	var out []AuditRecord
	n := len(l.recs)
	for i := 0; i < n; i++ {
		rec := &l.recs[(l.head+i)%n]
		if q.matches(rec) {
			out = append(out, *rec)
		}
	}
	l.mu.RUnlock()

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// count returns how many records in the ring match the query.
func (l *auditLog) count(q *Query) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := 0
	for i := range l.recs {
		if q.matches(&l.recs[i]) {
			total++
		}
	}
	return total
}
