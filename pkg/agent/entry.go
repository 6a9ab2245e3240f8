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

package agent

import (
	"sync"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Entry is the registry's record of one hosted agent. Identity and manifest
// are immutable after spawn; state, timestamps, and accounting are guarded
// by the entry's own lock so one agent's bookkeeping never blocks another
// agent's tasks. Callers must not hold the lock across I/O: snapshot, do the
// call, fold results back in.
type Entry struct {
	ID         string
	ExternalID string
	Config     *config.AgentConfig
	NodeID     string
	CreatedAt  time.Time

	mu           sync.Mutex
	state        State
	lastActiveAt time.Time
	deletedAt    *time.Time

	inputTokens       int64
	outputTokens      int64
	cumulativeCost    float64
	memoryBytes       int64
	consecutiveErrors int

	// error-rate window, rolled hourly
	hourStart  time.Time
	hourTasks  int
	hourErrors int
}

// Snapshot is a point-in-time copy of an entry for views and the durable
// projection. Minute-window counters live in the usage store and are
// attached by callers that need them.
type Snapshot struct {
	ID              string               `json:"id"`
	ExternalID      string               `json:"externalId"`
	Name            string               `json:"name"`
	ManifestVersion string               `json:"manifestVersion"`
	TrustLevel      string               `json:"trustLevel"`
	Model           string               `json:"model,omitempty"`
	State           State                `json:"state"`
	NodeID          string               `json:"nodeId,omitempty"`
	Tools           []string             `json:"tools,omitempty"`
	Skills          []config.SkillConfig `json:"skills,omitempty"`
	InputTokens     int64                `json:"inputTokens"`
	OutputTokens    int64                `json:"outputTokens"`
	CumulativeCost  float64              `json:"cumulativeCost"`
	MemoryBytes     int64                `json:"memoryBytes"`
	CreatedAt       time.Time            `json:"createdAt"`
	LastActiveAt    time.Time            `json:"lastActiveAt"`
	DeletedAt       *time.Time           `json:"deletedAt,omitempty"`
}

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastActiveAt returns the last activity stamp.
func (e *Entry) LastActiveAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActiveAt
}

// Touch marks the agent active.
func (e *Entry) Touch(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActiveAt = now
}

// transition applies the state machine. It returns the previous state so the
// registry can include it in the lifecycle event.
func (e *Entry) transition(to State, now time.Time) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state
	if !CanTransition(from, to) {
		return from, protocol.Errorf(protocol.CodeConflict,
			"cannot transition agent from %s to %s", from, to)
	}
	e.state = to
	e.lastActiveAt = now
	if to == StateTerminated {
		at := now
		e.deletedAt = &at
	}
	return from, nil
}

// terminatedAt returns the deletion stamp of a terminated entry.
func (e *Entry) terminatedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deletedAt == nil {
		return time.Time{}, false
	}
	return *e.deletedAt, true
}

// FoldUsage adds a completed call's token and cost consumption. Cumulative
// cost never decreases; negative deltas are dropped.
func (e *Entry) FoldUsage(inputTokens, outputTokens int64, cost float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputTokens += inputTokens
	e.outputTokens += outputTokens
	if cost > 0 {
		e.cumulativeCost += cost
	}
}

// CumulativeCost returns the lifetime spend, read by the budget gate.
func (e *Entry) CumulativeCost() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cumulativeCost
}

// RecordOutcome notes a finished task for the error-rate and
// consecutive-error health checks.
func (e *Entry) RecordOutcome(failed bool, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollHour(now)
	e.hourTasks++
	if failed {
		e.hourErrors++
		e.consecutiveErrors++
	} else {
		e.consecutiveErrors = 0
	}
	e.lastActiveAt = now
}

// ErrorRate returns the failed fraction of tasks in the current hour window.
func (e *Entry) ErrorRate(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollHour(now)
	if e.hourTasks == 0 {
		return 0
	}
	return float64(e.hourErrors) / float64(e.hourTasks)
}

// ConsecutiveErrors returns the current run of failed tasks.
func (e *Entry) ConsecutiveErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrors
}

// SetMemoryBytes records the agent's current estimated memory footprint.
func (e *Entry) SetMemoryBytes(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n < 0 {
		n = 0
	}
	e.memoryBytes = n
}

// MemoryBytes returns the recorded memory footprint.
func (e *Entry) MemoryBytes() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memoryBytes
}

// rollHour resets the error-rate window once it is an hour old.
// Callers must hold e.mu.
func (e *Entry) rollHour(now time.Time) {
	if now.Sub(e.hourStart) >= time.Hour {
		e.hourStart = now
		e.hourTasks = 0
		e.hourErrors = 0
	}
}

// Snapshot copies the entry under its lock.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		ID:              e.ID,
		ExternalID:      e.ExternalID,
		Name:            e.Config.Name,
		ManifestVersion: e.Config.ManifestVersion,
		TrustLevel:      e.Config.TrustLevel,
		Model:           e.Config.Model,
		State:           e.state,
		NodeID:          e.NodeID,
		Tools:           append([]string(nil), e.Config.Tools...),
		Skills:          append([]config.SkillConfig(nil), e.Config.Skills...),
		InputTokens:     e.inputTokens,
		OutputTokens:    e.outputTokens,
		CumulativeCost:  e.cumulativeCost,
		MemoryBytes:     e.memoryBytes,
		CreatedAt:       e.CreatedAt,
		LastActiveAt:    e.lastActiveAt,
	}
	if e.deletedAt != nil {
		at := *e.deletedAt
		s.DeletedAt = &at
	}
	return s
}
