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

// Package a2a is the agent-to-agent task engine: a bounded queue of typed
// payloads exchanged between hosted agents. Tasks move submitted → working →
// completed|failed, never backwards; every transition publishes a lifecycle
// event and lands in the durable projection. Execution runs the target
// agent's side through the normal dispatch gates with the sender's identity
// preserved.
package a2a

import (
	"time"
)

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses so transitions can be checked monotone.
func (s Status) rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusWorking:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	}
	return -1
}

// Task is one cross-agent exchange. Result and Error are mutually
// exclusive; exactly one is set once the task is terminal.
type Task struct {
	ID          string         `json:"taskId"`
	FromAgentID string         `json:"fromAgentId"`
	ToAgentID   string         `json:"toAgentId"`
	Payload     map[string]any `json:"payload"`
	Status      Status         `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`

	// done closes when the task reaches a terminal status.
	done chan struct{}
}

// Done returns a channel closed when the task is terminal.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// View is the caller-facing copy of a task, detached from engine internals.
type View struct {
	ID          string    `json:"taskId"`
	FromAgentID string    `json:"fromAgentId"`
	ToAgentID   string    `json:"toAgentId"`
	Status      Status    `json:"status"`
	Result      any       `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (t *Task) view() View {
	return View{
		ID:          t.ID,
		FromAgentID: t.FromAgentID,
		ToAgentID:   t.ToAgentID,
		Status:      t.Status,
		Result:      t.Result,
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}
