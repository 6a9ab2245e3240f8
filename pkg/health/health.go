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

// Package health sweeps the agent registry on an interval and grades each
// agent from its state, resource utilization, idle time, and error history.
// Status changes and token-usage anomalies surface as bus events; the sweep
// never mutates the agents it grades.
package health

import "time"

// Status grades an agent or a single check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
	StatusCritical:  3,
}

// Worst returns the most severe of the given statuses.
func Worst(statuses ...Status) Status {
	worst := StatusHealthy
	for _, s := range statuses {
		if severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}

// Check is one named probe within an agent's evaluation.
type Check struct {
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Value   float64 `json:"value"`
	Message string  `json:"message,omitempty"`
}

// Result is the full evaluation of one agent at a point in time.
type Result struct {
	AgentID   string    `json:"agentId"`
	Status    Status    `json:"status"`
	Checks    []Check   `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}
