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

// State is the lifecycle state of a hosted agent.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateError        State = "error"
	StateTerminated   State = "terminated"
)

// transitions lists the states each state may move to. terminated is
// absorbing; error requires a manual recover back to ready.
var transitions = map[State][]State{
	StateCreated:      {StateInitializing, StateTerminated},
	StateInitializing: {StateReady, StateError, StateTerminated},
	StateReady:        {StateRunning, StatePaused, StateError, StateTerminated},
	StateRunning:      {StateReady, StatePaused, StateError, StateTerminated},
	StatePaused:       {StateReady, StateTerminated},
	StateError:        {StateReady, StateTerminated},
	StateTerminated:   nil,
}

// Valid reports whether s names a known lifecycle state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether an agent in from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
