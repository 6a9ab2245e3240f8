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

package community

import "context"

// Store is the durable projection of the community state. Saves are upserts
// keyed by id (agent id for reputation).
type Store interface {
	SaveForum(ctx context.Context, f *Forum) error
	SavePost(ctx context.Context, p *Post) error
	SaveJob(ctx context.Context, j *Job) error
	SaveApplication(ctx context.Context, a *Application) error
	SaveReputation(ctx context.Context, r *Reputation) error

	// Load returns everything persisted, for warm starts.
	Load(ctx context.Context) (*State, error)
}

// State is a full snapshot of the persisted community data.
type State struct {
	Forums       []*Forum
	Posts        []*Post
	Jobs         []*Job
	Applications []*Application
	Reputations  []*Reputation
}
