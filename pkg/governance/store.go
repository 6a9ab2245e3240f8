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

import "context"

// Sink is the durable audit trail behind the in-memory ring.
type Sink interface {
	// Append writes a batch of records. Batches arrive in id order from the
	// async writer, with an occasional out-of-band single record when the
	// queue overflows; queries re-establish the total order.
	Append(ctx context.Context, batch []AuditRecord) error

	// Query returns matching records in ascending (createdAt, id) order,
	// trimmed to the most recent q.Limit when set.
	Query(ctx context.Context, q Query) ([]AuditRecord, error)

	// LastID returns the highest persisted record id, or zero. The service
	// resumes its monotonic counter from it.
	LastID(ctx context.Context) (uint64, error)
}

// Store is the durable projection of moderation state. All Save methods are
// upserts keyed by id.
type Store interface {
	SavePolicy(ctx context.Context, p *Policy) error
	SaveCase(ctx context.Context, c *Case) error
	SaveSanction(ctx context.Context, sn *Sanction) error
	SaveAppeal(ctx context.Context, a *Appeal) error

	// SaveEnforcement persists a case and its sanction in one transaction.
	// sn may be nil for sanction-less violations.
	SaveEnforcement(ctx context.Context, c *Case, sn *Sanction) error

	// SaveAppealResolution persists a decided appeal, the case it closed
	// (nil when untouched), and the lifted sanctions in one transaction.
	SaveAppealResolution(ctx context.Context, a *Appeal, c *Case, lifted []*Sanction) error

	// Load returns the persisted moderation state for warm start.
	Load(ctx context.Context) (*State, error)
}

// State is everything Load returns.
type State struct {
	Policies  []*Policy
	Cases     []*Case
	Sanctions []*Sanction
	Appeals   []*Appeal
}
