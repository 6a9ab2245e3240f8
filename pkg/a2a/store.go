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

package a2a

import (
	"context"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Store is the durable projection of task state and lifecycle events. The
// engine remains authoritative; write failures are logged, never surfaced
// to callers.
type Store interface {
	// SaveTask upserts the task's current view alongside its payload.
	SaveTask(ctx context.Context, v View, payload map[string]any) error

	// SaveEvent appends one lifecycle event.
	SaveEvent(ctx context.Context, event *protocol.Event) error

	// DeleteTasksBefore prunes terminal tasks last updated before cutoff,
	// returning the number removed.
	DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
