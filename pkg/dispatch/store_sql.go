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

package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/store"
)

// ProviderUsage is one billed model call, kept for cost reporting across
// restarts. The in-memory usage windows stay authoritative for rate limits.
type ProviderUsage struct {
	AgentID      string
	ProviderID   string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	CreatedAt    time.Time
}

// ProviderUsageStore persists per-call provider usage rows.
type ProviderUsageStore interface {
	SaveProviderUsage(ctx context.Context, row *ProviderUsage) error
}

const providerUsageSchema = `
CREATE TABLE IF NOT EXISTS provider_usage (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    provider_id VARCHAR(255) NOT NULL,
    model VARCHAR(255) NOT NULL,
    input_tokens INTEGER NOT NULL,
    output_tokens INTEGER NOT NULL,
    cost_usd DOUBLE PRECISION NOT NULL,
    latency_ms BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provider_usage_agent ON provider_usage(agent_id, created_at);
`

// SQLStore persists provider usage in PostgreSQL, MySQL, or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates the store and its schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	s := &SQLStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, providerUsageSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize provider usage schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) SaveProviderUsage(ctx context.Context, row *ProviderUsage) error {
	query := store.Rebind(s.dialect, `INSERT INTO provider_usage
		(id, agent_id, provider_id, model, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), row.AgentID, row.ProviderID, row.Model,
		row.InputTokens, row.OutputTokens, row.CostUSD, row.LatencyMs,
		row.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save provider usage: %w", err)
	}
	return nil
}

var _ ProviderUsageStore = (*SQLStore)(nil)
