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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/warden/pkg/store"
)

var _ Store = (*SQLStore)(nil)

const agentSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id VARCHAR(64) PRIMARY KEY,
	external_id VARCHAR(255) NOT NULL,
	name VARCHAR(255),
	manifest_version VARCHAR(64),
	trust_level VARCHAR(32) NOT NULL,
	model VARCHAR(255),
	state VARCHAR(32) NOT NULL,
	node_id VARCHAR(128),
	tools TEXT,
	skills TEXT,
	input_tokens BIGINT DEFAULT 0,
	output_tokens BIGINT DEFAULT 0,
	cumulative_cost DOUBLE PRECISION DEFAULT 0,
	memory_bytes BIGINT DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL,
	deleted_at TIMESTAMP NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_external_id ON agents(external_id);
CREATE INDEX IF NOT EXISTS idx_agents_state ON agents(state);
`

// SQLStore is the durable projection of registry entries, shared by all
// cluster nodes for discovery.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore initializes the agents table on the shared pool.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agents schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, agentSchema)
	return err
}

func (s *SQLStore) Upsert(ctx context.Context, snap Snapshot) error {
	tools, err := json.Marshal(snap.Tools)
	if err != nil {
		return fmt.Errorf("failed to encode tools: %w", err)
	}
	skills, err := json.Marshal(snap.Skills)
	if err != nil {
		return fmt.Errorf("failed to encode skills: %w", err)
	}

	// MySQL is the default form; postgres and sqlite use ON CONFLICT.
	query := `
INSERT INTO agents (id, external_id, name, manifest_version, trust_level, model, state, node_id,
	tools, skills, input_tokens, output_tokens, cumulative_cost, memory_bytes,
	created_at, last_active_at, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	name = VALUES(name), manifest_version = VALUES(manifest_version),
	trust_level = VALUES(trust_level), model = VALUES(model), state = VALUES(state),
	node_id = VALUES(node_id), tools = VALUES(tools), skills = VALUES(skills),
	input_tokens = VALUES(input_tokens), output_tokens = VALUES(output_tokens),
	cumulative_cost = VALUES(cumulative_cost), memory_bytes = VALUES(memory_bytes),
	last_active_at = VALUES(last_active_at), deleted_at = VALUES(deleted_at)`

	if s.dialect == "postgres" || s.dialect == "sqlite" {
		query = store.Rebind(s.dialect, `
INSERT INTO agents (id, external_id, name, manifest_version, trust_level, model, state, node_id,
	tools, skills, input_tokens, output_tokens, cumulative_cost, memory_bytes,
	created_at, last_active_at, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name, manifest_version = excluded.manifest_version,
	trust_level = excluded.trust_level, model = excluded.model, state = excluded.state,
	node_id = excluded.node_id, tools = excluded.tools, skills = excluded.skills,
	input_tokens = excluded.input_tokens, output_tokens = excluded.output_tokens,
	cumulative_cost = excluded.cumulative_cost, memory_bytes = excluded.memory_bytes,
	last_active_at = excluded.last_active_at, deleted_at = excluded.deleted_at`)
	}

	_, err = s.db.ExecContext(ctx, query,
		snap.ID, snap.ExternalID, snap.Name, snap.ManifestVersion, snap.TrustLevel,
		snap.Model, string(snap.State), snap.NodeID, string(tools), string(skills),
		snap.InputTokens, snap.OutputTokens, snap.CumulativeCost, snap.MemoryBytes,
		snap.CreatedAt, snap.LastActiveAt, snap.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to project agent %s: %w", snap.ExternalID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, includeTerminated bool) ([]Snapshot, error) {
	query := `
SELECT id, external_id, name, manifest_version, trust_level, model, state, node_id,
	tools, skills, input_tokens, output_tokens, cumulative_cost, memory_bytes,
	created_at, last_active_at, deleted_at
FROM agents`
	if !includeTerminated {
		query += ` WHERE state != 'terminated'`
	}
	query += ` ORDER BY external_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(rows *sql.Rows) (Snapshot, error) {
	var (
		snap      Snapshot
		name      sql.NullString
		version   sql.NullString
		model     sql.NullString
		nodeID    sql.NullString
		tools     sql.NullString
		skills    sql.NullString
		state     string
		deletedAt sql.NullTime
	)
	err := rows.Scan(&snap.ID, &snap.ExternalID, &name, &version, &snap.TrustLevel,
		&model, &state, &nodeID, &tools, &skills,
		&snap.InputTokens, &snap.OutputTokens, &snap.CumulativeCost, &snap.MemoryBytes,
		&snap.CreatedAt, &snap.LastActiveAt, &deletedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to scan agent row: %w", err)
	}

	snap.Name = name.String
	snap.ManifestVersion = version.String
	snap.Model = model.String
	snap.NodeID = nodeID.String
	snap.State = State(state)
	if deletedAt.Valid {
		at := deletedAt.Time
		snap.DeletedAt = &at
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &snap.Tools); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode tools for %s: %w", snap.ExternalID, err)
		}
	}
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &snap.Skills); err != nil {
			return Snapshot{}, fmt.Errorf("failed to decode skills for %s: %w", snap.ExternalID, err)
		}
	}
	return snap, nil
}
