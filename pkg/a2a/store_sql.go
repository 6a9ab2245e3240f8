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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/store"
)

const a2aSchema = `
CREATE TABLE IF NOT EXISTS a2a_tasks (
    id VARCHAR(64) PRIMARY KEY,
    from_agent_id VARCHAR(255) NOT NULL,
    to_agent_id VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL,
    payload TEXT,
    result TEXT,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_a2a_tasks_to_agent ON a2a_tasks(to_agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_a2a_tasks_status ON a2a_tasks(status, updated_at);

CREATE TABLE IF NOT EXISTS a2a_events (
    id VARCHAR(64) PRIMARY KEY,
    channel VARCHAR(255) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255),
    data TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_a2a_events_channel ON a2a_events(channel, created_at);
`

// SQLStore persists the task projection in PostgreSQL, MySQL, or SQLite.
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
	if _, err := db.ExecContext(ctx, a2aSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize a2a schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	return store.Rebind(s.dialect, query)
}

// upsertSQL builds an insert for table that updates every non-key column on
// key collision.
func (s *SQLStore) upsertSQL(table, key string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)

	sets := make([]string, 0, len(cols)-1)
	for _, col := range cols {
		if col == key {
			continue
		}
		if s.dialect == "mysql" {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if s.dialect == "mysql" {
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return insert + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", key) + strings.Join(sets, ", ")
}

func (s *SQLStore) SaveTask(ctx context.Context, v View, payload map[string]any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	var resultJSON []byte
	if v.Result != nil {
		resultJSON, err = json.Marshal(v.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
	}

	query := s.rebind(s.upsertSQL("a2a_tasks", "id", []string{
		"id", "from_agent_id", "to_agent_id", "status",
		"payload", "result", "error", "created_at", "updated_at",
	}))
	_, err = s.db.ExecContext(ctx, query,
		v.ID, v.FromAgentID, v.ToAgentID, string(v.Status),
		string(payloadJSON), string(resultJSON), v.Error, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert a2a task: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveEvent(ctx context.Context, event *protocol.Event) error {
	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	query := s.rebind(`INSERT INTO a2a_events
		(id, channel, event_type, agent_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		uuid.NewString(), event.Channel, event.Type, event.AgentID,
		string(dataJSON), time.UnixMilli(event.Timestamp).UTC())
	if err != nil {
		return fmt.Errorf("failed to insert a2a event: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM a2a_tasks
		WHERE status IN ('completed', 'failed') AND updated_at < ?`)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune a2a tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// LoadTask reads one persisted task view, for operator inspection after the
// in-memory record has been pruned.
func (s *SQLStore) LoadTask(ctx context.Context, taskID string) (View, error) {
	query := s.rebind(`SELECT id, from_agent_id, to_agent_id, status,
		result, error, created_at, updated_at
		FROM a2a_tasks WHERE id = ?`)

	var v View
	var status string
	var result, errMsg sql.NullString
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&v.ID, &v.FromAgentID, &v.ToAgentID, &status,
		&result, &errMsg, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return View{}, protocol.Errorf(protocol.CodeNotFound, "a2a task %q not found", taskID)
	}
	if err != nil {
		return View{}, fmt.Errorf("failed to load a2a task: %w", err)
	}

	v.Status = Status(status)
	v.Error = errMsg.String
	if result.Valid && result.String != "" {
		var decoded any
		if err := json.Unmarshal([]byte(result.String), &decoded); err == nil {
			v.Result = decoded
		}
	}
	return v, nil
}

var _ Store = (*SQLStore)(nil)
