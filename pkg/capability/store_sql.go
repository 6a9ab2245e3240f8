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

package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/warden/pkg/store"
)

const capabilitySchema = `
CREATE TABLE IF NOT EXISTS capabilities (
    id VARCHAR(64) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    permissions TEXT NOT NULL,
    purpose TEXT,
    delegatable BOOLEAN NOT NULL DEFAULT FALSE,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    revoked BOOLEAN NOT NULL DEFAULT FALSE,
    revoked_at TIMESTAMP NULL
);

CREATE INDEX IF NOT EXISTS idx_capabilities_agent_id ON capabilities(agent_id);
`

// SQLStore persists grants in PostgreSQL, MySQL, or SQLite.
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
	if _, err := db.ExecContext(ctx, capabilitySchema); err != nil {
		return nil, fmt.Errorf("failed to initialize capability schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	return store.Rebind(s.dialect, query)
}

func (s *SQLStore) Save(ctx context.Context, g *Grant) error {
	permissions, err := json.Marshal(g.Permissions)
	if err != nil {
		return fmt.Errorf("failed to serialize permissions: %w", err)
	}

	query := s.rebind(`
INSERT INTO capabilities (id, agent_id, permissions, purpose, delegatable, issued_at, expires_at, revoked, revoked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err = s.db.ExecContext(ctx, query,
		g.ID, g.AgentID, string(permissions), g.Purpose, g.Delegatable,
		g.IssuedAt, g.ExpiresAt, g.Revoked, g.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Grant, error) {
	query := s.rebind(`
SELECT id, agent_id, permissions, purpose, delegatable, issued_at, expires_at, revoked, revoked_at
FROM capabilities
WHERE id = ?
`)
	g, err := scanGrant(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("grant not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query grant: %w", err)
	}
	return g, nil
}

func (s *SQLStore) Revoke(ctx context.Context, id string, at time.Time) error {
	query := s.rebind(`UPDATE capabilities SET revoked = TRUE, revoked_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("grant not found: %s", id)
	}
	return nil
}

func (s *SQLStore) ListByAgent(ctx context.Context, agentID string, includeInactive bool) ([]*Grant, error) {
	query := `
SELECT id, agent_id, permissions, purpose, delegatable, issued_at, expires_at, revoked, revoked_at
FROM capabilities
WHERE agent_id = ?
`
	args := []any{agentID}
	if !includeInactive {
		query += ` AND revoked = FALSE AND expires_at > ?`
		args = append(args, time.Now().UTC())
	}
	query += ` ORDER BY issued_at`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var result []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (*Grant, error) {
	var (
		g           Grant
		permissions string
		purpose     sql.NullString
		revokedAt   sql.NullTime
	)
	err := row.Scan(&g.ID, &g.AgentID, &permissions, &purpose, &g.Delegatable,
		&g.IssuedAt, &g.ExpiresAt, &g.Revoked, &revokedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(permissions), &g.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	g.Purpose = purpose.String
	if revokedAt.Valid {
		t := revokedAt.Time
		g.RevokedAt = &t
	}
	return &g, nil
}

var _ Store = (*SQLStore)(nil)
