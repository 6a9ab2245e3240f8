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

package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/store"
)

const clusterSchema = `
CREATE TABLE IF NOT EXISTS cluster_nodes (
    id VARCHAR(64) PRIMARY KEY,
    hostname VARCHAR(255),
    started_at TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cluster_nodes_seen ON cluster_nodes(last_seen);
`

// SQLStore keeps presence rows in the shared durable store.
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
	if _, err := db.ExecContext(ctx, clusterSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize cluster schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Upsert(ctx context.Context, n Node) error {
	cols := []string{"id", "hostname", "started_at", "last_seen"}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO cluster_nodes (%s) VALUES (%s)",
		strings.Join(cols, ", "), placeholders)
	if s.dialect == "mysql" {
		query += " ON DUPLICATE KEY UPDATE hostname = VALUES(hostname), last_seen = VALUES(last_seen)"
	} else {
		query += " ON CONFLICT (id) DO UPDATE SET hostname = excluded.hostname, last_seen = excluded.last_seen"
	}

	_, err := s.db.ExecContext(ctx, store.Rebind(s.dialect, query),
		n.ID, n.Hostname, n.StartedAt.UTC(), n.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert cluster node: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, liveSince time.Time) ([]Node, error) {
	query := store.Rebind(s.dialect,
		`SELECT id, hostname, started_at, last_seen FROM cluster_nodes
		 WHERE last_seen >= ? ORDER BY id`)
	rows, err := s.db.QueryContext(ctx, query, liveSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list cluster nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		var hostname sql.NullString
		if err := rows.Scan(&n.ID, &hostname, &n.StartedAt, &n.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan cluster node: %w", err)
		}
		n.Hostname = hostname.String
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	query := store.Rebind(s.dialect, "DELETE FROM cluster_nodes WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete cluster node: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
