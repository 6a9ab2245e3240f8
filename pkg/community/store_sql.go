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

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/store"
)

const communitySchema = `
CREATE TABLE IF NOT EXISTS forums (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    created_by VARCHAR(255),
    created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_forums_name ON forums(name);

CREATE TABLE IF NOT EXISTS forum_posts (
    id VARCHAR(64) PRIMARY KEY,
    forum_id VARCHAR(64) NOT NULL,
    author_id VARCHAR(255) NOT NULL,
    title VARCHAR(255),
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_forum_posts_forum ON forum_posts(forum_id, created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id VARCHAR(64) PRIMARY KEY,
    posted_by VARCHAR(255) NOT NULL,
    title VARCHAR(255) NOT NULL,
    description TEXT,
    reward DOUBLE PRECISION NOT NULL,
    tags TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS job_applications (
    id VARCHAR(64) PRIMARY KEY,
    job_id VARCHAR(64) NOT NULL,
    applicant_id VARCHAR(255) NOT NULL,
    note TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_applications_job ON job_applications(job_id);

CREATE TABLE IF NOT EXISTS agent_reputation (
    agent_id VARCHAR(255) PRIMARY KEY,
    score DOUBLE PRECISION NOT NULL,
    interactions INT NOT NULL,
    last_reason TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

// SQLStore persists the community state in PostgreSQL, MySQL, or SQLite.
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
	if _, err := db.ExecContext(ctx, communitySchema); err != nil {
		return nil, fmt.Errorf("failed to initialize community schema: %w", err)
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

func (s *SQLStore) SaveForum(ctx context.Context, f *Forum) error {
	query := s.rebind(s.upsertSQL("forums", "id", []string{
		"id", "name", "description", "created_by", "created_at",
	}))
	_, err := s.db.ExecContext(ctx, query,
		f.ID, f.Name, f.Description, f.CreatedBy, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert forum: %w", err)
	}
	return nil
}

func (s *SQLStore) SavePost(ctx context.Context, p *Post) error {
	query := s.rebind(s.upsertSQL("forum_posts", "id", []string{
		"id", "forum_id", "author_id", "title", "content", "created_at",
	}))
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ForumID, p.AuthorID, p.Title, p.Content, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert forum post: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveJob(ctx context.Context, j *Job) error {
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return fmt.Errorf("failed to serialize job tags: %w", err)
	}
	query := s.rebind(s.upsertSQL("jobs", "id", []string{
		"id", "posted_by", "title", "description", "reward", "tags", "created_at",
	}))
	_, err = s.db.ExecContext(ctx, query,
		j.ID, j.PostedBy, j.Title, j.Description, j.Reward, string(tags), j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveApplication(ctx context.Context, a *Application) error {
	query := s.rebind(s.upsertSQL("job_applications", "id", []string{
		"id", "job_id", "applicant_id", "note", "created_at",
	}))
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.JobID, a.ApplicantID, a.Note, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job application: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveReputation(ctx context.Context, r *Reputation) error {
	query := s.rebind(s.upsertSQL("agent_reputation", "agent_id", []string{
		"agent_id", "score", "interactions", "last_reason", "updated_at",
	}))
	_, err := s.db.ExecContext(ctx, query,
		r.AgentID, r.Score, r.Interactions, r.LastReason, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert reputation: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	st := &State{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_by, created_at FROM forums ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load forums: %w", err)
	}
	for rows.Next() {
		var (
			f           Forum
			description sql.NullString
			createdBy   sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.Name, &description, &createdBy, &f.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan forum: %w", err)
		}
		f.Description = description.String
		f.CreatedBy = createdBy.String
		st.Forums = append(st.Forums, &f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, forum_id, author_id, title, content, created_at FROM forum_posts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load forum posts: %w", err)
	}
	for rows.Next() {
		var (
			p     Post
			title sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ForumID, &p.AuthorID, &title, &p.Content, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan forum post: %w", err)
		}
		p.Title = title.String
		st.Posts = append(st.Posts, &p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, posted_by, title, description, reward, tags, created_at FROM jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	for rows.Next() {
		var (
			j           Job
			description sql.NullString
			tags        sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.PostedBy, &j.Title, &description, &j.Reward, &tags, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		j.Description = description.String
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &j.Tags); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode job tags: %w", err)
			}
		}
		st.Jobs = append(st.Jobs, &j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, job_id, applicant_id, note, created_at FROM job_applications ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load job applications: %w", err)
	}
	for rows.Next() {
		var (
			a    Application
			note sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.ApplicantID, &note, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job application: %w", err)
		}
		a.Note = note.String
		st.Applications = append(st.Applications, &a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT agent_id, score, interactions, last_reason, updated_at FROM agent_reputation ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load reputations: %w", err)
	}
	for rows.Next() {
		var (
			r      Reputation
			reason sql.NullString
		)
		if err := rows.Scan(&r.AgentID, &r.Score, &r.Interactions, &reason, &r.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan reputation: %w", err)
		}
		r.LastReason = reason.String
		st.Reputations = append(st.Reputations, &r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return st, nil
}

var _ Store = (*SQLStore)(nil)
