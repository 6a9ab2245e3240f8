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

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/store"
)

var _ Store = (*SQLStore)(nil)

// searchScanLimit caps the rows pulled per search; token and tag
// filtering happens in process after decryption.
const searchScanLimit = 500

const memorySchema = `
CREATE TABLE IF NOT EXISTS memory_episodes (
	id VARCHAR(64) PRIMARY KEY,
	agent_id VARCHAR(64) NOT NULL,
	session_id VARCHAR(64),
	event_name VARCHAR(255) NOT NULL,
	context TEXT,
	outcome TEXT,
	success BOOLEAN NOT NULL,
	importance DOUBLE PRECISION DEFAULT 0,
	tags TEXT,
	embedding TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_episodes_agent ON memory_episodes(agent_id);
CREATE TABLE IF NOT EXISTS memory_facts (
	id VARCHAR(64) PRIMARY KEY,
	agent_id VARCHAR(64) NOT NULL,
	category VARCHAR(255) NOT NULL,
	kind VARCHAR(64),
	content TEXT NOT NULL,
	importance DOUBLE PRECISION DEFAULT 0,
	tags TEXT,
	source VARCHAR(255),
	embedding TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_facts_agent ON memory_facts(agent_id);
CREATE TABLE IF NOT EXISTS memory_procedures (
	id VARCHAR(64) PRIMARY KEY,
	agent_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	trigger_text TEXT,
	steps TEXT NOT NULL,
	inputs TEXT,
	outputs TEXT,
	version INTEGER DEFAULT 1,
	success_rate DOUBLE PRECISION DEFAULT 0,
	execution_count INTEGER DEFAULT 0,
	active BOOLEAN NOT NULL,
	tags TEXT,
	embedding TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_procedures_agent ON memory_procedures(agent_id);
CREATE INDEX IF NOT EXISTS idx_memory_procedures_name ON memory_procedures(agent_id, name);
`

const (
	episodeColumns   = `id, agent_id, session_id, event_name, context, outcome, success, importance, tags, embedding, created_at`
	factColumns      = `id, agent_id, category, kind, content, importance, tags, source, embedding, created_at`
	procedureColumns = `id, agent_id, name, trigger_text, steps, inputs, outputs, version, success_rate, execution_count, active, tags, embedding, created_at, updated_at`
)

// SQLStore persists agent memory on the shared pool. Free text and
// payload columns go through the cipher; identifiers, labels, and
// numerics stay plain so SQL filters keep working.
type SQLStore struct {
	db      *sql.DB
	dialect string
	cipher  *Cipher
}

// NewSQLStore initializes the memory tables on the shared pool. A nil
// cipher stores everything in plaintext.
func NewSQLStore(db *sql.DB, dialect string, cipher *Cipher) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLStore{db: db, dialect: dialect, cipher: cipher}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, memorySchema)
	return err
}

func (s *SQLStore) PutEpisode(ctx context.Context, e *Episode) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	embedding, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	context_, err := s.cipher.Seal(e.Context)
	if err != nil {
		return err
	}
	outcome, err := s.cipher.Seal(e.Outcome)
	if err != nil {
		return err
	}

	// MySQL is the default form; postgres and sqlite use ON CONFLICT.
	query := `
INSERT INTO memory_episodes (id, agent_id, session_id, event_name, context, outcome,
	success, importance, tags, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	session_id = VALUES(session_id), event_name = VALUES(event_name),
	context = VALUES(context), outcome = VALUES(outcome), success = VALUES(success),
	importance = VALUES(importance), tags = VALUES(tags), embedding = VALUES(embedding)`

	if s.dialect == "postgres" || s.dialect == "sqlite" {
		query = store.Rebind(s.dialect, `
INSERT INTO memory_episodes (id, agent_id, session_id, event_name, context, outcome,
	success, importance, tags, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	session_id = excluded.session_id, event_name = excluded.event_name,
	context = excluded.context, outcome = excluded.outcome, success = excluded.success,
	importance = excluded.importance, tags = excluded.tags, embedding = excluded.embedding`)
	}

	_, err = s.db.ExecContext(ctx, query,
		e.ID, e.AgentID, e.SessionID, e.EventName, context_, outcome,
		e.Success, e.Importance, string(tags), string(embedding), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store episode %s: %w", e.ID, err)
	}
	return nil
}

func (s *SQLStore) PutFact(ctx context.Context, f *Fact) error {
	tags, err := json.Marshal(f.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	embedding, err := json.Marshal(f.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	content, err := s.cipher.Seal(f.Content)
	if err != nil {
		return err
	}

	query := `
INSERT INTO memory_facts (id, agent_id, category, kind, content, importance,
	tags, source, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	category = VALUES(category), kind = VALUES(kind), content = VALUES(content),
	importance = VALUES(importance), tags = VALUES(tags), source = VALUES(source),
	embedding = VALUES(embedding)`

	if s.dialect == "postgres" || s.dialect == "sqlite" {
		query = store.Rebind(s.dialect, `
INSERT INTO memory_facts (id, agent_id, category, kind, content, importance,
	tags, source, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	category = excluded.category, kind = excluded.kind, content = excluded.content,
	importance = excluded.importance, tags = excluded.tags, source = excluded.source,
	embedding = excluded.embedding`)
	}

	_, err = s.db.ExecContext(ctx, query,
		f.ID, f.AgentID, f.Category, f.Kind, content, f.Importance,
		string(tags), f.Source, string(embedding), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store fact %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLStore) PutProcedure(ctx context.Context, p *Procedure) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	embedding, err := json.Marshal(p.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}
	trigger, err := s.cipher.Seal(p.Trigger)
	if err != nil {
		return err
	}
	steps, err := s.sealJSON(p.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	inputs, err := s.sealJSON(p.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	outputs, err := s.sealJSON(p.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	query := `
INSERT INTO memory_procedures (id, agent_id, name, trigger_text, steps, inputs, outputs,
	version, success_rate, execution_count, active, tags, embedding, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
	name = VALUES(name), trigger_text = VALUES(trigger_text), steps = VALUES(steps),
	inputs = VALUES(inputs), outputs = VALUES(outputs), version = VALUES(version),
	success_rate = VALUES(success_rate), execution_count = VALUES(execution_count),
	active = VALUES(active), tags = VALUES(tags), embedding = VALUES(embedding),
	updated_at = VALUES(updated_at)`

	if s.dialect == "postgres" || s.dialect == "sqlite" {
		query = store.Rebind(s.dialect, `
INSERT INTO memory_procedures (id, agent_id, name, trigger_text, steps, inputs, outputs,
	version, success_rate, execution_count, active, tags, embedding, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name, trigger_text = excluded.trigger_text, steps = excluded.steps,
	inputs = excluded.inputs, outputs = excluded.outputs, version = excluded.version,
	success_rate = excluded.success_rate, execution_count = excluded.execution_count,
	active = excluded.active, tags = excluded.tags, embedding = excluded.embedding,
	updated_at = excluded.updated_at`)
	}

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.AgentID, p.Name, trigger, steps, inputs, outputs,
		p.Version, p.SuccessRate, p.ExecutionCount, p.Active,
		string(tags), string(embedding), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to store procedure %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) GetEpisode(ctx context.Context, agentID, id string) (*Episode, error) {
	query := store.Rebind(s.dialect,
		`SELECT `+episodeColumns+` FROM memory_episodes WHERE agent_id = ? AND id = ?`)
	rows, err := s.db.QueryContext(ctx, query, agentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load episode %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
	}
	return s.scanEpisode(rows)
}

func (s *SQLStore) GetFact(ctx context.Context, agentID, id string) (*Fact, error) {
	query := store.Rebind(s.dialect,
		`SELECT `+factColumns+` FROM memory_facts WHERE agent_id = ? AND id = ?`)
	rows, err := s.db.QueryContext(ctx, query, agentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load fact %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
	}
	return s.scanFact(rows)
}

func (s *SQLStore) GetProcedure(ctx context.Context, agentID, id string) (*Procedure, error) {
	query := store.Rebind(s.dialect,
		`SELECT `+procedureColumns+` FROM memory_procedures WHERE agent_id = ? AND id = ?`)
	rows, err := s.db.QueryContext(ctx, query, agentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load procedure %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %s not found", id)
	}
	return s.scanProcedure(rows)
}

func (s *SQLStore) GetProcedureByName(ctx context.Context, agentID, name string) (*Procedure, error) {
	query := store.Rebind(s.dialect, `
SELECT `+procedureColumns+` FROM memory_procedures
WHERE agent_id = ? AND name = ? AND active = ?
ORDER BY version DESC LIMIT 1`)
	rows, err := s.db.QueryContext(ctx, query, agentID, name, true)
	if err != nil {
		return nil, fmt.Errorf("failed to load procedure %q: %w", name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %q not found", name)
	}
	return s.scanProcedure(rows)
}

func (s *SQLStore) SearchEpisodes(ctx context.Context, agentID, query string, f Filters) ([]*Episode, error) {
	sqlQuery := `SELECT ` + episodeColumns + ` FROM memory_episodes WHERE agent_id = ?`
	args := []any{agentID}
	sqlQuery, args = appendRangeClauses(sqlQuery, args, f, true)
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, searchScanLimit)

	rows, err := s.db.QueryContext(ctx, store.Rebind(s.dialect, sqlQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search episodes: %w", err)
	}
	defer rows.Close()

	tokens := tokenize(query)
	var out []*Episode
	for rows.Next() {
		e, err := s.scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		if matchesTags(e.Tags, f.Tags) && matchesQuery(tokens, e.text()) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) SearchFacts(ctx context.Context, agentID, query string, f Filters) ([]*Fact, error) {
	sqlQuery := `SELECT ` + factColumns + ` FROM memory_facts WHERE agent_id = ?`
	args := []any{agentID}
	sqlQuery, args = appendRangeClauses(sqlQuery, args, f, true)
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, searchScanLimit)

	rows, err := s.db.QueryContext(ctx, store.Rebind(s.dialect, sqlQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	defer rows.Close()

	tokens := tokenize(query)
	var out []*Fact
	for rows.Next() {
		fact, err := s.scanFact(rows)
		if err != nil {
			return nil, err
		}
		if matchesTags(fact.Tags, f.Tags) && matchesQuery(tokens, fact.text()) {
			out = append(out, fact)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) SearchProcedures(ctx context.Context, agentID, query string, f Filters) ([]*Procedure, error) {
	sqlQuery := `SELECT ` + procedureColumns + ` FROM memory_procedures WHERE agent_id = ? AND active = ?`
	args := []any{agentID, true}
	sqlQuery, args = appendRangeClauses(sqlQuery, args, f, false)
	sqlQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, searchScanLimit)

	rows, err := s.db.QueryContext(ctx, store.Rebind(s.dialect, sqlQuery), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search procedures: %w", err)
	}
	defer rows.Close()

	tokens := tokenize(query)
	var out []*Procedure
	for rows.Next() {
		p, err := s.scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		if matchesTags(p.Tags, f.Tags) && matchesQuery(tokens, p.text()) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// appendRangeClauses pushes the numeric and time filters into SQL.
func appendRangeClauses(query string, args []any, f Filters, withImportance bool) (string, []any) {
	if withImportance && f.MinImportance > 0 {
		query += ` AND importance >= ?`
		args = append(args, f.MinImportance)
	}
	if !f.After.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.After)
	}
	if !f.Before.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.Before)
	}
	return query, args
}

func (s *SQLStore) RecordExecution(ctx context.Context, agentID, id string, success bool) (*Procedure, error) {
	x := 0.0
	if success {
		x = 1.0
	}

	// success_rate must be assigned before execution_count; MySQL
	// applies assignments in statement order.
	query := store.Rebind(s.dialect, `
UPDATE memory_procedures
SET success_rate = success_rate + ((? - success_rate) / (execution_count + 1)),
	execution_count = execution_count + 1,
	updated_at = ?
WHERE agent_id = ? AND id = ?`)

	res, err := s.db.ExecContext(ctx, query, x, time.Now().UTC(), agentID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to record execution for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %s not found", id)
	}
	return s.GetProcedure(ctx, agentID, id)
}

func (s *SQLStore) Delete(ctx context.Context, agentID string, kind Kind, id string) error {
	table, ok := tableForKind(kind)
	if !ok {
		return protocol.Errorf(protocol.CodeValidation, "Unknown memory kind %q", kind)
	}
	query := store.Rebind(s.dialect, `DELETE FROM `+table+` WHERE agent_id = ? AND id = ?`)
	res, err := s.db.ExecContext(ctx, query, agentID, id)
	if err != nil {
		return fmt.Errorf("failed to delete memory %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
	}
	return nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, agentID string) (int, error) {
	removed := 0
	for _, kind := range Kinds {
		table, _ := tableForKind(kind)
		query := store.Rebind(s.dialect, `DELETE FROM `+table+` WHERE agent_id = ?`)
		res, err := s.db.ExecContext(ctx, query, agentID)
		if err != nil {
			return removed, fmt.Errorf("failed to clear %s for agent %s: %w", table, agentID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += int(n)
		}
	}
	return removed, nil
}

func (s *SQLStore) Count(ctx context.Context, agentID string) (int, error) {
	total := 0
	for _, kind := range Kinds {
		table, _ := tableForKind(kind)
		query := store.Rebind(s.dialect, `SELECT COUNT(*) FROM `+table+` WHERE agent_id = ?`)
		var n int
		if err := s.db.QueryRowContext(ctx, query, agentID).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count %s for agent %s: %w", table, agentID, err)
		}
		total += n
	}
	return total, nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *SQLStore) Close() error {
	return nil
}

func tableForKind(kind Kind) (string, bool) {
	switch kind {
	case KindEpisodic:
		return "memory_episodes", true
	case KindSemantic:
		return "memory_facts", true
	case KindProcedural:
		return "memory_procedures", true
	}
	return "", false
}

func (s *SQLStore) sealJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.cipher.Seal(string(raw))
}

func (s *SQLStore) openJSON(stored string, v any) error {
	if stored == "" {
		return nil
	}
	plain, err := s.cipher.Open(stored)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(plain), v)
}

func (s *SQLStore) scanEpisode(rows *sql.Rows) (*Episode, error) {
	var (
		e         Episode
		sessionID sql.NullString
		context_  sql.NullString
		outcome   sql.NullString
		tags      sql.NullString
		embedding sql.NullString
	)
	err := rows.Scan(&e.ID, &e.AgentID, &sessionID, &e.EventName, &context_, &outcome,
		&e.Success, &e.Importance, &tags, &embedding, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan episode row: %w", err)
	}

	e.SessionID = sessionID.String
	if e.Context, err = s.cipher.Open(context_.String); err != nil {
		return nil, err
	}
	if e.Outcome, err = s.cipher.Open(outcome.String); err != nil {
		return nil, err
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", e.ID, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *SQLStore) scanFact(rows *sql.Rows) (*Fact, error) {
	var (
		f         Fact
		kind      sql.NullString
		content   sql.NullString
		tags      sql.NullString
		source    sql.NullString
		embedding sql.NullString
	)
	err := rows.Scan(&f.ID, &f.AgentID, &f.Category, &kind, &content, &f.Importance,
		&tags, &source, &embedding, &f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fact row: %w", err)
	}

	f.Kind = kind.String
	f.Source = source.String
	if f.Content, err = s.cipher.Open(content.String); err != nil {
		return nil, err
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &f.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", f.ID, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &f.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", f.ID, err)
		}
	}
	return &f, nil
}

func (s *SQLStore) scanProcedure(rows *sql.Rows) (*Procedure, error) {
	var (
		p         Procedure
		trigger   sql.NullString
		steps     sql.NullString
		inputs    sql.NullString
		outputs   sql.NullString
		tags      sql.NullString
		embedding sql.NullString
	)
	err := rows.Scan(&p.ID, &p.AgentID, &p.Name, &trigger, &steps, &inputs, &outputs,
		&p.Version, &p.SuccessRate, &p.ExecutionCount, &p.Active,
		&tags, &embedding, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan procedure row: %w", err)
	}

	if p.Trigger, err = s.cipher.Open(trigger.String); err != nil {
		return nil, err
	}
	if err := s.openJSON(steps.String, &p.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps for %s: %w", p.ID, err)
	}
	if err := s.openJSON(inputs.String, &p.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs for %s: %w", p.ID, err)
	}
	if err := s.openJSON(outputs.String, &p.Outputs); err != nil {
		return nil, fmt.Errorf("failed to decode outputs for %s: %w", p.ID, err)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags for %s: %w", p.ID, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &p.Embedding); err != nil {
			return nil, fmt.Errorf("failed to decode embedding for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}
