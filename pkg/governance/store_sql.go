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

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/glob"
	"github.com/kadirpekel/warden/pkg/store"
)

const governanceSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id BIGINT PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    actor_id VARCHAR(255) NOT NULL,
    action VARCHAR(255) NOT NULL,
    resource_type VARCHAR(64),
    resource_id VARCHAR(255),
    details TEXT,
    outcome VARCHAR(16) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, created_at);

CREATE TABLE IF NOT EXISTS policies (
    id VARCHAR(64) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    description TEXT,
    status VARCHAR(16) NOT NULL,
    rules TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS moderation_cases (
    id VARCHAR(64) PRIMARY KEY,
    subject_agent_id VARCHAR(255) NOT NULL,
    policy_id VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    reason TEXT,
    evidence TEXT,
    resolution TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_moderation_cases_subject ON moderation_cases(subject_agent_id, status);

CREATE TABLE IF NOT EXISTS sanctions (
    id VARCHAR(64) PRIMARY KEY,
    subject_agent_id VARCHAR(255) NOT NULL,
    case_id VARCHAR(64) NOT NULL,
    type VARCHAR(16) NOT NULL,
    details TEXT,
    status VARCHAR(16) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP NULL
);

CREATE INDEX IF NOT EXISTS idx_sanctions_subject ON sanctions(subject_agent_id, status);

CREATE TABLE IF NOT EXISTS moderation_appeals (
    id VARCHAR(64) PRIMARY KEY,
    case_id VARCHAR(64) NOT NULL,
    subject_agent_id VARCHAR(255) NOT NULL,
    status VARCHAR(16) NOT NULL,
    reason TEXT,
    resolution TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// maxQueryRows caps how many rows an audit query scans. Glob action patterns
// are filtered after the scan, so the cap also bounds their working set.
const maxQueryRows = 10000

// SQLStore persists the audit trail and the moderation state in PostgreSQL,
// MySQL, or SQLite. It implements both Sink and Store.
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
	if _, err := db.ExecContext(ctx, governanceSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize governance schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) rebind(query string) string {
	return store.Rebind(s.dialect, query)
}

// upsertSQL builds an insert for table that updates every non-key column on
// id collision.
func (s *SQLStore) upsertSQL(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)

	sets := make([]string, 0, len(cols)-1)
	for _, col := range cols[1:] {
		if s.dialect == "mysql" {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	if s.dialect == "mysql" {
		return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return insert + " ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}

// execer lets the upsert helpers run against the pool or a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================================================
// SINK
// ============================================================================

func (s *SQLStore) Append(ctx context.Context, batch []AuditRecord) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
INSERT INTO audit_log (id, created_at, actor_id, action, resource_type, resource_id, details, outcome)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`))
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		rec := &batch[i]
		details, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("failed to serialize audit details: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			int64(rec.ID), rec.CreatedAt, rec.ActorID, rec.Action,
			rec.ResourceType, rec.ResourceID, string(details), string(rec.Outcome),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit record %d: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) Query(ctx context.Context, q Query) ([]AuditRecord, error) {
	query := `
SELECT id, created_at, actor_id, action, resource_type, resource_id, details, outcome
FROM audit_log
WHERE 1=1
`
	var args []any

	globAction := strings.ContainsAny(q.Action, "*?")
	if q.Action != "" && !globAction {
		query += " AND action = ?"
		args = append(args, q.Action)
	}
	if q.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, q.ActorID)
	}
	if q.ResourceType != "" {
		query += " AND resource_type = ?"
		args = append(args, q.ResourceType)
	}
	if q.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, q.ResourceID)
	}
	if q.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(q.Outcome))
	}
	if !q.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, q.Until)
	}

	// Newest first so the row limit keeps the most recent records; the
	// result is reversed to ascending order below.
	scan := maxQueryRows
	if q.Limit > 0 && q.Limit < scan && !globAction {
		scan = q.Limit
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", scan)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		if globAction && !glob.Match(q.Action, rec.Action) {
			continue
		}
		out = append(out, *rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLStore) LastID(ctx context.Context) (uint64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM audit_log`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last audit id: %w", err)
	}
	return uint64(last), nil
}

func scanAuditRecord(row rowScanner) (*AuditRecord, error) {
	var (
		rec          AuditRecord
		id           int64
		resourceType sql.NullString
		resourceID   sql.NullString
		details      sql.NullString
		outcome      string
	)
	err := row.Scan(&id, &rec.CreatedAt, &rec.ActorID, &rec.Action,
		&resourceType, &resourceID, &details, &outcome)
	if err != nil {
		return nil, err
	}
	rec.ID = uint64(id)
	rec.ResourceType = resourceType.String
	rec.ResourceID = resourceID.String
	rec.Outcome = Outcome(outcome)
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ============================================================================
// MODERATION STORE
// ============================================================================

func (s *SQLStore) SavePolicy(ctx context.Context, p *Policy) error {
	return s.execPolicy(ctx, s.db, p)
}

func (s *SQLStore) SaveCase(ctx context.Context, c *Case) error {
	return s.execCase(ctx, s.db, c)
}

func (s *SQLStore) SaveSanction(ctx context.Context, sn *Sanction) error {
	return s.execSanction(ctx, s.db, sn)
}

func (s *SQLStore) SaveAppeal(ctx context.Context, a *Appeal) error {
	return s.execAppeal(ctx, s.db, a)
}

func (s *SQLStore) SaveEnforcement(ctx context.Context, c *Case, sn *Sanction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin enforcement transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.execCase(ctx, tx, c); err != nil {
		return err
	}
	if sn != nil {
		if err := s.execSanction(ctx, tx, sn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) SaveAppealResolution(ctx context.Context, a *Appeal, c *Case, lifted []*Sanction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin appeal transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.execAppeal(ctx, tx, a); err != nil {
		return err
	}
	if c != nil {
		if err := s.execCase(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, sn := range lifted {
		if err := s.execSanction(ctx, tx, sn); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) execPolicy(ctx context.Context, ex execer, p *Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("failed to serialize policy rules: %w", err)
	}
	query := s.rebind(s.upsertSQL("policies", []string{
		"id", "name", "description", "status", "rules", "created_at", "updated_at",
	}))
	_, err = ex.ExecContext(ctx, query,
		p.ID, p.Name, p.Description, p.Status, string(rules), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert policy: %w", err)
	}
	return nil
}

func (s *SQLStore) execCase(ctx context.Context, ex execer, c *Case) error {
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return fmt.Errorf("failed to serialize case evidence: %w", err)
	}
	query := s.rebind(s.upsertSQL("moderation_cases", []string{
		"id", "subject_agent_id", "policy_id", "status", "reason", "evidence",
		"resolution", "created_at", "updated_at",
	}))
	_, err = ex.ExecContext(ctx, query,
		c.ID, c.SubjectID, c.PolicyID, c.Status, c.Reason, string(evidence),
		c.Resolution, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert moderation case: %w", err)
	}
	return nil
}

func (s *SQLStore) execSanction(ctx context.Context, ex execer, sn *Sanction) error {
	query := s.rebind(s.upsertSQL("sanctions", []string{
		"id", "subject_agent_id", "case_id", "type", "details", "status",
		"created_at", "resolved_at",
	}))
	_, err := ex.ExecContext(ctx, query,
		sn.ID, sn.SubjectID, sn.CaseID, string(sn.Type), sn.Details, sn.Status,
		sn.CreatedAt, sn.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert sanction: %w", err)
	}
	return nil
}

func (s *SQLStore) execAppeal(ctx context.Context, ex execer, a *Appeal) error {
	query := s.rebind(s.upsertSQL("moderation_appeals", []string{
		"id", "case_id", "subject_agent_id", "status", "reason", "resolution",
		"created_at", "updated_at",
	}))
	_, err := ex.ExecContext(ctx, query,
		a.ID, a.CaseID, a.SubjectID, a.Status, a.Reason, a.Resolution,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert appeal: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) (*State, error) {
	st := &State{}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, status, rules, created_at, updated_at FROM policies ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	for rows.Next() {
		var (
			p           Policy
			description sql.NullString
			rules       string
		)
		if err := rows.Scan(&p.ID, &p.Name, &description, &p.Status, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		p.Description = description.String
		if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode policy rules: %w", err)
		}
		st.Policies = append(st.Policies, &p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, subject_agent_id, policy_id, status, reason, evidence, resolution, created_at, updated_at FROM moderation_cases ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load moderation cases: %w", err)
	}
	for rows.Next() {
		var (
			c          Case
			reason     sql.NullString
			evidence   sql.NullString
			resolution sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.PolicyID, &c.Status, &reason, &evidence, &resolution, &c.CreatedAt, &c.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan moderation case: %w", err)
		}
		c.Reason = reason.String
		c.Resolution = resolution.String
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &c.Evidence); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to decode case evidence: %w", err)
			}
		}
		st.Cases = append(st.Cases, &c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, subject_agent_id, case_id, type, details, status, created_at, resolved_at FROM sanctions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load sanctions: %w", err)
	}
	for rows.Next() {
		var (
			sn         Sanction
			typ        string
			details    sql.NullString
			resolvedAt sql.NullTime
		)
		if err := rows.Scan(&sn.ID, &sn.SubjectID, &sn.CaseID, &typ, &details, &sn.Status, &sn.CreatedAt, &resolvedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan sanction: %w", err)
		}
		sn.Type = SanctionType(typ)
		sn.Details = details.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			sn.ResolvedAt = &t
		}
		st.Sanctions = append(st.Sanctions, &sn)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, case_id, subject_agent_id, status, reason, resolution, created_at, updated_at FROM moderation_appeals ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to load appeals: %w", err)
	}
	for rows.Next() {
		var (
			a          Appeal
			reason     sql.NullString
			resolution sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.CaseID, &a.SubjectID, &a.Status, &reason, &resolution, &a.CreatedAt, &a.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan appeal: %w", err)
		}
		a.Reason = reason.String
		a.Resolution = resolution.String
		st.Appeals = append(st.Appeals, &a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return st, nil
}

var (
	_ Sink  = (*SQLStore)(nil)
	_ Store = (*SQLStore)(nil)
)
