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

// Package governance records the gateway's audit trail and closes the loop
// from audit records back to enforcement.
//
// Every gated decision lands here as an append-only AuditRecord, ordered by
// (createdAt, id). Records are kept in a bounded in-memory ring and pushed
// through an asynchronous batch writer to SQL. After each append the record
// is evaluated against the active governance policies; a violation opens a
// moderation case and applies a sanction, which the dispatcher's sanction
// gate picks up on the agent's next task. Derivative records written by the
// loop itself carry actions under reserved prefixes so they are never
// re-evaluated.
package governance

import (
	"context"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/glob"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// ============================================================================
// AUDIT RECORDS
// ============================================================================

// Outcome classifies what happened to the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
	OutcomeDenied  Outcome = "denied"
)

// AuditRecord is one append-only entry in the audit trail. ID is assigned
// monotonically at append time; together with CreatedAt it totally orders
// the trail.
type AuditRecord struct {
	ID           uint64         `json:"id"`
	CreatedAt    time.Time      `json:"createdAt"`
	ActorID      string         `json:"actorId"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Outcome      Outcome        `json:"outcome"`
}

// SkipDetailKey marks a record as exempt from policy evaluation. The loop
// sets it on its own derivative records to prevent recursion.
const SkipDetailKey = "skipPolicyCheck"

// skipPrefixes are the action namespaces owned by the gates and the loop
// itself. Records under them never trigger policy evaluation.
var skipPrefixes = []string{
	"policy.", "moderation.", "sanction.", "appeal.",
	"audit.", "permission.", "approval.", "rate_limit.", "budget.",
}

func skipsEvaluation(rec *AuditRecord) bool {
	if v, ok := rec.Details[SkipDetailKey]; ok {
		if b, ok := v.(bool); ok && b {
			return true
		}
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(rec.Action, prefix) {
			return true
		}
	}
	return false
}

// Query filters audit reads. Zero fields match everything; Action takes a
// glob pattern. Limit keeps the most recent records, returned in ascending
// (createdAt, id) order.
type Query struct {
	ActorID      string    `json:"actorId,omitempty"`
	Action       string    `json:"action,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Outcome      Outcome   `json:"outcome,omitempty"`
	Since        time.Time `json:"since,omitempty"`
	Until        time.Time `json:"until,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

func (q *Query) matches(rec *AuditRecord) bool {
	if q.ActorID != "" && rec.ActorID != q.ActorID {
		return false
	}
	if q.Action != "" && !glob.Match(q.Action, rec.Action) {
		return false
	}
	if q.ResourceType != "" && rec.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && rec.ResourceID != q.ResourceID {
		return false
	}
	if q.Outcome != "" && rec.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && rec.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && rec.CreatedAt.After(q.Until) {
		return false
	}
	return true
}

// ============================================================================
// SERVICE
// ============================================================================

// Service is the audit trail plus the governance loop over it. It owns the
// authoritative in-memory state of policies, moderation cases, sanctions,
// and appeals; the optional Sink and Store provide the durable projection.
type Service struct {
	log    *auditLog
	writer *writer
	sink   Sink
	store  Store
	bus    *events.Bus

	state *moderationState

	now func() time.Time
}

// New builds the service. sink, store and bus may be nil; config-declared
// policies are installed as active, and previously persisted moderation
// state is loaded from the store.
func New(ctx context.Context, cfg *config.GovernanceConfig, sink Sink, store Store, bus *events.Bus) (*Service, error) {
	if cfg == nil {
		cfg = &config.GovernanceConfig{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		sink:  sink,
		store: store,
		bus:   bus,
		state: newModerationState(),
		now:   time.Now,
	}

	var start uint64
	if sink != nil {
		last, err := sink.LastID(ctx)
		if err != nil {
			return nil, err
		}
		start = last
		s.writer = newWriter(sink, cfg.QueueSize, cfg.BatchSize, cfg.FlushInterval.OrDefault(time.Second))
	}
	s.log = newAuditLog(cfg.RingSize, start)

	if store != nil {
		loaded, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.state.restore(loaded)
	}

	for i := range cfg.Policies {
		if err := s.installConfigPolicy(ctx, &cfg.Policies[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Record stamps and appends an audit record, schedules its persistence, and
// runs the governance loop over it. The returned record carries the assigned
// id and timestamp. Recording never fails: persistence errors are logged by
// the writer, not surfaced to gates.
func (s *Service) Record(ctx context.Context, rec AuditRecord) AuditRecord {
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	rec.CreatedAt = s.now().UTC()
	stamped := s.log.append(rec)

	if s.writer != nil {
		s.writer.enqueue(stamped)
	}
	if !skipsEvaluation(&stamped) {
		s.evaluate(ctx, &stamped)
	}
	return stamped
}

// Records returns audit records matching the query. While the ring still
// holds the full history the read is served from memory; once it has
// wrapped, pending writes are flushed and the durable trail is consulted.
func (s *Service) Records(ctx context.Context, q Query) ([]AuditRecord, error) {
	if s.sink == nil || s.log.complete() {
		return s.log.query(&q), nil
	}
	if err := s.writer.flush(ctx); err != nil {
		return nil, err
	}
	return s.sink.Query(ctx, q)
}

// RecordCount returns the number of records appended since start.
func (s *Service) RecordCount() uint64 {
	return s.log.appended()
}

// Close drains the persistence queue. Records written after Close are kept
// in memory only.
func (s *Service) Close(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.close(ctx)
}

func (s *Service) emit(channel, eventType, agentID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(channel, eventType, agentID, data)
}

// notFound standardizes the package's NOT_FOUND errors.
func notFound(what, id string) error {
	return protocol.Errorf(protocol.CodeNotFound, "%s %s not found", what, id)
}
