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
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/glob"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Policy statuses.
const (
	PolicyActive   = "active"
	PolicyDisabled = "disabled"
)

// RuleType discriminates governance rules.
type RuleType string

const (
	// RuleDeny violates whenever a record matches.
	RuleDeny RuleType = "deny"

	// RuleRateLimit violates when more than MaxCount matching records land
	// within WindowSeconds.
	RuleRateLimit RuleType = "rate_limit"
)

// Rule is one condition inside a governance policy, evaluated against every
// non-exempt audit record.
type Rule struct {
	Type          RuleType      `json:"type"`
	Action        string        `json:"action"` // glob over the record action
	ResourceType  string        `json:"resourceType,omitempty"`
	Outcome       Outcome       `json:"outcome,omitempty"`
	WindowSeconds int           `json:"windowSeconds,omitempty"`
	MaxCount      int           `json:"maxCount,omitempty"`
	Sanction      *SanctionSpec `json:"sanction,omitempty"`
}

// SanctionSpec is the sanction a violated rule applies.
type SanctionSpec struct {
	Type   SanctionType `json:"type"`
	Reason string       `json:"reason,omitempty"`
}

func (r *Rule) validate() error {
	switch r.Type {
	case RuleDeny, RuleRateLimit:
	default:
		return fmt.Errorf("rule type must be deny or rate_limit; got %q", r.Type)
	}
	if r.Action == "" {
		return fmt.Errorf("rule action is required")
	}
	if r.Type == RuleRateLimit {
		if r.WindowSeconds <= 0 {
			return fmt.Errorf("rate_limit rule requires a positive windowSeconds")
		}
		if r.MaxCount <= 0 {
			return fmt.Errorf("rate_limit rule requires a positive maxCount")
		}
	}
	if r.Sanction != nil && !r.Sanction.Type.valid() {
		return fmt.Errorf("unknown sanction type %q", r.Sanction.Type)
	}
	return nil
}

func (r *Rule) matches(rec *AuditRecord) bool {
	if !glob.Match(r.Action, rec.Action) {
		return false
	}
	if r.ResourceType != "" && rec.ResourceType != r.ResourceType {
		return false
	}
	if r.Outcome != "" && rec.Outcome != r.Outcome {
		return false
	}
	return true
}

// Policy groups governance rules under one id. Only active policies are
// evaluated.
type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (p *Policy) validate() error {
	switch p.Status {
	case PolicyActive, PolicyDisabled:
	default:
		return fmt.Errorf("policy status must be active or disabled; got %q", p.Status)
	}
	for i := range p.Rules {
		if err := p.Rules[i].validate(); err != nil {
			return fmt.Errorf("rules[%d]: %v", i, err)
		}
	}
	return nil
}

// ============================================================================
// POLICY OPERATIONS
// ============================================================================

// CreatePolicy installs a governance policy. A missing id is generated and a
// missing status defaults to active.
func (s *Service) CreatePolicy(ctx context.Context, p *Policy) (*Policy, error) {
	if p == nil {
		return nil, protocol.NewError(protocol.CodeValidation, "policy is required")
	}
	cp := *p
	cp.Rules = append([]Rule(nil), p.Rules...)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Name == "" {
		cp.Name = cp.ID
	}
	if cp.Status == "" {
		cp.Status = PolicyActive
	}
	if err := cp.validate(); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid policy: %v", err)
	}
	now := s.now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.state.mu.Lock()
	if _, exists := s.state.policies[cp.ID]; exists {
		s.state.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "policy %q already exists", cp.ID)
	}
	s.state.policies[cp.ID] = &cp
	s.state.mu.Unlock()

	if err := s.persistPolicy(ctx, &cp); err != nil {
		s.state.mu.Lock()
		delete(s.state.policies, cp.ID)
		s.state.mu.Unlock()
		return nil, err
	}

	out := cp
	return &out, nil
}

// Policies lists installed policies, oldest first.
func (s *Service) Policies() []*Policy {
	s.state.mu.RLock()
	out := make([]*Policy, 0, len(s.state.policies))
	for _, p := range s.state.policies {
		cp := *p
		cp.Rules = append([]Rule(nil), p.Rules...)
		out = append(out, &cp)
	}
	s.state.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetPolicyStatus activates or disables a policy. Setting the status it
// already has is a no-op.
func (s *Service) SetPolicyStatus(ctx context.Context, id, status string) (*Policy, error) {
	switch status {
	case PolicyActive, PolicyDisabled:
	default:
		return nil, protocol.Errorf(protocol.CodeValidation, "policy status must be active or disabled; got %q", status)
	}

	s.state.mu.Lock()
	p, ok := s.state.policies[id]
	if !ok {
		s.state.mu.Unlock()
		return nil, notFound("policy", id)
	}
	if p.Status == status {
		out := *p
		s.state.mu.Unlock()
		return &out, nil
	}
	prev := *p
	p.Status = status
	p.UpdatedAt = s.now().UTC()
	out := *p
	s.state.mu.Unlock()

	if err := s.persistPolicy(ctx, &out); err != nil {
		s.state.mu.Lock()
		*p = prev
		s.state.mu.Unlock()
		return nil, err
	}
	return &out, nil
}

// installConfigPolicy upserts a config-declared policy at startup. Config is
// authoritative for the policies it names: rules and status are refreshed,
// creation time survives restarts.
func (s *Service) installConfigPolicy(ctx context.Context, pc *config.GovernancePolicyConfig) error {
	rules := make([]Rule, 0, len(pc.Rules))
	for i := range pc.Rules {
		rc := &pc.Rules[i]
		rule := Rule{
			Type:          RuleType(rc.Type),
			Action:        rc.Action,
			ResourceType:  rc.ResourceType,
			Outcome:       Outcome(rc.Outcome),
			WindowSeconds: rc.WindowSeconds,
			MaxCount:      rc.MaxCount,
		}
		if rc.Sanction != nil {
			rule.Sanction = &SanctionSpec{
				Type:   SanctionType(rc.Sanction.Type),
				Reason: rc.Sanction.Reason,
			}
		}
		rules = append(rules, rule)
	}

	status := pc.Status
	if status == "" {
		status = PolicyActive
	}
	name := pc.Name
	if name == "" {
		name = pc.ID
	}
	now := s.now().UTC()

	s.state.mu.Lock()
	p, exists := s.state.policies[pc.ID]
	if exists {
		p.Name = name
		p.Status = status
		p.Rules = rules
		p.UpdatedAt = now
	} else {
		p = &Policy{
			ID:        pc.ID,
			Name:      name,
			Status:    status,
			Rules:     rules,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.state.policies[p.ID] = p
	}
	out := *p
	s.state.mu.Unlock()

	return s.persistPolicy(ctx, &out)
}

func (s *Service) persistPolicy(ctx context.Context, p *Policy) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return protocol.Errorf(protocol.CodeUpstream, "failed to persist policy: %v", err)
	}
	return nil
}

// ============================================================================
// THE LOOP
// ============================================================================

// evaluate runs one freshly appended record against the active policies.
// It runs synchronously inside Record, after the trigger has been appended,
// so enforcement never races the audit trail.
func (s *Service) evaluate(ctx context.Context, rec *AuditRecord) {
	s.state.mu.RLock()
	policies := make([]*Policy, 0, len(s.state.policies))
	for _, p := range s.state.policies {
		if p.Status != PolicyActive {
			continue
		}
		cp := *p
		cp.Rules = append([]Rule(nil), p.Rules...)
		policies = append(policies, &cp)
	}
	s.state.mu.RUnlock()

	for _, p := range policies {
		for i := range p.Rules {
			rule := &p.Rules[i]
			if !rule.matches(rec) {
				continue
			}
			violated := rule.Type == RuleDeny
			if rule.Type == RuleRateLimit {
				window := time.Duration(rule.WindowSeconds) * time.Second
				q := Query{
					ActorID:      rec.ActorID,
					Action:       rule.Action,
					ResourceType: rule.ResourceType,
					Outcome:      rule.Outcome,
					Since:        rec.CreatedAt.Add(-window),
				}
				violated = s.log.count(&q) > rule.MaxCount
			}
			if violated {
				s.enforce(ctx, p, rule, rec)
			}
		}
	}
}

// enforce opens (or reuses) the moderation case for a violation, applies the
// rule's sanction, and writes the derivative records. Derivatives carry the
// skip marker so they never re-enter evaluate.
func (s *Service) enforce(ctx context.Context, p *Policy, rule *Rule, rec *AuditRecord) {
	now := s.now().UTC()

	s.state.mu.Lock()
	c := s.state.openCaseLocked(rec.ActorID, p.ID)
	if c == nil {
		c = &Case{
			ID:        uuid.NewString(),
			SubjectID: rec.ActorID,
			PolicyID:  p.ID,
			Status:    StatusOpen,
			Reason:    fmt.Sprintf("policy %s violated by %s", p.Name, rec.Action),
			Evidence: map[string]any{
				"auditId": rec.ID,
				"action":  rec.Action,
				"rule":    string(rule.Type),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.state.cases[c.ID] = c
	}

	var sn *Sanction
	applied := false
	if rule.Sanction != nil {
		sn = s.state.activeSanctionLocked(c.ID, rule.Sanction.Type)
		if sn == nil {
			details := rule.Sanction.Reason
			if details == "" {
				details = fmt.Sprintf("applied by policy %s", p.ID)
			}
			sn = &Sanction{
				ID:        uuid.NewString(),
				SubjectID: rec.ActorID,
				CaseID:    c.ID,
				Type:      rule.Sanction.Type,
				Details:   details,
				Status:    StatusActive,
				CreatedAt: now,
			}
			s.state.sanctions[sn.ID] = sn
			applied = true
		}
	}

	caseCopy := *c
	var snCopy *Sanction
	if sn != nil {
		cp := *sn
		snCopy = &cp
	}
	s.state.mu.Unlock()

	// Enforcement must bite even when the projection is down, so the write
	// is best-effort here, unlike the operator paths.
	if s.store != nil {
		if err := s.store.SaveEnforcement(ctx, &caseCopy, snCopy); err != nil {
			slog.Error("Failed to persist governance enforcement",
				"case", caseCopy.ID, "policy", p.ID, "error", err)
		}
	}

	s.Record(ctx, AuditRecord{
		ActorID:      rec.ActorID,
		Action:       "policy.violation",
		ResourceType: "policy",
		ResourceID:   p.ID,
		Outcome:      OutcomeFailure,
		Details: map[string]any{
			SkipDetailKey: true,
			"caseId":      caseCopy.ID,
			"rule":        string(rule.Type),
			"trigger":     rec.Action,
			"auditId":     rec.ID,
		},
	})
	if applied {
		s.Record(ctx, AuditRecord{
			ActorID:      rec.ActorID,
			Action:       "sanction.apply.auto",
			ResourceType: "sanction",
			ResourceID:   snCopy.ID,
			Outcome:      OutcomeSuccess,
			Details: map[string]any{
				SkipDetailKey: true,
				"caseId":      caseCopy.ID,
				"type":        string(snCopy.Type),
			},
		})
	}

	s.emit(protocol.ChannelAlerts, "policy.violation", rec.ActorID, map[string]any{
		"policyId": p.ID,
		"caseId":   caseCopy.ID,
		"action":   rec.Action,
	})
	if applied {
		s.emit(protocol.ChannelAlerts, "sanction.applied", rec.ActorID, map[string]any{
			"sanctionId": snCopy.ID,
			"caseId":     caseCopy.ID,
			"type":       string(snCopy.Type),
			"auto":       true,
		})
	}
}
