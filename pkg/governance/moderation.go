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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Case, appeal and sanction statuses.
const (
	StatusOpen      = "open"
	StatusResolved  = "resolved"
	StatusDismissed = "dismissed"
	StatusActive    = "active"
)

// ManualPolicyID marks cases opened by an operator rather than the loop.
const ManualPolicyID = "manual"

// SanctionType orders the enforcement ladder.
type SanctionType string

const (
	SanctionWarn       SanctionType = "warn"
	SanctionThrottle   SanctionType = "throttle"
	SanctionQuarantine SanctionType = "quarantine"
	SanctionBan        SanctionType = "ban"
)

var sanctionSeverity = map[SanctionType]int{
	SanctionWarn:       1,
	SanctionThrottle:   2,
	SanctionQuarantine: 3,
	SanctionBan:        4,
}

func (t SanctionType) valid() bool {
	_, ok := sanctionSeverity[t]
	return ok
}

// Case is one moderation case against an agent. At most one case per
// (subject, policy) is open at a time; violations reuse it.
type Case struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subjectAgentId"`
	PolicyID   string         `json:"policyId"`
	Status     string         `json:"status"`
	Reason     string         `json:"reason"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Resolution string         `json:"resolution,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Sanction restricts an agent until it is resolved. At most one sanction per
// (case, type) is active at a time.
type Sanction struct {
	ID         string       `json:"id"`
	SubjectID  string       `json:"subjectAgentId"`
	CaseID     string       `json:"caseId"`
	Type       SanctionType `json:"type"`
	Details    string       `json:"details,omitempty"`
	Status     string       `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
}

// Appeal contests a moderation case. Acceptance resolves the case and lifts
// its sanctions; rejection dismisses the appeal and leaves them standing.
type Appeal struct {
	ID         string    `json:"id"`
	CaseID     string    `json:"caseId"`
	SubjectID  string    `json:"subjectAgentId"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason"`
	Resolution string    `json:"resolution,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// moderationState is the authoritative in-memory moderation data, guarded by
// one lock. The store is a write-behind projection of it.
type moderationState struct {
	mu        sync.RWMutex
	policies  map[string]*Policy
	cases     map[string]*Case
	sanctions map[string]*Sanction
	appeals   map[string]*Appeal
}

func newModerationState() *moderationState {
	return &moderationState{
		policies:  make(map[string]*Policy),
		cases:     make(map[string]*Case),
		sanctions: make(map[string]*Sanction),
		appeals:   make(map[string]*Appeal),
	}
}

func (m *moderationState) restore(st *State) {
	if st == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range st.Policies {
		m.policies[p.ID] = p
	}
	for _, c := range st.Cases {
		m.cases[c.ID] = c
	}
	for _, sn := range st.Sanctions {
		m.sanctions[sn.ID] = sn
	}
	for _, a := range st.Appeals {
		m.appeals[a.ID] = a
	}
}

func (m *moderationState) openCaseLocked(subjectID, policyID string) *Case {
	for _, c := range m.cases {
		if c.Status == StatusOpen && c.SubjectID == subjectID && c.PolicyID == policyID {
			return c
		}
	}
	return nil
}

func (m *moderationState) activeSanctionLocked(caseID string, typ SanctionType) *Sanction {
	for _, sn := range m.sanctions {
		if sn.Status == StatusActive && sn.CaseID == caseID && sn.Type == typ {
			return sn
		}
	}
	return nil
}

func (m *moderationState) openAppealLocked(caseID string) *Appeal {
	for _, a := range m.appeals {
		if a.Status == StatusOpen && a.CaseID == caseID {
			return a
		}
	}
	return nil
}

// ============================================================================
// CASES
// ============================================================================

// OpenCase opens a moderation case, or returns the already open case for the
// same subject and policy. An empty policyID files the case as manual.
func (s *Service) OpenCase(ctx context.Context, subjectID, policyID, reason string, evidence map[string]any) (*Case, error) {
	if subjectID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "subject agent id is required")
	}
	if policyID == "" {
		policyID = ManualPolicyID
	}

	now := s.now().UTC()
	s.state.mu.Lock()
	if existing := s.state.openCaseLocked(subjectID, policyID); existing != nil {
		c := *existing
		s.state.mu.Unlock()
		return &c, nil
	}
	c := &Case{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		PolicyID:  policyID,
		Status:    StatusOpen,
		Reason:    reason,
		Evidence:  evidence,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.cases[c.ID] = c
	s.state.mu.Unlock()

	if err := s.persistCase(ctx, c); err != nil {
		s.state.mu.Lock()
		delete(s.state.cases, c.ID)
		s.state.mu.Unlock()
		return nil, err
	}

	s.emit(protocol.ChannelEvents, "moderation.case.opened", subjectID, map[string]any{
		"caseId":   c.ID,
		"policyId": policyID,
	})
	out := *c
	return &out, nil
}

// GetCase returns the case with the given id.
func (s *Service) GetCase(id string) (*Case, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	c, ok := s.state.cases[id]
	if !ok {
		return nil, notFound("moderation case", id)
	}
	out := *c
	return &out, nil
}

// Cases lists moderation cases, newest last. Empty filters match everything.
func (s *Service) Cases(subjectID, status string) []*Case {
	s.state.mu.RLock()
	out := make([]*Case, 0, len(s.state.cases))
	for _, c := range s.state.cases {
		if subjectID != "" && c.SubjectID != subjectID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
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

// ResolveCase closes an open case with a resolution note.
func (s *Service) ResolveCase(ctx context.Context, id, resolution string) (*Case, error) {
	s.state.mu.Lock()
	c, ok := s.state.cases[id]
	if !ok {
		s.state.mu.Unlock()
		return nil, notFound("moderation case", id)
	}
	if c.Status != StatusOpen {
		s.state.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "moderation case %s is already %s", id, c.Status)
	}
	prev := *c
	c.Status = StatusResolved
	c.Resolution = resolution
	c.UpdatedAt = s.now().UTC()
	out := *c
	s.state.mu.Unlock()

	if err := s.persistCase(ctx, &out); err != nil {
		s.state.mu.Lock()
		*c = prev
		s.state.mu.Unlock()
		return nil, err
	}

	s.emit(protocol.ChannelEvents, "moderation.case.resolved", out.SubjectID, map[string]any{
		"caseId": out.ID,
	})
	return &out, nil
}

// ============================================================================
// SANCTIONS
// ============================================================================

// ApplySanction applies a sanction to an agent. Without a caseID a manual
// moderation case is opened (or reused) to anchor it. A second active
// sanction of the same type on the same case is a conflict.
func (s *Service) ApplySanction(ctx context.Context, subjectID string, typ SanctionType, details, caseID string) (*Sanction, error) {
	if subjectID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "subject agent id is required")
	}
	if !typ.valid() {
		return nil, protocol.Errorf(protocol.CodeValidation, "unknown sanction type %q", typ)
	}

	now := s.now().UTC()
	s.state.mu.Lock()
	var c *Case
	createdCase := false
	if caseID != "" {
		existing, ok := s.state.cases[caseID]
		if !ok {
			s.state.mu.Unlock()
			return nil, notFound("moderation case", caseID)
		}
		if existing.SubjectID != subjectID {
			s.state.mu.Unlock()
			return nil, protocol.Errorf(protocol.CodeValidation, "moderation case %s does not concern agent %s", caseID, subjectID)
		}
		c = existing
	} else {
		c = s.state.openCaseLocked(subjectID, ManualPolicyID)
		if c == nil {
			c = &Case{
				ID:        uuid.NewString(),
				SubjectID: subjectID,
				PolicyID:  ManualPolicyID,
				Status:    StatusOpen,
				Reason:    "manual sanction",
				CreatedAt: now,
				UpdatedAt: now,
			}
			s.state.cases[c.ID] = c
			createdCase = true
		}
	}

	if existing := s.state.activeSanctionLocked(c.ID, typ); existing != nil {
		s.state.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "duplicate sanction: %s already active for case %s", typ, c.ID)
	}

	sn := &Sanction{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		CaseID:    c.ID,
		Type:      typ,
		Details:   details,
		Status:    StatusActive,
		CreatedAt: now,
	}
	s.state.sanctions[sn.ID] = sn
	caseCopy := *c
	snCopy := *sn
	s.state.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveEnforcement(ctx, &caseCopy, &snCopy); err != nil {
			s.state.mu.Lock()
			delete(s.state.sanctions, sn.ID)
			if createdCase {
				delete(s.state.cases, c.ID)
			}
			s.state.mu.Unlock()
			return nil, protocol.Errorf(protocol.CodeUpstream, "failed to persist sanction: %v", err)
		}
	}

	s.emit(protocol.ChannelAlerts, "sanction.applied", subjectID, map[string]any{
		"sanctionId": sn.ID,
		"caseId":     c.ID,
		"type":       string(typ),
	})
	return &snCopy, nil
}

// Sanctions lists sanctions, newest last. An empty subjectID matches every
// agent; activeOnly hides resolved ones.
func (s *Service) Sanctions(subjectID string, activeOnly bool) []*Sanction {
	s.state.mu.RLock()
	out := make([]*Sanction, 0, len(s.state.sanctions))
	for _, sn := range s.state.sanctions {
		if subjectID != "" && sn.SubjectID != subjectID {
			continue
		}
		if activeOnly && sn.Status != StatusActive {
			continue
		}
		cp := *sn
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

// Sanctioned returns the most severe active sanction for the agent, or nil.
// The dispatcher's sanction gate calls this on every task.
func (s *Service) Sanctioned(subjectID string) *Sanction {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()

	var worst *Sanction
	for _, sn := range s.state.sanctions {
		if sn.SubjectID != subjectID || sn.Status != StatusActive {
			continue
		}
		if worst == nil || sanctionSeverity[sn.Type] > sanctionSeverity[worst.Type] {
			worst = sn
		}
	}
	if worst == nil {
		return nil
	}
	out := *worst
	return &out
}

// LiftSanction resolves an active sanction. Lifting an already resolved
// sanction is a no-op.
func (s *Service) LiftSanction(ctx context.Context, id string) (*Sanction, error) {
	s.state.mu.Lock()
	sn, ok := s.state.sanctions[id]
	if !ok {
		s.state.mu.Unlock()
		return nil, notFound("sanction", id)
	}
	if sn.Status != StatusActive {
		out := *sn
		s.state.mu.Unlock()
		return &out, nil
	}
	prev := *sn
	now := s.now().UTC()
	sn.Status = StatusResolved
	sn.ResolvedAt = &now
	out := *sn
	s.state.mu.Unlock()

	if err := s.persistSanction(ctx, &out); err != nil {
		s.state.mu.Lock()
		*sn = prev
		s.state.mu.Unlock()
		return nil, err
	}

	s.emit(protocol.ChannelEvents, "sanction.lifted", out.SubjectID, map[string]any{
		"sanctionId": out.ID,
		"caseId":     out.CaseID,
		"type":       string(out.Type),
	})
	return &out, nil
}

// ============================================================================
// APPEALS
// ============================================================================

// OpenAppeal contests a case. The case must exist; an appeal already open
// against it is returned instead of a duplicate. Appeal operations are the
// one task family the sanction gate lets through.
func (s *Service) OpenAppeal(ctx context.Context, caseID, subjectID, reason string) (*Appeal, error) {
	if caseID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "case id is required")
	}

	now := s.now().UTC()
	s.state.mu.Lock()
	c, ok := s.state.cases[caseID]
	if !ok {
		s.state.mu.Unlock()
		return nil, notFound("moderation case", caseID)
	}
	if subjectID == "" {
		subjectID = c.SubjectID
	}
	if existing := s.state.openAppealLocked(caseID); existing != nil {
		out := *existing
		s.state.mu.Unlock()
		return &out, nil
	}
	a := &Appeal{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		SubjectID: subjectID,
		Status:    StatusOpen,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.appeals[a.ID] = a
	s.state.mu.Unlock()

	if err := s.persistAppeal(ctx, a); err != nil {
		s.state.mu.Lock()
		delete(s.state.appeals, a.ID)
		s.state.mu.Unlock()
		return nil, err
	}

	s.emit(protocol.ChannelEvents, "appeal.opened", subjectID, map[string]any{
		"appealId": a.ID,
		"caseId":   caseID,
	})
	out := *a
	return &out, nil
}

// Appeals lists appeals, newest last. Empty filters match everything.
func (s *Service) Appeals(subjectID, status string) []*Appeal {
	s.state.mu.RLock()
	out := make([]*Appeal, 0, len(s.state.appeals))
	for _, a := range s.state.appeals {
		if subjectID != "" && a.SubjectID != subjectID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
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

// ResolveAppeal decides an open appeal. Acceptance resolves the case and
// lifts every active sanction on it in the same transaction; rejection
// dismisses the appeal and leaves the sanctions standing.
func (s *Service) ResolveAppeal(ctx context.Context, id string, accept bool, resolution string) (*Appeal, error) {
	now := s.now().UTC()

	s.state.mu.Lock()
	a, ok := s.state.appeals[id]
	if !ok {
		s.state.mu.Unlock()
		return nil, notFound("appeal", id)
	}
	if a.Status != StatusOpen {
		s.state.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "appeal %s is already %s", id, a.Status)
	}

	prevAppeal := *a
	if resolution == "" {
		if accept {
			resolution = "appeal accepted"
		} else {
			resolution = "appeal rejected"
		}
	}
	a.Resolution = resolution
	a.UpdatedAt = now

	var (
		c           *Case
		prevCase    Case
		caseTouched bool
		lifted      []*Sanction
		prevLifted  []Sanction
	)
	if accept {
		a.Status = StatusResolved
		if c = s.state.cases[a.CaseID]; c != nil && c.Status == StatusOpen {
			prevCase = *c
			caseTouched = true
			c.Status = StatusResolved
			c.Resolution = resolution
			c.UpdatedAt = now
		}
		for _, sn := range s.state.sanctions {
			if sn.CaseID != a.CaseID || sn.Status != StatusActive {
				continue
			}
			prevLifted = append(prevLifted, *sn)
			resolvedAt := now
			sn.Status = StatusResolved
			sn.ResolvedAt = &resolvedAt
			lifted = append(lifted, sn)
		}
	} else {
		a.Status = StatusDismissed
	}

	appealCopy := *a
	var caseCopy *Case
	if caseTouched {
		cc := *c
		caseCopy = &cc
	}
	liftedCopies := make([]*Sanction, len(lifted))
	for i, sn := range lifted {
		cp := *sn
		liftedCopies[i] = &cp
	}
	s.state.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveAppealResolution(ctx, &appealCopy, caseCopy, liftedCopies); err != nil {
			s.state.mu.Lock()
			*a = prevAppeal
			if caseTouched {
				*c = prevCase
			}
			for i, sn := range lifted {
				*sn = prevLifted[i]
			}
			s.state.mu.Unlock()
			return nil, protocol.Errorf(protocol.CodeUpstream, "failed to persist appeal resolution: %v", err)
		}
	}

	for _, sn := range liftedCopies {
		s.Record(ctx, AuditRecord{
			ActorID:      sn.SubjectID,
			Action:       "sanction.lift",
			ResourceType: "sanction",
			ResourceID:   sn.ID,
			Outcome:      OutcomeSuccess,
			Details: map[string]any{
				SkipDetailKey: true,
				"appealId":    appealCopy.ID,
				"caseId":      sn.CaseID,
				"type":        string(sn.Type),
			},
		})
		s.emit(protocol.ChannelEvents, "sanction.lifted", sn.SubjectID, map[string]any{
			"sanctionId": sn.ID,
			"caseId":     sn.CaseID,
			"type":       string(sn.Type),
		})
	}
	s.emit(protocol.ChannelEvents, "appeal.resolved", appealCopy.SubjectID, map[string]any{
		"appealId": appealCopy.ID,
		"caseId":   appealCopy.CaseID,
		"accepted": accept,
	})
	return &appealCopy, nil
}

// ============================================================================
// PERSISTENCE HELPERS
// ============================================================================

func (s *Service) persistCase(ctx context.Context, c *Case) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveCase(ctx, c); err != nil {
		return protocol.Errorf(protocol.CodeUpstream, "failed to persist moderation case: %v", err)
	}
	return nil
}

func (s *Service) persistSanction(ctx context.Context, sn *Sanction) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveSanction(ctx, sn); err != nil {
		return protocol.Errorf(protocol.CodeUpstream, "failed to persist sanction: %v", err)
	}
	return nil
}

func (s *Service) persistAppeal(ctx context.Context, a *Appeal) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveAppeal(ctx, a); err != nil {
		return protocol.Errorf(protocol.CodeUpstream, "failed to persist appeal: %v", err)
	}
	return nil
}
