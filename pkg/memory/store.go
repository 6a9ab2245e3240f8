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
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Store persists the three memory kinds. Implementations apply the
// hard filters (query tokens, tags, importance, time range); ranking,
// strength, and limits belong to the Service.
type Store interface {
	PutEpisode(ctx context.Context, e *Episode) error
	PutFact(ctx context.Context, f *Fact) error
	PutProcedure(ctx context.Context, p *Procedure) error

	GetEpisode(ctx context.Context, agentID, id string) (*Episode, error)
	GetFact(ctx context.Context, agentID, id string) (*Fact, error)
	GetProcedure(ctx context.Context, agentID, id string) (*Procedure, error)

	// GetProcedureByName returns the active procedure with the highest
	// version under that name.
	GetProcedureByName(ctx context.Context, agentID, name string) (*Procedure, error)

	SearchEpisodes(ctx context.Context, agentID, query string, f Filters) ([]*Episode, error)
	SearchFacts(ctx context.Context, agentID, query string, f Filters) ([]*Fact, error)
	SearchProcedures(ctx context.Context, agentID, query string, f Filters) ([]*Procedure, error)

	// RecordExecution folds one outcome into the procedure's running
	// success average and returns the updated record.
	RecordExecution(ctx context.Context, agentID, id string, success bool) (*Procedure, error)

	Delete(ctx context.Context, agentID string, kind Kind, id string) error
	DeleteAgent(ctx context.Context, agentID string) (int, error)
	Count(ctx context.Context, agentID string) (int, error)
	Close() error
}

// MemoryStore keeps all records in process memory. Each agent is
// bounded by maxEntries; episodes and facts are evicted lowest
// importance first (oldest breaking ties), procedures are never
// auto-evicted.
type MemoryStore struct {
	mu         sync.RWMutex
	maxEntries int
	episodes   map[string]map[string]*Episode
	facts      map[string]map[string]*Fact
	procedures map[string]map[string]*Procedure
}

func NewMemoryStore(maxEntriesPerAgent int) *MemoryStore {
	if maxEntriesPerAgent <= 0 {
		maxEntriesPerAgent = 1000
	}
	return &MemoryStore{
		maxEntries: maxEntriesPerAgent,
		episodes:   make(map[string]map[string]*Episode),
		facts:      make(map[string]map[string]*Fact),
		procedures: make(map[string]map[string]*Procedure),
	}
}

func (s *MemoryStore) PutEpisode(ctx context.Context, e *Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[e.AgentID][e.ID]; !exists {
		if err := s.makeRoomLocked(e.AgentID); err != nil {
			return err
		}
	}
	if s.episodes[e.AgentID] == nil {
		s.episodes[e.AgentID] = make(map[string]*Episode)
	}
	s.episodes[e.AgentID][e.ID] = cloneEpisode(e)
	return nil
}

func (s *MemoryStore) PutFact(ctx context.Context, f *Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.facts[f.AgentID][f.ID]; !exists {
		if err := s.makeRoomLocked(f.AgentID); err != nil {
			return err
		}
	}
	if s.facts[f.AgentID] == nil {
		s.facts[f.AgentID] = make(map[string]*Fact)
	}
	s.facts[f.AgentID][f.ID] = cloneFact(f)
	return nil
}

func (s *MemoryStore) PutProcedure(ctx context.Context, p *Procedure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.procedures[p.AgentID][p.ID]; !exists {
		if err := s.makeRoomLocked(p.AgentID); err != nil {
			return err
		}
	}
	if s.procedures[p.AgentID] == nil {
		s.procedures[p.AgentID] = make(map[string]*Procedure)
	}
	s.procedures[p.AgentID][p.ID] = cloneProcedure(p)
	return nil
}

// makeRoomLocked evicts one episode or fact when the agent is at its
// entry budget. Returns a conflict error when only procedures remain.
func (s *MemoryStore) makeRoomLocked(agentID string) error {
	total := len(s.episodes[agentID]) + len(s.facts[agentID]) + len(s.procedures[agentID])
	if total < s.maxEntries {
		return nil
	}

	var (
		evictEpisode *Episode
		evictFact    *Fact
	)
	for _, e := range s.episodes[agentID] {
		if evictEpisode == nil || lessWorthy(e.Importance, e.CreatedAt, evictEpisode.Importance, evictEpisode.CreatedAt) {
			evictEpisode = e
		}
	}
	for _, f := range s.facts[agentID] {
		if evictFact == nil || lessWorthy(f.Importance, f.CreatedAt, evictFact.Importance, evictFact.CreatedAt) {
			evictFact = f
		}
	}

	switch {
	case evictEpisode != nil && (evictFact == nil || lessWorthy(evictEpisode.Importance, evictEpisode.CreatedAt, evictFact.Importance, evictFact.CreatedAt)):
		delete(s.episodes[agentID], evictEpisode.ID)
	case evictFact != nil:
		delete(s.facts[agentID], evictFact.ID)
	default:
		return protocol.Errorf(protocol.CodeConflict, "Agent memory is full (%d entries)", total)
	}
	return nil
}

func lessWorthy(imp1 float64, t1 time.Time, imp2 float64, t2 time.Time) bool {
	if imp1 != imp2 {
		return imp1 < imp2
	}
	return t1.Before(t2)
}

func (s *MemoryStore) GetEpisode(ctx context.Context, agentID, id string) (*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.episodes[agentID][id]; ok {
		return cloneEpisode(e), nil
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
}

func (s *MemoryStore) GetFact(ctx context.Context, agentID, id string) (*Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.facts[agentID][id]; ok {
		return cloneFact(f), nil
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
}

func (s *MemoryStore) GetProcedure(ctx context.Context, agentID, id string) (*Procedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.procedures[agentID][id]; ok {
		return cloneProcedure(p), nil
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %s not found", id)
}

func (s *MemoryStore) GetProcedureByName(ctx context.Context, agentID, name string) (*Procedure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Procedure
	for _, p := range s.procedures[agentID] {
		if !p.Active || p.Name != name {
			continue
		}
		if best == nil || p.Version > best.Version {
			best = p
		}
	}
	if best == nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %q not found", name)
	}
	return cloneProcedure(best), nil
}

func (s *MemoryStore) SearchEpisodes(ctx context.Context, agentID, query string, f Filters) ([]*Episode, error) {
	tokens := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Episode
	for _, e := range s.episodes[agentID] {
		if e.Importance < f.MinImportance || !inTimeRange(e.CreatedAt, f) {
			continue
		}
		if !matchesTags(e.Tags, f.Tags) || !matchesQuery(tokens, e.text()) {
			continue
		}
		out = append(out, cloneEpisode(e))
	}
	sortByCreated(out, func(e *Episode) time.Time { return e.CreatedAt })
	return out, nil
}

func (s *MemoryStore) SearchFacts(ctx context.Context, agentID, query string, f Filters) ([]*Fact, error) {
	tokens := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Fact
	for _, fact := range s.facts[agentID] {
		if fact.Importance < f.MinImportance || !inTimeRange(fact.CreatedAt, f) {
			continue
		}
		if !matchesTags(fact.Tags, f.Tags) || !matchesQuery(tokens, fact.text()) {
			continue
		}
		out = append(out, cloneFact(fact))
	}
	sortByCreated(out, func(f *Fact) time.Time { return f.CreatedAt })
	return out, nil
}

// SearchProcedures returns active procedures only; retired versions
// stay addressable through GetProcedure.
func (s *MemoryStore) SearchProcedures(ctx context.Context, agentID, query string, f Filters) ([]*Procedure, error) {
	tokens := tokenize(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Procedure
	for _, p := range s.procedures[agentID] {
		if !p.Active || !inTimeRange(p.CreatedAt, f) {
			continue
		}
		if !matchesTags(p.Tags, f.Tags) || !matchesQuery(tokens, p.text()) {
			continue
		}
		out = append(out, cloneProcedure(p))
	}
	sortByCreated(out, func(p *Procedure) time.Time { return p.CreatedAt })
	return out, nil
}

func (s *MemoryStore) RecordExecution(ctx context.Context, agentID, id string, success bool) (*Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procedures[agentID][id]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Procedure %s not found", id)
	}

	x := 0.0
	if success {
		x = 1.0
	}
	p.SuccessRate += (x - p.SuccessRate) / float64(p.ExecutionCount+1)
	p.ExecutionCount++
	p.UpdatedAt = time.Now().UTC()
	return cloneProcedure(p), nil
}

func (s *MemoryStore) Delete(ctx context.Context, agentID string, kind Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case KindEpisodic:
		if _, ok := s.episodes[agentID][id]; ok {
			delete(s.episodes[agentID], id)
			return nil
		}
	case KindSemantic:
		if _, ok := s.facts[agentID][id]; ok {
			delete(s.facts[agentID], id)
			return nil
		}
	case KindProcedural:
		if _, ok := s.procedures[agentID][id]; ok {
			delete(s.procedures[agentID], id)
			return nil
		}
	default:
		return protocol.Errorf(protocol.CodeValidation, "Unknown memory kind %q", kind)
	}
	return protocol.Errorf(protocol.CodeNotFound, "Memory %s not found", id)
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.episodes[agentID]) + len(s.facts[agentID]) + len(s.procedures[agentID])
	delete(s.episodes, agentID)
	delete(s.facts, agentID)
	delete(s.procedures, agentID)
	return removed, nil
}

func (s *MemoryStore) Count(ctx context.Context, agentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes[agentID]) + len(s.facts[agentID]) + len(s.procedures[agentID]), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByCreated[T any](items []T, created func(T) time.Time) {
	slices.SortFunc(items, func(a, b T) int {
		return created(b).Compare(created(a))
	})
}

func cloneEpisode(e *Episode) *Episode {
	out := *e
	out.Tags = slices.Clone(e.Tags)
	out.Embedding = slices.Clone(e.Embedding)
	return &out
}

func cloneFact(f *Fact) *Fact {
	out := *f
	out.Tags = slices.Clone(f.Tags)
	out.Embedding = slices.Clone(f.Embedding)
	return &out
}

func cloneProcedure(p *Procedure) *Procedure {
	out := *p
	out.Steps = slices.Clone(p.Steps)
	out.Tags = slices.Clone(p.Tags)
	out.Embedding = slices.Clone(p.Embedding)
	out.Inputs = maps.Clone(p.Inputs)
	out.Outputs = maps.Clone(p.Outputs)
	return &out
}

var _ Store = (*MemoryStore)(nil)
