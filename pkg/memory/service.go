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

// Package memory gives every agent three private stores: episodes
// (what happened), facts (what it knows), and procedures (how it does
// things). Search fans out across the kinds and blends vector
// similarity with plain text match; the index and the embedder are
// both optional and both fail soft.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/embedder"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/vector"
)

const (
	defaultSearchLimit   = 20
	defaultImportance    = 0.5
	strengthHalfLifeDays = 30
	vectorCollectionStem = "warden"
	vectorContentMetaKey = "content"
	vectorAgentIDMetaKey = "agent_id"
)

// Service is the memory façade. Writes return opaque memory ids;
// reads are always scoped to one agent. When encryption is enabled
// the vector index is disabled and embeddings are never stored, so
// nothing derived from plaintext leaves the cipher.
type Service struct {
	store     Store
	vectors   vector.Provider
	embedder  embedder.Embedder
	encrypted bool
	now       func() time.Time
}

func NewService(cfg *config.MemoryConfig, st Store, vectors vector.Provider, emb embedder.Embedder) *Service {
	encrypted := false
	if cfg != nil {
		encrypted = cfg.Encryption.IsEnabled()
	}
	if vectors == nil {
		vectors = vector.NilProvider{}
	}
	return &Service{
		store:     st,
		vectors:   vectors,
		embedder:  emb,
		encrypted: encrypted,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) vectorEnabled() bool {
	return !s.encrypted && s.vectors.Name() != "none"
}

func (s *Service) collection(kind Kind) string {
	return vectorCollectionStem + "_" + string(kind)
}

// RecordEpisode stores one event in the agent's episodic memory and
// returns its id.
func (s *Service) RecordEpisode(ctx context.Context, e *Episode) (string, error) {
	if e == nil || e.AgentID == "" || e.EventName == "" {
		return "", protocol.NewError(protocol.CodeValidation, "Episode requires an agent id and an event name")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.Importance = normalizeImportance(e.Importance)
	e.Embedding = s.prepareEmbedding(ctx, e.text(), e.Embedding)

	if err := s.store.PutEpisode(ctx, e); err != nil {
		return "", err
	}
	s.upsertVector(ctx, KindEpisodic, e.ID, e.AgentID, e.text(), e.Embedding)
	return e.ID, nil
}

// StoreFact stores one fact in the agent's semantic memory and
// returns its id.
func (s *Service) StoreFact(ctx context.Context, f *Fact) (string, error) {
	if f == nil || f.AgentID == "" || f.Content == "" {
		return "", protocol.NewError(protocol.CodeValidation, "Fact requires an agent id and content")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	f.Importance = normalizeImportance(f.Importance)
	f.Embedding = s.prepareEmbedding(ctx, f.text(), f.Embedding)

	if err := s.store.PutFact(ctx, f); err != nil {
		return "", err
	}
	s.upsertVector(ctx, KindSemantic, f.ID, f.AgentID, f.text(), f.Embedding)
	return f.ID, nil
}

// LearnProcedure stores a procedure and returns its id. Learning a
// name the agent already knows retires the old version and starts the
// new one at version+1 with fresh execution statistics.
func (s *Service) LearnProcedure(ctx context.Context, p *Procedure) (string, error) {
	if p == nil || p.AgentID == "" || p.Name == "" || len(p.Steps) == 0 {
		return "", protocol.NewError(protocol.CodeValidation, "Procedure requires an agent id, a name, and at least one step")
	}

	now := s.now()
	p.Version = 1
	prev, err := s.store.GetProcedureByName(ctx, p.AgentID, p.Name)
	switch {
	case err == nil:
		prev.Active = false
		prev.UpdatedAt = now
		if err := s.store.PutProcedure(ctx, prev); err != nil {
			return "", err
		}
		s.deleteVector(ctx, KindProcedural, prev.ID)
		p.Version = prev.Version + 1
	case protocol.CodeOf(err) != protocol.CodeNotFound:
		return "", err
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Active = true
	p.SuccessRate = 0
	p.ExecutionCount = 0
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Embedding = s.prepareEmbedding(ctx, p.text(), p.Embedding)

	if err := s.store.PutProcedure(ctx, p); err != nil {
		return "", err
	}
	s.upsertVector(ctx, KindProcedural, p.ID, p.AgentID, p.text(), p.Embedding)
	return p.ID, nil
}

// RecordProcedureExecution folds one outcome into the procedure's
// running success average.
func (s *Service) RecordProcedureExecution(ctx context.Context, agentID, id string, success bool) (*Procedure, error) {
	return s.store.RecordExecution(ctx, agentID, id, success)
}

func (s *Service) GetEpisode(ctx context.Context, agentID, id string) (*Episode, error) {
	return s.store.GetEpisode(ctx, agentID, id)
}

func (s *Service) GetFact(ctx context.Context, agentID, id string) (*Fact, error) {
	return s.store.GetFact(ctx, agentID, id)
}

func (s *Service) GetProcedure(ctx context.Context, agentID, id string) (*Procedure, error) {
	return s.store.GetProcedure(ctx, agentID, id)
}

// ProcedureByName resolves the active version of a named procedure.
func (s *Service) ProcedureByName(ctx context.Context, agentID, name string) (*Procedure, error) {
	return s.store.GetProcedureByName(ctx, agentID, name)
}

// Search fans out across the requested kinds. When a query string is
// present and no vector was supplied, the query is embedded; embedder
// or index failures degrade to text-only matching without error.
func (s *Service) Search(ctx context.Context, agentID, query string, f Filters) ([]Hit, error) {
	if agentID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Search requires an agent id")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	kinds := f.Kinds
	if len(kinds) == 0 {
		kinds = Kinds
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, protocol.Errorf(protocol.CodeValidation, "Unknown memory kind %q", k)
		}
	}

	queryVec := f.Vector
	if len(queryVec) == 0 && query != "" && s.vectorEnabled() && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			slog.Debug("Query embedding failed, falling back to text match", "agent_id", agentID, "error", err)
		} else {
			queryVec = vec
		}
	}

	tokens := tokenize(query)

	var (
		mu     sync.Mutex
		merged = make(map[string]Hit)
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		g.Go(func() error {
			hits, err := s.searchKind(gctx, agentID, query, kind, f, tokens, queryVec, limit)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, h := range hits {
				key := string(h.Kind) + "/" + h.ID
				if prev, ok := merged[key]; !ok || h.Score > prev.Score {
					merged[key] = h
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Hit, 0, len(merged))
	for _, h := range merged {
		if f.MinStrength > 0 && h.Strength < f.MinStrength {
			continue
		}
		out = append(out, h)
	}
	slices.SortFunc(out, func(a, b Hit) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		if a.Strength != b.Strength {
			if a.Strength > b.Strength {
				return -1
			}
			return 1
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if !f.IncludeEmbeddings {
		for i := range out {
			out[i].Embedding = nil
		}
	}
	return out, nil
}

// searchKind collects text hits from the store plus, when a query
// vector is available, similarity hits from the index.
func (s *Service) searchKind(ctx context.Context, agentID, query string, kind Kind, f Filters, tokens map[string]struct{}, queryVec []float32, limit int) ([]Hit, error) {
	var hits []Hit
	switch kind {
	case KindEpisodic:
		episodes, err := s.store.SearchEpisodes(ctx, agentID, query, f)
		if err != nil {
			return nil, err
		}
		for _, e := range episodes {
			hits = append(hits, s.episodeHit(e, textScore(tokens, e.text())))
		}
	case KindSemantic:
		facts, err := s.store.SearchFacts(ctx, agentID, query, f)
		if err != nil {
			return nil, err
		}
		for _, fact := range facts {
			hits = append(hits, s.factHit(fact, textScore(tokens, fact.text())))
		}
	case KindProcedural:
		procedures, err := s.store.SearchProcedures(ctx, agentID, query, f)
		if err != nil {
			return nil, err
		}
		for _, p := range procedures {
			hits = append(hits, s.procedureHit(p, textScore(tokens, p.text())))
		}
	}

	if len(queryVec) > 0 && s.vectorEnabled() {
		hits = append(hits, s.vectorHits(ctx, agentID, kind, queryVec, f, limit)...)
	}
	return hits, nil
}

// vectorHits queries the index and rehydrates each id from the store,
// re-applying the filters the index cannot evaluate. Records deleted
// since indexing are skipped.
func (s *Service) vectorHits(ctx context.Context, agentID string, kind Kind, queryVec []float32, f Filters, limit int) []Hit {
	results, err := s.vectors.SearchWithFilter(ctx, s.collection(kind), queryVec, limit,
		map[string]any{vectorAgentIDMetaKey: agentID})
	if err != nil {
		slog.Debug("Vector search failed, using text results only",
			"collection", s.collection(kind), "error", err)
		return nil
	}

	var hits []Hit
	for _, r := range results {
		if f.MinSimilarity > 0 && r.Score < f.MinSimilarity {
			continue
		}
		switch kind {
		case KindEpisodic:
			e, err := s.store.GetEpisode(ctx, agentID, r.ID)
			if err != nil || e.Importance < f.MinImportance ||
				!inTimeRange(e.CreatedAt, f) || !matchesTags(e.Tags, f.Tags) {
				continue
			}
			hits = append(hits, s.episodeHit(e, r.Score))
		case KindSemantic:
			fact, err := s.store.GetFact(ctx, agentID, r.ID)
			if err != nil || fact.Importance < f.MinImportance ||
				!inTimeRange(fact.CreatedAt, f) || !matchesTags(fact.Tags, f.Tags) {
				continue
			}
			hits = append(hits, s.factHit(fact, r.Score))
		case KindProcedural:
			p, err := s.store.GetProcedure(ctx, agentID, r.ID)
			if err != nil || !p.Active ||
				!inTimeRange(p.CreatedAt, f) || !matchesTags(p.Tags, f.Tags) {
				continue
			}
			hits = append(hits, s.procedureHit(p, r.Score))
		}
	}
	return hits
}

func (s *Service) episodeHit(e *Episode, score float32) Hit {
	return Hit{
		ID:         e.ID,
		Kind:       KindEpisodic,
		Content:    e.text(),
		Score:      score,
		Strength:   s.strength(e.CreatedAt),
		Importance: e.Importance,
		Tags:       e.Tags,
		CreatedAt:  e.CreatedAt,
		Embedding:  e.Embedding,
		Record:     e,
	}
}

func (s *Service) factHit(f *Fact, score float32) Hit {
	return Hit{
		ID:         f.ID,
		Kind:       KindSemantic,
		Content:    f.text(),
		Score:      score,
		Strength:   s.strength(f.CreatedAt),
		Importance: f.Importance,
		Tags:       f.Tags,
		CreatedAt:  f.CreatedAt,
		Embedding:  f.Embedding,
		Record:     f,
	}
}

func (s *Service) procedureHit(p *Procedure, score float32) Hit {
	return Hit{
		ID:        p.ID,
		Kind:      KindProcedural,
		Content:   p.text(),
		Score:     score,
		Strength:  s.strength(p.CreatedAt),
		Tags:      p.Tags,
		CreatedAt: p.CreatedAt,
		Embedding: p.Embedding,
		Record:    p,
	}
}

// Delete removes one record from the store and the index.
func (s *Service) Delete(ctx context.Context, agentID string, kind Kind, id string) error {
	if !kind.Valid() {
		return protocol.Errorf(protocol.CodeValidation, "Unknown memory kind %q", kind)
	}
	if err := s.store.Delete(ctx, agentID, kind, id); err != nil {
		return err
	}
	s.deleteVector(ctx, kind, id)
	return nil
}

// Forget clears every memory the agent has and reports how many
// records were removed.
func (s *Service) Forget(ctx context.Context, agentID string) (int, error) {
	removed, err := s.store.DeleteAgent(ctx, agentID)
	if err != nil {
		return removed, err
	}
	if s.vectorEnabled() {
		for _, kind := range Kinds {
			if err := s.vectors.DeleteByFilter(ctx, s.collection(kind),
				map[string]any{vectorAgentIDMetaKey: agentID}); err != nil {
				slog.Debug("Vector index cleanup failed",
					"collection", s.collection(kind), "agent_id", agentID, "error", err)
			}
		}
	}
	return removed, nil
}

func (s *Service) Count(ctx context.Context, agentID string) (int, error) {
	return s.store.Count(ctx, agentID)
}

func (s *Service) Close() error {
	var errs []error
	if s.embedder != nil {
		errs = append(errs, s.embedder.Close())
	}
	errs = append(errs, s.vectors.Close(), s.store.Close())
	return errors.Join(errs...)
}

// prepareEmbedding returns the vector to store alongside a record.
// Encryption strips embeddings entirely; a caller-supplied vector is
// kept as-is; otherwise one is generated when the index is live.
func (s *Service) prepareEmbedding(ctx context.Context, text string, supplied []float32) []float32 {
	if s.encrypted {
		return nil
	}
	if len(supplied) > 0 {
		return supplied
	}
	if s.embedder == nil || !s.vectorEnabled() {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		slog.Debug("Embedding generation failed, storing without vector", "error", err)
		return nil
	}
	return vec
}

func (s *Service) upsertVector(ctx context.Context, kind Kind, id, agentID, content string, vec []float32) {
	if !s.vectorEnabled() || len(vec) == 0 {
		return
	}
	meta := map[string]any{
		vectorContentMetaKey: content,
		vectorAgentIDMetaKey: agentID,
	}
	if err := s.vectors.Upsert(ctx, s.collection(kind), id, vec, meta); err != nil {
		slog.Debug("Vector index update failed", "collection", s.collection(kind), "error", err)
	}
}

func (s *Service) deleteVector(ctx context.Context, kind Kind, id string) {
	if !s.vectorEnabled() {
		return
	}
	if err := s.vectors.Delete(ctx, s.collection(kind), id); err != nil {
		slog.Debug("Vector index delete failed", "collection", s.collection(kind), "error", err)
	}
}

// strength is recency decay with a 30 day half life. Records newer
// than now score 1.
func (s *Service) strength(createdAt time.Time) float64 {
	age := s.now().Sub(createdAt)
	if age <= 0 {
		return 1
	}
	days := age.Hours() / 24
	return math.Pow(0.5, days/strengthHalfLifeDays)
}

func normalizeImportance(v float64) float64 {
	switch {
	case v <= 0:
		return defaultImportance
	case v > 1:
		return 1
	}
	return v
}
