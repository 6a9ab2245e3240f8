package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/vector"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		vec, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return len(s.vec) }
func (s *stubEmbedder) Model() string  { return "stub" }
func (s *stubEmbedder) Close() error   { return nil }

type upsertCall struct {
	collection string
	id         string
	vec        []float32
	meta       map[string]any
}

type stubVector struct {
	vector.NilProvider
	upserts       []upsertCall
	results       map[string][]vector.Result
	searches      []string
	deletes       []string
	deleteFilters []string
}

func (s *stubVector) Name() string { return "stub" }

func (s *stubVector) Upsert(_ context.Context, collection, id string, vec []float32, meta map[string]any) error {
	s.upserts = append(s.upserts, upsertCall{collection, id, vec, meta})
	return nil
}

func (s *stubVector) SearchWithFilter(_ context.Context, collection string, _ []float32, _ int, _ map[string]any) ([]vector.Result, error) {
	s.searches = append(s.searches, collection)
	return s.results[collection], nil
}

func (s *stubVector) Delete(_ context.Context, collection, id string) error {
	s.deletes = append(s.deletes, collection+"/"+id)
	return nil
}

func (s *stubVector) DeleteByFilter(_ context.Context, collection string, _ map[string]any) error {
	s.deleteFilters = append(s.deleteFilters, collection)
	return nil
}

func newTestService(t *testing.T, vectors vector.Provider, emb *stubEmbedder) *Service {
	t.Helper()
	var svc *Service
	if emb == nil {
		svc = NewService(nil, NewMemoryStore(100), vectors, nil)
	} else {
		svc = NewService(nil, NewMemoryStore(100), vectors, emb)
	}
	svc.now = func() time.Time { return baseTime }
	return svc
}

func TestServiceRecordEpisodeDefaults(t *testing.T) {
	ctx := context.Background()
	vec := &stubVector{}
	emb := &stubEmbedder{vec: []float32{0.1, 0.2}}
	svc := newTestService(t, vec, emb)

	id, err := svc.RecordEpisode(ctx, &Episode{
		AgentID:   "a1",
		EventName: "task_completed",
		Context:   "deployed to staging",
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	got, err := svc.GetEpisode(ctx, "a1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Importance != defaultImportance {
		t.Fatalf("importance default not applied: %f", got.Importance)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("created_at not stamped: %v", got.CreatedAt)
	}
	if len(got.Embedding) != 2 {
		t.Fatalf("embedding not attached: %v", got.Embedding)
	}

	if len(vec.upserts) != 1 {
		t.Fatalf("expected 1 index write, got %d", len(vec.upserts))
	}
	up := vec.upserts[0]
	if up.collection != "warden_episodic" || up.id != id {
		t.Fatalf("unexpected index write %+v", up)
	}
	if up.meta["agent_id"] != "a1" {
		t.Fatalf("index write missing agent scope: %v", up.meta)
	}

	if _, err := svc.RecordEpisode(ctx, &Episode{AgentID: "a1"}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestServiceStoreFactClampsImportance(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	if _, err := svc.StoreFact(ctx, &Fact{AgentID: "a1"}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	id, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "overweighted", Importance: 3})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := svc.GetFact(ctx, "a1", id)
	if got.Importance != 1 {
		t.Fatalf("importance not clamped: %f", got.Importance)
	}
}

func TestServiceLearnProcedureVersioning(t *testing.T) {
	ctx := context.Background()
	vec := &stubVector{}
	svc := newTestService(t, vec, nil)

	if _, err := svc.LearnProcedure(ctx, &Procedure{AgentID: "a1", Name: "deploy"}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error for missing steps, got %v", err)
	}

	id1, err := svc.LearnProcedure(ctx, &Procedure{
		AgentID:        "a1",
		Name:           "deploy",
		Steps:          []string{"build image"},
		SuccessRate:    0.9,
		ExecutionCount: 7,
	})
	if err != nil {
		t.Fatalf("learn v1: %v", err)
	}
	v1, _ := svc.GetProcedure(ctx, "a1", id1)
	if v1.Version != 1 || !v1.Active {
		t.Fatalf("unexpected v1 %+v", v1)
	}
	if v1.SuccessRate != 0 || v1.ExecutionCount != 0 {
		t.Fatal("new procedures must start with fresh statistics")
	}

	id2, err := svc.LearnProcedure(ctx, &Procedure{
		AgentID: "a1",
		Name:    "deploy",
		Steps:   []string{"build image", "run smoke tests"},
	})
	if err != nil {
		t.Fatalf("learn v2: %v", err)
	}
	v2, _ := svc.GetProcedure(ctx, "a1", id2)
	if v2.Version != 2 || !v2.Active {
		t.Fatalf("unexpected v2 %+v", v2)
	}

	retired, _ := svc.GetProcedure(ctx, "a1", id1)
	if retired.Active {
		t.Fatal("old version should be retired")
	}
	active, err := svc.ProcedureByName(ctx, "a1", "deploy")
	if err != nil || active.ID != id2 {
		t.Fatalf("by name should resolve v2, got %+v, %v", active, err)
	}

	found := false
	for _, d := range vec.deletes {
		if d == "warden_procedural/"+id1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("retired version not removed from index: %v", vec.deletes)
	}
}

func TestServiceRecordProcedureExecution(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	id, err := svc.LearnProcedure(ctx, &Procedure{AgentID: "a1", Name: "deploy", Steps: []string{"build"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordProcedureExecution(ctx, "a1", id, true); err != nil {
		t.Fatal(err)
	}
	p, err := svc.RecordProcedureExecution(ctx, "a1", id, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.ExecutionCount != 2 || math.Abs(p.SuccessRate-0.5) > 1e-9 {
		t.Fatalf("running average wrong: %+v", p)
	}
}

func TestServiceSearchTextOnly(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	for _, content := range []string{"postgres tuning guide", "redis caching notes", "kubernetes deploy steps"} {
		if _, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := svc.Search(ctx, "a1", "postgres", Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	h := hits[0]
	if h.Kind != KindSemantic || h.Score != 1.0 {
		t.Fatalf("unexpected hit %+v", h)
	}
	if _, ok := h.Record.(*Fact); !ok {
		t.Fatalf("record not attached: %T", h.Record)
	}

	if _, err := svc.Search(ctx, "", "x", Filters{}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Search(ctx, "a1", "x", Filters{Kinds: []Kind{"imaginary"}}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error for bad kind, got %v", err)
	}
}

func TestServiceSearchFansOutAcrossKinds(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	if _, err := svc.RecordEpisode(ctx, &Episode{AgentID: "a1", EventName: "incident", Context: "deploy failed on staging"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "deploy runbook chapter four"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LearnProcedure(ctx, &Procedure{AgentID: "a1", Name: "deploy", Steps: []string{"build", "push"}}); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search(ctx, "a1", "deploy", Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("expected hits from all kinds, got %d", len(hits))
	}
	seen := map[Kind]bool{}
	for _, h := range hits {
		seen[h.Kind] = true
	}
	if !seen[KindEpisodic] || !seen[KindSemantic] || !seen[KindProcedural] {
		t.Fatalf("missing kinds: %v", seen)
	}

	hits, err = svc.Search(ctx, "a1", "deploy", Filters{Kinds: []Kind{KindSemantic}})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Kind != KindSemantic {
		t.Fatalf("kind filter failed: %+v", hits)
	}
}

func TestServiceSearchEmbedderFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	vec := &stubVector{results: map[string][]vector.Result{
		"warden_semantic": {{ID: "never", Score: 0.99}},
	}}
	emb := &stubEmbedder{err: errors.New("embedding api down")}
	store := NewMemoryStore(100)
	svc := NewService(nil, store, vec, emb)
	svc.now = func() time.Time { return baseTime }

	if err := store.PutFact(ctx, testFactRecord("f1", "postgres tuning guide", 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search(ctx, "a1", "postgres", Filters{})
	if err != nil {
		t.Fatalf("search must not fail on embedder errors: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "f1" {
		t.Fatalf("text fallback failed: %+v", hits)
	}
	if emb.calls != 1 {
		t.Fatalf("expected one embed attempt, got %d", emb.calls)
	}
	if len(vec.searches) != 0 {
		t.Fatalf("index must not be queried without a vector: %v", vec.searches)
	}
}

func TestServiceSearchMergesVectorHits(t *testing.T) {
	ctx := context.Background()
	vec := &stubVector{results: map[string][]vector.Result{}}
	emb := &stubEmbedder{vec: []float32{1, 0}}
	svc := newTestService(t, vec, emb)

	id1, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "alpha protocol notes"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "unrelated beta content"})
	if err != nil {
		t.Fatal(err)
	}
	vec.results["warden_semantic"] = []vector.Result{
		{ID: id2, Score: 0.91},
		{ID: id1, Score: 0.8},
		{ID: "ghost", Score: 0.99},
	}

	hits, err := svc.Search(ctx, "a1", "alpha", Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits (stale index entry skipped), got %d: %+v", len(hits), hits)
	}
	if hits[0].ID != id1 || hits[0].Score != 1.0 {
		t.Fatalf("text match should keep the higher score: %+v", hits[0])
	}
	if hits[1].ID != id2 || hits[1].Score != float32(0.91) {
		t.Fatalf("vector-only hit missing: %+v", hits[1])
	}

	hits, err = svc.Search(ctx, "a1", "alpha", Filters{MinSimilarity: 0.95})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id1 {
		t.Fatalf("similarity floor should drop vector hits only: %+v", hits)
	}
}

func TestServiceEncryptionDisablesVectors(t *testing.T) {
	ctx := context.Background()
	enabled := true
	cfg := &config.MemoryConfig{Encryption: config.EncryptionConfig{Enabled: &enabled, Key: testKey()}}
	vec := &stubVector{results: map[string][]vector.Result{
		"warden_semantic": {{ID: "x", Score: 0.9}},
	}}
	emb := &stubEmbedder{vec: []float32{1}}
	svc := NewService(cfg, NewMemoryStore(100), vec, emb)
	svc.now = func() time.Time { return baseTime }

	id, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "classified", Embedding: []float32{0.5}})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := svc.GetFact(ctx, "a1", id)
	if got.Embedding != nil {
		t.Fatal("embeddings must be stripped when encryption is on")
	}
	if emb.calls != 0 || len(vec.upserts) != 0 {
		t.Fatalf("no embedding work expected: calls=%d upserts=%d", emb.calls, len(vec.upserts))
	}

	if _, err := svc.Search(ctx, "a1", "classified", Filters{Vector: []float32{1}}); err != nil {
		t.Fatal(err)
	}
	if emb.calls != 0 || len(vec.searches) != 0 {
		t.Fatalf("index must stay untouched: calls=%d searches=%v", emb.calls, vec.searches)
	}
}

func TestServiceSearchStrengthFilter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	if _, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "fresh fact", CreatedAt: baseTime}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "stale fact", CreatedAt: baseTime.Add(-60 * 24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	hits, err := svc.Search(ctx, "a1", "", Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 || hits[0].Content != "fresh fact" {
		t.Fatalf("recency ordering failed: %+v", hits)
	}
	if hits[0].Strength != 1 {
		t.Fatalf("fresh record should score full strength: %f", hits[0].Strength)
	}
	// Two half lives old.
	if math.Abs(hits[1].Strength-0.25) > 1e-9 {
		t.Fatalf("expected strength 0.25, got %f", hits[1].Strength)
	}

	hits, err = svc.Search(ctx, "a1", "", Filters{MinStrength: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Content != "fresh fact" {
		t.Fatalf("strength floor failed: %+v", hits)
	}
}

func TestServiceSearchLimitAndEmbeddings(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, nil)

	for i := 0; i < 5; i++ {
		fact := &Fact{AgentID: "a1", Content: fmt.Sprintf("topic note %d", i)}
		if i == 0 {
			fact.Embedding = []float32{0.5}
		}
		if _, err := svc.StoreFact(ctx, fact); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := svc.Search(ctx, "a1", "topic", Filters{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("limit not applied: %d", len(hits))
	}
	for _, h := range hits {
		if h.Embedding != nil {
			t.Fatal("embeddings must be stripped by default")
		}
	}

	hits, err = svc.Search(ctx, "a1", "topic", Filters{IncludeEmbeddings: true})
	if err != nil {
		t.Fatal(err)
	}
	withEmbedding := 0
	for _, h := range hits {
		if len(h.Embedding) > 0 {
			withEmbedding++
		}
	}
	if withEmbedding != 1 {
		t.Fatalf("expected exactly one hit with an embedding, got %d", withEmbedding)
	}
}

func TestServiceDeleteAndForget(t *testing.T) {
	ctx := context.Background()
	vec := &stubVector{}
	svc := newTestService(t, vec, nil)

	if _, err := svc.RecordEpisode(ctx, &Episode{AgentID: "a1", EventName: "boot"}); err != nil {
		t.Fatal(err)
	}
	factID, err := svc.StoreFact(ctx, &Fact{AgentID: "a1", Content: "disposable"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.LearnProcedure(ctx, &Procedure{AgentID: "a1", Name: "cleanup", Steps: []string{"rm"}}); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, "a1", Kind("bogus"), factID); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.Delete(ctx, "a1", KindSemantic, factID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetFact(ctx, "a1", factID); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatalf("fact should be gone, got %v", err)
	}
	found := false
	for _, d := range vec.deletes {
		if d == "warden_semantic/"+factID {
			found = true
		}
	}
	if !found {
		t.Fatalf("index entry not removed: %v", vec.deletes)
	}

	removed, err := svc.Forget(ctx, "a1")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 remaining records removed, got %d", removed)
	}
	if n, _ := svc.Count(ctx, "a1"); n != 0 {
		t.Fatalf("memory not cleared: %d", n)
	}
	if len(vec.deleteFilters) != 3 {
		t.Fatalf("expected index cleanup per kind, got %v", vec.deleteFilters)
	}
}
