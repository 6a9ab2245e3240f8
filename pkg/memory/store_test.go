package memory

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testEpisodeRecord(id string, importance float64, created time.Time) *Episode {
	return &Episode{
		ID:         id,
		AgentID:    "a1",
		EventName:  "task_completed",
		Context:    "deployed service to staging",
		Outcome:    "success",
		Success:    true,
		Importance: importance,
		Tags:       []string{"ops"},
		CreatedAt:  created,
	}
}

func testFactRecord(id, content string, importance float64, created time.Time) *Fact {
	return &Fact{
		ID:         id,
		AgentID:    "a1",
		Category:   "infrastructure",
		Content:    content,
		Importance: importance,
		Tags:       []string{"db"},
		CreatedAt:  created,
	}
}

func testProcedureRecord(id, name string, version int, active bool) *Procedure {
	return &Procedure{
		ID:        id,
		AgentID:   "a1",
		Name:      name,
		Trigger:   "when a deploy is requested",
		Steps:     []string{"build image", "push image", "roll out"},
		Version:   version,
		Active:    active,
		Tags:      []string{"ops"},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func TestMemoryStoreEpisodeCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	e := testEpisodeRecord("e1", 0.7, baseTime)
	if err := s.PutEpisode(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetEpisode(ctx, "a1", "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EventName != "task_completed" || got.Importance != 0.7 {
		t.Fatalf("unexpected episode %+v", got)
	}

	// Reads are copies.
	got.Tags[0] = "mutated"
	again, _ := s.GetEpisode(ctx, "a1", "e1")
	if again.Tags[0] != "ops" {
		t.Fatal("stored record shares state with returned copy")
	}

	// Writes are copies too.
	e.EventName = "changed after put"
	again, _ = s.GetEpisode(ctx, "a1", "e1")
	if again.EventName != "task_completed" {
		t.Fatal("stored record shares state with caller input")
	}

	if err := s.Delete(ctx, "a1", KindEpisodic, "e1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetEpisode(ctx, "a1", "e1"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreEvictsLeastImportant(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	if err := s.PutEpisode(ctx, testEpisodeRecord("keep", 0.9, baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutEpisode(ctx, testEpisodeRecord("victim", 0.2, baseTime.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFact(ctx, testFactRecord("f1", "postgres runs on port 5432", 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}

	// At capacity; the next insert must push out the 0.2 episode.
	if err := s.PutFact(ctx, testFactRecord("f2", "redis runs on port 6379", 0.8, baseTime)); err != nil {
		t.Fatalf("put at capacity: %v", err)
	}

	if _, err := s.GetEpisode(ctx, "a1", "victim"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatal("lowest importance record should have been evicted")
	}
	if _, err := s.GetEpisode(ctx, "a1", "keep"); err != nil {
		t.Fatalf("high importance record evicted: %v", err)
	}
	if n, _ := s.Count(ctx, "a1"); n != 3 {
		t.Fatalf("expected 3 entries after eviction, got %d", n)
	}
}

func TestMemoryStoreEvictionBreaksTiesByAge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	if err := s.PutFact(ctx, testFactRecord("older", "one", 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFact(ctx, testFactRecord("newer", "two", 0.5, baseTime.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFact(ctx, testFactRecord("incoming", "three", 0.5, baseTime.Add(2*time.Minute))); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetFact(ctx, "a1", "older"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatal("oldest record should lose the importance tie")
	}
	if _, err := s.GetFact(ctx, "a1", "newer"); err != nil {
		t.Fatalf("newer record evicted: %v", err)
	}
}

func TestMemoryStoreProceduresAreNotEvicted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2)

	if err := s.PutProcedure(ctx, testProcedureRecord("p1", "deploy", 1, true)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutProcedure(ctx, testProcedureRecord("p2", "rollback", 1, true)); err != nil {
		t.Fatal(err)
	}

	err := s.PutEpisode(ctx, testEpisodeRecord("e1", 0.9, baseTime))
	if protocol.CodeOf(err) != protocol.CodeConflict {
		t.Fatalf("expected conflict when only procedures remain, got %v", err)
	}

	// Updating an existing record never needs room.
	p := testProcedureRecord("p1", "deploy", 2, true)
	if err := s.PutProcedure(ctx, p); err != nil {
		t.Fatalf("update at capacity: %v", err)
	}
}

func TestMemoryStoreSearchFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	old := testEpisodeRecord("e-old", 0.3, baseTime.Add(-48*time.Hour))
	old.EventName = "lunch_ordered"
	old.Context = "ordered sandwiches for the team"
	old.Tags = []string{"social"}
	recent := testEpisodeRecord("e-new", 0.9, baseTime.Add(-time.Hour))
	recent.Context = "deploy failed on staging cluster"
	for _, e := range []*Episode{old, recent} {
		if err := s.PutEpisode(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchEpisodes(ctx, "a1", "deploy", Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "e-new" {
		t.Fatalf("query match failed: %+v", hits)
	}

	hits, _ = s.SearchEpisodes(ctx, "a1", "", Filters{Tags: []string{"social"}})
	if len(hits) != 1 || hits[0].ID != "e-old" {
		t.Fatalf("tag filter failed: %+v", hits)
	}

	hits, _ = s.SearchEpisodes(ctx, "a1", "", Filters{MinImportance: 0.5})
	if len(hits) != 1 || hits[0].ID != "e-new" {
		t.Fatalf("importance filter failed: %+v", hits)
	}

	hits, _ = s.SearchEpisodes(ctx, "a1", "", Filters{After: baseTime.Add(-2 * time.Hour)})
	if len(hits) != 1 || hits[0].ID != "e-new" {
		t.Fatalf("time filter failed: %+v", hits)
	}

	// Empty filters list everything, newest first.
	hits, _ = s.SearchEpisodes(ctx, "a1", "", Filters{})
	if len(hits) != 2 || hits[0].ID != "e-new" || hits[1].ID != "e-old" {
		t.Fatalf("expected newest first, got %+v", hits)
	}

	// Other agents see nothing.
	hits, _ = s.SearchEpisodes(ctx, "a2", "", Filters{})
	if len(hits) != 0 {
		t.Fatalf("cross-agent leak: %+v", hits)
	}
}

func TestMemoryStoreProcedureVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	if err := s.PutProcedure(ctx, testProcedureRecord("p1", "deploy", 1, false)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutProcedure(ctx, testProcedureRecord("p2", "deploy", 2, true)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProcedureByName(ctx, "a1", "deploy")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if got.ID != "p2" || got.Version != 2 {
		t.Fatalf("expected active v2, got %+v", got)
	}

	if _, err := s.GetProcedureByName(ctx, "a1", "unknown"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	// Search surfaces only active versions; Get still reaches retired ones.
	hits, err := s.SearchProcedures(ctx, "a1", "deploy", Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "p2" {
		t.Fatalf("retired version leaked into search: %+v", hits)
	}
	if _, err := s.GetProcedure(ctx, "a1", "p1"); err != nil {
		t.Fatalf("retired version must stay addressable: %v", err)
	}
}

func TestMemoryStoreRecordExecution(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	if err := s.PutProcedure(ctx, testProcedureRecord("p1", "deploy", 1, true)); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		success   bool
		wantRate  float64
		wantCount int
	}{
		{true, 1.0, 1},
		{false, 0.5, 2},
		{true, 2.0 / 3.0, 3},
	}
	for i, step := range steps {
		p, err := s.RecordExecution(ctx, "a1", "p1", step.success)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if p.ExecutionCount != step.wantCount {
			t.Fatalf("step %d: count %d, want %d", i, p.ExecutionCount, step.wantCount)
		}
		if math.Abs(p.SuccessRate-step.wantRate) > 1e-9 {
			t.Fatalf("step %d: rate %f, want %f", i, p.SuccessRate, step.wantRate)
		}
	}

	if _, err := s.RecordExecution(ctx, "a1", "ghost", true); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreDeleteAgent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10)

	if err := s.PutEpisode(ctx, testEpisodeRecord("e1", 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutFact(ctx, testFactRecord("f1", "something", 0.5, baseTime)); err != nil {
		t.Fatal(err)
	}
	other := testFactRecord("f2", "belongs to someone else", 0.5, baseTime)
	other.AgentID = "a2"
	if err := s.PutFact(ctx, other); err != nil {
		t.Fatal(err)
	}

	removed, err := s.DeleteAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if n, _ := s.Count(ctx, "a1"); n != 0 {
		t.Fatalf("agent memory not cleared: %d", n)
	}
	if n, _ := s.Count(ctx, "a2"); n != 1 {
		t.Fatalf("other agent affected: %d", n)
	}
}

func TestMemoryStoreDeleteUnknownKind(t *testing.T) {
	s := NewMemoryStore(10)
	err := s.Delete(context.Background(), "a1", Kind("imaginary"), "x")
	if protocol.CodeOf(err) != protocol.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
