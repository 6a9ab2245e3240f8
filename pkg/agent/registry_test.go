package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func testManifest() *config.AgentConfig {
	return &config.AgentConfig{Name: "Test Agent"}
}

func newTestRegistry(t *testing.T) (*Registry, *events.Bus) {
	t.Helper()
	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	return NewRegistry(bus, nil, ""), bus
}

func receiveEvent(t *testing.T, sub *events.Subscriber, eventType string) *protocol.Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscriber closed waiting for %s", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestSpawnAndResolve(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	entry, err := r.Spawn(ctx, "a1", testManifest())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if entry.ID == "" || entry.ID == "a1" {
		t.Fatalf("expected generated internal id, got %q", entry.ID)
	}
	if entry.State() != StateCreated {
		t.Fatalf("expected created, got %s", entry.State())
	}
	if entry.Config.TrustLevel != config.TrustSemiAutonomous {
		t.Fatalf("expected defaulted trust level, got %q", entry.Config.TrustLevel)
	}

	if got, ok := r.Resolve(entry.ID); !ok || got != entry {
		t.Fatal("resolve by internal id failed")
	}
	if got, ok := r.Resolve("a1"); !ok || got != entry {
		t.Fatal("resolve by external id failed")
	}

	_, err = r.Lookup("missing")
	if err == nil {
		t.Fatal("expected lookup error for unknown agent")
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestSpawnDuplicateExternalID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Spawn(ctx, "a1", testManifest()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	_, err := r.Spawn(ctx, "a1", testManifest())
	if err == nil {
		t.Fatal("duplicate spawn must fail")
	}
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestSpawnValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		externalID string
		cfg        *config.AgentConfig
	}{
		{"empty id", "", testManifest()},
		{"nil manifest", "a1", nil},
		{"bad trust level", "a1", &config.AgentConfig{Name: "x", TrustLevel: "root"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Spawn(ctx, tt.externalID, tt.cfg)
			var pe *protocol.Error
			if !errors.As(err, &pe) || pe.Code != protocol.CodeValidation {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	entry, err := r.Spawn(ctx, "a1", testManifest())
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	path := []State{StateInitializing, StateReady, StateRunning, StateReady,
		StatePaused, StateReady, StateError, StateReady}
	for _, next := range path {
		if err := r.Transition(ctx, "a1", next); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
		if entry.State() != next {
			t.Fatalf("expected %s, got %s", next, entry.State())
		}
	}

	if err := r.Terminate(ctx, "a1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	snap := entry.Snapshot()
	if snap.State != StateTerminated {
		t.Fatalf("expected terminated, got %s", snap.State)
	}
	if snap.DeletedAt == nil {
		t.Fatal("terminated entry must carry deletedAt")
	}

	err = r.Transition(ctx, "a1", StateReady)
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeConflict {
		t.Fatalf("terminated is absorbing, got %v", err)
	}
}

func TestTransitionRejectedLeavesState(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	entry, _ := r.Spawn(ctx, "a1", testManifest())

	if err := r.Transition(ctx, "a1", StateRunning); err == nil {
		t.Fatal("created cannot jump to running")
	}
	if entry.State() != StateCreated {
		t.Fatalf("rejected transition changed state to %s", entry.State())
	}

	if err := r.Transition(ctx, "a1", State("zombie")); err == nil {
		t.Fatal("unknown state must be rejected")
	}
}

func TestLifecycleEvents(t *testing.T) {
	r, bus := newTestRegistry(t)
	ctx := context.Background()

	sub := bus.Subscribe(protocol.ChannelEvents)
	defer sub.Close()

	if _, err := r.Spawn(ctx, "a1", testManifest()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	spawned := receiveEvent(t, sub, "agent.spawned")
	if spawned.AgentID != "a1" {
		t.Fatalf("expected agent a1, got %q", spawned.AgentID)
	}

	if err := r.Transition(ctx, "a1", StateInitializing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	changed := receiveEvent(t, sub, "agent.state_changed")
	if changed.Data["from"] != "created" || changed.Data["to"] != "initializing" {
		t.Fatalf("unexpected transition data %v", changed.Data)
	}

	if err := r.Terminate(ctx, "a1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	receiveEvent(t, sub, "agent.terminated")
}

func TestSweepRemovesTerminatedAfterGrace(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.now = func() time.Time { return current }

	if _, err := r.Spawn(ctx, "a1", testManifest()); err != nil {
		t.Fatalf("spawn a1: %v", err)
	}
	if _, err := r.Spawn(ctx, "a2", testManifest()); err != nil {
		t.Fatalf("spawn a2: %v", err)
	}
	if err := r.Terminate(ctx, "a1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	// Still within the grace period.
	if removed := r.Sweep(30 * time.Second); removed != 0 {
		t.Fatalf("swept %d entries inside grace period", removed)
	}

	current = base.Add(time.Minute)
	if removed := r.Sweep(30 * time.Second); removed != 1 {
		t.Fatalf("expected 1 swept entry, got %d", removed)
	}
	if _, ok := r.Resolve("a1"); ok {
		t.Fatal("swept agent still resolvable")
	}
	if _, ok := r.Resolve("a2"); !ok {
		t.Fatal("live agent swept")
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Count())
	}
}

func TestAccounting(t *testing.T) {
	r, _ := newTestRegistry(t)
	entry, _ := r.Spawn(context.Background(), "a1", testManifest())

	entry.FoldUsage(100, 50, 0.25)
	entry.FoldUsage(10, 5, -1.0) // negative cost deltas are dropped

	snap := entry.Snapshot()
	if snap.InputTokens != 110 || snap.OutputTokens != 55 {
		t.Fatalf("unexpected token totals %+v", snap)
	}
	if snap.CumulativeCost != 0.25 {
		t.Fatalf("cumulative cost must not decrease, got %v", snap.CumulativeCost)
	}
}

func TestErrorRateWindow(t *testing.T) {
	r, _ := newTestRegistry(t)
	entry, _ := r.Spawn(context.Background(), "a1", testManifest())

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	entry.RecordOutcome(true, base)
	entry.RecordOutcome(true, base.Add(time.Minute))
	if entry.ConsecutiveErrors() != 2 {
		t.Fatalf("expected 2 consecutive errors, got %d", entry.ConsecutiveErrors())
	}

	entry.RecordOutcome(false, base.Add(2*time.Minute))
	if entry.ConsecutiveErrors() != 0 {
		t.Fatal("success must reset the consecutive error run")
	}

	rate := entry.ErrorRate(base.Add(3 * time.Minute))
	if rate < 0.66 || rate > 0.67 {
		t.Fatalf("expected rate 2/3, got %v", rate)
	}

	// A fresh hour starts a fresh window.
	if rate := entry.ErrorRate(base.Add(2 * time.Hour)); rate != 0 {
		t.Fatalf("expected rolled window rate 0, got %v", rate)
	}
}

func TestDiscoverLocalSkipsTerminated(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Spawn(ctx, "a1", testManifest()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := r.Spawn(ctx, "a2", testManifest()); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := r.Terminate(ctx, "a2"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	snapshots, err := r.Discover(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(snapshots) != 1 || snapshots[0].ExternalID != "a1" {
		t.Fatalf("expected only a1, got %+v", snapshots)
	}
}

func TestConcurrentSpawn(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := r.Spawn(ctx, fmt.Sprintf("agent-%02d", n), testManifest()); err != nil {
				t.Errorf("spawn %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 20 {
		t.Fatalf("expected 20 agents, got %d", r.Count())
	}
	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ExternalID > list[i].ExternalID {
			t.Fatal("list must be ordered by external id")
		}
	}
}
