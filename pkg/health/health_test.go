package health

import (
	"context"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/usage"
)

func newTestMonitor(t *testing.T, cfg config.HealthConfig) (*Monitor, *agent.Registry, *usage.Meter, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	registry := agent.NewRegistry(bus, nil, "")
	meter := usage.NewMeter(usage.NewMemoryStore(), nil)
	return NewMonitor(registry, meter, bus, cfg), registry, meter, bus
}

func spawnAgent(t *testing.T, r *agent.Registry, id string, cfg *config.AgentConfig) *agent.Entry {
	t.Helper()
	if cfg == nil {
		cfg = &config.AgentConfig{Name: "Probe"}
	}
	e, err := r.Spawn(context.Background(), id, cfg)
	if err != nil {
		t.Fatalf("spawn %s: %v", id, err)
	}
	return e
}

func waitForEvent(t *testing.T, sub *events.Subscriber, eventType string) *protocol.Event {
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

func assertNoEvent(t *testing.T, sub *events.Subscriber, eventType string) {
	t.Helper()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == eventType {
				t.Fatalf("unexpected %s event: %+v", eventType, ev.Data)
			}
		default:
			return
		}
	}
}

func TestWorst(t *testing.T) {
	tests := []struct {
		in   []Status
		want Status
	}{
		{nil, StatusHealthy},
		{[]Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{[]Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{[]Status{StatusUnhealthy, StatusDegraded}, StatusUnhealthy},
		{[]Status{StatusDegraded, StatusCritical, StatusUnhealthy}, StatusCritical},
	}
	for _, tt := range tests {
		if got := Worst(tt.in...); got != tt.want {
			t.Errorf("Worst(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestThresholdCheckBoundaries(t *testing.T) {
	if c := thresholdCheck("x", 0.69, 0.7, 0.9); c.Status != StatusHealthy {
		t.Errorf("below warn: got %s", c.Status)
	}
	if c := thresholdCheck("x", 0.7, 0.7, 0.9); c.Status != StatusDegraded {
		t.Errorf("at warn: got %s", c.Status)
	}
	if c := thresholdCheck("x", 0.9, 0.7, 0.9); c.Status != StatusUnhealthy {
		t.Errorf("at critical: got %s", c.Status)
	}
}

func TestSweepGradesFreshAgentHealthy(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{})
	spawnAgent(t, r, "a1", nil)

	m.sweep(context.Background())

	status, ok := m.StatusFor("a1")
	if !ok || status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (tracked=%v)", status, ok)
	}
	res := m.Results()["a1"]
	if len(res.Checks) == 0 {
		t.Fatal("expected checks in result")
	}
}

func TestTokenUtilizationGrades(t *testing.T) {
	m, r, meter, _ := newTestMonitor(t, config.HealthConfig{})
	ctx := context.Background()
	spawnAgent(t, r, "a1", &config.AgentConfig{
		Name:   "Probe",
		Limits: config.LimitsConfig{TokensPerMinute: 1000},
	})

	meter.Record(ctx, "a1", usage.Delta{Tokens: 700})
	m.sweep(ctx)
	if status, _ := m.StatusFor("a1"); status != StatusDegraded {
		t.Fatalf("at 0.7 utilization expected degraded, got %s", status)
	}
	if m.Overall() != StatusDegraded {
		t.Fatalf("overall should follow the worst agent, got %s", m.Overall())
	}

	meter.Record(ctx, "a1", usage.Delta{Tokens: 200})
	m.sweep(ctx)
	if status, _ := m.StatusFor("a1"); status != StatusUnhealthy {
		t.Fatalf("at 0.9 utilization expected unhealthy, got %s", status)
	}
}

func TestMemoryAndCostGrades(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{})
	entry := spawnAgent(t, r, "a1", &config.AgentConfig{
		Name:          "Probe",
		MemoryLimitMB: 1,
	})

	entry.SetMemoryBytes(750_000) // ~0.72 of 1 MiB
	entry.FoldUsage(0, 0, 9.6)    // 0.96 of the default $10 budget

	m.sweep(context.Background())

	res, ok := m.Results()["a1"]
	if !ok {
		t.Fatal("agent not tracked")
	}
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy overall, got %s", res.Status)
	}
	byName := make(map[string]Check, len(res.Checks))
	for _, c := range res.Checks {
		byName[c.Name] = c
	}
	if byName["memory"].Status != StatusDegraded {
		t.Errorf("memory check: got %s", byName["memory"].Status)
	}
	if byName["cost"].Status != StatusUnhealthy {
		t.Errorf("cost check: got %s", byName["cost"].Status)
	}
}

func TestErrorStateIsCritical(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{})
	ctx := context.Background()
	spawnAgent(t, r, "a1", nil)
	if err := r.Transition(ctx, "a1", agent.StateInitializing); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := r.Transition(ctx, "a1", agent.StateError); err != nil {
		t.Fatalf("transition: %v", err)
	}

	m.sweep(ctx)
	if status, _ := m.StatusFor("a1"); status != StatusCritical {
		t.Fatalf("error state expected critical, got %s", status)
	}
}

func TestConsecutiveErrorRunIsCritical(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{})
	entry := spawnAgent(t, r, "a1", nil)

	now := time.Now()
	for i := 0; i < 5; i++ {
		entry.RecordOutcome(true, now)
	}

	m.sweep(context.Background())
	if status, _ := m.StatusFor("a1"); status != StatusCritical {
		t.Fatalf("5 consecutive errors expected critical, got %s", status)
	}
}

func TestIdleGrades(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{})
	entry := spawnAgent(t, r, "a1", nil)

	base := time.Now()
	current := base
	m.now = func() time.Time { return current }
	entry.Touch(base)

	current = base.Add(6 * time.Minute)
	m.sweep(context.Background())
	if status, _ := m.StatusFor("a1"); status != StatusDegraded {
		t.Fatalf("6m idle expected degraded, got %s", status)
	}

	current = base.Add(2 * time.Hour)
	m.sweep(context.Background())
	if status, _ := m.StatusFor("a1"); status != StatusUnhealthy {
		t.Fatalf("2h idle expected unhealthy, got %s", status)
	}
}

func TestStatusChangeEventsOnlyOnTransitions(t *testing.T) {
	m, r, _, bus := newTestMonitor(t, config.HealthConfig{})
	ctx := context.Background()

	sub := bus.Subscribe(protocol.ChannelEvents)
	defer sub.Close()

	spawnAgent(t, r, "a1", nil)
	for _, s := range []agent.State{agent.StateInitializing, agent.StateReady} {
		if err := r.Transition(ctx, "a1", s); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	m.sweep(ctx)
	assertNoEvent(t, sub, "health.status_changed")

	if err := r.Transition(ctx, "a1", agent.StatePaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	m.sweep(ctx)
	ev := waitForEvent(t, sub, "health.status_changed")
	if ev.Data["from"] != "healthy" || ev.Data["to"] != "degraded" {
		t.Fatalf("unexpected transition data %v", ev.Data)
	}

	// Unchanged grade, no new event.
	m.sweep(ctx)
	assertNoEvent(t, sub, "health.status_changed")

	if err := r.Transition(ctx, "a1", agent.StateReady); err != nil {
		t.Fatalf("resume: %v", err)
	}
	m.sweep(ctx)
	ev = waitForEvent(t, sub, "health.status_changed")
	if ev.Data["from"] != "degraded" || ev.Data["to"] != "healthy" {
		t.Fatalf("unexpected recovery data %v", ev.Data)
	}
}

func TestTokenWindowAnomalies(t *testing.T) {
	w := newTokenWindow(10)
	for i := 0; i < 10; i++ {
		if _, _, _, anomalous := w.observe(100); anomalous {
			t.Fatal("no anomalies while the window is filling")
		}
	}

	if _, _, _, anomalous := w.observe(100); anomalous {
		t.Fatal("reading at the mean is not an anomaly")
	}
	kind, mean, _, anomalous := w.observe(500)
	if !anomalous || kind != "spike" {
		t.Fatalf("expected spike, got %q (anomalous=%v)", kind, anomalous)
	}
	if mean != 100 {
		t.Fatalf("expected mean 100, got %v", mean)
	}

	// The spike now inflates the variance, a normal reading passes.
	if _, _, _, anomalous := w.observe(100); anomalous {
		t.Fatal("normal reading after spike flagged")
	}

	drop := newTokenWindow(10)
	for i := 0; i < 10; i++ {
		drop.observe(100)
	}
	kind, _, _, anomalous = drop.observe(0)
	if !anomalous || kind != "drop" {
		t.Fatalf("expected drop, got %q (anomalous=%v)", kind, anomalous)
	}
}

func TestTokenWindowTwoSigmaBand(t *testing.T) {
	w := newTokenWindow(10)
	for i := 0; i < 5; i++ {
		w.observe(90)
		w.observe(110)
	}
	// mean 100, sigma 10: 115 sits inside the band.
	if _, _, _, anomalous := w.observe(115); anomalous {
		t.Fatal("reading within two sigma flagged")
	}
}

func TestAnomalyEventEmission(t *testing.T) {
	m, r, meter, bus := newTestMonitor(t, config.HealthConfig{})
	ctx := context.Background()
	spawnAgent(t, r, "a1", nil)

	w := newTokenWindow(10)
	for i := 0; i < 10; i++ {
		w.observe(100)
	}
	m.readings["a1"] = w

	sub := bus.Subscribe(protocol.ChannelAlerts)
	defer sub.Close()

	meter.Record(ctx, "a1", usage.Delta{Tokens: 5000})
	m.sweep(ctx)

	ev := waitForEvent(t, sub, "health.anomaly")
	if ev.AgentID != "a1" || ev.Data["kind"] != "spike" {
		t.Fatalf("unexpected anomaly event %+v", ev)
	}
	if ev.Data["current"] != float64(5000) {
		t.Fatalf("expected current 5000, got %v", ev.Data["current"])
	}
}

func TestTerminatedAgentsPrunedAndRetired(t *testing.T) {
	m, r, _, _ := newTestMonitor(t, config.HealthConfig{Interval: config.Duration(time.Nanosecond)})
	ctx := context.Background()

	spawnAgent(t, r, "a1", nil)
	spawnAgent(t, r, "a2", nil)
	m.sweep(ctx)
	if len(m.Results()) != 2 {
		t.Fatalf("expected 2 tracked agents, got %d", len(m.Results()))
	}

	if err := r.Terminate(ctx, "a1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	m.sweep(ctx)

	if _, ok := m.StatusFor("a1"); ok {
		t.Fatal("terminated agent still tracked")
	}
	if _, ok := m.StatusFor("a2"); !ok {
		t.Fatal("live agent lost")
	}
	if _, ok := r.Resolve("a1"); ok {
		t.Fatal("terminated agent not retired from registry")
	}
}

func TestMonitorStartStop(t *testing.T) {
	m, r, _, bus := newTestMonitor(t, config.HealthConfig{})
	ctx := context.Background()

	spawnAgent(t, r, "a1", nil)
	for _, s := range []agent.State{agent.StateInitializing, agent.StateReady, agent.StatePaused} {
		if err := r.Transition(ctx, "a1", s); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}

	sub := bus.Subscribe(protocol.ChannelEvents)
	defer sub.Close()

	m.Start(ctx)
	ev := waitForEvent(t, sub, "health.status_changed")
	if ev.Data["to"] != "degraded" {
		t.Fatalf("expected degraded grade, got %v", ev.Data)
	}
	m.Stop()

	if len(m.Results()) != 0 {
		t.Fatal("Stop must clear tracked results")
	}
	// Restartable after Stop.
	m.Start(ctx)
	m.Stop()
}
