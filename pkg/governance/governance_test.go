package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func newTestService(t *testing.T, cfg *config.GovernanceConfig, bus *events.Bus) *Service {
	t.Helper()
	svc, err := New(context.Background(), cfg, nil, nil, bus)
	if err != nil {
		t.Fatalf("failed to create governance service: %v", err)
	}
	return svc
}

func denyPolicy(action string, sanction *config.SanctionConfig) *config.GovernanceConfig {
	return &config.GovernanceConfig{
		Policies: []config.GovernancePolicyConfig{{
			ID:     "p1",
			Name:   "test policy",
			Status: "active",
			Rules: []config.GovernanceRuleConfig{{
				Type:     "deny",
				Action:   action,
				Sanction: sanction,
			}},
		}},
	}
}

func TestRecordStampsAndOrders(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	first := svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})
	second := svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message", Outcome: OutcomeFailure})

	if first.ID != 1 || second.ID != 2 {
		t.Fatalf("expected ids 1 and 2, got %d and %d", first.ID, second.ID)
	}
	if first.Outcome != OutcomeSuccess {
		t.Errorf("empty outcome should default to success, got %q", first.Outcome)
	}
	if first.CreatedAt.IsZero() {
		t.Error("record should be stamped with a creation time")
	}

	recs, err := svc.Records(ctx, Query{})
	if err != nil {
		t.Fatalf("records query failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != 1 || recs[1].ID != 2 {
		t.Errorf("expected ascending trail, got %+v", recs)
	}
	if svc.RecordCount() != 2 {
		t.Errorf("expected record count 2, got %d", svc.RecordCount())
	}
}

func TestDenyRuleAppliesSanction(t *testing.T) {
	cfg := denyPolicy("tool.invoked", &config.SanctionConfig{Type: "quarantine", Reason: "tool abuse"})
	svc := newTestService(t, cfg, nil)
	ctx := context.Background()

	svc.Record(ctx, AuditRecord{
		ActorID:      "a1",
		Action:       "tool.invoked",
		ResourceType: "tool",
		ResourceID:   "builtin:shell_exec",
	})

	cases := svc.Cases("a1", StatusOpen)
	if len(cases) != 1 {
		t.Fatalf("expected 1 open case, got %d", len(cases))
	}
	if cases[0].PolicyID != "p1" {
		t.Errorf("case should reference the violated policy, got %q", cases[0].PolicyID)
	}

	sn := svc.Sanctioned("a1")
	if sn == nil || sn.Type != SanctionQuarantine {
		t.Fatalf("expected an active quarantine, got %+v", sn)
	}
	if sn.Details != "tool abuse" {
		t.Errorf("sanction should carry the rule reason, got %q", sn.Details)
	}

	recs, err := svc.Records(ctx, Query{})
	if err != nil {
		t.Fatalf("records query failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected trigger + 2 derivative records, got %d", len(recs))
	}
	if recs[1].Action != "policy.violation" || recs[2].Action != "sanction.apply.auto" {
		t.Fatalf("unexpected derivative actions: %q, %q", recs[1].Action, recs[2].Action)
	}
	if recs[1].Details[SkipDetailKey] != true {
		t.Error("derivative records must carry the skip marker")
	}
	if recs[1].Details["caseId"] != cases[0].ID {
		t.Error("violation record should reference the case")
	}

	// A second violation reuses the case and the active sanction.
	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "tool.invoked"})

	if got := svc.Cases("a1", ""); len(got) != 1 {
		t.Errorf("expected the open case to be reused, got %d cases", len(got))
	}
	if got := svc.Sanctions("a1", false); len(got) != 1 {
		t.Errorf("expected a single sanction, got %d", len(got))
	}
	recs, _ = svc.Records(ctx, Query{})
	if len(recs) != 5 {
		t.Errorf("expected 5 records after second violation, got %d", len(recs))
	}
}

func TestLoopRecursionSafety(t *testing.T) {
	// A policy matching every action must still never evaluate records the
	// loop itself writes.
	svc := newTestService(t, denyPolicy("*", nil), nil)
	ctx := context.Background()

	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "permission.denied", Outcome: OutcomeDenied})
	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message", Details: map[string]any{SkipDetailKey: true}})
	if got := svc.Cases("a1", ""); len(got) != 0 {
		t.Fatalf("exempt records must not open cases, got %d", len(got))
	}

	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})
	if got := svc.Cases("a1", ""); len(got) != 1 {
		t.Fatalf("expected exactly 1 case, got %d", len(got))
	}

	recs, _ := svc.Records(ctx, Query{})
	// Two exempt records, the trigger, and one policy.violation; if the
	// violation re-entered evaluation this would grow without bound.
	if len(recs) != 4 {
		t.Errorf("expected 4 records, got %d", len(recs))
	}
}

func TestRateLimitRule(t *testing.T) {
	cfg := &config.GovernanceConfig{
		Policies: []config.GovernancePolicyConfig{{
			ID:     "rate",
			Status: "active",
			Rules: []config.GovernanceRuleConfig{{
				Type:          "rate_limit",
				Action:        "memory.write",
				WindowSeconds: 10,
				MaxCount:      2,
				Sanction:      &config.SanctionConfig{Type: "throttle"},
			}},
		}},
	}
	svc := newTestService(t, cfg, nil)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "memory.write"})
		now = now.Add(time.Second)
	}
	if sn := svc.Sanctioned("a1"); sn != nil {
		t.Fatalf("under the limit should not sanction, got %+v", sn)
	}

	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "memory.write"})
	sn := svc.Sanctioned("a1")
	if sn == nil || sn.Type != SanctionThrottle {
		t.Fatalf("expected a throttle after exceeding the window, got %+v", sn)
	}

	// Another agent's records do not count against a1's window.
	svc.Record(ctx, AuditRecord{ActorID: "b1", Action: "memory.write"})
	if svc.Sanctioned("b1") != nil {
		t.Error("rate window must be per actor")
	}

	// Outside the window the count resets; the sanction stays active.
	now = now.Add(30 * time.Second)
	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "memory.write"})
	if got := svc.Sanctions("a1", true); len(got) != 1 {
		t.Errorf("expected the single throttle to remain, got %d", len(got))
	}
	if got := svc.Cases("a1", ""); len(got) != 1 {
		t.Errorf("expected a single case, got %d", len(got))
	}
}

func TestPolicyLifecycle(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	p, err := svc.CreatePolicy(ctx, &Policy{
		Name:  "no echo",
		Rules: []Rule{{Type: RuleDeny, Action: "echo"}},
	})
	if err != nil {
		t.Fatalf("create policy failed: %v", err)
	}
	if p.ID == "" || p.Status != PolicyActive {
		t.Fatalf("expected generated id and active status, got %+v", p)
	}

	if _, err := svc.CreatePolicy(ctx, &Policy{ID: p.ID}); protocol.CodeOf(err) != protocol.CodeConflict {
		t.Errorf("duplicate policy id should conflict, got %v", err)
	}
	if _, err := svc.CreatePolicy(ctx, &Policy{Rules: []Rule{{Type: "nope", Action: "x"}}}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("invalid rule type should fail validation, got %v", err)
	}
	if _, err := svc.CreatePolicy(ctx, &Policy{Rules: []Rule{{Type: RuleRateLimit, Action: "x"}}}); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("rate_limit without window should fail validation, got %v", err)
	}

	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "echo"})
	if got := svc.Cases("a1", ""); len(got) != 1 {
		t.Fatalf("active policy should enforce, got %d cases", len(got))
	}

	disabled, err := svc.SetPolicyStatus(ctx, p.ID, PolicyDisabled)
	if err != nil || disabled.Status != PolicyDisabled {
		t.Fatalf("disable failed: %v %+v", err, disabled)
	}
	// Setting the same status again is a no-op, not an error.
	if _, err := svc.SetPolicyStatus(ctx, p.ID, PolicyDisabled); err != nil {
		t.Fatalf("idempotent status set failed: %v", err)
	}
	if _, err := svc.SetPolicyStatus(ctx, "missing", PolicyActive); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown policy should be not found, got %v", err)
	}
	if _, err := svc.SetPolicyStatus(ctx, p.ID, "sideways"); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("unknown status should fail validation, got %v", err)
	}

	svc.Record(ctx, AuditRecord{ActorID: "a2", Action: "echo"})
	if got := svc.Cases("a2", ""); len(got) != 0 {
		t.Error("disabled policy must not enforce")
	}

	if got := svc.Policies(); len(got) != 1 || got[0].ID != p.ID {
		t.Errorf("unexpected policy list: %+v", got)
	}
}

func TestManualSanctionLifecycle(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	sn, err := svc.ApplySanction(ctx, "x", SanctionThrottle, "spamming the forum", "")
	if err != nil {
		t.Fatalf("apply sanction failed: %v", err)
	}
	if sn.CaseID == "" {
		t.Fatal("manual sanction should be anchored to a case")
	}
	c, err := svc.GetCase(sn.CaseID)
	if err != nil || c.PolicyID != ManualPolicyID {
		t.Fatalf("expected a manual case, got %+v (%v)", c, err)
	}

	if _, err := svc.ApplySanction(ctx, "x", SanctionThrottle, "again", ""); protocol.CodeOf(err) != protocol.CodeConflict {
		t.Errorf("duplicate sanction should conflict, got %v", err)
	}
	if _, err := svc.ApplySanction(ctx, "x", "freeze", "", ""); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("unknown sanction type should fail validation, got %v", err)
	}
	if _, err := svc.ApplySanction(ctx, "x", SanctionWarn, "", "missing-case"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown case should be not found, got %v", err)
	}
	if _, err := svc.ApplySanction(ctx, "someone-else", SanctionWarn, "", sn.CaseID); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("subject mismatch should fail validation, got %v", err)
	}

	// A second type on the same case is fine, and severity picks the worst.
	ban, err := svc.ApplySanction(ctx, "x", SanctionBan, "", sn.CaseID)
	if err != nil {
		t.Fatalf("apply ban failed: %v", err)
	}
	if worst := svc.Sanctioned("x"); worst == nil || worst.Type != SanctionBan {
		t.Fatalf("expected the ban to dominate, got %+v", worst)
	}

	lifted, err := svc.LiftSanction(ctx, ban.ID)
	if err != nil || lifted.Status != StatusResolved || lifted.ResolvedAt == nil {
		t.Fatalf("lift failed: %v %+v", err, lifted)
	}
	if worst := svc.Sanctioned("x"); worst == nil || worst.Type != SanctionThrottle {
		t.Fatalf("throttle should remain after lifting the ban, got %+v", worst)
	}

	// Lifting twice is a no-op.
	if _, err := svc.LiftSanction(ctx, ban.ID); err != nil {
		t.Errorf("second lift should be a no-op, got %v", err)
	}
	if _, err := svc.LiftSanction(ctx, "missing"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown sanction should be not found, got %v", err)
	}
}

func TestAppealAcceptanceLiftsSanctions(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	sn, err := svc.ApplySanction(ctx, "x", SanctionThrottle, "", "")
	if err != nil {
		t.Fatalf("apply sanction failed: %v", err)
	}

	a, err := svc.OpenAppeal(ctx, sn.CaseID, "x", "I was misjudged")
	if err != nil {
		t.Fatalf("open appeal failed: %v", err)
	}
	// Opening again returns the existing open appeal.
	again, err := svc.OpenAppeal(ctx, sn.CaseID, "x", "still misjudged")
	if err != nil || again.ID != a.ID {
		t.Fatalf("expected the open appeal to be reused, got %+v (%v)", again, err)
	}
	if _, err := svc.OpenAppeal(ctx, "missing", "x", ""); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("appeal against unknown case should be not found, got %v", err)
	}

	resolved, err := svc.ResolveAppeal(ctx, a.ID, true, "")
	if err != nil {
		t.Fatalf("resolve appeal failed: %v", err)
	}
	if resolved.Status != StatusResolved || resolved.Resolution != "appeal accepted" {
		t.Fatalf("unexpected appeal state: %+v", resolved)
	}

	if svc.Sanctioned("x") != nil {
		t.Error("acceptance must lift the case's sanctions")
	}
	c, _ := svc.GetCase(sn.CaseID)
	if c.Status != StatusResolved {
		t.Errorf("acceptance should resolve the case, got %q", c.Status)
	}

	recs, _ := svc.Records(ctx, Query{Action: "sanction.lift"})
	if len(recs) != 1 || recs[0].Details["appealId"] != a.ID {
		t.Errorf("expected a sanction.lift record referencing the appeal, got %+v", recs)
	}

	if _, err := svc.ResolveAppeal(ctx, a.ID, false, ""); protocol.CodeOf(err) != protocol.CodeConflict {
		t.Errorf("re-resolving should conflict, got %v", err)
	}
	if _, err := svc.ResolveAppeal(ctx, "missing", true, ""); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown appeal should be not found, got %v", err)
	}
}

func TestAppealRejectionKeepsSanctions(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	sn, _ := svc.ApplySanction(ctx, "y", SanctionBan, "", "")
	a, _ := svc.OpenAppeal(ctx, sn.CaseID, "y", "please")

	resolved, err := svc.ResolveAppeal(ctx, a.ID, false, "no grounds")
	if err != nil || resolved.Status != StatusDismissed {
		t.Fatalf("rejection failed: %v %+v", err, resolved)
	}
	if svc.Sanctioned("y") == nil {
		t.Error("rejection must leave sanctions standing")
	}
	c, _ := svc.GetCase(sn.CaseID)
	if c.Status != StatusOpen {
		t.Errorf("rejection should leave the case open, got %q", c.Status)
	}

	// A dismissed appeal does not block a fresh one.
	fresh, err := svc.OpenAppeal(ctx, sn.CaseID, "y", "new evidence")
	if err != nil || fresh.ID == a.ID {
		t.Fatalf("expected a new appeal after dismissal, got %+v (%v)", fresh, err)
	}
}

func TestOpenCaseReuseAndResolve(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	c1, err := svc.OpenCase(ctx, "a1", "p9", "misbehaving", map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("open case failed: %v", err)
	}
	c2, err := svc.OpenCase(ctx, "a1", "p9", "still misbehaving", nil)
	if err != nil || c2.ID != c1.ID {
		t.Fatalf("expected the open case to be reused, got %+v (%v)", c2, err)
	}
	if _, err := svc.OpenCase(ctx, "", "p9", "", nil); protocol.CodeOf(err) != protocol.CodeValidation {
		t.Errorf("missing subject should fail validation, got %v", err)
	}

	resolved, err := svc.ResolveCase(ctx, c1.ID, "talked it out")
	if err != nil || resolved.Status != StatusResolved {
		t.Fatalf("resolve failed: %v %+v", err, resolved)
	}
	if _, err := svc.ResolveCase(ctx, c1.ID, "again"); protocol.CodeOf(err) != protocol.CodeConflict {
		t.Errorf("re-resolving should conflict, got %v", err)
	}
	if _, err := svc.ResolveCase(ctx, "missing", ""); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown case should be not found, got %v", err)
	}

	c3, err := svc.OpenCase(ctx, "a1", "p9", "round two", nil)
	if err != nil || c3.ID == c1.ID {
		t.Fatalf("a resolved case must not be reused, got %+v (%v)", c3, err)
	}
	if _, err := svc.GetCase("missing"); protocol.CodeOf(err) != protocol.CodeNotFound {
		t.Errorf("unknown case should be not found, got %v", err)
	}
}

func TestViolationEvents(t *testing.T) {
	bus := events.NewBus(16)
	defer bus.Close()
	sub := bus.Subscribe(protocol.ChannelAlerts)

	cfg := denyPolicy("tool.invoked", &config.SanctionConfig{Type: "warn"})
	svc := newTestService(t, cfg, bus)

	svc.Record(context.Background(), AuditRecord{ActorID: "a1", Action: "tool.invoked"})

	want := []string{"policy.violation", "sanction.applied"}
	for _, typ := range want {
		select {
		case ev := <-sub.C():
			if ev.Type != typ {
				t.Fatalf("expected %q alert, got %q", typ, ev.Type)
			}
			if ev.AgentID != "a1" {
				t.Errorf("alert should name the actor, got %q", ev.AgentID)
			}
		default:
			t.Fatalf("missing %q alert", typ)
		}
	}
}

// ============================================================================
// SINK + STORE FAKES
// ============================================================================

type fakeSink struct {
	mu   sync.Mutex
	recs []AuditRecord
	last uint64
}

func (f *fakeSink) Append(ctx context.Context, batch []AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, batch...)
	return nil
}

func (f *fakeSink) Query(ctx context.Context, q Query) ([]AuditRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AuditRecord
	for i := range f.recs {
		if q.matches(&f.recs[i]) {
			out = append(out, f.recs[i])
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (f *fakeSink) LastID(ctx context.Context) (uint64, error) {
	return f.last, nil
}

func (f *fakeSink) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type fakeStore struct {
	mu        sync.Mutex
	fail      bool
	state     State
	saveCalls int
}

func (f *fakeStore) check() error {
	if f.fail {
		return errors.New("store down")
	}
	return nil
}

func (f *fakeStore) SavePolicy(ctx context.Context, p *Policy) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	cp := *p
	f.state.Policies = append(f.state.Policies, &cp)
	return nil
}

func (f *fakeStore) SaveCase(ctx context.Context, c *Case) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	cp := *c
	f.state.Cases = append(f.state.Cases, &cp)
	return nil
}

func (f *fakeStore) SaveSanction(ctx context.Context, sn *Sanction) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	cp := *sn
	f.state.Sanctions = append(f.state.Sanctions, &cp)
	return nil
}

func (f *fakeStore) SaveAppeal(ctx context.Context, a *Appeal) error {
	if err := f.check(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCalls++
	cp := *a
	f.state.Appeals = append(f.state.Appeals, &cp)
	return nil
}

func (f *fakeStore) SaveEnforcement(ctx context.Context, c *Case, sn *Sanction) error {
	if err := f.SaveCase(ctx, c); err != nil {
		return err
	}
	if sn != nil {
		return f.SaveSanction(ctx, sn)
	}
	return nil
}

func (f *fakeStore) SaveAppealResolution(ctx context.Context, a *Appeal, c *Case, lifted []*Sanction) error {
	if err := f.SaveAppeal(ctx, a); err != nil {
		return err
	}
	if c != nil {
		if err := f.SaveCase(ctx, c); err != nil {
			return err
		}
	}
	for _, sn := range lifted {
		if err := f.SaveSanction(ctx, sn); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) Load(ctx context.Context) (*State, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.state
	return &st, nil
}

func TestSinkBackedTrail(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{last: 5}
	svc, err := New(ctx, &config.GovernanceConfig{RingSize: 2}, sink, nil, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	rec := svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})
	if rec.ID != 6 {
		t.Fatalf("ids should resume after the persisted trail, got %d", rec.ID)
	}
	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})
	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})

	// The ring has wrapped, so the read flushes the queue and consults the
	// sink instead.
	recs, err := svc.Records(ctx, Query{ActorID: "a1"})
	if err != nil {
		t.Fatalf("records query failed: %v", err)
	}
	if len(recs) != 3 || recs[0].ID != 6 || recs[2].ID != 8 {
		t.Fatalf("expected ids 6..8 from the sink, got %+v", recs)
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if sink.size() != 3 {
		t.Errorf("expected 3 persisted records, got %d", sink.size())
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	svc, err := New(ctx, nil, sink, nil, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	svc.Record(ctx, AuditRecord{ActorID: "a1", Action: "chat.message"})
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if sink.size() != 1 {
		t.Errorf("close should drain the queue, got %d persisted", sink.size())
	}
}

func TestWarmStartFromStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{state: State{
		Cases: []*Case{{
			ID: "c1", SubjectID: "x", PolicyID: "p1", Status: StatusOpen,
			CreatedAt: now, UpdatedAt: now,
		}},
		Sanctions: []*Sanction{{
			ID: "s1", SubjectID: "x", CaseID: "c1", Type: SanctionQuarantine,
			Status: StatusActive, CreatedAt: now,
		}},
	}}

	svc, err := New(ctx, nil, nil, st, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	sn := svc.Sanctioned("x")
	if sn == nil || sn.ID != "s1" {
		t.Fatalf("expected the persisted sanction to be live, got %+v", sn)
	}
	if _, err := svc.GetCase("c1"); err != nil {
		t.Errorf("persisted case should be loaded: %v", err)
	}
}

func TestStoreFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{fail: true}
	svc, err := New(ctx, nil, nil, st, nil)
	if err == nil || svc != nil {
		t.Fatal("expected construction to surface the load failure")
	}

	st.fail = false
	svc, err = New(ctx, nil, nil, st, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	st.fail = true

	if _, err := svc.ApplySanction(ctx, "x", SanctionBan, "", ""); protocol.CodeOf(err) != protocol.CodeUpstream {
		t.Fatalf("expected an upstream error, got %v", err)
	}
	if svc.Sanctioned("x") != nil {
		t.Error("a failed persist must not leave the sanction applied")
	}
	if got := svc.Cases("x", ""); len(got) != 0 {
		t.Errorf("a failed persist must not leave the manual case, got %d", len(got))
	}
}
