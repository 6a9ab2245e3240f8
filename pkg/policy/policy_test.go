package policy

import (
	"fmt"
	"testing"

	"github.com/kadirpekel/warden/pkg/config"
)

func newTestEngine(t *testing.T, cfg *config.PolicyConfig) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = &config.PolicyConfig{}
	}
	cfg.SetDefaults()
	e, err := NewEngine(cfg, false)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return e
}

func TestDefaultDecisionWhenNoRuleMatches(t *testing.T) {
	e := newTestEngine(t, nil)

	v := e.Evaluate(FileRequest("/etc/passwd", "read"))
	if v.Decision != Block {
		t.Errorf("expected default block, got %s", v.Decision)
	}
	if v.RuleID != "" {
		t.Errorf("expected empty rule id, got %q", v.RuleID)
	}
}

func TestPriorityOrdering(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "allow-data", Kind: "file", Priority: 10, Decision: "allow", Paths: []string{"/data/**"}},
			{ID: "block-secrets", Kind: "file", Priority: 100, Decision: "block", Paths: []string{"/data/secrets/**"}},
		},
	})

	v := e.Evaluate(FileRequest("/data/secrets/key.pem", "read"))
	if v.Decision != Block || v.RuleID != "block-secrets" {
		t.Errorf("high priority block not applied: %+v", v)
	}

	v = e.Evaluate(FileRequest("/data/reports/q3.csv", "read"))
	if v.Decision != Allow || v.RuleID != "allow-data" {
		t.Errorf("allow rule not applied: %+v", v)
	}
}

func TestStableOrderForEqualPriority(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "first", Kind: "file", Priority: 5, Decision: "approve", Paths: []string{"/shared/**"}},
			{ID: "second", Kind: "file", Priority: 5, Decision: "block", Paths: []string{"/shared/**"}},
		},
	})

	v := e.Evaluate(FileRequest("/shared/doc.txt", "read"))
	if v.RuleID != "first" || v.Decision != Approve {
		t.Errorf("expected first equal-priority rule to win: %+v", v)
	}
}

func TestDisabledRulesSkipped(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "off", Kind: "file", Priority: 10, Decision: "allow", Enabled: config.BoolPtr(false), Paths: []string{"/tmp/**"}},
		},
	})

	if v := e.Evaluate(FileRequest("/tmp/scratch", "write")); v.Decision != Block {
		t.Errorf("disabled rule applied: %+v", v)
	}
}

func TestFileOperationFilter(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "ro", Kind: "file", Decision: "allow", Paths: []string{"/data/**"}, Operations: []string{"read", "list"}},
		},
	})

	if v := e.Evaluate(FileRequest("/data/a.txt", "read")); v.Decision != Allow {
		t.Errorf("read should be allowed: %+v", v)
	}
	if v := e.Evaluate(FileRequest("/data/a.txt", "write")); v.Decision != Block {
		t.Errorf("write should fall through to default: %+v", v)
	}
}

func TestTraversalNeverMatchesAllow(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "allow-all-files", Kind: "file", Decision: "allow", Paths: []string{"/data/**"}},
		},
	})

	for _, path := range []string{
		"/data/../etc/passwd",
		"/data/%2e%2e/etc/passwd",
		`/data/..\secrets`,
	} {
		if v := e.Evaluate(FileRequest(path, "read")); v.Decision != Block {
			t.Errorf("traversal path %q slipped through: %+v", path, v)
		}
	}
}

func TestNetworkPortAndProtocolLists(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{
				ID: "api-only", Kind: "network", Decision: "allow",
				Hosts: []string{"api.example.com", "*.internal.example.com"},
				Ports: []int{443}, Protocols: []string{"https"},
			},
		},
	})

	if v := e.Evaluate(NetworkRequest("api.example.com", 443, "https")); v.Decision != Allow {
		t.Errorf("expected allow: %+v", v)
	}
	if v := e.Evaluate(NetworkRequest("db.internal.example.com", 443, "https")); v.Decision != Allow {
		t.Errorf("wildcard host not matched: %+v", v)
	}
	if v := e.Evaluate(NetworkRequest("api.example.com", 80, "http")); v.Decision != Block {
		t.Errorf("port outside list allowed: %+v", v)
	}
	if v := e.Evaluate(NetworkRequest("api.example.com", 443, "ftp")); v.Decision != Block {
		t.Errorf("protocol outside list allowed: %+v", v)
	}
}

func TestShellCommandLineMatching(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "block-rm-rf", Kind: "shell", Priority: 10, Decision: "block", Commands: []string{"rm -rf**"}},
			{ID: "allow-git", Kind: "shell", Decision: "allow", Commands: []string{"git*"}},
		},
	})

	// The block pattern only matches once args are folded in.
	if v := e.Evaluate(ShellRequest("rm", "-rf", "/")); v.Decision != Block || v.RuleID != "block-rm-rf" {
		t.Errorf("full command line not matched: %+v", v)
	}
	if v := e.Evaluate(ShellRequest("git", "status")); v.Decision != Allow {
		t.Errorf("bare command not matched: %+v", v)
	}
	if v := e.Evaluate(ShellRequest("curl", "http://x")); v.Decision != Block {
		t.Errorf("unlisted command allowed: %+v", v)
	}
}

func TestSecretNameMatching(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "deny-prod", Kind: "secret", Priority: 10, Decision: "block", Names: []string{"prod/*"}},
			{ID: "allow-dev", Kind: "secret", Decision: "allow", Names: []string{"dev/*"}},
		},
	})

	if v := e.Evaluate(SecretRequest("prod/db-password")); v.Decision != Block {
		t.Errorf("prod secret allowed: %+v", v)
	}
	if v := e.Evaluate(SecretRequest("dev/api-key")); v.Decision != Allow {
		t.Errorf("dev secret blocked: %+v", v)
	}
}

func TestAllowListsFoldIn(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		AllowedPaths:    []string{"/workspace/**"},
		AllowedDomains:  []string{"api.example.com"},
		AllowedCommands: []string{"echo*"},
	})

	if v := e.Evaluate(FileRequest("/workspace/main.go", "read")); v.Decision != Allow || v.RuleID != "config:allowed_paths" {
		t.Errorf("allowed path not folded in: %+v", v)
	}
	if v := e.Evaluate(NetworkRequest("api.example.com", 443, "https")); v.Decision != Allow {
		t.Errorf("allowed domain not folded in: %+v", v)
	}
	if v := e.Evaluate(ShellRequest("echo", "hi")); v.Decision != Allow {
		t.Errorf("allowed command not folded in: %+v", v)
	}
	if v := e.Evaluate(FileRequest("/etc/passwd", "read")); v.Decision != Block {
		t.Errorf("unlisted path allowed: %+v", v)
	}
}

func TestConfiguredRuleBeatsFoldedAllowList(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		AllowedPaths: []string{"/workspace/**"},
		Rules: []config.PolicyRuleConfig{
			{ID: "no-env", Kind: "file", Priority: 0, Decision: "block", Paths: []string{"/workspace/**/.env"}},
		},
	})

	if v := e.Evaluate(FileRequest("/workspace/app/.env", "read")); v.Decision != Block || v.RuleID != "no-env" {
		t.Errorf("configured rule lost to folded allow-list: %+v", v)
	}
}

func TestHomeExpansion(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		HomeDir: "/home/agent",
		Rules: []config.PolicyRuleConfig{
			{ID: "home", Kind: "file", Decision: "allow", Paths: []string{"~/projects/**"}},
		},
	})

	if v := e.Evaluate(FileRequest("/home/agent/projects/x/main.go", "read")); v.Decision != Allow {
		t.Errorf("home-expanded pattern not matched: %+v", v)
	}
	if v := e.Evaluate(FileRequest("/home/other/projects/x", "read")); v.Decision != Block {
		t.Errorf("wrong home matched: %+v", v)
	}
}

func TestHardeningRejectsPermissiveDefault(t *testing.T) {
	cfg := &config.PolicyConfig{DefaultDecision: "allow"}
	cfg.SetDefaults()

	if _, err := NewEngine(cfg, true); err == nil {
		t.Fatal("expected construction error for permissive default in hardened mode")
	}
	if _, err := NewEngine(cfg, false); err != nil {
		t.Fatalf("unhardened construction failed: %v", err)
	}
}

func TestAuditRingBounded(t *testing.T) {
	cfg := &config.PolicyConfig{MaxAuditEntries: 3}
	cfg.SetDefaults()
	e, err := NewEngine(cfg, false)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	for i := 0; i < 5; i++ {
		e.Evaluate(FileRequest(fmt.Sprintf("/f/%d", i), "read"))
	}

	entries := e.Audit()
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	// Oldest first, so the ring holds evaluations 2, 3, 4.
	for i, want := range []string{"/f/2", "/f/3", "/f/4"} {
		if entries[i].Request.Path != want {
			t.Errorf("entry %d: got %q, want %q", i, entries[i].Request.Path, want)
		}
	}
}

func TestAuditRecordsVerdict(t *testing.T) {
	e := newTestEngine(t, &config.PolicyConfig{
		Rules: []config.PolicyRuleConfig{
			{ID: "allow-data", Kind: "file", Decision: "allow", Paths: []string{"/data/**"}},
		},
	})

	e.Evaluate(FileRequest("/data/x", "read"))
	entries := e.Audit()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Decision != Allow || entries[0].RuleID != "allow-data" {
		t.Errorf("unexpected audit entry: %+v", entries[0])
	}
}
