package commandtool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/tool"
)

func engineAllowing(t *testing.T, commands ...string) *policy.Engine {
	t.Helper()
	cfg := &config.PolicyConfig{AllowedCommands: commands}
	cfg.SetDefaults()
	engine, err := policy.NewEngine(cfg, false)
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}
	return engine
}

func testTool(t *testing.T, cfg *config.CommandToolConfig, engine *policy.Engine) tool.Tool {
	t.Helper()
	if cfg == nil {
		cfg = &config.CommandToolConfig{}
	}
	cfg.SetDefaults()
	exec, err := New(cfg, engine)
	if err != nil {
		t.Fatalf("failed to build command tool: %v", err)
	}
	return exec
}

func TestEnabled(t *testing.T) {
	if Enabled(nil) {
		t.Error("nil engine must be disabled")
	}
	if Enabled(engineAllowing(t)) {
		t.Error("engine with no shell allow rules must be disabled")
	}
	if !Enabled(engineAllowing(t, "echo")) {
		t.Error("engine with allowed commands must be enabled")
	}
}

func TestDefinition(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "echo"))
	def := exec.Definition()
	if def.ID != "builtin:shell_exec" {
		t.Errorf("unexpected id %q", def.ID)
	}
	if !def.RequiresConfirmation {
		t.Error("shell_exec must require confirmation")
	}
	if len(def.RequiredPermissions) != 1 || def.RequiredPermissions[0] != "system.execute" {
		t.Errorf("unexpected permissions %v", def.RequiredPermissions)
	}
}

func TestRunAllowedCommand(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "echo"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{
		"command": "echo",
		"args":    []string{"hello", "world"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("execution rejected: %q", result.Error)
	}
	if strings.TrimSpace(result.Content) != "hello world" {
		t.Errorf("unexpected output %q", result.Content)
	}
	if result.Metadata["exit_code"] != 0 {
		t.Errorf("unexpected exit code %v", result.Metadata["exit_code"])
	}
}

func TestBlockedCommand(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "echo"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{"command": "rm"})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Fatal("disallowed command must be rejected")
	}
	if !strings.Contains(result.Error, "blocked by policy") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestMetacharactersRejected(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "*"))

	for _, cmd := range []string{"echo; rm -rf /", "echo | cat", "echo `id`", "echo $(id)"} {
		result, err := exec.Execute(context.Background(), "agent-1", map[string]any{"command": cmd})
		if err != nil {
			t.Fatalf("%q: execute must not error: %v", cmd, err)
		}
		if result.Success {
			t.Errorf("%q: metacharacters must be rejected", cmd)
		}
	}
}

func TestNonZeroExit(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "false"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{"command": "false"})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("non-zero exit is still a completed run: %q", result.Error)
	}
	if result.Metadata["exit_code"] != 1 {
		t.Errorf("unexpected exit code %v", result.Metadata["exit_code"])
	}
}

func TestTimeout(t *testing.T) {
	cfg := &config.CommandToolConfig{Timeout: config.Duration(50 * time.Millisecond)}
	exec := testTool(t, cfg, engineAllowing(t, "sleep"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{
		"command": "sleep",
		"args":    []string{"5"},
	})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Fatal("timed-out command must fail")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestOutputCap(t *testing.T) {
	cfg := &config.CommandToolConfig{MaxOutputBytes: 5}
	exec := testTool(t, cfg, engineAllowing(t, "echo"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{
		"command": "echo",
		"args":    []string{"0123456789"},
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("execution rejected: %q", result.Error)
	}
	if result.Content != "01234" {
		t.Errorf("expected capped output, got %q", result.Content)
	}
	if result.Metadata["truncated"] != true {
		t.Error("expected truncated marker")
	}
}

func TestStdin(t *testing.T) {
	exec := testTool(t, nil, engineAllowing(t, "cat"))

	result, err := exec.Execute(context.Background(), "agent-1", map[string]any{
		"command": "cat",
		"stdin":   "piped input",
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("execution rejected: %q", result.Error)
	}
	if result.Content != "piped input" {
		t.Errorf("unexpected output %q", result.Content)
	}
}
