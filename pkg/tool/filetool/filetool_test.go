package filetool

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/tool"
)

func testTools(t *testing.T, root string, pol *policy.Engine) (read, write, list tool.Tool) {
	t.Helper()
	cfg := &config.FileToolConfig{Root: root}
	cfg.SetDefaults()
	tools, err := New(cfg, pol)
	if err != nil {
		t.Fatalf("failed to build file tools: %v", err)
	}
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	return tools[0], tools[1], tools[2]
}

func allowAllEngine(t *testing.T) *policy.Engine {
	t.Helper()
	cfg := &config.PolicyConfig{DefaultDecision: "allow"}
	cfg.SetDefaults()
	cfg.DefaultDecision = "allow"
	engine, err := policy.NewEngine(cfg, false)
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}
	return engine
}

func TestDefinitions(t *testing.T) {
	read, write, list := testTools(t, t.TempDir(), nil)

	if read.Definition().ID != "builtin:file_read" {
		t.Errorf("unexpected id %q", read.Definition().ID)
	}
	if write.Definition().ID != "builtin:file_write" {
		t.Errorf("unexpected id %q", write.Definition().ID)
	}
	if list.Definition().ID != "builtin:file_list" {
		t.Errorf("unexpected id %q", list.Definition().ID)
	}
	if got := read.Definition().RequiredPermissions; len(got) != 1 || got[0] != "filesystem.read" {
		t.Errorf("unexpected read permissions %v", got)
	}
	if got := write.Definition().RequiredPermissions; len(got) != 1 || got[0] != "filesystem.write" {
		t.Errorf("unexpected write permissions %v", got)
	}
	if read.Definition().ResourceArg != "path" {
		t.Errorf("unexpected resource arg %q", read.Definition().ResourceArg)
	}
}

func TestWriteThenRead(t *testing.T) {
	root := t.TempDir()
	read, write, _ := testTools(t, root, allowAllEngine(t))
	ctx := context.Background()

	result, err := write.Execute(ctx, "agent-1", map[string]any{
		"path":    "notes/hello.txt",
		"content": "line one\nline two\nline three",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("write rejected: %q", result.Error)
	}
	if result.Metadata["bytes_written"] != 28.0 && result.Metadata["bytes_written"] != 28 {
		t.Errorf("unexpected bytes_written %v", result.Metadata["bytes_written"])
	}

	onDisk, err := os.ReadFile(filepath.Join(root, "notes", "hello.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(onDisk) != "line one\nline two\nline three" {
		t.Errorf("unexpected file content %q", onDisk)
	}

	result, err = read.Execute(ctx, "agent-1", map[string]any{"path": "notes/hello.txt"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("read rejected: %q", result.Error)
	}
	if result.Content != "line one\nline two\nline three" {
		t.Errorf("unexpected content %q", result.Content)
	}

	// Line range selection.
	result, err = read.Execute(ctx, "agent-1", map[string]any{
		"path": "notes/hello.txt", "start_line": 2, "end_line": 2,
	})
	if err != nil || !result.Success {
		t.Fatalf("ranged read failed: result=%+v err=%v", result, err)
	}
	if result.Content != "line two" {
		t.Errorf("unexpected ranged content %q", result.Content)
	}
}

func TestAppend(t *testing.T) {
	root := t.TempDir()
	_, write, _ := testTools(t, root, allowAllEngine(t))
	ctx := context.Background()

	for _, chunk := range []string{"a", "b"} {
		result, err := write.Execute(ctx, "agent-1", map[string]any{
			"path": "log.txt", "content": chunk, "append": true,
		})
		if err != nil || !result.Success {
			t.Fatalf("append failed: result=%+v err=%v", result, err)
		}
	}

	onDisk, err := os.ReadFile(filepath.Join(root, "log.txt"))
	if err != nil {
		t.Fatalf("file not written: %v", err)
	}
	if string(onDisk) != "ab" {
		t.Errorf("unexpected appended content %q", onDisk)
	}
}

func TestTraversalRejected(t *testing.T) {
	read, write, list := testTools(t, t.TempDir(), allowAllEngine(t))
	ctx := context.Background()

	for name, tl := range map[string]tool.Tool{"read": read, "list": list} {
		result, err := tl.Execute(ctx, "agent-1", map[string]any{"path": "/workspace/../etc/passwd"})
		if err != nil {
			t.Fatalf("%s: execute must not error: %v", name, err)
		}
		if result.Success {
			t.Errorf("%s: traversal must be rejected", name)
		}
		if !strings.Contains(result.Error, "traversal") {
			t.Errorf("%s: unexpected error %q", name, result.Error)
		}
	}

	result, err := write.Execute(ctx, "agent-1", map[string]any{"path": "../escape.txt", "content": "x"})
	if err != nil {
		t.Fatalf("write must not error: %v", err)
	}
	if result.Success {
		t.Error("write traversal must be rejected")
	}
}

func TestRootConfinement(t *testing.T) {
	read, _, _ := testTools(t, t.TempDir(), allowAllEngine(t))

	// Absolute path outside the root: no traversal sequence, still confined.
	result, err := read.Execute(context.Background(), "agent-1", map[string]any{"path": "/etc/passwd"})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Fatal("absolute path outside root must be rejected")
	}
	if !strings.Contains(result.Error, "escapes sandbox root") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestPolicyBlock(t *testing.T) {
	root := t.TempDir()

	cfg := &config.PolicyConfig{DefaultDecision: "block"}
	cfg.SetDefaults()
	engine, err := policy.NewEngine(cfg, false)
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}

	read, _, _ := testTools(t, root, engine)
	result, err := read.Execute(context.Background(), "agent-1", map[string]any{"path": "anything.txt"})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Fatal("default-block policy must reject")
	}
	if !strings.Contains(result.Error, "blocked by policy") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestReadCaps(t *testing.T) {
	root := t.TempDir()
	cfg := &config.FileToolConfig{Root: root, MaxReadBytes: 4, MaxWriteBytes: 4}
	tools, err := New(cfg, allowAllEngine(t))
	if err != nil {
		t.Fatalf("failed to build file tools: %v", err)
	}
	read, write := tools[0], tools[1]
	ctx := context.Background()

	result, err := write.Execute(ctx, "agent-1", map[string]any{"path": "big.txt", "content": "12345"})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Error("oversized write must be rejected")
	}

	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	result, err = read.Execute(ctx, "agent-1", map[string]any{"path": "big.txt"})
	if err != nil {
		t.Fatalf("execute must not error: %v", err)
	}
	if result.Success {
		t.Error("oversized read must be rejected")
	}
	if !strings.Contains(result.Error, "file too large") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, list := testTools(t, root, allowAllEngine(t))
	result, err := list.Execute(context.Background(), "agent-1", map[string]any{"path": "."})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("list rejected: %q", result.Error)
	}
	if !strings.Contains(result.Content, "a.txt") || !strings.Contains(result.Content, "sub/") {
		t.Errorf("unexpected listing %q", result.Content)
	}
}
