package tool

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestParsePermission(t *testing.T) {
	cases := []struct {
		in   string
		want Permission
		err  bool
	}{
		{in: "filesystem.read", want: Permission{Category: "filesystem", Action: "read"}},
		{in: "filesystem.read[/workspace/**]", want: Permission{Category: "filesystem", Action: "read", Resource: "/workspace/**"}},
		{in: "network.fetch[*.example.com]", want: Permission{Category: "network", Action: "fetch", Resource: "*.example.com"}},
		{in: "noaction", err: true},
		{in: ".read", err: true},
		{in: "filesystem.", err: true},
		{in: "filesystem.read[/tmp", err: true},
	}

	for _, tc := range cases {
		got, err := ParsePermission(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
		if got.String() != tc.in {
			t.Errorf("%q: round trip got %q", tc.in, got.String())
		}
	}
}

func TestDefinitionServer(t *testing.T) {
	if s := (Definition{ID: "mcp:github:create_issue"}).Server(); s != "github" {
		t.Errorf("expected github, got %q", s)
	}
	if s := (Definition{ID: "builtin:calculator"}).Server(); s != "" {
		t.Errorf("expected empty server for builtin, got %q", s)
	}
	if s := (Definition{ID: "mcp:broken"}).Server(); s != "" {
		t.Errorf("expected empty server for malformed id, got %q", s)
	}
}

// stubTool is a minimal Tool for registry tests.
type stubTool struct {
	def     Definition
	result  *Result
	err     error
	sleep   time.Duration
	lastArg map[string]any
}

func (s *stubTool) Definition() Definition { return s.def }

func (s *stubTool) Execute(ctx context.Context, callerID string, args map[string]any) (*Result, error) {
	s.lastArg = args
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&stubTool{def: Definition{ID: "builtin:echo", Name: "echo"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&stubTool{def: Definition{ID: "echo", Name: "echo"}}); err == nil {
		t.Error("expected rejection of unprefixed id")
	}
	if err := r.Register(&stubTool{def: Definition{ID: "builtin:echo", Name: "echo"}}); err == nil {
		t.Error("expected duplicate rejection")
	}

	if _, err := r.Resolve(context.Background(), "builtin:echo"); err != nil {
		t.Errorf("resolve failed: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "builtin:missing"); err == nil {
		t.Error("expected not-found error")
	}
	if _, err := r.Resolve(context.Background(), "mcp:nosuch:tool"); err == nil {
		t.Error("expected unknown-server error")
	}
	if _, err := r.Resolve(context.Background(), "mcp:broken"); err == nil {
		t.Error("expected malformed-id error")
	}
}

func TestRegistryExecuteStampsTimeAndTruncates(t *testing.T) {
	r := NewRegistry(WithMaxResultBytes(8))
	long := &stubTool{
		def:    Definition{ID: "builtin:long", Name: "long"},
		result: Succeed(strings.Repeat("x", 100), nil),
	}
	if err := r.Register(long); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := r.Execute(context.Background(), "agent-1", "builtin:long", nil)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %q", result.Error)
	}
	if len(result.Content) != 8 {
		t.Errorf("expected truncated content, got %d bytes", len(result.Content))
	}
	if result.Metadata["truncated"] != true {
		t.Error("expected truncated marker")
	}
	if result.ExecutionTimeMs < 0 {
		t.Errorf("negative execution time %d", result.ExecutionTimeMs)
	}
}

func TestRegistryExecuteTimeout(t *testing.T) {
	r := NewRegistry(WithExecTimeout(20 * time.Millisecond))
	slow := &stubTool{
		def:    Definition{ID: "builtin:slow", Name: "slow"},
		result: Succeed("done", nil),
		sleep:  500 * time.Millisecond,
	}
	if err := r.Register(slow); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	result, err := r.Execute(context.Background(), "agent-1", "builtin:slow", nil)
	if err != nil {
		t.Fatalf("execute must not error on timeout: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("unexpected error %q", result.Error)
	}
}

func TestRegistryDefinitions(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"builtin:b", "builtin:a"} {
		if err := r.Register(&stubTool{def: Definition{ID: id, Name: id}}); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}

	defs := r.Definitions(context.Background())
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	// BaseRegistry lists in lexical order.
	if defs[0].ID != "builtin:a" || defs[1].ID != "builtin:b" {
		t.Errorf("unexpected order: %s, %s", defs[0].ID, defs[1].ID)
	}
}
