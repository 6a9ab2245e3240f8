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

package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func devConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Gateway.DevMode = config.BoolPtr(true)
	cfg.Models = map[string]config.ModelConfig{
		"dev": {Type: "static"},
	}
	cfg.Agents = map[string]config.AgentConfig{
		"researcher": {
			Name:  "Researcher",
			Model: "dev",
			Capabilities: map[string][]string{
				"memory": {"read", "write"},
			},
		},
	}
	return cfg
}

func newRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	r, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestNewSpawnsConfiguredAgents(t *testing.T) {
	r := newRuntime(t, devConfig())

	if got := r.Registry().Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	entry, ok := r.Registry().GetByExternalID("researcher")
	if !ok {
		t.Fatal("configured agent not registered")
	}
	if entry.State() != agent.StateReady {
		t.Fatalf("state = %s, want ready", entry.State())
	}

	grants, err := r.Capabilities().List(context.Background(), entry.ID, false)
	if err != nil {
		t.Fatalf("List grants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("grants = %d, want 1 from manifest", len(grants))
	}
}

func TestNewRejectsNilAndInvalidConfig(t *testing.T) {
	if _, err := New(context.Background(), nil); err == nil {
		t.Fatal("nil config accepted")
	}

	cfg := &config.Config{} // not dev mode, no secret
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("secretless non-dev config accepted")
	}
}

func TestDispatchEcho(t *testing.T) {
	r := newRuntime(t, devConfig())

	result, err := r.Dispatch(context.Background(), "researcher", map[string]any{
		"type":    protocol.TaskEcho,
		"message": "hello",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	resp, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	if resp["message"] != "hello" {
		t.Fatalf("message = %v, want the payload echoed back", resp["message"])
	}
}

func TestDispatchChatUsesStaticProvider(t *testing.T) {
	r := newRuntime(t, devConfig())

	result, err := r.Dispatch(context.Background(), "researcher", map[string]any{
		"type": protocol.TaskChat,
		"messages": []any{
			map[string]any{"role": "user", "content": "ping"},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	resp := result.(map[string]any)
	content, _ := resp["content"].(string)
	if !strings.Contains(content, "ping") {
		t.Fatalf("content = %q, want the prompt echoed back", content)
	}

	entry, _ := r.Registry().GetByExternalID("researcher")
	snap := entry.Snapshot()
	if snap.InputTokens == 0 || snap.OutputTokens == 0 {
		t.Fatalf("usage not folded: in=%d out=%d", snap.InputTokens, snap.OutputTokens)
	}
}

func TestChatStreamDeliversChunks(t *testing.T) {
	r := newRuntime(t, devConfig())

	stream, err := r.ChatStream(context.Background(), "researcher", map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "stream me"},
		},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var text strings.Builder
	for chunk := range stream.Chunks {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
	}
	if !strings.Contains(text.String(), "stream me") {
		t.Fatalf("streamed %q, want the prompt echoed back", text.String())
	}
}

func TestTerminateAgentRevokesAndRetires(t *testing.T) {
	r := newRuntime(t, devConfig())

	entry, _ := r.Registry().GetByExternalID("researcher")
	if err := r.TerminateAgent(context.Background(), "researcher"); err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	if entry.State() != agent.StateTerminated {
		t.Fatalf("state = %s, want terminated", entry.State())
	}

	grants, err := r.Capabilities().List(context.Background(), entry.ID, false)
	if err != nil {
		t.Fatalf("List grants: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("grants = %d after terminate, want 0", len(grants))
	}

	// The id is gone; further dispatches are rejected.
	if _, err := r.Dispatch(context.Background(), "researcher", map[string]any{
		"type": protocol.TaskEcho, "message": "x",
	}); err == nil {
		t.Fatal("dispatch to terminated agent succeeded")
	}
}

func TestDevModeInjectsStaticProvider(t *testing.T) {
	cfg := devConfig()
	cfg.Models = nil
	cfg.Agents = nil
	r := newRuntime(t, cfg)

	if r.Router().Count() != 1 {
		t.Fatalf("providers = %d, want the injected dev provider", r.Router().Count())
	}
	if err := r.Ready(); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestSpawnAgentAtRuntime(t *testing.T) {
	r := newRuntime(t, devConfig())

	cfg := &config.AgentConfig{Name: "Scout", Model: "dev"}
	cfg.SetDefaults()
	snap, err := r.SpawnAgent(context.Background(), "scout", cfg)
	if err != nil {
		t.Fatalf("SpawnAgent: %v", err)
	}
	if snap.State != agent.StateReady {
		t.Fatalf("state = %s, want ready", snap.State)
	}
	if r.Registry().Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Registry().Count())
	}
}
