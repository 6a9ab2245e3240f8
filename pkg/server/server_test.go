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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/runtime"
)

const testSecret = "gateway-test-secret"

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{}
	cfg.Gateway.Secret = testSecret
	cfg.Models = map[string]config.ModelConfig{
		"dev": {Type: "static"},
	}
	cfg.Agents = map[string]config.AgentConfig{
		"researcher": {Name: "Researcher", Model: "dev"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig(mutate)
	rt, err := runtime.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	s, err := New(Options{Config: cfg, Runtime: rt, Version: "test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + ts.URL[len("http"):] + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close(websocket.StatusNormalClosure, "") })
	return sock
}

func send(t *testing.T, sock *websocket.Conn, frameType, id string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(frameType, id, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	data, _ := json.Marshal(frame)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func recv(t *testing.T, sock *websocket.Conn) *protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := sock.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return &frame
}

func authed(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	sock := dial(t, ts)
	send(t, sock, protocol.FrameAuth, "a1", map[string]any{"token": testSecret})
	if frame := recv(t, sock); frame.Type != protocol.FrameAuthSuccess {
		t.Fatalf("auth response = %s, want auth_success", frame.Type)
	}
	return sock
}

func TestAuthRequiredBeforeAnyFrame(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := dial(t, ts)

	send(t, sock, protocol.FramePing, "p1", nil)
	if frame := recv(t, sock); frame.Type != protocol.FrameAuthRequired {
		t.Fatalf("got %s, want auth_required", frame.Type)
	}

	// The connection is closed after the violation.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := sock.Read(ctx); err == nil {
		t.Fatal("connection stayed open after auth violation")
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := dial(t, ts)

	send(t, sock, protocol.FrameAuth, "a1", map[string]any{"token": "wrong"})
	if frame := recv(t, sock); frame.Type != protocol.FrameAuthFailed {
		t.Fatalf("got %s, want auth_failed", frame.Type)
	}
}

func TestDevModeAcceptsAnyToken(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.DevMode = config.BoolPtr(true)
	})
	sock := dial(t, ts)

	send(t, sock, protocol.FrameAuth, "a1", map[string]any{"token": "anything"})
	if frame := recv(t, sock); frame.Type != protocol.FrameAuthSuccess {
		t.Fatalf("got %s, want auth_success in dev mode", frame.Type)
	}
}

func TestPingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FramePing, "p7", nil)
	frame := recv(t, sock)
	if frame.Type != protocol.FramePong || frame.ID != "p7" {
		t.Fatalf("got %s id=%s, want pong p7", frame.Type, frame.ID)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameTask, "t1", map[string]any{
		"agentId": "researcher",
		"task":    map[string]any{"type": protocol.TaskEcho, "message": "hello"},
	})
	frame := recv(t, sock)
	if frame.Type != protocol.FrameResult {
		t.Fatalf("got %s, want result", frame.Type)
	}
	var payload struct {
		Status string         `json:"status"`
		Result map[string]any `json:"result"`
	}
	if err := frame.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Status != "ok" || payload.Result["message"] != "hello" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestTaskToUnknownAgentFails(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameTask, "t1", map[string]any{
		"agentId": "ghost",
		"task":    map[string]any{"type": protocol.TaskEcho},
	})
	frame := recv(t, sock)
	if frame.Type != protocol.FrameError {
		t.Fatalf("got %s, want error", frame.Type)
	}
	var payload protocol.ErrorPayload
	if err := frame.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Code != protocol.CodeNotFound {
		t.Fatalf("code = %s, want NOT_FOUND", payload.Code)
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Gateway.MessagesPerMinute = 2
	})
	sock := authed(t, ts)

	for i := 0; i < 2; i++ {
		send(t, sock, protocol.FramePing, "p", nil)
		if frame := recv(t, sock); frame.Type != protocol.FramePong {
			t.Fatalf("message %d: got %s, want pong", i, frame.Type)
		}
	}

	send(t, sock, protocol.FramePing, "p", nil)
	frame := recv(t, sock)
	if frame.Type != protocol.FrameError {
		t.Fatalf("got %s, want rate limit error", frame.Type)
	}
	var payload protocol.ErrorPayload
	_ = frame.DecodePayload(&payload)
	if payload.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %s, want RATE_LIMITED", payload.Code)
	}
}

func TestSpawnListStatusTerminate(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameSpawnAgent, "s1", map[string]any{
		"agentId": "scout",
		"config":  map[string]any{"name": "Scout", "model": "dev"},
	})
	if frame := recv(t, sock); frame.Type != protocol.FrameResult {
		t.Fatalf("spawn: got %s, want result", frame.Type)
	}

	send(t, sock, protocol.FrameListAgents, "l1", nil)
	frame := recv(t, sock)
	var listPayload struct {
		Agents []map[string]any `json:"agents"`
	}
	if err := frame.DecodePayload(&listPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(listPayload.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(listPayload.Agents))
	}

	send(t, sock, protocol.FrameAgentStatus, "st1", map[string]any{"agentId": "scout"})
	frame = recv(t, sock)
	var statusPayload struct {
		Agent map[string]any `json:"agent"`
	}
	if err := frame.DecodePayload(&statusPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if statusPayload.Agent["state"] != "ready" {
		t.Fatalf("state = %v, want ready", statusPayload.Agent["state"])
	}

	send(t, sock, protocol.FrameTerminateAgent, "x1", map[string]any{"agentId": "scout"})
	if frame := recv(t, sock); frame.Type != protocol.FrameResult {
		t.Fatalf("terminate: got %s, want result", frame.Type)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	s, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameSubscribe, "sub1", map[string]any{
		"channels": []string{protocol.ChannelEvents},
	})
	if frame := recv(t, sock); frame.Type != protocol.FrameResult {
		t.Fatalf("subscribe: got %s, want result", frame.Type)
	}

	s.rt.Bus().Emit(protocol.ChannelEvents, "test.event", "researcher", map[string]any{"k": "v"})

	frame := recv(t, sock)
	if frame.Type != protocol.FrameEvent {
		t.Fatalf("got %s, want event", frame.Type)
	}
	var ev protocol.Event
	if err := frame.DecodePayload(&ev); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if ev.Type != "test.event" || ev.AgentID != "researcher" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestStreamingChat(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameChat, "c1", map[string]any{
		"agentId": "researcher",
		"stream":  true,
		"messages": []map[string]any{
			{"role": "user", "content": "stream me"},
		},
	})

	var text strings.Builder
	for {
		frame := recv(t, sock)
		switch frame.Type {
		case protocol.FrameChatStream:
			var chunk struct {
				Delta string `json:"delta"`
			}
			if err := frame.DecodePayload(&chunk); err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			text.WriteString(chunk.Delta)
			continue
		case protocol.FrameChatStreamEnd:
			var end struct {
				Error string `json:"error"`
			}
			_ = frame.DecodePayload(&end)
			if end.Error != "" {
				t.Fatalf("stream failed: %s", end.Error)
			}
		default:
			t.Fatalf("unexpected frame %s", frame.Type)
		}
		break
	}
	if !strings.Contains(text.String(), "stream me") {
		t.Fatalf("streamed %q, want the prompt echoed", text.String())
	}
}

func TestNonStreamingChat(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, protocol.FrameChat, "c2", map[string]any{
		"agentId": "researcher",
		"messages": []map[string]any{
			{"role": "user", "content": "hi there"},
		},
	})
	frame := recv(t, sock)
	if frame.Type != protocol.FrameResult {
		t.Fatalf("got %s, want result", frame.Type)
	}
	var payload struct {
		Result map[string]any `json:"result"`
	}
	if err := frame.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	content, _ := payload.Result["content"].(string)
	if !strings.Contains(content, "hi there") {
		t.Fatalf("content = %q", content)
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test" {
		t.Fatalf("version = %v", body["version"])
	}

	for _, path := range []string{"/ready", "/live", "/healthz", "/liveness", "/readiness"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestUnknownFrameType(t *testing.T) {
	_, ts := newTestServer(t, nil)
	sock := authed(t, ts)

	send(t, sock, "bogus", "b1", nil)
	frame := recv(t, sock)
	if frame.Type != protocol.FrameError {
		t.Fatalf("got %s, want error", frame.Type)
	}
}
