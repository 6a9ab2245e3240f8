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
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/model"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/ratelimit"
)

const writeTimeout = 10 * time.Second

// conn is one WebSocket session. A single writer goroutine drains out, so
// frame handlers and the event pump never touch the socket directly. The
// out channel is bounded; a session that cannot keep up is closed rather
// than allowed to stall the rest of the gateway.
type conn struct {
	srv    *Server
	sock   *websocket.Conn
	out    chan *protocol.Frame
	bucket *ratelimit.Bucket

	cancel context.CancelFunc

	authed bool
	sub    *events.Subscriber
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are agent processes, not browsers; origin checks add
		// nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	sock.SetReadLimit(int64(s.cfg.Gateway.MaxPayloadBytes))

	s.connections.Add(1)
	if s.obs != nil {
		s.obs.Metrics().ConnectionOpened(r.Context())
	}
	defer func() {
		s.connections.Add(-1)
		if s.obs != nil {
			s.obs.Metrics().ConnectionClosed(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		srv:    s,
		sock:   sock,
		out:    make(chan *protocol.Frame, s.cfg.Gateway.SubscriberBuffer),
		bucket: ratelimit.NewBucket(s.cfg.Gateway.MessagesPerMinute),
		cancel: cancel,
		// A secretless dev gateway skips the handshake entirely.
		authed: s.cfg.Gateway.IsDevMode() && s.cfg.Gateway.Secret == "",
	}
	c.serve(ctx)
}

func (c *conn) serve(ctx context.Context) {
	defer c.cancel()
	defer func() {
		if c.sub != nil {
			c.sub.Close()
		}
		_ = c.sock.Close(websocket.StatusNormalClosure, "")
	}()

	go c.writer(ctx)

	for {
		_, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.send(protocol.ErrorFrame("", protocol.NewError(protocol.CodeValidation, "malformed frame")))
			continue
		}

		if !c.authed {
			if frame.Type != protocol.FrameAuth {
				c.send(mustFrame(protocol.FrameAuthRequired, frame.ID, map[string]any{
					"error": "first frame must be auth",
				}))
				return
			}
			if !c.handleAuth(&frame) {
				return
			}
			continue
		}

		if !c.bucket.Allow() {
			c.send(protocol.ErrorFrame(frame.ID, protocol.NewError(protocol.CodeRateLimited, "message rate limit exceeded")))
			continue
		}

		c.handleFrame(ctx, &frame)
	}
}

// writer owns all socket writes. It exits when out drains after cancel or
// when a write fails.
func (c *conn) writer(ctx context.Context) {
	for {
		select {
		case frame := <-c.out:
			data, err := json.Marshal(frame)
			if err != nil {
				slog.Warn("Frame encoding failed", "type", frame.Type, "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.sock.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send queues a frame without blocking. A full buffer means the client has
// stalled; the connection is cut instead of backpressuring the gateway.
func (c *conn) send(frame *protocol.Frame) {
	select {
	case c.out <- frame:
	default:
		slog.Warn("Dropping stalled connection", "buffer", cap(c.out))
		c.cancel()
	}
}

func (c *conn) handleAuth(frame *protocol.Frame) bool {
	var payload struct {
		Token string `json:"token"`
	}
	_ = frame.DecodePayload(&payload)

	secret := c.srv.cfg.Gateway.Secret
	ok := subtle.ConstantTimeCompare([]byte(payload.Token), []byte(secret)) == 1
	if !ok && c.srv.cfg.Gateway.IsDevMode() {
		ok = true
	}
	if !ok {
		c.send(mustFrame(protocol.FrameAuthFailed, frame.ID, map[string]any{
			"error": "invalid token",
		}))
		return false
	}

	c.authed = true
	c.send(mustFrame(protocol.FrameAuthSuccess, frame.ID, map[string]any{
		"protocol": "warden/1",
	}))
	return true
}

func (c *conn) handleFrame(ctx context.Context, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FramePing:
		c.send(mustFrame(protocol.FramePong, frame.ID, nil))
	case protocol.FrameTask:
		c.handleTask(ctx, frame)
	case protocol.FrameChat:
		c.handleChat(ctx, frame)
	case protocol.FrameSpawnAgent:
		c.handleSpawn(ctx, frame)
	case protocol.FrameTerminateAgent:
		c.handleTerminate(ctx, frame)
	case protocol.FrameListAgents:
		c.handleListAgents(frame)
	case protocol.FrameAgentStatus:
		c.handleAgentStatus(frame)
	case protocol.FrameSubscribe:
		c.handleSubscribe(ctx, frame)
	case protocol.FrameUnsubscribe:
		c.handleUnsubscribe(frame)
	default:
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.Errorf(protocol.CodeValidation, "unknown frame type %q", frame.Type)))
	}
}

func (c *conn) handleTask(ctx context.Context, frame *protocol.Frame) {
	var payload struct {
		AgentID string         `json:"agentId"`
		Task    map[string]any `json:"task"`
	}
	if err := frame.DecodePayload(&payload); err != nil || payload.AgentID == "" || payload.Task == nil {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "task frame requires agentId and task")))
		return
	}

	result, err := c.srv.rt.Dispatch(ctx, payload.AgentID, payload.Task)
	if err != nil {
		c.sendFailure(ctx, frame.ID, err)
		return
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "ok",
		"result": result,
	}))
}

// chatPayload is the chat frame body; it maps onto a chat task for the
// dispatcher, with stream selecting the delivery mode.
type chatPayload struct {
	AgentID  string           `json:"agentId"`
	Messages []map[string]any `json:"messages"`
	Model    string           `json:"model,omitempty"`
	Stream   bool             `json:"stream,omitempty"`
}

func (p *chatPayload) task() map[string]any {
	messages := make([]any, 0, len(p.Messages))
	for _, m := range p.Messages {
		messages = append(messages, m)
	}
	task := map[string]any{
		"type":     protocol.TaskChat,
		"messages": messages,
	}
	if p.Model != "" {
		task["model"] = p.Model
	}
	return task
}

func (c *conn) handleChat(ctx context.Context, frame *protocol.Frame) {
	var payload chatPayload
	if err := frame.DecodePayload(&payload); err != nil || payload.AgentID == "" {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "chat frame requires agentId and messages")))
		return
	}

	if payload.Stream {
		stream, err := c.srv.rt.ChatStream(ctx, payload.AgentID, payload.task())
		if err != nil {
			c.sendFailure(ctx, frame.ID, err)
			return
		}
		go c.pumpChat(frame.ID, stream.Chunks)
		return
	}

	result, err := c.srv.rt.Dispatch(ctx, payload.AgentID, payload.task())
	if err != nil {
		c.sendFailure(ctx, frame.ID, err)
		return
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "ok",
		"result": result,
	}))
}

// pumpChat forwards stream chunks as chat_stream frames and always ends
// with exactly one chat_stream_end.
func (c *conn) pumpChat(id string, chunks <-chan model.StreamChunk) {
	var streamErr error
	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.Text != "" {
			c.send(mustFrame(protocol.FrameChatStream, id, map[string]any{
				"delta": chunk.Text,
			}))
		}
	}

	end := map[string]any{}
	if streamErr != nil {
		perr := protocol.AsError(streamErr)
		end["error"] = perr.Message
		end["code"] = perr.Code
	}
	c.send(mustFrame(protocol.FrameChatStreamEnd, id, end))
}

func (c *conn) handleSpawn(ctx context.Context, frame *protocol.Frame) {
	var payload struct {
		AgentID string             `json:"agentId"`
		Config  config.AgentConfig `json:"config"`
	}
	if err := frame.DecodePayload(&payload); err != nil || payload.AgentID == "" {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "spawn_agent frame requires agentId")))
		return
	}
	payload.Config.SetDefaults()
	if err := payload.Config.Validate(); err != nil {
		c.send(protocol.ErrorFrame(frame.ID, protocol.Errorf(protocol.CodeValidation, "%v", err)))
		return
	}

	snap, err := c.srv.rt.SpawnAgent(ctx, payload.AgentID, &payload.Config)
	if err != nil {
		c.sendFailure(ctx, frame.ID, err)
		return
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "ok",
		"agent":  snap,
	}))
}

func (c *conn) handleTerminate(ctx context.Context, frame *protocol.Frame) {
	var payload struct {
		AgentID string `json:"agentId"`
	}
	if err := frame.DecodePayload(&payload); err != nil || payload.AgentID == "" {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "terminate_agent frame requires agentId")))
		return
	}
	if err := c.srv.rt.TerminateAgent(ctx, payload.AgentID); err != nil {
		c.sendFailure(ctx, frame.ID, err)
		return
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "terminated",
	}))
}

func (c *conn) handleListAgents(frame *protocol.Frame) {
	entries := c.srv.rt.Registry().List()
	snapshots := make([]any, 0, len(entries))
	for _, e := range entries {
		snapshots = append(snapshots, e.Snapshot())
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "ok",
		"agents": snapshots,
	}))
}

func (c *conn) handleAgentStatus(frame *protocol.Frame) {
	var payload struct {
		AgentID string `json:"agentId"`
	}
	if err := frame.DecodePayload(&payload); err != nil || payload.AgentID == "" {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "agent_status frame requires agentId")))
		return
	}
	entry, err := c.srv.rt.Registry().Lookup(payload.AgentID)
	if err != nil {
		c.send(protocol.ErrorFrame(frame.ID, err))
		return
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status": "ok",
		"agent":  entry.Snapshot(),
	}))
}

func (c *conn) handleSubscribe(ctx context.Context, frame *protocol.Frame) {
	var payload struct {
		Channels []string `json:"channels"`
	}
	if err := frame.DecodePayload(&payload); err != nil || len(payload.Channels) == 0 {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "subscribe frame requires channels")))
		return
	}

	if c.sub == nil {
		c.sub = c.srv.rt.Bus().Subscribe(payload.Channels...)
		go c.pumpEvents(ctx)
	} else {
		c.sub.Add(payload.Channels...)
	}

	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status":   "ok",
		"channels": c.sub.Patterns(),
	}))
}

func (c *conn) handleUnsubscribe(frame *protocol.Frame) {
	var payload struct {
		Channels []string `json:"channels"`
	}
	if err := frame.DecodePayload(&payload); err != nil || len(payload.Channels) == 0 {
		c.send(protocol.ErrorFrame(frame.ID,
			protocol.NewError(protocol.CodeValidation, "unsubscribe frame requires channels")))
		return
	}

	var channels []string
	if c.sub != nil {
		c.sub.Remove(payload.Channels...)
		channels = c.sub.Patterns()
	}
	c.send(mustFrame(protocol.FrameResult, frame.ID, map[string]any{
		"status":   "ok",
		"channels": channels,
	}))
}

func (c *conn) pumpEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.send(mustFrame(protocol.FrameEvent, "", ev))
		case <-ctx.Done():
			return
		}
	}
}

// sendFailure emits the error frame and counts the rejection.
func (c *conn) sendFailure(ctx context.Context, id string, err error) {
	if c.srv.obs != nil {
		c.srv.obs.Metrics().RecordGateRejection(ctx, string(protocol.AsError(err).Code))
	}
	c.send(protocol.ErrorFrame(id, err))
}

func mustFrame(frameType, id string, payload any) *protocol.Frame {
	frame, err := protocol.NewFrame(frameType, id, payload)
	if err != nil {
		slog.Warn("Frame construction failed", "type", frameType, "error", err)
		frame = protocol.ErrorFrame(id, protocol.NewError(protocol.CodeInternal, "frame encoding failed"))
	}
	return frame
}
