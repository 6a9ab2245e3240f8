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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/term"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// gatewayClient is the small frame client behind the call and listen
// commands.
type gatewayClient struct {
	sock *websocket.Conn
}

func dialGateway(ctx context.Context, url, secret string) (*gatewayClient, error) {
	sock, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &gatewayClient{sock: sock}

	if err := c.write(ctx, protocol.FrameAuth, "auth", map[string]any{"token": secret}); err != nil {
		c.close()
		return nil, err
	}
	frame, err := c.read(ctx)
	if err != nil {
		c.close()
		return nil, err
	}
	if frame.Type != protocol.FrameAuthSuccess {
		c.close()
		return nil, fmt.Errorf("authentication failed (%s)", frame.Type)
	}
	return c, nil
}

func (c *gatewayClient) write(ctx context.Context, frameType, id string, payload any) error {
	frame, err := protocol.NewFrame(frameType, id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.sock.Write(ctx, websocket.MessageText, data)
}

func (c *gatewayClient) read(ctx context.Context) (*protocol.Frame, error) {
	_, data, err := c.sock.Read(ctx)
	if err != nil {
		return nil, err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (c *gatewayClient) close() {
	_ = c.sock.Close(websocket.StatusNormalClosure, "")
}

// CallCmd dispatches a single task and prints the result.
type CallCmd struct {
	URL     string        `help:"Gateway WebSocket URL." default:"ws://localhost:8080/ws"`
	Secret  string        `help:"Gateway secret." env:"WARDEN_SECRET"`
	Agent   string        `required:"" help:"Target agent external id."`
	Type    string        `required:"" help:"Task type (echo, chat, invoke_tool, ...)."`
	Data    string        `help:"Task payload as JSON." default:"{}"`
	Timeout time.Duration `help:"Overall timeout." default:"60s"`
}

func (c *CallCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()

	task := map[string]any{}
	if err := json.Unmarshal([]byte(c.Data), &task); err != nil {
		return fmt.Errorf("--data: %w", err)
	}
	task["type"] = c.Type

	client, err := dialGateway(ctx, c.URL, c.Secret)
	if err != nil {
		return err
	}
	defer client.close()

	if err := client.write(ctx, protocol.FrameTask, "call-1", map[string]any{
		"agentId": c.Agent,
		"task":    task,
	}); err != nil {
		return err
	}

	frame, err := client.read(ctx)
	if err != nil {
		return err
	}
	if frame.Type == protocol.FrameError {
		var payload protocol.ErrorPayload
		_ = frame.DecodePayload(&payload)
		return fmt.Errorf("%s: %s", payload.Code, payload.Err)
	}

	var pretty map[string]any
	if err := frame.DecodePayload(&pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}

// ListenCmd subscribes to event channels and prints events until
// interrupted.
type ListenCmd struct {
	URL      string `help:"Gateway WebSocket URL." default:"ws://localhost:8080/ws"`
	Secret   string `help:"Gateway secret." env:"WARDEN_SECRET"`
	Channels string `help:"Comma-separated channel patterns." default:"events"`
}

func (c *ListenCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := dialGateway(ctx, c.URL, c.Secret)
	if err != nil {
		return err
	}
	defer client.close()

	channels := strings.Split(c.Channels, ",")
	if err := client.write(ctx, protocol.FrameSubscribe, "sub-1", map[string]any{
		"channels": channels,
	}); err != nil {
		return err
	}
	if frame, err := client.read(ctx); err != nil {
		return err
	} else if frame.Type == protocol.FrameError {
		var payload protocol.ErrorPayload
		_ = frame.DecodePayload(&payload)
		return fmt.Errorf("subscribe: %s", payload.Err)
	}

	pretty := term.IsTerminal(int(os.Stdout.Fd()))
	for {
		frame, err := client.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if frame.Type != protocol.FrameEvent {
			continue
		}

		var ev protocol.Event
		if err := frame.DecodePayload(&ev); err != nil {
			continue
		}
		if pretty {
			ts := time.UnixMilli(ev.Timestamp).Format(time.TimeOnly)
			fmt.Printf("%s  %-18s %-24s %s\n", ts, ev.Channel, ev.Type, ev.AgentID)
		} else {
			line, _ := json.Marshal(ev)
			fmt.Println(string(line))
		}
	}
}
