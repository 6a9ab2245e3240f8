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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// MirrorChannel is the redis pub/sub channel events cross between nodes.
const MirrorChannel = "warden:events"

const mirrorPublishTimeout = 5 * time.Second

type mirror struct {
	client *redis.Client
	nodeID string
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// AttachMirror bridges this bus to other gateway nodes through redis
// pub/sub. Events published locally are re-published to redis tagged with
// nodeID; events arriving from other nodes are injected into the local bus.
func (b *Bus) AttachMirror(ctx context.Context, client *redis.Client, nodeID string) error {
	if client == nil {
		return fmt.Errorf("redis client is required")
	}
	if nodeID == "" {
		return fmt.Errorf("node id is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &mirror{
		client: client,
		nodeID: nodeID,
		pubsub: client.Subscribe(ctx, MirrorChannel),
		cancel: cancel,
	}

	// Confirm the subscription before wiring the mirror in.
	if _, err := m.pubsub.Receive(ctx); err != nil {
		cancel()
		m.pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", MirrorChannel, err)
	}

	if old := b.mirror.Swap(m); old != nil {
		old.close()
	}

	go m.receiveLoop(ctx, b)

	slog.Info("Event mirror attached", "channel", MirrorChannel, "node", nodeID)
	return nil
}

func (m *mirror) publish(event *protocol.Event) {
	tagged := *event
	tagged.Origin = m.nodeID

	data, err := marshalEvent(&tagged)
	if err != nil {
		slog.Error("Failed to encode event for mirror", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
	defer cancel()

	if err := m.client.Publish(ctx, MirrorChannel, data).Err(); err != nil {
		slog.Error("Failed to mirror event", "error", err)
	}
}

func (m *mirror) receiveLoop(ctx context.Context, b *Bus) {
	ch := m.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event protocol.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("Discarding malformed mirrored event", "error", err)
				continue
			}
			if event.Origin == m.nodeID {
				continue
			}

			b.publishLocal(&event)
		}
	}
}

func (m *mirror) close() {
	m.cancel()
	m.pubsub.Close()
}
