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

// Package cluster maintains this gateway's presence record so peers sharing
// the durable store can see each other. Each node owns the agents it spawned;
// tasks are never forwarded, so presence is advisory: it feeds discovery and
// operator tooling, nothing routes through it.
package cluster

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/config"
)

// Node is one gateway's presence record.
type Node struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Store persists presence records. Implementations must make Upsert an
// insert-or-refresh on the node id.
type Store interface {
	Upsert(ctx context.Context, n Node) error
	List(ctx context.Context, liveSince time.Time) ([]Node, error)
	Delete(ctx context.Context, id string) error
}

// Presence heartbeats this node's record and lists live peers.
type Presence struct {
	cfg    *config.ClusterConfig
	store  Store
	node   Node
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// New builds the presence service. A missing node id is generated so every
// process has a stable identity for the lifetime of the run.
func New(cfg *config.ClusterConfig, store Store) *Presence {
	if cfg == nil {
		cfg = &config.ClusterConfig{}
	}
	cfg.SetDefaults()

	id := cfg.NodeID
	if id == "" {
		id = uuid.NewString()
	}
	hostname, _ := os.Hostname()

	return &Presence{
		cfg:   cfg,
		store: store,
		node:  Node{ID: id, Hostname: hostname},
		now:   time.Now,
	}
}

// NodeID returns this node's identity, generated or configured.
func (p *Presence) NodeID() string { return p.node.ID }

// Start writes the first heartbeat and begins refreshing. It is a no-op
// when clustering is disabled or no store is attached.
func (p *Presence) Start(ctx context.Context) error {
	if !p.cfg.IsEnabled() || p.store == nil {
		return nil
	}

	now := p.now().UTC()
	p.node.StartedAt = now
	p.node.LastSeen = now
	if err := p.store.Upsert(ctx, p.node); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

func (p *Presence) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Heartbeat.OrDefault(5 * time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.node.LastSeen = p.now().UTC()
			if err := p.store.Upsert(ctx, p.node); err != nil {
				slog.Warn("Cluster heartbeat failed", "node", p.node.ID, "error", err)
			}
		}
	}
}

// Stop halts the heartbeat and removes this node's record so peers do not
// wait out the TTL.
func (p *Presence) Stop(ctx context.Context) {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil

	if err := p.store.Delete(ctx, p.node.ID); err != nil {
		slog.Warn("Cluster deregister failed", "node", p.node.ID, "error", err)
	}
}

// Nodes lists peers seen within the TTL, this node included.
func (p *Presence) Nodes(ctx context.Context) ([]Node, error) {
	if p.store == nil {
		return []Node{p.node}, nil
	}
	cutoff := p.now().UTC().Add(-p.cfg.TTL.OrDefault(15 * time.Second))
	return p.store.List(ctx, cutoff)
}
