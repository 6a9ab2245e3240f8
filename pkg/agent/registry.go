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

// Package agent holds the registry of hosted agents and their lifecycle
// state machine. The registry is the exclusive owner of agent entries: every
// dispatcher reads through it, and all mutation goes through its methods.
// Entries are additionally projected into the durable store so discovery
// works across cluster nodes.
package agent

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Store is the durable projection of registry entries. Implementations must
// be safe for concurrent use.
type Store interface {
	// Upsert writes the snapshot, replacing any previous row for the agent.
	Upsert(ctx context.Context, s Snapshot) error

	// List returns projected agents, optionally filtered to live states.
	List(ctx context.Context, includeTerminated bool) ([]Snapshot, error)
}

// Registry indexes active agents by internal and external id.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*Entry
	byExternal map[string]*Entry

	bus    *events.Bus
	store  Store
	nodeID string
	now    func() time.Time
}

// NewRegistry builds an empty registry. bus and store may be nil; nodeID
// tags entries with the owning cluster node and may be empty on single-node
// deployments.
func NewRegistry(bus *events.Bus, store Store, nodeID string) *Registry {
	return &Registry{
		byID:       make(map[string]*Entry),
		byExternal: make(map[string]*Entry),
		bus:        bus,
		store:      store,
		nodeID:     nodeID,
		now:        time.Now,
	}
}

// Spawn admits a new agent in state created. The external id must be unique
// among live entries.
func (r *Registry) Spawn(ctx context.Context, externalID string, cfg *config.AgentConfig) (*Entry, error) {
	if externalID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "agent id is required")
	}
	if cfg == nil {
		return nil, protocol.NewError(protocol.CodeValidation, "agent manifest is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid agent manifest: %v", err)
	}

	now := r.now().UTC()
	entry := &Entry{
		ID:           uuid.NewString(),
		ExternalID:   externalID,
		Config:       cfg,
		NodeID:       r.nodeID,
		CreatedAt:    now,
		state:        StateCreated,
		lastActiveAt: now,
		hourStart:    now,
	}

	r.mu.Lock()
	if _, exists := r.byExternal[externalID]; exists {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "agent %q already exists", externalID)
	}
	r.byID[entry.ID] = entry
	r.byExternal[externalID] = entry
	r.mu.Unlock()

	r.project(ctx, entry)
	r.emit("agent.spawned", externalID, map[string]any{
		"agentId": entry.ID,
		"state":   string(StateCreated),
	})
	return entry, nil
}

// Get returns the entry with the given internal id.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// GetByExternalID returns the entry with the given external id.
func (r *Registry) GetByExternalID(externalID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byExternal[externalID]
	return e, ok
}

// Resolve tries the internal index first, then the external one. Callers
// mostly hold external ids; internal ids appear in audit records and events.
func (r *Registry) Resolve(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.byID[id]; ok {
		return e, true
	}
	e, ok := r.byExternal[id]
	return e, ok
}

// Lookup resolves id or returns a typed NOT_FOUND error.
func (r *Registry) Lookup(id string) (*Entry, error) {
	if e, ok := r.Resolve(id); ok {
		return e, nil
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "agent %q not found", id)
}

// List returns all live entries ordered by external id.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ExternalID < entries[j].ExternalID
	})
	return entries
}

// Count returns the number of registered entries, terminated but unswept
// ones included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountByState tallies entries per lifecycle state.
func (r *Registry) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, e := range r.List() {
		counts[e.State()]++
	}
	return counts
}

// Transition moves the agent to a new lifecycle state. Disallowed moves
// return a typed error and change nothing; successful ones stamp
// lastActiveAt, project the entry, and emit a lifecycle event.
func (r *Registry) Transition(ctx context.Context, id string, to State) error {
	if !to.Valid() {
		return protocol.Errorf(protocol.CodeValidation, "unknown agent state %q", to)
	}
	entry, err := r.Lookup(id)
	if err != nil {
		return err
	}

	from, err := entry.transition(to, r.now().UTC())
	if err != nil {
		return err
	}

	r.project(ctx, entry)
	r.emit("agent.state_changed", entry.ExternalID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	if to == StateTerminated {
		r.emit("agent.terminated", entry.ExternalID, nil)
	}
	return nil
}

// Terminate moves the agent to terminated.
func (r *Registry) Terminate(ctx context.Context, id string) error {
	return r.Transition(ctx, id, StateTerminated)
}

// Sweep drops terminated entries whose grace period has passed and reports
// how many were removed. The durable projection keeps their rows with
// deleted_at set.
func (r *Registry) Sweep(grace time.Duration) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.byID {
		at, ok := e.terminatedAt()
		if !ok || now.Sub(at) < grace {
			continue
		}
		delete(r.byID, id)
		delete(r.byExternal, e.ExternalID)
		removed++
	}
	return removed
}

// Discover lists agents for directory queries. With a configured cluster
// node id the durable projection is consulted so agents on other nodes
// appear; otherwise the local registry answers alone.
func (r *Registry) Discover(ctx context.Context) ([]Snapshot, error) {
	if r.nodeID != "" && r.store != nil {
		snapshots, err := r.store.List(ctx, false)
		if err == nil {
			return snapshots, nil
		}
		slog.Warn("Durable agent discovery failed, serving local entries", "error", err)
	}

	entries := r.List()
	snapshots := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		if e.State() == StateTerminated {
			continue
		}
		snapshots = append(snapshots, e.Snapshot())
	}
	return snapshots, nil
}

func (r *Registry) project(ctx context.Context, e *Entry) {
	if r.store == nil {
		return
	}
	if err := r.store.Upsert(ctx, e.Snapshot()); err != nil {
		slog.Warn("Agent projection write failed", "agent", e.ExternalID, "error", err)
	}
}

func (r *Registry) emit(eventType, agentID string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(protocol.ChannelEvents, eventType, agentID, data)
}
