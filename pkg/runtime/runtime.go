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

// Package runtime assembles the gateway's components from configuration
// and owns their lifecycle. The server layer talks to the Runtime; nothing
// below the Runtime reaches back up.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/warden/pkg/a2a"
	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/capability"
	"github.com/kadirpekel/warden/pkg/cluster"
	"github.com/kadirpekel/warden/pkg/community"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/dispatch"
	"github.com/kadirpekel/warden/pkg/embedder"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/governance"
	"github.com/kadirpekel/warden/pkg/health"
	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/memory/ingest"
	"github.com/kadirpekel/warden/pkg/model"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/store"
	"github.com/kadirpekel/warden/pkg/tool"
	"github.com/kadirpekel/warden/pkg/tool/commandtool"
	"github.com/kadirpekel/warden/pkg/tool/filetool"
	"github.com/kadirpekel/warden/pkg/tool/mcptoolset"
	"github.com/kadirpekel/warden/pkg/tool/webtool"
	"github.com/kadirpekel/warden/pkg/usage"
	"github.com/kadirpekel/warden/pkg/vector"
)

// Runtime wires configuration into live components. Construction is
// all-or-nothing: a failed dependency tears down everything already built.
type Runtime struct {
	cfg *config.Config

	db    *store.Store
	redis *redis.Client

	bus        *events.Bus
	presence   *cluster.Presence
	registry   *agent.Registry
	caps       *capability.Manager
	meter      *usage.Meter
	gov        *governance.Service
	comm       *community.Service
	mem        *memory.Service
	ingestor   *ingest.Ingestor
	tools      *tool.Registry
	router     *model.Router
	engine     *a2a.Engine
	dispatcher *dispatch.Dispatcher
	monitor    *health.Monitor

	startedAt time.Time
}

// New builds every component the configuration declares. The returned
// runtime is not yet serving; call Start.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, startedAt: time.Now()}
	if err := r.build(ctx); err != nil {
		r.teardown(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg

	// Durable store. The memory driver means "run without one"; required
	// stores fail construction instead of degrading.
	if cfg.Store.Driver != "memory" {
		db, err := store.Open(ctx, &cfg.Store)
		if err != nil {
			if cfg.Store.IsRequired() {
				return fmt.Errorf("store: %w", err)
			}
			slog.Warn("Durable store unavailable, continuing in-memory", "driver", cfg.Store.Driver, "error", err)
		} else {
			r.db = db
		}
	}

	if cfg.Redis.IsEnabled() {
		r.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := r.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
	}

	// Cluster presence establishes the node identity every other component
	// stamps onto its records.
	r.presence = cluster.New(&cfg.Cluster, r.clusterStore())

	r.bus = events.NewBus(cfg.Gateway.SubscriberBuffer)
	if r.redis != nil {
		if err := r.bus.AttachMirror(ctx, r.redis, r.presence.NodeID()); err != nil {
			return fmt.Errorf("event mirror: %w", err)
		}
	}

	var agentStore agent.Store
	if r.db != nil {
		s, err := agent.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("agent store: %w", err)
		}
		agentStore = s
	}
	r.registry = agent.NewRegistry(r.bus, agentStore, r.presence.NodeID())

	if err := r.buildGuards(ctx); err != nil {
		return err
	}
	if err := r.buildMemory(ctx); err != nil {
		return err
	}
	if err := r.buildTools(); err != nil {
		return err
	}

	router, err := model.NewRouter(r.modelConfigs())
	if err != nil {
		return err
	}
	r.router = router

	var a2aStore a2a.Store
	if r.db != nil {
		s, err := a2a.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("a2a store: %w", err)
		}
		a2aStore = s
	}
	r.engine = a2a.NewEngine(&cfg.A2A, r.registry, r.bus, a2aStore)

	var providerUsage dispatch.ProviderUsageStore
	if r.db != nil {
		s, err := dispatch.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("provider usage store: %w", err)
		}
		providerUsage = s
	}

	r.dispatcher = dispatch.New(dispatch.Options{
		Registry:     r.registry,
		Capabilities: r.caps,
		Meter:        r.meter,
		Governance:   r.gov,
		Community:    r.comm,
		Memory:       r.mem,
		Ingestor:     r.ingestor,
		Tools:        r.tools,
		Router:       r.router,
		Engine:       r.engine,
		Bus:          r.bus,
		Providers:    providerUsage,
	})

	r.monitor = health.NewMonitor(r.registry, r.meter, r.bus, cfg.Health)

	for name, agentCfg := range cfg.Agents {
		agentCfg := agentCfg
		if _, err := r.SpawnAgent(ctx, name, &agentCfg); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
	}
	return nil
}

// buildGuards wires the capability, usage, governance and community
// services, which gate every dispatch.
func (r *Runtime) buildGuards(ctx context.Context) error {
	cfg := r.cfg

	capCfg := cfg.Capabilities
	if capCfg.Secret == "" {
		capCfg.Secret = cfg.Gateway.Secret
	}
	if capCfg.Secret == "" && cfg.Gateway.IsDevMode() {
		// Dev mode runs without a configured secret; tokens minted under a
		// per-process key are still verifiable for the process lifetime.
		capCfg.Secret = uuid.NewString()
	}
	var capStore capability.Store
	if r.db != nil {
		s, err := capability.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("capability store: %w", err)
		}
		capStore = s
	}
	caps, err := capability.NewManager(&capCfg, capStore, r.bus)
	if err != nil {
		return err
	}
	r.caps = caps

	costs := usage.DefaultCostTable()
	for _, m := range cfg.Models {
		if m.InputCostPer1K == nil && m.OutputCostPer1K == nil {
			continue
		}
		rate := costs.Rate(m.Model)
		if m.InputCostPer1K != nil {
			rate.InputPer1K = *m.InputCostPer1K
		}
		if m.OutputCostPer1K != nil {
			rate.OutputPer1K = *m.OutputCostPer1K
		}
		costs.SetRate(m.Model, rate)
	}
	var usageStore usage.Store
	if r.redis != nil {
		usageStore = usage.NewRedisStore(r.redis)
	} else {
		usageStore = usage.NewMemoryStore()
	}
	r.meter = usage.NewMeter(usageStore, costs)

	var govSink governance.Sink
	var govStore governance.Store
	if r.db != nil {
		s, err := governance.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("governance store: %w", err)
		}
		govSink, govStore = s, s
	}
	gov, err := governance.New(ctx, &cfg.Governance, govSink, govStore, r.bus)
	if err != nil {
		return err
	}
	r.gov = gov

	var commStore community.Store
	if r.db != nil {
		s, err := community.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			return fmt.Errorf("community store: %w", err)
		}
		commStore = s
	}
	comm, err := community.New(ctx, commStore, r.bus)
	if err != nil {
		return err
	}
	r.comm = comm
	return nil
}

func (r *Runtime) buildMemory(ctx context.Context) error {
	cfg := r.cfg

	cipher, err := memory.NewCipher(&cfg.Memory.Encryption)
	if err != nil {
		return fmt.Errorf("memory encryption: %w", err)
	}
	var memStore memory.Store
	if r.db != nil {
		s, err := memory.NewSQLStore(r.db.DB, r.db.Dialect, cipher)
		if err != nil {
			return fmt.Errorf("memory store: %w", err)
		}
		memStore = s
	} else {
		memStore = memory.NewMemoryStore(cfg.Memory.MaxEntriesPerAgent)
	}

	vectors, err := vector.New(&cfg.Vector)
	if err != nil {
		if cfg.Vector.IsRequired() {
			return fmt.Errorf("vector store: %w", err)
		}
		slog.Warn("Vector store unavailable, semantic recall disabled", "type", cfg.Vector.Type, "error", err)
		vectors = nil
	}
	emb, err := embedder.New(&cfg.Embedder)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	r.mem = memory.NewService(&cfg.Memory, memStore, vectors, emb)
	r.ingestor = ingest.New(r.mem, cfg.Memory.Ingest)
	return nil
}

func (r *Runtime) buildTools() error {
	cfg := r.cfg

	engine, err := policy.NewEngine(&cfg.Policy, cfg.Gateway.IsHardened())
	if err != nil {
		return err
	}

	reg := tool.NewRegistry()

	fileTools, err := filetool.New(&cfg.Tools.File, engine)
	if err != nil {
		return fmt.Errorf("file tools: %w", err)
	}
	for _, t := range fileTools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}

	web, err := webtool.New(&cfg.Tools.Web, engine)
	if err != nil {
		return fmt.Errorf("web tool: %w", err)
	}
	if err := reg.Register(web); err != nil {
		return err
	}

	command, err := commandtool.New(&cfg.Tools.Command, engine)
	if err != nil {
		return fmt.Errorf("command tool: %w", err)
	}
	if err := reg.Register(command); err != nil {
		return err
	}

	for name, serverCfg := range cfg.Tools.MCPServers {
		ts, err := mcptoolset.New(name, serverCfg)
		if err != nil {
			return fmt.Errorf("mcp server %q: %w", name, err)
		}
		if err := reg.RegisterToolset(ts); err != nil {
			return err
		}
	}

	r.tools = reg
	return nil
}

// modelConfigs returns the configured providers, injecting a static dev
// provider when dev mode runs without any.
func (r *Runtime) modelConfigs() map[string]config.ModelConfig {
	models := r.cfg.Models
	if len(models) == 0 && r.cfg.Gateway.IsDevMode() {
		dev := config.ModelConfig{Type: "static"}
		dev.SetDefaults()
		models = map[string]config.ModelConfig{"dev": dev}
	}
	return models
}

func (r *Runtime) clusterStore() cluster.Store {
	if r.redis != nil {
		return cluster.NewRedisStore(r.redis, time.Duration(r.cfg.Cluster.TTL))
	}
	if r.db != nil {
		s, err := cluster.NewSQLStore(r.db.DB, r.db.Dialect)
		if err != nil {
			slog.Warn("Cluster store unavailable, running single-node", "error", err)
			return nil
		}
		return s
	}
	return nil
}

// SpawnAgent registers an agent, grants its manifest capabilities and walks
// it to ready. The entry is terminated if any step fails.
func (r *Runtime) SpawnAgent(ctx context.Context, externalID string, cfg *config.AgentConfig) (agent.Snapshot, error) {
	entry, err := r.registry.Spawn(ctx, externalID, cfg)
	if err != nil {
		return agent.Snapshot{}, err
	}
	if err := r.registry.Transition(ctx, entry.ID, agent.StateInitializing); err != nil {
		return agent.Snapshot{}, err
	}

	for category, actions := range cfg.Capabilities {
		perm := capability.Permission{Category: category, Actions: actions}
		if _, err := r.caps.Grant(ctx, entry.ID, []capability.Permission{perm}, "manifest", 0); err != nil {
			_ = r.registry.Terminate(ctx, entry.ID)
			return agent.Snapshot{}, fmt.Errorf("granting %s: %w", category, err)
		}
	}

	if err := r.registry.Transition(ctx, entry.ID, agent.StateReady); err != nil {
		return agent.Snapshot{}, err
	}
	return entry.Snapshot(), nil
}

// TerminateAgent revokes the agent's capabilities and retires its entry.
func (r *Runtime) TerminateAgent(ctx context.Context, agentID string) error {
	entry, err := r.registry.Lookup(agentID)
	if err != nil {
		return err
	}
	if _, err := r.caps.RevokeAgent(ctx, entry.ID); err != nil {
		slog.Warn("Capability revocation failed during terminate", "agent", entry.ExternalID, "error", err)
	}
	return r.registry.Terminate(ctx, entry.ID)
}

// Start brings up the background loops: task engine, health probes and
// cluster heartbeats.
func (r *Runtime) Start(ctx context.Context) error {
	r.engine.Start(ctx)
	r.monitor.Start(ctx)
	if err := r.presence.Start(ctx); err != nil {
		return fmt.Errorf("cluster presence: %w", err)
	}
	r.startedAt = time.Now()
	return nil
}

// Close stops background loops and releases every held resource, in the
// reverse of construction order.
func (r *Runtime) Close(ctx context.Context) error {
	r.presence.Stop(ctx)
	r.monitor.Stop()
	r.engine.Stop()
	return r.teardown(ctx)
}

func (r *Runtime) teardown(ctx context.Context) error {
	var errs []error
	if r.gov != nil {
		if err := r.gov.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.mem != nil {
		if err := r.mem.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.tools != nil {
		if err := r.tools.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.router != nil {
		if err := r.router.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs one task through the gate chain under the agent's identity.
func (r *Runtime) Dispatch(ctx context.Context, agentID string, payload map[string]any) (any, error) {
	return r.dispatcher.Dispatch(ctx, agentID, payload)
}

// ChatStream opens a gated streaming chat session.
func (r *Runtime) ChatStream(ctx context.Context, agentID string, payload map[string]any) (*dispatch.ChatStream, error) {
	return r.dispatcher.ChatStream(ctx, agentID, payload)
}

// Uptime reports how long the runtime has been serving.
func (r *Runtime) Uptime() time.Duration { return time.Since(r.startedAt) }

func (r *Runtime) Config() *config.Config          { return r.cfg }
func (r *Runtime) Registry() *agent.Registry       { return r.registry }
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }
func (r *Runtime) Bus() *events.Bus                { return r.bus }
func (r *Runtime) Router() *model.Router           { return r.router }
func (r *Runtime) Health() *health.Monitor         { return r.monitor }
func (r *Runtime) Presence() *cluster.Presence     { return r.presence }
func (r *Runtime) Engine() *a2a.Engine             { return r.engine }
func (r *Runtime) Meter() *usage.Meter             { return r.meter }
func (r *Runtime) Capabilities() *capability.Manager { return r.caps }
func (r *Runtime) Governance() *governance.Service { return r.gov }

// Ready reports whether the gateway can accept tasks.
func (r *Runtime) Ready() error {
	if r.router.Count() == 0 {
		return protocol.Errorf(protocol.CodeUpstream, "no model providers configured")
	}
	return nil
}
