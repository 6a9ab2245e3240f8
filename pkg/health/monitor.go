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

package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/usage"
)

// Monitor runs the periodic health sweep over all registered agents.
// It also retires terminated registry entries one interval after their
// termination, once their final state has been projected.
type Monitor struct {
	registry *agent.Registry
	meter    *usage.Meter
	bus      *events.Bus
	cfg      config.HealthConfig

	mu      sync.RWMutex
	results map[string]*Result

	// readings is owned by the sweep goroutine; Stop joins before clearing.
	readings map[string]*tokenWindow

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor wires the sweep to a registry. The meter and bus may be nil;
// a nil meter skips the token-utilization check and anomaly readings.
func NewMonitor(registry *agent.Registry, meter *usage.Meter, bus *events.Bus, cfg config.HealthConfig) *Monitor {
	cfg.SetDefaults()
	return &Monitor{
		registry: registry,
		meter:    meter,
		bus:      bus,
		cfg:      cfg,
		results:  make(map[string]*Result),
		readings: make(map[string]*tokenWindow),
		now:      time.Now,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop cancels the loop and waits for the in-flight sweep to finish. After
// Stop returns, Start may be called again.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.done = nil

	m.mu.Lock()
	m.results = make(map[string]*Result)
	m.mu.Unlock()
	m.readings = make(map[string]*tokenWindow)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.sweep(ctx)

	ticker := time.NewTicker(m.cfg.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	entries := m.registry.List()
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if e.State() == agent.StateTerminated {
			continue
		}
		seen[e.ExternalID] = struct{}{}
		m.fold(m.check(ctx, e))
	}

	m.prune(seen)

	if removed := m.registry.Sweep(m.cfg.Interval.Std()); removed > 0 {
		slog.Debug("Retired terminated agents", "count", removed)
	}
}

// check grades one agent. Threshold breaches grade warn as degraded and
// critical as unhealthy; the error state and an exhausted consecutive-error
// budget grade critical outright.
func (m *Monitor) check(ctx context.Context, e *agent.Entry) *Result {
	now := m.now()
	limits := &e.Config.Limits

	checks := make([]Check, 0, 7)

	state := e.State()
	stateCheck := Check{Name: "state", Status: StatusHealthy, Message: string(state)}
	switch state {
	case agent.StateError:
		stateCheck.Status = StatusCritical
	case agent.StatePaused:
		stateCheck.Status = StatusDegraded
	}
	checks = append(checks, stateCheck)

	if m.meter != nil {
		if win, err := m.meter.Usage(ctx, e.ExternalID); err != nil {
			slog.Warn("Health sweep could not read usage window", "agent", e.ExternalID, "error", err)
		} else {
			if limits.TokensPerMinute > 0 {
				ratio := float64(win.Tokens) / float64(limits.TokensPerMinute)
				checks = append(checks, thresholdCheck("tokens", ratio, m.cfg.TokenWarn, m.cfg.TokenCritical))
			}
			m.observeTokens(e.ExternalID, float64(win.Tokens))
		}
	}

	if e.Config.MemoryLimitMB > 0 {
		ratio := float64(e.MemoryBytes()) / float64(int64(e.Config.MemoryLimitMB)<<20)
		checks = append(checks, thresholdCheck("memory", ratio, m.cfg.MemoryWarn, m.cfg.MemoryCritical))
	}

	if limits.CostBudgetUSD > 0 {
		ratio := e.CumulativeCost() / limits.CostBudgetUSD
		checks = append(checks, thresholdCheck("cost", ratio, m.cfg.CostWarn, m.cfg.CostCritical))
	}

	idle := now.Sub(e.LastActiveAt())
	idleCheck := Check{Name: "idle", Status: StatusHealthy, Value: idle.Seconds()}
	switch {
	case idle >= m.cfg.IdleCritical.Std():
		idleCheck.Status = StatusUnhealthy
	case idle >= m.cfg.IdleWarn.Std():
		idleCheck.Status = StatusDegraded
	}
	checks = append(checks, idleCheck)

	checks = append(checks, thresholdCheck("error_rate", e.ErrorRate(now), m.cfg.ErrorRateWarn, m.cfg.ErrorRateCritical))

	run := e.ConsecutiveErrors()
	runCheck := Check{Name: "consecutive_errors", Status: StatusHealthy, Value: float64(run)}
	if m.cfg.MaxConsecutiveErrors > 0 && run >= m.cfg.MaxConsecutiveErrors {
		runCheck.Status = StatusCritical
	}
	checks = append(checks, runCheck)

	statuses := make([]Status, len(checks))
	for i, c := range checks {
		statuses[i] = c.Status
	}
	return &Result{
		AgentID:   e.ExternalID,
		Status:    Worst(statuses...),
		Checks:    checks,
		CheckedAt: now,
	}
}

func thresholdCheck(name string, value, warn, critical float64) Check {
	status := StatusHealthy
	switch {
	case value >= critical:
		status = StatusUnhealthy
	case value >= warn:
		status = StatusDegraded
	}
	return Check{Name: name, Status: status, Value: value}
}

// fold stores the result and emits a status-change event when the grade
// moved. Agents without a previous result count as healthy, so the first
// evaluation of a struggling agent still signals.
func (m *Monitor) fold(res *Result) {
	m.mu.Lock()
	prev, ok := m.results[res.AgentID]
	m.results[res.AgentID] = res
	m.mu.Unlock()

	prevStatus := StatusHealthy
	if ok {
		prevStatus = prev.Status
	}
	if res.Status != prevStatus {
		m.emit(protocol.ChannelEvents, "health.status_changed", res.AgentID, map[string]any{
			"from": string(prevStatus),
			"to":   string(res.Status),
		})
	}
}

func (m *Monitor) observeTokens(agentID string, tokens float64) {
	w := m.readings[agentID]
	if w == nil {
		w = newTokenWindow(m.cfg.AnomalyWindow)
		m.readings[agentID] = w
	}
	if kind, mean, sigma, ok := w.observe(tokens); ok {
		m.emit(protocol.ChannelAlerts, "health.anomaly", agentID, map[string]any{
			"kind":    kind,
			"current": tokens,
			"mean":    mean,
			"stddev":  sigma,
		})
	}
}

func (m *Monitor) prune(seen map[string]struct{}) {
	m.mu.Lock()
	for id := range m.results {
		if _, ok := seen[id]; !ok {
			delete(m.results, id)
		}
	}
	m.mu.Unlock()

	for id := range m.readings {
		if _, ok := seen[id]; !ok {
			delete(m.readings, id)
		}
	}
}

func (m *Monitor) emit(channel, eventType, agentID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(channel, eventType, agentID, data)
}

// Results returns a copy of the latest evaluation per agent.
func (m *Monitor) Results() map[string]Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Result, len(m.results))
	for id, r := range m.results {
		cp := *r
		cp.Checks = append([]Check(nil), r.Checks...)
		out[id] = cp
	}
	return out
}

// StatusFor reports the latest grade for one agent.
func (m *Monitor) StatusFor(agentID string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[agentID]
	if !ok {
		return "", false
	}
	return r.Status, true
}

// Overall returns the worst grade across all agents, healthy when none are
// tracked.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := StatusHealthy
	for _, r := range m.results {
		if severity[r.Status] > severity[worst] {
			worst = r.Status
		}
	}
	return worst
}
