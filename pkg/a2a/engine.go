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

package a2a

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/warden/pkg/agent"
	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Executor runs the target agent's side of a task. The dispatcher implements
// it; the indirection keeps this package below dispatch in the import graph.
type Executor interface {
	// ExecuteAs dispatches payload under the target agent's identity and
	// limits, with fromAgentID preserved as the task originator.
	ExecuteAs(ctx context.Context, targetAgentID string, payload map[string]any, fromAgentID string) (any, error)
}

// Engine owns the task map and the worker pool draining it.
type Engine struct {
	cfg      *config.A2AConfig
	registry *agent.Registry
	bus      *events.Bus
	store    Store
	schemas  *schemaCache

	mu    sync.RWMutex
	tasks map[string]*Task

	exec   Executor
	queue  chan *Task
	group  *errgroup.Group
	cancel context.CancelFunc

	now func() time.Time
}

// NewEngine builds the engine. bus and store may be nil; the Executor is
// attached separately because the dispatcher and the engine reference each
// other at runtime.
func NewEngine(cfg *config.A2AConfig, registry *agent.Registry, bus *events.Bus, store Store) *Engine {
	if cfg == nil {
		cfg = &config.A2AConfig{}
		cfg.SetDefaults()
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		store:    store,
		schemas:  newSchemaCache(),
		tasks:    make(map[string]*Task),
		queue:    make(chan *Task, cfg.QueueSize),
		now:      time.Now,
	}
}

// SetExecutor attaches the dispatcher. Must be called before Start.
func (e *Engine) SetExecutor(exec Executor) {
	e.exec = exec
}

// Start launches the worker pool and the retention reaper.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	e.group = g
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			e.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		e.reap(gctx)
		return nil
	})
}

// Stop halts the workers. Queued tasks that never started stay submitted.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.group != nil {
		_ = e.group.Wait()
	}
}

// Submit validates and enqueues a task for the target agent, returning
// immediately with the submitted view.
func (e *Engine) Submit(ctx context.Context, fromAgentID, toAgentID string, payload map[string]any) (View, error) {
	task, err := e.admit(ctx, fromAgentID, toAgentID, payload)
	if err != nil {
		return View{}, err
	}
	return task.view(), nil
}

// SubmitSync enqueues the task and waits for its terminal status. On timeout
// the task keeps running in the background and a TIMEOUT error is returned.
func (e *Engine) SubmitSync(ctx context.Context, fromAgentID, toAgentID string, payload map[string]any, timeout time.Duration) (View, error) {
	task, err := e.admit(ctx, fromAgentID, toAgentID, payload)
	if err != nil {
		return View{}, err
	}

	if timeout <= 0 {
		timeout = e.cfg.SyncTimeout.OrDefault(30 * time.Second)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
		return e.viewOf(task.ID)
	case <-timer.C:
		return View{}, protocol.Errorf(protocol.CodeTimeout, "a2a task %s timed out after %s", task.ID, timeout)
	case <-ctx.Done():
		return View{}, protocol.NewError(protocol.CodeTimeout, "caller disconnected before a2a task completed")
	}
}

// Status returns the current view of a task.
func (e *Engine) Status(taskID string) (View, error) {
	return e.viewOf(taskID)
}

// Count returns the number of retained tasks.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tasks)
}

func (e *Engine) viewOf(taskID string) (View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return View{}, protocol.Errorf(protocol.CodeNotFound, "a2a task %q not found", taskID)
	}
	return task.view(), nil
}

// admit runs enqueue validation and places the task on the queue.
func (e *Engine) admit(ctx context.Context, fromAgentID, toAgentID string, payload map[string]any) (*Task, error) {
	if !e.cfg.IsEnabled() {
		return nil, protocol.NewError(protocol.CodeValidation, "a2a task exchange is disabled")
	}
	if toAgentID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "target agent id is required")
	}
	if payload == nil {
		return nil, protocol.NewError(protocol.CodeValidation, "task payload is required")
	}

	target, err := e.registry.Lookup(toAgentID)
	if err != nil {
		return nil, err
	}
	if target.State() == agent.StateTerminated {
		return nil, protocol.Errorf(protocol.CodeValidation, "agent %q is terminated", toAgentID)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "payload not serializable: %v", err)
	}
	if max := e.cfg.MaxPayloadBytes; max > 0 && int64(len(raw)) > max {
		return nil, protocol.Errorf(protocol.CodeValidation,
			"payload is %d bytes, limit is %d", len(raw), max)
	}

	skill, err := skillFor(target.Config.Skills, payload)
	if err != nil {
		return nil, err
	}
	if err := e.schemas.validate(target.ExternalID, skill, payload); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		FromAgentID: fromAgentID,
		ToAgentID:   target.ExternalID,
		Payload:     payload,
		Status:      StatusSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
		done:        make(chan struct{}),
	}

	e.mu.Lock()
	e.tasks[task.ID] = task
	e.mu.Unlock()

	e.persist(ctx, task)
	e.publish(ctx, task)

	select {
	case e.queue <- task:
		return task, nil
	default:
		e.mu.Lock()
		delete(e.tasks, task.ID)
		e.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeRateLimited, "a2a task queue is full")
	}
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-e.queue:
			e.run(ctx, task)
		}
	}
}

// run drives one task to a terminal status. The executor routes the payload
// through the full dispatch gate chain under the target's identity.
func (e *Engine) run(ctx context.Context, task *Task) {
	if err := e.transition(ctx, task, StatusWorking, nil, ""); err != nil {
		slog.Warn("A2A task skipped", "task", task.ID, "error", err)
		return
	}

	if e.exec == nil {
		_ = e.transition(ctx, task, StatusFailed, nil, "no task executor attached")
		return
	}

	result, err := e.exec.ExecuteAs(ctx, task.ToAgentID, task.Payload, task.FromAgentID)
	if err != nil {
		_ = e.transition(ctx, task, StatusFailed, nil, protocol.AsError(err).Message)
		return
	}
	_ = e.transition(ctx, task, StatusCompleted, result, "")
}

// transition moves the task forward. Backwards or repeated terminal moves
// are rejected so observers only ever see a monotone status sequence.
func (e *Engine) transition(ctx context.Context, task *Task, to Status, result any, errMsg string) error {
	e.mu.Lock()
	if to.rank() <= task.Status.rank() {
		from := task.Status
		e.mu.Unlock()
		return protocol.Errorf(protocol.CodeConflict, "cannot move a2a task from %s to %s", from, to)
	}
	task.Status = to
	task.Result = result
	task.Error = errMsg
	task.UpdatedAt = e.now().UTC()
	if to.Terminal() {
		close(task.done)
	}
	e.mu.Unlock()

	e.persist(ctx, task)
	e.publish(ctx, task)
	return nil
}

// reap prunes terminal tasks past the retention TTL.
func (e *Engine) reap(ctx context.Context) {
	ttl := e.cfg.TaskTTL.OrDefault(time.Hour)
	ticker := time.NewTicker(ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := e.now().UTC().Add(-ttl)

			e.mu.Lock()
			for id, task := range e.tasks {
				if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
					delete(e.tasks, id)
				}
			}
			e.mu.Unlock()

			if e.store != nil {
				if _, err := e.store.DeleteTasksBefore(ctx, cutoff); err != nil {
					slog.Warn("A2A task retention sweep failed", "error", err)
				}
			}
		}
	}
}

func (e *Engine) persist(ctx context.Context, task *Task) {
	if e.store == nil {
		return
	}
	e.mu.RLock()
	v := task.view()
	payload := task.Payload
	e.mu.RUnlock()
	if err := e.store.SaveTask(ctx, v, payload); err != nil {
		slog.Warn("A2A task projection write failed", "task", v.ID, "error", err)
	}
}

// publish emits the lifecycle event on the bus and into the durable event
// log. Channel names follow "a2a.task.<status>" so the "a2a.*" subscription
// pattern catches the whole lifecycle.
func (e *Engine) publish(ctx context.Context, task *Task) {
	e.mu.RLock()
	v := task.view()
	e.mu.RUnlock()

	event := &protocol.Event{
		Channel: "a2a.task." + string(v.Status),
		Type:    "a2a.task." + string(v.Status),
		AgentID: v.ToAgentID,
		Data: map[string]any{
			"taskId": v.ID,
			"from":   v.FromAgentID,
			"to":     v.ToAgentID,
			"status": string(v.Status),
		},
		Timestamp: e.now().UnixMilli(),
	}
	if v.Error != "" {
		event.Data["error"] = v.Error
	}

	if e.bus != nil {
		e.bus.Publish(event)
	}
	if e.store != nil {
		if err := e.store.SaveEvent(ctx, event); err != nil {
			slog.Warn("A2A event projection write failed", "task", v.ID, "error", err)
		}
	}
}
