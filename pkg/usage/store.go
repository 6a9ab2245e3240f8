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

package usage

import (
	"context"
	"sync"
	"time"
)

// Store keeps per-agent usage windows. Implementations must be safe for
// concurrent use.
type Store interface {
	// Usage returns the agent's current window, rolling it first when expired.
	Usage(ctx context.Context, agentID string) (Window, error)

	// Record folds d into the agent's current window. The returned receipt
	// reverses exactly this record when passed to Refund.
	Record(ctx context.Context, agentID string, d Delta) (*Receipt, error)

	// CheckAndRecord runs check against the current window and, when it
	// returns nil, folds d in. Check and record act on the same window
	// state; no concurrent record lands between them.
	CheckAndRecord(ctx context.Context, agentID string, d Delta, check CheckFunc) (*Receipt, *Violation, error)

	// Refund reverses a prior Record. Refunding twice, or after the window
	// rolled past the record, is a no-op.
	Refund(ctx context.Context, r *Receipt) error

	// Reset clears the agent's window.
	Reset(ctx context.Context, agentID string) error

	// Close releases store resources.
	Close() error
}

// CheckFunc judges a window snapshot during an atomic admission.
type CheckFunc func(Window) *Violation

// Receipt identifies one recorded delta so a failed execution can hand the
// admission back.
type Receipt struct {
	AgentID string
	Delta   Delta

	mu          sync.Mutex
	refunded    bool
	windowStart int64
	members     map[string][]any
}

// spend marks the receipt refunded and reports whether it was still live.
func (r *Receipt) spend() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refunded {
		return false
	}
	r.refunded = true
	return true
}

// Interface compliance checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// MemoryStore keeps windows in process memory. It implements the fixed
// one-minute window: counters reset in place once the window is a minute old.
// Suitable for single-node deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*Window),
		now:     time.Now,
	}
}

// window returns the live window for agentID, rolling it when expired.
// Callers must hold s.mu.
func (s *MemoryStore) window(agentID string) *Window {
	w, ok := s.windows[agentID]
	if !ok {
		w = &Window{}
		s.windows[agentID] = w
	}
	w.Roll(s.now())
	return w
}

func (s *MemoryStore) Usage(ctx context.Context, agentID string) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.window(agentID), nil
}

func (s *MemoryStore) Record(ctx context.Context, agentID string, d Delta) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.window(agentID)
	w.Add(d)
	return &Receipt{AgentID: agentID, Delta: d, windowStart: w.WindowStart}, nil
}

func (s *MemoryStore) CheckAndRecord(ctx context.Context, agentID string, d Delta, check CheckFunc) (*Receipt, *Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.window(agentID)
	if v := check(*w); v != nil {
		return nil, v, nil
	}
	w.Add(d)
	return &Receipt{AgentID: agentID, Delta: d, windowStart: w.WindowStart}, nil, nil
}

func (s *MemoryStore) Refund(ctx context.Context, r *Receipt) error {
	if !r.spend() || r.Delta.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[r.AgentID]
	if !ok || w.WindowStart != r.windowStart {
		// The window rolled since the record; nothing left to hand back.
		return nil
	}
	w.Add(r.Delta.Negate())
	return nil
}

func (s *MemoryStore) Reset(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, agentID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
