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

package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists grants. Implementations must be safe for concurrent use.
type Store interface {
	// Save persists a new grant.
	Save(ctx context.Context, g *Grant) error

	// Get returns a grant by id.
	Get(ctx context.Context, id string) (*Grant, error)

	// Revoke marks a grant revoked at the given instant.
	Revoke(ctx context.Context, id string, at time.Time) error

	// ListByAgent returns the agent's grants ordered by issue time. With
	// includeInactive false, revoked and expired grants are filtered out.
	ListByAgent(ctx context.Context, agentID string, includeInactive bool) ([]*Grant, error)
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]*Grant
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

func (s *MemoryStore) Save(ctx context.Context, g *Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[g.ID]; exists {
		return fmt.Errorf("grant %s already exists", g.ID)
	}
	stored := *g
	stored.Token = ""
	s.grants[g.ID] = &stored
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("grant not found: %s", id)
	}
	copied := *g
	return &copied, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("grant not found: %s", id)
	}
	g.Revoked = true
	g.RevokedAt = &at
	return nil
}

func (s *MemoryStore) ListByAgent(ctx context.Context, agentID string, includeInactive bool) ([]*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var result []*Grant
	for _, g := range s.grants {
		if g.AgentID != agentID {
			continue
		}
		if !includeInactive && !g.Active(now) {
			continue
		}
		copied := *g
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].IssuedAt.Before(result[j].IssuedAt)
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
