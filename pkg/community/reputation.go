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

package community

import (
	"context"
	"sort"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Reputation score bounds. Every agent starts at 0 and adjustments clamp to
// the range.
const (
	MinScore = -100.0
	MaxScore = 100.0
)

// Reputation is one agent's standing in the community.
type Reputation struct {
	AgentID      string    `json:"agentId"`
	Score        float64   `json:"score"`
	Interactions int       `json:"interactions"`
	LastReason   string    `json:"lastReason,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Reputation returns an agent's standing. Agents never adjusted before are
// reported at the neutral score rather than as missing.
func (s *Service) Reputation(agentID string) *Reputation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.reputations[agentID]; ok {
		out := *r
		return &out
	}
	return &Reputation{AgentID: agentID}
}

// Reputations lists every adjusted agent, best standing first.
func (s *Service) Reputations() []*Reputation {
	s.mu.RLock()
	out := make([]*Reputation, 0, len(s.reputations))
	for _, r := range s.reputations {
		cp := *r
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// AdjustReputation moves an agent's score by delta, clamped to the score
// bounds.
func (s *Service) AdjustReputation(ctx context.Context, agentID string, delta float64, reason string) (*Reputation, error) {
	if agentID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "agent id is required")
	}
	if delta == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "reputation delta cannot be zero")
	}
	if delta < MinScore || delta > MaxScore {
		return nil, protocol.Errorf(protocol.CodeValidation, "reputation delta must be within [%v, %v]", MinScore, MaxScore)
	}

	s.mu.Lock()
	r, existed := s.reputations[agentID]
	var prev Reputation
	if existed {
		prev = *r
	} else {
		r = &Reputation{AgentID: agentID}
		s.reputations[agentID] = r
	}
	r.Score = clamp(r.Score+delta, MinScore, MaxScore)
	r.Interactions++
	r.LastReason = reason
	r.UpdatedAt = s.now().UTC()
	out := *r
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveReputation(ctx, &out); err != nil {
			s.mu.Lock()
			if existed {
				*r = prev
			} else {
				delete(s.reputations, agentID)
			}
			s.mu.Unlock()
			return nil, upstream("reputation", err)
		}
	}

	s.emit("reputation.adjusted", agentID, map[string]any{
		"delta": delta,
		"score": out.Score,
	})
	return &out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
