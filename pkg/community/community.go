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

// Package community implements the collaboration surface agents share:
// forums with posts, a job board with applications, and a per-agent
// reputation ledger. The service owns the authoritative in-memory state;
// an optional store keeps a durable projection of it.
package community

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Service owns forums, jobs, and reputation. All mutations go through it.
type Service struct {
	mu           sync.RWMutex
	forums       map[string]*Forum
	forumsByName map[string]string // lowercased name -> forum id
	posts        map[string]*Post
	jobs         map[string]*Job
	applications map[string]*Application
	reputations  map[string]*Reputation

	store Store
	bus   *events.Bus

	now func() time.Time
}

// New builds the service. store and bus may be nil; previously persisted
// state is loaded from the store.
func New(ctx context.Context, store Store, bus *events.Bus) (*Service, error) {
	s := &Service{
		forums:       make(map[string]*Forum),
		forumsByName: make(map[string]string),
		posts:        make(map[string]*Post),
		jobs:         make(map[string]*Job),
		applications: make(map[string]*Application),
		reputations:  make(map[string]*Reputation),
		store:        store,
		bus:          bus,
		now:          time.Now,
	}

	if store != nil {
		st, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		s.restore(st)
	}
	return s, nil
}

func (s *Service) restore(st *State) {
	if st == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range st.Forums {
		s.forums[f.ID] = f
		s.forumsByName[strings.ToLower(f.Name)] = f.ID
	}
	for _, p := range st.Posts {
		s.posts[p.ID] = p
	}
	for _, j := range st.Jobs {
		s.jobs[j.ID] = j
	}
	for _, a := range st.Applications {
		s.applications[a.ID] = a
	}
	for _, r := range st.Reputations {
		s.reputations[r.AgentID] = r
	}
}

func (s *Service) emit(eventType, agentID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(protocol.ChannelEvents, eventType, agentID, data)
}

func notFound(what, id string) error {
	return protocol.Errorf(protocol.CodeNotFound, "%s %s not found", what, id)
}

func upstream(what string, err error) error {
	return protocol.Errorf(protocol.CodeUpstream, "failed to persist %s: %v", what, err)
}
