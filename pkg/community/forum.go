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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/protocol"
)

// Forum is a named discussion board. Names are unique case-insensitively.
type Forum struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`

	// PostCount is derived at read time, not stored.
	PostCount int `json:"postCount"`
}

// Post is one forum message.
type Post struct {
	ID        string    `json:"id"`
	ForumID   string    `json:"forumId"`
	AuthorID  string    `json:"authorId"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateForum creates a forum. A name already in use is a conflict.
func (s *Service) CreateForum(ctx context.Context, creatorID, name, description string) (*Forum, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "forum name is required")
	}
	key := strings.ToLower(name)

	now := s.now().UTC()
	s.mu.Lock()
	if id, exists := s.forumsByName[key]; exists {
		s.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeConflict, "forum %q already exists (%s)", name, id)
	}
	f := &Forum{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedBy:   creatorID,
		CreatedAt:   now,
	}
	s.forums[f.ID] = f
	s.forumsByName[key] = f.ID
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveForum(ctx, f); err != nil {
			s.mu.Lock()
			delete(s.forums, f.ID)
			delete(s.forumsByName, key)
			s.mu.Unlock()
			return nil, upstream("forum", err)
		}
	}

	s.emit("forum.created", creatorID, map[string]any{
		"forumId": f.ID,
		"name":    f.Name,
	})
	out := *f
	return &out, nil
}

// GetForum returns a forum by id.
func (s *Service) GetForum(id string) (*Forum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forums[id]
	if !ok {
		return nil, notFound("forum", id)
	}
	out := *f
	out.PostCount = s.postCountLocked(id)
	return &out, nil
}

// Forums lists forums oldest first, with derived post counts.
func (s *Service) Forums() []*Forum {
	s.mu.RLock()
	out := make([]*Forum, 0, len(s.forums))
	for _, f := range s.forums {
		cp := *f
		cp.PostCount = s.postCountLocked(f.ID)
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Service) postCountLocked(forumID string) int {
	n := 0
	for _, p := range s.posts {
		if p.ForumID == forumID {
			n++
		}
	}
	return n
}

// CreatePost adds a post to a forum.
func (s *Service) CreatePost(ctx context.Context, forumID, authorID, title, content string) (*Post, error) {
	if strings.TrimSpace(content) == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "post content is required")
	}

	now := s.now().UTC()
	s.mu.Lock()
	if _, ok := s.forums[forumID]; !ok {
		s.mu.Unlock()
		return nil, notFound("forum", forumID)
	}
	p := &Post{
		ID:        uuid.NewString(),
		ForumID:   forumID,
		AuthorID:  authorID,
		Title:     title,
		Content:   content,
		CreatedAt: now,
	}
	s.posts[p.ID] = p
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SavePost(ctx, p); err != nil {
			s.mu.Lock()
			delete(s.posts, p.ID)
			s.mu.Unlock()
			return nil, upstream("forum post", err)
		}
	}

	s.emit("forum.post.created", authorID, map[string]any{
		"forumId": forumID,
		"postId":  p.ID,
	})
	out := *p
	return &out, nil
}

// Posts lists a forum's posts oldest first. limit <= 0 returns everything;
// otherwise the most recent posts are kept.
func (s *Service) Posts(forumID string, limit int) ([]*Post, error) {
	s.mu.RLock()
	if _, ok := s.forums[forumID]; !ok {
		s.mu.RUnlock()
		return nil, notFound("forum", forumID)
	}
	out := make([]*Post, 0)
	for _, p := range s.posts {
		if p.ForumID != forumID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
