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

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON presence record per node under a TTL'd key, so
// departed nodes disappear without a sweeper. The TTL doubles the liveness
// window to keep a single missed beat from dropping the node.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps client in a presence store. The client stays owned by
// the caller; Delete does not release it.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisStore{
		client: client,
		prefix: "warden:cluster:node:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Upsert(ctx context.Context, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode cluster node: %w", err)
	}
	if err := s.client.Set(ctx, s.key(n.ID), data, 2*s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to upsert cluster node: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, liveSince time.Time) ([]Node, error) {
	var nodes []Node
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read cluster node: %w", err)
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			continue
		}
		if n.LastSeen.Before(liveSince) {
			continue
		}
		nodes = append(nodes, n)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cluster nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete cluster node: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
