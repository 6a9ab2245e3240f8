// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// usageKeyTTL keeps idle sorted sets from lingering after an agent goes quiet.
const usageKeyTTL = 2 * time.Minute

// RedisStore keeps sliding one-minute windows in Redis sorted sets so
// multiple gateway nodes meter the same agent against one budget. Requests
// and tool calls add one member per unit and are counted with ZCARD; token
// records carry their weight in the member and are summed at read time.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps client in a usage store. The client stays owned by the
// caller; Close does not release it.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "warden:usage",
		now:    time.Now,
	}
}

func (s *RedisStore) key(agentID string, kind Kind) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, agentID, kind)
}

func (s *RedisStore) Usage(ctx context.Context, agentID string) (Window, error) {
	now := s.now()
	minScore := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)

	reqKey := s.key(agentID, KindRequests)
	toolKey := s.key(agentID, KindToolCalls)
	tokKey := s.key(agentID, KindTokens)

	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, reqKey, "0", minScore)
	pipe.ZRemRangeByScore(ctx, toolKey, "0", minScore)
	pipe.ZRemRangeByScore(ctx, tokKey, "0", minScore)
	requests := pipe.ZCard(ctx, reqKey)
	toolCalls := pipe.ZCard(ctx, toolKey)
	tokens := pipe.ZRangeByScore(ctx, tokKey, &redis.ZRangeBy{Min: minScore, Max: "+inf"})
	if _, err := pipe.Exec(ctx); err != nil {
		return Window{}, fmt.Errorf("usage lookup failed for %s: %w", agentID, err)
	}

	w := Window{
		WindowStart: now.Add(-time.Minute).UnixMilli(),
		Requests:    int(requests.Val()),
		ToolCalls:   int(toolCalls.Val()),
	}
	sum := 0
	for _, member := range tokens.Val() {
		sum += memberWeight(member)
	}
	if sum > 0 {
		w.Tokens = sum
	}
	return w, nil
}

func (s *RedisStore) Record(ctx context.Context, agentID string, d Delta) (*Receipt, error) {
	r := &Receipt{AgentID: agentID, Delta: d}
	if d.IsZero() {
		return r, nil
	}
	pipe := s.client.Pipeline()
	s.stageRecord(ctx, pipe, r)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("usage record failed for %s: %w", agentID, err)
	}
	return r, nil
}

// stageRecord queues the member adds for the receipt's delta onto pipe and
// remembers the members so Refund can remove exactly them.
func (s *RedisStore) stageRecord(ctx context.Context, pipe redis.Pipeliner, r *Receipt) {
	now := s.now()
	score := float64(now.Unix())
	nano := now.UnixNano()
	r.members = make(map[string][]any)

	add := func(kind Kind, member string) {
		key := s.key(r.AgentID, kind)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.Expire(ctx, key, usageKeyTTL)
		r.members[key] = append(r.members[key], member)
	}
	for i := 0; i < r.Delta.Requests; i++ {
		add(KindRequests, fmt.Sprintf("%d:%d", nano, i))
	}
	for i := 0; i < r.Delta.ToolCalls; i++ {
		add(KindToolCalls, fmt.Sprintf("%d:%d", nano, i))
	}
	if r.Delta.Tokens != 0 {
		add(KindTokens, fmt.Sprintf("%d:%d", nano, r.Delta.Tokens))
	}
}

// CheckAndRecord reads the window, applies check and books d inside one
// WATCH transaction. A concurrent write to the agent's keys aborts the
// EXEC and the admission retries against the fresh window.
func (s *RedisStore) CheckAndRecord(ctx context.Context, agentID string, d Delta, check CheckFunc) (*Receipt, *Violation, error) {
	keys := []string{
		s.key(agentID, KindRequests),
		s.key(agentID, KindToolCalls),
		s.key(agentID, KindTokens),
	}

	var receipt *Receipt
	var violation *Violation
	txn := func(tx *redis.Tx) error {
		receipt, violation = nil, nil

		w, err := s.readWindow(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if v := check(w); v != nil {
			violation = v
			return nil
		}

		r := &Receipt{AgentID: agentID, Delta: d}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.stageRecord(ctx, pipe, r)
			return nil
		})
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("usage admission failed for %s: %w", agentID, err)
		}
		return receipt, violation, nil
	}
	return nil, nil, fmt.Errorf("usage admission failed for %s: %w", agentID, err)
}

// readWindow computes the current window with read-only commands, safe to
// run on a watched connection before the transaction body.
func (s *RedisStore) readWindow(ctx context.Context, c redis.Cmdable, agentID string) (Window, error) {
	now := s.now()
	minScore := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)

	requests, err := c.ZCount(ctx, s.key(agentID, KindRequests), minScore, "+inf").Result()
	if err != nil {
		return Window{}, err
	}
	toolCalls, err := c.ZCount(ctx, s.key(agentID, KindToolCalls), minScore, "+inf").Result()
	if err != nil {
		return Window{}, err
	}
	members, err := c.ZRangeByScore(ctx, s.key(agentID, KindTokens), &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
	if err != nil {
		return Window{}, err
	}

	w := Window{
		WindowStart: now.Add(-time.Minute).UnixMilli(),
		Requests:    int(requests),
		ToolCalls:   int(toolCalls),
	}
	sum := 0
	for _, member := range members {
		sum += memberWeight(member)
	}
	if sum > 0 {
		w.Tokens = sum
	}
	return w, nil
}

func (s *RedisStore) Refund(ctx context.Context, r *Receipt) error {
	if !r.spend() || len(r.members) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for key, members := range r.members {
		pipe.ZRem(ctx, key, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage refund failed for %s: %w", r.AgentID, err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, agentID string) error {
	keys := []string{
		s.key(agentID, KindRequests),
		s.key(agentID, KindToolCalls),
		s.key(agentID, KindTokens),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("usage reset failed for %s: %w", agentID, err)
	}
	return nil
}

// Close is a no-op; the redis client is shared with the event mirror and the
// cluster presence tracker and is closed by the runtime.
func (s *RedisStore) Close() error {
	return nil
}

// memberWeight parses the token weight out of a "nano:weight" member.
// Members without a weight count as one.
func memberWeight(member string) int {
	i := strings.LastIndexByte(member, ':')
	if i < 0 {
		return 1
	}
	weight, err := strconv.Atoi(member[i+1:])
	if err != nil {
		return 1
	}
	return weight
}
