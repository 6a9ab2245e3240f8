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

// Package events is the in-process pub/sub hub.
//
// Subscribers register channel patterns ("events", "alerts", "a2a.*") and
// receive matching events on a buffered channel. A subscriber that stalls
// past a full buffer is dropped rather than allowed to block publishers.
// An optional Redis mirror fans events out across gateway nodes.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/warden/pkg/protocol"
)

const defaultBuffer = 256

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	buffer int
	closed bool

	mirror atomic.Pointer[mirror]

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates a bus whose subscribers buffer up to bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		buffer: bufferSize,
	}
}

// Subscriber is one registered event consumer.
type Subscriber struct {
	bus *Bus
	ch  chan *protocol.Event

	mu       sync.RWMutex
	patterns []string

	closeOnce sync.Once
}

// Subscribe registers a consumer for the given channel patterns.
func (b *Bus) Subscribe(patterns ...string) *Subscriber {
	s := &Subscriber{
		bus:      b,
		ch:       make(chan *protocol.Event, b.buffer),
		patterns: append([]string(nil), patterns...),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// C is the subscriber's event channel. It is closed when the subscriber is
// dropped or the bus shuts down.
func (s *Subscriber) C() <-chan *protocol.Event {
	return s.ch
}

// Add registers additional channel patterns.
func (s *Subscriber) Add(patterns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		if !containsPattern(s.patterns, p) {
			s.patterns = append(s.patterns, p)
		}
	}
}

// Remove unregisters channel patterns.
func (s *Subscriber) Remove(patterns ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.patterns[:0]
	for _, existing := range s.patterns {
		if !containsPattern(patterns, existing) {
			kept = append(kept, existing)
		}
	}
	s.patterns = kept
}

// Patterns returns a copy of the current patterns.
func (s *Subscriber) Patterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.patterns...)
}

func (s *Subscriber) matches(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.patterns {
		if protocol.MatchChannel(p, channel) {
			return true
		}
	}
	return false
}

// Close unregisters the subscriber.
func (s *Subscriber) Close() {
	s.bus.remove(s, false)
}

func containsPattern(list []string, p string) bool {
	for _, item := range list {
		if item == p {
			return true
		}
	}
	return false
}

// Publish delivers the event to every matching subscriber and returns the
// delivery count. A subscriber whose buffer is full is dropped.
func (b *Bus) Publish(event *protocol.Event) int {
	if event == nil {
		return 0
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	delivered := b.publishLocal(event)
	b.published.Add(1)

	// Local events cross the mirror; mirrored ones stop here.
	if m := b.mirror.Load(); m != nil && event.Origin == "" {
		m.publish(event)
	}

	return delivered
}

func (b *Bus) publishLocal(event *protocol.Event) int {
	b.mu.RLock()
	var stalled []*Subscriber
	delivered := 0
	for s := range b.subs {
		if !s.matches(event.Channel) {
			continue
		}
		select {
		case s.ch <- event:
			delivered++
		default:
			stalled = append(stalled, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range stalled {
		slog.Warn("Dropping stalled event subscriber", "channel", event.Channel, "buffer", b.buffer)
		b.dropped.Add(1)
		b.remove(s, true)
	}

	return delivered
}

func (b *Bus) remove(s *Subscriber, stalled bool) {
	b.mu.Lock()
	_, ok := b.subs[s]
	if ok {
		delete(b.subs, s)
	}
	b.mu.Unlock()

	if ok || !stalled {
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

// Stats reports lifetime publish and subscriber-drop counts.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscriber and detaches the mirror.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.closeOnce.Do(func() { close(s.ch) })
	}

	if m := b.mirror.Swap(nil); m != nil {
		m.close()
	}
}

// Emit is a convenience for building and publishing an event in one call.
func (b *Bus) Emit(channel, eventType, agentID string, data map[string]any) {
	b.Publish(&protocol.Event{
		Channel: channel,
		Type:    eventType,
		AgentID: agentID,
		Data:    data,
	})
}

func marshalEvent(event *protocol.Event) ([]byte, error) {
	return json.Marshal(event)
}
