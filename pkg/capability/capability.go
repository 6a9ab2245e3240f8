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

// Package capability issues and verifies capability tokens.
//
// A capability is a signed HS256 JWT granting an agent a set of permissions,
// each scoping a category ("filesystem") to an action set and optionally to
// a resource glob ("/data/**"). Grants are persisted so they can be listed
// and revoked; revocation takes effect immediately regardless of the token's
// expiry.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/events"
	"github.com/kadirpekel/warden/pkg/glob"
	"github.com/kadirpekel/warden/pkg/protocol"
)

var (
	// ErrRevoked means the token's grant has been revoked.
	ErrRevoked = errors.New("capability revoked")

	// ErrExpired means the token is past its expiry.
	ErrExpired = errors.New("capability expired")

	// ErrMalformed means the token failed to parse or verify.
	ErrMalformed = errors.New("capability malformed")
)

// Wildcard in an action list grants every action in the category.
const Wildcard = "*"

// Permission scopes one category to an action set, optionally narrowed to a
// resource glob and free-form constraints.
type Permission struct {
	Category    string            `json:"category"`
	Actions     []string          `json:"actions"`
	Resource    string            `json:"resource,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
}

// Covers reports whether the permission grants action on resource. An empty
// permission resource covers every resource; an empty check resource skips
// the resource condition.
func (p Permission) Covers(category, action, resource string) bool {
	if p.Category != category {
		return false
	}
	matched := false
	for _, a := range p.Actions {
		if a == Wildcard || a == action {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if p.Resource == "" || resource == "" {
		return true
	}
	return glob.Match(p.Resource, resource)
}

// Grant is one issued capability.
type Grant struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agentId"`
	Permissions []Permission `json:"permissions"`
	Purpose     string       `json:"purpose,omitempty"`
	Delegatable bool         `json:"delegatable,omitempty"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	Revoked     bool         `json:"revoked"`
	RevokedAt   *time.Time   `json:"revokedAt,omitempty"`

	// Token is the signed JWT; only populated on issue.
	Token string `json:"token,omitempty"`
}

// Active reports whether the grant is usable at the given instant.
func (g *Grant) Active(now time.Time) bool {
	return !g.Revoked && now.Before(g.ExpiresAt)
}

// Allows reports whether any permission in the grant covers the given
// category, action, and resource.
func (g *Grant) Allows(category, action, resource string) bool {
	for _, p := range g.Permissions {
		if p.Covers(category, action, resource) {
			return true
		}
	}
	return false
}

// Categories returns the distinct permission categories, in grant order.
func (g *Grant) Categories() []string {
	seen := make(map[string]struct{}, len(g.Permissions))
	out := make([]string, 0, len(g.Permissions))
	for _, p := range g.Permissions {
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		out = append(out, p.Category)
	}
	return out
}

// Manager issues, verifies, and revokes capability tokens.
type Manager struct {
	secret     []byte
	defaultTTL time.Duration
	maxTTL     time.Duration
	store      Store
	bus        *events.Bus

	now func() time.Time
}

// NewManager creates a manager. The bus is optional; when present, grant and
// revoke operations publish lifecycle events.
func NewManager(cfg *config.CapabilityConfig, store Store, bus *events.Bus) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("capability configuration is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("capability secret is required")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		secret:     []byte(cfg.Secret),
		defaultTTL: cfg.DefaultDuration.OrDefault(24 * time.Hour),
		maxTTL:     cfg.MaxDuration.OrDefault(7 * 24 * time.Hour),
		store:      store,
		bus:        bus,
		now:        time.Now,
	}, nil
}

// Grant issues a capability to an agent. A non-positive ttl takes the
// default; anything above the maximum is clamped.
func (m *Manager) Grant(ctx context.Context, agentID string, permissions []Permission, purpose string, ttl time.Duration) (*Grant, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if len(permissions) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	for i, p := range permissions {
		if p.Category == "" {
			return nil, fmt.Errorf("permission %d: category is required", i)
		}
		if len(p.Actions) == 0 {
			return nil, fmt.Errorf("permission %d: at least one action is required", i)
		}
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > m.maxTTL {
		ttl = m.maxTTL
	}

	now := m.now().UTC().Truncate(time.Second)
	grant := &Grant{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Permissions: append([]Permission(nil), permissions...),
		Purpose:     purpose,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	token, err := m.sign(grant)
	if err != nil {
		return nil, fmt.Errorf("failed to sign capability: %w", err)
	}
	grant.Token = token

	if err := m.store.Save(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to persist capability: %w", err)
	}

	m.emit("capability.granted", grant)
	return grant, nil
}

func (m *Manager) sign(g *Grant) (string, error) {
	token := jwt.New()
	for _, err := range []error{
		token.Set(jwt.JwtIDKey, g.ID),
		token.Set(jwt.SubjectKey, g.AgentID),
		token.Set(jwt.IssuedAtKey, g.IssuedAt),
		token.Set(jwt.ExpirationKey, g.ExpiresAt),
		token.Set("permissions", g.Permissions),
		token.Set("purpose", g.Purpose),
		token.Set("delegatable", g.Delegatable),
	} {
		if err != nil {
			return "", err
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, m.secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Verify checks a presented token's signature, expiry, and revocation state,
// and returns the stored grant.
func (m *Manager) Verify(ctx context.Context, tokenString string) (*Grant, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, m.secret),
		jwt.WithValidate(true),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	grant, err := m.store.Get(ctx, token.JwtID())
	if err != nil {
		return nil, fmt.Errorf("%w: unknown grant", ErrMalformed)
	}
	if grant.Revoked {
		return nil, ErrRevoked
	}
	if !m.now().Before(grant.ExpiresAt) {
		return nil, ErrExpired
	}
	return grant, nil
}

// Check reports whether the agent holds an active grant covering the given
// category, action, and resource. An empty resource skips the resource glob.
func (m *Manager) Check(ctx context.Context, agentID, category, action, resource string) (bool, error) {
	grants, err := m.store.ListByAgent(ctx, agentID, false)
	if err != nil {
		return false, err
	}
	now := m.now()
	for _, g := range grants {
		if g.Active(now) && g.Allows(category, action, resource) {
			return true, nil
		}
	}
	return false, nil
}

// Revoke invalidates one grant by id.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	grant, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if grant.Revoked {
		return nil
	}
	at := m.now().UTC()
	if err := m.store.Revoke(ctx, id, at); err != nil {
		return err
	}
	grant.Revoked = true
	grant.RevokedAt = &at
	m.emit("capability.revoked", grant)
	return nil
}

// RevokeAgent invalidates every active grant held by the agent and returns
// the count. Used when an agent is terminated or quarantined.
func (m *Manager) RevokeAgent(ctx context.Context, agentID string) (int, error) {
	grants, err := m.store.ListByAgent(ctx, agentID, false)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, g := range grants {
		if g.Revoked {
			continue
		}
		if err := m.Revoke(ctx, g.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// List returns the agent's grants; expired and revoked ones are included
// when includeInactive is set.
func (m *Manager) List(ctx context.Context, agentID string, includeInactive bool) ([]*Grant, error) {
	return m.store.ListByAgent(ctx, agentID, includeInactive)
}

func (m *Manager) emit(eventType string, g *Grant) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&protocol.Event{
		Channel: protocol.ChannelEvents,
		Type:    eventType,
		AgentID: g.AgentID,
		Data: map[string]any{
			"grantId":    g.ID,
			"categories": g.Categories(),
		},
	})
}
