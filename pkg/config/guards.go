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

package config

import (
	"fmt"
	"time"
)

// Policy decisions.
const (
	DecisionAllow   = "allow"
	DecisionBlock   = "block"
	DecisionApprove = "approve"
)

// ============================================================================
// CAPABILITIES
// ============================================================================

// CapabilityConfig configures capability token issuance.
type CapabilityConfig struct {
	// Secret signs capability tokens (HS256). Falls back to gateway.secret
	// when empty outside hardening.
	Secret string `yaml:"secret" json:"secret"`

	// DefaultDuration applies when a grant carries no duration.
	DefaultDuration Duration `yaml:"default_duration" json:"defaultDuration"`

	// MaxDuration clamps every grant.
	MaxDuration Duration `yaml:"max_duration" json:"maxDuration"`
}

func (c *CapabilityConfig) SetDefaults() {
	if c.DefaultDuration == 0 {
		c.DefaultDuration = Duration(24 * time.Hour)
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = Duration(7 * 24 * time.Hour)
	}
}

func (c *CapabilityConfig) Validate() error {
	if c.MaxDuration < c.DefaultDuration {
		return fmt.Errorf("capabilities.max_duration must be >= default_duration")
	}
	return nil
}

// ============================================================================
// POLICY ENGINE
// ============================================================================

// PolicyConfig configures the resource policy engine.
type PolicyConfig struct {
	// DefaultDecision applies when no rule matches: allow, block or approve.
	DefaultDecision string `yaml:"default_decision" json:"defaultDecision"`

	// HomeDir expands leading "~" in patterns; defaults to the process home.
	HomeDir string `yaml:"home_dir" json:"homeDir"`

	// MaxAuditEntries bounds the in-engine decision ring buffer.
	MaxAuditEntries int `yaml:"max_audit_entries" json:"maxAuditEntries"`

	// Gateway-wide allow-lists, merged with per-agent ones. "*" allows all.
	AllowedPaths    []string `yaml:"allowed_paths" json:"allowedPaths"`
	AllowedDomains  []string `yaml:"allowed_domains" json:"allowedDomains"`
	AllowedCommands []string `yaml:"allowed_commands" json:"allowedCommands"`

	Rules []PolicyRuleConfig `yaml:"rules" json:"rules"`
}

func (c *PolicyConfig) SetDefaults() {
	if c.DefaultDecision == "" {
		c.DefaultDecision = DecisionBlock
	}
	if c.MaxAuditEntries == 0 {
		c.MaxAuditEntries = 1000
	}
	for i := range c.Rules {
		c.Rules[i].SetDefaults()
	}
}

func (c *PolicyConfig) Validate() error {
	switch c.DefaultDecision {
	case DecisionAllow, DecisionBlock, DecisionApprove:
	default:
		return fmt.Errorf("policy.default_decision must be one of allow, block, approve; got %q", c.DefaultDecision)
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("policy.rules[%d]: %w", i, err)
		}
	}
	return nil
}

// PolicyRuleConfig declares one resource rule.
type PolicyRuleConfig struct {
	ID       string `yaml:"id" json:"id"`
	Kind     string `yaml:"kind" json:"kind"` // file | network | shell | secret
	Priority int    `yaml:"priority" json:"priority"`
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
	Decision string `yaml:"decision" json:"decision"`

	// Matchers; which apply depends on Kind.
	Paths      []string `yaml:"paths" json:"paths"`
	Operations []string `yaml:"operations" json:"operations"`
	Hosts      []string `yaml:"hosts" json:"hosts"`
	Ports      []int    `yaml:"ports" json:"ports"`
	Protocols  []string `yaml:"protocols" json:"protocols"`
	Commands   []string `yaml:"commands" json:"commands"`
	Names      []string `yaml:"names" json:"names"`
}

func (c *PolicyRuleConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
}

func (c *PolicyRuleConfig) Validate() error {
	switch c.Kind {
	case "file", "network", "shell", "secret":
	default:
		return fmt.Errorf("kind must be one of file, network, shell, secret; got %q", c.Kind)
	}
	switch c.Decision {
	case DecisionAllow, DecisionBlock, DecisionApprove:
	default:
		return fmt.Errorf("decision must be one of allow, block, approve; got %q", c.Decision)
	}
	return nil
}

// ============================================================================
// GOVERNANCE
// ============================================================================

// GovernanceConfig configures the audit store and the governance loop.
type GovernanceConfig struct {
	// RingSize bounds the in-memory audit tail.
	RingSize int `yaml:"ring_size" json:"ringSize"`

	// QueueSize bounds the async persistence queue.
	QueueSize int `yaml:"queue_size" json:"queueSize"`

	// BatchSize and FlushInterval shape the SQL batch writer.
	BatchSize     int      `yaml:"batch_size" json:"batchSize"`
	FlushInterval Duration `yaml:"flush_interval" json:"flushInterval"`

	Policies []GovernancePolicyConfig `yaml:"policies" json:"policies"`
}

func (c *GovernanceConfig) SetDefaults() {
	if c.RingSize == 0 {
		c.RingSize = 10000
	}
	if c.QueueSize == 0 {
		c.QueueSize = 10000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = Duration(time.Second)
	}
}

func (c *GovernanceConfig) Validate() error {
	for i := range c.Policies {
		if err := c.Policies[i].Validate(); err != nil {
			return fmt.Errorf("governance.policies[%d]: %w", i, err)
		}
	}
	return nil
}

// GovernancePolicyConfig declares one governance policy evaluated against
// the audit stream.
type GovernancePolicyConfig struct {
	ID     string                 `yaml:"id" json:"id"`
	Name   string                 `yaml:"name" json:"name"`
	Status string                 `yaml:"status" json:"status"` // active | disabled
	Rules  []GovernanceRuleConfig `yaml:"rules" json:"rules"`
}

func (c *GovernancePolicyConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch c.Status {
	case "", "active", "disabled":
	default:
		return fmt.Errorf("status must be active or disabled; got %q", c.Status)
	}
	for i := range c.Rules {
		if err := c.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// GovernanceRuleConfig declares one rule inside a governance policy.
type GovernanceRuleConfig struct {
	// Type is deny or rate_limit.
	Type string `yaml:"type" json:"type"`

	// Action matches the audit record action (glob allowed).
	Action string `yaml:"action" json:"action"`

	// Optional filters.
	ResourceType string `yaml:"resource_type" json:"resourceType"`
	Outcome      string `yaml:"outcome" json:"outcome"`

	// rate_limit parameters.
	WindowSeconds int `yaml:"window_seconds" json:"windowSeconds"`
	MaxCount      int `yaml:"max_count" json:"maxCount"`

	Sanction *SanctionConfig `yaml:"sanction" json:"sanction"`
}

func (c *GovernanceRuleConfig) Validate() error {
	switch c.Type {
	case "deny", "rate_limit":
	default:
		return fmt.Errorf("type must be deny or rate_limit; got %q", c.Type)
	}
	if c.Action == "" {
		return fmt.Errorf("action is required")
	}
	if c.Type == "rate_limit" {
		if c.WindowSeconds <= 0 {
			return fmt.Errorf("window_seconds must be positive for rate_limit rules")
		}
		if c.MaxCount <= 0 {
			return fmt.Errorf("max_count must be positive for rate_limit rules")
		}
	}
	if c.Sanction != nil {
		if err := c.Sanction.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SanctionConfig declares the sanction a violated rule applies.
type SanctionConfig struct {
	Type   string `yaml:"type" json:"type"` // warn | throttle | quarantine | ban
	Reason string `yaml:"reason" json:"reason"`
}

func (c *SanctionConfig) Validate() error {
	switch c.Type {
	case "warn", "throttle", "quarantine", "ban":
	default:
		return fmt.Errorf("sanction.type must be one of warn, throttle, quarantine, ban; got %q", c.Type)
	}
	return nil
}
