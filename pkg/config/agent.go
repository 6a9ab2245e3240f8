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
)

// Trust levels. Supervised agents need an explicit approval on nearly every
// action; monitored-autonomous agents run free but stay under the anomaly
// detector.
const (
	TrustSupervised          = "supervised"
	TrustSemiAutonomous      = "semi-autonomous"
	TrustMonitoredAutonomous = "monitored-autonomous"
)

// AgentConfig declares one hosted agent. The map key in Config.Agents is the
// agent's external id.
type AgentConfig struct {
	Name            string `yaml:"name" json:"name"`
	ManifestVersion string `yaml:"manifest_version" json:"manifestVersion"`

	// TrustLevel is one of supervised, semi-autonomous, monitored-autonomous.
	TrustLevel string `yaml:"trust_level" json:"trustLevel"`

	// Model is the preferred model name for chat tasks.
	Model string `yaml:"model" json:"model"`

	// Tools is the allow-list of invocable tool ids.
	Tools []string `yaml:"tools" json:"tools"`

	// ToolServers is the allow-list of external ("mcp:") tool server names.
	ToolServers []string `yaml:"tool_servers" json:"toolServers"`

	// Skills this agent serves over A2A.
	Skills []SkillConfig `yaml:"skills" json:"skills"`

	// Capabilities granted at spawn: category → actions. A "*" action set
	// entry grants every action in the category.
	Capabilities map[string][]string `yaml:"capabilities" json:"capabilities"`

	// A2ASkills the agent may invoke on others; empty means any.
	AllowedSkills []string `yaml:"allowed_skills" json:"allowedSkills"`

	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// Per-agent allow-lists folded into policy checks. "*" allows all.
	AllowedPaths    []string `yaml:"allowed_paths" json:"allowedPaths"`
	AllowedDomains  []string `yaml:"allowed_domains" json:"allowedDomains"`
	AllowedCommands []string `yaml:"allowed_commands" json:"allowedCommands"`

	MemoryLimitMB int `yaml:"memory_limit_mb" json:"memoryLimitMb"`
}

func (c *AgentConfig) SetDefaults() {
	if c.TrustLevel == "" {
		c.TrustLevel = TrustSemiAutonomous
	}
	if c.ManifestVersion == "" {
		c.ManifestVersion = "1.0"
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = 256
	}
	c.Limits.SetDefaults()
}

func (c *AgentConfig) Validate() error {
	switch c.TrustLevel {
	case TrustSupervised, TrustSemiAutonomous, TrustMonitoredAutonomous:
	default:
		return fmt.Errorf("trust_level must be one of %s, %s, %s; got %q",
			TrustSupervised, TrustSemiAutonomous, TrustMonitoredAutonomous, c.TrustLevel)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	for i, s := range c.Skills {
		if s.ID == "" {
			return fmt.Errorf("skills[%d].id is required", i)
		}
	}
	return nil
}

// SkillConfig declares one A2A skill an agent serves.
type SkillConfig struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	InputSchema map[string]any `yaml:"input_schema" json:"inputSchema"`
}

// LimitsConfig carries the per-agent budgets the dispatcher enforces.
type LimitsConfig struct {
	MaxTokensPerRequest int     `yaml:"max_tokens_per_request" json:"maxTokensPerRequest"`
	TokensPerMinute     int     `yaml:"tokens_per_minute" json:"tokensPerMinute"`
	RequestsPerMinute   int     `yaml:"requests_per_minute" json:"requestsPerMinute"`
	ToolCallsPerMinute  int     `yaml:"tool_calls_per_minute" json:"toolCallsPerMinute"`
	CostBudgetUSD       float64 `yaml:"cost_budget_usd" json:"costBudgetUsd"`
	MaxMemoryMB         int     `yaml:"max_memory_mb" json:"maxMemoryMb"`
}

func (c *LimitsConfig) SetDefaults() {
	if c.MaxTokensPerRequest == 0 {
		c.MaxTokensPerRequest = 8192
	}
	if c.TokensPerMinute == 0 {
		c.TokensPerMinute = 100000
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = 60
	}
	if c.ToolCallsPerMinute == 0 {
		c.ToolCallsPerMinute = 30
	}
	if c.CostBudgetUSD == 0 {
		c.CostBudgetUSD = 10.0
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = 512
	}
}

func (c *LimitsConfig) Validate() error {
	if c.RequestsPerMinute < 0 || c.TokensPerMinute < 0 || c.ToolCallsPerMinute < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.CostBudgetUSD < 0 {
		return fmt.Errorf("limits.cost_budget_usd must not be negative")
	}
	return nil
}
