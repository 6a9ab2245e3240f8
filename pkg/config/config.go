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

// Package config defines the gateway configuration tree.
//
// Every section follows the same contract: yaml+json tags, SetDefaults()
// filling zero values, Validate() returning the first problem with its full
// field path. Configs load through a Loader backed by a source Provider
// (file, etcd, consul, zookeeper).
package config

import (
	"fmt"
	"time"
)

// Config is the root of the gateway configuration.
type Config struct {
	Gateway       GatewayConfig          `yaml:"gateway" json:"gateway"`
	Logging       LoggingConfig          `yaml:"logging" json:"logging"`
	Store         StoreConfig            `yaml:"store" json:"store"`
	Redis         RedisConfig            `yaml:"redis" json:"redis"`
	Vector        VectorConfig           `yaml:"vector" json:"vector"`
	Embedder      EmbedderConfig         `yaml:"embedder" json:"embedder"`
	Models        map[string]ModelConfig `yaml:"models" json:"models"`
	Tools         ToolsConfig            `yaml:"tools" json:"tools"`
	Memory        MemoryConfig           `yaml:"memory" json:"memory"`
	Capabilities  CapabilityConfig       `yaml:"capabilities" json:"capabilities"`
	Policy        PolicyConfig           `yaml:"policy" json:"policy"`
	Governance    GovernanceConfig       `yaml:"governance" json:"governance"`
	A2A           A2AConfig              `yaml:"a2a" json:"a2a"`
	Cluster       ClusterConfig          `yaml:"cluster" json:"cluster"`
	Health        HealthConfig           `yaml:"health" json:"health"`
	Observability ObservabilityConfig    `yaml:"observability" json:"observability"`
	AdminAuth     AdminAuthConfig        `yaml:"admin_auth" json:"adminAuth"`
	Agents        map[string]AgentConfig `yaml:"agents" json:"agents"`
}

// SetDefaults fills zero values across the whole tree.
func (c *Config) SetDefaults() {
	c.Gateway.SetDefaults()
	c.Logging.SetDefaults()
	c.Store.SetDefaults()
	c.Redis.SetDefaults()
	c.Vector.SetDefaults()
	c.Embedder.SetDefaults()
	for name, m := range c.Models {
		m.SetDefaults()
		c.Models[name] = m
	}
	c.Tools.SetDefaults()
	c.Memory.SetDefaults()
	c.Capabilities.SetDefaults()
	c.Policy.SetDefaults()
	c.Governance.SetDefaults()
	c.A2A.SetDefaults()
	c.Cluster.SetDefaults()
	c.Health.SetDefaults()
	c.Observability.SetDefaults()
	c.AdminAuth.SetDefaults()
	for name, a := range c.Agents {
		a.SetDefaults()
		c.Agents[name] = a
	}
}

// Validate checks the whole tree. Production hardening is enforced here:
// with hardening on, a permissive policy default is a configuration error,
// and the gateway and capability secrets must be present.
func (c *Config) Validate() error {
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Vector.Validate(); err != nil {
		return err
	}
	if err := c.Embedder.Validate(); err != nil {
		return err
	}
	for name, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("models.%s: %w", name, err)
		}
	}
	if err := c.Tools.Validate(); err != nil {
		return err
	}
	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Capabilities.Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if err := c.Governance.Validate(); err != nil {
		return err
	}
	if err := c.A2A.Validate(); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	if err := c.Health.Validate(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if err := c.AdminAuth.Validate(); err != nil {
		return err
	}
	for name, a := range c.Agents {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
	}

	if c.Gateway.IsHardened() {
		if c.Policy.DefaultDecision != DecisionBlock {
			return fmt.Errorf("policy.default_decision must be %q when production hardening is enabled", DecisionBlock)
		}
		if c.Gateway.Secret == "" {
			return fmt.Errorf("gateway.secret is required when production hardening is enabled")
		}
		if c.Capabilities.Secret == "" {
			return fmt.Errorf("capabilities.secret is required when production hardening is enabled")
		}
	}
	return nil
}

// GatewayConfig configures the connection surface and process identity.
type GatewayConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// Secret authenticates connections; compared in constant time.
	Secret string `yaml:"secret" json:"secret"`

	// MaxPayloadBytes caps a single inbound frame.
	MaxPayloadBytes int `yaml:"max_payload_bytes" json:"maxPayloadBytes"`

	// MessagesPerMinute is the per-connection inbound rate limit.
	MessagesPerMinute int `yaml:"messages_per_minute" json:"messagesPerMinute"`

	// SubscriberBuffer bounds each subscriber's outbound queue. A subscriber
	// that stalls past a full buffer is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer" json:"subscriberBuffer"`

	// DevMode enables the static model provider and relaxes secret checks.
	DevMode *bool `yaml:"dev_mode" json:"devMode"`

	// ProductionHardening rejects permissive policy defaults and missing
	// secrets at load time.
	ProductionHardening *bool `yaml:"production_hardening" json:"productionHardening"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdownTimeout"`
}

func (c *GatewayConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.MessagesPerMinute == 0 {
		c.MessagesPerMinute = 600
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = 256
	}
	if c.DevMode == nil {
		c.DevMode = BoolPtr(false)
	}
	if c.ProductionHardening == nil {
		c.ProductionHardening = BoolPtr(false)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(15 * time.Second)
	}
}

func (c *GatewayConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxPayloadBytes < 1024 {
		return fmt.Errorf("gateway.max_payload_bytes must be at least 1024, got %d", c.MaxPayloadBytes)
	}
	if !c.IsDevMode() && c.Secret == "" {
		return fmt.Errorf("gateway.secret is required outside dev mode")
	}
	return nil
}

// IsDevMode reports whether dev mode is enabled.
func (c *GatewayConfig) IsDevMode() bool {
	return BoolValue(c.DevMode, false)
}

// IsHardened reports whether production hardening is enabled.
func (c *GatewayConfig) IsHardened() bool {
	return BoolValue(c.ProductionHardening, false)
}

// Address returns the host:port listen address.
func (c *GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file" json:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("logging.format must be one of simple, verbose, json; got %q", c.Format)
	}
	return nil
}
