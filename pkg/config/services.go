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

// ============================================================================
// DURABLE STORE
// ============================================================================

// StoreConfig configures the durable SQL store shared by the gateway.
type StoreConfig struct {
	// Driver selects the backend: postgres, mysql, sqlite, or memory.
	Driver string `yaml:"driver" json:"driver"`

	// DSN is the driver connection string (file path for sqlite).
	DSN string `yaml:"dsn" json:"dsn"`

	MaxConns int `yaml:"max_conns" json:"maxConns"`
	MaxIdle  int `yaml:"max_idle" json:"maxIdle"`

	// Required fails initialization when the store cannot be reached.
	Required *bool `yaml:"required" json:"required"`

	ConnectTimeout Duration `yaml:"connect_timeout" json:"connectTimeout"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "memory"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.Required == nil {
		c.Required = BoolPtr(c.Driver != "memory")
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(10 * time.Second)
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "memory", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, mysql, sqlite; got %q", c.Driver)
	}
	if c.Driver != "memory" && c.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", c.Driver)
	}
	return nil
}

// IsRequired reports whether a reachable store is mandatory at startup.
func (c *StoreConfig) IsRequired() bool {
	return BoolValue(c.Required, false)
}

// ============================================================================
// REDIS
// ============================================================================

// RedisConfig enables the Redis mirror for events and the distributed
// usage-window store.
type RedisConfig struct {
	Enabled  *bool  `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

func (c *RedisConfig) Validate() error {
	if c.IsEnabled() && c.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

func (c *RedisConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

// ============================================================================
// VECTOR STORE
// ============================================================================

// VectorConfig selects the vector database used for memory search.
type VectorConfig struct {
	// Type is one of qdrant, chromem, pinecone, or none.
	Type string `yaml:"type" json:"type"`

	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	APIKey string `yaml:"api_key" json:"apiKey"`

	// Path is the persistence directory for the embedded backend.
	Path string `yaml:"path" json:"path"`

	// Prefix namespaces collections created by this gateway.
	Prefix    string `yaml:"prefix" json:"prefix"`
	Dimension int    `yaml:"dimension" json:"dimension"`

	// Required fails initialization when the vector store cannot be reached.
	Required *bool `yaml:"required" json:"required"`
}

func (c *VectorConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "none"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 && c.Type == "qdrant" {
		c.Port = 6334
	}
	if c.Prefix == "" {
		c.Prefix = "warden"
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Required == nil {
		c.Required = BoolPtr(false)
	}
}

func (c *VectorConfig) Validate() error {
	switch c.Type {
	case "none", "qdrant", "chromem", "pinecone":
	default:
		return fmt.Errorf("vector.type must be one of none, qdrant, chromem, pinecone; got %q", c.Type)
	}
	if c.Type == "pinecone" && c.APIKey == "" {
		return fmt.Errorf("vector.api_key is required for pinecone")
	}
	if c.IsRequired() && c.Type == "none" {
		return fmt.Errorf("vector.required is set but vector.type is none")
	}
	return nil
}

func (c *VectorConfig) IsRequired() bool {
	return BoolValue(c.Required, false)
}

// ============================================================================
// EMBEDDER
// ============================================================================

// EmbedderConfig selects the embedding service for memory search.
type EmbedderConfig struct {
	// Type is one of openai, ollama, or none.
	Type string `yaml:"type" json:"type"`

	Model     string   `yaml:"model" json:"model"`
	APIKey    string   `yaml:"api_key" json:"apiKey"`
	BaseURL   string   `yaml:"base_url" json:"baseUrl"`
	Dimension int      `yaml:"dimension" json:"dimension"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "none"
	}
	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "text-embedding-3-small"
		case "ollama":
			c.Model = "nomic-embed-text"
		}
	}
	if c.Dimension == 0 {
		c.Dimension = 1536
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
}

func (c *EmbedderConfig) Validate() error {
	switch c.Type {
	case "none", "openai", "ollama":
	default:
		return fmt.Errorf("embedder.type must be one of none, openai, ollama; got %q", c.Type)
	}
	if c.Type == "openai" && c.APIKey == "" {
		return fmt.Errorf("embedder.api_key is required for openai")
	}
	return nil
}

// ============================================================================
// MODELS
// ============================================================================

// ModelConfig configures one routable language model.
type ModelConfig struct {
	// Type is one of openai, anthropic, gemini, ollama, static.
	Type string `yaml:"type" json:"type"`

	Model       string   `yaml:"model" json:"model"`
	APIKey      string   `yaml:"api_key" json:"apiKey"`
	BaseURL     string   `yaml:"base_url" json:"baseUrl"`
	MaxTokens   int      `yaml:"max_tokens" json:"maxTokens"`
	Temperature *float64 `yaml:"temperature" json:"temperature"`
	Timeout     Duration `yaml:"timeout" json:"timeout"`

	// Cost per 1000 tokens in USD; zero values fall back to the router's
	// built-in rate table.
	InputCostPer1K  *float64 `yaml:"input_cost_per_1k" json:"inputCostPer1K"`
	OutputCostPer1K *float64 `yaml:"output_cost_per_1k" json:"outputCostPer1K"`

	// Priority orders failover; higher is tried first.
	Priority int `yaml:"priority" json:"priority"`
}

func (c *ModelConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(120 * time.Second)
	}
	if c.Model == "" {
		switch c.Type {
		case "openai":
			c.Model = "gpt-4o"
		case "anthropic":
			c.Model = "claude-sonnet-4-20250514"
		case "gemini":
			c.Model = "gemini-2.0-flash"
		case "ollama":
			c.Model = "llama3"
		case "static":
			c.Model = "static"
		}
	}
}

func (c *ModelConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "gemini", "ollama", "static":
	default:
		return fmt.Errorf("type must be one of openai, anthropic, gemini, ollama, static; got %q", c.Type)
	}
	switch c.Type {
	case "openai", "anthropic", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for %s", c.Type)
		}
	}
	return nil
}
