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

// ToolsConfig configures the built-in tool surface and external MCP servers.
type ToolsConfig struct {
	// File tool.
	File FileToolConfig `yaml:"file" json:"file"`

	// Web tool.
	Web WebToolConfig `yaml:"web" json:"web"`

	// Command tool.
	Command CommandToolConfig `yaml:"command" json:"command"`

	// MCPServers are external tool servers keyed by name.
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers" json:"mcpServers"`
}

func (c *ToolsConfig) SetDefaults() {
	c.File.SetDefaults()
	c.Web.SetDefaults()
	c.Command.SetDefaults()
	for name, s := range c.MCPServers {
		s.SetDefaults()
		c.MCPServers[name] = s
	}
}

func (c *ToolsConfig) Validate() error {
	if err := c.Web.Validate(); err != nil {
		return fmt.Errorf("web: %w", err)
	}
	for name, s := range c.MCPServers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("mcp_servers.%s: %w", name, err)
		}
	}
	return nil
}

// FileToolConfig bounds sandboxed file access.
type FileToolConfig struct {
	// Root confines all file operations when set.
	Root string `yaml:"root" json:"root"`

	// MaxReadBytes caps a single read.
	MaxReadBytes int64 `yaml:"max_read_bytes" json:"maxReadBytes"`

	// MaxWriteBytes caps a single write.
	MaxWriteBytes int64 `yaml:"max_write_bytes" json:"maxWriteBytes"`
}

func (c *FileToolConfig) SetDefaults() {
	if c.MaxReadBytes == 0 {
		c.MaxReadBytes = 10 << 20
	}
	if c.MaxWriteBytes == 0 {
		c.MaxWriteBytes = 10 << 20
	}
}

// WebToolConfig bounds outbound HTTP fetches.
type WebToolConfig struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// MaxBodyBytes truncates fetched bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"maxBodyBytes"`

	// UserAgent is sent on every request.
	UserAgent string `yaml:"user_agent" json:"userAgent"`

	// BlockPrivateHosts rejects loopback, RFC1918 and link-local targets.
	BlockPrivateHosts *bool `yaml:"block_private_hosts" json:"blockPrivateHosts"`
}

func (c *WebToolConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 5 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "warden-gateway/1.0"
	}
	if c.BlockPrivateHosts == nil {
		c.BlockPrivateHosts = BoolPtr(true)
	}
}

func (c *WebToolConfig) Validate() error {
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max_body_bytes must be non-negative")
	}
	return nil
}

// CommandToolConfig bounds shell command execution.
type CommandToolConfig struct {
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// MaxOutputBytes truncates combined stdout and stderr.
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"maxOutputBytes"`

	// WorkDir is the working directory for spawned commands.
	WorkDir string `yaml:"work_dir" json:"workDir"`
}

func (c *CommandToolConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = Duration(60 * time.Second)
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = 1 << 20
	}
}

// MCPServerConfig declares one external MCP tool server.
type MCPServerConfig struct {
	// Type is stdio, sse or streamable-http.
	Type string `yaml:"type" json:"type"`

	// URL of the server endpoint (HTTP transports).
	URL string `yaml:"url" json:"url"`

	// Command spawns a subprocess server (stdio transport).
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args" json:"args"`
	Env     map[string]string `yaml:"env" json:"env"`

	// Headers are sent on every request (auth tokens and the like).
	Headers map[string]string `yaml:"headers" json:"headers"`

	Timeout Duration `yaml:"timeout" json:"timeout"`

	// IncludeTools restricts discovery to the named tools; empty keeps all.
	IncludeTools []string `yaml:"include_tools" json:"includeTools"`
}

func (c *MCPServerConfig) SetDefaults() {
	if c.Type == "" {
		if c.Command != "" {
			c.Type = "stdio"
		} else {
			c.Type = "streamable-http"
		}
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
}

func (c *MCPServerConfig) Validate() error {
	switch c.Type {
	case "stdio":
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case "sse", "streamable-http":
		if c.URL == "" {
			return fmt.Errorf("url is required")
		}
	default:
		return fmt.Errorf("type must be stdio, sse or streamable-http; got %q", c.Type)
	}
	return nil
}
