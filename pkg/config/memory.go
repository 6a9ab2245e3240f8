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
	"encoding/base64"
	"fmt"
)

// MemoryConfig configures agent memory storage and document ingestion.
type MemoryConfig struct {
	// MaxEntriesPerAgent bounds working memory; 0 keeps the default.
	MaxEntriesPerAgent int `yaml:"max_entries_per_agent" json:"maxEntriesPerAgent"`

	// Encryption encrypts values at rest.
	Encryption EncryptionConfig `yaml:"encryption" json:"encryption"`

	// Ingest controls document ingestion into semantic memory.
	Ingest IngestConfig `yaml:"ingest" json:"ingest"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.MaxEntriesPerAgent == 0 {
		c.MaxEntriesPerAgent = 1000
	}
	c.Ingest.SetDefaults()
}

func (c *MemoryConfig) Validate() error {
	if err := c.Encryption.Validate(); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	if err := c.Ingest.Validate(); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}

// EncryptionConfig holds the AES-256-GCM key for memory values.
type EncryptionConfig struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Key is base64-encoded and must decode to 32 bytes.
	Key string `yaml:"key" json:"key"`
}

func (c *EncryptionConfig) IsEnabled() bool {
	return BoolValue(c.Enabled, false)
}

func (c *EncryptionConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.Key == "" {
		return fmt.Errorf("key is required when enabled")
	}
	raw, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return fmt.Errorf("key must be base64: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("key must decode to 32 bytes, got %d", len(raw))
	}
	return nil
}

// IngestConfig shapes document chunking for semantic memory.
type IngestConfig struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int `yaml:"chunk_size" json:"chunkSize"`

	// ChunkOverlap is carried between adjacent chunks.
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunkOverlap"`

	// MaxFileSizeMB rejects oversized documents.
	MaxFileSizeMB int `yaml:"max_file_size_mb" json:"maxFileSizeMB"`
}

func (c *IngestConfig) SetDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 2000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.MaxFileSizeMB == 0 {
		c.MaxFileSizeMB = 32
	}
}

func (c *IngestConfig) Validate() error {
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be smaller than chunk_size")
	}
	return nil
}
