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

// Package ingest turns uploaded documents into semantic memory. Text
// is extracted per format, split into overlapping chunks, and each
// chunk is stored as one fact tagged with the document id.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// Result summarizes one ingested document.
type Result struct {
	DocumentID string   `json:"documentId"`
	Source     string   `json:"source"`
	Format     string   `json:"format"`
	Chunks     int      `json:"chunks"`
	Bytes      int64    `json:"bytes"`
	MemoryIDs  []string `json:"memoryIds"`
}

// Ingestor feeds documents into an agent's semantic memory.
type Ingestor struct {
	memory *memory.Service
	cfg    config.IngestConfig
}

func New(svc *memory.Service, cfg config.IngestConfig) *Ingestor {
	cfg.SetDefaults()
	return &Ingestor{memory: svc, cfg: cfg}
}

// IngestBytes extracts, chunks, and stores an uploaded document. The
// filename extension selects the extractor.
func (ing *Ingestor) IngestBytes(ctx context.Context, agentID, filename string, data []byte, tags []string) (*Result, error) {
	if agentID == "" || filename == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "Ingestion requires an agent id and a file name")
	}
	if int64(len(data)) > ing.maxBytes() {
		return nil, protocol.Errorf(protocol.CodeValidation, "Document exceeds the %d MB limit", ing.cfg.MaxFileSizeMB)
	}

	text, format, err := extractText(filename, data)
	if err != nil {
		return nil, err
	}
	chunks := chunkText(text, ing.cfg.ChunkSize, ing.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "Document contains no extractable text")
	}

	docID := uuid.NewString()
	source := filepath.Base(filename)
	ids := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		id, err := ing.memory.StoreFact(ctx, &memory.Fact{
			AgentID:  agentID,
			Category: "document",
			Kind:     format,
			Content:  chunk,
			Source:   source,
			Tags:     append([]string{"document:" + docID}, tags...),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store chunk %d of %d: %w", i+1, len(chunks), err)
		}
		ids = append(ids, id)
	}

	slog.Info("Document ingested",
		"agent_id", agentID, "source", source, "format", format, "chunks", len(chunks))
	return &Result{
		DocumentID: docID,
		Source:     source,
		Format:     format,
		Chunks:     len(chunks),
		Bytes:      int64(len(data)),
		MemoryIDs:  ids,
	}, nil
}

// IngestFile reads a document from disk and ingests it.
func (ing *Ingestor) IngestFile(ctx context.Context, agentID, path string, tags []string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeNotFound, "Document %s not found", filepath.Base(path))
	}
	if info.Size() > ing.maxBytes() {
		return nil, protocol.Errorf(protocol.CodeValidation, "Document exceeds the %d MB limit", ing.cfg.MaxFileSizeMB)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return ing.IngestBytes(ctx, agentID, filepath.Base(path), data, tags)
}

func (ing *Ingestor) maxBytes() int64 {
	return int64(ing.cfg.MaxFileSizeMB) << 20
}
