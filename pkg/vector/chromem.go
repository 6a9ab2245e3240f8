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

package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// Chromem is the embedded backend: pure Go, in-process, vectors in RAM with
// optional gob persistence. It is the default for single-node deployments;
// anything distributed should run qdrant or pinecone instead.
type Chromem struct {
	db   *chromem.DB
	file string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

var _ Provider = (*Chromem)(nil)

// NewChromem opens the embedded store. With an empty path vectors live in
// memory only; otherwise the database is loaded from and persisted to
// path/vectors.gob.
func NewChromem(path string) (*Chromem, error) {
	db := chromem.NewDB()
	var file string

	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector directory: %w", err)
		}
		file = filepath.Join(path, "vectors.gob")
		if _, err := os.Stat(file); err == nil {
			//nolint:staticcheck // Import is deprecated but matches the Export below.
			if err := db.Import(file, ""); err != nil {
				slog.Warn("Could not load persisted vectors, starting empty", "path", file, "error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded persisted vectors", "path", file)
			}
		}
	}

	return &Chromem{
		db:          db,
		file:        file,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (p *Chromem) Name() string { return "chromem" }

// collection returns the cached handle, creating the collection on first
// use. Embeddings always arrive pre-computed, so the embedding func is a
// guard that fails loudly if chromem ever asks for one.
func (p *Chromem) collection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	col, ok := p.collections[name]
	p.mu.RUnlock()
	if ok {
		return col, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be pre-computed")
}

func (p *Chromem) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        id,
		Metadata:  stringify(metadata),
		Embedding: vector,
	}
	if content, ok := metadata["content"].(string); ok {
		doc.Content = content
	}

	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	p.persist()
	return nil
}

func (p *Chromem) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *Chromem) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	col, err := p.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more hits than stored documents.
	if n := col.Count(); topK > n {
		topK = n
	}
	if topK <= 0 {
		return nil, nil
	}

	var where map[string]string
	if len(filter) > 0 {
		where = stringify(filter)
	}

	hits, err := col.QueryEmbedding(ctx, vector, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		metadata := make(map[string]any, len(h.Metadata))
		for k, v := range h.Metadata {
			metadata[k] = v
		}
		results = append(results, Result{
			ID:       h.ID,
			Content:  h.Content,
			Metadata: metadata,
			Score:    h.Similarity,
		})
	}
	return results, nil
}

func (p *Chromem) Delete(ctx context.Context, collection, id string) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	p.persist()
	return nil
}

func (p *Chromem) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	col, err := p.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, stringify(filter), nil); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	p.persist()
	return nil
}

// CreateCollection only opens the handle; chromem sizes collections from
// the first vector it sees.
func (p *Chromem) CreateCollection(ctx context.Context, collection string, dimension int) error {
	_, err := p.collection(collection)
	return err
}

func (p *Chromem) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	err := p.db.DeleteCollection(collection)
	if err == nil {
		delete(p.collections, collection)
	}
	p.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	p.persist()
	return nil
}

func (p *Chromem) Close() error {
	if p.file == "" {
		return nil
	}
	//nolint:staticcheck // Export is deprecated but stable in this release.
	if err := p.db.Export(p.file, false, ""); err != nil {
		return fmt.Errorf("failed to persist vectors: %w", err)
	}
	return nil
}

// persist snapshots after each mutation; chromem synchronizes its own
// internal state, the collections mutex is not needed here.
func (p *Chromem) persist() {
	if p.file == "" {
		return
	}
	//nolint:staticcheck // Export is deprecated but stable in this release.
	if err := p.db.Export(p.file, false, ""); err != nil {
		slog.Warn("Failed to persist vectors", "path", p.file, "error", err)
	}
}

// stringify flattens metadata to the string map chromem stores.
func stringify(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
