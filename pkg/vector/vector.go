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

// Package vector abstracts the vector database used for semantic memory
// search. Backends receive pre-computed embeddings; none of them embed text
// themselves.
package vector

import (
	"context"
	"fmt"

	"github.com/kadirpekel/warden/pkg/config"
)

// Result is one search hit.
type Result struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Vector   []float32      `json:"vector,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float32        `json:"score"`
}

// Provider is a vector database backend. Collections are created lazily on
// first upsert; metadata filters are exact-match maps.
type Provider interface {
	Name() string

	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error)
	Delete(ctx context.Context, collection, id string) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error

	CreateCollection(ctx context.Context, collection string, dimension int) error
	DeleteCollection(ctx context.Context, collection string) error

	Close() error
}

// New builds the provider selected by the configuration. A nil config or
// type "none" yields the NilProvider, which satisfies every call without
// storing anything.
func New(cfg *config.VectorConfig) (Provider, error) {
	if cfg == nil || cfg.Type == "" || cfg.Type == "none" {
		return NilProvider{}, nil
	}
	switch cfg.Type {
	case "chromem":
		return NewChromem(cfg.Path)
	case "qdrant":
		return NewQdrant(cfg.Host, cfg.Port, cfg.APIKey)
	case "pinecone":
		return NewPinecone(cfg.APIKey, cfg.Host)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Type)
	}
}

// NilProvider discards writes and returns no hits. It stands in when no
// vector backend is configured, so memory works without semantic search.
type NilProvider struct{}

var _ Provider = NilProvider{}

func (NilProvider) Name() string { return "none" }

func (NilProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}

func (NilProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) SearchWithFilter(context.Context, string, []float32, int, map[string]any) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Delete(context.Context, string, string) error { return nil }

func (NilProvider) DeleteByFilter(context.Context, string, map[string]any) error { return nil }

func (NilProvider) CreateCollection(context.Context, string, int) error { return nil }

func (NilProvider) DeleteCollection(context.Context, string) error { return nil }

func (NilProvider) Close() error { return nil }
