// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
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

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"
)

// Pinecone is the managed-cloud backend. Collections map to Pinecone
// indexes, which must be provisioned out of band; CreateCollection only
// verifies the index exists.
type Pinecone struct {
	client *pinecone.Client
}

var _ Provider = (*Pinecone)(nil)

// NewPinecone authenticates against the Pinecone API. host overrides the
// default control-plane endpoint and is usually left empty.
func NewPinecone(apiKey, host string) (*Pinecone, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("pinecone api key is required")
	}

	params := pinecone.NewClientParams{ApiKey: apiKey}
	if host != "" {
		params.Host = host
	}
	client, err := pinecone.NewClient(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}
	return &Pinecone{client: client}, nil
}

func (p *Pinecone) Name() string { return "pinecone" }

func (p *Pinecone) connect(ctx context.Context, index string) (*pinecone.IndexConnection, error) {
	desc, err := p.client.DescribeIndex(ctx, index)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %s: %w", index, err)
	}
	conn, err := p.client.Index(pinecone.NewIndexConnParams{Host: desc.Host})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index %s: %w", index, err)
	}
	return conn, nil
}

func (p *Pinecone) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	conn, err := p.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	var meta *pinecone.Metadata
	if len(metadata) > 0 {
		meta, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: meta,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (p *Pinecone) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	return p.SearchWithFilter(ctx, collection, vector, topK, nil)
}

func (p *Pinecone) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]Result, error) {
	conn, err := p.connect(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var meta *pinecone.MetadataFilter
	if len(filter) > 0 {
		meta, err = structpb.NewStruct(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to encode filter: %w", err)
		}
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  meta,
		IncludeMetadata: true,
		IncludeValues:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match.Vector == nil {
			continue
		}
		res := Result{
			ID:     match.Vector.Id,
			Vector: match.Vector.Values,
			Score:  match.Score,
		}
		res.Metadata = make(map[string]any)
		if match.Vector.Metadata != nil {
			res.Metadata = match.Vector.Metadata.AsMap()
		}
		if content, ok := res.Metadata["content"].(string); ok {
			res.Content = content
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *Pinecone) Delete(ctx context.Context, collection, id string) error {
	conn, err := p.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.DeleteVectorsById(ctx, []string{id}); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

func (p *Pinecone) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) error {
	conn, err := p.connect(ctx, collection)
	if err != nil {
		return err
	}
	defer conn.Close()

	meta, err := structpb.NewStruct(filter)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}
	if err := conn.DeleteVectorsByFilter(ctx, meta); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}
	return nil
}

func (p *Pinecone) CreateCollection(ctx context.Context, collection string, dimension int) error {
	indexes, err := p.client.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}
	for _, idx := range indexes {
		if idx.Name == collection {
			return nil
		}
	}
	return fmt.Errorf("pinecone index %s does not exist; provision it before use", collection)
}

func (p *Pinecone) DeleteCollection(ctx context.Context, collection string) error {
	return fmt.Errorf("pinecone indexes are managed out of band; delete %s via the console", collection)
}

func (p *Pinecone) Close() error { return nil }
