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

package model

import (
	"context"
	"strings"

	"github.com/kadirpekel/warden/pkg/config"
)

// Static is the development provider: it answers every request locally
// by echoing the last user turn, so the full dispatch path can run
// without an upstream API.
type Static struct {
	model string
}

func NewStatic(cfg *config.ModelConfig) *Static {
	model := cfg.Model
	if model == "" {
		model = "static"
	}
	return &Static{model: model}
}

func (p *Static) Model() string { return p.model }
func (p *Static) Type() string  { return "static" }
func (p *Static) Close() error  { return nil }

func (p *Static) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content := p.answer(req)
	return &Response{
		Content: content,
		Usage:   staticUsage(req, content),
	}, nil
}

// Stream emits the answer word by word so subscribers exercise the
// same partial-frame path real providers drive.
func (p *Static) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	content := p.answer(req)
	usage := staticUsage(req, content)

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(content, " ") {
			select {
			case out <- StreamChunk{Type: ChunkText, Text: word}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- StreamChunk{Type: ChunkDone, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (p *Static) answer(req *Request) string {
	if last := lastUserMessage(req.Messages); last != "" {
		return "Echo: " + last
	}
	return "Hello from the static model."
}

// staticUsage estimates tokens at four characters apiece, mirroring the
// heuristic the usage accounting falls back to.
func staticUsage(req *Request, content string) Usage {
	inputChars := 0
	for _, m := range req.Messages {
		inputChars += len(m.Content)
	}
	in := inputChars/4 + 1
	outTokens := len(content)/4 + 1
	return Usage{
		InputTokens:  in,
		OutputTokens: outTokens,
		TotalTokens:  in + outTokens,
	}
}
