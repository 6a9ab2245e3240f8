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

package memory

import (
	"strings"
	"time"
)

// Kind discriminates the three memory stores.
type Kind string

const (
	KindEpisodic   Kind = "episodic"
	KindSemantic   Kind = "semantic"
	KindProcedural Kind = "procedural"
)

// Kinds lists every memory kind, in fan-out order.
var Kinds = []Kind{KindEpisodic, KindSemantic, KindProcedural}

func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// Episode records one thing that happened to an agent.
type Episode struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	SessionID  string    `json:"sessionId,omitempty"`
	EventName  string    `json:"eventName"`
	Context    string    `json:"context,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Success    bool      `json:"success"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (e *Episode) text() string {
	return joinText(e.EventName, e.Context, e.Outcome)
}

// Fact records one thing an agent knows.
type Fact struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Category   string    `json:"category"`
	Kind       string    `json:"kind,omitempty"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (f *Fact) text() string {
	return joinText(f.Category, f.Content)
}

// Procedure records how an agent performs a recurring task. Learning a
// procedure under an existing name retires the old version.
type Procedure struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	Name           string         `json:"name"`
	Trigger        string         `json:"trigger,omitempty"`
	Steps          []string       `json:"steps"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Version        int            `json:"version"`
	SuccessRate    float64        `json:"successRate"`
	ExecutionCount int            `json:"executionCount"`
	Active         bool           `json:"active"`
	Tags           []string       `json:"tags,omitempty"`
	Embedding      []float32      `json:"embedding,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (p *Procedure) text() string {
	return joinText(p.Name, p.Trigger, strings.Join(p.Steps, " "))
}

// Filters narrow a memory search. Zero values leave a dimension open.
// Tags matches records carrying at least one of the given tags.
// MinImportance applies to episodic and semantic records only.
type Filters struct {
	Kinds             []Kind    `json:"types,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	MinImportance     float64   `json:"minImportance,omitempty"`
	MinStrength       float64   `json:"minStrength,omitempty"`
	MinSimilarity     float32   `json:"minSimilarity,omitempty"`
	After             time.Time `json:"after,omitempty"`
	Before            time.Time `json:"before,omitempty"`
	Limit             int       `json:"limit,omitempty"`
	IncludeEmbeddings bool      `json:"includeEmbeddings,omitempty"`

	// Vector is a caller-supplied query embedding. When empty and a
	// query string is present, the service generates one.
	Vector []float32 `json:"vector,omitempty"`
}

// Hit is one search result. Score carries vector similarity when the
// hit came through the vector index, otherwise the text match ratio.
// Strength is recency decay with a 30 day half life.
type Hit struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Content    string    `json:"content"`
	Score      float32   `json:"score"`
	Strength   float64   `json:"strength"`
	Importance float64   `json:"importance,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Record     any       `json:"record"`
}

func joinText(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// tokenize splits text into significant lowercase words.
func tokenize(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 2 {
			words[word] = struct{}{}
		}
	}
	return words
}

// matchesQuery reports whether any query token occurs in text. An
// empty token set matches everything.
func matchesQuery(queryTokens map[string]struct{}, text string) bool {
	if len(queryTokens) == 0 {
		return true
	}
	docTokens := tokenize(text)
	for word := range queryTokens {
		if _, ok := docTokens[word]; ok {
			return true
		}
	}
	return false
}

// textScore is the fraction of query tokens present in text.
func textScore(queryTokens map[string]struct{}, text string) float32 {
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := tokenize(text)
	matched := 0
	for word := range queryTokens {
		if _, ok := docTokens[word]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(queryTokens))
}

func matchesTags(recordTags, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, t := range recordTags {
			if t == w {
				return true
			}
		}
	}
	return false
}

func inTimeRange(t time.Time, f Filters) bool {
	if !f.After.IsZero() && t.Before(f.After) {
		return false
	}
	if !f.Before.IsZero() && t.After(f.Before) {
		return false
	}
	return true
}
