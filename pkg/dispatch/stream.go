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

package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/kadirpekel/warden/pkg/governance"
	"github.com/kadirpekel/warden/pkg/model"
	"github.com/kadirpekel/warden/pkg/protocol"
	"github.com/kadirpekel/warden/pkg/usage"
)

// ChatStream is a live, gated chat completion. The channel closes after
// the terminal done or error chunk; accounting settles when it does.
type ChatStream struct {
	Chunks     <-chan model.StreamChunk
	Model      string
	ProviderID string
}

// ChatStream runs the full gate chain for a chat task and, on admission,
// opens a provider stream. The caller must drain Chunks; consumption is
// folded into the agent's window and budget when the stream ends, and the
// admission booking is refunded if the stream fails midway.
func (d *Dispatcher) ChatStream(ctx context.Context, agentID string, payload map[string]any) (*ChatStream, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["type"] = protocol.TaskChat

	t, receipt, err := d.admit(ctx, agentID, payload, "")
	if err != nil {
		return nil, err
	}

	if d.router == nil || d.router.Count() == 0 {
		err := protocol.NewError(protocol.CodeUpstream, "no model providers configured")
		d.settleFailure(ctx, t, receipt, err)
		return nil, err
	}

	started := d.now()
	handle, err := d.router.Stream(ctx, t.chatReq)
	if err != nil {
		d.settleFailure(ctx, t, receipt, err)
		return nil, err
	}

	sink := make(chan model.StreamChunk, 1)
	go d.pumpStream(ctx, t, receipt, handle, sink, started)

	return &ChatStream{Chunks: sink, Model: handle.Model, ProviderID: handle.ProviderID}, nil
}

// pumpStream forwards provider chunks to the consumer, accumulating the
// final content and usage, and settles exactly once when the stream ends.
func (d *Dispatcher) pumpStream(ctx context.Context, t *task, receipt *usage.Receipt, handle *model.StreamHandle, sink chan<- model.StreamChunk, started time.Time) {
	defer close(sink)

	var content strings.Builder
	var reported *model.Usage

	for chunk := range handle.Chunks {
		switch chunk.Type {
		case model.ChunkText:
			content.WriteString(chunk.Text)
		case model.ChunkDone:
			if chunk.Usage != nil {
				reported = chunk.Usage
			}
		case model.ChunkError:
			select {
			case sink <- chunk:
			case <-ctx.Done():
			}
			d.settleFailure(ctx, t, receipt, chunk.Err)
			return
		}

		select {
		case sink <- chunk:
		case <-ctx.Done():
			d.settleFailure(ctx, t, receipt, ctx.Err())
			return
		}
	}

	result := &model.Result{
		Content:    content.String(),
		Model:      handle.Model,
		ProviderID: handle.ProviderID,
		LatencyMs:  d.now().Sub(started).Milliseconds(),
	}
	if reported != nil {
		result.Usage = *reported
	} else {
		// Provider did not report usage; fall back to estimates so the
		// window and budget still move.
		result.Usage = model.Usage{
			InputTokens:  t.estTokens,
			OutputTokens: usage.CountTokens(result.Model, result.Content),
		}
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}

	d.foldChatUsage(ctx, t, result)
	d.settleSuccess(ctx, t)
}

// foldChatUsage books the actual consumption of a finished completion:
// it corrects the admission estimate, folds tokens and cost into the
// entry, fires the budget-crossing alert, and writes the provider usage
// and episode projections. Returns the computed cost.
func (d *Dispatcher) foldChatUsage(ctx context.Context, t *task, result *model.Result) float64 {
	in, out := result.Usage.InputTokens, result.Usage.OutputTokens
	cost := d.meter.Cost(result.Model, in, out)

	// Correct the admission estimate against reported usage. The correction
	// is deliberate consumption, not a refundable booking.
	if adjust := in + out - t.estTokens; adjust != 0 {
		d.meter.Record(ctx, t.entry.ExternalID, usage.Delta{Tokens: adjust})
	}

	// A completion may push the token window past its limit; the call is
	// never rejected after the fact, it leaves a warning on the trail.
	if limit := t.entry.Config.Limits.TokensPerMinute; limit > 0 {
		if w, err := d.meter.Usage(ctx, t.entry.ExternalID); err == nil && w.Tokens > limit {
			d.audit(ctx, t, "rate_limit.warning", governance.OutcomeSuccess, map[string]any{
				"kind": string(usage.KindTokens), "current": w.Tokens, "limit": limit,
			})
		}
	}

	before := t.entry.CumulativeCost()
	t.entry.FoldUsage(int64(in), int64(out), cost)
	if budget := t.entry.Config.Limits.CostBudgetUSD; budget > 0 && before < budget && before+cost >= budget {
		d.audit(ctx, t, "budget.reached", governance.OutcomeSuccess, map[string]any{
			"cumulativeCost": before + cost, "budget": budget,
		})
		d.alert("budget.reached", t.entry.ExternalID, map[string]any{
			"cumulativeCost": before + cost, "budget": budget,
		})
	}

	d.recordProviderUsage(ctx, t, result, cost)
	d.recordChatEpisode(ctx, t, result)

	t.resourceID = result.Model
	t.details = map[string]any{
		"providerId": result.ProviderID,
		"inputTokens": in, "outputTokens": out, "costUsd": cost,
	}
	return cost
}
