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
	"encoding/base64"

	"github.com/kadirpekel/warden/pkg/memory"
	"github.com/kadirpekel/warden/pkg/protocol"
)

func (d *Dispatcher) executeMemory(ctx context.Context, t *task) (any, error) {
	if d.mem == nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "memory service is not configured")
	}

	switch t.typ {
	case protocol.TaskStoreFact:
		return d.handleStoreFact(ctx, t)
	case protocol.TaskRecordEp:
		return d.handleRecordEpisode(ctx, t)
	case protocol.TaskSearchMemory:
		return d.handleSearchMemory(ctx, t)
	case protocol.TaskStoreProcedure:
		return d.handleStoreProcedure(ctx, t)
	case protocol.TaskGetProcedure:
		return d.handleGetProcedure(ctx, t)
	case protocol.TaskFindProcedures:
		return d.handleFindProcedures(ctx, t)
	case protocol.TaskRecordProcExecution:
		return d.handleRecordProcExecution(ctx, t)
	case protocol.TaskIngestDocument:
		return d.handleIngestDocument(ctx, t)
	}
	return nil, protocol.Errorf(protocol.CodeInternal, "no memory handler for %s", t.typ)
}

func (d *Dispatcher) handleStoreFact(ctx context.Context, t *task) (any, error) {
	id, err := d.mem.StoreFact(ctx, &memory.Fact{
		AgentID:    t.entry.ExternalID,
		Category:   str(t.payload, "category"),
		Kind:       str(t.payload, "kind"),
		Content:    str(t.payload, "content"),
		Importance: num(t.payload, "importance"),
		Tags:       strList(t.payload, "tags"),
		Source:     str(t.payload, "source"),
	})
	if err != nil {
		return nil, err
	}
	t.resourceID = id
	return map[string]any{"factId": id}, nil
}

func (d *Dispatcher) handleRecordEpisode(ctx context.Context, t *task) (any, error) {
	success := true
	if v, ok := t.payload["success"].(bool); ok {
		success = v
	}
	id, err := d.mem.RecordEpisode(ctx, &memory.Episode{
		AgentID:    t.entry.ExternalID,
		SessionID:  str(t.payload, "sessionId"),
		EventName:  str(t.payload, "eventName"),
		Context:    str(t.payload, "context"),
		Outcome:    str(t.payload, "outcome"),
		Success:    success,
		Importance: num(t.payload, "importance"),
		Tags:       strList(t.payload, "tags"),
	})
	if err != nil {
		return nil, err
	}
	t.resourceID = id
	return map[string]any{"episodeId": id}, nil
}

func (d *Dispatcher) handleSearchMemory(ctx context.Context, t *task) (any, error) {
	filters := memory.Filters{
		Tags:          strList(t.payload, "tags"),
		MinImportance: num(t.payload, "minImportance"),
		Limit:         intval(t.payload, "limit"),
	}
	for _, kind := range strList(t.payload, "types") {
		filters.Kinds = append(filters.Kinds, memory.Kind(kind))
	}

	hits, err := d.mem.Search(ctx, t.entry.ExternalID, str(t.payload, "query"), filters)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": hits, "count": len(hits)}, nil
}

func (d *Dispatcher) handleStoreProcedure(ctx context.Context, t *task) (any, error) {
	steps := strList(t.payload, "steps")
	if len(steps) == 0 {
		return nil, protocol.NewError(protocol.CodeValidation, "steps must not be empty")
	}
	id, err := d.mem.LearnProcedure(ctx, &memory.Procedure{
		AgentID: t.entry.ExternalID,
		Name:    str(t.payload, "name"),
		Trigger: str(t.payload, "trigger"),
		Steps:   steps,
		Inputs:  mapval(t.payload, "inputs"),
		Outputs: mapval(t.payload, "outputs"),
		Tags:    strList(t.payload, "tags"),
	})
	if err != nil {
		return nil, err
	}
	t.resourceID = id
	return map[string]any{"procedureId": id}, nil
}

func (d *Dispatcher) handleGetProcedure(ctx context.Context, t *task) (any, error) {
	if id := str(t.payload, "procedureId"); id != "" {
		p, err := d.mem.GetProcedure(ctx, t.entry.ExternalID, id)
		if err != nil {
			return nil, err
		}
		t.resourceID = p.ID
		return p, nil
	}
	name := str(t.payload, "name")
	if name == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "procedureId or name is required")
	}
	p, err := d.mem.ProcedureByName(ctx, t.entry.ExternalID, name)
	if err != nil {
		return nil, err
	}
	t.resourceID = p.ID
	return p, nil
}

func (d *Dispatcher) handleFindProcedures(ctx context.Context, t *task) (any, error) {
	hits, err := d.mem.Search(ctx, t.entry.ExternalID, str(t.payload, "query"), memory.Filters{
		Kinds: []memory.Kind{memory.KindProcedural},
		Tags:  strList(t.payload, "tags"),
		Limit: intval(t.payload, "limit"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"procedures": hits, "count": len(hits)}, nil
}

func (d *Dispatcher) handleRecordProcExecution(ctx context.Context, t *task) (any, error) {
	p, err := d.mem.RecordProcedureExecution(ctx, t.entry.ExternalID,
		str(t.payload, "procedureId"), boolean(t.payload, "success"))
	if err != nil {
		return nil, err
	}
	t.resourceID = p.ID
	return map[string]any{
		"procedureId":    p.ID,
		"successRate":    p.SuccessRate,
		"executionCount": p.ExecutionCount,
	}, nil
}

// handleIngestDocument accepts inline text or base64 file bytes and chunks
// them into semantic memory.
func (d *Dispatcher) handleIngestDocument(ctx context.Context, t *task) (any, error) {
	if d.ingestor == nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "document ingestion is not configured")
	}

	var data []byte
	if encoded := str(t.payload, "contentBase64"); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, protocol.Errorf(protocol.CodeValidation, "contentBase64 is not valid base64: %v", err)
		}
		data = decoded
	} else if content := str(t.payload, "content"); content != "" {
		data = []byte(content)
	} else {
		return nil, protocol.NewError(protocol.CodeValidation, "content or contentBase64 is required")
	}

	result, err := d.ingestor.IngestBytes(ctx, t.entry.ExternalID,
		str(t.payload, "filename"), data, strList(t.payload, "tags"))
	if err != nil {
		return nil, err
	}
	t.resourceID = str(t.payload, "filename")
	return result, nil
}
