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

package a2a

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/protocol"
)

// skillFor matches a payload against the target's declared skills. The
// payload selects a skill by "skillId", falling back to "type". Targets
// with no declared skills accept every payload.
func skillFor(skills []config.SkillConfig, payload map[string]any) (*config.SkillConfig, error) {
	if len(skills) == 0 {
		return nil, nil
	}

	want, _ := payload["skillId"].(string)
	if want == "" {
		want, _ = payload["type"].(string)
	}
	if want == "" {
		return nil, protocol.NewError(protocol.CodeValidation,
			"payload must carry skillId or type for an agent with declared skills")
	}
	for i := range skills {
		if skills[i].ID == want {
			return &skills[i], nil
		}
	}
	return nil, protocol.Errorf(protocol.CodeValidation, "agent does not serve skill %q", want)
}

// schemaCache compiles skill input schemas once per (agent, skill) pair.
// Manifests are immutable after spawn, so entries never invalidate.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks the payload against the skill's input schema, compiling
// and caching it on first use. Skills without a schema accept anything.
func (c *schemaCache) validate(agentID string, skill *config.SkillConfig, payload map[string]any) error {
	if skill == nil || len(skill.InputSchema) == 0 {
		return nil
	}

	key := agentID + "\x00" + skill.ID
	c.mu.Lock()
	schema, ok := c.compiled[key]
	c.mu.Unlock()

	if !ok {
		compiled, err := compileSchema(skill.InputSchema)
		if err != nil {
			return protocol.Errorf(protocol.CodeValidation, "skill %s: invalid input schema: %v", skill.ID, err)
		}
		c.mu.Lock()
		c.compiled[key] = compiled
		c.mu.Unlock()
		schema = compiled
	}

	// Round-trip through JSON so numbers and nested maps take the shapes
	// the validator expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return protocol.Errorf(protocol.CodeValidation, "payload not serializable: %v", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return protocol.Errorf(protocol.CodeValidation, "payload not serializable: %v", err)
	}

	if err := schema.Validate(instance); err != nil {
		return protocol.Errorf(protocol.CodeValidation, "payload does not satisfy skill %s input schema: %v", skill.ID, err)
	}
	return nil
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	// The config loader delivers YAML-decoded maps; normalize through JSON
	// so the compiler sees plain JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile("schema.json")
}
