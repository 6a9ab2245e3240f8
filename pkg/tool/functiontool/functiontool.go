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

// Package functiontool turns typed Go functions into gateway tools with
// compile-time argument safety and automatic schema generation from struct
// tags.
//
// Usage:
//
//	type WeatherArgs struct {
//	    City  string `json:"city" jsonschema:"required,description=City name"`
//	    Units string `json:"units,omitempty" jsonschema:"description=Temperature units,default=celsius,enum=celsius|fahrenheit"`
//	}
//
//	weather, err := functiontool.New(
//	    tool.Definition{ID: "builtin:get_weather", Name: "get_weather", Description: "Current weather for a city"},
//	    func(ctx context.Context, callerID string, args WeatherArgs) (map[string]any, error) {
//	        return map[string]any{"temp": 22, "condition": "sunny"}, nil
//	    },
//	)
//
// Handlers return a map. A string under the "content" key becomes the
// Result's primary output; the remaining keys land in Result.Metadata.
// For tools with dynamic schemas or streaming output, implement tool.Tool
// directly.
package functiontool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/warden/pkg/tool"
)

// New creates a tool from a typed function. The definition's InputSchema is
// generated from the Args struct tags; a pre-set schema is an error since it
// would drift from the function's real signature.
func New[Args any](def tool.Definition, fn func(context.Context, string, Args) (map[string]any, error)) (tool.Tool, error) {
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", def.ID, err)
	}
	def.InputSchema = schema

	return &functionTool[Args]{def: def, fn: fn}, nil
}

// NewWithValidation creates a tool whose arguments pass a custom validator
// before the handler runs. Validation failures become failed Results, not
// errors, so they surface to the caller as tool output.
func NewWithValidation[Args any](
	def tool.Definition,
	fn func(context.Context, string, Args) (map[string]any, error),
	validate func(Args) error,
) (tool.Tool, error) {
	base, err := New(def, fn)
	if err != nil {
		return nil, err
	}
	return &validatedTool[Args]{
		functionTool: base.(*functionTool[Args]),
		validate:     validate,
	}, nil
}

type functionTool[Args any] struct {
	def tool.Definition
	fn  func(context.Context, string, Args) (map[string]any, error)
}

func (t *functionTool[Args]) Definition() tool.Definition {
	return t.def
}

func (t *functionTool[Args]) Execute(ctx context.Context, callerID string, args map[string]any) (*tool.Result, error) {
	var typed Args
	if err := mapToStruct(args, &typed); err != nil {
		return tool.Fail("invalid arguments for %s: %v", t.def.Name, err), nil
	}
	out, err := t.fn(ctx, callerID, typed)
	if err != nil {
		return tool.Fail("%v", err), nil
	}
	return resultFromMap(out), nil
}

type validatedTool[Args any] struct {
	*functionTool[Args]
	validate func(Args) error
}

func (t *validatedTool[Args]) Execute(ctx context.Context, callerID string, args map[string]any) (*tool.Result, error) {
	var typed Args
	if err := mapToStruct(args, &typed); err != nil {
		return tool.Fail("invalid arguments for %s: %v", t.def.Name, err), nil
	}
	if err := t.validate(typed); err != nil {
		return tool.Fail("%v", err), nil
	}
	out, err := t.fn(ctx, callerID, typed)
	if err != nil {
		return tool.Fail("%v", err), nil
	}
	return resultFromMap(out), nil
}

// resultFromMap lifts the conventional "content" key into Result.Content
// and carries the rest as metadata.
func resultFromMap(out map[string]any) *tool.Result {
	if out == nil {
		return tool.Succeed("", nil)
	}
	content, _ := out["content"].(string)
	metadata := make(map[string]any, len(out))
	for k, v := range out {
		if k == "content" && content != "" {
			continue
		}
		metadata[k] = v
	}
	if len(metadata) == 0 {
		metadata = nil
	}
	return tool.Succeed(content, metadata)
}

func validateDefinition(def tool.Definition) error {
	if def.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description is required")
	}
	if def.InputSchema != nil {
		return fmt.Errorf("input schema is generated; do not pre-set it")
	}
	return nil
}

// Verify interface compliance at compile time
var (
	_ tool.Tool = (*functionTool[struct{}])(nil)
	_ tool.Tool = (*validatedTool[struct{}])(nil)
)
