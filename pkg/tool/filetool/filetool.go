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

// Package filetool provides the sandboxed file built-ins: file_read,
// file_write and file_list.
//
// Every path is rejected on traversal sequences before normalization,
// confined to the configured root when one is set, and then checked
// against the policy engine's file rules. The capability gate upstream
// has already verified the caller's filesystem grant; the checks here
// are the structural layer below it.
package filetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kadirpekel/warden/pkg/config"
	"github.com/kadirpekel/warden/pkg/glob"
	"github.com/kadirpekel/warden/pkg/policy"
	"github.com/kadirpekel/warden/pkg/tool"
	"github.com/kadirpekel/warden/pkg/tool/functiontool"
)

// maxListEntries bounds a single directory listing.
const maxListEntries = 1000

// New builds the three file tools against one sandbox configuration.
func New(cfg *config.FileToolConfig, engine *policy.Engine) ([]tool.Tool, error) {
	if cfg == nil {
		cfg = &config.FileToolConfig{}
		cfg.SetDefaults()
	}

	sandbox := &sandbox{cfg: cfg, engine: engine}

	readTool, err := functiontool.NewWithValidation(
		tool.Definition{
			ID:                  "builtin:file_read",
			Name:                "file_read",
			Description:         "Read the contents of a file with optional line range selection.",
			Category:            "file",
			Tags:                []string{"file", "read"},
			RequiredPermissions: []string{"filesystem.read"},
			ResourceArg:         "path",
		},
		sandbox.readFile,
		func(args ReadArgs) error { return sandbox.check(args.Path, "read") },
	)
	if err != nil {
		return nil, err
	}

	writeTool, err := functiontool.NewWithValidation(
		tool.Definition{
			ID:                  "builtin:file_write",
			Name:                "file_write",
			Description:         "Write content to a file, creating parent directories as needed.",
			Category:            "file",
			Tags:                []string{"file", "write"},
			RequiredPermissions: []string{"filesystem.write"},
			ResourceArg:         "path",
		},
		sandbox.writeFile,
		func(args WriteArgs) error { return sandbox.check(args.Path, "write") },
	)
	if err != nil {
		return nil, err
	}

	listTool, err := functiontool.NewWithValidation(
		tool.Definition{
			ID:                  "builtin:file_list",
			Name:                "file_list",
			Description:         "List the entries of a directory.",
			Category:            "file",
			Tags:                []string{"file", "list"},
			RequiredPermissions: []string{"filesystem.read"},
			ResourceArg:         "path",
		},
		sandbox.listDir,
		func(args ListArgs) error { return sandbox.check(args.Path, "read") },
	)
	if err != nil {
		return nil, err
	}

	return []tool.Tool{readTool, writeTool, listTool}, nil
}

// ReadArgs selects a file and an optional line range.
type ReadArgs struct {
	Path      string `json:"path" jsonschema:"required,description=File path to read"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=Starting line number (1-indexed),minimum=1"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Ending line number (inclusive),minimum=1"`
}

// WriteArgs carries a file path and the full content to write.
type WriteArgs struct {
	Path    string `json:"path" jsonschema:"required,description=File path to write"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// ListArgs selects a directory.
type ListArgs struct {
	Path string `json:"path" jsonschema:"required,description=Directory path to list"`
}

type sandbox struct {
	cfg    *config.FileToolConfig
	engine *policy.Engine
}

// check runs the structural gates shared by all three tools: traversal
// rejection, root confinement, then the policy engine's file rules.
func (s *sandbox) check(path, operation string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if glob.ContainsTraversal(path) {
		return fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved, err := s.resolve(path)
	if err != nil {
		return err
	}
	if s.engine != nil {
		if verdict := s.engine.Evaluate(policy.FileRequest(resolved, operation)); !verdict.Allowed() {
			return fmt.Errorf("path blocked by policy: %s", path)
		}
	}
	return nil
}

// resolve normalizes path and confines it to the configured root.
func (s *sandbox) resolve(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if s.cfg.Root == "" {
		return cleaned, nil
	}

	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return "", fmt.Errorf("invalid sandbox root: %w", err)
	}

	full := cleaned
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes sandbox root: %s", path)
	}
	return full, nil
}

func (s *sandbox) readFile(ctx context.Context, callerID string, args ReadArgs) (map[string]any, error) {
	full, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", args.Path)
	}
	if info.Size() > s.cfg.MaxReadBytes {
		return nil, fmt.Errorf("file too large: %d bytes (max: %d)", info.Size(), s.cfg.MaxReadBytes)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	totalLines := len(lines)

	startLine := 1
	if args.StartLine > 0 {
		startLine = args.StartLine
		if startLine > totalLines {
			return nil, fmt.Errorf("start_line (%d) exceeds file length (%d lines)", startLine, totalLines)
		}
	}
	endLine := totalLines
	if args.EndLine > 0 && args.EndLine < endLine {
		endLine = args.EndLine
	}
	if startLine > endLine {
		return nil, fmt.Errorf("invalid range: start_line (%d) > end_line (%d)", startLine, endLine)
	}

	content := strings.Join(lines[startLine-1:endLine], "\n")

	return map[string]any{
		"content":     content,
		"path":        args.Path,
		"total_lines": totalLines,
		"start_line":  startLine,
		"end_line":    endLine,
		"file_size":   info.Size(),
	}, nil
}

func (s *sandbox) writeFile(ctx context.Context, callerID string, args WriteArgs) (map[string]any, error) {
	if int64(len(args.Content)) > s.cfg.MaxWriteBytes {
		return nil, fmt.Errorf("content too large: %d bytes (max: %d)", len(args.Content), s.cfg.MaxWriteBytes)
	}

	full, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}

	if args.Append {
		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(args.Content); err != nil {
			return nil, fmt.Errorf("failed to append: %w", err)
		}
	} else if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	return map[string]any{
		"content":       fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path),
		"path":          args.Path,
		"bytes_written": len(args.Content),
		"append":        args.Append,
	}, nil
}

func (s *sandbox) listDir(ctx context.Context, callerID string, args ListArgs) (map[string]any, error) {
	full, err := s.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	truncated := false
	if len(entries) > maxListEntries {
		entries = entries[:maxListEntries]
		truncated = true
	}

	names := make([]string, 0, len(entries))
	listing := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		item := map[string]any{"name": name, "dir": e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item["size"] = info.Size()
		}
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
		listing = append(listing, item)
	}
	sort.Strings(names)

	return map[string]any{
		"content":   strings.Join(names, "\n"),
		"path":      args.Path,
		"entries":   listing,
		"count":     len(listing),
		"truncated": truncated,
	}, nil
}
